// Package backend реализует клиент управляемого бэкенда: REST-доступ к
// удалённому хранилищу записей, realtime-поток изменений и операции
// с сессией.
package backend

import (
	"context"
	"errors"

	"github.com/mmeshcher/ledgerpad/internal/model"
)

// Ошибки классификации ответов бэкенда.
var (
	// ErrSchemaNotProvisioned означает, что ожидаемая таблица не создана
	// на бэкенде. Известный деградированный режим, не повторяется.
	ErrSchemaNotProvisioned = errors.New("backend schema not provisioned")
	// ErrUnauthorized означает отказ бэкенда по причинам аутентификации.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRejected означает авторитетный отказ бэкенда (невалидные данные,
	// нарушение ограничений); такие ошибки не повторяются.
	ErrRejected = errors.New("request rejected by backend")
)

// Gateway описывает узкий контракт доступа к удалённому состоянию.
// Логика синхронизации и аутентификации зависит только от него и
// тестируется на подменной реализации без сети.
type Gateway interface {
	FetchItems(ctx context.Context, ownerID string, all bool) ([]model.Item, error)
	InsertItem(ctx context.Context, item model.Item) (*model.Item, error)
	UpdateItem(ctx context.Context, id string, patch model.ItemPatch) (*model.Item, error)
	DeleteItem(ctx context.Context, id string) error

	SubscribeChanges(ctx context.Context, ownerID string, all bool, onEvent func(model.ChangeEvent), onStatus func(model.ChannelStatus)) (unsubscribe func(), err error)

	SubscribeAuth(onEvent func(model.AuthEvent)) (unsubscribe func())
	SignIn(ctx context.Context, email, password string) (*model.Session, error)
	SignUp(ctx context.Context, email, password string) (*model.Session, error)
	SignOut(ctx context.Context) error
	CheckAuthorization(ctx context.Context, userID string) (bool, error)
}
