// Package model содержит доменные сущности клиента ledgerpad.
package model

import "time"

// Section определяет раздел учёта, к которому относится запись.
type Section string

const (
	SectionIncome   Section = "income"
	SectionExpenses Section = "expenses"
)

// SyncStatus описывает состояние синхронизации записи с сервером.
type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusError   SyncStatus = "error"
)

// Item представляет одну датированную запись доходов или расходов.
// Цена всегда хранится целым числом минорных единиц валюты.
type Item struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	PriceCents int64     `json:"price_cents"`
	Section    Section   `json:"section"`
	SubSection *string   `json:"sub_section,omitempty"`
	Date       string    `json:"date"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ItemWithStatus дополняет запись статусом синхронизации и локальным
// идентификатором, связывающим оптимистичную запись с подтверждённой сервером.
type ItemWithStatus struct {
	Item
	Status  SyncStatus `json:"status"`
	LocalID string     `json:"local_id,omitempty"`
}

// OperationKind описывает тип отложенной мутации.
type OperationKind string

const (
	OperationInsert OperationKind = "insert"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// ItemPatch содержит частичный набор полей записи для применения мутации.
type ItemPatch struct {
	Name       *string  `json:"name,omitempty"`
	PriceCents *int64   `json:"price_cents,omitempty"`
	Section    *Section `json:"section,omitempty"`
	SubSection *string  `json:"sub_section,omitempty"`
	Date       *string  `json:"date,omitempty"`
}

// QueuedOperation описывает одну отложенную мутацию в очереди офлайн-операций.
type QueuedOperation struct {
	ID        string        `json:"id"`
	Kind      OperationKind `json:"kind"`
	ItemID    string        `json:"item_id,omitempty"`
	Payload   ItemPatch     `json:"payload"`
	CreatedAt time.Time     `json:"created_at"`
	Retries   int           `json:"retries"`
}

// User представляет пользователя с производным признаком администратора.
// IsAdmin равен nil, пока проверка прав не дала определённого результата.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	IsAdmin   *bool     `json:"is_admin,omitempty"`
}

// Admin возвращает признак администратора, считая неразрешённый статус отказом.
func (u *User) Admin() bool {
	return u != nil && u.IsAdmin != nil && *u.IsAdmin
}

// Session содержит токены доступа и данные пользователя активной сессии.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

// AuthState описывает текущее состояние аутентификации клиента.
type AuthState struct {
	Loading       bool   `json:"is_loading"`
	Authenticated bool   `json:"is_authenticated"`
	User          *User  `json:"user,omitempty"`
	Err           string `json:"error,omitempty"`
}

// AuthEventType перечисляет события потока изменений сессии.
type AuthEventType string

const (
	AuthInitialSession AuthEventType = "INITIAL_SESSION"
	AuthSignedIn       AuthEventType = "SIGNED_IN"
	AuthSignedOut      AuthEventType = "SIGNED_OUT"
	AuthTokenRefreshed AuthEventType = "TOKEN_REFRESHED"
	AuthMFAVerified    AuthEventType = "MFA_CHALLENGE_VERIFIED"
)

// AuthEvent описывает одно событие потока изменений сессии.
type AuthEvent struct {
	Type    AuthEventType
	Session *Session
}

// ChangeType перечисляет виды построчных изменений, доставляемых realtime-каналом.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ChangeEvent описывает одно построчное изменение записи.
type ChangeEvent struct {
	Type   ChangeType `json:"type"`
	Item   *Item      `json:"item,omitempty"`
	ItemID string     `json:"item_id"`
}

// ChannelStatus описывает состояние подписки realtime-канала.
type ChannelStatus string

const (
	ChannelSubscribed ChannelStatus = "SUBSCRIBED"
	ChannelError      ChannelStatus = "CHANNEL_ERROR"
	ChannelTimedOut   ChannelStatus = "TIMED_OUT"
	ChannelClosed     ChannelStatus = "CLOSED"
)
