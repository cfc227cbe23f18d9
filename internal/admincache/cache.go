// Package admincache хранит последний известный признак администратора.
//
// Кэш используется как запасной источник, когда проверка прав на сервере
// временно недоступна.
package admincache

import (
	"fmt"

	"github.com/mmeshcher/ledgerpad/internal/localstore"
)

const keyPrefix = "admin_role."

// Cache предоставляет доступ к сохранённому признаку администратора.
type Cache struct {
	store *localstore.Store
}

// New создаёт кэш поверх указанного хранилища.
func New(store *localstore.Store) *Cache {
	return &Cache{store: store}
}

// Get возвращает сохранённый признак и флаг его наличия.
func (c *Cache) Get(userID string) (isAdmin bool, ok bool) {
	ok = c.store.Get(keyPrefix+userID, &isAdmin)
	return isAdmin, ok
}

// Set сохраняет признак администратора для пользователя.
func (c *Cache) Set(userID string, isAdmin bool) error {
	if err := c.store.Set(keyPrefix+userID, isAdmin); err != nil {
		return fmt.Errorf("cache admin role: %w", err)
	}
	return nil
}

// Invalidate удаляет сохранённый признак пользователя.
func (c *Cache) Invalidate(userID string) error {
	return c.store.Delete(keyPrefix + userID)
}
