// Package queue реализует персистентную очередь отложенных мутаций.
//
// Операции воспроизводятся строго в порядке постановки; операция
// удаляется из очереди только после успешной удалённой мутации.
package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/ledgerpad/internal/localstore"
	"github.com/mmeshcher/ledgerpad/internal/model"
)

// MaxRetries — потолок повторов одной операции; после его превышения
// соответствующая запись помечается ошибкой.
const MaxRetries = 3

const storeKey = "mutation_queue"

// Queue хранит отложенные мутации поверх локального хранилища.
type Queue struct {
	mu    sync.Mutex
	store *localstore.Store
}

// New создаёт очередь поверх указанного хранилища.
func New(store *localstore.Store) *Queue {
	return &Queue{store: store}
}

// Enqueue добавляет новую операцию в хвост очереди и синхронно сохраняет её.
func (q *Queue) Enqueue(kind model.OperationKind, itemID string, payload model.ItemPatch) (model.QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op := model.QueuedOperation{
		ID:        uuid.NewString(),
		Kind:      kind,
		ItemID:    itemID,
		Payload:   payload,
		CreatedAt: time.Now(),
	}

	ops := q.load()
	ops = append(ops, op)

	if err := q.store.Set(storeKey, ops); err != nil {
		return model.QueuedOperation{}, fmt.Errorf("persist queue: %w", err)
	}

	return op, nil
}

// Dequeue удаляет операцию по идентификатору и синхронно сохраняет очередь.
func (q *Queue) Dequeue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops := q.load()
	filtered := ops[:0]
	for _, op := range ops {
		if op.ID != id {
			filtered = append(filtered, op)
		}
	}
	if len(filtered) == len(ops) {
		return nil
	}

	if err := q.store.Set(storeKey, filtered); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

// IncrementRetry увеличивает счётчик повторов операции и возвращает новое значение.
func (q *Queue) IncrementRetry(id string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops := q.load()
	retries := 0
	found := false
	for i := range ops {
		if ops[i].ID == id {
			ops[i].Retries++
			retries = ops[i].Retries
			found = true
			break
		}
	}
	if !found {
		return 0, fmt.Errorf("operation %s not found", id)
	}

	if err := q.store.Set(storeKey, ops); err != nil {
		return 0, fmt.Errorf("persist queue: %w", err)
	}
	return retries, nil
}

// Operations возвращает копию очереди в порядке постановки.
func (q *Queue) Operations() []model.QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load()
}

// PendingCount возвращает число операций в очереди.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.load())
}

// HasPending сообщает, есть ли в очереди хотя бы одна операция.
func (q *Queue) HasPending() bool {
	return q.PendingCount() > 0
}

// Clear удаляет все операции очереди.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.Delete(storeKey); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}

// load читает очередь из хранилища; повреждённое или отсутствующее
// состояние даёт пустую очередь. Вызывается под mu.
func (q *Queue) load() []model.QueuedOperation {
	var ops []model.QueuedOperation
	q.store.Get(storeKey, &ops)
	return ops
}
