// Package sync реализует движок синхронизации записей.
//
// Движок владеет каноническим списком записей активного пользователя:
// выполняет начальную загрузку, применяет оптимистичные локальные
// мутации, примиряет события realtime-канала и откатывается к опросу,
// когда push-доставка недоступна.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/ledgerpad/internal/backend"
	"github.com/mmeshcher/ledgerpad/internal/localstore"
	"github.com/mmeshcher/ledgerpad/internal/model"
	"github.com/mmeshcher/ledgerpad/internal/queue"
	"github.com/mmeshcher/ledgerpad/internal/scheduler"
	"github.com/mmeshcher/ledgerpad/internal/validation"
)

// ErrNoCachedData отличает «кэш пуст» от «загрузка не удалась, показаны
// кэшированные данные».
var ErrNoCachedData = errors.New("fetch failed and no cached data available")

// ErrItemNotFound возвращается мутациями по неизвестному идентификатору.
var ErrItemNotFound = errors.New("item not found")

const snapshotKey = "items.snapshot"

// ConnectivityMonitor описывает контракт монитора сети, используемый движком.
type ConnectivityMonitor interface {
	IsOnline() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Config содержит временные параметры и политику движка.
type Config struct {
	// FetchTimeout ограничивает начальную загрузку и повторные выборки.
	FetchTimeout time.Duration
	// RealtimeWindow — окно ожидания подтверждения realtime-подписки.
	RealtimeWindow time.Duration
	// PollInterval — период опроса при недоступном realtime-канале.
	PollInterval time.Duration
	// DropExhausted управляет удалением операций, исчерпавших повторы.
	DropExhausted bool
}

// Engine — движок синхронизации; единственный писатель списка записей
// и кэша снимка в локальном хранилище.
type Engine struct {
	gw      backend.Gateway
	queue   *queue.Queue
	monitor ConnectivityMonitor
	store   *localstore.Store
	logger  *zap.Logger
	cfg     Config

	mu        sync.Mutex
	user      model.User
	items     []model.ItemWithStatus
	loadErr   error
	subs      map[int]func([]model.ItemWithStatus)
	nextSubID int

	// realtimeUp — часть состояния сессии движка, а не процесса.
	realtimeUp   bool
	pollTask     *scheduler.Task
	confirmTask  *scheduler.Task
	unsubChanges func()
	unsubMonitor func()
}

// New создаёт движок синхронизации.
func New(gw backend.Gateway, q *queue.Queue, monitor ConnectivityMonitor, store *localstore.Store, logger *zap.Logger, cfg Config) *Engine {
	return &Engine{
		gw:      gw,
		queue:   q,
		monitor: monitor,
		store:   store,
		logger:  logger,
		cfg:     cfg,
		subs:    make(map[int]func([]model.ItemWithStatus)),
	}
}

// Start выполняет начальную загрузку для пользователя и запускает
// realtime-подписку и реакцию на смену сетевого статуса.
func (e *Engine) Start(ctx context.Context, user model.User) {
	e.mu.Lock()
	e.user = user
	e.mu.Unlock()

	e.initialLoad(ctx)
	e.startRealtime(ctx)

	e.unsubMonitor = e.monitor.Subscribe(func(online bool) {
		if online {
			go e.onReconnect(ctx)
		}
	})
}

// Stop отписывается от realtime-канала и монитора и гасит фоновые задачи.
func (e *Engine) Stop() {
	if e.unsubMonitor != nil {
		e.unsubMonitor()
	}

	e.mu.Lock()
	unsubChanges := e.unsubChanges
	e.unsubChanges = nil
	confirm := e.confirmTask
	e.confirmTask = nil
	poll := e.pollTask
	e.pollTask = nil
	e.realtimeUp = false
	e.mu.Unlock()

	if unsubChanges != nil {
		unsubChanges()
	}
	confirm.Stop()
	poll.Stop()
}

// Items возвращает копию канонического списка записей.
func (e *Engine) Items() []model.ItemWithStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.ItemWithStatus, len(e.items))
	copy(out, e.items)
	return out
}

// LoadError возвращает ошибку последней загрузки; ErrNoCachedData
// означает, что показать нечего, иначе список содержит устаревший кэш.
func (e *Engine) LoadError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadErr
}

// RealtimeUp сообщает, подтверждена ли realtime-подписка.
func (e *Engine) RealtimeUp() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.realtimeUp
}

// Subscribe регистрирует подписчика изменений списка записей.
func (e *Engine) Subscribe(fn func([]model.ItemWithStatus)) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.subs[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// AddItem добавляет запись: оптимистичная pending-запись появляется в
// списке до любого сетевого обращения. Офлайн-намерение сразу уходит в
// очередь; неудавшаяся онлайн-вставка ставится в очередь, а запись
// помечается ошибкой.
func (e *Engine) AddItem(ctx context.Context, name string, priceCents int64, section model.Section, date string, subSection *string) error {
	if err := validation.ValidateItemInput(name, priceCents, section, date); err != nil {
		return err
	}

	localID := "local-" + uuid.NewString()
	now := time.Now()

	e.mu.Lock()
	userID := e.user.ID
	entry := model.ItemWithStatus{
		Item: model.Item{
			ID:         localID,
			UserID:     userID,
			Name:       name,
			PriceCents: priceCents,
			Section:    section,
			SubSection: subSection,
			Date:       date,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		Status:  model.SyncStatusPending,
		LocalID: localID,
	}
	e.items = append([]model.ItemWithStatus{entry}, e.items...)
	e.mu.Unlock()
	e.notify()

	payload := model.ItemPatch{
		Name:       &name,
		PriceCents: &priceCents,
		Section:    &section,
		SubSection: subSection,
		Date:       &date,
	}

	if !e.monitor.IsOnline() {
		if _, err := e.queue.Enqueue(model.OperationInsert, localID, payload); err != nil {
			return fmt.Errorf("enqueue insert: %w", err)
		}
		return nil
	}

	created, err := e.gw.InsertItem(ctx, entry.Item)
	if err != nil {
		e.logger.Warn("remote insert failed, queueing", zap.Error(err))
		if _, qErr := e.queue.Enqueue(model.OperationInsert, localID, payload); qErr != nil {
			return fmt.Errorf("enqueue insert: %w", qErr)
		}
		e.setStatusByLocalID(localID, model.SyncStatusError)
		return nil
	}

	e.confirmInsert(localID, *created)
	return nil
}

// UpdateItem изменяет название и цену записи. Неудача при онлайн-попытке
// откатывает запись и возвращает ошибку без постановки в очередь; тот же
// сбой в офлайне ставится в очередь. Асимметрия намеренная: онлайн-отказ
// считается содержательным, офлайн-отказ — преходящим.
func (e *Engine) UpdateItem(ctx context.Context, id, name string, priceCents int64) error {
	if err := validation.ValidateName(name); err != nil {
		return err
	}
	if priceCents < 0 {
		return validation.ErrNegativePrice
	}

	e.mu.Lock()
	idx := e.indexByID(id)
	if idx < 0 {
		e.mu.Unlock()
		return fmt.Errorf("item %s: %w", id, ErrItemNotFound)
	}
	captured := e.items[idx]

	updated := captured
	updated.Name = name
	updated.PriceCents = priceCents
	updated.UpdatedAt = time.Now()
	updated.Status = model.SyncStatusPending
	e.items[idx] = updated
	e.mu.Unlock()
	e.notify()

	payload := model.ItemPatch{Name: &name, PriceCents: &priceCents}

	if !e.monitor.IsOnline() {
		if _, err := e.queue.Enqueue(model.OperationUpdate, id, payload); err != nil {
			return fmt.Errorf("enqueue update: %w", err)
		}
		return nil
	}

	confirmed, err := e.gw.UpdateItem(ctx, id, payload)
	if err != nil {
		e.restore(id, captured)
		return fmt.Errorf("update item: %w", err)
	}

	e.upsertSynced(*confirmed)
	return nil
}

// DeleteItem удаляет запись из списка немедленно; неудача онлайн-попытки
// возвращает запись на место. В офлайне удаление ставится в очередь.
func (e *Engine) DeleteItem(ctx context.Context, id string) error {
	e.mu.Lock()
	idx := e.indexByID(id)
	if idx < 0 {
		e.mu.Unlock()
		return fmt.Errorf("item %s: %w", id, ErrItemNotFound)
	}
	captured := e.items[idx]
	e.items = append(e.items[:idx], e.items[idx+1:]...)
	e.mu.Unlock()
	e.notify()

	if !e.monitor.IsOnline() {
		if _, err := e.queue.Enqueue(model.OperationDelete, id, model.ItemPatch{}); err != nil {
			return fmt.Errorf("enqueue delete: %w", err)
		}
		return nil
	}

	if err := e.gw.DeleteItem(ctx, id); err != nil {
		// Пока шёл запрос, список мог измениться: захваченный индекс
		// недействителен, точка вставки вычисляется заново под мьютексом.
		e.mu.Lock()
		if e.indexByID(id) < 0 {
			at := idx
			if at > len(e.items) {
				at = len(e.items)
			}
			e.items = append(e.items, model.ItemWithStatus{})
			copy(e.items[at+1:], e.items[at:])
			e.items[at] = captured
		}
		e.mu.Unlock()
		e.notify()
		return fmt.Errorf("delete item: %w", err)
	}

	e.saveSnapshot()
	return nil
}

// initialLoad выполняет ограниченную по времени загрузку всех видимых
// записей; при неудаче показывается последний снимок кэша, а его
// отсутствие отличается явной ошибкой ErrNoCachedData.
func (e *Engine) initialLoad(ctx context.Context) {
	fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	e.mu.Lock()
	ownerID, all := e.user.ID, e.user.Admin()
	e.mu.Unlock()

	items, err := e.gw.FetchItems(fctx, ownerID, all)
	if err == nil {
		e.replaceAll(items)
		e.saveSnapshot()
		return
	}

	var cached []model.ItemWithStatus
	if e.store.Get(snapshotKey, &cached) && len(cached) > 0 {
		e.logger.Warn("initial fetch failed, serving cached snapshot",
			zap.Error(err), zap.Int("cached", len(cached)))
		e.mu.Lock()
		e.items = cached
		e.loadErr = err
		e.mu.Unlock()
		e.notify()
		return
	}

	e.logger.Error("initial fetch failed with empty cache", zap.Error(err))
	e.mu.Lock()
	e.items = nil
	e.loadErr = fmt.Errorf("%w: %w", ErrNoCachedData, err)
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) startRealtime(ctx context.Context) {
	e.mu.Lock()
	ownerID, all := e.user.ID, e.user.Admin()
	e.mu.Unlock()

	unsub, err := e.gw.SubscribeChanges(ctx, ownerID, all, e.applyChange, e.onChannelStatus)
	if err != nil {
		e.logger.Warn("realtime subscribe failed, falling back to polling", zap.Error(err))
		e.startPolling(ctx)
		return
	}

	e.mu.Lock()
	e.unsubChanges = unsub
	e.mu.Unlock()

	confirm := scheduler.After(e.cfg.RealtimeWindow, func() {
		if !e.RealtimeUp() {
			e.onChannelStatusCtx(ctx, model.ChannelTimedOut)
		}
	})
	e.mu.Lock()
	e.confirmTask = confirm
	e.mu.Unlock()
}

func (e *Engine) onChannelStatus(st model.ChannelStatus) {
	e.onChannelStatusCtx(context.Background(), st)
}

func (e *Engine) onChannelStatusCtx(ctx context.Context, st model.ChannelStatus) {
	switch st {
	case model.ChannelSubscribed:
		e.mu.Lock()
		e.realtimeUp = true
		poll := e.pollTask
		e.pollTask = nil
		e.mu.Unlock()
		if poll != nil {
			e.logger.Info("realtime recovered, stopping polling fallback")
			poll.Stop()
		}
	case model.ChannelError, model.ChannelTimedOut:
		e.mu.Lock()
		e.realtimeUp = false
		e.mu.Unlock()
		e.logger.Warn("realtime unavailable, polling fallback engaged",
			zap.String("status", string(st)))
		e.startPolling(ctx)
	case model.ChannelClosed:
		e.mu.Lock()
		e.realtimeUp = false
		e.mu.Unlock()
	}
}

func (e *Engine) startPolling(ctx context.Context) {
	e.mu.Lock()
	if e.pollTask != nil {
		e.mu.Unlock()
		return
	}
	task := scheduler.Every(e.cfg.PollInterval, func() {
		e.refetch(ctx)
	})
	e.pollTask = task
	e.mu.Unlock()
}

// onReconnect — переход в online: воспроизведение очереди, затем полная
// повторная выборка для примирения серверных изменений за время офлайна.
func (e *Engine) onReconnect(ctx context.Context) {
	e.DrainQueue(ctx)
	e.refetch(ctx)
}

// DrainQueue воспроизводит очередь строго в порядке постановки. Сбой
// одной операции не блокирует очередь: счётчик повторов увеличивается,
// обработка продолжается. Операция, исчерпавшая повторы, помечает свою
// запись ошибкой и остаётся в очереди, если политика не велит удалить её.
func (e *Engine) DrainQueue(ctx context.Context) {
	for _, op := range e.queue.Operations() {
		if op.Retries >= queue.MaxRetries {
			// Исчерпанные операции не повторяются бесконечно.
			continue
		}

		if err := e.replayOp(ctx, op); err == nil {
			if dErr := e.queue.Dequeue(op.ID); dErr != nil {
				e.logger.Error("dequeue replayed operation", zap.Error(dErr))
			}
			continue
		} else {
			e.logger.Warn("replay failed, moving to next operation",
				zap.String("op", op.ID), zap.String("kind", string(op.Kind)), zap.Error(err))
		}

		retries, err := e.queue.IncrementRetry(op.ID)
		if err != nil {
			e.logger.Error("increment retry", zap.Error(err))
			continue
		}

		if retries >= queue.MaxRetries {
			e.markError(op)
			if e.cfg.DropExhausted {
				if err := e.queue.Dequeue(op.ID); err != nil {
					e.logger.Error("drop exhausted operation", zap.Error(err))
				}
			}
		}
	}
}

func (e *Engine) replayOp(ctx context.Context, op model.QueuedOperation) error {
	switch op.Kind {
	case model.OperationInsert:
		e.mu.Lock()
		userID := e.user.ID
		e.mu.Unlock()

		item := model.Item{UserID: userID}
		applyPatch(&item, op.Payload)

		created, err := e.gw.InsertItem(ctx, item)
		if err != nil {
			return err
		}
		e.confirmInsert(op.ItemID, *created)
		return nil
	case model.OperationUpdate:
		updated, err := e.gw.UpdateItem(ctx, op.ItemID, op.Payload)
		if err != nil {
			return err
		}
		e.upsertSynced(*updated)
		return nil
	case model.OperationDelete:
		if err := e.gw.DeleteItem(ctx, op.ItemID); err != nil {
			return err
		}
		e.removeByID(op.ItemID)
		return nil
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// applyChange примиряет событие realtime-канала с оптимистичным
// состоянием: upsert по идентификатору идемпотентен к повторной доставке.
func (e *Engine) applyChange(ev model.ChangeEvent) {
	switch ev.Type {
	case model.ChangeInsert, model.ChangeUpdate:
		if ev.Item == nil {
			return
		}
		e.upsertSynced(*ev.Item)
	case model.ChangeDelete:
		e.removeByID(ev.ItemID)
	}
}

// refetch выполняет полную повторную выборку, сохраняя локальные
// несинхронизированные записи.
func (e *Engine) refetch(ctx context.Context) {
	fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	e.mu.Lock()
	ownerID, all := e.user.ID, e.user.Admin()
	e.mu.Unlock()

	items, err := e.gw.FetchItems(fctx, ownerID, all)
	if err != nil {
		e.logger.Warn("refetch failed, keeping current list", zap.Error(err))
		e.mu.Lock()
		e.loadErr = err
		e.mu.Unlock()
		return
	}

	queued := make(map[string]bool)
	for _, op := range e.queue.Operations() {
		queued[op.ItemID] = true
	}

	e.mu.Lock()
	local := make(map[string]model.ItemWithStatus)
	for _, it := range e.items {
		if it.Status != model.SyncStatusSynced {
			local[it.ID] = it
		}
	}

	fetched := make([]model.ItemWithStatus, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		seen[it.ID] = true
		// Серверная копия не затирает локальную запись, пока её операция
		// стоит в очереди: статус pending/error и локальные значения
		// сохраняются до исхода воспроизведения.
		if lo, ok := local[it.ID]; ok && queued[it.ID] {
			fetched = append(fetched, lo)
			continue
		}
		fetched = append(fetched, model.ItemWithStatus{Item: it, Status: model.SyncStatusSynced})
	}
	// Локальные pending/error записи переживают повторную выборку.
	for _, it := range e.items {
		if it.Status != model.SyncStatusSynced && !seen[it.ID] {
			fetched = append([]model.ItemWithStatus{it}, fetched...)
		}
	}
	e.items = fetched
	e.loadErr = nil
	e.mu.Unlock()

	e.saveSnapshot()
	e.notify()
}

func (e *Engine) replaceAll(items []model.Item) {
	e.mu.Lock()
	e.items = make([]model.ItemWithStatus, 0, len(items))
	for _, it := range items {
		e.items = append(e.items, model.ItemWithStatus{Item: it, Status: model.SyncStatusSynced})
	}
	e.loadErr = nil
	e.mu.Unlock()
	e.notify()
}

// confirmInsert заменяет оптимистичный плейсхолдер подтверждённой
// сервером строкой; отсутствующий плейсхолдер добавляется заново.
// Realtime-событие могло доставить серверную строку раньше ответа на
// вставку: тогда в списке и плейсхолдер, и серверная копия, остаётся
// одна запись.
func (e *Engine) confirmInsert(localID string, created model.Item) {
	e.mu.Lock()
	localIdx, serverIdx := -1, -1
	for i := range e.items {
		if e.items[i].LocalID == localID {
			localIdx = i
			continue
		}
		if e.items[i].ID == created.ID {
			serverIdx = i
		}
	}

	confirmed := model.ItemWithStatus{Item: created, Status: model.SyncStatusSynced, LocalID: localID}
	switch {
	case localIdx >= 0 && serverIdx >= 0:
		e.items[serverIdx] = confirmed
		e.items = append(e.items[:localIdx], e.items[localIdx+1:]...)
	case localIdx >= 0:
		e.items[localIdx] = confirmed
	case serverIdx >= 0:
		e.items[serverIdx] = confirmed
	default:
		e.items = append([]model.ItemWithStatus{confirmed}, e.items...)
	}
	e.mu.Unlock()

	e.saveSnapshot()
	e.notify()
}

func (e *Engine) upsertSynced(item model.Item) {
	e.mu.Lock()
	idx := e.indexByID(item.ID)
	if idx >= 0 {
		local := e.items[idx].LocalID
		e.items[idx] = model.ItemWithStatus{Item: item, Status: model.SyncStatusSynced, LocalID: local}
	} else {
		e.items = append([]model.ItemWithStatus{{Item: item, Status: model.SyncStatusSynced}}, e.items...)
	}
	e.mu.Unlock()

	e.saveSnapshot()
	e.notify()
}

func (e *Engine) removeByID(id string) {
	e.mu.Lock()
	idx := e.indexByID(id)
	if idx < 0 {
		e.mu.Unlock()
		return
	}
	e.items = append(e.items[:idx], e.items[idx+1:]...)
	e.mu.Unlock()

	e.saveSnapshot()
	e.notify()
}

func (e *Engine) restore(id string, captured model.ItemWithStatus) {
	e.mu.Lock()
	idx := e.indexByID(id)
	if idx >= 0 {
		e.items[idx] = captured
	}
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) setStatusByLocalID(localID string, st model.SyncStatus) {
	e.mu.Lock()
	for i := range e.items {
		if e.items[i].LocalID == localID {
			e.items[i].Status = st
			break
		}
	}
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) markError(op model.QueuedOperation) {
	e.mu.Lock()
	for i := range e.items {
		if e.items[i].ID == op.ItemID || e.items[i].LocalID == op.ItemID {
			e.items[i].Status = model.SyncStatusError
			break
		}
	}
	e.mu.Unlock()
	e.notify()
}

// indexByID ищет запись по серверному или локальному идентификатору.
// Вызывается под mu.
func (e *Engine) indexByID(id string) int {
	for i := range e.items {
		if e.items[i].ID == id {
			return i
		}
	}
	return -1
}

// saveSnapshot обновляет кэш снимка; движок — его единственный писатель.
func (e *Engine) saveSnapshot() {
	e.mu.Lock()
	items := make([]model.ItemWithStatus, len(e.items))
	copy(items, e.items)
	e.mu.Unlock()

	if err := e.store.Set(snapshotKey, items); err != nil {
		e.logger.Error("persist item snapshot", zap.Error(err))
	}
}

func (e *Engine) notify() {
	e.mu.Lock()
	items := make([]model.ItemWithStatus, len(e.items))
	copy(items, e.items)
	subs := make([]func([]model.ItemWithStatus), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()

	for _, fn := range subs {
		fn(items)
	}
}

func applyPatch(item *model.Item, patch model.ItemPatch) {
	if patch.Name != nil {
		item.Name = *patch.Name
	}
	if patch.PriceCents != nil {
		item.PriceCents = *patch.PriceCents
	}
	if patch.Section != nil {
		item.Section = *patch.Section
	}
	if patch.SubSection != nil {
		item.SubSection = patch.SubSection
	}
	if patch.Date != nil {
		item.Date = *patch.Date
	}
}
