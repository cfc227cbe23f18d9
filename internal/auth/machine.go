// Package auth реализует машину состояний аутентификации клиента.
//
// Машина загружает сессию из сохранённых учётных данных, подписывается
// на поток событий сессии, выполняет фоновую проверку прав
// администратора и гарантирует выход из состояния загрузки за
// ограниченное время при любом поведении бэкенда.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/ledgerpad/internal/admincache"
	"github.com/mmeshcher/ledgerpad/internal/backend"
	"github.com/mmeshcher/ledgerpad/internal/localstore"
	"github.com/mmeshcher/ledgerpad/internal/model"
	"github.com/mmeshcher/ledgerpad/internal/scheduler"
)

// ErrBootstrapTimeout сообщает, что начальная загрузка не разрешилась
// за отведённый предохранительный интервал.
var ErrBootstrapTimeout = errors.New("auth bootstrap timed out")

// Config содержит временные параметры машины состояний.
type Config struct {
	// SafetyTimeout — предохранительный интервал: по его истечении
	// состояние загрузки снимается безусловно.
	SafetyTimeout time.Duration
	// AdminTimeout ограничивает фоновую проверку прав администратора.
	AdminTimeout time.Duration
	// AdminRetryDelay — пауза перед единственным повтором проверки прав.
	AdminRetryDelay time.Duration
}

// Machine владеет AuthState и кэшем признака администратора активного
// пользователя; остальные компоненты читают состояние через State и
// Subscribe.
type Machine struct {
	gw     backend.Gateway
	cache  *admincache.Cache
	store  *localstore.Store
	logger *zap.Logger
	cfg    Config

	mu        sync.Mutex
	state     model.AuthState
	subs      map[int]func(model.AuthState)
	nextSubID int

	// Одноразовый guard: поток сессий может доставить INITIAL_SESSION
	// повторно, обрабатывается только первое событие.
	initialOnce sync.Once

	bootStart  time.Time
	safetyTask *scheduler.Task
	unsubAuth  func()

	// Часть контекста сессии, а не состояния процесса: флаг
	// однократного логирования непроведённой схемы живёт на машине.
	schemaMissingLogged bool
}

// New создаёт машину состояний в фазе начальной загрузки.
func New(gw backend.Gateway, cache *admincache.Cache, store *localstore.Store, logger *zap.Logger, cfg Config) *Machine {
	return &Machine{
		gw:     gw,
		cache:  cache,
		store:  store,
		logger: logger,
		cfg:    cfg,
		state:  model.AuthState{Loading: true},
		subs:   make(map[int]func(model.AuthState)),
	}
}

// Start запускает начальную загрузку: подписка на поток сессий и
// предохранительный таймер.
func (m *Machine) Start() {
	m.mu.Lock()
	m.bootStart = time.Now()
	m.mu.Unlock()

	m.safetyTask = scheduler.After(m.cfg.SafetyTimeout, m.forceResolve)
	m.unsubAuth = m.gw.SubscribeAuth(m.handleEvent)
}

// Stop отписывается от потока сессий и останавливает таймеры машины.
func (m *Machine) Stop() {
	if m.unsubAuth != nil {
		m.unsubAuth()
	}
	m.safetyTask.Stop()
}

// State возвращает текущее состояние аутентификации.
func (m *Machine) State() model.AuthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe регистрирует подписчика изменений состояния и возвращает
// функцию отписки.
func (m *Machine) Subscribe(fn func(model.AuthState)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Resume обрабатывает возврат приложения из фона. Таймеры могли быть
// заморожены, поэтому сравнивается настенное время, прошедшее с начала
// загрузки, а не время таймера.
func (m *Machine) Resume() {
	m.mu.Lock()
	loading := m.state.Loading
	elapsed := time.Since(m.bootStart)
	m.mu.Unlock()

	if loading && elapsed >= m.cfg.SafetyTimeout {
		m.logger.Warn("forcing bootstrap resolution after resume",
			zap.Duration("elapsed", elapsed))
		m.forceResolve()
	}
}

// SignIn выполняет вход; состояние обновится событием потока сессий.
func (m *Machine) SignIn(ctx context.Context, email, password string) error {
	if _, err := m.gw.SignIn(ctx, email, password); err != nil {
		return err
	}
	return nil
}

// SignUp регистрирует пользователя; состояние обновится событием потока сессий.
func (m *Machine) SignUp(ctx context.Context, email, password string) error {
	if _, err := m.gw.SignUp(ctx, email, password); err != nil {
		return err
	}
	return nil
}

// SignOut завершает сессию и вычищает остатки учётных данных.
func (m *Machine) SignOut(ctx context.Context) error {
	return m.gw.SignOut(ctx)
}

// PurgeLocalData полностью очищает локальное хранилище: очередь мутаций,
// снимок записей, учётные данные и кэш ролей. Перезапуск процесса —
// забота вызывающей стороны.
func (m *Machine) PurgeLocalData() error {
	if err := m.store.Clear(); err != nil {
		return fmt.Errorf("purge local data: %w", err)
	}
	m.logger.Info("local data purged")
	return nil
}

func (m *Machine) handleEvent(ev model.AuthEvent) {
	switch ev.Type {
	case model.AuthInitialSession:
		m.initialOnce.Do(func() {
			if ev.Session == nil || ev.Session.User.ID == "" {
				// Решение принимается сразу, без ожидания других
				// сетевых вызовов.
				m.clearCredentialRemnants()
				m.resolveUnauthenticated(nil)
				return
			}
			m.resolveSession(ev.Session)
		})
	case model.AuthSignedIn, model.AuthTokenRefreshed, model.AuthMFAVerified:
		if ev.Session != nil && ev.Session.User.ID != "" {
			m.resolveSession(ev.Session)
		}
	case model.AuthSignedOut:
		m.clearCredentialRemnants()
		m.resolveUnauthenticated(nil)
	}
}

// resolveSession немедленно переводит состояние в authenticated по
// данным сессии; проверка прав администратора уходит в фон и обновляет
// пользователя постфактум.
func (m *Machine) resolveSession(session *model.Session) {
	user := session.User

	m.mu.Lock()
	m.state = model.AuthState{Authenticated: true, User: &user}
	m.mu.Unlock()
	m.notify()

	go m.resolveAdmin(user.ID)
}

func (m *Machine) resolveUnauthenticated(err error) {
	m.mu.Lock()
	m.state = model.AuthState{}
	if err != nil {
		m.state.Err = err.Error()
	}
	m.mu.Unlock()
	m.notify()
}

// forceResolve безусловно снимает состояние загрузки. Бесконечный
// спиннер недопустим: ни один путь не должен оставить Loading=true
// навсегда.
func (m *Machine) forceResolve() {
	m.mu.Lock()
	if !m.state.Loading {
		m.mu.Unlock()
		return
	}
	m.state = model.AuthState{Err: ErrBootstrapTimeout.Error()}
	m.mu.Unlock()

	m.logger.Warn("bootstrap did not resolve in time, forcing loading off",
		zap.Duration("safety_timeout", m.cfg.SafetyTimeout))
	m.notify()
}

// resolveAdmin выполняет фоновую проверку прав с таймаутом и одним
// повтором. Непроведённая схема — статический не-админ; временный сбой
// после повтора откатывается к последнему известному значению, а при
// его отсутствии оставляет признак неразрешённым, не блокируя
// пользователя.
func (m *Machine) resolveAdmin(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AdminTimeout)
	defer cancel()

	var isAdmin bool
	backoff := retry.WithMaxRetries(1, retry.NewConstant(m.cfg.AdminRetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		v, err := m.gw.CheckAuthorization(ctx, userID)
		if err != nil {
			if errors.Is(err, backend.ErrSchemaNotProvisioned) {
				return err
			}
			return retry.RetryableError(err)
		}
		isAdmin = v
		return nil
	})

	switch {
	case err == nil:
		m.setAdmin(userID, &isAdmin)
		if cacheErr := m.cache.Set(userID, isAdmin); cacheErr != nil {
			m.logger.Warn("cache admin role", zap.Error(cacheErr))
		}
	case errors.Is(err, backend.ErrSchemaNotProvisioned):
		m.mu.Lock()
		logged := m.schemaMissingLogged
		m.schemaMissingLogged = true
		m.mu.Unlock()
		if !logged {
			m.logger.Warn("roles table not provisioned, defaulting to non-admin")
		}
		notAdmin := false
		m.setAdmin(userID, &notAdmin)
	default:
		if cached, ok := m.cache.Get(userID); ok {
			m.logger.Warn("admin check failed, using cached role",
				zap.Error(err), zap.Bool("cached_is_admin", cached))
			m.setAdmin(userID, &cached)
			return
		}
		// Неопределённый результат: не понижаем права из-за
		// временного сбоя, признак остаётся неразрешённым.
		m.logger.Warn("admin check failed with no cached role", zap.Error(err))
	}
}

func (m *Machine) setAdmin(userID string, isAdmin *bool) {
	m.mu.Lock()
	if !m.state.Authenticated || m.state.User == nil || m.state.User.ID != userID {
		m.mu.Unlock()
		return
	}
	user := *m.state.User
	user.IsAdmin = isAdmin
	m.state.User = &user
	m.mu.Unlock()
	m.notify()
}

func (m *Machine) clearCredentialRemnants() {
	if err := m.store.DeleteByPrefix("auth."); err != nil {
		m.logger.Warn("clear credential remnants", zap.Error(err))
	}
}

func (m *Machine) notify() {
	m.mu.Lock()
	state := m.state
	subs := make([]func(model.AuthState), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(state)
	}
}
