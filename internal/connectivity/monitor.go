// Package connectivity определяет эффективный сетевой статус клиента.
//
// Сигнал операционной системы о наличии интерфейса — плохой показатель
// реальной достижимости бэкенда на мобильных сетях, поэтому статус
// складывается из быстрой проверки интерфейсов и активной периодической
// пробы бэкенда.
package connectivity

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/ledgerpad/internal/scheduler"
)

// Monitor отслеживает эффективный online/offline статус.
type Monitor struct {
	probeURL string
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	// interfacesUp подменяется в тестах.
	interfacesUp func() bool

	mu        sync.Mutex
	online    bool
	nextSubID int
	subs      map[int]func(bool)
	probeTask *scheduler.Task
}

// New создаёт монитор, пробующий достижимость указанного origin бэкенда.
func New(origin string, interval, timeout time.Duration, logger *zap.Logger) *Monitor {
	m := &Monitor{
		probeURL: strings.TrimRight(origin, "/") + "/health",
		client: &http.Client{
			Timeout: timeout,
		},
		interval:     interval,
		timeout:      timeout,
		logger:       logger,
		interfacesUp: hasUpInterface,
		subs:         make(map[int]func(bool)),
	}
	m.online = m.interfacesUp()
	return m
}

// IsOnline возвращает последний известный эффективный статус.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// CheckNow выполняет немедленную пробу и обновляет статус.
func (m *Monitor) CheckNow(ctx context.Context) bool {
	online := m.probe(ctx)
	m.setOnline(online)
	return online
}

// Subscribe регистрирует подписчика, вызываемого только при смене статуса.
// Возвращает функцию отписки. Периодическая проба работает, пока есть
// хотя бы один подписчик.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = fn
	first := len(m.subs) == 1
	m.mu.Unlock()

	if first {
		m.startProbing()
	}

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		last := len(m.subs) == 0
		task := m.probeTask
		if last {
			m.probeTask = nil
		}
		m.mu.Unlock()

		if last {
			task.Stop()
		}
	}
}

func (m *Monitor) startProbing() {
	task := scheduler.Every(m.interval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		m.CheckNow(ctx)
	})

	m.mu.Lock()
	m.probeTask = task
	m.mu.Unlock()

	// Первая проба сразу, чтобы не ждать целый интервал после подписки.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		m.CheckNow(ctx)
	}()
}

// probe выполняет одну проверку достижимости. Отсутствие поднятого
// интерфейса — быстрый путь в offline без сетевого запроса.
func (m *Monitor) probe(ctx context.Context) bool {
	if !m.interfacesUp() {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, nil)
	if err != nil {
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode < http.StatusInternalServerError
}

func (m *Monitor) setOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	var subs []func(bool)
	if changed {
		subs = make([]func(bool), 0, len(m.subs))
		for _, fn := range m.subs {
			subs = append(subs, fn)
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}

	m.logger.Info("connectivity status changed", zap.Bool("online", online))
	for _, fn := range subs {
		fn(online)
	}
}

// hasUpInterface сообщает, есть ли хотя бы один поднятый не-loopback интерфейс.
func hasUpInterface() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0 {
			return true
		}
	}
	return false
}
