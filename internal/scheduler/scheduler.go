// Package scheduler предоставляет отменяемые периодические и отложенные задачи.
//
// Каждая задача принадлежит запустившему её компоненту и обязана быть
// остановлена при его завершении; Stop дожидается выхода горутины.
package scheduler

import (
	"sync"
	"time"
)

// Task представляет одну запущенную фоновую задачу.
type Task struct {
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Every запускает fn с указанным интервалом до остановки задачи.
// Первый вызов происходит после первого интервала, не сразу.
func Every(interval time.Duration, fn func()) *Task {
	t := &Task{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go func() {
		defer close(t.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()

	return t
}

// After запускает fn один раз по истечении задержки, если задача
// не была остановлена раньше.
func After(delay time.Duration, fn func()) *Task {
	t := &Task{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go func() {
		defer close(t.done)

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-t.stop:
			return
		case <-timer.C:
			fn()
		}
	}()

	return t
}

// Stop останавливает задачу и дожидается завершения её горутины.
// Повторные вызовы безопасны. Stop на nil-задаче — no-op.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.stopOnce.Do(func() {
		close(t.stop)
	})
	<-t.done
}
