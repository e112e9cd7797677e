package chat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/arzzra/ims_session/pkg/session"
)

// ActivityManager прерывает сессию, если по MSRP не было данных дольше idle.
// Срабатывает не более одного раза.
type ActivityManager struct {
	idle   time.Duration
	onIdle func()
	after  session.Scheduler

	mu      sync.Mutex
	pending session.TimerHandle
	gen     uint64
	fired   bool
	stopped bool
}

// NewActivityManager создает менеджер. Если sched равен nil, используется time.AfterFunc.
func NewActivityManager(idle time.Duration, onIdle func(), sched session.Scheduler) *ActivityManager {
	if sched == nil {
		sched = func(d time.Duration, f func()) session.TimerHandle { return time.AfterFunc(d, f) }
	}
	return &ActivityManager{idle: idle, onIdle: onIdle, after: sched}
}

// Start запускает отсчет
func (a *ActivityManager) Start() {
	a.Restart()
}

// Restart отменяет текущий отсчет и начинает новый
func (a *ActivityManager) Restart() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped || a.fired || a.idle <= 0 {
		return
	}
	if a.pending != nil {
		a.pending.Stop()
	}
	a.gen++
	gen := a.gen
	a.pending = a.after(a.idle, func() { a.fire(gen) })
}

func (a *ActivityManager) fire(gen uint64) {
	a.mu.Lock()
	if a.stopped || a.fired || gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.fired = true
	a.pending = nil
	a.mu.Unlock()

	slog.Debug("ActivityManager.fire: session is idle", slog.Duration("idle", a.idle))
	a.onIdle()
}

// Stop отменяет отсчет навсегда
func (a *ActivityManager) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	if a.pending != nil {
		a.pending.Stop()
		a.pending = nil
	}
}
