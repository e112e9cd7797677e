package session

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/ims_session/pkg/dialogpath"
)

// MinSessionExpires - минимальный интервал RFC4028 в секундах
const MinSessionExpires = 90

// Role - роль в обновлении сессии
type Role int

const (
	// RoleUAC - локальная сторона отправляет UPDATE
	RoleUAC Role = iota
	// RoleUAS - локальная сторона ждет UPDATE от удаленной
	RoleUAS
)

func (r Role) String() string {
	if r == RoleUAC {
		return "uac"
	}
	return "uas"
}

// IsActivated сообщает, можно ли использовать интервал для таймера сессии
func IsActivated(expire int) bool {
	return expire >= MinSessionExpires
}

// RoleFor определяет локальную роль по параметру refresher из ответа удаленной стороны.
// refresher указан относительно INVITE транзакции: "uac" - сторона, отправившая INVITE.
func RoleFor(refresher string, originating bool) Role {
	switch refresher {
	case "uac":
		if originating {
			return RoleUAC
		}
		return RoleUAS
	case "uas":
		if originating {
			return RoleUAS
		}
		return RoleUAC
	}
	if originating {
		return RoleUAC
	}
	return RoleUAS
}

// TimerHandle - запланированный вызов. *time.Timer удовлетворяет интерфейсу.
type TimerHandle interface {
	Stop() bool
}

// Scheduler планирует вызов f через d
type Scheduler func(d time.Duration, f func()) TimerHandle

func defaultScheduler(d time.Duration, f func()) TimerHandle {
	return time.AfterFunc(d, f)
}

// TimerOption настраивает TimerManager
type TimerOption func(*TimerManager)

// WithScheduler подменяет планировщик
func WithScheduler(s Scheduler) TimerOption {
	return func(t *TimerManager) { t.after = s }
}

// WithClock подменяет источник времени
func WithClock(now func() time.Time) TimerOption {
	return func(t *TimerManager) { t.now = now }
}

// TimerManager обновляет сессию по RFC4028.
// Привязан к одной сессии и после остановки не перезапускается.
type TimerManager struct {
	session *Session
	after   Scheduler
	now     func() time.Time

	mu          sync.Mutex
	role        Role
	expire      int
	lastRefresh time.Time
	pending     TimerHandle
	started     bool
	stopped     bool
}

func newTimerManager(s *Session, opts ...TimerOption) *TimerManager {
	t := &TimerManager{
		session: s,
		after:   defaultScheduler,
		now:     time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// StartSessionTimer запускает таймер сессии с заданной ролью и интервалом в секундах
func (s *Session) StartSessionTimer(role Role, expire int, opts ...TimerOption) error {
	s.mu.Lock()
	if s.timer == nil {
		s.timer = newTimerManager(s, opts...)
	}
	t := s.timer
	s.mu.Unlock()
	return t.Start(role, expire)
}

// SessionTimer возвращает таймер сессии или nil
func (s *Session) SessionTimer() *TimerManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer
}

func (s *Session) stopTimer() {
	if t := s.SessionTimer(); t != nil {
		t.Stop()
	}
}

func (t *TimerManager) Start(role Role, expire int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return ErrTimerStopped
	}
	if t.started {
		return ErrTimerStarted
	}
	t.started = true
	t.role = role
	t.expire = expire
	t.lastRefresh = t.now()

	t.session.log.Debug("TimerManager.Start",
		slog.String("role", role.String()),
		slog.Int("expire", expire))

	t.scheduleLocked()
	return nil
}

// Stop останавливает таймер. Повторный вызов ничего не делает.
func (t *TimerManager) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	t.stopped = true
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.session.log.Debug("TimerManager.Stop")
}

// Running сообщает, что таймер запущен и не остановлен
func (t *TimerManager) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started && !t.stopped
}

func (t *TimerManager) Role() Role {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.role
}

func (t *TimerManager) Expire() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expire
}

// LastRefresh возвращает время последнего обновления
func (t *TimerManager) LastRefresh() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRefresh
}

func (t *TimerManager) scheduleLocked() {
	if t.stopped {
		return
	}
	if t.role == RoleUAC {
		t.pending = t.after(time.Duration(t.expire)*time.Second/2, t.refresh)
		return
	}
	t.pending = t.after(time.Duration(t.expire)*time.Second, t.check)
}

// refresh отправляет UPDATE в роли UAC
func (t *TimerManager) refresh() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	expire := t.expire
	t.mu.Unlock()

	s := t.session
	s.dialog.IncrementCseq()
	req := s.dialog.NewRequest(sip.UPDATE)
	req.AppendHeader(sip.NewHeader("Session-Expires", strconv.Itoa(expire)+";refresher=uac"))
	req.AppendHeader(sip.NewHeader("Supported", "timer"))

	ctx, cancel := context.WithTimeout(context.Background(), s.TransactionTimeout())
	defer cancel()

	res, err := s.transport.Request(ctx, req)
	switch {
	case err != nil:
		s.log.Warn("TimerManager.refresh failed", slog.String("error", err.Error()))
		t.expired("failed")
	case res.StatusCode == 200:
		t.mu.Lock()
		t.lastRefresh = t.now()
		t.scheduleLocked()
		t.mu.Unlock()
		s.metrics.Refresh("ok")
	case res.StatusCode == 405:
		s.log.Info("TimerManager.refresh: UPDATE not supported by remote")
		s.metrics.Refresh("unsupported")
		t.Stop()
	default:
		s.log.Warn("TimerManager.refresh rejected", slog.Int("status", int(res.StatusCode)))
		t.expired("failed")
	}
}

// check проверяет, обновила ли удаленная сторона сессию, в роли UAS
func (t *TimerManager) check() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	elapsed := t.now().Sub(t.lastRefresh)
	if elapsed < time.Duration(t.expire)*time.Second {
		t.scheduleLocked()
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.session.log.Info("TimerManager.check: session not refreshed",
		slog.Duration("elapsed", elapsed))
	t.expired("expired")
}

func (t *TimerManager) expired(outcome string) {
	t.session.metrics.Refresh(outcome)
	t.Stop()
	t.session.Abort(AbortSessionTimer)
	t.session.requestCapabilities()
}

// ReceiveUpdate фиксирует обновление от удаленной стороны и отвечает 200 OK
func (t *TimerManager) ReceiveUpdate(req *sip.Request, tx Responder) {
	t.mu.Lock()
	t.lastRefresh = t.now()
	expire := t.expire
	t.mu.Unlock()

	if v, _, ok := dialogpath.SessionExpires(req); ok && IsActivated(v) {
		expire = v
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Session-Expires", strconv.Itoa(expire)+";refresher=uac"))
	res.AppendHeader(sip.NewHeader("Require", "timer"))
	t.session.send(tx, res)
}
