// Package sessiontest содержит подставные реализации транспорта, слушателей
// и планировщика для тестов пакетов, построенных на session.
package sessiontest

import (
	"context"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/ims_session/pkg/session"
)

// Transport записывает отправленные запросы и отвечает через Handler.
// Без Handler на каждый запрос отвечает 200 OK.
type Transport struct {
	mu       sync.Mutex
	Handler  func(req *sip.Request) (*sip.Response, error)
	requests []*sip.Request
	sent     []*sip.Request
}

func (t *Transport) Request(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	t.mu.Lock()
	t.requests = append(t.requests, req)
	h := t.Handler
	t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h == nil {
		return sip.NewResponseFromRequest(req, 200, "OK", nil), nil
	}
	return h(req)
}

func (t *Transport) Send(req *sip.Request) error {
	t.mu.Lock()
	t.sent = append(t.sent, req)
	t.mu.Unlock()
	return nil
}

// SetHandler заменяет обработчик запросов
func (t *Transport) SetHandler(h func(req *sip.Request) (*sip.Response, error)) {
	t.mu.Lock()
	t.Handler = h
	t.mu.Unlock()
}

// Requests возвращает запросы, отправленные в транзакциях
func (t *Transport) Requests() []*sip.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*sip.Request(nil), t.requests...)
}

// Sent возвращает запросы, отправленные без транзакции
func (t *Transport) Sent() []*sip.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*sip.Request(nil), t.sent...)
}

// Count возвращает число запросов с методом method
func (t *Transport) Count(method sip.RequestMethod) int {
	n := 0
	for _, r := range t.Requests() {
		if r.Method == method {
			n++
		}
	}
	return n
}

// Last возвращает последний запрос с методом method
func (t *Transport) Last(method sip.RequestMethod) *sip.Request {
	reqs := t.Requests()
	for i := len(reqs) - 1; i >= 0; i-- {
		if reqs[i].Method == method {
			return reqs[i]
		}
	}
	return nil
}

// Reply возвращает обработчик, отвечающий кодами по очереди.
// Последний код повторяется.
func Reply(codes ...int) func(req *sip.Request) (*sip.Response, error) {
	var mu sync.Mutex
	i := 0
	return func(req *sip.Request) (*sip.Response, error) {
		mu.Lock()
		code := codes[i]
		if i < len(codes)-1 {
			i++
		}
		mu.Unlock()
		return sip.NewResponseFromRequest(req, code, "", nil), nil
	}
}

// Responder записывает ответы на входящий запрос
type Responder struct {
	mu        sync.Mutex
	responses []*sip.Response
}

func (r *Responder) Respond(res *sip.Response) error {
	r.mu.Lock()
	r.responses = append(r.responses, res)
	r.mu.Unlock()
	return nil
}

func (r *Responder) Responses() []*sip.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*sip.Response(nil), r.responses...)
}

// Codes возвращает коды отправленных ответов по порядку
func (r *Responder) Codes() []int {
	var codes []int
	for _, res := range r.Responses() {
		codes = append(codes, int(res.StatusCode))
	}
	return codes
}

// Listener считает уведомления сессии
type Listener struct {
	mu      sync.Mutex
	started int
	aborted []session.AbortReason
	remote  int
	errors  []*session.Error
}

func (l *Listener) HandleSessionStarted() {
	l.mu.Lock()
	l.started++
	l.mu.Unlock()
}

func (l *Listener) HandleSessionAborted(reason session.AbortReason) {
	l.mu.Lock()
	l.aborted = append(l.aborted, reason)
	l.mu.Unlock()
}

func (l *Listener) HandleSessionTerminatedByRemote() {
	l.mu.Lock()
	l.remote++
	l.mu.Unlock()
}

func (l *Listener) HandleSessionError(err *session.Error) {
	l.mu.Lock()
	l.errors = append(l.errors, err)
	l.mu.Unlock()
}

func (l *Listener) Started() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

func (l *Listener) Aborted() []session.AbortReason {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]session.AbortReason(nil), l.aborted...)
}

func (l *Listener) TerminatedByRemote() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remote
}

func (l *Listener) Errors() []*session.Error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*session.Error(nil), l.errors...)
}

// Capabilities записывает запросы возможностей
type Capabilities struct {
	mu       sync.Mutex
	contacts []sip.Uri
}

func (c *Capabilities) RequestCapabilities(contact sip.Uri) {
	c.mu.Lock()
	c.contacts = append(c.contacts, contact)
	c.mu.Unlock()
}

func (c *Capabilities) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.contacts)
}

// Scheduled - вызов, запланированный через Scheduler
type Scheduled struct {
	Delay   time.Duration
	f       func()
	stopped bool
}

// Scheduler - ручной планировщик: вызовы выполняются только через Fire
type Scheduler struct {
	mu    sync.Mutex
	items []*Scheduled
}

// Schedule удовлетворяет session.Scheduler
func (s *Scheduler) Schedule(d time.Duration, f func()) session.TimerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := &Scheduled{Delay: d, f: f}
	s.items = append(s.items, item)
	return &handle{s: s, item: item}
}

// Delays возвращает задержки всех запланированных вызовов
func (s *Scheduler) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it.Delay)
	}
	return out
}

// Pending возвращает число не выполненных и не остановленных вызовов
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.items {
		if !it.stopped && it.f != nil {
			n++
		}
	}
	return n
}

// Fire выполняет последний активный вызов. Возвращает false, если таких нет.
func (s *Scheduler) Fire() bool {
	s.mu.Lock()
	var f func()
	for i := len(s.items) - 1; i >= 0; i-- {
		it := s.items[i]
		if !it.stopped && it.f != nil {
			f, it.f = it.f, nil
			break
		}
	}
	s.mu.Unlock()
	if f == nil {
		return false
	}
	f()
	return true
}

type handle struct {
	s    *Scheduler
	item *Scheduled
}

func (h *handle) Stop() bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if h.item.stopped || h.item.f == nil {
		return false
	}
	h.item.stopped = true
	return true
}

// Clock - ручные часы
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
