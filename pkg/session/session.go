// Package session реализует жизненный цикл IMS сессии поверх одного SIP диалога.
//
// Сессия владеет DialogPath и агентом аутентификации, выполняет свою логику
// согласования в отдельной горутине и сообщает о событиях слушателям.
// Завершение сессии никогда не возвращает ошибок: сбои отправки BYE/CANCEL
// только логируются.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"

	"github.com/arzzra/ims_session/pkg/auth"
	"github.com/arzzra/ims_session/pkg/config"
	"github.com/arzzra/ims_session/pkg/dialogpath"
	"github.com/arzzra/ims_session/pkg/metrics"
)

const (
	// DefaultRingingPeriod - ожидание ответа пользователя на приглашение
	DefaultRingingPeriod = 30 * time.Second
	// DefaultTransactionTimeout - ожидание окончательного ответа на запрос
	DefaultTransactionTimeout = 30 * time.Second

	allowedMethods = "INVITE, ACK, CANCEL, BYE, UPDATE, MESSAGE, OPTIONS, NOTIFY, REFER"
)

const (
	outcomeTerminated = "terminated"
	outcomeAborted    = "aborted"
	outcomeRemote     = "remote"
	outcomeRejected   = "rejected"
	outcomeFailed     = "failed"
)

var idSeq atomic.Uint64

// newSessionID возвращает уникальный идентификатор на основе времени
func newSessionID() string {
	return strconv.FormatInt(time.Now().UnixNano(), 10) + "-" + strconv.FormatUint(idSeq.Add(1), 10)
}

// Config - зависимости сессии
type Config struct {
	// Kind - тип сессии для логов и метрик ("chat", "group-chat", ...)
	Kind       string
	Dialog     *dialogpath.DialogPath
	Transport  Transport
	Registry   *Registry
	Auth       *auth.Agent
	Capability CapabilityRequester
	Metrics    *metrics.Collector
	Settings   *config.Settings
	// RemoteContact - адрес удаленного участника
	RemoteContact sip.Uri
	// InviteTx - серверная транзакция входящего INVITE (только для терминирующих сессий)
	InviteTx Responder
}

// Session - одна сессия поверх SIP диалога.
type Session struct {
	id        string
	kind      string
	createdAt time.Time

	settings   *config.Settings
	dialog     *dialogpath.DialogPath
	auth       *auth.Agent
	transport  Transport
	registry   *Registry
	capability CapabilityRequester
	metrics    *metrics.Collector
	log        *slog.Logger

	remoteContact sip.Uri

	invitation *fsm.FSM
	answered   chan struct{}
	answerOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	started atomic.Bool
	closed  atomic.Bool

	listeners listenerSet

	mu        sync.Mutex
	handle    Handle
	inviteTx  Responder
	media     MediaCloser
	mediaOnce sync.Once
	timer     *TimerManager
}

// New создает сессию. Dialog и Transport обязательны.
func New(cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:            newSessionID(),
		kind:          cfg.Kind,
		createdAt:     time.Now(),
		settings:      cfg.Settings,
		dialog:        cfg.Dialog,
		auth:          cfg.Auth,
		transport:     cfg.Transport,
		registry:      cfg.Registry,
		capability:    cfg.Capability,
		metrics:       cfg.Metrics,
		remoteContact: cfg.RemoteContact,
		inviteTx:      cfg.InviteTx,
		answered:      make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	if s.kind == "" {
		s.kind = "session"
	}
	if s.auth == nil {
		username, password := "", ""
		if s.settings != nil {
			username, password = s.settings.User.Username, s.settings.User.Password
		}
		s.auth = auth.NewAgent(username, password)
	}
	if s.remoteContact.Host == "" {
		s.remoteContact = s.dialog.RemoteParty()
	}
	s.handle = s
	s.log = slog.Default().With(
		slog.String("session", s.id),
		slog.String("kind", s.kind),
		slog.String("callID", string(s.dialog.CallID())))
	s.invitation = newInvitationFSM(s.wakeWaiters)
	return s
}

// CreateOriginatingDialogPath создает путь диалога для исходящей сессии к remote
func CreateOriginatingDialogPath(settings *config.Settings, remote sip.Uri) *dialogpath.DialogPath {
	d := dialogpath.NewOriginating(dialogpath.Params{
		Local:        settings.PublicURI(),
		Remote:       remote,
		Contact:      settings.ContactURI(),
		DisplayName:  settings.User.DisplayName,
		ServiceRoute: settings.ServiceRoute(),
	})
	d.SetSessionExpireTime(settings.Session.SessionExpires)
	return d
}

// CreateTerminatingDialogPath создает путь диалога из входящего INVITE
func CreateTerminatingDialogPath(settings *config.Settings, invite *sip.Request) (*dialogpath.DialogPath, error) {
	return dialogpath.NewTerminating(invite, settings.ContactURI())
}

func (s *Session) ID() string                      { return s.id }
func (s *Session) Kind() string                    { return s.kind }
func (s *Session) CallID() sip.CallIDHeader        { return s.dialog.CallID() }
func (s *Session) Dialog() *dialogpath.DialogPath  { return s.dialog }
func (s *Session) Auth() *auth.Agent               { return s.auth }
func (s *Session) Transport() Transport            { return s.transport }
func (s *Session) Settings() *config.Settings      { return s.settings }
func (s *Session) Metrics() *metrics.Collector     { return s.metrics }
func (s *Session) Logger() *slog.Logger            { return s.log }
func (s *Session) RemoteContact() sip.Uri          { return s.remoteContact }
func (s *Session) CreatedAt() time.Time            { return s.createdAt }
func (s *Session) Registry() *Registry             { return s.registry }

// Context отменяется при прерывании сессии
func (s *Session) Context() context.Context {
	return s.ctx
}

// Done закрывается, когда логика сессии завершилась
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// SetHandle задает объект, который регистрируется в реестре вместо самой сессии.
// Используется типами, встраивающими Session.
func (s *Session) SetHandle(h Handle) {
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
}

// SetMedia задает обработчик освобождения медиа ресурсов
func (s *Session) SetMedia(m MediaCloser) {
	s.mu.Lock()
	s.media = m
	s.mu.Unlock()
}

func (s *Session) AddListener(l Listener) {
	s.listeners.add(l)
}

func (s *Session) RemoveListener(l Listener) {
	s.listeners.remove(l)
}

func (s *Session) RemoveListeners() {
	s.listeners.removeAll()
}

// Listeners возвращает снимок списка слушателей
func (s *Session) Listeners() []Listener {
	return s.listeners.snapshot()
}

// ForEachListener вызывает f для каждого слушателя из снимка списка
func (s *Session) ForEachListener(f func(Listener)) {
	for _, l := range s.listeners.snapshot() {
		f(l)
	}
}

// NotifyStarted сообщает слушателям об установлении сессии
func (s *Session) NotifyStarted() {
	s.ForEachListener(func(l Listener) { l.HandleSessionStarted() })
}

// Start регистрирует сессию в реестре и запускает run в отдельной горутине.
// run может блокироваться; ожидания должны учитывать ctx.
func (s *Session) Start(run func(ctx context.Context)) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()

	if s.registry != nil {
		if err := s.registry.Add(h); err != nil {
			return err
		}
	}
	s.metrics.SessionStarted(s.kind)
	s.log.Debug("Session.Start", slog.String("dialog", s.dialog.String()))

	go func() {
		defer close(s.done)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("Session.Start panic", slog.Any("panic", r))
				s.Fail(Unexpected(fmt.Errorf("panic: %v", r)))
			}
		}()
		if run != nil {
			run(s.ctx)
		}
	}()
	return nil
}

// Interrupt будит все ожидания сессии и отменяет ее контекст
func (s *Session) Interrupt() {
	s.cancel()
	s.wakeWaiters()
}

// IsInterrupted сообщает, была ли сессия прервана
func (s *Session) IsInterrupted() bool {
	return s.ctx.Err() != nil
}

// Terminate завершает диалог. Повторный вызов ничего не делает.
// Если сигнализация установлена, отправляется BYE, иначе CANCEL на отправленный INVITE
// или 487 на принятый. Ошибки отправки только логируются.
func (s *Session) Terminate() {
	if !s.dialog.SessionTerminated() {
		return
	}
	s.log.Debug("Session.Terminate",
		slog.Bool("signalingEstablished", s.dialog.IsSignalingEstablished()))

	s.wakeWaiters()
	s.stopTimer()

	switch {
	case s.dialog.IsSignalingEstablished():
		s.dialog.IncrementCseq()
		s.sendAndForget(s.dialog.NewRequest(sip.BYE))
	case s.dialog.NewCancel() != nil:
		s.sendAndForget(s.dialog.NewCancel())
	default:
		s.respondInvite(487, "Request Terminated")
	}
}

func (s *Session) sendAndForget(req *sip.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), s.TransactionTimeout())
	defer cancel()
	if _, err := s.transport.Request(ctx, req); err != nil {
		s.log.Warn("Session.Terminate send failed",
			slog.String("method", string(req.Method)),
			slog.String("error", err.Error()))
	}
}

// Abort прерывает сессию локально: прерывание, освобождение медиа, завершение диалога,
// удаление из реестра и уведомление слушателей. Безопасно вызывать повторно и из
// любой горутины: слушатели уведомляются один раз.
func (s *Session) Abort(reason AbortReason) {
	s.log.Info("Session.Abort", slog.String("reason", reason.String()))

	s.Interrupt()
	s.closeMedia()
	s.Terminate()

	if !s.remove(outcomeAborted) {
		return
	}
	s.ForEachListener(func(l Listener) { l.HandleSessionAborted(reason) })
}

// Fail обрабатывает ошибку установления: освобождает ресурсы, удаляет сессию
// и сообщает слушателям типизированную ошибку. Для прерванной сессии ничего не делает.
func (s *Session) Fail(err *Error) {
	if s.IsInterrupted() {
		return
	}
	s.log.Info("Session.Fail", slog.String("error", err.Error()))

	s.closeMedia()
	if s.dialog.IsSignalingEstablished() {
		s.Terminate()
	} else {
		s.dialog.SessionTerminated()
		s.stopTimer()
		s.wakeWaiters()
	}

	if !s.remove(outcomeFailed) {
		return
	}
	s.metrics.SessionError(err.Code.String())
	s.ForEachListener(func(l Listener) { l.HandleSessionError(err) })
}

// ReceiveBye обрабатывает BYE удаленной стороны
func (s *Session) ReceiveBye(req *sip.Request, tx Responder) {
	s.log.Info("Session.ReceiveBye")

	s.closeMedia()
	s.dialog.SessionTerminated()
	s.stopTimer()
	s.wakeWaiters()
	s.respond(tx, req, 200, "OK")

	if s.remove(outcomeRemote) {
		s.ForEachListener(func(l Listener) { l.HandleSessionTerminatedByRemote() })
	}
	s.requestCapabilities()
}

// ReceiveCancel обрабатывает CANCEL. После установления сигнализации CANCEL игнорируется.
func (s *Session) ReceiveCancel(req *sip.Request, tx Responder) {
	if s.dialog.IsSignalingEstablished() {
		s.log.Debug("Session.ReceiveCancel ignored: signaling established")
		return
	}
	s.log.Info("Session.ReceiveCancel")

	s.Interrupt()
	s.closeMedia()
	s.dialog.SessionTerminated()
	s.stopTimer()
	s.respond(tx, req, 200, "OK")
	s.respondInvite(487, "Request Terminated")

	if s.remove(outcomeRemote) {
		s.ForEachListener(func(l Listener) { l.HandleSessionTerminatedByRemote() })
	}
	s.requestCapabilities()
}

// ReceiveReInvite отклоняет re-INVITE: изменение сессии не поддерживается
func (s *Session) ReceiveReInvite(req *sip.Request, tx Responder) {
	s.respondNotAllowed(req, tx)
}

// ReceiveUpdate передает UPDATE таймеру сессии, если он запущен, иначе отвечает 405
func (s *Session) ReceiveUpdate(req *sip.Request, tx Responder) {
	if t := s.SessionTimer(); t != nil && t.Running() {
		t.ReceiveUpdate(req, tx)
		return
	}
	s.respondNotAllowed(req, tx)
}

func (s *Session) respondNotAllowed(req *sip.Request, tx Responder) {
	res := sip.NewResponseFromRequest(req, 405, "Method Not Allowed", nil)
	res.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	s.send(tx, res)
}

// RespondUnsupportedMedia отвечает 415 на запрос с неподдерживаемым телом
func (s *Session) RespondUnsupportedMedia(req *sip.Request, tx Responder) {
	res := sip.NewResponseFromRequest(req, 415, "Unsupported Media Type", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	s.send(tx, res)
}

// InviteTx возвращает транзакцию входящего INVITE
func (s *Session) InviteTx() Responder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inviteTx
}

// RespondInvite отвечает на входящий INVITE. Локальный тег добавляется в To.
func (s *Session) RespondInvite(code int, reason string, contentType string, body []byte, headers ...sip.Header) error {
	tx := s.InviteTx()
	invite := s.dialog.Invite()
	if tx == nil || invite == nil {
		return nil
	}
	res := sip.NewResponseFromRequest(invite, code, reason, nil)
	if code > 100 {
		if to := res.To(); to != nil {
			if to.Params == nil {
				to.Params = sip.NewParams()
			}
			to.Params.Add("tag", s.dialog.LocalTag())
		}
		contact := s.dialog.LocalContact()
		res.AppendHeader(&sip.ContactHeader{Address: contact})
	}
	for _, h := range headers {
		res.AppendHeader(h)
	}
	if len(body) > 0 {
		dialogpath.SetContent(res, contentType, body)
	}
	return tx.Respond(res)
}

func (s *Session) respondInvite(code int, reason string) {
	if err := s.RespondInvite(code, reason, "", nil); err != nil {
		s.log.Warn("Session.respondInvite failed",
			slog.Int("status", code),
			slog.String("error", err.Error()))
	}
}

func (s *Session) respond(tx Responder, req *sip.Request, code int, reason string) {
	s.send(tx, sip.NewResponseFromRequest(req, code, reason, nil))
}

func (s *Session) send(tx Responder, res *sip.Response) {
	if tx == nil {
		return
	}
	if err := tx.Respond(res); err != nil {
		s.log.Warn("Session respond failed",
			slog.Int("status", int(res.StatusCode)),
			slog.String("error", err.Error()))
	}
}

// TransactionTimeout возвращает ограничение ожидания ответа
func (s *Session) TransactionTimeout() time.Duration {
	if s.settings != nil && s.settings.Session.TransactionTimeout > 0 {
		return s.settings.Session.TransactionTimeout
	}
	return DefaultTransactionTimeout
}

// RingingPeriod возвращает время ожидания ответа пользователя
func (s *Session) RingingPeriod() time.Duration {
	if s.settings != nil && s.settings.Session.RingingPeriod > 0 {
		return s.settings.Session.RingingPeriod
	}
	return DefaultRingingPeriod
}

func (s *Session) closeMedia() {
	s.mediaOnce.Do(func() {
		s.mu.Lock()
		m := s.media
		s.mu.Unlock()
		if m != nil {
			m.CloseMedia()
		}
	})
}

// remove удаляет сессию из реестра. Возвращает true только при первом вызове.
func (s *Session) remove(outcome string) bool {
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}
	if s.registry != nil && s.registry.Remove(s.id) {
		s.metrics.SessionEnded(outcome, time.Since(s.createdAt).Seconds())
	}
	s.log.Debug("Session removed", slog.String("outcome", outcome))
	return true
}

// Remove удаляет сессию после нормального завершения
func (s *Session) Remove() bool {
	return s.remove(outcomeTerminated)
}

// IsClosed сообщает, удалена ли сессия
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

func (s *Session) requestCapabilities() {
	if s.capability == nil {
		return
	}
	contact := s.remoteContact
	go s.capability.RequestCapabilities(contact)
}

// RequestCapabilities запускает запрос возможностей удаленной стороны
func (s *Session) RequestCapabilities() {
	s.requestCapabilities()
}
