package chat

import (
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/ims_session/pkg/config"
	"github.com/arzzra/ims_session/pkg/cpim"
	"github.com/arzzra/ims_session/pkg/metrics"
	"github.com/arzzra/ims_session/pkg/session"
)

// ServiceListener получает входящие приглашения и отчеты о доставке вне сессий
type ServiceListener interface {
	HandleChatInvitation(cs *Session)
	HandleDeliveryStatus(contact string, report *cpim.Report)
}

// ServiceConfig - зависимости сервиса мгновенных сообщений
type ServiceConfig struct {
	Settings   *config.Settings
	Transport  session.Transport
	Msrp       MsrpConnector
	Capability session.CapabilityRequester
	Metrics    *metrics.Collector
	Listener   ServiceListener
	// Scheduler - планировщик таймеров неактивности и таймеров сессий; nil - time.AfterFunc
	Scheduler session.Scheduler
	// Clock - часы таймеров сессий; nil - time.Now
	Clock func() time.Time
}

// Service - сервис мгновенных сообщений: владеет реестром чат сессий
// и создает исходящие и входящие сессии.
type Service struct {
	settings   *config.Settings
	transport  session.Transport
	msrp       MsrpConnector
	capability session.CapabilityRequester
	metrics    *metrics.Collector
	listener   ServiceListener
	scheduler  session.Scheduler
	clock      func() time.Time
	registry   *session.Registry
	log        *slog.Logger
}

func NewService(cfg ServiceConfig) *Service {
	settings := cfg.Settings
	if settings == nil {
		settings = config.Default()
	}
	return &Service{
		settings:   settings,
		transport:  cfg.Transport,
		msrp:       cfg.Msrp,
		capability: cfg.Capability,
		metrics:    cfg.Metrics,
		listener:   cfg.Listener,
		scheduler:  cfg.Scheduler,
		clock:      cfg.Clock,
		registry:   session.NewRegistry("im"),
		log:        slog.Default().With(slog.String("service", "im")),
	}
}

func (s *Service) Registry() *session.Registry {
	return s.registry
}

func (s *Service) IsActivated() bool {
	return s.settings.Services.InstantMessaging
}

func (s *Service) timerOptions() []session.TimerOption {
	var opts []session.TimerOption
	if s.scheduler != nil {
		opts = append(opts, session.WithScheduler(s.scheduler))
	}
	if s.clock != nil {
		opts = append(opts, session.WithClock(s.clock))
	}
	return opts
}

// InitiateOneOneChatSession открывает чат один-на-один
func (s *Service) InitiateOneOneChatSession(contact sip.Uri, firstMessage string, listeners ...Listener) (*Session, error) {
	return OriginateOneOne(s, contact, firstMessage, listeners...)
}

// InitiateAdhocGroupChatSession открывает групповой чат
func (s *Service) InitiateAdhocGroupChatSession(participants []string, subject string, listeners ...Listener) (*Session, error) {
	return OriginateAdhoc(s, participants, subject, listeners...)
}

// ReceiveOneOneInvitation обрабатывает входящий INVITE чата один-на-один
func (s *Service) ReceiveOneOneInvitation(req *sip.Request, tx session.Responder) {
	s.receiveInvitation(OneToOne, req, tx)
}

// ReceiveAdhocInvitation обрабатывает входящий INVITE группового чата
func (s *Service) ReceiveAdhocInvitation(req *sip.Request, tx session.Responder) {
	s.receiveInvitation(Group, req, tx)
}

func (s *Service) receiveInvitation(variant Variant, req *sip.Request, tx session.Responder) {
	if !s.IsActivated() {
		s.respond(tx, req, 603, "Decline")
		return
	}
	cs, err := newTerminating(s, variant, req, tx)
	if err != nil {
		s.log.Info("Service.receiveInvitation: unacceptable offer", slog.String("error", err.Error()))
		res := sip.NewResponseFromRequest(req, 415, "Unsupported Media Type", nil)
		res.AppendHeader(sip.NewHeader("Accept", contentTypeSDP))
		s.send(tx, res)
		return
	}

	if err := cs.Start(cs.runTerminating); err != nil {
		s.log.Warn("Service.receiveInvitation: start failed", slog.String("error", err.Error()))
		s.respond(tx, req, 500, "Server Internal Error")
		return
	}
	s.log.Info("Service.receiveInvitation",
		slog.String("variant", variant.String()),
		slog.String("session", cs.ID()),
		slog.String("from", cs.remoteContact()))
	if s.listener != nil {
		s.listener.HandleChatInvitation(cs)
	}
}

// ReceiveConferenceNotify передает NOTIFY подписке групповой сессии
func (s *Service) ReceiveConferenceNotify(req *sip.Request) {
	var target *ConferenceSubscriber
	s.registry.Range(func(h session.Handle) bool {
		cs, ok := h.(*Session)
		if !ok {
			return true
		}
		if sub := cs.Conference(); sub != nil && sub.MatchNotify(req) {
			target = sub
			return false
		}
		return true
	})
	if target == nil {
		s.log.Debug("Service.ReceiveConferenceNotify: no subscription")
		return
	}
	target.ReceiveNotify(req)
}

// ReceiveDeliveryStatus обрабатывает отчет IMDN, пришедший в SIP MESSAGE
func (s *Service) ReceiveDeliveryStatus(req *sip.Request, tx session.Responder) {
	s.respond(tx, req, 200, "OK")

	msg, err := cpim.Parse(req.Body())
	if err != nil {
		s.log.Debug("Service.ReceiveDeliveryStatus", slog.String("error", err.Error()))
		return
	}
	report, err := cpim.ParseImdn(msg.Content)
	if err != nil {
		s.log.Debug("Service.ReceiveDeliveryStatus", slog.String("error", err.Error()))
		return
	}

	contact := msg.From()
	if from := req.From(); contact == "" && from != nil {
		contact = from.Address.String()
	}
	if s.listener != nil {
		s.listener.HandleDeliveryStatus(contact, report)
	}
}

// FindByCallID возвращает чат сессию по идентификатору диалога
func (s *Service) FindByCallID(callID sip.CallIDHeader) (*Session, bool) {
	h, ok := s.registry.FindByCallID(callID)
	if !ok {
		return nil, false
	}
	cs, ok := h.(*Session)
	return cs, ok
}

// AbortAll прерывает все активные сессии сервиса
func (s *Service) AbortAll(reason session.AbortReason) {
	var all []*Session
	s.registry.Range(func(h session.Handle) bool {
		if cs, ok := h.(*Session); ok {
			all = append(all, cs)
		}
		return true
	})
	for _, cs := range all {
		cs.Abort(reason)
	}
}

func (s *Service) respond(tx session.Responder, req *sip.Request, code int, reason string) {
	s.send(tx, sip.NewResponseFromRequest(req, code, reason, nil))
}

func (s *Service) send(tx session.Responder, res *sip.Response) {
	if tx == nil {
		return
	}
	if err := tx.Respond(res); err != nil {
		s.log.Warn("Service respond failed",
			slog.Int("status", int(res.StatusCode)),
			slog.String("error", err.Error()))
	}
}

var (
	_ session.Handle = (*Session)(nil)
	_ DataHandler    = (*Session)(nil)
)
