package capability

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/arzzra/ims_session/pkg/auth"
	"github.com/arzzra/ims_session/pkg/config"
	"github.com/arzzra/ims_session/pkg/dialogpath"
	"github.com/arzzra/ims_session/pkg/metrics"
	"github.com/arzzra/ims_session/pkg/session"
)

// Listener получает возможности контактов
type Listener interface {
	HandleCapabilities(contact string, caps Capabilities)
}

type Config struct {
	Settings  *config.Settings
	Transport session.Transport
	Listener  Listener
	Metrics   *metrics.Collector
	// InCall сообщает, идет ли звонок с контактом. nil - звонков нет.
	InCall func(contact string) bool
}

// Service отвечает на OPTIONS и запрашивает возможности контактов.
type Service struct {
	settings  *config.Settings
	transport session.Transport
	listener  Listener
	metrics   *metrics.Collector
	inCall    func(contact string) bool
	log       *slog.Logger

	wg sync.WaitGroup
}

func NewService(cfg Config) *Service {
	settings := cfg.Settings
	if settings == nil {
		settings = config.Default()
	}
	return &Service{
		settings:  settings,
		transport: cfg.Transport,
		listener:  cfg.Listener,
		metrics:   cfg.Metrics,
		inCall:    cfg.InCall,
		log:       slog.Default().With(slog.String("service", "capability")),
	}
}

func (s *Service) IsActivated() bool {
	return s.settings.Services.Capability
}

// Supported возвращает собственные возможности. Обмен видео и изображениями
// объявляется только во время звонка.
func (s *Service) Supported(inCall bool) Capabilities {
	services := s.settings.Services
	return Capabilities{
		IMSession:         services.InstantMessaging,
		VideoSharing:      services.RichCall && inCall,
		ImageSharing:      services.RichCall && inCall,
		PresenceDiscovery: services.Presence,
	}
}

func (s *Service) isInCall(contact string) bool {
	return s.inCall != nil && s.inCall(contact)
}

// RequestCapabilities отправляет OPTIONS в фоне. Результат получает Listener.
func (s *Service) RequestCapabilities(contact sip.Uri) {
	if !s.IsActivated() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Request(context.Background(), contact); err != nil {
			s.log.Info("Service.RequestCapabilities",
				slog.String("contact", contact.String()),
				slog.String("error", err.Error()))
		}
	}()
}

// Wait ждет завершения фоновых запросов
func (s *Service) Wait() {
	s.wg.Wait()
}

// Request отправляет OPTIONS и ждет ответ. На 407/401 запрос повторяется
// один раз с авторизацией. 404 означает контакт без RCS: слушатель получает
// пустые возможности.
func (s *Service) Request(ctx context.Context, contact sip.Uri) (Capabilities, error) {
	dialog := dialogpath.NewOriginating(dialogpath.Params{
		Local:        s.settings.PublicURI(),
		Remote:       contact,
		Contact:      s.settings.ContactURI(),
		DisplayName:  s.settings.User.DisplayName,
		ServiceRoute: s.settings.ServiceRoute(),
	})
	agent := auth.NewAgent(s.settings.User.Username, s.settings.User.Password)

	for attempt := 0; ; attempt++ {
		req := s.newOptions(dialog, contact)
		if agent.HasChallenge() {
			if err := agent.ApplyCredentials(req); err != nil {
				return Capabilities{}, err
			}
		}

		rctx, cancel := context.WithTimeout(ctx, s.settings.Session.TransactionTimeout)
		res, err := s.transport.Request(rctx, req)
		cancel()
		if err != nil {
			s.metrics.CapabilityRequest("error")
			return Capabilities{}, errors.Wrap(err, "capability: options")
		}

		code := int(res.StatusCode)
		switch {
		case code >= 200 && code < 300:
			caps := Extract(res)
			s.metrics.CapabilityRequest("ok")
			s.notify(contact.String(), caps)
			return caps, nil
		case (code == 407 || code == 401) && attempt == 0:
			if err := agent.OnChallenge(res); err != nil {
				return Capabilities{}, err
			}
			dialog.IncrementCseq()
		case code == 404:
			s.metrics.CapabilityRequest("not-found")
			s.notify(contact.String(), Capabilities{})
			return Capabilities{}, nil
		default:
			s.metrics.CapabilityRequest("failed")
			return Capabilities{}, errors.Errorf("capability: options answered %d %s", code, res.Reason)
		}
	}
}

func (s *Service) newOptions(dialog *dialogpath.DialogPath, contact sip.Uri) *sip.Request {
	req := dialog.NewRequest(sip.OPTIONS)
	req.RemoveHeader("Contact")
	req.AppendHeader(&sip.ContactHeader{
		Address: s.settings.ContactURI(),
		Params:  s.Supported(s.isInCall(contact.String())).ContactParams(),
	})
	req.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	return req
}

// ReceiveCapabilityRequest отвечает 200 OK со своими возможностями
// и сообщает слушателю возможности отправителя.
func (s *Service) ReceiveCapabilityRequest(req *sip.Request, tx session.Responder) {
	contact := requester(req)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(&sip.ContactHeader{
		Address: s.settings.ContactURI(),
		Params:  s.Supported(s.isInCall(contact)).ContactParams(),
	})
	if tx != nil {
		if err := tx.Respond(res); err != nil {
			s.log.Warn("Service.ReceiveCapabilityRequest: respond failed", slog.String("error", err.Error()))
		}
	}

	s.notify(contact, Extract(req))
}

// ReceiveAnonymousNotify принимает NOTIFY анонимного запроса presence.
// Разбор PIDF не поддерживается, уведомление только логируется.
func (s *Service) ReceiveAnonymousNotify(req *sip.Request) {
	s.log.Debug("Service.ReceiveAnonymousNotify",
		slog.String("from", requester(req)),
		slog.Int("size", len(req.Body())))
}

func (s *Service) notify(contact string, caps Capabilities) {
	s.log.Debug("Service capabilities",
		slog.String("contact", contact),
		slog.Bool("rcs", caps.IsRCS()))
	if s.listener != nil {
		s.listener.HandleCapabilities(contact, caps)
	}
}

// requester возвращает P-Asserted-Identity или адрес из From
func requester(req *sip.Request) string {
	if h := req.GetHeader("P-Asserted-Identity"); h != nil {
		v := h.Value()
		if i := strings.IndexByte(v, '<'); i >= 0 {
			if j := strings.IndexByte(v[i:], '>'); j > 0 {
				return v[i+1 : i+j]
			}
		}
		return strings.TrimSpace(v)
	}
	if from := req.From(); from != nil {
		return from.Address.String()
	}
	return ""
}
