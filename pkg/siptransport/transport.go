// Package siptransport связывает ядро сессий с SIP стеком sipgo.
//
// Transport отправляет запросы в клиентских транзакциях (session.Transport)
// и передает входящие запросы обработчику, обычно dispatcher.Post.
package siptransport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/arzzra/ims_session/pkg/config"
	"github.com/arzzra/ims_session/pkg/session"
)

// Handler принимает входящий запрос. Ответ отправляется позже через tx.
type Handler func(req *sip.Request, tx session.Responder) error

// nonInviteHold - сколько держать неотвеченную не-INVITE транзакцию (64*T1)
const nonInviteHold = 32 * time.Second

var inboundMethods = []sip.RequestMethod{
	sip.INVITE, sip.ACK, sip.BYE, sip.CANCEL, sip.UPDATE,
	sip.MESSAGE, sip.NOTIFY, sip.OPTIONS,
}

type Transport struct {
	ua  *sipgo.UserAgent
	uas *sipgo.Server
	uac *sipgo.Client

	cfg config.Transport
	// inviteHold - ожидание ответа пользователя плюс окончательного ответа
	inviteHold time.Duration
	log        *slog.Logger
}

func New(settings *config.Settings) (*Transport, error) {
	cfg := settings.Transport
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "IMSSession/1.0"
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(userAgent), sipgo.WithUserAgentHostname(cfg.Host))
	if err != nil {
		return nil, errors.Wrap(err, "siptransport: create user agent")
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, errors.Wrap(err, "siptransport: create server")
	}
	uac, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, errors.Wrap(err, "siptransport: create client")
	}

	return &Transport{
		ua:         ua,
		uas:        srv,
		uac:        uac,
		cfg:        cfg,
		inviteHold: settings.Session.RingingPeriod + settings.Session.TransactionTimeout,
		log: slog.Default().With(
			slog.String("component", "siptransport"),
			slog.String("transport", string(cfg.Type))),
	}, nil
}

// Request отправляет запрос и ждет окончательный ответ.
// При отмене ctx транзакция завершается.
func (t *Transport) Request(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	var opts []sipgo.ClientRequestOption
	// CANCEL несет Via отменяемого INVITE: ветка должна совпадать
	if req.Via() == nil {
		opts = append(opts, sipgo.ClientRequestAddVia)
	}
	tx, err := t.uac.TransactionRequest(ctx, req, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "siptransport: send %s", req.Method)
	}
	defer tx.Terminate()

	t.log.Debug("Transport.Request sent",
		slog.String("method", string(req.Method)),
		slog.String("to", req.Recipient.String()))

	for {
		select {
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				continue
			}
			return res, nil
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, errors.Wrapf(err, "siptransport: %s transaction", req.Method)
			}
			return nil, errors.Errorf("siptransport: %s transaction ended without response", req.Method)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Send пишет запрос без транзакции (ACK на 2xx)
func (t *Transport) Send(req *sip.Request) error {
	if err := t.uac.WriteRequest(req, sipgo.ClientRequestAddVia); err != nil {
		return errors.Wrapf(err, "siptransport: write %s", req.Method)
	}
	return nil
}

// Handle передает входящие запросы обработчику h.
// Обработчик sipgo держит транзакцию, пока на нее не ответят, иначе стек
// завершит ее сразу после возврата.
func (t *Transport) Handle(h Handler) {
	for _, method := range inboundMethods {
		t.uas.OnRequest(method, func(req *sip.Request, tx sip.ServerTransaction) {
			t.serve(h, req, tx)
		})
	}
}

func (t *Transport) serve(h Handler, req *sip.Request, tx sip.ServerTransaction) {
	var responder session.Responder
	if tx != nil {
		responder = tx
	}

	if req.IsInvite() && tx != nil {
		// CANCEL на INVITE стек обрабатывает сам: сессия узнает о нем отсюда
		tx.OnCancel(func(cancel *sip.Request) {
			if err := h(cancel, nil); err != nil {
				t.log.Warn("Transport: cancel dropped", slog.String("error", err.Error()))
			}
		})
	}

	if err := h(req, responder); err != nil {
		t.log.Warn("Transport: request dropped",
			slog.String("method", string(req.Method)),
			slog.String("error", err.Error()))
		if tx != nil && !req.IsAck() {
			_ = tx.Respond(sip.NewResponseFromRequest(req, 503, "Service Unavailable", nil))
		}
		return
	}
	if tx == nil || req.IsAck() {
		return
	}

	hold := nonInviteHold
	if req.IsInvite() {
		hold = t.inviteHold
	}
	timer := time.NewTimer(hold)
	defer timer.Stop()
	select {
	case <-tx.Done():
	case <-timer.C:
		t.log.Debug("Transport: transaction released without final response",
			slog.String("method", string(req.Method)))
	}
}

// ListenAndServe слушает настроенный транспорт до отмены ctx
func (t *Transport) ListenAndServe(ctx context.Context) error {
	network, err := networkOf(t.cfg.Type)
	if err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
	t.log.Info("Transport.ListenAndServe", slog.String("addr", addr))
	return t.uas.ListenAndServe(ctx, network, addr)
}

// Close освобождает сокеты и транзакции
func (t *Transport) Close() error {
	return t.ua.Close()
}

func networkOf(tt config.TransportType) (string, error) {
	switch tt {
	case config.TransportUDP:
		return "udp", nil
	case config.TransportTCP:
		return "tcp", nil
	case config.TransportWS:
		return "ws", nil
	case config.TransportTLS, config.TransportWSS:
		// TODO: настройки сертификатов в config.Transport, затем ListenAndServeTLS
		return "", fmt.Errorf("транспорт %s пока не поддерживается", tt)
	default:
		return "", fmt.Errorf("неподдерживаемый тип транспорта: %s", tt)
	}
}

var _ session.Transport = (*Transport)(nil)
