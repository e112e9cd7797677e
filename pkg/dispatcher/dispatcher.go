// Package dispatcher распределяет входящие SIP запросы между сессиями и сервисами.
//
// Запросы обрабатываются по одному в порядке поступления. Запрос, относящийся
// к известному диалогу, передается его сессии без классификации. Начальный
// запрос классифицируется по методу, а INVITE еще и по телу и признакам
// возможностей.
package dispatcher

import (
	"context"
	"log/slog"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/ims_session/pkg/cpim"
	"github.com/arzzra/ims_session/pkg/metrics"
	"github.com/arzzra/ims_session/pkg/session"
)

// Config - зависимости диспетчера
type Config struct {
	Services    Services
	Broadcaster IntentBroadcaster
	Metrics     *metrics.Collector
	Logger      *slog.Logger
}

type Dispatcher struct {
	services    Services
	broadcaster IntentBroadcaster
	metrics     *metrics.Collector
	log         *slog.Logger
	queue       *queue
}

func New(cfg Config) *Dispatcher {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		services:    cfg.Services,
		broadcaster: cfg.Broadcaster,
		metrics:     cfg.Metrics,
		log:         log.With(slog.String("component", "dispatcher")),
		queue:       newQueue(),
	}
}

// Post ставит запрос в очередь. tx - серверная транзакция запроса.
func (d *Dispatcher) Post(req *sip.Request, tx session.Responder) error {
	return d.queue.push(inbound{req: req, tx: tx})
}

// Pending возвращает число запросов в очереди
func (d *Dispatcher) Pending() int {
	return d.queue.len()
}

// Run обрабатывает очередь до Close или отмены ctx.
// Блокирующая логика сессий выполняется в их собственных горутинах.
func (d *Dispatcher) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, d.Close)
	defer stop()

	d.log.Info("Dispatcher.Run: started")
	for {
		item, ok := d.queue.pop()
		if !ok {
			d.log.Info("Dispatcher.Run: stopped")
			return ctx.Err()
		}
		d.safeDispatch(item.req, item.tx)
	}
}

// Close останавливает Run. Необработанные запросы отбрасываются.
func (d *Dispatcher) Close() {
	if dropped := d.queue.close(); dropped > 0 {
		d.log.Warn("Dispatcher.Close: pending requests dropped", slog.Int("count", dropped))
	}
}

func (d *Dispatcher) safeDispatch(req *sip.Request, tx session.Responder) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Dispatcher.dispatch panic",
				slog.String("method", string(req.Method)),
				slog.Any("panic", r))
		}
	}()
	d.dispatch(req, tx)
}

func (d *Dispatcher) dispatch(req *sip.Request, tx session.Responder) {
	callID := callIDOf(req)
	d.log.Debug("Dispatcher.dispatch",
		slog.String("method", string(req.Method)),
		slog.String("callID", string(callID)))

	if h, ok := d.services.findSession(callID); ok {
		d.dispatchSubsequent(h, req, tx)
		return
	}

	switch req.Method {
	case sip.MESSAGE:
		d.dispatchMessage(req, tx)
	case sip.NOTIFY:
		d.dispatchNotify(req, tx)
	case sip.OPTIONS:
		d.dispatchOptions(req, tx)
	case sip.INVITE:
		if !d.dispatchInvite(req, tx) {
			return
		}
	case sip.BYE, sip.CANCEL, sip.UPDATE:
		d.metrics.Dispatched("no-dialog")
		d.respond(tx, req, 481, "Call/Transaction Does Not Exist")
	default:
		d.log.Debug("Dispatcher.dispatch: unknown initial request", slog.String("method", string(req.Method)))
		d.metrics.Dispatched("dropped")
	}

	// Внешние наблюдатели видят и запросы, уже принятые сервисами
	if d.broadcaster != nil {
		d.broadcaster.Broadcast(req, tx)
	}
}

func (d *Dispatcher) dispatchSubsequent(h session.Handle, req *sip.Request, tx session.Responder) {
	switch req.Method {
	case sip.UPDATE:
		h.ReceiveUpdate(req, tx)
	case sip.BYE:
		h.ReceiveBye(req, tx)
	case sip.CANCEL:
		h.ReceiveCancel(req, tx)
	case sip.INVITE:
		h.ReceiveReInvite(req, tx)
	default:
		d.log.Debug("Dispatcher.dispatchSubsequent: unknown request",
			slog.String("method", string(req.Method)),
			slog.String("session", h.ID()))
		d.metrics.Dispatched("dropped")
		return
	}
	d.metrics.Dispatched("subsequent")
}

func (d *Dispatcher) dispatchMessage(req *sip.Request, tx session.Responder) {
	im := d.services.IM
	if im == nil || !im.IsActivated() || !cpim.IsImdnReport(contentType(req), req.Body()) {
		d.log.Debug("Dispatcher.dispatchMessage: not routed")
		d.metrics.Dispatched("dropped")
		return
	}
	d.metrics.Dispatched("delivery-status")
	im.ReceiveDeliveryStatus(req, tx)
}

func (d *Dispatcher) dispatchNotify(req *sip.Request, tx session.Responder) {
	d.respond(tx, req, 200, "OK")

	event := eventType(req)
	switch event {
	case "presence.winfo":
		if p := d.services.Presence; p != nil && p.IsActivated() {
			d.metrics.Dispatched("watcher-info")
			p.ReceiveWatcherInfoNotify(req)
			return
		}
	case "presence":
		if strings.Contains(strings.ToLower(headerValue(req, "To")), "anonymous") {
			if c := d.services.Capability; c != nil && c.IsActivated() {
				d.metrics.Dispatched("anonymous-fetch")
				c.ReceiveAnonymousNotify(req)
				return
			}
		} else if p := d.services.Presence; p != nil && p.IsActivated() {
			d.metrics.Dispatched("presence")
			p.ReceivePresenceNotify(req)
			return
		}
	case "conference":
		if im := d.services.IM; im != nil && im.IsActivated() {
			d.metrics.Dispatched("conference")
			im.ReceiveConferenceNotify(req)
			return
		}
	}
	d.log.Debug("Dispatcher.dispatchNotify: not routed", slog.String("event", event))
	d.metrics.Dispatched("dropped")
}

func (d *Dispatcher) dispatchOptions(req *sip.Request, tx session.Responder) {
	if rc := d.services.RichCall; rc != nil && rc.IsActivated() && rc.IsCallConnected() {
		d.metrics.Dispatched("rich-call-options")
		rc.ReceiveCapabilityRequest(req, tx)
		return
	}
	if c := d.services.Capability; c != nil && c.IsActivated() {
		d.metrics.Dispatched("options")
		c.ReceiveCapabilityRequest(req, tx)
		return
	}
	d.log.Debug("Dispatcher.dispatchOptions: capability service disabled")
	d.metrics.Dispatched("dropped")
}

// dispatchInvite возвращает false, если приглашение не принял ни один сервис.
// Такой INVITE уже передан внешним обработчикам или отклонен.
func (d *Dispatcher) dispatchInvite(req *sip.Request, tx session.Responder) bool {
	d.respond(tx, req, 100, "Trying")

	route := Classify(req)
	d.log.Debug("Dispatcher.dispatchInvite", slog.String("route", route.String()))

	s := d.services
	switch route {
	case RouteVideoSharing:
		if rc := s.RichCall; rc != nil && rc.IsActivated() {
			rc.ReceiveVideoSharingInvitation(req, tx)
			break
		}
		return d.notAcceptable(req, tx, route)
	case RouteImageSharing:
		if rc := s.RichCall; rc != nil && rc.IsActivated() {
			rc.ReceiveImageSharingInvitation(req, tx)
			break
		}
		return d.notAcceptable(req, tx, route)
	case RouteFileTransfer:
		if s.FileTransfer == nil {
			return d.notAcceptable(req, tx, route)
		}
		s.FileTransfer.ReceiveFileTransferInvitation(req, tx)
	case RouteLargeMessage:
		if s.LargeMessage == nil {
			return d.notAcceptable(req, tx, route)
		}
		s.LargeMessage.ReceiveLargeMessageInvitation(req, tx)
	case RouteAdhocChat:
		if s.IM == nil {
			return d.notAcceptable(req, tx, route)
		}
		s.IM.ReceiveAdhocInvitation(req, tx)
	case RouteOneOneChat:
		if s.IM == nil {
			return d.notAcceptable(req, tx, route)
		}
		s.IM.ReceiveOneOneInvitation(req, tx)
	default:
		if d.broadcaster != nil && d.broadcaster.Broadcast(req, tx) {
			d.metrics.Dispatched("broadcast")
			return false
		}
		d.log.Debug("Dispatcher.dispatchInvite: unknown invitation rejected")
		return d.notAcceptable(req, tx, route)
	}
	d.metrics.Dispatched(route.String())
	return true
}

func (d *Dispatcher) notAcceptable(req *sip.Request, tx session.Responder, route Route) bool {
	d.log.Info("Dispatcher: invitation rejected",
		slog.String("route", route.String()),
		slog.String("callID", string(callIDOf(req))))
	d.metrics.Dispatched("rejected")
	d.respond(tx, req, 606, "Not Acceptable")
	return false
}

func (d *Dispatcher) respond(tx session.Responder, req *sip.Request, code int, reason string) {
	if tx == nil {
		return
	}
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		d.log.Warn("Dispatcher respond failed",
			slog.Int("status", code),
			slog.String("error", err.Error()))
	}
}

func callIDOf(req *sip.Request) sip.CallIDHeader {
	if h := req.CallID(); h != nil {
		return *h
	}
	return ""
}

func contentType(req *sip.Request) string {
	return headerValue(req, "Content-Type")
}

func headerValue(req *sip.Request, name string) string {
	if h := req.GetHeader(name); h != nil {
		return h.Value()
	}
	return ""
}

// eventType возвращает тип события без параметров (Event: conference;id=1)
func eventType(req *sip.Request) string {
	ev, _, _ := strings.Cut(headerValue(req, "Event"), ";")
	return strings.ToLower(strings.TrimSpace(ev))
}
