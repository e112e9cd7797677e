package chat

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/arzzra/ims_session/pkg/dialogpath"
	"github.com/arzzra/ims_session/pkg/session"
)

const (
	featureTagIM = "+g.oma.sip-im"

	headerContributionID = "Contribution-ID"
)

// offer - тело и дополнительные заголовки исходящего INVITE
type offer struct {
	contentType string
	body        []byte
	headers     []sip.Header
}

// buildInvite собирает INVITE с текущим CSeq диалога
func (cs *Session) buildInvite(o offer) (*sip.Request, error) {
	d := cs.Dialog()
	req := d.NewRequest(sip.INVITE)

	req.AppendHeader(sip.NewHeader(headerContributionID, cs.contributionID))
	req.AppendHeader(sip.NewHeader("Accept-Contact", "*;"+featureTagIM))
	if expire := d.SessionExpireTime(); expire > 0 {
		req.AppendHeader(sip.NewHeader("Session-Expires", strconv.Itoa(expire)+";refresher=uac"))
		minSE := d.MinSE()
		if minSE == 0 {
			minSE = cs.Settings().Session.MinSE
		}
		if minSE > 0 {
			req.AppendHeader(sip.NewHeader("Min-SE", strconv.Itoa(minSE)))
		}
		req.AppendHeader(sip.NewHeader("Supported", "timer"))
	}
	if cs.subject != "" {
		req.AppendHeader(sip.NewHeader("Subject", cs.subject))
	}
	for _, h := range o.headers {
		req.AppendHeader(h)
	}
	dialogpath.SetContent(req, o.contentType, o.body)
	d.SetLocalContent(dialogpath.NewBody(o.contentType, o.body))

	if cs.Auth().HasChallenge() {
		if err := cs.Auth().ApplyCredentials(req); err != nil {
			return nil, err
		}
	}
	d.SetInvite(req)
	return req, nil
}

// sendInvite отправляет INVITE и ждет окончательный ответ.
// 401/407 и 422 повторяются не более одного раза каждый. Возвращает 2xx или ошибку сессии.
func (cs *Session) sendInvite(ctx context.Context, o offer) (*sip.Response, *session.Error) {
	d := cs.Dialog()
	authRetried, minSERetried := false, false

	for {
		req, err := cs.buildInvite(o)
		if err != nil {
			return nil, session.Unexpected(errors.Wrap(err, "build INVITE"))
		}

		cs.Logger().Debug("chat.Session.sendInvite",
			slog.Uint64("cseq", uint64(d.CSeq())),
			slog.String("target", req.Recipient.String()))

		tctx, cancel := context.WithTimeout(ctx, cs.TransactionTimeout())
		res, err := cs.Transport().Request(tctx, req)
		cancel()
		if err != nil {
			return nil, &session.Error{
				Code:   session.SessionInitiationFailed,
				Reason: "INVITE transaction failed",
				Cause:  err,
			}
		}

		code := int(res.StatusCode)
		switch {
		case code >= 200 && code < 300:
			return res, nil

		case (code == 407 || code == 401) && !authRetried:
			authRetried = true
			if err := cs.Auth().OnChallenge(res); err != nil {
				return nil, session.Unexpected(err)
			}
			d.IncrementCseq()

		case code == 422 && !minSERetried:
			minSERetried = true
			h := res.GetHeader("Min-SE")
			if h == nil {
				return nil, session.Unexpected(errors.New("422 without Min-SE"))
			}
			minSE, err := dialogpath.ParseDeltaSeconds(h.Value())
			if err != nil {
				return nil, session.Unexpected(errors.Wrapf(err, "Min-SE %q", h.Value()))
			}
			d.SetSessionExpireTime(minSE)
			d.SetMinSE(minSE)
			d.IncrementCseq()

		default:
			return nil, session.ErrorFromResponse(code, res.Reason)
		}
	}
}

// established применяет 2xx на INVITE: ACK, разбор SDP ответа и открытие MSRP.
func (cs *Session) established(ctx context.Context, res *sip.Response) error {
	d := cs.Dialog()
	d.SignalingEstablished()
	d.UpdateFromResponse(res)

	if err := cs.Transport().Send(d.NewAck()); err != nil {
		return errors.Wrap(err, "send ACK")
	}
	d.SessionEstablished()

	sdpBody, _, err := SplitBody(dialogpath.ContentType(res), res.Body())
	if err != nil {
		return err
	}
	remote, err := ParseSDP(sdpBody)
	if err != nil {
		return err
	}
	if err := cs.openMsrp(ctx, remote, localIsActive(remote.Setup, true)); err != nil {
		return err
	}
	if err := cs.msrpSession().SendEmptyChunk(ctx); err != nil {
		return errors.Wrap(err, "send empty chunk")
	}
	return nil
}

// openMsrp открывает MSRP соединение. Ожидание пассивного соединения
// ограничено временем транзакции.
func (cs *Session) openMsrp(ctx context.Context, remote Endpoint, active bool) error {
	cctx, cancel := context.WithTimeout(ctx, cs.TransactionTimeout())
	ms, err := cs.svc.msrp.Connect(cctx, remote, active, cs)
	cancel()
	if err != nil {
		return errors.Wrapf(err, "connect msrp %s:%d", remote.Host, remote.Port)
	}
	ms.SetReportOptions(false, false)

	cs.mu.Lock()
	closed := cs.mediaClosed
	if !closed {
		cs.msrp = ms
	}
	cs.mu.Unlock()

	// сессия могла закрыться, пока шло соединение
	if closed {
		_ = ms.Close()
		return ErrNotEstablished
	}
	return nil
}

// byeAfterCancel закрывает диалог, если 2xx пришел после CANCEL (RFC 3261, 9.1)
func (cs *Session) byeAfterCancel(res *sip.Response) {
	d := cs.Dialog()
	d.SignalingEstablished()
	d.UpdateFromResponse(res)
	if err := cs.Transport().Send(d.NewAck()); err != nil {
		cs.Logger().Warn("chat.Session: ACK after cancel failed", slog.String("error", err.Error()))
	}
	d.IncrementCseq()
	ctx, cancel := context.WithTimeout(context.Background(), cs.TransactionTimeout())
	defer cancel()
	if _, err := cs.Transport().Request(ctx, d.NewRequest(sip.BYE)); err != nil {
		cs.Logger().Warn("chat.Session: BYE after cancel failed", slog.String("error", err.Error()))
	}
}

// startTimers запускает таймер сессии, если он согласован, и таймер неактивности
func (cs *Session) startTimers(msg interface{ GetHeader(string) sip.Header }, originating bool) {
	if cs.Dialog().IsSessionTerminated() {
		return
	}
	if expire, refresher, ok := dialogpath.SessionExpires(msg); ok && session.IsActivated(expire) {
		role := session.RoleFor(refresher, originating)
		if err := cs.StartSessionTimer(role, expire, cs.svc.timerOptions()...); err != nil {
			cs.Logger().Warn("chat.Session: session timer not started", slog.String("error", err.Error()))
		}
	}
	cs.activity.Start()
}

// runOriginating - общий сценарий исходящей сессии
func (cs *Session) runOriginating(ctx context.Context, o offer, onEstablished func(), onFailed func(*session.Error)) {
	res, serr := cs.sendInvite(ctx, o)
	if serr != nil {
		if cs.IsInterrupted() {
			return
		}
		if onFailed != nil {
			onFailed(serr)
		}
		cs.Fail(serr)
		return
	}
	if cs.IsInterrupted() {
		cs.byeAfterCancel(res)
		return
	}

	if err := cs.established(ctx, res); err != nil {
		serr := session.Unexpected(err)
		if onFailed != nil {
			onFailed(serr)
		}
		cs.Fail(serr)
		return
	}

	if onEstablished != nil {
		onEstablished()
	}
	cs.NotifyStarted()
	if cs.IsGroup() {
		cs.subscribeConference(ctx)
	}
	cs.startTimers(res, true)
}
