package chat

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/ims_session/pkg/dialogpath"
	"github.com/arzzra/ims_session/pkg/session"
)

// newTerminating создает сессию из входящего INVITE.
// Ошибка означает, что предложение нельзя принять (нет MSRP или тело не разобрано).
func newTerminating(svc *Service, variant Variant, req *sip.Request, tx session.Responder) (*Session, error) {
	d, err := session.CreateTerminatingDialogPath(svc.settings, req)
	if err != nil {
		return nil, err
	}
	remote, list, err := remoteSDP(d)
	if err != nil {
		return nil, err
	}

	cs := newSession(svc, variant, d, d.RemoteParty(), tx)
	cs.remote = remote
	if h := req.GetHeader(headerContributionID); h != nil && h.Value() != "" {
		cs.contributionID = h.Value()
	}
	if h := req.GetHeader("Subject"); h != nil {
		cs.subject = h.Value()
	}

	if variant == Group {
		if list != nil {
			uris, err := ParseResourceList(list)
			if err != nil {
				return nil, err
			}
			for _, u := range uris {
				cs.participants.Add(stripURIHeaders(u))
			}
		}
	} else {
		remote := d.RemoteParty()
		cs.participants.Add(remote.String())
	}
	return cs, nil
}

// runTerminating - сценарий входящей сессии: 180, ожидание ответа пользователя, 200 и MSRP.
func (cs *Session) runTerminating(ctx context.Context) {
	if err := cs.RespondInvite(180, "Ringing", "", nil); err != nil {
		cs.Logger().Warn("chat.Session: 180 Ringing failed", slog.String("error", err.Error()))
	}

	switch cs.WaitInvitationAnswer() {
	case session.InvitationRejected:
		return
	case session.InvitationNotAnswered:
		if cs.IsInterrupted() || cs.IsClosed() {
			return
		}
		cs.Logger().Info("chat.Session: invitation not answered")
		if cs.Dialog().SessionTerminated() {
			if err := cs.RespondInvite(603, "Decline", "", nil); err != nil {
				cs.Logger().Warn("chat.Session: 603 failed", slog.String("error", err.Error()))
			}
		}
		cs.Abort(session.AbortTimeout)
		return
	}

	if cs.IsInterrupted() {
		return
	}
	if err := cs.accept(ctx); err != nil {
		cs.Fail(session.Unexpected(err))
		return
	}

	cs.NotifyStarted()
	if cs.IsGroup() {
		cs.subscribeConference(ctx)
	}
	cs.startTimers(cs.Dialog().Invite(), false)
}

// accept отвечает 200 OK с SDP ответом и открывает MSRP
func (cs *Session) accept(ctx context.Context) error {
	d := cs.Dialog()
	sdpBody, err := buildChatSDP(cs.svc.msrp.LocalEndpoint(), setupPassive)
	if err != nil {
		return err
	}
	d.SetLocalContent(dialogpath.NewBody(contentTypeSDP, sdpBody))

	var headers []sip.Header
	if expire, refresher, ok := dialogpath.SessionExpires(d.Invite()); ok && session.IsActivated(expire) {
		if refresher == "" {
			refresher = "uac"
		}
		headers = append(headers,
			sip.NewHeader("Session-Expires", strconv.Itoa(expire)+";refresher="+refresher),
			sip.NewHeader("Require", "timer"))
	}
	headers = append(headers, sip.NewHeader(headerContributionID, cs.contributionID))

	if err := cs.RespondInvite(200, "OK", contentTypeSDP, sdpBody, headers...); err != nil {
		return err
	}
	d.SignalingEstablished()

	if err := cs.openMsrp(ctx, cs.remote, localIsActive(cs.remote.Setup, false)); err != nil {
		return err
	}
	d.SessionEstablished()
	return nil
}
