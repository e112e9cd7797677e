package chat

import (
	"context"
	"log/slog"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/ims_session/pkg/dialogpath"
	"github.com/arzzra/ims_session/pkg/session"
)

// AddParticipants приглашает участников в чат.
// Для чата один-на-один создается групповая сессия (ExtendOneOne), для группового
// отправляется REFER в диалоге сессии. Результат REFER сообщается слушателям,
// возвращаются только локальные ошибки.
func (cs *Session) AddParticipants(ctx context.Context, participants []string) error {
	if !cs.IsGroup() {
		_, err := ExtendOneOne(cs.svc, cs, participants)
		return err
	}

	added := NewParticipants()
	for _, p := range participants {
		if !cs.participants.Contains(p) {
			added.Add(p)
		}
	}
	if added.Len() == 0 {
		return nil
	}
	if cs.participants.Len()+added.Len() > cs.Settings().Chat.MaxParticipants {
		return ErrTooManyParticipants
	}
	if !cs.Dialog().IsSessionEstablished() {
		return ErrNotEstablished
	}

	go cs.refer(ctx, added.List())
	return nil
}

// refer отправляет REFER с повтором после 407 не более одного раза
func (cs *Session) refer(ctx context.Context, participants []string) {
	d := cs.Dialog()
	log := cs.Logger().With(slog.Int("participants", len(participants)))

	authRetried := false
	for {
		d.IncrementCseq()
		req, err := cs.buildRefer(participants)
		if err != nil {
			cs.referFailed(session.NewAddParticipantFailed(0, err.Error()))
			return
		}

		tctx, cancel := context.WithTimeout(ctx, cs.TransactionTimeout())
		res, err := cs.Transport().Request(tctx, req)
		cancel()
		if err != nil {
			log.Warn("chat.Session.refer failed", slog.String("error", err.Error()))
			cs.referFailed(session.NewAddParticipantFailed(0, err.Error()))
			return
		}

		code := int(res.StatusCode)
		switch {
		case code >= 200 && code < 300:
			for _, p := range participants {
				cs.participants.Add(p)
			}
			log.Info("chat.Session.refer accepted", slog.Int("status", code))
			cs.Metrics().AddParticipant("ok")
			cs.forEachChatListener(func(l Listener) { l.HandleAddParticipantSuccessful() })
			return

		case code == 407 && !authRetried:
			authRetried = true
			if err := cs.Auth().OnChallenge(res); err != nil {
				cs.referFailed(session.NewAddParticipantFailed(code, err.Error()))
				return
			}

		default:
			log.Info("chat.Session.refer rejected", slog.Int("status", code))
			cs.referFailed(session.NewAddParticipantFailed(code, res.Reason))
			return
		}
	}
}

// referFailed сообщает слушателям причину. Сессия продолжает работу.
func (cs *Session) referFailed(serr *session.Error) {
	cs.Logger().Info("chat.Session.referFailed", slog.String("error", serr.Error()))
	cs.Metrics().AddParticipant("failed")
	cs.forEachChatListener(func(l Listener) { l.HandleAddParticipantFailed(serr.Reason) })
}

func (cs *Session) buildRefer(participants []string) (*sip.Request, error) {
	d := cs.Dialog()
	req := d.NewRequest(sip.REFER)

	req.AppendHeader(sip.NewHeader("Refer-Sub", "false"))
	req.AppendHeader(sip.NewHeader("Referred-By", "<"+cs.Settings().User.PublicURI+">"))
	req.AppendHeader(sip.NewHeader("Accept-Contact", "*;"+featureTagIM))
	req.AppendHeader(sip.NewHeader(headerContributionID, cs.contributionID))

	if len(participants) == 1 {
		req.AppendHeader(sip.NewHeader("Refer-To", "<"+normalize(participants[0])+">"))
	} else {
		list, err := BuildResourceList(participants)
		if err != nil {
			return nil, err
		}
		cid := strings.ReplaceAll(uuid.NewString(), "-", "") + "@" + cs.Settings().PublicURI().Host
		req.AppendHeader(sip.NewHeader("Require", "multiple-refer"))
		req.AppendHeader(sip.NewHeader("Supported", "norefersub"))
		req.AppendHeader(sip.NewHeader("Refer-To", "<cid:"+cid+">"))
		req.AppendHeader(sip.NewHeader("Content-ID", "<"+cid+">"))
		req.AppendHeader(sip.NewHeader("Content-Disposition", "recipient-list"))
		dialogpath.SetContent(req, contentTypeResourceList, list)
	}

	if cs.Auth().HasChallenge() {
		if err := cs.Auth().ApplyCredentials(req); err != nil {
			return nil, err
		}
	}
	return req, nil
}
