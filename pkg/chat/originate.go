package chat

import (
	"context"
	"log/slog"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/arzzra/ims_session/pkg/dialogpath"
	"github.com/arzzra/ims_session/pkg/session"
)

// OriginateOneOne создает и запускает исходящий чат один-на-один.
// firstMessage, если не пуст, отправляется сразу после открытия MSRP.
func OriginateOneOne(svc *Service, contact sip.Uri, firstMessage string, listeners ...Listener) (*Session, error) {
	if !svc.IsActivated() {
		return nil, ErrNotActivated
	}
	d := session.CreateOriginatingDialogPath(svc.settings, contact)
	cs := newSession(svc, OneToOne, d, contact, nil)
	cs.participants.Add(contact.String())
	addListeners(cs, listeners)

	sdpBody, err := buildChatSDP(svc.msrp.LocalEndpoint(), setupActive)
	if err != nil {
		return nil, err
	}
	o := offer{contentType: contentTypeSDP, body: sdpBody}

	err = cs.Start(func(ctx context.Context) {
		cs.runOriginating(ctx, o, nil, nil)
		if firstMessage != "" && cs.Dialog().IsSessionEstablished() && !cs.IsClosed() {
			if _, err := cs.SendText(ctx, firstMessage); err != nil {
				cs.Logger().Warn("chat.OriginateOneOne: first message failed", slog.String("error", err.Error()))
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return cs, nil
}

// OriginateAdhoc создает групповой чат через фабрику конференций
func OriginateAdhoc(svc *Service, participants []string, subject string, listeners ...Listener) (*Session, error) {
	if !svc.IsActivated() {
		return nil, ErrNotActivated
	}
	if len(participants) == 0 {
		return nil, errors.New("no participants")
	}
	if len(participants) > svc.settings.Chat.MaxParticipants {
		return nil, ErrTooManyParticipants
	}
	list, err := BuildResourceList(participants)
	if err != nil {
		return nil, err
	}

	factory := svc.settings.ConferenceURI()
	d := session.CreateOriginatingDialogPath(svc.settings, factory)
	cs := newSession(svc, Group, d, factory, nil)
	cs.subject = subject
	for _, p := range participants {
		cs.participants.Add(p)
	}
	addListeners(cs, listeners)

	o, err := cs.groupOffer(list)
	if err != nil {
		return nil, err
	}

	if err := cs.Start(func(ctx context.Context) { cs.runOriginating(ctx, o, nil, nil) }); err != nil {
		return nil, err
	}
	return cs, nil
}

// ExtendOneOne переводит чат один-на-один в групповой с новыми участниками.
// Результат сообщается слушателям исходной сессии.
func ExtendOneOne(svc *Service, oneOne *Session, participants []string, listeners ...Listener) (*Session, error) {
	if !svc.IsActivated() {
		return nil, ErrNotActivated
	}
	existing := oneOne.remoteContact()
	all := NewParticipants(existing)
	for _, p := range participants {
		all.Add(p)
	}
	if all.Len() > svc.settings.Chat.MaxParticipants {
		return nil, ErrTooManyParticipants
	}

	list, err := BuildExtendedResourceList(existing, oneOne.ContributionID(), participants)
	if err != nil {
		return nil, err
	}

	factory := svc.settings.ConferenceURI()
	d := session.CreateOriginatingDialogPath(svc.settings, factory)
	cs := newSession(svc, Group, d, factory, nil)
	cs.participants = all
	addListeners(cs, listeners)

	o, err := cs.groupOffer(list)
	if err != nil {
		return nil, err
	}

	onEstablished := func() {
		svc.metrics.AddParticipant("ok")
		oneOne.forEachChatListener(func(l Listener) { l.HandleAddParticipantSuccessful() })
	}
	onFailed := func(serr *session.Error) {
		svc.metrics.AddParticipant("failed")
		oneOne.forEachChatListener(func(l Listener) { l.HandleAddParticipantFailed(serr.Error()) })
	}

	err = cs.Start(func(ctx context.Context) { cs.runOriginating(ctx, o, onEstablished, onFailed) })
	if err != nil {
		return nil, err
	}
	return cs, nil
}

// groupOffer собирает multipart предложение: SDP и список получателей
func (cs *Session) groupOffer(list []byte) (offer, error) {
	if list == nil {
		return offer{}, errors.New("empty resource list")
	}
	sdpBody, err := buildChatSDP(cs.svc.msrp.LocalEndpoint(), setupActive)
	if err != nil {
		return offer{}, err
	}
	body, contentType, err := BuildMultipart(sdpBody, list)
	if err != nil {
		return offer{}, err
	}
	return offer{
		contentType: contentType,
		body:        body,
		headers:     []sip.Header{sip.NewHeader("Require", "recipient-list-invite")},
	}, nil
}

// subscribeConference подписывает групповую сессию на события конференции
func (cs *Session) subscribeConference(ctx context.Context) {
	sub := newConferenceSubscriber(cs)
	cs.mu.Lock()
	if cs.mediaClosed {
		cs.mu.Unlock()
		return
	}
	cs.conference = sub
	cs.mu.Unlock()

	if err := sub.Subscribe(ctx); err != nil {
		cs.Logger().Warn("chat.Session: conference subscription failed", slog.String("error", err.Error()))
	}
}

// remoteSDP возвращает SDP удаленной стороны из тела входящего INVITE
func remoteSDP(d *dialogpath.DialogPath) (Endpoint, []byte, error) {
	body := d.RemoteContent()
	sdpBody, list, err := SplitBody(body.ContentType(), body.Content())
	if err != nil {
		return Endpoint{}, nil, err
	}
	ep, err := ParseSDP(sdpBody)
	if err != nil {
		return Endpoint{}, nil, err
	}
	return ep, list, nil
}
