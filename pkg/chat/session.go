// Package chat реализует RCS чат поверх session: сессии один-на-один и групповые,
// добавление участников, обмен сообщениями по MSRP и подписку на события конференции.
package chat

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/arzzra/ims_session/pkg/dialogpath"
	"github.com/arzzra/ims_session/pkg/session"
)

// Variant - вид чата
type Variant int

const (
	OneToOne Variant = iota
	Group
)

func (v Variant) String() string {
	if v == Group {
		return "group-chat"
	}
	return "chat"
}

var (
	ErrNotEstablished      = errors.New("chat session is not established")
	ErrTooManyParticipants = errors.New("too many participants")
	ErrNotActivated        = errors.New("instant messaging service is not activated")
	ErrEmptyText           = errors.New("empty message text")
)

// InstantMessage - входящее текстовое сообщение
type InstantMessage struct {
	ID   string
	From string
	Text string
	// DisplayRequested - отправитель ждет уведомления о прочтении
	DisplayRequested bool
}

// Listener получает события чата в дополнение к событиям сессии
type Listener interface {
	session.Listener
	HandleAddParticipantSuccessful()
	HandleAddParticipantFailed(reason string)
	HandleMessageReceived(msg InstantMessage)
	HandleIsComposing(contact string, active bool)
	HandleMessageDeliveryStatus(messageID, contact, status string)
	HandleMessageTransferFailed(err error)
	HandleConferenceEvent(contact, state string)
}

// Session - чат сессия. Встраивает session.Session и регистрируется в реестре сервиса вместо нее.
type Session struct {
	*session.Session

	svc            *Service
	variant        Variant
	participants   *Participants
	subject        string
	contributionID string
	imdn           bool
	activity       *ActivityManager

	// remote - MSRP адрес удаленной стороны из входящего предложения
	remote Endpoint

	mu          sync.Mutex
	msrp        MsrpSession
	conference  *ConferenceSubscriber
	mediaClosed bool
}

func newContributionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func newSession(svc *Service, variant Variant, d *dialogpath.DialogPath, remote sip.Uri, inviteTx session.Responder) *Session {
	cfg := session.Config{
		Kind:          variant.String(),
		Dialog:        d,
		Transport:     svc.transport,
		Registry:      svc.registry,
		Metrics:       svc.metrics,
		Settings:      svc.settings,
		RemoteContact: remote,
		InviteTx:      inviteTx,
	}
	// после ухода участника конференции запрашивать нечего
	if variant == OneToOne {
		cfg.Capability = svc.capability
	}

	cs := &Session{
		Session:        session.New(cfg),
		svc:            svc,
		variant:        variant,
		participants:   NewParticipants(),
		contributionID: newContributionID(),
		imdn:           svc.settings.Chat.IMDN,
	}
	cs.activity = NewActivityManager(svc.settings.Chat.IdleDuration, cs.idle, svc.scheduler)
	cs.SetHandle(cs)
	cs.SetMedia(cs)
	return cs
}

func (cs *Session) Variant() Variant {
	return cs.variant
}

func (cs *Session) IsGroup() bool {
	return cs.variant == Group
}

func (cs *Session) Subject() string {
	return cs.subject
}

func (cs *Session) ContributionID() string {
	return cs.contributionID
}

// Participants возвращает участников сессии
func (cs *Session) Participants() []string {
	return cs.participants.List()
}

// ActivityManager возвращает таймер неактивности сессии
func (cs *Session) ActivityManager() *ActivityManager {
	return cs.activity
}

// Conference возвращает подписку на события конференции или nil
func (cs *Session) Conference() *ConferenceSubscriber {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.conference
}

func (cs *Session) msrpSession() MsrpSession {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.msrp
}

func (cs *Session) idle() {
	cs.Abort(session.AbortIdle)
}

// CloseMedia останавливает таймер неактивности, снимает подписку на конференцию
// и закрывает MSRP сессию
func (cs *Session) CloseMedia() {
	cs.activity.Stop()

	cs.mu.Lock()
	ms, conf := cs.msrp, cs.conference
	cs.msrp = nil
	cs.mediaClosed = true
	cs.mu.Unlock()

	if conf != nil {
		conf.Terminate()
	}
	if ms != nil {
		if err := ms.Close(); err != nil {
			cs.Logger().Warn("chat.Session.CloseMedia: msrp close failed", slog.String("error", err.Error()))
		}
	}
}

// forEachChatListener вызывает f для слушателей, реализующих Listener
func (cs *Session) forEachChatListener(f func(Listener)) {
	cs.ForEachListener(func(l session.Listener) {
		if cl, ok := l.(Listener); ok {
			f(cl)
		}
	})
}

func addListeners(cs *Session, listeners []Listener) {
	for _, l := range listeners {
		cs.AddListener(l)
	}
}
