package dispatcher

import (
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/ims_session/pkg/session"
)

// SessionOwner - сервис, хранящий сессии в реестре
type SessionOwner interface {
	Registry() *session.Registry
}

// IMService - мгновенные сообщения. chat.Service удовлетворяет интерфейсу.
type IMService interface {
	SessionOwner
	IsActivated() bool
	ReceiveOneOneInvitation(req *sip.Request, tx session.Responder)
	ReceiveAdhocInvitation(req *sip.Request, tx session.Responder)
	ReceiveDeliveryStatus(req *sip.Request, tx session.Responder)
	ReceiveConferenceNotify(req *sip.Request)
}

// RichCallService - обмен видео и изображениями во время звонка
type RichCallService interface {
	SessionOwner
	IsActivated() bool
	// IsCallConnected сообщает, есть ли активный звонок
	IsCallConnected() bool
	ReceiveVideoSharingInvitation(req *sip.Request, tx session.Responder)
	ReceiveImageSharingInvitation(req *sip.Request, tx session.Responder)
	ReceiveCapabilityRequest(req *sip.Request, tx session.Responder)
}

type FileTransferService interface {
	SessionOwner
	ReceiveFileTransferInvitation(req *sip.Request, tx session.Responder)
}

type LargeMessageService interface {
	SessionOwner
	ReceiveLargeMessageInvitation(req *sip.Request, tx session.Responder)
}

type PresenceService interface {
	IsActivated() bool
	ReceiveWatcherInfoNotify(req *sip.Request)
	ReceivePresenceNotify(req *sip.Request)
}

// CapabilityService отвечает на OPTIONS и принимает анонимные presence NOTIFY
type CapabilityService interface {
	IsActivated() bool
	ReceiveCapabilityRequest(req *sip.Request, tx session.Responder)
	ReceiveAnonymousNotify(req *sip.Request)
}

// IntentBroadcaster передает запрос внешним обработчикам.
// Broadcast возвращает true, если кто-то взял запрос на себя.
type IntentBroadcaster interface {
	Broadcast(req *sip.Request, tx session.Responder) bool
}

// Services - сервисы, между которыми распределяются запросы.
// Незаданный сервис считается неактивным.
type Services struct {
	IM           IMService
	RichCall     RichCallService
	Presence     PresenceService
	Capability   CapabilityService
	FileTransfer FileTransferService
	LargeMessage LargeMessageService
}

func (s Services) owners() []SessionOwner {
	var out []SessionOwner
	if s.IM != nil {
		out = append(out, s.IM)
	}
	if s.RichCall != nil {
		out = append(out, s.RichCall)
	}
	if s.FileTransfer != nil {
		out = append(out, s.FileTransfer)
	}
	if s.LargeMessage != nil {
		out = append(out, s.LargeMessage)
	}
	return out
}

// findSession ищет сессию по Call-ID во всех реестрах
func (s Services) findSession(callID sip.CallIDHeader) (session.Handle, bool) {
	for _, o := range s.owners() {
		reg := o.Registry()
		if reg == nil {
			continue
		}
		if h, ok := reg.FindByCallID(callID); ok {
			return h, true
		}
	}
	return nil, false
}
