package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/looplab/fsm"
)

// InvitationStatus - ответ пользователя на входящее приглашение
type InvitationStatus string

const (
	InvitationNotAnswered InvitationStatus = "NOT_ANSWERED"
	InvitationAccepted    InvitationStatus = "ACCEPTED"
	InvitationRejected    InvitationStatus = "REJECTED"
)

const (
	eventAccept = "accept"
	eventReject = "reject"
)

// newInvitationFSM создает автомат ответа на приглашение.
// Из NOT_ANSWERED возможен ровно один переход, onAnswer вызывается после него.
func newInvitationFSM(onAnswer func()) *fsm.FSM {
	return fsm.NewFSM(
		string(InvitationNotAnswered),
		fsm.Events{
			{Name: eventAccept, Src: []string{string(InvitationNotAnswered)}, Dst: string(InvitationAccepted)},
			{Name: eventReject, Src: []string{string(InvitationNotAnswered)}, Dst: string(InvitationRejected)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				slog.Debug("Invitation.Transition",
					slog.String("from", e.Src),
					slog.String("to", e.Dst))
				onAnswer()
			},
		},
	)
}

// InvitationStatus возвращает текущий ответ пользователя
func (s *Session) InvitationStatus() InvitationStatus {
	return InvitationStatus(s.invitation.Current())
}

// Accept принимает приглашение. Возвращает false, если ответ уже был дан.
func (s *Session) Accept() bool {
	if err := s.invitation.Event(context.Background(), eventAccept); err != nil {
		s.log.Debug("Session.Accept ignored", slog.String("error", err.Error()))
		return false
	}
	return true
}

// Reject отклоняет приглашение ответом 603 и удаляет сессию.
// Возвращает false, если ответ уже был дан.
func (s *Session) Reject() bool {
	if err := s.invitation.Event(context.Background(), eventReject); err != nil {
		s.log.Debug("Session.Reject ignored", slog.String("error", err.Error()))
		return false
	}
	s.rejectInvite()
	return true
}

func (s *Session) rejectInvite() {
	if !s.dialog.SessionTerminated() {
		return
	}
	s.stopTimer()
	s.respondInvite(603, "Decline")
	s.remove(outcomeRejected)
}

// WaitInvitationAnswer ждет ответа пользователя не дольше периода вызова.
// Возвращает NOT_ANSWERED по таймауту или при прерывании сессии.
func (s *Session) WaitInvitationAnswer() InvitationStatus {
	timer := time.NewTimer(s.RingingPeriod())
	defer timer.Stop()

	select {
	case <-s.answered:
	case <-s.ctx.Done():
	case <-timer.C:
	}
	return s.InvitationStatus()
}

// wakeWaiters освобождает всех, кто ждет ответа на приглашение
func (s *Session) wakeWaiters() {
	s.answerOnce.Do(func() { close(s.answered) })
}
