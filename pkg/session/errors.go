package session

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCode - класс ошибки, о которой сообщается слушателям
type ErrorCode string

const (
	// SessionInitiationFailed - окончательный ответ не 2xx
	SessionInitiationFailed ErrorCode = "SessionInitiationFailed"
	// SessionInitiationDeclined - удаленная сторона отклонила приглашение
	SessionInitiationDeclined ErrorCode = "SessionInitiationDeclined"
	// SessionInitiationCancelled - приглашение отменено (487)
	SessionInitiationCancelled ErrorCode = "SessionInitiationCancelled"
	// UnexpectedException - локальная ошибка во время согласования
	UnexpectedException ErrorCode = "UnexpectedException"
	// AddParticipantFailed - ошибка REFER, на жизненный цикл сессии не влияет
	AddParticipantFailed ErrorCode = "AddParticipantFailed"
)

func (c ErrorCode) String() string {
	return string(c)
}

var (
	ErrAlreadyRegistered = errors.New("session already registered")
	ErrAlreadyStarted    = errors.New("session already started")
	ErrTimerStopped      = errors.New("session timer stopped, restart is not supported")
	ErrTimerStarted      = errors.New("session timer already started")
)

// Error - ошибка сессии, доставляемая слушателям.
type Error struct {
	Code ErrorCode
	// StatusCode - код SIP ответа, если ошибка вызвана ответом
	StatusCode int
	Reason     string
	Cause      error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("[%s] %d %s", e.Code, e.StatusCode, e.Reason)
	case e.Cause != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Reason, e.Cause)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Reason)
	}
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func NewError(code ErrorCode, statusCode int, reason string) *Error {
	return &Error{Code: code, StatusCode: statusCode, Reason: reason}
}

func InitiationFailed(statusCode int, reason string) *Error {
	return NewError(SessionInitiationFailed, statusCode, reason)
}

func InitiationDeclined(statusCode int, reason string) *Error {
	return NewError(SessionInitiationDeclined, statusCode, reason)
}

func InitiationCancelled() *Error {
	return NewError(SessionInitiationCancelled, 487, "Request Terminated")
}

// Unexpected оборачивает локальную ошибку
func Unexpected(err error) *Error {
	msg := "unexpected error"
	if err != nil {
		msg = err.Error()
	}
	return &Error{Code: UnexpectedException, Reason: msg, Cause: err}
}

// NewAddParticipantFailed - ошибка приглашения участника. statusCode 0 для локальной ошибки.
func NewAddParticipantFailed(statusCode int, reason string) *Error {
	return NewError(AddParticipantFailed, statusCode, reason)
}

// ErrorFromResponse классифицирует окончательный ответ на приглашение
func ErrorFromResponse(statusCode int, reason string) *Error {
	switch statusCode {
	case 486, 480, 603:
		return InitiationDeclined(statusCode, reason)
	case 487:
		return InitiationCancelled()
	default:
		return InitiationFailed(statusCode, reason)
	}
}

// AbortReason - причина локального прерывания сессии
type AbortReason int

const (
	AbortUser AbortReason = iota
	AbortTimeout
	AbortSessionTimer
	AbortIdle
	AbortSystem
)

func (r AbortReason) String() string {
	switch r {
	case AbortUser:
		return "user"
	case AbortTimeout:
		return "timeout"
	case AbortSessionTimer:
		return "session-timer"
	case AbortIdle:
		return "idle"
	case AbortSystem:
		return "system"
	}
	return "unknown"
}
