package main

import (
	"log/slog"

	"github.com/arzzra/ims_session/pkg/capability"
	"github.com/arzzra/ims_session/pkg/chat"
	"github.com/arzzra/ims_session/pkg/cpim"
	"github.com/arzzra/ims_session/pkg/session"
)

// console пишет события сервисов и сессий в лог
type console struct {
	accept bool
}

func (c *console) HandleChatInvitation(cs *chat.Session) {
	remote := cs.RemoteContact()
	slog.Info("Входящий чат",
		slog.String("session", cs.ID()),
		slog.String("from", remote.String()),
		slog.String("subject", cs.Subject()),
		slog.Bool("group", cs.IsGroup()))
	cs.AddListener(c)
	if c.accept {
		cs.Accept()
	}
}

func (c *console) HandleDeliveryStatus(contact string, report *cpim.Report) {
	slog.Info("Отчет о доставке",
		slog.String("contact", contact),
		slog.String("messageID", report.MessageID),
		slog.String("status", report.Status))
}

func (c *console) HandleCapabilities(contact string, caps capability.Capabilities) {
	slog.Info("Возможности контакта",
		slog.String("contact", contact),
		slog.Bool("chat", caps.IMSession),
		slog.Bool("fileTransfer", caps.FileTransfer))
}

func (c *console) HandleSessionStarted() {
	slog.Info("Сессия установлена")
}

func (c *console) HandleSessionAborted(reason session.AbortReason) {
	slog.Info("Сессия прервана", slog.String("reason", reason.String()))
}

func (c *console) HandleSessionTerminatedByRemote() {
	slog.Info("Сессия завершена собеседником")
}

func (c *console) HandleSessionError(err *session.Error) {
	slog.Warn("Ошибка сессии", slog.String("error", err.Error()))
}

func (c *console) HandleAddParticipantSuccessful() {}

func (c *console) HandleAddParticipantFailed(reason string) {
	slog.Warn("Участник не добавлен", slog.String("reason", reason))
}

func (c *console) HandleMessageReceived(msg chat.InstantMessage) {
	slog.Info("Сообщение", slog.String("from", msg.From), slog.String("text", msg.Text))
}

func (c *console) HandleIsComposing(contact string, active bool) {
	slog.Debug("Набор текста", slog.String("contact", contact), slog.Bool("active", active))
}

func (c *console) HandleMessageDeliveryStatus(messageID, contact, status string) {
	slog.Info("Статус сообщения",
		slog.String("messageID", messageID),
		slog.String("contact", contact),
		slog.String("status", status))
}

func (c *console) HandleMessageTransferFailed(err error) {
	slog.Warn("Сообщение не передано", slog.String("error", err.Error()))
}

func (c *console) HandleConferenceEvent(contact, state string) {
	slog.Info("Конференция", slog.String("contact", contact), slog.String("state", state))
}

var (
	_ chat.ServiceListener = (*console)(nil)
	_ chat.Listener        = (*console)(nil)
	_ capability.Listener  = (*console)(nil)
)
