package chat

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/arzzra/ims_session/pkg/cpim"
)

// SendText отправляет текстовое сообщение и возвращает его идентификатор.
// Групповой чат и чат с IMDN используют CPIM конверт, остальные - text/plain.
// Пустой текст не отправляется.
func (cs *Session) SendText(ctx context.Context, text string) (string, error) {
	if text == "" {
		return "", ErrEmptyText
	}
	msgID := cpim.NewMessageID()
	from, to := cs.Settings().User.PublicURI, cs.remoteContact()

	switch {
	case cs.imdn:
		data := cpim.BuildMessageWithImdn(from, to, msgID, text, cpim.TextPlain)
		return msgID, cs.sendData(ctx, []byte(data), cpim.MimeType, msgID)
	case cs.IsGroup():
		data := cpim.BuildMessage(from, to, text, cpim.TextPlain)
		return msgID, cs.sendData(ctx, []byte(data), cpim.MimeType, msgID)
	default:
		return msgID, cs.sendData(ctx, []byte(text), cpim.TextPlain, msgID)
	}
}

// SendIsComposing сообщает собеседникам о наборе текста.
// В групповом чате документ передается в CPIM конверте.
func (cs *Session) SendIsComposing(ctx context.Context, active bool) error {
	doc := cpim.BuildIsComposing(active)
	if cs.IsGroup() {
		data := cpim.BuildMessage(cs.Settings().User.PublicURI, cs.remoteContact(), doc, cpim.IsComposingType)
		return cs.sendData(ctx, []byte(data), cpim.MimeType, cpim.NewMessageID())
	}
	return cs.sendData(ctx, []byte(doc), cpim.IsComposingType, cpim.NewMessageID())
}

func (cs *Session) remoteContact() string {
	contact := cs.RemoteContact()
	return contact.String()
}

// SendDisplayedReport отправляет уведомление о прочтении сообщения msgID
func (cs *Session) SendDisplayedReport(ctx context.Context, contact, msgID string) error {
	return cs.sendReport(ctx, contact, msgID, cpim.StatusDisplayed)
}

func (cs *Session) sendReport(ctx context.Context, contact, msgID, status string) error {
	imdn, err := cpim.BuildImdn(msgID, status)
	if err != nil {
		return err
	}
	reportID := cpim.NewMessageID()
	data := cpim.BuildDeliveryReport(cs.Settings().User.PublicURI, contact, reportID, imdn)
	return cs.sendData(ctx, []byte(data), cpim.MimeType, reportID)
}

func (cs *Session) sendData(ctx context.Context, data []byte, contentType, msgID string) error {
	cs.activity.Restart()

	ms := cs.msrpSession()
	if ms == nil || !cs.Dialog().IsSessionEstablished() || cs.IsClosed() {
		return ErrNotEstablished
	}
	if err := ms.SendChunks(ctx, data, contentType, msgID); err != nil {
		err = errors.Wrapf(err, "send %s", contentType)
		cs.Logger().Warn("chat.Session.sendData failed", slog.String("error", err.Error()))
		cs.forEachChatListener(func(l Listener) { l.HandleMessageTransferFailed(err) })
		return err
	}
	return nil
}

// ReceiveChunk обрабатывает данные из MSRP сессии
func (cs *Session) ReceiveChunk(data []byte, contentType string) {
	cs.activity.Restart()
	if len(data) == 0 {
		return
	}

	contact := cs.remoteContact()
	switch {
	case cpim.IsComposing(contentType):
		cs.receiveIsComposing(contact, data)

	case cpim.IsTextPlain(contentType):
		msg := InstantMessage{ID: cpim.NewMessageID(), From: contact, Text: string(data)}
		cs.forEachChatListener(func(l Listener) { l.HandleMessageReceived(msg) })

	case cpim.IsCPIM(contentType):
		cs.receiveCPIM(data)

	default:
		cs.Logger().Debug("chat.Session.ReceiveChunk: unsupported content",
			slog.String("contentType", contentType))
	}
}

func (cs *Session) receiveIsComposing(contact string, data []byte) {
	active, err := cpim.ParseIsComposing(data)
	if err != nil {
		cs.Logger().Debug("chat.Session: bad isComposing", slog.String("error", err.Error()))
		return
	}
	cs.forEachChatListener(func(l Listener) { l.HandleIsComposing(contact, active) })
}

func (cs *Session) receiveCPIM(data []byte) {
	msg, err := cpim.Parse(data)
	if err != nil {
		cs.Logger().Debug("chat.Session: bad cpim", slog.String("error", err.Error()))
		return
	}
	from := msg.From()
	if from == "" {
		from = cs.remoteContact()
	}

	inner := msg.ContentType()
	switch {
	case cpim.IsComposing(inner):
		cs.receiveIsComposing(from, msg.Content)

	case cpim.IsImdn(inner):
		report, err := cpim.ParseImdn(msg.Content)
		if err != nil {
			cs.Logger().Debug("chat.Session: bad imdn", slog.String("error", err.Error()))
			return
		}
		cs.forEachChatListener(func(l Listener) {
			l.HandleMessageDeliveryStatus(report.MessageID, from, report.Status)
		})

	case cpim.IsTextPlain(inner):
		msgID := msg.MessageID()
		delivery, display := msg.DispositionRequested()
		if delivery && msgID != "" {
			if err := cs.sendReport(cs.Context(), from, msgID, cpim.StatusDelivered); err != nil {
				cs.Logger().Warn("chat.Session: delivery report failed", slog.String("error", err.Error()))
			}
		}
		if msgID == "" {
			msgID = cpim.NewMessageID()
		}
		im := InstantMessage{ID: msgID, From: from, Text: string(msg.Content), DisplayRequested: display}
		cs.forEachChatListener(func(l Listener) { l.HandleMessageReceived(im) })

	default:
		cs.Logger().Debug("chat.Session: unsupported cpim content", slog.String("contentType", inner))
	}
}

// TransferError сообщает об ошибке MSRP передачи
func (cs *Session) TransferError(err error) {
	cs.Logger().Warn("chat.Session.TransferError", slog.String("error", err.Error()))
	cs.forEachChatListener(func(l Listener) { l.HandleMessageTransferFailed(err) })
}
