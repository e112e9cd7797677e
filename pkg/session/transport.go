package session

import (
	"context"

	"github.com/emiago/sipgo/sip"
)

// Transport - исходящая сторона SIP стека.
type Transport interface {
	// Request отправляет запрос в отдельной клиентской транзакции и ждет
	// окончательный ответ. Предварительные ответы поглощаются.
	// Ожидание ограничено контекстом.
	Request(ctx context.Context, req *sip.Request) (*sip.Response, error)
	// Send пишет запрос без транзакции (ACK на 2xx).
	Send(req *sip.Request) error
}

// Responder отвечает на входящий запрос. sip.ServerTransaction удовлетворяет интерфейсу.
type Responder interface {
	Respond(res *sip.Response) error
}

// CapabilityRequester запрашивает возможности удаленной стороны после ее ухода.
// Вызов асинхронный, результат ядру не нужен.
type CapabilityRequester interface {
	RequestCapabilities(contact sip.Uri)
}

// MediaCloser освобождает медиа ресурсы сессии (MSRP, подписки).
type MediaCloser interface {
	CloseMedia()
}
