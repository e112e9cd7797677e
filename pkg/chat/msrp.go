package chat

import (
	"context"
)

// Endpoint - адрес MSRP стороны из SDP
type Endpoint struct {
	Host string
	Port int
	Path string
	// Setup - атрибут a=setup (active, passive, actpass)
	Setup string
}

// DataHandler получает данные из MSRP сессии
type DataHandler interface {
	ReceiveChunk(data []byte, contentType string)
	TransferError(err error)
}

// MsrpConnector создает MSRP сессии. Реализация транспорта находится вне ядра.
type MsrpConnector interface {
	// LocalEndpoint возвращает локальный адрес для SDP предложения или ответа
	LocalEndpoint() Endpoint
	// Connect открывает сессию к remote. active задает, кто устанавливает TCP соединение.
	Connect(ctx context.Context, remote Endpoint, active bool, handler DataHandler) (MsrpSession, error)
}

// MsrpSession - открытая MSRP сессия
type MsrpSession interface {
	SendChunks(ctx context.Context, data []byte, contentType string, messageID string) error
	// SendEmptyChunk отправляет пустой SEND для подтверждения сессии
	SendEmptyChunk(ctx context.Context) error
	SetReportOptions(failure, success bool)
	Close() error
}
