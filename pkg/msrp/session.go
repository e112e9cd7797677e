package msrp

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/arzzra/ims_session/pkg/chat"
)

var (
	ErrSessionClosed = errors.New("msrp: session closed")
	ErrEmptyMessage  = errors.New("msrp: empty message")

	// errDiscarded - кусок сообщения, отброшенного ранее
	errDiscarded = errors.New("msrp: message discarded")
)

// maxPartial - предел одновременно собираемых сообщений
const maxPartial = 16

// delivery - собранное сообщение или ошибка чтения для обработчика
type delivery struct {
	data        []byte
	contentType string
	err         error
}

// session - MSRP сессия на одном TCP соединении
type session struct {
	conn       net.Conn
	r          *bufio.Reader
	localPath  string
	remotePath string
	chunkSize  int
	handler    chat.DataHandler

	writeMu sync.Mutex

	mu            sync.Mutex
	failureReport bool
	successReport bool
	pending       map[string]chan *Message
	// partial - собираемые сообщения по Message-ID. nil - сообщение
	// отброшено, остальные его куски игнорируются до последнего
	partial map[string]*bytes.Buffer

	// inbox отделяет обработчик от чтения: обработчик может отправлять
	// данные и ждать ответ, который читает readLoop
	inbox  chan delivery
	closed atomic.Bool
	done   chan struct{}
	log    *slog.Logger
}

func (c *Connector) newSession(conn net.Conn, r *bufio.Reader, remotePath string, h chat.DataHandler, first *Message) *session {
	s := &session{
		conn:          conn,
		r:             r,
		localPath:     c.localPath,
		remotePath:    remotePath,
		chunkSize:     c.chunkSize,
		handler:       h,
		failureReport: true,
		pending:       make(map[string]chan *Message),
		partial:       make(map[string]*bytes.Buffer),
		inbox:         make(chan delivery, 64),
		done:          make(chan struct{}),
		log:           c.log.With(slog.String("remote", remotePath)),
	}
	go s.deliverLoop()
	go s.readLoop(first)
	return s
}

func (s *session) SetReportOptions(failure, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureReport = failure
	s.successReport = success
}

// SendChunks отправляет данные кусками не больше chunkSize. Если запрошены
// отчеты об ошибках, каждый кусок ждет ответ 200. Пустые данные не отправляются:
// для них есть SendEmptyChunk.
func (s *session) SendChunks(ctx context.Context, data []byte, contentType string, messageID string) error {
	total := len(data)
	if total == 0 {
		return ErrEmptyMessage
	}
	for start := 0; start < total; start += s.chunkSize {
		end := min(start+s.chunkSize, total)
		flag := byte(FlagContinue)
		if end == total {
			flag = FlagEnd
		}
		m := s.newSend(messageID)
		m.ContentType = contentType
		m.ByteRange = byteRange(start+1, end, total)
		m.Body = data[start:end]
		m.Flag = flag
		if err := s.transact(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// SendEmptyChunk отправляет SEND без тела
func (s *session) SendEmptyChunk(ctx context.Context) error {
	m := s.newSend(newID())
	m.ByteRange = byteRange(1, 0, 0)
	return s.transact(ctx, m)
}

func (s *session) newSend(messageID string) *Message {
	s.mu.Lock()
	failure, success := s.failureReport, s.successReport
	s.mu.Unlock()

	m := &Message{
		TransactionID: newID(),
		Method:        MethodSend,
		ToPath:        s.remotePath,
		FromPath:      s.localPath,
		MessageID:     messageID,
	}
	if !failure {
		m.FailureReport = "no"
	}
	if success {
		m.SuccessReport = "yes"
	}
	return m
}

func (s *session) transact(ctx context.Context, m *Message) error {
	if m.FailureReport == "no" {
		return s.write(m)
	}

	ch := make(chan *Message, 1)
	s.mu.Lock()
	s.pending[m.TransactionID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, m.TransactionID)
		s.mu.Unlock()
	}()

	if err := s.write(m); err != nil {
		return err
	}
	select {
	case res := <-ch:
		if res.Status != 200 {
			return errors.Errorf("msrp: SEND answered %d %s", res.Status, res.Comment)
		}
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) write(m *Message) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(m.Bytes()); err != nil {
		return errors.Wrap(err, "msrp: write")
	}
	return nil
}

func (s *session) readLoop(first *Message) {
	defer close(s.done)
	defer close(s.inbox)

	if first != nil {
		s.receive(first)
	}
	for {
		m, err := ReadMessage(s.r)
		if err != nil {
			if s.closed.Load() {
				return
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.inbox <- delivery{err: errors.Wrap(err, "msrp: read")}
			}
			s.log.Debug("session.readLoop finished", slog.String("error", err.Error()))
			return
		}
		s.receive(m)
	}
}

func (s *session) receive(m *Message) {
	if m.IsResponse() {
		s.mu.Lock()
		ch, ok := s.pending[m.TransactionID]
		s.mu.Unlock()
		if ok {
			select {
			case ch <- m:
			default:
			}
		}
		return
	}

	switch m.Method {
	case MethodSend:
		data, complete, err := s.assemble(m)
		if m.FailureReport != "no" {
			if err != nil {
				s.reply(m, 413, "Message Too Large")
			} else {
				s.reply(m, 200, "OK")
			}
		}
		switch {
		case errors.Is(err, errDiscarded):
		case err != nil:
			s.inbox <- delivery{err: err}
		case complete:
			s.inbox <- delivery{data: data, contentType: m.ContentType}
		}
	case MethodReport:
	default:
		s.reply(m, 501, "Not Implemented")
	}
}

// assemble добавляет кусок к собираемому сообщению и на последнем куске
// возвращает сообщение целиком. Сообщение больше maxBody отбрасывается.
func (s *session) assemble(m *Message) ([]byte, bool, error) {
	id := m.MessageID
	buf, ok := s.partial[id]
	last := m.Flag != FlagContinue

	switch {
	case m.Flag == FlagInterrupted:
		delete(s.partial, id)
		return nil, false, nil

	case ok && buf == nil:
		if last {
			delete(s.partial, id)
		}
		return nil, false, errDiscarded

	case !ok && last:
		return m.Body, true, nil

	case !ok && len(s.partial) >= maxPartial:
		return nil, false, errors.Wrapf(ErrMessageTooLarge, "message %s: %d messages in progress", id, len(s.partial))
	}

	size := len(m.Body)
	if buf != nil {
		size += buf.Len()
	}
	if size > maxBody {
		if last {
			delete(s.partial, id)
		} else {
			s.partial[id] = nil
		}
		return nil, false, errors.Wrapf(ErrMessageTooLarge, "message %s: over %d bytes", id, maxBody)
	}

	if buf == nil {
		buf = &bytes.Buffer{}
		s.partial[id] = buf
	}
	buf.Write(m.Body)
	if !last {
		return nil, false, nil
	}
	delete(s.partial, id)
	return buf.Bytes(), true, nil
}

func (s *session) deliverLoop() {
	for d := range s.inbox {
		if d.err != nil {
			s.handler.TransferError(d.err)
			continue
		}
		s.handler.ReceiveChunk(d.data, d.contentType)
	}
}

func (s *session) reply(req *Message, status int, comment string) {
	if err := s.write(Response(req, status, comment)); err != nil {
		s.log.Debug("session.reply", slog.String("error", err.Error()))
	}
}

func (s *session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}

var _ chat.MsrpSession = (*session)(nil)
