// Package msrp - минимальный MSRP (RFC 4975) поверх TCP для чат сессий.
//
// Поддерживаются SEND с разбиением на куски и ответы на них. REPORT
// принимается и игнорируется.
package msrp

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	MethodSend   = "SEND"
	MethodReport = "REPORT"

	endLinePrefix = "-------"

	FlagEnd         = '$'
	FlagContinue    = '+'
	FlagInterrupted = '#'
)

var (
	ErrMalformed       = errors.New("msrp: malformed message")
	ErrMessageTooLarge = errors.New("msrp: message too large")
)

// maxBody - предел тела куска и собранного из кусков сообщения
const maxBody = 1 << 20

// Message - запрос или ответ MSRP
type Message struct {
	TransactionID string
	// Method пуст у ответа
	Method  string
	Status  int
	Comment string

	ToPath        string
	FromPath      string
	MessageID     string
	ByteRange     string
	ContentType   string
	SuccessReport string
	FailureReport string

	Body []byte
	Flag byte
}

func (m *Message) IsResponse() bool {
	return m.Method == ""
}

// Bytes кодирует сообщение для отправки
func (m *Message) Bytes() []byte {
	var b bytes.Buffer
	if m.IsResponse() {
		fmt.Fprintf(&b, "MSRP %s %d %s\r\n", m.TransactionID, m.Status, m.Comment)
	} else {
		fmt.Fprintf(&b, "MSRP %s %s\r\n", m.TransactionID, m.Method)
	}
	writeHeader(&b, "To-Path", m.ToPath)
	writeHeader(&b, "From-Path", m.FromPath)
	writeHeader(&b, "Message-ID", m.MessageID)
	writeHeader(&b, "Success-Report", m.SuccessReport)
	writeHeader(&b, "Failure-Report", m.FailureReport)
	writeHeader(&b, "Byte-Range", m.ByteRange)
	if len(m.Body) > 0 {
		writeHeader(&b, "Content-Type", m.ContentType)
		b.WriteString("\r\n")
		b.Write(m.Body)
		b.WriteString("\r\n")
	}
	flag := m.Flag
	if flag == 0 {
		flag = FlagEnd
	}
	b.WriteString(endLinePrefix + m.TransactionID)
	b.WriteByte(flag)
	b.WriteString("\r\n")
	return b.Bytes()
}

func writeHeader(b *bytes.Buffer, name, value string) {
	if value != "" {
		b.WriteString(name + ": " + value + "\r\n")
	}
}

// ReadMessage читает одно сообщение из потока
func ReadMessage(r *bufio.Reader) (*Message, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	m, err := parseStartLine(line)
	if err != nil {
		return nil, err
	}
	endLine := endLinePrefix + m.TransactionID

	for {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(line, endLine) {
			return m, setFlag(m, line[len(endLine):])
		}
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, errors.Wrapf(ErrMalformed, "header %q", line)
		}
		m.setHeader(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	// тело заканчивается CRLF и строкой завершения
	marker := []byte("\r\n" + endLine)
	var body []byte
	for {
		c, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		body = append(body, c)
		if bytes.HasSuffix(body, marker) {
			body = body[:len(body)-len(marker)]
			break
		}
		if len(body) > maxBody+len(marker) {
			return nil, ErrMessageTooLarge
		}
	}
	m.Body = body

	rest, err := readLine(r)
	if err != nil {
		return nil, err
	}
	return m, setFlag(m, rest)
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func parseStartLine(line string) (*Message, error) {
	parts := strings.SplitN(line, " ", 4)
	if len(parts) < 3 || parts[0] != "MSRP" || parts[1] == "" {
		return nil, errors.Wrapf(ErrMalformed, "start line %q", line)
	}
	m := &Message{TransactionID: parts[1]}
	if code, err := strconv.Atoi(parts[2]); err == nil && len(parts[2]) == 3 {
		m.Status = code
		if len(parts) == 4 {
			m.Comment = parts[3]
		}
		return m, nil
	}
	m.Method = parts[2]
	return m, nil
}

func setFlag(m *Message, rest string) error {
	if len(rest) != 1 {
		return errors.Wrapf(ErrMalformed, "end line flag %q", rest)
	}
	switch rest[0] {
	case FlagEnd, FlagContinue, FlagInterrupted:
		m.Flag = rest[0]
		return nil
	}
	return errors.Wrapf(ErrMalformed, "end line flag %q", rest)
}

func (m *Message) setHeader(name, value string) {
	switch strings.ToLower(name) {
	case "to-path":
		m.ToPath = value
	case "from-path":
		m.FromPath = value
	case "message-id":
		m.MessageID = value
	case "byte-range":
		m.ByteRange = value
	case "content-type":
		m.ContentType = value
	case "success-report":
		m.SuccessReport = value
	case "failure-report":
		m.FailureReport = value
	}
}

// byteRange форматирует Byte-Range для куска [start, end] из total байт
func byteRange(start, end, total int) string {
	return fmt.Sprintf("%d-%d/%d", start, end, total)
}

// Response строит ответ на запрос req
func Response(req *Message, status int, comment string) *Message {
	return &Message{
		TransactionID: req.TransactionID,
		Status:        status,
		Comment:       comment,
		ToPath:        firstPath(req.FromPath),
		FromPath:      firstPath(req.ToPath),
	}
}

// firstPath возвращает первый URI из списка путей
func firstPath(path string) string {
	if i := strings.IndexByte(path, ' '); i > 0 {
		return path[:i]
	}
	return path
}
