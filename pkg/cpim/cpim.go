// Package cpim собирает и разбирает CPIM конверты (RFC 3862) для чата,
// а также вложенные документы IMDN (RFC 5438) и isComposing (RFC 3994).
package cpim

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	MimeType        = "message/cpim"
	TextPlain       = "text/plain"
	IsComposingType = "application/im-iscomposing+xml"
	ImdnType        = "message/imdn+xml"

	// ImdnNamespace - пространство имен IMDN заголовков CPIM
	ImdnNamespace = "urn:ietf:params:imdn"

	HeaderFrom               = "From"
	HeaderTo                 = "To"
	HeaderDateTime           = "DateTime"
	HeaderNS                 = "NS"
	HeaderContentType        = "Content-type"
	HeaderContentLength      = "Content-length"
	HeaderContentDisposition = "Content-Disposition"
	HeaderImdnMessageID      = "imdn.Message-ID"
	HeaderImdnDisposition    = "imdn.Disposition-Notification"

	crlf = "\r\n"
)

// Значения imdn.Disposition-Notification
const (
	PositiveDelivery = "positive-delivery"
	NegativeDelivery = "negative-delivery"
	Display          = "display"
)

var ErrMalformed = errors.New("malformed cpim message")

// now подменяется в тестах
var now = time.Now

// NewMessageID генерирует идентификатор сообщения для IMDN
func NewMessageID() string {
	return "Msg" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// FormatDateTime кодирует время в формате DateTime заголовка
func FormatDateTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func formatURI(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") {
		return s
	}
	return "<" + s + ">"
}

type builder struct {
	b strings.Builder
}

func (w *builder) header(name, value string) {
	w.b.WriteString(name)
	w.b.WriteString(": ")
	w.b.WriteString(value)
	w.b.WriteString(crlf)
}

func (w *builder) blank() {
	w.b.WriteString(crlf)
}

// BuildMessage собирает конверт без IMDN заголовков
func BuildMessage(from, to, content, contentType string) string {
	var w builder
	w.header(HeaderFrom, formatURI(from))
	w.header(HeaderTo, formatURI(to))
	w.header(HeaderDateTime, FormatDateTime(now()))
	w.blank()
	w.header(HeaderContentType, contentType+";charset=utf-8")
	w.blank()
	w.b.WriteString(content)
	return w.b.String()
}

// BuildMessageWithImdn собирает конверт с запросом уведомлений о доставке и прочтении.
// Content-length равен длине content в байтах.
func BuildMessageWithImdn(from, to, messageID, content, contentType string) string {
	var w builder
	w.header(HeaderFrom, formatURI(from))
	w.header(HeaderTo, formatURI(to))
	w.header(HeaderNS, "imdn <"+ImdnNamespace+">")
	w.header(HeaderImdnMessageID, messageID)
	w.header(HeaderDateTime, FormatDateTime(now()))
	w.header(HeaderImdnDisposition, PositiveDelivery+", "+NegativeDelivery+", "+Display)
	w.blank()
	w.header(HeaderContentType, contentType+";charset=utf-8")
	w.header(HeaderContentLength, strconv.Itoa(len(content)))
	w.blank()
	w.b.WriteString(content)
	return w.b.String()
}

// BuildDeliveryReport оборачивает IMDN документ в конверт
func BuildDeliveryReport(from, to, messageID, imdn string) string {
	var w builder
	w.header(HeaderFrom, formatURI(from))
	w.header(HeaderTo, formatURI(to))
	w.header(HeaderNS, "imdn <"+ImdnNamespace+">")
	w.header(HeaderImdnMessageID, messageID)
	w.header(HeaderDateTime, FormatDateTime(now()))
	w.header(HeaderContentDisposition, "notification")
	w.blank()
	w.header(HeaderContentType, ImdnType)
	w.header(HeaderContentLength, strconv.Itoa(len(imdn)))
	w.blank()
	w.b.WriteString(imdn)
	return w.b.String()
}

// Header - заголовок конверта
type Header struct {
	Name  string
	Value string
}

// Message - разобранный конверт
type Message struct {
	Headers        []Header
	ContentHeaders []Header
	Content        []byte
}

func lookup(headers []Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Header возвращает значение заголовка сообщения без учета регистра имени
func (m *Message) Header(name string) string {
	return lookup(m.Headers, name)
}

// ContentHeader возвращает значение заголовка содержимого
func (m *Message) ContentHeader(name string) string {
	return lookup(m.ContentHeaders, name)
}

// ContentType возвращает тип содержимого без параметров
func (m *Message) ContentType() string {
	ct := m.ContentHeader(HeaderContentType)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// MessageID возвращает imdn.Message-ID
func (m *Message) MessageID() string {
	return m.Header(HeaderImdnMessageID)
}

// From возвращает адрес отправителя без угловых скобок
func (m *Message) From() string {
	return trimURI(m.Header(HeaderFrom))
}

// To возвращает адрес получателя без угловых скобок
func (m *Message) To() string {
	return trimURI(m.Header(HeaderTo))
}

// DispositionRequested сообщает, какие уведомления запросил отправитель
func (m *Message) DispositionRequested() (delivery, display bool) {
	v := strings.ToLower(m.Header(HeaderImdnDisposition))
	return strings.Contains(v, PositiveDelivery), strings.Contains(v, Display)
}

// trimURI убирает отображаемое имя и угловые скобки: "Bob <sip:bob@x>" -> "sip:bob@x"
func trimURI(v string) string {
	if i := strings.IndexByte(v, '<'); i >= 0 {
		if j := strings.IndexByte(v[i:], '>'); j > 0 {
			return v[i+1 : i+j]
		}
	}
	return strings.TrimSpace(v)
}

// Parse разбирает конверт: заголовки сообщения, пустая строка,
// заголовки содержимого, пустая строка, содержимое.
func Parse(data []byte) (*Message, error) {
	msgHeaders, rest, ok := cutBlock(data)
	if !ok {
		return nil, errors.Wrap(ErrMalformed, "no message headers")
	}
	contentHeaders, content, ok := cutBlock(rest)
	if !ok {
		return nil, errors.Wrap(ErrMalformed, "no content headers")
	}

	m := &Message{
		Headers:        parseHeaders(msgHeaders),
		ContentHeaders: parseHeaders(contentHeaders),
		Content:        content,
	}
	if v := m.ContentHeader(HeaderContentLength); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, errors.Wrapf(ErrMalformed, "content-length %q", v)
		}
		if n < len(content) {
			m.Content = content[:n]
		}
	}
	return m, nil
}

func cutBlock(data []byte) (block, rest []byte, ok bool) {
	if i := bytes.Index(data, []byte(crlf+crlf)); i >= 0 {
		return data[:i], data[i+4:], true
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return data[:i], data[i+2:], true
	}
	return nil, nil, false
}

func parseHeaders(block []byte) []Header {
	var out []Header
	for _, line := range strings.Split(string(block), "\n") {
		line = strings.TrimRight(line, "\r")
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		out = append(out, Header{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}
	return out
}

// IsCPIM проверяет тип содержимого MSRP или SIP сообщения
func IsCPIM(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), MimeType)
}

func IsTextPlain(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), TextPlain)
}

func IsComposing(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), IsComposingType)
}

func IsImdn(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), ImdnType)
}

// IsImdnReport проверяет SIP MESSAGE с отчетом о доставке
func IsImdnReport(contentType string, body []byte) bool {
	return strings.Contains(strings.ToLower(contentType), MimeType) &&
		bytes.Contains(body, []byte(ImdnNamespace))
}
