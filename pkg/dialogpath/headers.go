package dialogpath

import (
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
)

func GetFromTag(msg sip.Message) string {
	if from := msg.From(); from != nil && from.Params != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			return tag
		}
	}
	return ""
}

func GetToTag(msg sip.Message) string {
	if to := msg.To(); to != nil && to.Params != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			return tag
		}
	}
	return ""
}

type headerGetter interface {
	GetHeader(name string) sip.Header
}

// ContentType возвращает значение Content-Type или пустую строку
func ContentType(msg headerGetter) string {
	if ct := msg.GetHeader("Content-Type"); ct != nil {
		return ct.Value()
	}
	return ""
}

// SetContent устанавливает тело и Content-Type сообщения
func SetContent(msg sip.Message, contentType string, content []byte) {
	typeC := sip.ContentTypeHeader(contentType)
	msg.AppendHeader(&typeC)
	msg.SetBody(content)
}

// RecordRoutes возвращает адреса из Record-Route в порядке следования в сообщении
func RecordRoutes(msg interface{ GetHeaders(name string) []sip.Header }) []sip.Uri {
	var routes []sip.Uri
	for _, h := range msg.GetHeaders("Record-Route") {
		if rr, ok := h.(*sip.RecordRouteHeader); ok {
			routes = append(routes, rr.Address)
			continue
		}
		for _, part := range strings.Split(h.Value(), ",") {
			if uri, ok := parseNameAddr(part); ok {
				routes = append(routes, uri)
			}
		}
	}
	return routes
}

func parseNameAddr(s string) (sip.Uri, bool) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '<'); i >= 0 {
		if j := strings.IndexByte(s[i:], '>'); j > 0 {
			s = s[i+1 : i+j]
		}
	}
	var uri sip.Uri
	if err := sip.ParseUri(s, &uri); err != nil {
		return sip.Uri{}, false
	}
	return uri, true
}

// ParseDeltaSeconds читает число секунд из значений вида "1800;refresher=uac"
func ParseDeltaSeconds(value string) (int, error) {
	if i := strings.IndexByte(value, ';'); i >= 0 {
		value = value[:i]
	}
	return strconv.Atoi(strings.TrimSpace(value))
}

// SessionExpires разбирает Session-Expires сообщения (RFC 4028).
// ok = false, если заголовка нет или значение некорректно.
func SessionExpires(msg headerGetter) (seconds int, refresher string, ok bool) {
	h := msg.GetHeader("Session-Expires")
	if h == nil {
		// компактная форма
		h = msg.GetHeader("x")
	}
	if h == nil {
		return 0, "", false
	}
	value := h.Value()
	seconds, err := ParseDeltaSeconds(value)
	if err != nil {
		return 0, "", false
	}
	for _, p := range strings.Split(value, ";")[1:] {
		k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
		if strings.EqualFold(k, "refresher") {
			refresher = strings.ToLower(strings.TrimSpace(v))
		}
	}
	return seconds, refresher, true
}

// FeatureTags возвращает параметры возможностей из Accept-Contact и Contact
// в нижнем регистре, без адресов и параметров URI.
func FeatureTags(msg interface{ GetHeaders(name string) []sip.Header }) []string {
	var tags []string
	for _, name := range []string{"Accept-Contact", "Contact"} {
		for _, h := range msg.GetHeaders(name) {
			for _, value := range splitQuoted(strings.ToLower(h.Value()), ',') {
				if i := strings.IndexByte(value, '>'); i >= 0 {
					value = value[i+1:]
				} else {
					// "*" или адрес без угловых скобок
					_, value, _ = strings.Cut(value, ";")
				}
				for _, p := range splitQuoted(value, ';') {
					if p = strings.TrimSpace(p); p != "" {
						tags = append(tags, p)
					}
				}
			}
		}
	}
	return tags
}

// ContainsFeatureTag проверяет тег в списке FeatureTags. Для тега со значением
// достаточно, чтобы значение входило в значение параметра (iari-ref бывает списком).
func ContainsFeatureTag(tags []string, tag string) bool {
	name, value, withValue := strings.Cut(strings.ToLower(tag), "=")
	value = strings.Trim(value, `"`)
	for _, t := range tags {
		n, v, _ := strings.Cut(t, "=")
		if strings.TrimSpace(n) != name {
			continue
		}
		if !withValue || strings.Contains(v, value) {
			return true
		}
	}
	return false
}

// HasFeatureTag ищет тег возможности в Accept-Contact и Contact
func HasFeatureTag(msg interface{ GetHeaders(name string) []sip.Header }, tag string) bool {
	return ContainsFeatureTag(FeatureTags(msg), tag)
}

// splitQuoted делит строку по sep вне кавычек
func splitQuoted(s string, sep byte) []string {
	var out []string
	quoted := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case sep:
			if !quoted {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}
