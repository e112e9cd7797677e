package cpim

import (
	"encoding/xml"
	"strings"

	"github.com/pkg/errors"
)

const (
	stateActive = "active"
	stateIdle   = "idle"

	// ComposingRefresh - интервал повторной отправки состояния active, секунды
	ComposingRefresh = 60
)

type isComposingDocument struct {
	XMLName     xml.Name `xml:"urn:ietf:params:xml:ns:im-iscomposing isComposing"`
	State       string   `xml:"state"`
	ContentType string   `xml:"contenttype,omitempty"`
	Refresh     int      `xml:"refresh,omitempty"`
	LastActive  string   `xml:"lastactive,omitempty"`
}

// BuildIsComposing собирает документ состояния набора текста
func BuildIsComposing(active bool) string {
	doc := isComposingDocument{
		XMLName: xml.Name{Space: "urn:ietf:params:xml:ns:im-iscomposing", Local: "isComposing"},
		State:   stateIdle,
	}
	if active {
		doc.State = stateActive
		doc.ContentType = TextPlain
		doc.Refresh = ComposingRefresh
	} else {
		doc.LastActive = FormatDateTime(now())
	}
	out, _ := xml.Marshal(doc)
	return xml.Header + string(out)
}

// ParseIsComposing возвращает true для состояния active
func ParseIsComposing(data []byte) (bool, error) {
	var doc isComposingDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return false, errors.Wrap(err, "parse iscomposing")
	}
	return strings.EqualFold(strings.TrimSpace(doc.State), stateActive), nil
}
