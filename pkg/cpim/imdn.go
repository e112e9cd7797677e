package cpim

import (
	"encoding/xml"

	"github.com/pkg/errors"
)

// Статусы уведомлений IMDN
const (
	StatusDelivered = "delivered"
	StatusDisplayed = "displayed"
	StatusFailed    = "failed"
	StatusForbidden = "forbidden"
	StatusError     = "error"
)

const imdnXMLNamespace = "urn:ietf:params:xml:ns:imdn"

type statusValue struct {
	XMLName xml.Name
}

type imdnStatus struct {
	Value []statusValue `xml:",any"`
}

type imdnNotification struct {
	Status imdnStatus `xml:"status"`
}

type imdnDocument struct {
	XMLName   xml.Name          `xml:"urn:ietf:params:xml:ns:imdn imdn"`
	MessageID string            `xml:"message-id"`
	DateTime  string            `xml:"datetime"`
	Delivery  *imdnNotification `xml:"delivery-notification"`
	Display   *imdnNotification `xml:"display-notification"`
}

// Report - разобранный IMDN документ
type Report struct {
	MessageID string
	Status    string
}

func statusElement(status string) imdnStatus {
	return imdnStatus{Value: []statusValue{{XMLName: xml.Name{Local: status}}}}
}

// BuildImdn собирает IMDN документ для сообщения msgID.
// displayed кладется в display-notification, остальные статусы в delivery-notification.
func BuildImdn(messageID, status string) (string, error) {
	doc := imdnDocument{
		XMLName:   xml.Name{Space: imdnXMLNamespace, Local: "imdn"},
		MessageID: messageID,
		DateTime:  FormatDateTime(now()),
	}
	n := &imdnNotification{Status: statusElement(status)}
	if status == StatusDisplayed {
		doc.Display = n
	} else {
		doc.Delivery = n
	}

	out, err := xml.Marshal(doc)
	if err != nil {
		return "", errors.Wrap(err, "marshal imdn")
	}
	return xml.Header + string(out), nil
}

// ParseImdn разбирает IMDN документ
func ParseImdn(data []byte) (*Report, error) {
	var doc imdnDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "parse imdn")
	}
	if doc.MessageID == "" {
		return nil, errors.New("imdn without message-id")
	}

	r := &Report{MessageID: doc.MessageID}
	for _, n := range []*imdnNotification{doc.Delivery, doc.Display} {
		if n != nil && len(n.Status.Value) > 0 {
			r.Status = n.Status.Value[0].XMLName.Local
			break
		}
	}
	if r.Status == "" {
		return nil, errors.New("imdn without status")
	}
	return r, nil
}
