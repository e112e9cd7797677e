package chat

import (
	"bytes"
	"encoding/xml"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/pkg/errors"
)

const (
	contentTypeResourceList = "application/resource-lists+xml"
	resourceListsNamespace  = "urn:ietf:params:xml:ns:resource-lists"

	// multipartBoundary - граница частей тела INVITE
	multipartBoundary = "boundary1"
)

type resourceEntry struct {
	URI string `xml:"uri,attr"`
}

type resourceList struct {
	Entries []resourceEntry `xml:"entry"`
}

type resourceLists struct {
	XMLName xml.Name       `xml:"urn:ietf:params:xml:ns:resource-lists resource-lists"`
	Lists   []resourceList `xml:"list"`
}

// BuildResourceList собирает список получателей
func BuildResourceList(uris []string) ([]byte, error) {
	doc := resourceLists{
		XMLName: xml.Name{Space: resourceListsNamespace, Local: "resource-lists"},
		Lists:   []resourceList{{}},
	}
	for _, u := range uris {
		doc.Lists[0].Entries = append(doc.Lists[0].Entries, resourceEntry{URI: normalize(u)})
	}
	out, err := xml.MarshalIndent(doc, "", " ")
	if err != nil {
		return nil, errors.Wrap(err, "marshal resource list")
	}
	return append([]byte(xml.Header), out...), nil
}

// BuildExtendedResourceList собирает список для расширения 1-1 чата до группового.
// Текущий собеседник идет первым со ссылкой на заменяемую сессию.
func BuildExtendedResourceList(existing, replacesID string, added []string) ([]byte, error) {
	uris := []string{normalize(existing) + ";method=INVITE?Session-Replaces=" + replacesID}
	for _, u := range added {
		if !strings.EqualFold(normalize(u), normalize(existing)) {
			uris = append(uris, u)
		}
	}
	return BuildResourceList(uris)
}

// ParseResourceList возвращает адреса из всех списков документа
func ParseResourceList(data []byte) ([]string, error) {
	var doc resourceLists
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "parse resource list")
	}
	var out []string
	for _, l := range doc.Lists {
		for _, e := range l.Entries {
			if e.URI != "" {
				out = append(out, e.URI)
			}
		}
	}
	return out, nil
}

// stripURIHeaders убирает параметры method и заголовки из адреса списка
func stripURIHeaders(uri string) string {
	if i := strings.Index(uri, ";method="); i >= 0 {
		uri = uri[:i]
	}
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		uri = uri[:i]
	}
	return uri
}

// BuildMultipart собирает тело multipart/mixed из SDP и списка получателей.
// Возвращает тело и значение Content-Type.
func BuildMultipart(sdpBody, list []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.SetBoundary(multipartBoundary); err != nil {
		return nil, "", errors.Wrap(err, "set boundary")
	}

	part, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {contentTypeSDP}})
	if err != nil {
		return nil, "", errors.Wrap(err, "create sdp part")
	}
	if _, err := part.Write(sdpBody); err != nil {
		return nil, "", errors.Wrap(err, "write sdp part")
	}

	part, err = w.CreatePart(textproto.MIMEHeader{
		"Content-Type":        {contentTypeResourceList},
		"Content-Disposition": {"recipient-list"},
	})
	if err != nil {
		return nil, "", errors.Wrap(err, "create resource list part")
	}
	if _, err := part.Write(list); err != nil {
		return nil, "", errors.Wrap(err, "write resource list part")
	}

	if err := w.Close(); err != nil {
		return nil, "", errors.Wrap(err, "close multipart")
	}
	return buf.Bytes(), "multipart/mixed;boundary=" + multipartBoundary, nil
}

// SplitBody возвращает SDP и список получателей из тела сообщения.
// Для одиночного SDP list равен nil.
func SplitBody(contentType string, body []byte) (sdpBody, list []byte, err error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "content type %q", contentType)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		if mediaType == contentTypeSDP {
			return body, nil, nil
		}
		return nil, nil, errors.Errorf("unexpected content type %q", mediaType)
	}

	r := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	for {
		part, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, errors.Wrap(err, "read multipart")
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return nil, nil, errors.Wrap(err, "read part")
		}
		ct, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		switch ct {
		case contentTypeSDP:
			sdpBody = data
		case contentTypeResourceList:
			list = data
		}
	}
	if sdpBody == nil {
		return nil, nil, errors.New("multipart body without sdp")
	}
	return sdpBody, list, nil
}
