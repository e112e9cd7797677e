package dialogpath

// Body - тело сообщения вместе с типом содержимого
type Body struct {
	contentType string
	content     []byte
}

func NewBody(contentType string, content []byte) Body {
	return Body{contentType: contentType, content: content}
}

func (b Body) ContentType() string {
	return b.contentType
}

func (b Body) Content() []byte {
	return b.content
}

func (b Body) IsEmpty() bool {
	return len(b.content) == 0
}
