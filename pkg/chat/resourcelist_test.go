package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtendedResourceList(t *testing.T) {
	list, err := BuildExtendedResourceList("sip:bob@ims.example.com", "c0ffee",
		[]string{"<sip:carol@ims.example.com>", "sip:BOB@ims.example.com"})
	require.NoError(t, err)
	assert.Contains(t, string(list), `xmlns="urn:ietf:params:xml:ns:resource-lists"`)

	uris, err := ParseResourceList(list)
	require.NoError(t, err)
	require.Len(t, uris, 2)
	assert.Equal(t, "sip:bob@ims.example.com;method=INVITE?Session-Replaces=c0ffee", uris[0])
	assert.Equal(t, "sip:carol@ims.example.com", uris[1])

	assert.Equal(t, "sip:bob@ims.example.com", stripURIHeaders(uris[0]))
}

func TestMultipartRoundTrip(t *testing.T) {
	sdpBody := []byte("v=0\r\n")
	list, err := BuildResourceList([]string{"sip:bob@ims.example.com"})
	require.NoError(t, err)

	body, contentType, err := BuildMultipart(sdpBody, list)
	require.NoError(t, err)
	assert.Equal(t, "multipart/mixed;boundary=boundary1", contentType)
	assert.Contains(t, string(body), "Content-Disposition: recipient-list")

	gotSDP, gotList, err := SplitBody(contentType, body)
	require.NoError(t, err)
	assert.Equal(t, sdpBody, gotSDP)
	assert.Equal(t, list, gotList)
}

func TestSplitBody(t *testing.T) {
	sdpBody, list, err := SplitBody("application/sdp", []byte("v=0\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "v=0\r\n", string(sdpBody))
	assert.Nil(t, list)

	_, _, err = SplitBody("text/plain", []byte("hi"))
	assert.Error(t, err)

	_, _, err = SplitBody("multipart/mixed;boundary=x", []byte("--x\r\nContent-Type: text/plain\r\n\r\nhi\r\n--x--\r\n"))
	assert.Error(t, err)
}

func TestParticipants(t *testing.T) {
	p := NewParticipants("sip:bob@ims.example.com", "<sip:BOB@ims.example.com>", "sip:carol@ims.example.com")
	assert.Equal(t, 2, p.Len())
	assert.True(t, p.Contains("SIP:carol@ims.example.com"))

	assert.True(t, p.Remove("sip:bob@ims.example.com"))
	assert.False(t, p.Remove("sip:bob@ims.example.com"))
	assert.Equal(t, []string{"sip:carol@ims.example.com"}, p.List())
}
