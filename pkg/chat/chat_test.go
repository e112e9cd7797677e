package chat_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/ims_session/pkg/chat"
	"github.com/arzzra/ims_session/pkg/config"
	"github.com/arzzra/ims_session/pkg/cpim"
	"github.com/arzzra/ims_session/pkg/dialogpath"
	"github.com/arzzra/ims_session/pkg/msrp"
	"github.com/arzzra/ims_session/pkg/session"
	"github.com/arzzra/ims_session/pkg/session/sessiontest"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

func peerSDP(setup string) []byte {
	return []byte(strings.Join([]string{
		"v=0",
		"o=- 3900000000 3900000000 IN IP4 10.0.0.2",
		"s=-",
		"c=IN IP4 10.0.0.2",
		"t=0 0",
		"m=message 2856 TCP/MSRP *",
		"a=accept-types:message/cpim text/plain application/im-iscomposing+xml",
		"a=setup:" + setup,
		"a=path:msrp://10.0.0.2:2856/peer;tcp",
		"a=sendrecv",
		"",
	}, "\r\n"))
}

// fakeMsrp - MSRP без сети: запоминает соединения и отправленные данные
type fakeMsrp struct {
	mu       sync.Mutex
	sessions []*fakeMsrpSession
	err      error
	// silent - удаленная сторона не подключается к пассивной
	silent bool
}

func (f *fakeMsrp) LocalEndpoint() chat.Endpoint {
	return chat.Endpoint{Host: "10.0.0.1", Port: 2855, Path: "msrp://10.0.0.1:2855/local;tcp"}
}

func (f *fakeMsrp) Connect(ctx context.Context, remote chat.Endpoint, active bool, h chat.DataHandler) (chat.MsrpSession, error) {
	f.mu.Lock()
	silent := f.silent
	f.mu.Unlock()
	if silent && !active {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeMsrpSession{remote: remote, active: active, handler: h}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeMsrp) last() *fakeMsrpSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

type chunk struct {
	data        string
	contentType string
}

type fakeMsrpSession struct {
	remote  chat.Endpoint
	active  bool
	handler chat.DataHandler

	mu      sync.Mutex
	chunks  []chunk
	empty   int
	closed  int
	sendErr error
}

func (s *fakeMsrpSession) SendChunks(_ context.Context, data []byte, contentType, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.chunks = append(s.chunks, chunk{data: string(data), contentType: contentType})
	return nil
}

func (s *fakeMsrpSession) SendEmptyChunk(context.Context) error {
	s.mu.Lock()
	s.empty++
	s.mu.Unlock()
	return nil
}

func (s *fakeMsrpSession) SetReportOptions(bool, bool) {}

func (s *fakeMsrpSession) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func (s *fakeMsrpSession) Chunks() []chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chunk(nil), s.chunks...)
}

func (s *fakeMsrpSession) Empty() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.empty
}

func (s *fakeMsrpSession) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// chatListener считает события чата
type chatListener struct {
	sessiontest.Listener

	mu        sync.Mutex
	addOK     int
	addFailed []string
	messages  []chat.InstantMessage
	composing []bool
	statuses  []string
	transfer  int
	events    map[string]string
}

func (l *chatListener) HandleAddParticipantSuccessful() {
	l.mu.Lock()
	l.addOK++
	l.mu.Unlock()
}

func (l *chatListener) HandleAddParticipantFailed(reason string) {
	l.mu.Lock()
	l.addFailed = append(l.addFailed, reason)
	l.mu.Unlock()
}

func (l *chatListener) HandleMessageReceived(msg chat.InstantMessage) {
	l.mu.Lock()
	l.messages = append(l.messages, msg)
	l.mu.Unlock()
}

func (l *chatListener) HandleIsComposing(_ string, active bool) {
	l.mu.Lock()
	l.composing = append(l.composing, active)
	l.mu.Unlock()
}

func (l *chatListener) HandleMessageDeliveryStatus(messageID, _, status string) {
	l.mu.Lock()
	l.statuses = append(l.statuses, messageID+":"+status)
	l.mu.Unlock()
}

func (l *chatListener) HandleMessageTransferFailed(error) {
	l.mu.Lock()
	l.transfer++
	l.mu.Unlock()
}

func (l *chatListener) HandleConferenceEvent(contact, state string) {
	l.mu.Lock()
	if l.events == nil {
		l.events = map[string]string{}
	}
	l.events[contact] = state
	l.mu.Unlock()
}

func (l *chatListener) AddOK() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addOK
}

func (l *chatListener) AddFailed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.addFailed...)
}

func (l *chatListener) Messages() []chat.InstantMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]chat.InstantMessage(nil), l.messages...)
}

func (l *chatListener) Composing() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.composing...)
}

func (l *chatListener) Statuses() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.statuses...)
}

func (l *chatListener) Event(contact string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[contact]
}

// invitations - слушатель сервиса
type invitations struct {
	mu       sync.Mutex
	sessions []*chat.Session
	reports  []*cpim.Report
}

func (i *invitations) HandleChatInvitation(cs *chat.Session) {
	i.mu.Lock()
	i.sessions = append(i.sessions, cs)
	i.mu.Unlock()
}

func (i *invitations) HandleDeliveryStatus(_ string, report *cpim.Report) {
	i.mu.Lock()
	i.reports = append(i.reports, report)
	i.mu.Unlock()
}

func (i *invitations) last() *chat.Session {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.sessions) == 0 {
		return nil
	}
	return i.sessions[len(i.sessions)-1]
}

type fixture struct {
	svc       *chat.Service
	settings  *config.Settings
	transport *sessiontest.Transport
	msrp      *fakeMsrp
	sched     *sessiontest.Scheduler
	clock     *sessiontest.Clock
	invites   *invitations
}

func mustURI(t *testing.T, s string) sip.Uri {
	t.Helper()
	var uri sip.Uri
	require.NoError(t, sip.ParseUri(s, &uri))
	return uri
}

func newFixture(t *testing.T, mutate ...func(s *config.Settings)) *fixture {
	t.Helper()
	settings := config.Default()
	settings.User.PublicURI = "sip:alice@ims.example.com"
	settings.Session.RingingPeriod = 200 * time.Millisecond
	settings.Session.TransactionTimeout = time.Second
	settings.Session.SessionExpires = 0
	settings.Chat.ConferenceURI = "sip:conf-factory@ims.example.com"
	for _, m := range mutate {
		m(settings)
	}

	f := &fixture{
		settings:  settings,
		transport: &sessiontest.Transport{},
		msrp:      &fakeMsrp{},
		sched:     &sessiontest.Scheduler{},
		clock:     sessiontest.NewClock(),
		invites:   &invitations{},
	}
	f.transport.SetHandler(f.peer(nil))
	f.svc = chat.NewService(chat.ServiceConfig{
		Settings:  settings,
		Transport: f.transport,
		Msrp:      f.msrp,
		Listener:  f.invites,
		Scheduler: f.sched.Schedule,
		Clock:     f.clock.Now,
	})
	t.Cleanup(func() { f.svc.AbortAll(session.AbortSystem) })
	return f
}

// inviteOK - 200 OK удаленной стороны с SDP ответом
func inviteOK(req *sip.Request) *sip.Response {
	return inviteAnswer(req, "passive")
}

func inviteAnswer(req *sip.Request, setup string) *sip.Response {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if to := res.To(); to != nil {
		to.Params = sip.NewParams().Add("tag", "peer")
	}
	res.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "peer", Host: "10.0.0.2", Port: 5070}})
	dialogpath.SetContent(res, "application/sdp", peerSDP(setup))
	return res
}

// peer отвечает 200 на INVITE с SDP и 200 на остальные запросы.
// other, если задан, обрабатывает запросы кроме INVITE.
func (f *fixture) peer(other func(req *sip.Request) (*sip.Response, error)) func(req *sip.Request) (*sip.Response, error) {
	return func(req *sip.Request) (*sip.Response, error) {
		if req.Method == sip.INVITE {
			return inviteOK(req), nil
		}
		if other != nil {
			return other(req)
		}
		return sip.NewResponseFromRequest(req, 200, "OK", nil), nil
	}
}

func (f *fixture) oneOne(t *testing.T, l *chatListener) *chat.Session {
	t.Helper()
	cs, err := f.svc.InitiateOneOneChatSession(mustURI(t, "sip:bob@ims.example.com"), "", l)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return l.Started() == 1 }, waitFor, tick)
	return cs
}

func (f *fixture) group(t *testing.T, l *chatListener, participants ...string) *chat.Session {
	t.Helper()
	cs, err := f.svc.InitiateAdhocGroupChatSession(participants, "планы", l)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return l.Started() == 1 && cs.Conference() != nil && cs.Conference().IsSubscribed()
	}, waitFor, tick)
	return cs
}

func TestOriginateOneOneEstablished(t *testing.T) {
	f := newFixture(t)
	l := &chatListener{}
	cs := f.oneOne(t, l)

	d := cs.Dialog()
	assert.True(t, d.IsSignalingEstablished())
	assert.True(t, d.IsSessionEstablished())
	assert.Equal(t, "peer", d.RemoteTag())
	assert.Equal(t, "10.0.0.2", d.Target().Host)

	invite := f.transport.Last(sip.INVITE)
	require.NotNil(t, invite)
	assert.Equal(t, cs.ContributionID(), invite.GetHeader("Contribution-ID").Value())
	assert.Equal(t, "application/sdp", dialogpath.ContentType(invite))
	assert.Contains(t, string(invite.Body()), "a=setup:active")

	sent := f.transport.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, sip.ACK, sent[0].Method)

	ms := f.msrp.last()
	require.NotNil(t, ms)
	assert.True(t, ms.active)
	assert.Equal(t, "msrp://10.0.0.2:2856/peer;tcp", ms.remote.Path)
	assert.Equal(t, 1, ms.Empty())
	assert.Empty(t, l.Errors())
	assert.Equal(t, 1, f.svc.Registry().Len())
}

func TestOriginateOneOneFirstMessage(t *testing.T) {
	f := newFixture(t)
	l := &chatListener{}
	_, err := f.svc.InitiateOneOneChatSession(mustURI(t, "sip:bob@ims.example.com"), "привет", l)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ms := f.msrp.last()
		return ms != nil && len(ms.Chunks()) == 1
	}, waitFor, tick)
	c := f.msrp.last().Chunks()[0]
	assert.Equal(t, cpim.TextPlain, c.contentType)
	assert.Equal(t, "привет", c.data)
}

func TestOriginateOneOneDeclined(t *testing.T) {
	f := newFixture(t)
	f.transport.SetHandler(sessiontest.Reply(486))
	l := &chatListener{}

	_, err := f.svc.InitiateOneOneChatSession(mustURI(t, "sip:bob@ims.example.com"), "", l)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(l.Errors()) == 1 }, waitFor, tick)
	assert.Equal(t, session.SessionInitiationDeclined, l.Errors()[0].Code)
	assert.Equal(t, 0, l.Started())
	assert.Nil(t, f.msrp.last())
	assert.Equal(t, 0, f.svc.Registry().Len())
}

func TestOriginatePassiveMsrpNeverConnects(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) { s.Session.TransactionTimeout = 100 * time.Millisecond })
	f.msrp.silent = true
	f.transport.SetHandler(func(req *sip.Request) (*sip.Response, error) {
		if req.Method == sip.INVITE {
			return inviteAnswer(req, "active"), nil
		}
		return sip.NewResponseFromRequest(req, 200, "OK", nil), nil
	})
	l := &chatListener{}

	_, err := f.svc.InitiateOneOneChatSession(mustURI(t, "sip:bob@ims.example.com"), "", l)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(l.Errors()) == 1 }, 2*time.Second, tick)
	assert.Equal(t, session.UnexpectedException, l.Errors()[0].Code)
	assert.ErrorIs(t, l.Errors()[0], context.DeadlineExceeded)
	assert.Equal(t, 0, l.Started())
	assert.Eventually(t, func() bool { return f.svc.Registry().Len() == 0 }, waitFor, tick)
	assert.Nil(t, f.msrp.last())
}

func TestOriginatePassiveConnectorTimeout(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) { s.Session.TransactionTimeout = 100 * time.Millisecond })
	connector, err := msrp.Listen(msrp.Config{Host: "127.0.0.1", ChunkSize: 2048})
	require.NoError(t, err)
	t.Cleanup(func() { _ = connector.Close() })
	svc := chat.NewService(chat.ServiceConfig{
		Settings:  f.settings,
		Transport: f.transport,
		Msrp:      connector,
		Listener:  f.invites,
		Scheduler: f.sched.Schedule,
		Clock:     f.clock.Now,
	})
	t.Cleanup(func() { svc.AbortAll(session.AbortSystem) })
	f.transport.SetHandler(func(req *sip.Request) (*sip.Response, error) {
		if req.Method == sip.INVITE {
			return inviteAnswer(req, "active"), nil
		}
		return sip.NewResponseFromRequest(req, 200, "OK", nil), nil
	})
	l := &chatListener{}

	_, err = svc.InitiateOneOneChatSession(mustURI(t, "sip:bob@ims.example.com"), "", l)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(l.Errors()) == 1 }, 2*time.Second, tick)
	assert.Equal(t, session.UnexpectedException, l.Errors()[0].Code)
	assert.ErrorIs(t, l.Errors()[0], context.DeadlineExceeded)
	assert.Equal(t, 0, l.Started())
	assert.Eventually(t, func() bool { return svc.Registry().Len() == 0 }, waitFor, tick)
	assert.Equal(t, 1, f.transport.Count(sip.BYE))
}

func TestOriginateOneOneChallenge(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	invites := 0
	f.transport.SetHandler(func(req *sip.Request) (*sip.Response, error) {
		if req.Method != sip.INVITE {
			return sip.NewResponseFromRequest(req, 200, "OK", nil), nil
		}
		mu.Lock()
		invites++
		n := invites
		mu.Unlock()
		if n == 1 {
			return challenge(req), nil
		}
		return inviteOK(req), nil
	})
	l := &chatListener{}
	cs := f.oneOne(t, l)

	reqs := f.transport.Requests()
	require.GreaterOrEqual(t, len(reqs), 2)
	assert.Nil(t, reqs[0].GetHeader("Proxy-Authorization"))
	assert.NotNil(t, reqs[1].GetHeader("Proxy-Authorization"))
	assert.Greater(t, reqs[1].CSeq().SeqNo, reqs[0].CSeq().SeqNo)
	assert.True(t, cs.Dialog().IsSessionEstablished())
}

func TestOriginateOneOneMinSE(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) { s.Session.SessionExpires = 300 })
	var mu sync.Mutex
	invites := 0
	f.transport.SetHandler(func(req *sip.Request) (*sip.Response, error) {
		mu.Lock()
		invites++
		n := invites
		mu.Unlock()
		if n == 1 {
			res := sip.NewResponseFromRequest(req, 422, "Session Interval Too Small", nil)
			res.AppendHeader(sip.NewHeader("Min-SE", "600"))
			return res, nil
		}
		return inviteOK(req), nil
	})
	l := &chatListener{}
	cs := f.oneOne(t, l)

	second := f.transport.Requests()[1]
	assert.Equal(t, "600;refresher=uac", second.GetHeader("Session-Expires").Value())
	assert.Equal(t, "600", second.GetHeader("Min-SE").Value())
	assert.Equal(t, 600, cs.Dialog().MinSE())
}

func challenge(req *sip.Request) *sip.Response {
	res := sip.NewResponseFromRequest(req, 407, "Proxy Authentication Required", nil)
	res.AppendHeader(sip.NewHeader("Proxy-Authenticate",
		`Digest realm="ims.example.com", nonce="5f1b2c", algorithm=MD5, qop="auth"`))
	return res
}

func TestExtendOneOneToGroup(t *testing.T) {
	f := newFixture(t)
	origin := &chatListener{}
	oneOne := f.oneOne(t, origin)

	l := &chatListener{}
	group, err := chat.ExtendOneOne(f.svc, oneOne,
		[]string{"sip:carol@ims.example.com", "sip:dave@ims.example.com"}, l)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return l.Started() == 1 && group.Conference() != nil && group.Conference().IsSubscribed()
	}, waitFor, tick)
	assert.Equal(t, 1, origin.AddOK())
	assert.Empty(t, origin.AddFailed())
	assert.True(t, group.IsGroup())
	assert.True(t, group.Dialog().IsSessionEstablished())
	assert.Len(t, group.Participants(), 3)

	invite := f.transport.Last(sip.INVITE)
	require.NotNil(t, invite)
	assert.Equal(t, "conf-factory", invite.Recipient.User)
	assert.True(t, strings.HasPrefix(dialogpath.ContentType(invite), "multipart/mixed"))
	assert.Contains(t, string(invite.Body()), "Session-Replaces="+oneOne.ContributionID())
	assert.Contains(t, string(invite.Body()), "sip:carol@ims.example.com")

	sub := f.transport.Last(sip.SUBSCRIBE)
	require.NotNil(t, sub)
	assert.Equal(t, "conference", sub.GetHeader("Event").Value())
	assert.NotEqual(t, group.CallID(), *sub.CallID())
}

func TestExtendOneOneFailureNotifiesOrigin(t *testing.T) {
	f := newFixture(t)
	origin := &chatListener{}
	oneOne := f.oneOne(t, origin)

	f.transport.SetHandler(sessiontest.Reply(480))
	l := &chatListener{}
	_, err := chat.ExtendOneOne(f.svc, oneOne, []string{"sip:carol@ims.example.com"}, l)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(origin.AddFailed()) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(l.Errors()) == 1 }, waitFor, tick)
	assert.Equal(t, session.SessionInitiationDeclined, l.Errors()[0].Code)
	assert.Equal(t, 0, origin.AddOK())
	// исходная сессия не затронута
	assert.Empty(t, origin.Errors())
	assert.False(t, oneOne.IsClosed())
}

func TestAddParticipantsChallengeNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	l := &chatListener{}
	group := f.group(t, l, "sip:bob@ims.example.com", "sip:carol@ims.example.com")

	var mu sync.Mutex
	refers := 0
	f.transport.SetHandler(f.peer(func(req *sip.Request) (*sip.Response, error) {
		if req.Method != sip.REFER {
			return sip.NewResponseFromRequest(req, 200, "OK", nil), nil
		}
		mu.Lock()
		refers++
		n := refers
		mu.Unlock()
		if n == 1 {
			return challenge(req), nil
		}
		return sip.NewResponseFromRequest(req, 202, "Accepted", nil), nil
	}))

	require.NoError(t, group.AddParticipants(context.Background(), []string{"sip:dave@ims.example.com"}))
	require.Eventually(t, func() bool { return l.AddOK() == 1 }, waitFor, tick)
	// повторных уведомлений нет
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, l.AddOK())
	assert.Empty(t, l.AddFailed())

	var referReqs []*sip.Request
	for _, r := range f.transport.Requests() {
		if r.Method == sip.REFER {
			referReqs = append(referReqs, r)
		}
	}
	require.Len(t, referReqs, 2)
	assert.Equal(t, "<sip:dave@ims.example.com>", referReqs[0].GetHeader("Refer-To").Value())
	assert.NotNil(t, referReqs[1].GetHeader("Proxy-Authorization"))
	assert.Greater(t, referReqs[1].CSeq().SeqNo, referReqs[0].CSeq().SeqNo)
	assert.Contains(t, group.Participants(), "sip:dave@ims.example.com")
}

func TestAddParticipantsSeveral(t *testing.T) {
	f := newFixture(t)
	l := &chatListener{}
	group := f.group(t, l, "sip:bob@ims.example.com")

	require.NoError(t, group.AddParticipants(context.Background(),
		[]string{"sip:carol@ims.example.com", "sip:dave@ims.example.com"}))
	require.Eventually(t, func() bool { return l.AddOK() == 1 }, waitFor, tick)

	refer := f.transport.Last(sip.REFER)
	require.NotNil(t, refer)
	assert.True(t, strings.HasPrefix(refer.GetHeader("Refer-To").Value(), "<cid:"))
	assert.Equal(t, "multiple-refer", refer.GetHeader("Require").Value())
	assert.Equal(t, "application/resource-lists+xml", dialogpath.ContentType(refer))

	uris, err := chat.ParseResourceList(refer.Body())
	require.NoError(t, err)
	assert.Equal(t, []string{"sip:carol@ims.example.com", "sip:dave@ims.example.com"}, uris)
}

func TestAddParticipantsRejected(t *testing.T) {
	f := newFixture(t)
	l := &chatListener{}
	group := f.group(t, l, "sip:bob@ims.example.com")

	f.transport.SetHandler(f.peer(func(req *sip.Request) (*sip.Response, error) {
		return sip.NewResponseFromRequest(req, 403, "Forbidden", nil), nil
	}))
	require.NoError(t, group.AddParticipants(context.Background(), []string{"sip:carol@ims.example.com"}))

	require.Eventually(t, func() bool { return len(l.AddFailed()) == 1 }, waitFor, tick)
	assert.Equal(t, "Forbidden", l.AddFailed()[0])
	assert.False(t, group.IsClosed())
	assert.Empty(t, l.Errors())
}

func TestAddParticipantsLimit(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) { s.Chat.MaxParticipants = 2 })
	l := &chatListener{}
	group := f.group(t, l, "sip:bob@ims.example.com", "sip:carol@ims.example.com")

	err := group.AddParticipants(context.Background(), []string{"sip:dave@ims.example.com"})
	assert.ErrorIs(t, err, chat.ErrTooManyParticipants)
	assert.Equal(t, 0, f.transport.Count(sip.REFER))
}

func TestConferenceNotify(t *testing.T) {
	f := newFixture(t)
	l := &chatListener{}
	group := f.group(t, l, "sip:bob@ims.example.com", "sip:carol@ims.example.com")

	notify := sip.NewRequest(sip.NOTIFY, mustURI(t, "sip:alice@10.0.0.1"))
	callID := group.Conference().CallID()
	notify.AppendHeader(&callID)
	notify.AppendHeader(sip.NewHeader("Event", "conference"))
	notify.SetBody([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<conference-info xmlns="urn:ietf:params:xml:ns:conference-info" entity="sip:conf1@ims.example.com" state="partial" version="2">
 <users>
  <user entity="sip:alice@ims.example.com" state="full"><endpoint><status>connected</status></endpoint></user>
  <user entity="sip:dave@ims.example.com" state="full"><endpoint><status>connected</status></endpoint></user>
  <user entity="sip:carol@ims.example.com" state="deleted"><endpoint><status>disconnected</status></endpoint></user>
 </users>
</conference-info>`))

	f.svc.ReceiveConferenceNotify(notify)

	assert.Equal(t, chat.StateConnected, l.Event("sip:dave@ims.example.com"))
	assert.Equal(t, chat.StateDisconnected, l.Event("sip:carol@ims.example.com"))
	assert.Empty(t, l.Event("sip:alice@ims.example.com"))
	assert.ElementsMatch(t, []string{"sip:bob@ims.example.com", "sip:dave@ims.example.com"}, group.Participants())
}

func TestGroupTeardownUnsubscribes(t *testing.T) {
	f := newFixture(t)
	l := &chatListener{}
	group := f.group(t, l, "sip:bob@ims.example.com")

	group.Abort(session.AbortUser)

	subs := 0
	var last *sip.Request
	for _, r := range f.transport.Requests() {
		if r.Method == sip.SUBSCRIBE {
			subs++
			last = r
		}
	}
	require.Equal(t, 2, subs)
	assert.Equal(t, "0", last.GetHeader("Expires").Value())
	assert.Equal(t, 1, f.transport.Count(sip.BYE))
	assert.Equal(t, 1, f.msrp.last().Closed())
	assert.Equal(t, []session.AbortReason{session.AbortUser}, l.Aborted())
}

func TestReceiveChunk(t *testing.T) {
	f := newFixture(t)
	l := &chatListener{}
	cs := f.oneOne(t, l)
	ms := f.msrp.last()

	t.Run("text/plain", func(t *testing.T) {
		cs.ReceiveChunk([]byte("привет"), "text/plain")
		msgs := l.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "привет", msgs[0].Text)
		assert.Equal(t, "sip:bob@ims.example.com", msgs[0].From)
	})

	t.Run("пустой chunk пропускается", func(t *testing.T) {
		cs.ReceiveChunk(nil, "text/plain")
		assert.Len(t, l.Messages(), 1)
	})

	t.Run("isComposing", func(t *testing.T) {
		cs.ReceiveChunk([]byte(cpim.BuildIsComposing(true)), cpim.IsComposingType)
		assert.Equal(t, []bool{true}, l.Composing())
	})

	t.Run("cpim с запросом доставки", func(t *testing.T) {
		data := cpim.BuildMessageWithImdn("sip:bob@ims.example.com", "sip:alice@ims.example.com",
			"Msg42", "как дела", cpim.TextPlain)
		cs.ReceiveChunk([]byte(data), cpim.MimeType)

		msgs := l.Messages()
		require.Len(t, msgs, 2)
		assert.Equal(t, "Msg42", msgs[1].ID)
		assert.Equal(t, "как дела", msgs[1].Text)
		assert.True(t, msgs[1].DisplayRequested)

		chunks := ms.Chunks()
		require.NotEmpty(t, chunks)
		report := chunks[len(chunks)-1]
		assert.Equal(t, cpim.MimeType, report.contentType)
		parsed, err := cpim.Parse([]byte(report.data))
		require.NoError(t, err)
		imdn, err := cpim.ParseImdn(parsed.Content)
		require.NoError(t, err)
		assert.Equal(t, "Msg42", imdn.MessageID)
		assert.Equal(t, cpim.StatusDelivered, imdn.Status)
	})

	t.Run("отчет о прочтении", func(t *testing.T) {
		doc, err := cpim.BuildImdn("Msg7", cpim.StatusDisplayed)
		require.NoError(t, err)
		data := cpim.BuildDeliveryReport("sip:bob@ims.example.com", "sip:alice@ims.example.com", "Msg8", doc)
		cs.ReceiveChunk([]byte(data), cpim.MimeType)
		assert.Equal(t, []string{"Msg7:" + cpim.StatusDisplayed}, l.Statuses())
	})
}

func TestSendText(t *testing.T) {
	t.Run("imdn включен", func(t *testing.T) {
		f := newFixture(t, func(s *config.Settings) { s.Chat.IMDN = true })
		l := &chatListener{}
		cs := f.oneOne(t, l)

		id, err := cs.SendText(context.Background(), "hi")
		require.NoError(t, err)

		chunks := f.msrp.last().Chunks()
		require.Len(t, chunks, 1)
		assert.Equal(t, cpim.MimeType, chunks[0].contentType)
		msg, err := cpim.Parse([]byte(chunks[0].data))
		require.NoError(t, err)
		assert.Equal(t, id, msg.MessageID())
		assert.Equal(t, "hi", string(msg.Content))
	})

	t.Run("ошибка передачи", func(t *testing.T) {
		f := newFixture(t)
		l := &chatListener{}
		cs := f.oneOne(t, l)
		f.msrp.last().mu.Lock()
		f.msrp.last().sendErr = assert.AnError
		f.msrp.last().mu.Unlock()

		_, err := cs.SendText(context.Background(), "hi")
		assert.ErrorIs(t, err, assert.AnError)
		assert.Equal(t, 1, l.transfer)
	})

	t.Run("сессия не установлена", func(t *testing.T) {
		f := newFixture(t)
		l := &chatListener{}
		cs := f.oneOne(t, l)
		cs.Abort(session.AbortUser)

		_, err := cs.SendText(context.Background(), "hi")
		assert.ErrorIs(t, err, chat.ErrNotEstablished)
	})
}

func TestSendTextEmpty(t *testing.T) {
	f := newFixture(t)
	l := &chatListener{}
	cs := f.oneOne(t, l)

	_, err := cs.SendText(context.Background(), "")
	assert.ErrorIs(t, err, chat.ErrEmptyText)
	assert.Empty(t, f.msrp.last().Chunks())
	assert.Equal(t, 0, l.transfer)
}

func TestSendIsComposing(t *testing.T) {
	t.Run("один-на-один", func(t *testing.T) {
		f := newFixture(t)
		cs := f.oneOne(t, &chatListener{})

		require.NoError(t, cs.SendIsComposing(context.Background(), true))

		chunks := f.msrp.last().Chunks()
		require.Len(t, chunks, 1)
		assert.Equal(t, cpim.IsComposingType, chunks[0].contentType)
		active, err := cpim.ParseIsComposing([]byte(chunks[0].data))
		require.NoError(t, err)
		assert.True(t, active)
	})

	t.Run("групповой в cpim", func(t *testing.T) {
		f := newFixture(t)
		cs := f.group(t, &chatListener{}, "sip:bob@ims.example.com", "sip:carol@ims.example.com")

		require.NoError(t, cs.SendIsComposing(context.Background(), false))

		chunks := f.msrp.last().Chunks()
		require.Len(t, chunks, 1)
		assert.Equal(t, cpim.MimeType, chunks[0].contentType)
		msg, err := cpim.Parse([]byte(chunks[0].data))
		require.NoError(t, err)
		assert.True(t, cpim.IsComposing(msg.ContentType()))
		assert.Equal(t, "sip:alice@ims.example.com", msg.From())
		active, err := cpim.ParseIsComposing(msg.Content)
		require.NoError(t, err)
		assert.False(t, active)
	})
}

func TestIdleSessionAbortedOnce(t *testing.T) {
	f := newFixture(t)
	l := &chatListener{}
	cs := f.oneOne(t, l)

	require.Eventually(t, func() bool { return f.sched.Pending() == 1 }, waitFor, tick)
	cs.ReceiveChunk([]byte("x"), "text/plain")
	_, err := cs.SendText(context.Background(), "y")
	require.NoError(t, err)

	// каждый chunk перезапускает отсчет
	assert.Equal(t, 1, f.sched.Pending())
	assert.GreaterOrEqual(t, len(f.sched.Delays()), 3)
	for _, d := range f.sched.Delays() {
		assert.Equal(t, f.settings.Chat.IdleDuration, d)
	}

	require.True(t, f.sched.Fire())
	assert.False(t, f.sched.Fire())
	assert.Equal(t, []session.AbortReason{session.AbortIdle}, l.Aborted())
	assert.Equal(t, 1, f.transport.Count(sip.BYE))
}

func TestRemoteBye(t *testing.T) {
	f := newFixture(t)
	l := &chatListener{}
	cs := f.oneOne(t, l)

	bye := cs.Dialog().NewRequest(sip.BYE)
	tx := &sessiontest.Responder{}
	cs.ReceiveBye(bye, tx)

	assert.Equal(t, []int{200}, tx.Codes())
	assert.Equal(t, 1, l.TerminatedByRemote())
	assert.Equal(t, 1, f.msrp.last().Closed())
	assert.Equal(t, 0, f.sched.Pending())
	assert.Equal(t, 0, f.svc.Registry().Len())
}

// incomingRequest - внедиалоговый запрос от bob
func incomingRequest(t *testing.T, method sip.RequestMethod) *sip.Request {
	t.Helper()
	req := sip.NewRequest(method, mustURI(t, "sip:alice@10.0.0.1:5060"))
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "10.0.0.2",
		Port:            5070,
		Params:          sip.NewParams().Add("branch", sip.GenerateBranch()),
	})
	req.AppendHeader(&sip.FromHeader{
		Address: mustURI(t, "sip:bob@ims.example.com"),
		Params:  sip.NewParams().Add("tag", "bobtag"),
	})
	req.AppendHeader(&sip.ToHeader{Address: mustURI(t, "sip:alice@ims.example.com"), Params: sip.NewParams()})
	callID := sip.CallIDHeader("call-" + sip.RandString(8))
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	return req
}

func incomingInvite(t *testing.T, contentType string, body []byte, headers ...sip.Header) *sip.Request {
	t.Helper()
	req := incomingRequest(t, sip.INVITE)
	req.AppendHeader(&sip.ContactHeader{Address: mustURI(t, "sip:bob@10.0.0.2:5070")})
	req.AppendHeader(sip.NewHeader("Contribution-ID", "contrib-1"))
	for _, h := range headers {
		req.AppendHeader(h)
	}
	dialogpath.SetContent(req, contentType, body)
	return req
}

func TestTerminatingAccept(t *testing.T) {
	f := newFixture(t)
	tx := &sessiontest.Responder{}
	f.svc.ReceiveOneOneInvitation(incomingInvite(t, "application/sdp", peerSDP("active")), tx)

	cs := f.invites.last()
	require.NotNil(t, cs)
	l := &chatListener{}
	cs.AddListener(l)
	assert.Equal(t, "contrib-1", cs.ContributionID())

	require.Eventually(t, func() bool { return len(tx.Codes()) == 1 }, waitFor, tick)
	assert.Equal(t, []int{180}, tx.Codes())

	require.True(t, cs.Accept())
	require.Eventually(t, func() bool { return l.Started() == 1 }, waitFor, tick)

	assert.Equal(t, []int{180, 200}, tx.Codes())
	ok := tx.Responses()[1]
	assert.Contains(t, string(ok.Body()), "a=setup:passive")
	assert.Equal(t, cs.Dialog().LocalTag(), dialogpath.GetToTag(ok))

	ms := f.msrp.last()
	require.NotNil(t, ms)
	assert.False(t, ms.active)
	assert.Equal(t, 0, ms.Empty())
	assert.True(t, cs.Dialog().IsSessionEstablished())
}

func TestTerminatingPassiveMsrpNeverConnects(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) { s.Session.TransactionTimeout = 100 * time.Millisecond })
	f.msrp.silent = true
	tx := &sessiontest.Responder{}
	f.svc.ReceiveOneOneInvitation(incomingInvite(t, "application/sdp", peerSDP("active")), tx)

	cs := f.invites.last()
	require.NotNil(t, cs)
	l := &chatListener{}
	cs.AddListener(l)
	require.True(t, cs.Accept())

	require.Eventually(t, func() bool { return len(l.Errors()) == 1 }, 2*time.Second, tick)
	assert.Equal(t, session.UnexpectedException, l.Errors()[0].Code)
	assert.ErrorIs(t, l.Errors()[0], context.DeadlineExceeded)
	assert.Equal(t, 0, l.Started())
	assert.Eventually(t, func() bool { return f.svc.Registry().Len() == 0 }, waitFor, tick)
}

func TestTerminatingNotAnswered(t *testing.T) {
	f := newFixture(t)
	tx := &sessiontest.Responder{}
	f.svc.ReceiveOneOneInvitation(incomingInvite(t, "application/sdp", peerSDP("active")), tx)

	cs := f.invites.last()
	require.NotNil(t, cs)
	l := &chatListener{}
	cs.AddListener(l)

	require.Eventually(t, func() bool { return len(l.Aborted()) == 1 }, waitFor, tick)
	assert.Equal(t, []session.AbortReason{session.AbortTimeout}, l.Aborted())
	assert.Equal(t, []int{180, 603}, tx.Codes())
	assert.Nil(t, f.msrp.last())
}

func TestTerminatingUnsupportedOffer(t *testing.T) {
	f := newFixture(t)
	tx := &sessiontest.Responder{}
	f.svc.ReceiveOneOneInvitation(incomingInvite(t, "text/plain", []byte("hello")), tx)

	assert.Equal(t, []int{415}, tx.Codes())
	assert.Nil(t, f.invites.last())
	assert.Equal(t, 0, f.svc.Registry().Len())
}

func TestTerminatingAdhocParticipants(t *testing.T) {
	f := newFixture(t)
	list, err := chat.BuildResourceList([]string{"sip:bob@ims.example.com", "sip:carol@ims.example.com"})
	require.NoError(t, err)
	body, ct, err := chat.BuildMultipart(peerSDP("active"), list)
	require.NoError(t, err)

	tx := &sessiontest.Responder{}
	f.svc.ReceiveAdhocInvitation(incomingInvite(t, ct, body, sip.NewHeader("Subject", "обед")), tx)

	cs := f.invites.last()
	require.NotNil(t, cs)
	assert.True(t, cs.IsGroup())
	assert.Equal(t, "обед", cs.Subject())
	assert.Equal(t, []string{"sip:bob@ims.example.com", "sip:carol@ims.example.com"}, cs.Participants())
	assert.True(t, cs.Reject())
}

func TestTerminatingSessionTimerExpires(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) { s.Chat.IdleDuration = 0 })
	tx := &sessiontest.Responder{}
	f.svc.ReceiveOneOneInvitation(incomingInvite(t, "application/sdp", peerSDP("active"),
		sip.NewHeader("Session-Expires", "1800;refresher=uac"),
		sip.NewHeader("Supported", "timer")), tx)

	cs := f.invites.last()
	require.NotNil(t, cs)
	l := &chatListener{}
	cs.AddListener(l)
	require.True(t, cs.Accept())
	require.Eventually(t, func() bool { return l.Started() == 1 }, waitFor, tick)

	ok := tx.Responses()[1]
	assert.Equal(t, "1800;refresher=uac", ok.GetHeader("Session-Expires").Value())
	assert.Equal(t, "timer", ok.GetHeader("Require").Value())

	require.Eventually(t, func() bool {
		return cs.SessionTimer() != nil && cs.SessionTimer().Running()
	}, waitFor, tick)
	assert.Equal(t, session.RoleUAS, cs.SessionTimer().Role())
	assert.Equal(t, []time.Duration{1800 * time.Second}, f.sched.Delays())

	f.clock.Advance(1801 * time.Second)
	require.True(t, f.sched.Fire())
	assert.False(t, f.sched.Fire())

	assert.Equal(t, []session.AbortReason{session.AbortSessionTimer}, l.Aborted())
	assert.Equal(t, 1, f.transport.Count(sip.BYE))
}

func TestReceiveDeliveryStatus(t *testing.T) {
	f := newFixture(t)
	doc, err := cpim.BuildImdn("Msg1", cpim.StatusDelivered)
	require.NoError(t, err)
	body := cpim.BuildDeliveryReport("sip:bob@ims.example.com", "sip:alice@ims.example.com", "Msg2", doc)

	req := incomingRequest(t, sip.MESSAGE)
	dialogpath.SetContent(req, cpim.MimeType, []byte(body))
	tx := &sessiontest.Responder{}
	f.svc.ReceiveDeliveryStatus(req, tx)

	require.Equal(t, []int{200}, tx.Codes())
	assert.Equal(t, sip.MESSAGE, tx.Responses()[0].CSeq().MethodName)
	require.Len(t, f.invites.reports, 1)
	assert.Equal(t, "Msg1", f.invites.reports[0].MessageID)
	assert.Equal(t, cpim.StatusDelivered, f.invites.reports[0].Status)
}

func TestServiceNotActivated(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) { s.Services.InstantMessaging = false })
	_, err := f.svc.InitiateOneOneChatSession(mustURI(t, "sip:bob@ims.example.com"), "", &chatListener{})
	assert.ErrorIs(t, err, chat.ErrNotActivated)

	tx := &sessiontest.Responder{}
	f.svc.ReceiveOneOneInvitation(incomingInvite(t, "application/sdp", peerSDP("active")), tx)
	assert.Equal(t, []int{603}, tx.Codes())
}
