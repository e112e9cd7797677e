package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/ims_session/pkg/config"
	"github.com/arzzra/ims_session/pkg/dialogpath"
	"github.com/arzzra/ims_session/pkg/metrics"
	"github.com/arzzra/ims_session/pkg/session"
	"github.com/arzzra/ims_session/pkg/session/sessiontest"
)

type fixture struct {
	session   *session.Session
	transport *sessiontest.Transport
	listener  *sessiontest.Listener
	caps      *sessiontest.Capabilities
	registry  *session.Registry
	inviteTx  *sessiontest.Responder
}

func mustURI(t *testing.T, s string) sip.Uri {
	t.Helper()
	var uri sip.Uri
	require.NoError(t, sip.ParseUri(s, &uri))
	return uri
}

func testSettings() *config.Settings {
	s := config.Default()
	s.User.PublicURI = "sip:alice@ims.example.com"
	s.Session.RingingPeriod = 200 * time.Millisecond
	s.Session.TransactionTimeout = time.Second
	return s
}

func newFixture(t *testing.T, d *dialogpath.DialogPath, m *metrics.Collector) *fixture {
	t.Helper()
	f := &fixture{
		transport: &sessiontest.Transport{},
		listener:  &sessiontest.Listener{},
		caps:      &sessiontest.Capabilities{},
		registry:  session.NewRegistry("test"),
		inviteTx:  &sessiontest.Responder{},
	}
	cfg := session.Config{
		Kind:       "test",
		Settings:   testSettings(),
		Dialog:     d,
		Transport:  f.transport,
		Registry:   f.registry,
		Capability: f.caps,
		Metrics:    m,
	}
	if !d.IsOriginating() {
		cfg.InviteTx = f.inviteTx
	}
	f.session = session.New(cfg)
	f.session.AddListener(f.listener)
	return f
}

func originating(t *testing.T) *fixture {
	t.Helper()
	d := session.CreateOriginatingDialogPath(testSettings(), mustURI(t, "sip:bob@ims.example.com"))
	return newFixture(t, d, nil)
}

func testInvite(t *testing.T) *sip.Request {
	t.Helper()
	req := sip.NewRequest(sip.INVITE, mustURI(t, "sip:alice@ims.example.com"))
	req.AppendHeader(&sip.FromHeader{
		Address: mustURI(t, "sip:bob@ims.example.com"),
		Params:  sip.NewParams().Add("tag", "bobtag"),
	})
	req.AppendHeader(&sip.ToHeader{Address: mustURI(t, "sip:alice@ims.example.com"), Params: sip.NewParams()})
	callID := sip.CallIDHeader("call-" + sip.RandString(6))
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: mustURI(t, "sip:bob@10.0.0.2:5070")})
	return req
}

// peerRequest - запрос собеседника внутри диалога сессии
func peerRequest(t *testing.T, f *fixture, method sip.RequestMethod, seq uint32) *sip.Request {
	t.Helper()
	d := f.session.Dialog()
	req := sip.NewRequest(method, mustURI(t, "sip:alice@10.0.0.1"))
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
	to := &sip.ToHeader{Address: mustURI(t, "sip:alice@ims.example.com"), Params: sip.NewParams()}
	if tag := d.LocalTag(); tag != "" && method != sip.CANCEL {
		to.Params.Add("tag", tag)
	}
	req.AppendHeader(to)
	callID := d.CallID()
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	return req
}

func terminating(t *testing.T) *fixture {
	t.Helper()
	d, err := session.CreateTerminatingDialogPath(testSettings(), testInvite(t))
	require.NoError(t, err)
	return newFixture(t, d, nil)
}

func startIdle(t *testing.T, s *session.Session) {
	t.Helper()
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	require.NoError(t, s.Start(func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case <-block:
		}
	}))
}

func TestStartRegistersOnce(t *testing.T) {
	f := originating(t)
	startIdle(t, f.session)

	assert.ErrorIs(t, f.session.Start(nil), session.ErrAlreadyStarted)
	assert.Equal(t, 1, f.registry.Len())

	h, ok := f.registry.FindByCallID(f.session.CallID())
	require.True(t, ok)
	assert.Equal(t, f.session.ID(), h.ID())
}

func TestAcceptRejectExclusive(t *testing.T) {
	t.Run("сначала accept", func(t *testing.T) {
		f := terminating(t)
		assert.True(t, f.session.Accept())
		assert.False(t, f.session.Reject())
		assert.False(t, f.session.Accept())
		assert.Equal(t, session.InvitationAccepted, f.session.InvitationStatus())
		assert.Empty(t, f.inviteTx.Codes())
	})

	t.Run("сначала reject", func(t *testing.T) {
		f := terminating(t)
		startIdle(t, f.session)

		assert.True(t, f.session.Reject())
		assert.False(t, f.session.Accept())
		assert.Equal(t, session.InvitationRejected, f.session.InvitationStatus())
		assert.Equal(t, []int{603}, f.inviteTx.Codes())
		assert.Equal(t, 0, f.registry.Len())

		to := f.inviteTx.Responses()[0].To()
		require.NotNil(t, to)
		tag, ok := to.Params.Get("tag")
		assert.True(t, ok)
		assert.Equal(t, f.session.Dialog().LocalTag(), tag)
	})
}

func TestConcurrentAnswer(t *testing.T) {
	f := terminating(t)

	var wg sync.WaitGroup
	results := make(chan bool, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			results <- f.session.Accept()
		}()
		go func() {
			defer wg.Done()
			results <- f.session.Reject()
		}()
	}
	wg.Wait()
	close(results)

	won := 0
	for ok := range results {
		if ok {
			won++
		}
	}
	assert.Equal(t, 1, won)
}

func TestWaitInvitationAnswer(t *testing.T) {
	t.Run("ответ пользователя", func(t *testing.T) {
		f := terminating(t)
		go func() {
			time.Sleep(10 * time.Millisecond)
			f.session.Accept()
		}()
		assert.Equal(t, session.InvitationAccepted, f.session.WaitInvitationAnswer())
	})

	t.Run("истек период вызова", func(t *testing.T) {
		f := terminating(t)
		start := time.Now()
		assert.Equal(t, session.InvitationNotAnswered, f.session.WaitInvitationAnswer())
		assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	})

	t.Run("прерывание", func(t *testing.T) {
		f := terminating(t)
		go func() {
			time.Sleep(10 * time.Millisecond)
			f.session.Interrupt()
		}()
		assert.Equal(t, session.InvitationNotAnswered, f.session.WaitInvitationAnswer())
		assert.True(t, f.session.IsInterrupted())
	})
}

func TestTerminateSendsSingleBye(t *testing.T) {
	f := originating(t)
	d := f.session.Dialog()
	d.SetRemoteTag("bobtag")
	d.SignalingEstablished()
	cseq := d.CSeq()

	f.session.Terminate()
	f.session.Terminate()

	assert.Equal(t, 1, f.transport.Count(sip.BYE))
	bye := f.transport.Last(sip.BYE)
	require.NotNil(t, bye)
	assert.Equal(t, cseq+1, bye.CSeq().SeqNo)
	assert.Equal(t, "bobtag", dialogpath.GetToTag(bye))
}

func TestTerminateCancelsPendingInvite(t *testing.T) {
	f := originating(t)
	d := f.session.Dialog()
	d.SetInvite(d.NewRequest(sip.INVITE))

	f.session.Terminate()
	f.session.Terminate()

	assert.Equal(t, 1, f.transport.Count(sip.CANCEL))
	assert.Equal(t, 0, f.transport.Count(sip.BYE))
	cancel := f.transport.Last(sip.CANCEL)
	assert.Equal(t, sip.CANCEL, cancel.CSeq().MethodName)
}

func TestTerminateAnswersPendingInvite(t *testing.T) {
	f := terminating(t)
	f.session.Terminate()
	assert.Equal(t, []int{487}, f.inviteTx.Codes())
	assert.Empty(t, f.transport.Requests())
}

func TestTerminateSwallowsTransportErrors(t *testing.T) {
	f := originating(t)
	f.session.Dialog().SignalingEstablished()
	f.transport.SetHandler(func(*sip.Request) (*sip.Response, error) {
		return nil, context.DeadlineExceeded
	})

	assert.NotPanics(t, f.session.Terminate)
	assert.True(t, f.session.Dialog().IsSessionTerminated())
}

func TestAbortNotifiesOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	d := session.CreateOriginatingDialogPath(testSettings(), mustURI(t, "sip:bob@ims.example.com"))
	f := newFixture(t, d, m)
	d.SignalingEstablished()
	startIdle(t, f.session)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.session.Abort(session.AbortUser)
		}()
	}
	wg.Wait()

	assert.Equal(t, []session.AbortReason{session.AbortUser}, f.listener.Aborted())
	assert.Equal(t, 1, f.transport.Count(sip.BYE))
	assert.Equal(t, 0, f.registry.Len())
	assert.True(t, f.session.IsInterrupted())
	n, err := testutil.GatherAndCount(reg, "ims_session_ended_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	active, err := testutil.GatherAndCount(reg, "ims_session_active")
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

type mediaCounter struct {
	mu sync.Mutex
	n  int
}

func (m *mediaCounter) CloseMedia() {
	m.mu.Lock()
	m.n++
	m.mu.Unlock()
}

func (m *mediaCounter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.n
}

func TestReceiveBye(t *testing.T) {
	f := terminating(t)
	media := &mediaCounter{}
	f.session.SetMedia(media)
	f.session.Dialog().SignalingEstablished()
	startIdle(t, f.session)

	bye := peerRequest(t, f, sip.BYE, 2)
	tx := &sessiontest.Responder{}

	f.session.ReceiveBye(bye, tx)
	f.session.Abort(session.AbortUser)

	require.Equal(t, []int{200}, tx.Codes())
	res := tx.Responses()[0]
	assert.Equal(t, string(f.session.CallID()), res.CallID().Value())
	assert.Equal(t, sip.BYE, res.CSeq().MethodName)
	assert.Equal(t, 1, media.count())
	assert.Equal(t, 1, f.listener.TerminatedByRemote())
	assert.Empty(t, f.listener.Aborted())
	assert.Equal(t, 0, f.transport.Count(sip.BYE))
	assert.Equal(t, 0, f.registry.Len())
	assert.Eventually(t, func() bool { return f.caps.Count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestReceiveCancel(t *testing.T) {
	t.Run("до установления", func(t *testing.T) {
		f := terminating(t)
		startIdle(t, f.session)

		cancel := peerRequest(t, f, sip.CANCEL, 1)
		tx := &sessiontest.Responder{}
		f.session.ReceiveCancel(cancel, tx)

		assert.Equal(t, []int{200}, tx.Codes())
		assert.Equal(t, []int{487}, f.inviteTx.Codes())
		assert.Equal(t, 1, f.listener.TerminatedByRemote())
		assert.True(t, f.session.IsInterrupted())
		assert.Equal(t, session.InvitationNotAnswered, f.session.WaitInvitationAnswer())
	})

	t.Run("после установления игнорируется", func(t *testing.T) {
		f := terminating(t)
		f.session.Dialog().SignalingEstablished()

		cancel := peerRequest(t, f, sip.CANCEL, 1)
		tx := &sessiontest.Responder{}
		f.session.ReceiveCancel(cancel, tx)

		assert.Empty(t, tx.Codes())
		assert.Equal(t, 0, f.listener.TerminatedByRemote())
		assert.False(t, f.session.IsInterrupted())
	})
}

func TestMethodNotAllowed(t *testing.T) {
	f := terminating(t)

	for _, method := range []sip.RequestMethod{sip.INVITE, sip.UPDATE} {
		req := peerRequest(t, f, method, 2)
		tx := &sessiontest.Responder{}
		if method == sip.INVITE {
			f.session.ReceiveReInvite(req, tx)
		} else {
			f.session.ReceiveUpdate(req, tx)
		}
		require.Equal(t, []int{405}, tx.Codes(), method)
		allow := tx.Responses()[0].GetHeader("Allow")
		require.NotNil(t, allow)
		assert.Contains(t, allow.Value(), "UPDATE")
	}
}

func TestFailNotifiesTypedError(t *testing.T) {
	f := originating(t)
	startIdle(t, f.session)

	f.session.Fail(session.ErrorFromResponse(486, "Busy Here"))
	f.session.Fail(session.ErrorFromResponse(500, "Server Error"))

	errs := f.listener.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, session.SessionInitiationDeclined, errs[0].Code)
	assert.Equal(t, 486, errs[0].StatusCode)
	assert.Equal(t, 0, f.registry.Len())
}

func TestFailAfterInterruptIsSilent(t *testing.T) {
	f := originating(t)
	startIdle(t, f.session)

	f.session.Abort(session.AbortUser)
	f.session.Fail(session.InitiationFailed(500, "Server Error"))

	assert.Empty(t, f.listener.Errors())
	assert.Len(t, f.listener.Aborted(), 1)
}

func TestPanicInRunBecomesUnexpectedError(t *testing.T) {
	f := originating(t)
	require.NoError(t, f.session.Start(func(context.Context) {
		panic("boom")
	}))

	select {
	case <-f.session.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not finish")
	}
	errs := f.listener.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, session.UnexpectedException, errs[0].Code)
}

func TestErrorFromResponse(t *testing.T) {
	tests := []struct {
		status int
		code   session.ErrorCode
	}{
		{486, session.SessionInitiationDeclined},
		{603, session.SessionInitiationDeclined},
		{480, session.SessionInitiationDeclined},
		{487, session.SessionInitiationCancelled},
		{404, session.SessionInitiationFailed},
		{500, session.SessionInitiationFailed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, session.ErrorFromResponse(tt.status, "").Code, tt.status)
	}
}

func TestNewAddParticipantFailed(t *testing.T) {
	err := session.NewAddParticipantFailed(403, "Forbidden")
	assert.Equal(t, session.AddParticipantFailed, err.Code)
	assert.Equal(t, "[AddParticipantFailed] 403 Forbidden", err.Error())

	local := session.NewAddParticipantFailed(0, "no route")
	assert.Equal(t, "[AddParticipantFailed] no route", local.Error())
}
