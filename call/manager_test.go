package call_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hasanmokdad-cloud/roomy-calls/call"
	"github.com/hasanmokdad-cloud/roomy-calls/signaling"
	"github.com/hasanmokdad-cloud/roomy-calls/store"
)

// ── fakes ───────────────────────────────────────────────────────────

type fakeEngine struct {
	mu         sync.Mutex
	kinds      map[string]bool // track kinds attached
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closed     int

	offerErr  error
	answerErr error
	remoteErr error
}

func newFakeEngine(kinds ...string) *fakeEngine {
	e := &fakeEngine{kinds: map[string]bool{}}
	for _, k := range kinds {
		e.kinds[k] = true
	}
	return e
}

func (e *fakeEngine) CreateOffer() (webrtc.SessionDescription, error) {
	if e.offerErr != nil {
		return webrtc.SessionDescription{}, e.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (e *fakeEngine) CreateAnswer() (webrtc.SessionDescription, error) {
	if e.answerErr != nil {
		return webrtc.SessionDescription{}, e.answerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (e *fakeEngine) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	if e.remoteErr != nil {
		return e.remoteErr
	}
	e.mu.Lock()
	e.remote = &sdp
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) AddICECandidate(c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	e.candidates = append(e.candidates, c)
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) SetTrackEnabled(kind string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.kinds[kind]
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	e.closed++
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) remoteDescription() *webrtc.SessionDescription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remote
}

func (e *fakeEngine) receivedCandidates() []webrtc.ICECandidateInit {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), e.candidates...)
}

func (e *fakeEngine) closeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

type fakeTransport struct {
	mu      sync.Mutex
	opened  []string
	sent    []signaling.Message
	handler signaling.Handler
	closed  int

	openErr error
	sendErr error
}

func (t *fakeTransport) Open(_ context.Context, conversationID string) error {
	if t.openErr != nil {
		return t.openErr
	}
	t.mu.Lock()
	t.opened = append(t.opened, conversationID)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Send(msg signaling.Message) error {
	if t.sendErr != nil {
		return t.sendErr
	}
	t.mu.Lock()
	t.sent = append(t.sent, msg)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) OnMessage(h signaling.Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed++
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) deliver(msg signaling.Message) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	h(msg)
}

func (t *fakeTransport) sentMessages() []signaling.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]signaling.Message(nil), t.sent...)
}

func (t *fakeTransport) sentOfType(mt signaling.MsgType) []signaling.Message {
	var out []signaling.Message
	for _, m := range t.sentMessages() {
		if m.Type == mt {
			out = append(out, m)
		}
	}
	return out
}

type fakeStream struct {
	video   bool
	mu      sync.Mutex
	stopped int
}

func (s *fakeStream) HasTrack(kind string) bool {
	return kind == call.TrackAudio || (s.video && kind == call.TrackVideo)
}

func (s *fakeStream) Stop() {
	s.mu.Lock()
	s.stopped++
	s.mu.Unlock()
}

func (s *fakeStream) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type fakeMedia struct {
	mu         sync.Mutex
	acquired   []*fakeStream
	acquireErr error

	// When set, Acquire announces itself on started and then blocks
	// until gate is closed, standing in for a slow device prompt.
	started chan struct{}
	gate    chan struct{}
}

func (m *fakeMedia) Acquire(video bool) (call.MediaStream, error) {
	if m.started != nil {
		m.started <- struct{}{}
	}
	if m.gate != nil {
		<-m.gate
	}
	if m.acquireErr != nil {
		return nil, m.acquireErr
	}
	s := &fakeStream{video: video}
	m.mu.Lock()
	m.acquired = append(m.acquired, s)
	m.mu.Unlock()
	return s, nil
}

func (m *fakeMedia) Release(ms call.MediaStream) {
	if s, ok := ms.(*fakeStream); ok {
		s.Stop()
	}
}

func (m *fakeMedia) lastStream() *fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.acquired) == 0 {
		return nil
	}
	return m.acquired[len(m.acquired)-1]
}

type fakeRecords struct {
	mu        sync.Mutex
	created   []store.CreateParams
	updates   map[string][]store.Update
	createErr error
	nextID    string
}

func (r *fakeRecords) Create(_ context.Context, p store.CreateParams) (string, error) {
	if r.createErr != nil {
		return "", r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, p)
	id := r.nextID
	if id == "" {
		id = "call-1"
	}
	return id, nil
}

func (r *fakeRecords) UpdateRecord(_ context.Context, callID string, u store.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updates == nil {
		r.updates = map[string][]store.Update{}
	}
	r.updates[callID] = append(r.updates[callID], u)
	return nil
}

func (r *fakeRecords) lastUpdate(callID string) (store.Update, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	us := r.updates[callID]
	if len(us) == 0 {
		return store.Update{}, false
	}
	return us[len(us)-1], true
}

type fakeNotifier struct {
	mu      sync.Mutex
	sent    []signaling.Invite
	handler func(signaling.Invite)
	err     error
}

func (n *fakeNotifier) OnInvite(fn func(signaling.Invite)) {
	n.mu.Lock()
	n.handler = fn
	n.mu.Unlock()
}

func (n *fakeNotifier) Notify(_ context.Context, calleeID string, inv signaling.Invite) error {
	if n.err != nil {
		return n.err
	}
	n.mu.Lock()
	n.sent = append(n.sent, inv)
	n.mu.Unlock()
	return nil
}

func (n *fakeNotifier) deliver(inv signaling.Invite) {
	n.mu.Lock()
	h := n.handler
	n.mu.Unlock()
	h(inv)
}

// ── fixture ─────────────────────────────────────────────────────────

type fixture struct {
	tt        *testing.T
	m         *call.Manager
	transport *fakeTransport
	media     *fakeMedia
	records   *fakeRecords
	notifier  *fakeNotifier

	mu      sync.Mutex
	engines []*fakeEngine
	cbs     []call.EngineCallbacks

	events chan call.Event
	errs   chan error

	nextEngine   func() *fakeEngine
	beforeEngine func() // runs in the engine factory, before the engine exists
	factoryErr   error
	ringTimeout  time.Duration
}

func newFixture(t *testing.T, opt func(*fixture)) *fixture {
	t.Helper()
	f := &fixture{
		tt:          t,
		transport:   &fakeTransport{},
		media:       &fakeMedia{},
		records:     &fakeRecords{},
		notifier:    &fakeNotifier{},
		events:      make(chan call.Event, 32),
		errs:        make(chan error, 32),
		ringTimeout: time.Second,
	}
	f.nextEngine = func() *fakeEngine { return newFakeEngine(call.TrackAudio, call.TrackVideo) }
	if opt != nil {
		opt(f)
	}

	f.m = call.NewManager(call.Options{
		Self:      call.Identity{ID: "me", Name: "Me"},
		Transport: f.transport,
		Records:   f.records,
		Media:     f.media,
		Notifier:  f.notifier,
		NewEngine: func(stream call.MediaStream, cb call.EngineCallbacks) (call.Engine, error) {
			if f.factoryErr != nil {
				return nil, f.factoryErr
			}
			if f.beforeEngine != nil {
				f.beforeEngine()
			}
			e := f.nextEngine()
			f.mu.Lock()
			f.engines = append(f.engines, e)
			f.cbs = append(f.cbs, cb)
			f.mu.Unlock()
			return e, nil
		},
		RingTimeout: f.ringTimeout,
	})
	f.m.OnEvent(func(ev call.Event) { f.events <- ev })
	f.m.OnError(func(err error) { f.errs <- err })
	return f
}

func (f *fixture) engine() *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(f.tt, f.engines)
	return f.engines[len(f.engines)-1]
}

func (f *fixture) callbacks() call.EngineCallbacks {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(f.tt, f.cbs)
	return f.cbs[len(f.cbs)-1]
}

func (f *fixture) waitEvent(t *testing.T, kind call.EventKind) call.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-f.events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

// waitStatus waits for a state-changed event carrying the given status,
// skipping earlier transitions.
func (f *fixture) waitStatus(t *testing.T, status call.Status) call.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-f.events:
			if ev.Kind == call.EventStateChanged && ev.Session.Status == status {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s state", status)
		}
	}
}

func (f *fixture) initiate(t *testing.T, callType call.Type) {
	t.Helper()
	err := f.m.Initiate(context.Background(), "conv-1", "peer-2", "Bob", "", callType)
	require.NoError(t, err)
}

// ── outgoing calls ──────────────────────────────────────────────────

func TestInitiateSendsOfferAndRings(t *testing.T) {
	f := newFixture(t, nil)
	f.initiate(t, call.TypeVideo)

	snap := f.m.Snapshot()
	assert.Equal(t, call.StatusCalling, snap.Status)
	assert.Equal(t, "call-1", snap.CallID)
	assert.Equal(t, "peer-2", snap.RemotePeerID)
	assert.False(t, snap.Incoming)

	offers := f.transport.sentOfType(signaling.MsgOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "peer-2", offers[0].To)
	assert.Equal(t, "call-1", offers[0].CallID)

	require.Len(t, f.records.created, 1)
	assert.Equal(t, "conv-1", f.records.created[0].ConversationID)
	assert.Equal(t, "video", f.records.created[0].CallType)

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, "call-1", f.notifier.sent[0].CallID)

	assert.Equal(t, []string{"conv-1"}, f.transport.opened)
}

func TestInitiateWhileActiveReturnsBusy(t *testing.T) {
	f := newFixture(t, nil)
	f.initiate(t, call.TypeVoice)

	err := f.m.Initiate(context.Background(), "conv-2", "peer-3", "", "", call.TypeVoice)
	assert.ErrorIs(t, err, call.ErrBusy)

	// The original call is untouched.
	assert.Equal(t, call.StatusCalling, f.m.Snapshot().Status)
}

func TestAnswerConnectsCaller(t *testing.T) {
	f := newFixture(t, nil)
	f.initiate(t, call.TypeVoice)

	f.transport.deliver(signaling.Message{
		Type: signaling.MsgAnswer, From: "peer-2", To: "me", CallID: "call-1",
		Payload: mustDescription(t, webrtc.SDPTypeAnswer),
	})

	ev := f.waitStatus(t, call.StatusConnected)
	assert.False(t, ev.Session.StartTime.IsZero())
	require.NotNil(t, f.engine().remoteDescription())
	assert.Equal(t, webrtc.SDPTypeAnswer, f.engine().remoteDescription().Type)
}

func TestAnswerForWrongCallIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.initiate(t, call.TypeVoice)

	f.transport.deliver(signaling.Message{
		Type: signaling.MsgAnswer, From: "peer-2", To: "me", CallID: "stale-call",
		Payload: mustDescription(t, webrtc.SDPTypeAnswer),
	})

	assert.Equal(t, call.StatusCalling, f.m.Snapshot().Status)
	assert.Nil(t, f.engine().remoteDescription())
}

func TestMediaFailureAbortsInitiate(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.media.acquireErr = errors.New("camera busy")
	})

	err := f.m.Initiate(context.Background(), "conv-1", "peer-2", "", "", call.TypeVideo)
	require.ErrorIs(t, err, call.ErrMediaAcquisition)

	ev := f.waitEvent(t, call.EventEnded)
	assert.Equal(t, call.ReasonError, ev.Reason)
	assert.Equal(t, call.StatusIdle, f.m.Snapshot().Status)

	u, ok := f.records.lastUpdate("call-1")
	require.True(t, ok)
	assert.Equal(t, store.StatusEnded, u.Status)
}

func TestSendFailureAbortsInitiate(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.transport.sendErr = errors.New("no route")
	})

	err := f.m.Initiate(context.Background(), "conv-1", "peer-2", "", "", call.TypeVoice)
	require.ErrorIs(t, err, call.ErrSignaling)
	assert.Equal(t, call.StatusIdle, f.m.Snapshot().Status)
	assert.Equal(t, 1, f.engine().closeCount())
	assert.Equal(t, 1, f.media.lastStream().stopCount())
}

func TestHangupDuringMediaAcquisitionDiscardsStream(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.media.started = make(chan struct{})
		f.media.gate = make(chan struct{})
	})

	done := make(chan error, 1)
	go func() {
		done <- f.m.Initiate(context.Background(), "conv-1", "peer-2", "", "", call.TypeVoice)
	}()

	<-f.media.started // initiate is parked inside device acquisition
	require.NoError(t, f.m.End())
	f.waitEvent(t, call.EventEnded)

	close(f.media.gate)
	require.NoError(t, <-done) // the stale continuation bows out silently

	// The late stream is released, never attached to a session, and no
	// offer goes out for the dead call.
	require.NotNil(t, f.media.lastStream())
	assert.Equal(t, 1, f.media.lastStream().stopCount())
	assert.Empty(t, f.transport.sentOfType(signaling.MsgOffer))
	assert.Equal(t, call.StatusIdle, f.m.Snapshot().Status)
}

func TestHangupDuringCalling(t *testing.T) {
	f := newFixture(t, nil)
	f.initiate(t, call.TypeVoice)

	require.NoError(t, f.m.End())

	ends := f.transport.sentOfType(signaling.MsgCallEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, "call-1", ends[0].CallID)

	ev := f.waitEvent(t, call.EventEnded)
	assert.Equal(t, call.ReasonLocalHangup, ev.Reason)
	assert.Equal(t, call.StatusIdle, f.m.Snapshot().Status)

	// A second hangup finds nothing to end.
	assert.ErrorIs(t, f.m.End(), call.ErrInvalidState)
}

func TestNoAnswerTimeout(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.ringTimeout = 30 * time.Millisecond
	})
	f.initiate(t, call.TypeVoice)

	ev := f.waitEvent(t, call.EventEnded)
	assert.Equal(t, call.ReasonNoAnswer, ev.Reason)
	assert.Equal(t, call.StatusIdle, f.m.Snapshot().Status)

	u, ok := f.records.lastUpdate("call-1")
	require.True(t, ok)
	assert.Equal(t, store.ReasonNoAnswer, u.EndReason)
	require.Len(t, f.transport.sentOfType(signaling.MsgCallEnd), 1)
}

func TestAnswerDisarmsTimeout(t *testing.T) {
	f := newFixture(t, nil) // 1s ring timeout
	f.initiate(t, call.TypeVoice)

	f.transport.deliver(signaling.Message{
		Type: signaling.MsgAnswer, From: "peer-2", To: "me", CallID: "call-1",
		Payload: mustDescription(t, webrtc.SDPTypeAnswer),
	})
	f.waitStatus(t, call.StatusConnected)

	// The call must stay connected well past nothing-happened windows.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, call.StatusConnected, f.m.Snapshot().Status)
}

// ── incoming calls ──────────────────────────────────────────────────

func incomingOffer(t *testing.T) signaling.Message {
	t.Helper()
	return signaling.Message{
		Type: signaling.MsgOffer, From: "peer-2", To: "me", CallID: "call-9",
		Payload: mustDescription(t, webrtc.SDPTypeOffer),
	}
}

func TestIncomingOfferRings(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.deliver(incomingOffer(t))

	ev := f.waitEvent(t, call.EventIncoming)
	assert.Equal(t, call.StatusRinging, ev.Session.Status)
	assert.True(t, ev.Session.Incoming)
	assert.Equal(t, "peer-2", ev.Session.RemotePeerID)
	assert.Equal(t, "call-9", ev.Session.CallID)
}

func TestColdOfferInfersTypeFromSDP(t *testing.T) {
	videoSDP := "v=0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\na=sendrecv\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 96\r\na=sendrecv\r\n"
	voiceSDP := "v=0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\na=sendrecv\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 96\r\na=recvonly\r\n"

	f := newFixture(t, nil)
	f.transport.deliver(signaling.Message{
		Type: signaling.MsgOffer, From: "peer-2", To: "me", CallID: "call-9",
		Payload: descriptionWithSDP(t, videoSDP),
	})
	ev := f.waitEvent(t, call.EventIncoming)
	assert.Equal(t, call.TypeVideo, ev.Session.Type)

	// The recvonly video section of a voice call's offer is not a
	// video call.
	g := newFixture(t, nil)
	g.transport.deliver(signaling.Message{
		Type: signaling.MsgOffer, From: "peer-2", To: "me", CallID: "call-8",
		Payload: descriptionWithSDP(t, voiceSDP),
	})
	ev = g.waitEvent(t, call.EventIncoming)
	assert.Equal(t, call.TypeVoice, ev.Session.Type)
}

func TestIncomingOfferWhileBusyIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.initiate(t, call.TypeVoice)

	f.transport.deliver(incomingOffer(t))

	snap := f.m.Snapshot()
	assert.Equal(t, "call-1", snap.CallID)
	assert.Equal(t, call.StatusCalling, snap.Status)
}

func TestAcceptAnswersAndConnects(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.deliver(incomingOffer(t))
	f.waitEvent(t, call.EventIncoming)

	require.NoError(t, f.m.Accept(context.Background()))

	answers := f.transport.sentOfType(signaling.MsgAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "peer-2", answers[0].To)
	assert.Equal(t, "call-9", answers[0].CallID)

	snap := f.m.Snapshot()
	assert.Equal(t, call.StatusConnected, snap.Status)

	u, ok := f.records.lastUpdate("call-9")
	require.True(t, ok)
	assert.Equal(t, store.StatusConnected, u.Status)
	require.NotNil(t, u.StartedAt)
}

func TestDeclineRejectsRingingCall(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.deliver(incomingOffer(t))
	f.waitEvent(t, call.EventIncoming)

	require.NoError(t, f.m.Decline())

	declines := f.transport.sentOfType(signaling.MsgCallDecline)
	require.Len(t, declines, 1)
	assert.Equal(t, "call-9", declines[0].CallID)

	ev := f.waitEvent(t, call.EventEnded)
	assert.Equal(t, call.ReasonLocalDecline, ev.Reason)

	u, ok := f.records.lastUpdate("call-9")
	require.True(t, ok)
	assert.Equal(t, store.StatusDeclined, u.Status)

	// Decline again: nothing ringing.
	assert.ErrorIs(t, f.m.Decline(), call.ErrInvalidState)
}

func TestAcceptRequiresRinging(t *testing.T) {
	f := newFixture(t, nil)
	assert.ErrorIs(t, f.m.Accept(context.Background()), call.ErrInvalidState)

	f.initiate(t, call.TypeVoice)
	assert.ErrorIs(t, f.m.Accept(context.Background()), call.ErrInvalidState)
}

func TestEarlyCandidatesReachEngineInOrder(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.deliver(incomingOffer(t))
	f.waitEvent(t, call.EventIncoming)

	for _, c := range []string{"candidate:a", "candidate:b", "candidate:c"} {
		f.transport.deliver(candidateMsg(t, "call-9", c))
	}

	require.NoError(t, f.m.Accept(context.Background()))

	got := f.engine().receivedCandidates()
	require.Len(t, got, 3)
	assert.Equal(t, "candidate:a", got[0].Candidate)
	assert.Equal(t, "candidate:b", got[1].Candidate)
	assert.Equal(t, "candidate:c", got[2].Candidate)
}

func TestCandidateDuringAcceptKeepsArrivalOrder(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.deliver(incomingOffer(t))
	f.waitEvent(t, call.EventIncoming)

	for _, c := range []string{"candidate:a", "candidate:b", "candidate:c"} {
		f.transport.deliver(candidateMsg(t, "call-9", c))
	}
	// A candidate landing while accept is mid-flight — after the
	// queued ones but before the engine is published — must not jump
	// ahead of them.
	f.beforeEngine = func() {
		f.transport.deliver(candidateMsg(t, "call-9", "candidate:d"))
	}

	require.NoError(t, f.m.Accept(context.Background()))

	got := f.engine().receivedCandidates()
	require.Len(t, got, 4)
	for i, want := range []string{"candidate:a", "candidate:b", "candidate:c", "candidate:d"} {
		assert.Equal(t, want, got[i].Candidate)
	}
}

func TestInviteRingsBeforeOffer(t *testing.T) {
	f := newFixture(t, nil)
	f.notifier.deliver(signaling.Invite{
		CallID:         "call-7",
		ConversationID: "conv-7",
		CallType:       "video",
		CallerID:       "peer-2",
		CallerName:     "Bob",
	})

	ev := f.waitEvent(t, call.EventIncoming)
	assert.Equal(t, call.StatusRinging, ev.Session.Status)
	assert.Equal(t, call.TypeVideo, ev.Session.Type)
	assert.Equal(t, "Bob", ev.Session.RemotePeerName)
	assert.Equal(t, []string{"conv-7"}, f.transport.opened)
}

func TestAcceptBeforeOfferDefersAnswer(t *testing.T) {
	f := newFixture(t, nil)
	f.notifier.deliver(signaling.Invite{
		CallID: "call-7", ConversationID: "conv-7", CallType: "voice", CallerID: "peer-2",
	})
	f.waitEvent(t, call.EventIncoming)

	require.NoError(t, f.m.Accept(context.Background()))
	assert.Empty(t, f.transport.sentOfType(signaling.MsgAnswer))

	f.transport.deliver(signaling.Message{
		Type: signaling.MsgOffer, From: "peer-2", To: "me", CallID: "call-7",
		Payload: mustDescription(t, webrtc.SDPTypeOffer),
	})

	require.Len(t, f.transport.sentOfType(signaling.MsgAnswer), 1)
	assert.Equal(t, call.StatusConnected, f.m.Snapshot().Status)
}

// ── remote termination and cleanup ──────────────────────────────────

func TestRemoteHangupCleansUpOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.deliver(incomingOffer(t))
	f.waitEvent(t, call.EventIncoming)
	require.NoError(t, f.m.Accept(context.Background()))

	end := signaling.Message{Type: signaling.MsgCallEnd, From: "peer-2", To: "me", CallID: "call-9"}
	f.transport.deliver(end)

	ev := f.waitEvent(t, call.EventEnded)
	assert.Equal(t, call.ReasonRemoteHangup, ev.Reason)
	assert.Equal(t, call.StatusIdle, f.m.Snapshot().Status)
	assert.Equal(t, 1, f.engine().closeCount())
	assert.Equal(t, 1, f.media.lastStream().stopCount())

	// Duplicate termination is absorbed silently.
	f.transport.deliver(end)
	assert.Equal(t, 1, f.engine().closeCount())
	assert.Equal(t, 1, f.media.lastStream().stopCount())

	u, ok := f.records.lastUpdate("call-9")
	require.True(t, ok)
	assert.Equal(t, "peer-2", u.EndedBy)
	assert.Equal(t, store.ReasonRemote, u.EndReason)
}

func TestRemoteDeclineEndsOutgoingCall(t *testing.T) {
	f := newFixture(t, nil)
	f.initiate(t, call.TypeVoice)

	f.transport.deliver(signaling.Message{
		Type: signaling.MsgCallDecline, From: "peer-2", To: "me", CallID: "call-1",
	})

	ev := f.waitEvent(t, call.EventEnded)
	assert.Equal(t, call.ReasonRemoteDecline, ev.Reason)
	assert.Equal(t, call.StatusIdle, f.m.Snapshot().Status)

	u, ok := f.records.lastUpdate("call-1")
	require.True(t, ok)
	assert.Equal(t, store.StatusDeclined, u.Status)
}

func TestConnectionFailureTearsDown(t *testing.T) {
	f := newFixture(t, nil)
	f.initiate(t, call.TypeVoice)
	f.callbacks().OnConnectionChange(webrtc.PeerConnectionStateConnected)
	f.waitStatus(t, call.StatusConnected)

	f.callbacks().OnConnectionChange(webrtc.PeerConnectionStateFailed)

	ev := f.waitEvent(t, call.EventEnded)
	assert.Equal(t, call.ReasonConnectionLost, ev.Reason)

	select {
	case err := <-f.errs:
		assert.ErrorIs(t, err, call.ErrConnectivity)
	case <-time.After(time.Second):
		t.Fatal("connectivity error not reported")
	}

	u, ok := f.records.lastUpdate("call-1")
	require.True(t, ok)
	assert.Equal(t, store.ReasonFailure, u.EndReason)
}

func TestStaleEngineCallbacksDiscarded(t *testing.T) {
	f := newFixture(t, nil)
	f.initiate(t, call.TypeVoice)
	cb := f.callbacks()
	require.NoError(t, f.m.End())
	f.waitEvent(t, call.EventEnded)

	before := len(f.transport.sentMessages())
	cb.OnLocalCandidate(webrtc.ICECandidateInit{Candidate: "candidate:late"})
	cb.OnConnectionChange(webrtc.PeerConnectionStateConnected)

	assert.Len(t, f.transport.sentMessages(), before)
	assert.Equal(t, call.StatusIdle, f.m.Snapshot().Status)
}

func TestLocalCandidateRelayed(t *testing.T) {
	f := newFixture(t, nil)
	f.initiate(t, call.TypeVoice)

	f.callbacks().OnLocalCandidate(webrtc.ICECandidateInit{Candidate: "candidate:host"})

	cands := f.transport.sentOfType(signaling.MsgICECandidate)
	require.Len(t, cands, 1)
	assert.Equal(t, "peer-2", cands[0].To)
	assert.Equal(t, "call-1", cands[0].CallID)
}

// ── toggles ─────────────────────────────────────────────────────────

func TestToggleMute(t *testing.T) {
	f := newFixture(t, nil)
	f.initiate(t, call.TypeVoice)

	assert.True(t, f.m.ToggleMute())
	assert.True(t, f.m.Snapshot().Muted)
	assert.False(t, f.m.ToggleMute())
	assert.False(t, f.m.Snapshot().Muted)
}

func TestToggleVideoOnVoiceCallIsNoOp(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.nextEngine = func() *fakeEngine { return newFakeEngine(call.TrackAudio) }
	})
	f.initiate(t, call.TypeVoice)

	assert.False(t, f.m.ToggleVideo())
	assert.False(t, f.m.Snapshot().VideoOff)
}

func TestToggleSpeakerNeedsActiveCall(t *testing.T) {
	f := newFixture(t, nil)
	assert.False(t, f.m.ToggleSpeaker())

	f.initiate(t, call.TypeVoice)
	assert.True(t, f.m.ToggleSpeaker())
	assert.False(t, f.m.ToggleSpeaker())
}

// ── helpers ─────────────────────────────────────────────────────────

func mustDescription(t *testing.T, sdpType webrtc.SDPType) json.RawMessage {
	t.Helper()
	msg, err := signaling.NewDescription(signaling.MsgOffer, "me", "x",
		webrtc.SessionDescription{Type: sdpType, SDP: "v=0"})
	require.NoError(t, err)
	return msg.Payload
}

func descriptionWithSDP(t *testing.T, sdp string) json.RawMessage {
	t.Helper()
	msg, err := signaling.NewDescription(signaling.MsgOffer, "me", "x",
		webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
	require.NoError(t, err)
	return msg.Payload
}

func candidateMsg(t *testing.T, callID, candidate string) signaling.Message {
	t.Helper()
	msg, err := signaling.NewCandidate("me", callID, webrtc.ICECandidateInit{Candidate: candidate})
	require.NoError(t, err)
	msg.From = "peer-2"
	return msg
}
