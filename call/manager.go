package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/hasanmokdad-cloud/roomy-calls/rtc"
	"github.com/hasanmokdad-cloud/roomy-calls/signaling"
	"github.com/hasanmokdad-cloud/roomy-calls/store"
)

// DefaultRingTimeout is the caller-side no-answer window.
const DefaultRingTimeout = 30 * time.Second

// Options assemble a Manager. Transport, Records, Media and NewEngine
// are required; Notifier is optional (without it the callee learns of
// a call from the offer alone).
type Options struct {
	Self        Identity
	Transport   signaling.Transport
	Records     RecordStore
	Media       MediaSource
	NewEngine   EngineFactory
	Notifier    Notifier
	RingTimeout time.Duration
}

// Manager is the call-session state machine. All event sources —
// public operations, transport messages, engine callbacks, the ring
// timer — are serialized through one mutex, and every continuation
// that resumes after a suspension point revalidates the session
// generation before touching state.
type Manager struct {
	self        Identity
	transport   signaling.Transport
	records     RecordStore
	media       MediaSource
	newEngine   EngineFactory
	notifier    Notifier
	ringTimeout time.Duration
	timer       timeoutSupervisor

	mu   sync.Mutex
	sess *session
	gen  uint64

	cbMu    sync.RWMutex
	onEvent func(Event)
	onError func(error)
}

// NewManager wires the state machine into its collaborators and starts
// listening for signaling messages and invites.
func NewManager(opts Options) *Manager {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = DefaultRingTimeout
	}
	m := &Manager{
		self:        opts.Self,
		transport:   opts.Transport,
		records:     opts.Records,
		media:       opts.Media,
		newEngine:   opts.NewEngine,
		notifier:    opts.Notifier,
		ringTimeout: opts.RingTimeout,
	}
	m.transport.OnMessage(m.handleMessage)
	if m.notifier != nil {
		m.notifier.OnInvite(m.handleInvite)
	}
	return m
}

// OnEvent registers the session-event subscriber. Replaces any
// previous one.
func (m *Manager) OnEvent(fn func(Event)) {
	m.cbMu.Lock()
	m.onEvent = fn
	m.cbMu.Unlock()
}

// OnError registers the error side channel. Runtime failures of the
// asynchronous operations are delivered here, never panicked or lost.
func (m *Manager) OnError(fn func(error)) {
	m.cbMu.Lock()
	m.onError = fn
	m.cbMu.Unlock()
}

// Snapshot returns the current session state; an idle snapshot when no
// call is active.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return Snapshot{Status: StatusIdle}
	}
	return m.sess.snapshot()
}

// Status is a convenience over Snapshot.
func (m *Manager) Status() Status {
	return m.Snapshot().Status
}

// RemoteStream returns the remote media delivered so far, nil before
// the first remote track.
func (m *Manager) RemoteStream() *rtc.RemoteStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil
	}
	return m.sess.remote
}

// Initiate starts an outgoing call. Valid only when idle. The heavy
// steps run in order — record, invite, transport, media, engine,
// offer — and a failure at any of them aborts through cleanup; the
// caller is never left half-initialized.
func (m *Manager) Initiate(ctx context.Context, conversationID, receiverID, receiverName, receiverAvatar string, callType Type) error {
	m.mu.Lock()
	if m.sess != nil {
		m.mu.Unlock()
		return ErrBusy
	}
	m.gen++
	gen := m.gen
	sess := &session{
		conversationID:   conversationID,
		callType:         callType,
		status:           StatusCalling,
		remotePeerID:     receiverID,
		remotePeerName:   receiverName,
		remotePeerAvatar: receiverAvatar,
	}
	m.sess = sess
	m.mu.Unlock()

	log.Info().Str("conversation", conversationID).Str("to", receiverID).
		Str("type", string(callType)).Msg("initiating call")

	callID, err := m.records.Create(ctx, store.CreateParams{
		ConversationID: conversationID,
		CallerID:       m.self.ID,
		ReceiverID:     receiverID,
		CallType:       string(callType),
	})
	if err != nil {
		werr := fmt.Errorf("create call record: %w", err)
		m.report(werr)
		m.endSession(ReasonError)
		return werr
	}

	m.mu.Lock()
	if m.staleLocked(gen) {
		m.mu.Unlock()
		return nil // torn down while creating the record
	}
	sess.id = callID
	m.mu.Unlock()

	if m.notifier != nil {
		inv := signaling.Invite{
			CallID:         callID,
			ConversationID: conversationID,
			CallType:       string(callType),
			CallerID:       m.self.ID,
			CallerName:     m.self.Name,
			CallerAvatar:   m.self.Avatar,
		}
		if err := m.notifier.Notify(ctx, receiverID, inv); err != nil {
			// The offer still reaches a callee whose channel is open.
			log.Warn().Err(err).Msg("call invite delivery failed")
		}
	}

	if err := m.transport.Open(ctx, conversationID); err != nil {
		return m.abort(callID, fmt.Errorf("%w: %v", ErrSignaling, err))
	}

	// Suspension point: device acquisition can block while the user
	// hangs up or the remote declines. A late stream must be released,
	// not attached to whatever session exists by then.
	stream, err := m.media.Acquire(callType == TypeVideo)
	if err != nil {
		return m.abort(callID, fmt.Errorf("%w: %v", ErrMediaAcquisition, err))
	}
	m.mu.Lock()
	if m.staleLocked(gen) {
		m.mu.Unlock()
		m.media.Release(stream)
		return nil
	}
	sess.local = stream
	m.mu.Unlock()

	// The engine is created only now, with the remote identity known,
	// so every locally discovered candidate can be addressed.
	engine, err := m.newEngine(stream, m.engineCallbacks(gen, receiverID, callID))
	if err != nil {
		return m.abort(callID, fmt.Errorf("%w: %v", ErrNegotiation, err))
	}
	m.mu.Lock()
	if m.staleLocked(gen) {
		m.mu.Unlock()
		_ = engine.Close()
		return nil
	}
	sess.engine = engine
	m.mu.Unlock()

	offer, err := engine.CreateOffer()
	if err != nil {
		return m.abort(callID, fmt.Errorf("%w: %v", ErrNegotiation, err))
	}
	msg, err := signaling.NewDescription(signaling.MsgOffer, receiverID, callID, offer)
	if err != nil {
		return m.abort(callID, fmt.Errorf("%w: %v", ErrSignaling, err))
	}

	m.mu.Lock()
	if m.staleLocked(gen) {
		m.mu.Unlock()
		return nil
	}
	m.timer.arm(m.ringTimeout, func() { m.handleTimeout(gen) })
	snap := sess.snapshot()
	m.mu.Unlock()

	// Open returned with the subscription live, so the offer cannot
	// outrun the channel.
	if err := m.transport.Send(msg); err != nil {
		return m.abort(callID, fmt.Errorf("%w: %v", ErrSignaling, err))
	}
	m.emit(Event{Kind: EventStateChanged, Session: snap})
	return nil
}

// Accept answers the ringing incoming call. Media is acquired for the
// call type the caller announced, not re-chosen locally.
func (m *Manager) Accept(ctx context.Context) error {
	m.mu.Lock()
	sess := m.sess
	if sess == nil || sess.status != StatusRinging || sess.remotePeerID == "" || sess.id == "" {
		m.mu.Unlock()
		return ErrInvalidState
	}
	gen := m.gen
	convID, callID, remoteID := sess.conversationID, sess.id, sess.remotePeerID
	wantVideo := sess.callType == TypeVideo
	m.mu.Unlock()

	now := time.Now()
	if err := m.records.UpdateRecord(ctx, callID, store.Update{
		Status:    store.StatusConnected,
		StartedAt: &now,
	}); err != nil {
		log.Warn().Err(err).Str("call", callID).Msg("call record update failed")
	}

	if convID != "" {
		if err := m.transport.Open(ctx, convID); err != nil {
			return m.abort(callID, fmt.Errorf("%w: %v", ErrSignaling, err))
		}
	}

	stream, err := m.media.Acquire(wantVideo)
	if err != nil {
		return m.abort(callID, fmt.Errorf("%w: %v", ErrMediaAcquisition, err))
	}
	m.mu.Lock()
	if m.staleLocked(gen) {
		m.mu.Unlock()
		m.media.Release(stream)
		return nil
	}
	sess.local = stream
	m.mu.Unlock()

	engine, err := m.newEngine(stream, m.engineCallbacks(gen, remoteID, callID))
	if err != nil {
		return m.abort(callID, fmt.Errorf("%w: %v", ErrNegotiation, err))
	}
	m.mu.Lock()
	if m.staleLocked(gen) {
		m.mu.Unlock()
		_ = engine.Close()
		return nil
	}
	sess.engine = engine
	offer := sess.pendingOffer
	sess.pendingOffer = nil
	// Candidates that beat the engine are handed to its queue before
	// the lock drops: a late candidate cannot observe the engine until
	// this section ends, so arrival order survives the handoff. The
	// remote description is not set yet, so the engine only appends —
	// no peer-object work happens under the lock.
	for _, c := range sess.preCandidates {
		if err := engine.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Msg("skipping early ICE candidate")
		}
	}
	sess.preCandidates = nil
	m.mu.Unlock()

	if offer == nil {
		// Invite arrived but the offer has not; the answer is
		// produced when it lands.
		return nil
	}
	return m.answer(gen, engine, remoteID, callID, *offer)
}

// answer consumes the remote offer and publishes the local answer.
func (m *Manager) answer(gen uint64, engine Engine, remoteID, callID string, offer webrtc.SessionDescription) error {
	if err := engine.SetRemoteDescription(offer); err != nil {
		return m.abort(callID, fmt.Errorf("%w: %v", ErrNegotiation, err))
	}
	sdp, err := engine.CreateAnswer()
	if err != nil {
		return m.abort(callID, fmt.Errorf("%w: %v", ErrNegotiation, err))
	}
	msg, err := signaling.NewDescription(signaling.MsgAnswer, remoteID, callID, sdp)
	if err != nil {
		return m.abort(callID, fmt.Errorf("%w: %v", ErrSignaling, err))
	}
	if err := m.transport.Send(msg); err != nil {
		return m.abort(callID, fmt.Errorf("%w: %v", ErrSignaling, err))
	}

	m.mu.Lock()
	if m.staleLocked(gen) || m.sess == nil {
		m.mu.Unlock()
		return nil
	}
	m.sess.status = StatusConnected
	if m.sess.startTime.IsZero() {
		m.sess.startTime = time.Now()
	}
	snap := m.sess.snapshot()
	m.mu.Unlock()
	m.emit(Event{Kind: EventStateChanged, Session: snap})
	return nil
}

// Decline rejects the ringing incoming call.
func (m *Manager) Decline() error {
	m.mu.Lock()
	sess := m.sess
	if sess == nil || sess.status != StatusRinging {
		m.mu.Unlock()
		return ErrInvalidState
	}
	callID, remoteID := sess.id, sess.remotePeerID
	m.mu.Unlock()

	if callID != "" {
		m.finishRecord(callID, ReasonLocalDecline, time.Time{}, m.self.ID)
	}
	if err := m.transport.Send(signaling.NewTermination(signaling.MsgCallDecline, remoteID, callID)); err != nil {
		log.Warn().Err(err).Msg("decline message not delivered")
	}
	m.endSession(ReasonLocalDecline)
	return nil
}

// End hangs up. Valid while calling, ringing or connected.
func (m *Manager) End() error {
	m.mu.Lock()
	sess := m.sess
	if sess == nil || (sess.status != StatusCalling && sess.status != StatusRinging && sess.status != StatusConnected) {
		m.mu.Unlock()
		return ErrInvalidState
	}
	callID, remoteID, started := sess.id, sess.remotePeerID, sess.startTime
	m.mu.Unlock()

	if callID != "" {
		m.finishRecord(callID, ReasonLocalHangup, started, m.self.ID)
		if remoteID != "" {
			if err := m.transport.Send(signaling.NewTermination(signaling.MsgCallEnd, remoteID, callID)); err != nil {
				log.Warn().Err(err).Msg("hangup message not delivered")
			}
		}
	}
	m.endSession(ReasonLocalHangup)
	return nil
}

// ToggleMute flips the audio track and returns the new muted state.
// A missing audio track leaves everything unchanged.
func (m *Manager) ToggleMute() bool {
	return m.toggleTrack(TrackAudio)
}

// ToggleVideo flips the video track and returns the new video-off
// state. On a voice call there is no video track and this is a no-op.
func (m *Manager) ToggleVideo() bool {
	return m.toggleTrack(TrackVideo)
}

func (m *Manager) toggleTrack(kind string) bool {
	m.mu.Lock()
	sess := m.sess
	if sess == nil || sess.local == nil || sess.engine == nil {
		var cur bool
		if sess != nil {
			if kind == TrackAudio {
				cur = sess.muted
			} else {
				cur = sess.videoOff
			}
		}
		m.mu.Unlock()
		return cur
	}
	engine := sess.engine
	var off *bool
	if kind == TrackAudio {
		off = &sess.muted
	} else {
		off = &sess.videoOff
	}
	want := !*off
	m.mu.Unlock()

	// enabled is the inverse of the off/muted flag.
	applied := engine.SetTrackEnabled(kind, !want)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != sess {
		return false
	}
	if applied {
		*off = want
	}
	return *off
}

// ToggleSpeaker flips the speaker flag. Audio routing itself is a
// presentation concern; no signaling is involved.
func (m *Manager) ToggleSpeaker() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return false
	}
	m.sess.speakerOn = !m.sess.speakerOn
	return m.sess.speakerOn
}

// Close ends any active call. Used on client shutdown.
func (m *Manager) Close() {
	_ = m.End()
}

// ── internal ────────────────────────────────────────────────────────

// staleLocked reports whether gen belongs to a torn-down session.
// Caller holds m.mu.
func (m *Manager) staleLocked(gen uint64) bool {
	return m.gen != gen
}

// detachLocked removes the active session and returns a teardown that
// releases its resources exactly once. Caller holds m.mu and must run
// the returned func after unlocking — closing the peer object can
// fire callbacks that take the lock.
func (m *Manager) detachLocked() (func(), *session) {
	m.timer.disarm()
	sess := m.sess
	if sess == nil {
		return func() {}, nil
	}
	m.sess = nil
	m.gen++
	sess.pendingOffer = nil
	sess.preCandidates = nil
	return func() {
		if sess.local != nil {
			m.media.Release(sess.local)
		}
		if sess.engine != nil {
			_ = sess.engine.Close()
		}
		_ = m.transport.Close()
	}, sess
}

// endSession is the single cleanup path every termination trigger
// funnels through. Idempotent: a second trigger finds no session and
// does nothing.
func (m *Manager) endSession(reason EndReason) {
	m.mu.Lock()
	teardown, sess := m.detachLocked()
	m.mu.Unlock()
	teardown()

	if sess != nil {
		log.Info().Str("call", sess.id).Str("reason", string(reason)).Msg("call ended")
		snap := sess.snapshot()
		snap.Status = StatusEnded
		m.emit(Event{Kind: EventEnded, Session: snap, Reason: reason})
	}
}

// abort reports a fatal setup failure, closes the record, cleans up,
// and returns the error for the synchronous caller.
func (m *Manager) abort(callID string, werr error) error {
	m.report(werr)
	if callID != "" {
		m.finishRecord(callID, ReasonError, time.Time{}, m.self.ID)
	}
	m.endSession(ReasonError)
	return werr
}

// finishRecord writes the terminal record update. Record keeping is an
// audit side channel — failures are logged, never propagated.
func (m *Manager) finishRecord(callID string, reason EndReason, started time.Time, endedBy string) {
	now := time.Now()
	u := store.Update{EndedAt: &now, EndedBy: endedBy, EndReason: storeReason(reason)}
	switch reason {
	case ReasonLocalDecline, ReasonRemoteDecline:
		u.Status = store.StatusDeclined
	default:
		u.Status = store.StatusEnded
	}
	if !started.IsZero() {
		d := int(now.Sub(started).Seconds())
		u.DurationSeconds = &d
	}
	if err := m.records.UpdateRecord(context.Background(), callID, u); err != nil {
		log.Warn().Err(err).Str("call", callID).Msg("call record update failed")
	}
}

func storeReason(reason EndReason) string {
	switch reason {
	case ReasonLocalHangup:
		return store.ReasonHangup
	case ReasonNoAnswer:
		return store.ReasonNoAnswer
	case ReasonRemoteHangup, ReasonRemoteDecline:
		return store.ReasonRemote
	default:
		return store.ReasonFailure
	}
}

// handleTimeout fires when the ring window elapses with no answer.
func (m *Manager) handleTimeout(gen uint64) {
	m.mu.Lock()
	sess := m.sess
	if m.staleLocked(gen) || sess == nil || sess.status != StatusCalling {
		m.mu.Unlock()
		return
	}
	callID, remoteID := sess.id, sess.remotePeerID
	m.mu.Unlock()

	log.Info().Str("call", callID).Msg("no answer within the ring window")
	if callID != "" {
		m.finishRecord(callID, ReasonNoAnswer, time.Time{}, m.self.ID)
		_ = m.transport.Send(signaling.NewTermination(signaling.MsgCallEnd, remoteID, callID))
	}
	m.endSession(ReasonNoAnswer)
}

func (m *Manager) emit(ev Event) {
	m.cbMu.RLock()
	fn := m.onEvent
	m.cbMu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

func (m *Manager) report(err error) {
	log.Error().Err(err).Msg("call failure")
	m.cbMu.RLock()
	fn := m.onError
	m.cbMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}
