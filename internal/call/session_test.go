package call

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/huddle/internal/proto"
)

// fakeSignaler collects outbound messages and exposes an inbox for tests.
type fakeSignaler struct {
	mu    sync.Mutex
	sent  []proto.SignalMsg
	inbox chan proto.SignalMsg

	// peer, when set, receives everything this signaler sends (a two-node
	// loopback hub).
	peer *fakeSignaler
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{inbox: make(chan proto.SignalMsg, 64)}
}

func (f *fakeSignaler) Send(_ context.Context, msg proto.SignalMsg) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	peer := f.peer
	f.mu.Unlock()
	if peer != nil {
		peer.inbox <- msg
	}
	return nil
}

func (f *fakeSignaler) Subscribe() (chan proto.SignalMsg, func()) {
	return f.inbox, func() {}
}

func (f *fakeSignaler) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.Type
	}
	return out
}

func (f *fakeSignaler) countType(typ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if m.Type == typ {
			n++
		}
	}
	return n
}

// fakePC records every call against the PeerConnection interface.
type fakePC struct {
	mu            sync.Mutex
	remoteDescs   []string // "kind:sdp"
	localDescs    []string
	candidates    []proto.ICECandidate
	offerCount    int
	restartOffers int
	closed        int
	failSetRemote error

	// onSetRemote, when set, runs while SetRemoteDescription is in flight,
	// for racing signals against description application.
	onSetRemote func()
}

func (p *fakePC) CreateOffer(iceRestart bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offerCount++
	if iceRestart {
		p.restartOffers++
		return "sdp-restart-offer", nil
	}
	return "sdp-offer", nil
}

func (p *fakePC) CreateAnswer() (string, error) { return "sdp-answer", nil }

func (p *fakePC) SetLocalDescription(kind, sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localDescs = append(p.localDescs, kind+":"+sdp)
	return nil
}

func (p *fakePC) SetRemoteDescription(kind, sdp string) error {
	p.mu.Lock()
	if p.failSetRemote != nil {
		p.mu.Unlock()
		return p.failSetRemote
	}
	p.remoteDescs = append(p.remoteDescs, kind+":"+sdp)
	hook := p.onSetRemote
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (p *fakePC) AddICECandidate(c proto.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePC) candidateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.candidates)
}

func (p *fakePC) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// fakeTrack is a local track with an enabled flag and a stop counter.
type fakeTrack struct {
	kind    string
	mu      sync.Mutex
	enabled bool
	stopped int
}

func newFakeTrack(kind string) *fakeTrack { return &fakeTrack{kind: kind, enabled: true} }

func (t *fakeTrack) Kind() string { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped++
	t.mu.Unlock()
}

func (t *fakeTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// fakeDialer hands out fakePCs and remembers the callbacks so tests can
// drive connection state changes. An optional gate delays Dial until
// released, for racing teardown against setup.
type fakeDialer struct {
	mu      sync.Mutex
	pcs     []*fakePC
	tracks  [][]*fakeTrack
	cbs     []Callbacks
	gate    chan struct{}
	err     error
	noVideo bool // simulate the camera-unavailable fallback
}

func newFakeDialer() *fakeDialer { return &fakeDialer{} }

func (d *fakeDialer) Dial(ctx context.Context, video bool, cb Callbacks, _ func(Notice)) (PeerConnection, []Track, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, nil, d.err
	}
	pc := &fakePC{}
	tracks := []*fakeTrack{newFakeTrack("audio")}
	if video && !d.noVideo {
		tracks = append(tracks, newFakeTrack("video"))
	}
	d.pcs = append(d.pcs, pc)
	d.tracks = append(d.tracks, tracks)
	d.cbs = append(d.cbs, cb)

	out := make([]Track, len(tracks))
	for i, t := range tracks {
		out[i] = t
	}
	return pc, out, nil
}

func (d *fakeDialer) lastPC(t *testing.T) *fakePC {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pcs) == 0 {
		t.Fatal("no PC dialed")
	}
	return d.pcs[len(d.pcs)-1]
}

func (d *fakeDialer) lastCallbacks(t *testing.T) Callbacks {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.cbs) == 0 {
		t.Fatal("no PC dialed")
	}
	return d.cbs[len(d.cbs)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func testPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 1, Wait: time.Millisecond}
}

func outgoingSession(t *testing.T, sig *fakeSignaler, dialer *fakeDialer) *Session {
	t.Helper()
	s := newSession("alice", "bob", true, sig, dialer, testPolicy(), nil, nil)
	s.startOutgoing(context.Background())
	waitFor(t, "offer sent", func() bool { return sig.countType(proto.SignalOffer) > 0 })
	return s
}

func TestOutgoingOfferThenAnswerConnects(t *testing.T) {
	sig := newFakeSignaler()
	dialer := newFakeDialer()
	s := outgoingSession(t, sig, dialer)

	if s.State() != StateOutgoing {
		t.Fatalf("state = %s, want outgoing", s.State())
	}

	s.handleSignal(proto.SignalMsg{Type: proto.SignalAnswer, From: "bob", To: "alice", SDP: "sdp-answer"})
	if s.State() != StateConnected {
		t.Errorf("state = %s, want connected", s.State())
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	sig := newFakeSignaler()
	dialer := newFakeDialer()
	s := outgoingSession(t, sig, dialer)
	pc := dialer.lastPC(t)

	// Candidates arriving before the answer must not hit the PC.
	for i := 0; i < 3; i++ {
		s.handleSignal(proto.SignalMsg{
			Type: proto.SignalICE, From: "bob", To: "alice",
			Candidate: &proto.ICECandidate{Candidate: fmt.Sprintf("candidate-%d", i), SDPMLineIndex: uint16(i)},
		})
	}
	if got := pc.candidateCount(); got != 0 {
		t.Fatalf("candidates applied before remote description: %d", got)
	}

	s.handleSignal(proto.SignalMsg{Type: proto.SignalAnswer, From: "bob", To: "alice", SDP: "sdp-answer"})

	// Flushed in arrival order.
	if got := pc.candidateCount(); got != 3 {
		t.Fatalf("flushed %d candidates, want 3", got)
	}
	for i, c := range pc.candidates {
		if c.Candidate != fmt.Sprintf("candidate-%d", i) {
			t.Errorf("candidate %d out of order: %q", i, c.Candidate)
		}
	}

	// Candidates after the description apply directly.
	s.handleSignal(proto.SignalMsg{
		Type: proto.SignalICE, From: "bob", To: "alice",
		Candidate: &proto.ICECandidate{Candidate: "late"},
	})
	if got := pc.candidateCount(); got != 4 {
		t.Errorf("late candidate not applied: %d", got)
	}
}

func TestHangupIsIdempotent(t *testing.T) {
	sig := newFakeSignaler()
	dialer := newFakeDialer()
	s := outgoingSession(t, sig, dialer)
	pc := dialer.lastPC(t)
	s.handleSignal(proto.SignalMsg{Type: proto.SignalAnswer, From: "bob", To: "alice", SDP: "sdp-answer"})

	s.Hangup()
	s.Hangup()
	s.Hangup()

	if got := sig.countType(proto.SignalHangup); got != 1 {
		t.Errorf("hangup sent %d times, want 1", got)
	}
	if got := pc.closeCount(); got != 1 {
		t.Errorf("pc closed %d times, want 1", got)
	}
	dialer.mu.Lock()
	tracks := dialer.tracks[0]
	dialer.mu.Unlock()
	for _, tr := range tracks {
		if got := tr.stopCount(); got != 1 {
			t.Errorf("%s track stopped %d times, want 1", tr.kind, got)
		}
	}
	if s.State() != StateIdle {
		t.Errorf("state = %s, want idle", s.State())
	}
}

func TestRemoteHangupConcurrentWithLocal(t *testing.T) {
	sig := newFakeSignaler()
	dialer := newFakeDialer()
	s := outgoingSession(t, sig, dialer)
	pc := dialer.lastPC(t)
	s.handleSignal(proto.SignalMsg{Type: proto.SignalAnswer, From: "bob", To: "alice", SDP: "sdp-answer"})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.Hangup() }()
	go func() {
		defer wg.Done()
		s.handleSignal(proto.SignalMsg{Type: proto.SignalHangup, From: "bob", To: "alice"})
	}()
	wg.Wait()

	if got := pc.closeCount(); got != 1 {
		t.Errorf("pc closed %d times, want 1", got)
	}
}

func TestTeardownDuringDialStopsLateTracks(t *testing.T) {
	sig := newFakeSignaler()
	dialer := newFakeDialer()
	dialer.gate = make(chan struct{})

	s := newSession("alice", "bob", true, sig, dialer, testPolicy(), nil, nil)
	s.startOutgoing(context.Background())

	// Hang up while the dial is still blocked on the gate.
	s.Hangup()
	if s.State() != StateIdle {
		t.Fatalf("state = %s, want idle", s.State())
	}

	// Let the dial resolve late.
	close(dialer.gate)
	waitFor(t, "late PC closed", func() bool {
		dialer.mu.Lock()
		defer dialer.mu.Unlock()
		return len(dialer.pcs) == 1 && dialer.pcs[0].closed == 1
	})

	dialer.mu.Lock()
	tracks := dialer.tracks[0]
	dialer.mu.Unlock()
	for _, tr := range tracks {
		if tr.stopCount() != 1 {
			t.Errorf("late %s track not stopped", tr.kind)
		}
	}
	// No offer from the dead session.
	if got := sig.countType(proto.SignalOffer); got != 0 {
		t.Errorf("dead session sent %d offers", got)
	}
}

func TestToggleFlipsEnabledOnly(t *testing.T) {
	sig := newFakeSignaler()
	dialer := newFakeDialer()
	s := outgoingSession(t, sig, dialer)
	pc := dialer.lastPC(t)
	s.handleSignal(proto.SignalMsg{Type: proto.SignalAnswer, From: "bob", To: "alice", SDP: "sdp-answer"})

	dialer.mu.Lock()
	tracks := dialer.tracks[0]
	dialer.mu.Unlock()
	var audio *fakeTrack
	for _, tr := range tracks {
		if tr.kind == "audio" {
			audio = tr
		}
	}

	sentBefore := len(sig.sentTypes())
	if muted := s.ToggleAudio(); !muted {
		t.Error("first toggle should mute")
	}
	if audio.Enabled() {
		t.Error("audio track still enabled after mute")
	}
	if muted := s.ToggleAudio(); muted {
		t.Error("second toggle should unmute")
	}
	if !audio.Enabled() {
		t.Error("audio track disabled after unmute")
	}

	// Mute is an enabled-flag flip: no signaling, no teardown.
	if got := len(sig.sentTypes()); got != sentBefore {
		t.Errorf("mute produced %d signaling messages", got-sentBefore)
	}
	if audio.stopCount() != 0 {
		t.Error("mute stopped the track")
	}
	if pc.closeCount() != 0 {
		t.Error("mute closed the peer connection")
	}
}

func TestOneICERestartThenTeardown(t *testing.T) {
	sig := newFakeSignaler()
	dialer := newFakeDialer()
	s := outgoingSession(t, sig, dialer)
	pc := dialer.lastPC(t)
	cb := dialer.lastCallbacks(t)
	s.handleSignal(proto.SignalMsg{Type: proto.SignalAnswer, From: "bob", To: "alice", SDP: "sdp-answer"})

	// First failure: one restart offer goes out, call stays up.
	cb.OnConnectionState("failed")
	if pc.restartOffers != 1 {
		t.Fatalf("restart offers = %d, want 1", pc.restartOffers)
	}
	if s.State() != StateConnected {
		t.Fatalf("state = %s, want connected during restart", s.State())
	}

	// Restart answer arrives and candidates flow again.
	s.handleSignal(proto.SignalMsg{Type: proto.SignalAnswer, From: "bob", To: "alice", SDP: "sdp-answer-2"})
	if s.State() != StateConnected {
		t.Fatalf("state = %s after restart answer", s.State())
	}

	// Second failure ends the call.
	cb.OnConnectionState("failed")
	waitFor(t, "teardown", func() bool { return s.State() == StateIdle })
	if pc.restartOffers != 1 {
		t.Errorf("restart offers = %d, want still 1", pc.restartOffers)
	}
	if pc.closeCount() != 1 {
		t.Errorf("pc closed %d times, want 1", pc.closeCount())
	}
}

func TestMidCallOfferIsAnswered(t *testing.T) {
	sig := newFakeSignaler()
	dialer := newFakeDialer()
	s := outgoingSession(t, sig, dialer)
	s.handleSignal(proto.SignalMsg{Type: proto.SignalAnswer, From: "bob", To: "alice", SDP: "sdp-answer"})

	// Remote side does an ICE restart.
	s.handleSignal(proto.SignalMsg{Type: proto.SignalOffer, From: "bob", To: "alice", SDP: "sdp-restart"})

	if got := sig.countType(proto.SignalAnswer); got != 1 {
		t.Errorf("renegotiation answers sent = %d, want 1", got)
	}
	if s.State() != StateConnected {
		t.Errorf("state = %s, want connected", s.State())
	}
}

func TestInfoTracksDurationAndFlags(t *testing.T) {
	sig := newFakeSignaler()
	dialer := newFakeDialer()
	s := outgoingSession(t, sig, dialer)

	if info := s.Info(); info.Duration != 0 || info.State != StateOutgoing {
		t.Errorf("pre-connect info = %+v", info)
	}

	s.handleSignal(proto.SignalMsg{Type: proto.SignalAnswer, From: "bob", To: "alice", SDP: "sdp-answer"})
	time.Sleep(5 * time.Millisecond)

	info := s.Info()
	if info.State != StateConnected || info.Duration <= 0 {
		t.Errorf("connected info = %+v", info)
	}
	if !info.AudioEnabled || !info.VideoEnabled {
		t.Errorf("tracks should start enabled: %+v", info)
	}

	s.ToggleAudio()
	if info := s.Info(); info.AudioEnabled || !info.VideoEnabled {
		t.Errorf("post-mute info = %+v", info)
	}

	s.Hangup()
	if info := s.Info(); info.State != StateIdle || info.Duration != 0 {
		t.Errorf("post-hangup info = %+v", info)
	}
}

func TestHangupDuringAnswerApplicationStaysIdle(t *testing.T) {
	sig := newFakeSignaler()
	dialer := newFakeDialer()
	s := outgoingSession(t, sig, dialer)
	pc := dialer.lastPC(t)

	// The remote hangup lands while the answer description is being applied.
	// The session must not connect past its own teardown.
	pc.mu.Lock()
	pc.onSetRemote = func() {
		s.handleSignal(proto.SignalMsg{Type: proto.SignalHangup, From: "bob", To: "alice"})
	}
	pc.mu.Unlock()

	s.handleSignal(proto.SignalMsg{Type: proto.SignalAnswer, From: "bob", To: "alice", SDP: "sdp-answer"})

	if s.State() != StateIdle {
		t.Fatalf("state = %s, want idle", s.State())
	}
	if got := pc.closeCount(); got != 1 {
		t.Errorf("pc closed %d times, want 1", got)
	}

	// The dead session must not collect candidates either.
	s.handleSignal(proto.SignalMsg{
		Type: proto.SignalICE, From: "bob", To: "alice",
		Candidate: &proto.ICECandidate{Candidate: "late"},
	})
	if got := pc.candidateCount(); got != 0 {
		t.Errorf("dead session applied %d candidates", got)
	}
	s.mu.Lock()
	buffered := len(s.pending)
	s.mu.Unlock()
	if buffered != 0 {
		t.Errorf("dead session buffered %d candidates", buffered)
	}
}

func TestInfoReportsAudioOnlyFallback(t *testing.T) {
	sig := newFakeSignaler()
	dialer := newFakeDialer()
	dialer.noVideo = true
	s := outgoingSession(t, sig, dialer) // requests video

	s.handleSignal(proto.SignalMsg{Type: proto.SignalAnswer, From: "bob", To: "alice", SDP: "sdp-answer"})

	info := s.Info()
	if info.State != StateConnected {
		t.Fatalf("state = %s, want connected", info.State)
	}
	// The camera was requested but never came up: the snapshot reports what
	// is actually flowing.
	if info.Video || info.VideoEnabled {
		t.Errorf("video flags set on audio-only call: %+v", info)
	}
	if !info.AudioEnabled {
		t.Errorf("audio not enabled: %+v", info)
	}
}

func TestRejectTearsDownOutgoing(t *testing.T) {
	sig := newFakeSignaler()
	dialer := newFakeDialer()

	var notices []Notice
	var nmu sync.Mutex
	s := newSession("alice", "bob", false, sig, dialer, testPolicy(), func(n Notice) {
		nmu.Lock()
		notices = append(notices, n)
		nmu.Unlock()
	}, nil)
	s.startOutgoing(context.Background())
	waitFor(t, "offer sent", func() bool { return sig.countType(proto.SignalOffer) > 0 })

	s.handleSignal(proto.SignalMsg{Type: proto.SignalReject, From: "bob", To: "alice"})

	if s.State() != StateIdle {
		t.Errorf("state = %s, want idle", s.State())
	}
	nmu.Lock()
	defer nmu.Unlock()
	found := false
	for _, n := range notices {
		if n.Kind == "rejected" {
			found = true
		}
	}
	if !found {
		t.Errorf("no rejected notice in %v", notices)
	}
}
