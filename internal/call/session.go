package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/util"
)

// Session is one call between two peers, driven by signaling messages from
// the remote side and connection callbacks from Pion. All transitions happen
// behind one mutex; callbacks arriving after teardown are discarded by the
// generation check.
type Session struct {
	selfID   string
	remoteID string

	sig    Signaler
	dialer Dialer
	policy RetryPolicy

	notify  func(Notice)
	onState func(State)

	mu     sync.Mutex
	state  State
	video  bool
	pc     PeerConnection
	tracks []Track

	// generation invalidates in-flight async work. Teardown bumps it; a
	// dial or media acquisition that resolves afterwards sees the mismatch
	// and releases whatever it produced.
	generation uint64

	// pending holds remote ICE candidates that arrived before the remote
	// description. Applying them early is a Pion error; they are flushed
	// in arrival order once the description lands.
	pending       []proto.ICECandidate
	remoteDescSet bool

	restartTried bool
	hung         bool

	// connectedAt anchors the call timer; zero until connected.
	connectedAt time.Time
}

// Info is an observable snapshot of the session for the UI.
type Info struct {
	Peer         string        `json:"peer"`
	State        State         `json:"state"`
	Video        bool          `json:"video"`
	Duration     time.Duration `json:"duration"`
	AudioEnabled bool          `json:"audio_enabled"`
	VideoEnabled bool          `json:"video_enabled"`
}

func newSession(selfID, remoteID string, video bool, sig Signaler, dialer Dialer, policy RetryPolicy, notify func(Notice), onState func(State)) *Session {
	if notify == nil {
		notify = func(Notice) {}
	}
	if onState == nil {
		onState = func(State) {}
	}
	return &Session{
		selfID:   selfID,
		remoteID: remoteID,
		sig:      sig,
		dialer:   dialer,
		policy:   policy,
		notify:   notify,
		onState:  onState,
		state:    StateIdle,
		video:    video,
	}
}

// RemoteID returns the peer on the other end.
func (s *Session) RemoteID() string { return s.remoteID }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns the full observable snapshot: state, call duration and the
// enabled flags of the local tracks. Video reflects the tracks that actually
// came up — after an audio-only fallback it reads false even when the camera
// was requested. Before media is up it echoes the request.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{Peer: s.remoteID, State: s.state}
	if s.pc == nil {
		info.Video = s.video
	}
	if !s.connectedAt.IsZero() && s.state == StateConnected {
		info.Duration = time.Since(s.connectedAt)
	}
	for _, t := range s.tracks {
		switch t.Kind() {
		case "audio":
			info.AudioEnabled = t.Enabled()
		case "video":
			info.Video = true
			info.VideoEnabled = t.Enabled()
		}
	}
	return info
}

// startOutgoing transitions idle → outgoing and dials in the background.
// Media acquisition can take seconds (retries on a busy camera), so the
// caller gets the outgoing state immediately and the offer follows when the
// peer connection is up.
func (s *Session) startOutgoing(ctx context.Context) {
	s.mu.Lock()
	s.setStateLocked(StateOutgoing)
	gen := s.generation
	s.mu.Unlock()

	go func() {
		pc, tracks, err := s.dial(ctx, gen)
		if err != nil {
			if err != errStaleGeneration {
				log.Printf("CALL [%s]: dial failed: %v", s.remoteID, err)
				s.notify(Notice{Kind: "error", Message: "could not start call: " + err.Error()})
				s.teardown(false)
			}
			return
		}

		sdp, err := pc.CreateOffer(false)
		if err != nil {
			s.failSetup(gen, fmt.Errorf("create offer: %w", err))
			return
		}
		if err := pc.SetLocalDescription("offer", sdp); err != nil {
			s.failSetup(gen, fmt.Errorf("set local offer: %w", err))
			return
		}

		s.mu.Lock()
		video := s.video && hasVideoTrack(tracks)
		s.mu.Unlock()

		s.send(proto.SignalMsg{Type: proto.SignalOffer, SDP: sdp, Video: video})
		log.Printf("CALL [%s]: offer sent", s.remoteID)
	}()
}

// startIncoming transitions idle → incoming. The offer is held until the
// user accepts; only then does media spin up and the answer go out.
func (s *Session) startIncoming() {
	s.mu.Lock()
	s.setStateLocked(StateIncoming)
	s.mu.Unlock()
}

// accept answers a ringing call: dial local media, apply the held offer,
// send the answer, and move to connected.
func (s *Session) accept(ctx context.Context, offerSDP string) error {
	s.mu.Lock()
	if s.state != StateIncoming {
		s.mu.Unlock()
		return fmt.Errorf("accept in state %s", s.state)
	}
	gen := s.generation
	s.mu.Unlock()

	pc, _, err := s.dial(ctx, gen)
	if err != nil {
		if err != errStaleGeneration {
			s.notify(Notice{Kind: "error", Message: "could not accept call: " + err.Error()})
			s.teardown(false)
		}
		return err
	}

	if err := pc.SetRemoteDescription("offer", offerSDP); err != nil {
		s.failSetup(gen, fmt.Errorf("set remote offer: %w", err))
		return err
	}
	if !s.flushPending(pc) {
		return errStaleGeneration
	}

	answer, err := pc.CreateAnswer()
	if err != nil {
		s.failSetup(gen, fmt.Errorf("create answer: %w", err))
		return err
	}
	if err := pc.SetLocalDescription("answer", answer); err != nil {
		s.failSetup(gen, fmt.Errorf("set local answer: %w", err))
		return err
	}

	s.send(proto.SignalMsg{Type: proto.SignalAnswer, SDP: answer})

	s.mu.Lock()
	if s.hung || s.generation != gen {
		s.mu.Unlock()
		return errStaleGeneration
	}
	s.setStateLocked(StateConnected)
	s.mu.Unlock()
	log.Printf("CALL [%s]: answer sent, call connected", s.remoteID)
	return nil
}

// reject declines a ringing call and tears the session down.
func (s *Session) reject() {
	s.send(proto.SignalMsg{Type: proto.SignalReject})
	log.Printf("CALL [%s]: rejected", s.remoteID)
	s.teardown(false)
}

// Hangup ends the call and notifies the remote peer. Idempotent — both
// peers hang up on teardown, and a hangup racing a remote hangup must not
// double-release anything.
func (s *Session) Hangup() {
	s.mu.Lock()
	if s.hung {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.send(proto.SignalMsg{Type: proto.SignalHangup})
	s.teardown(false)
}

// ToggleAudio flips the local microphone. Returns the new muted state
// (true = muted). The track keeps its SDP slot; no renegotiation happens.
func (s *Session) ToggleAudio() bool {
	return s.toggleKind("audio")
}

// ToggleVideo flips the local camera. Returns the new disabled state.
func (s *Session) ToggleVideo() bool {
	return s.toggleKind("video")
}

func (s *Session) toggleKind(kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	disabled := false
	for _, t := range s.tracks {
		if t.Kind() != kind {
			continue
		}
		t.SetEnabled(!t.Enabled())
		disabled = !t.Enabled()
	}
	log.Printf("CALL [%s]: %s disabled=%v", s.remoteID, kind, disabled)
	return disabled
}

// handleSignal processes one inbound message from the remote peer.
func (s *Session) handleSignal(msg proto.SignalMsg) {
	switch msg.Type {
	case proto.SignalAnswer:
		s.handleAnswer(msg.SDP)
	case proto.SignalOffer:
		s.handleRenegotiation(msg.SDP)
	case proto.SignalICE:
		if msg.Candidate != nil {
			s.handleCandidate(*msg.Candidate)
		}
	case proto.SignalReject:
		log.Printf("CALL [%s]: remote rejected", s.remoteID)
		s.notify(Notice{Kind: "rejected", Message: "call was declined"})
		s.teardown(false)
	case proto.SignalHangup:
		log.Printf("CALL [%s]: remote hung up", s.remoteID)
		s.notify(Notice{Kind: "ended", Message: "call ended by remote peer"})
		s.teardown(false)
	}
}

func (s *Session) handleAnswer(sdp string) {
	s.mu.Lock()
	if s.state != StateOutgoing && s.state != StateConnected {
		s.mu.Unlock()
		log.Printf("CALL [%s]: answer in state %s ignored", s.remoteID, s.state)
		return
	}
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return
	}

	if err := pc.SetRemoteDescription("answer", sdp); err != nil {
		log.Printf("CALL [%s]: set remote answer: %v", s.remoteID, err)
		s.notify(Notice{Kind: "error", Message: "call setup failed"})
		s.teardown(true)
		return
	}
	// A hangup may have landed while the description was being applied;
	// connecting past it would resurrect a torn-down session.
	if !s.flushPending(pc) {
		return
	}

	s.mu.Lock()
	if s.hung {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateConnected)
	s.mu.Unlock()
	log.Printf("CALL [%s]: answer applied, call connected", s.remoteID)
}

// handleRenegotiation applies an offer that arrives mid-call — the remote
// side performing an ICE restart — and answers it.
func (s *Session) handleRenegotiation(sdp string) {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		log.Printf("CALL [%s]: mid-call offer in state %s ignored", s.remoteID, s.state)
		return
	}
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return
	}

	if err := pc.SetRemoteDescription("offer", sdp); err != nil {
		log.Printf("CALL [%s]: renegotiation offer: %v", s.remoteID, err)
		return
	}
	answer, err := pc.CreateAnswer()
	if err != nil {
		log.Printf("CALL [%s]: renegotiation answer: %v", s.remoteID, err)
		return
	}
	if err := pc.SetLocalDescription("answer", answer); err != nil {
		log.Printf("CALL [%s]: renegotiation local answer: %v", s.remoteID, err)
		return
	}
	s.send(proto.SignalMsg{Type: proto.SignalAnswer, SDP: answer})
	log.Printf("CALL [%s]: renegotiation answered", s.remoteID)
}

func (s *Session) handleCandidate(c proto.ICECandidate) {
	s.mu.Lock()
	if s.hung {
		s.mu.Unlock()
		return
	}
	if !s.remoteDescSet || s.pc == nil {
		s.pending = append(s.pending, c)
		n := len(s.pending)
		s.mu.Unlock()
		log.Printf("CALL [%s]: buffered ICE candidate (%d pending)", s.remoteID, n)
		return
	}
	pc := s.pc
	s.mu.Unlock()

	if err := pc.AddICECandidate(c); err != nil {
		log.Printf("CALL [%s]: add ICE candidate: %v", s.remoteID, err)
	}
}

// flushPending marks the remote description as set and applies buffered
// candidates in arrival order. Returns false when the session was torn down
// in the meantime: nothing is applied and the caller must not proceed.
func (s *Session) flushPending(pc PeerConnection) bool {
	s.mu.Lock()
	if s.hung {
		s.mu.Unlock()
		return false
	}
	s.remoteDescSet = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			log.Printf("CALL [%s]: flush ICE candidate: %v", s.remoteID, err)
		}
	}
	if len(pending) > 0 {
		log.Printf("CALL [%s]: flushed %d buffered candidates", s.remoteID, len(pending))
	}
	return true
}

// handleConnectionState reacts to Pion transport state changes. One ICE
// restart is attempted per call; a second failure ends it.
func (s *Session) handleConnectionState(state string) {
	log.Printf("CALL [%s]: connection state %s", s.remoteID, state)
	switch state {
	case "failed", "disconnected":
		s.mu.Lock()
		if s.state != StateConnected || s.hung {
			s.mu.Unlock()
			return
		}
		if s.restartTried {
			s.mu.Unlock()
			s.notify(Notice{Kind: "ended", Message: "connection lost"})
			s.teardown(true)
			return
		}
		s.restartTried = true
		pc := s.pc
		video := s.video
		s.mu.Unlock()

		s.notify(Notice{Kind: "reconnecting", Message: "connection interrupted, reconnecting"})
		sdp, err := pc.CreateOffer(true)
		if err != nil {
			log.Printf("CALL [%s]: ICE restart offer: %v", s.remoteID, err)
			s.teardown(true)
			return
		}
		if err := pc.SetLocalDescription("offer", sdp); err != nil {
			log.Printf("CALL [%s]: ICE restart local offer: %v", s.remoteID, err)
			s.teardown(true)
			return
		}
		// The restart offer resets remote candidates: buffer new ones
		// until the restart answer lands.
		s.mu.Lock()
		s.remoteDescSet = false
		s.mu.Unlock()
		s.send(proto.SignalMsg{Type: proto.SignalOffer, SDP: sdp, Video: video})
		log.Printf("CALL [%s]: ICE restart offer sent", s.remoteID)
	}
}

// sendLocalCandidate trickles one locally gathered candidate to the peer.
func (s *Session) sendLocalCandidate(c *proto.ICECandidate) {
	if c == nil {
		return
	}
	s.mu.Lock()
	hung := s.hung
	s.mu.Unlock()
	if hung {
		return
	}
	s.send(proto.SignalMsg{Type: proto.SignalICE, Candidate: c})
}

var errStaleGeneration = fmt.Errorf("session torn down during setup")

// dial builds the peer connection with local media. If teardown happened
// while the dial was in flight, everything just produced is released and
// errStaleGeneration comes back.
func (s *Session) dial(ctx context.Context, gen uint64) (PeerConnection, []Track, error) {
	cb := Callbacks{
		OnICECandidate:    s.sendLocalCandidate,
		OnConnectionState: s.handleConnectionState,
	}

	s.mu.Lock()
	video := s.video
	s.mu.Unlock()

	pc, tracks, err := s.dialer.Dial(ctx, video, cb, s.notify)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	if s.generation != gen || s.hung {
		s.mu.Unlock()
		// Too late: the call is gone. Stop the capture immediately so the
		// camera light goes out instead of staying on behind a dead call.
		for _, t := range tracks {
			t.Stop()
		}
		_ = pc.Close()
		return nil, nil, errStaleGeneration
	}
	s.pc = pc
	s.tracks = tracks
	s.mu.Unlock()
	return pc, tracks, nil
}

func (s *Session) failSetup(gen uint64, err error) {
	s.mu.Lock()
	stale := s.generation != gen
	s.mu.Unlock()
	if stale {
		return
	}
	log.Printf("CALL [%s]: %v", s.remoteID, err)
	s.notify(Notice{Kind: "error", Message: "call setup failed"})
	s.teardown(false)
}

// teardown releases everything exactly once: stop local tracks, close the
// peer connection, drop buffered candidates, reset to idle. Safe against
// concurrent and repeated calls from both peers.
func (s *Session) teardown(remoteInitiated bool) {
	s.mu.Lock()
	if s.hung {
		s.mu.Unlock()
		return
	}
	s.hung = true
	s.generation++
	pc := s.pc
	tracks := s.tracks
	s.pc = nil
	s.tracks = nil
	s.pending = nil
	s.remoteDescSet = false
	s.setStateLocked(StateIdle)
	s.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
	if pc != nil {
		_ = pc.Close()
	}
	log.Printf("CALL [%s]: session torn down (remote=%v)", s.remoteID, remoteInitiated)
}

func (s *Session) send(msg proto.SignalMsg) {
	msg.From = s.selfID
	msg.To = s.remoteID
	msg.TS = proto.NowMillis()
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultPublishTimeout)
	defer cancel()
	if err := s.sig.Send(ctx, msg); err != nil {
		log.Printf("CALL [%s]: send %s: %v", s.remoteID, msg.Type, err)
	}
}

// setStateLocked must be called with s.mu held.
func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	switch st {
	case StateConnected:
		if s.connectedAt.IsZero() {
			s.connectedAt = time.Now()
		}
	case StateIdle:
		s.connectedAt = time.Time{}
	}
	go s.onState(st)
}

func hasVideoTrack(tracks []Track) bool {
	for _, t := range tracks {
		if t.Kind() == "video" {
			return true
		}
	}
	return false
}
