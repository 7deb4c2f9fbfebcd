package call

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/util"
)

// Manager owns the single active session and bridges signaling to it.
// One call at a time: an offer arriving during a call gets an immediate
// reject, the way a busy line sounds busy instead of ringing.
type Manager struct {
	sig    Signaler
	dialer Dialer
	selfID string
	policy RetryPolicy

	mu      sync.RWMutex
	active  *Session
	pending *proto.SignalMsg // offer held while the incoming call rings

	// early holds remote ICE candidates that outran their offer on the
	// relay. They are replayed into the session the moment the offer
	// arrives, preserving arrival order.
	early map[string][]proto.ICECandidate

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)

	noticeMu sync.RWMutex
	notices  []func(Notice)
	states   []func(remoteID string, st State)

	done chan struct{}
}

// New creates a Manager attached to sig and starts listening for signaling
// messages immediately.
func New(sig Signaler, dialer Dialer, selfID string, policy RetryPolicy) *Manager {
	m := &Manager{
		sig:    sig,
		dialer: dialer,
		selfID: selfID,
		policy: policy,
		early:  make(map[string][]proto.ICECandidate),
		done:   make(chan struct{}),
	}
	go m.dispatchLoop()
	return m
}

// OnIncoming registers a callback fired for each ringing call. Multiple
// handlers can be registered; every gateway connection adds one.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// OnNotice registers a callback for user-facing call notices.
func (m *Manager) OnNotice(fn func(Notice)) {
	m.noticeMu.Lock()
	m.notices = append(m.notices, fn)
	m.noticeMu.Unlock()
}

// OnStateChange registers a callback for session state transitions.
func (m *Manager) OnStateChange(fn func(remoteID string, st State)) {
	m.noticeMu.Lock()
	m.states = append(m.states, fn)
	m.noticeMu.Unlock()
}

// StartCall rings remoteID. video requests the camera; the dialer may
// degrade to audio-only and report it as a notice.
func (m *Manager) StartCall(ctx context.Context, remoteID string, video bool) (*Session, error) {
	if remoteID == m.selfID {
		return nil, fmt.Errorf("cannot call yourself")
	}

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("already in a call with %s", m.active.RemoteID())
	}
	sess := m.newSession(remoteID, video)
	m.active = sess
	m.mu.Unlock()

	log.Printf("CALL: starting call to %s (video=%v)", remoteID, video)
	sess.startOutgoing(ctx)
	return sess, nil
}

// Active returns the current session, if any.
func (m *Manager) Active() (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active, m.active != nil
}

// EndCall hangs up the active session. No-op when idle.
func (m *Manager) EndCall() {
	m.mu.RLock()
	sess := m.active
	m.mu.RUnlock()
	if sess != nil {
		sess.Hangup()
	}
}

// Close shuts down the manager and hangs up the active session.
func (m *Manager) Close() {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}
	m.EndCall()
}

func (m *Manager) newSession(remoteID string, video bool) *Session {
	return newSession(m.selfID, remoteID, video, m.sig, m.dialer, m.policy,
		m.fanoutNotice,
		func(st State) {
			if st == StateIdle {
				m.clearActive(remoteID)
			}
			m.noticeMu.RLock()
			handlers := make([]func(string, State), len(m.states))
			copy(handlers, m.states)
			m.noticeMu.RUnlock()
			for _, fn := range handlers {
				fn(remoteID, st)
			}
		})
}

func (m *Manager) fanoutNotice(n Notice) {
	m.noticeMu.RLock()
	handlers := make([]func(Notice), len(m.notices))
	copy(handlers, m.notices)
	m.noticeMu.RUnlock()
	for _, fn := range handlers {
		fn(n)
	}
}

// clearActive drops the active session once it reaches idle.
func (m *Manager) clearActive(remoteID string) {
	m.mu.Lock()
	if m.active != nil && m.active.RemoteID() == remoteID {
		m.active = nil
		m.pending = nil
	}
	m.mu.Unlock()
}

// dispatchLoop reads signaling messages and routes them.
func (m *Manager) dispatchLoop() {
	ch, cancel := m.sig.Subscribe()
	defer cancel()

	for {
		select {
		case <-m.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			m.dispatch(msg)
		}
	}
}

// dispatch routes one signaling message. The topic fans out to everyone, so
// the first job is addressing: drop anything not addressed to us, and drop
// our own publishes echoed back — acting on an echoed offer would have a
// peer calling itself.
func (m *Manager) dispatch(msg proto.SignalMsg) {
	if msg.To != m.selfID || msg.From == m.selfID {
		return
	}

	if msg.Type == proto.SignalOffer {
		m.mu.Lock()
		active := m.active
		if active != nil && active.RemoteID() != msg.From {
			m.mu.Unlock()
			// Busy with someone else.
			log.Printf("CALL: busy, rejecting offer from %s", msg.From)
			m.sendReject(msg.From)
			return
		}
		if active != nil {
			// Mid-call offer from the current peer: ICE restart.
			m.mu.Unlock()
			active.handleSignal(msg)
			return
		}
		sess := m.newSession(msg.From, msg.Video)
		held := msg
		m.active = sess
		m.pending = &held
		early := m.early[msg.From]
		delete(m.early, msg.From)
		m.mu.Unlock()

		sess.startIncoming()
		for _, c := range early {
			sess.handleSignal(proto.SignalMsg{Type: proto.SignalICE, From: msg.From, To: m.selfID, Candidate: &c})
		}
		m.fireIncoming(sess, msg)
		return
	}

	m.mu.RLock()
	sess := m.active
	m.mu.RUnlock()
	if sess == nil || sess.RemoteID() != msg.From {
		m.handleUnmatched(msg)
		return
	}
	sess.handleSignal(msg)
}

// maxEarlyCandidates bounds the per-peer buffer of candidates held for an
// offer that never shows up.
const maxEarlyCandidates = 32

// handleUnmatched deals with signaling that has no session. Relay delivery
// is unordered, so trickled candidates can land before the offer they belong
// to; dropping them would cost the fastest connectivity paths. A hangup or
// reject without a session means the caller gave up before we ever saw the
// offer, so any buffered candidates go with it.
func (m *Manager) handleUnmatched(msg proto.SignalMsg) {
	switch msg.Type {
	case proto.SignalICE:
		if msg.Candidate == nil {
			return
		}
		m.mu.Lock()
		if len(m.early[msg.From]) < maxEarlyCandidates {
			m.early[msg.From] = append(m.early[msg.From], *msg.Candidate)
		}
		n := len(m.early[msg.From])
		m.mu.Unlock()
		log.Printf("CALL: held early ICE candidate from %s (%d waiting)", msg.From, n)
	case proto.SignalHangup, proto.SignalReject:
		m.mu.Lock()
		delete(m.early, msg.From)
		m.mu.Unlock()
	}
}

func (m *Manager) fireIncoming(sess *Session, offer proto.SignalMsg) {
	ic := &IncomingCall{
		From:  offer.From,
		Video: offer.Video,
		Accept: func(ctx context.Context) (*Session, error) {
			if err := sess.accept(ctx, offer.SDP); err != nil {
				return nil, err
			}
			return sess, nil
		},
		Reject: func() {
			sess.reject()
		},
	}
	m.incomingMu.RLock()
	handlers := make([]func(*IncomingCall), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	log.Printf("CALL: incoming call from %s (video=%v)", offer.From, offer.Video)
	for _, fn := range handlers {
		fn(ic)
	}
}

func (m *Manager) sendReject(to string) {
	msg := proto.SignalMsg{
		Type: proto.SignalReject,
		From: m.selfID,
		To:   to,
		TS:   proto.NowMillis(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultPublishTimeout)
	defer cancel()
	if err := m.sig.Send(ctx, msg); err != nil {
		log.Printf("CALL: busy reject to %s failed: %v", to, err)
	}
}
