// Package call manages WebRTC call sessions using Pion.
// It is designed to be maximally standalone — coupling to the rest of huddle
// is via the Signaler and Dialer interfaces only.
package call

import (
	"context"

	"github.com/petervdpas/huddle/internal/proto"
)

// State is the lifecycle phase of a call session.
type State string

const (
	StateIdle      State = "idle"
	StateOutgoing  State = "outgoing"
	StateIncoming  State = "incoming"
	StateConnected State = "connected"
)

// Signaler is the only surface the call package needs from the transport
// layer. Send addresses a message to one peer; Subscribe delivers every
// message addressed to us.
type Signaler interface {
	Send(ctx context.Context, msg proto.SignalMsg) error
	Subscribe() (ch chan proto.SignalMsg, cancel func())
}

// Track is one local media track. SetEnabled flips transmission without
// renegotiation; the track keeps its slot in the SDP either way.
type Track interface {
	Kind() string // "audio" or "video"
	Enabled() bool
	SetEnabled(bool)
	Stop()
}

// PeerConnection abstracts the Pion peer connection for the session state
// machine. SDP strings cross this boundary raw; the session never inspects
// them.
type PeerConnection interface {
	CreateOffer(iceRestart bool) (sdp string, err error)
	CreateAnswer() (sdp string, err error)
	SetLocalDescription(kind, sdp string) error
	SetRemoteDescription(kind, sdp string) error
	AddICECandidate(c proto.ICECandidate) error
	Close() error
}

// Callbacks are wired into the peer connection at dial time. All of them may
// fire from Pion goroutines; the session serializes behind its own mutex.
type Callbacks struct {
	// OnICECandidate fires for each locally gathered candidate. A nil
	// candidate marks the end of gathering and is not forwarded.
	OnICECandidate func(c *proto.ICECandidate)

	// OnConnectionState fires on ICE/DTLS connection state changes with
	// one of "connecting", "connected", "disconnected", "failed", "closed".
	OnConnectionState func(state string)
}

// Dialer builds a peer connection with local media attached. The video flag
// is a request, not a guarantee: when the camera cannot be acquired the
// dialer may deliver audio-only or receive-only media and report what
// happened through notify.
type Dialer interface {
	Dial(ctx context.Context, video bool, cb Callbacks, notify func(Notice)) (PeerConnection, []Track, error)
}

// Notice is a user-facing event that does not change the session state by
// itself: media fallbacks, rejections, reconnect attempts.
type Notice struct {
	Kind    string `json:"kind"` // media-fallback|media-recvonly|rejected|busy|reconnecting|ended|error
	Message string `json:"message"`
}

// IncomingCall is handed to OnIncoming handlers when a remote offer arrives.
type IncomingCall struct {
	From  string
	Video bool

	Accept func(ctx context.Context) (*Session, error)
	Reject func()
}
