package proto

import "time"

const (
	// GossipSub topic every peer joins for presence announcements.
	PresenceTopic = "huddle.presence.v1"

	// Prefix for per-conversation signaling topics. The full channel name is
	// SignalTopicPrefix + PairKey(a, b), so both peers derive the same topic
	// regardless of who initiates.
	SignalTopicPrefix = "huddle.signal.v1."

	// Topic for chat messages (insert-then-broadcast, no delivery guarantees).
	ChatTopic = "huddle.chat.v1"

	MdnsTag = "huddle-mdns"
)

// Presence statuses. "online" is only trustworthy while LastSeen is fresh —
// readers must treat a stale online record as offline.
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusOffline = "offline"
)

// Signal message types. All five flow over the shared signaling topic;
// receivers drop anything whose To field is not their own ID.
const (
	SignalOffer  = "offer"
	SignalAnswer = "answer"
	SignalICE    = "ice-candidate"
	SignalReject = "reject"
	SignalHangup = "hangup"
)

// PresenceMsg is the envelope published on PresenceTopic.
type PresenceMsg struct {
	Type     string `json:"type"` // online|away|offline
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	LastSeen int64  `json:"lastSeen"` // Unix milliseconds
}

// ICECandidate is the wire shape of a trickle ICE candidate
// (W3C RTCIceCandidateInit).
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// SignalMsg is the envelope for all call signaling. The topic fans out to
// every subscriber, so From/To carry the addressing — there is no
// peer-addressed delivery underneath.
type SignalMsg struct {
	Type      string        `json:"type"` // offer|answer|ice-candidate|reject|hangup
	From      string        `json:"from"`
	To        string        `json:"to"`
	SDP       string        `json:"sdp,omitempty"`       // offer/answer
	Video     bool          `json:"video,omitempty"`     // offer: camera requested
	Candidate *ICECandidate `json:"candidate,omitempty"` // ice-candidate
	TS        int64         `json:"ts"`
}

// ChatMsg is the envelope broadcast on ChatTopic after a local insert.
type ChatMsg struct {
	ID         string `json:"id"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Body       string `json:"body"`
	CreatedAt  int64  `json:"createdAt"` // Unix milliseconds
}

// PairKey returns a stable channel suffix for a two-peer conversation:
// the lexicographically smaller ID first, so both sides derive the same name.
func PairKey(a, b string) string {
	if a < b {
		return a + ":" + b
	}
	return b + ":" + a
}

func NowMillis() int64 { return time.Now().UnixMilli() }
