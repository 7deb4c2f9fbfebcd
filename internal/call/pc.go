package call

import (
	"fmt"
	"log"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/huddle/internal/proto"
)

// PionDialer builds real Pion peer connections with local capture via
// pion/mediadevices. Platform capture lives in media_linux.go; other
// platforms come up receive-only.
type PionDialer struct {
	STUNServers []string

	// ICE timeouts. Generous values so a brief NAT hiccup does not
	// immediately terminate the call — the default disconnectedTimeout
	// of 5s is far too short for paths with short outages.
	DisconnectTimeout time.Duration
	FailTimeout       time.Duration
	KeepaliveInterval time.Duration

	Retry RetryPolicy
}

// NewPionDialer applies defaults for zero fields.
func NewPionDialer(stunServers []string, retry RetryPolicy) *PionDialer {
	if len(stunServers) == 0 {
		stunServers = []string{"stun:stun.l.google.com:19302"}
	}
	return &PionDialer{
		STUNServers:       stunServers,
		DisconnectTimeout: 30 * time.Second,
		FailTimeout:       120 * time.Second,
		KeepaliveInterval: 2 * time.Second,
		Retry:             retry,
	}
}

func (d *PionDialer) settingEngine() webrtc.SettingEngine {
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(d.DisconnectTimeout, d.FailTimeout, d.KeepaliveInterval)
	return se
}

func (d *PionDialer) rtcConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: d.STUNServers}},
	}
}

// wire attaches session callbacks and the remote-track pump, then wraps the
// raw Pion connection behind the PeerConnection interface.
func (d *PionDialer) wire(pc *webrtc.PeerConnection, cb Callbacks, notify func(Notice)) PeerConnection {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || cb.OnICECandidate == nil {
			return // end of gathering
		}
		init := c.ToJSON()
		out := &proto.ICECandidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			out.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			out.SDPMLineIndex = *init.SDPMLineIndex
		}
		cb.OnICECandidate(out)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if cb.OnConnectionState == nil {
			return
		}
		switch s {
		case webrtc.PeerConnectionStateConnecting:
			cb.OnConnectionState("connecting")
		case webrtc.PeerConnectionStateConnected:
			cb.OnConnectionState("connected")
		case webrtc.PeerConnectionStateDisconnected:
			cb.OnConnectionState("disconnected")
		case webrtc.PeerConnectionStateFailed:
			cb.OnConnectionState("failed")
		case webrtc.PeerConnectionStateClosed:
			cb.OnConnectionState("closed")
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		pumpRemoteTrack(pc, track, notify)
	})

	return &pionPC{pc: pc}
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produces valid m-lines with ICE credentials.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL: AddTransceiver(video) error: %v", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL: AddTransceiver(audio) error: %v", err)
	}
}

// pionPC adapts *webrtc.PeerConnection to the PeerConnection interface.
type pionPC struct {
	pc *webrtc.PeerConnection
}

func (p *pionPC) CreateOffer(iceRestart bool) (string, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := p.pc.CreateOffer(opts)
	if err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (p *pionPC) CreateAnswer() (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (p *pionPC) SetLocalDescription(kind, sdp string) error {
	t, err := sdpType(kind)
	if err != nil {
		return err
	}
	return p.pc.SetLocalDescription(webrtc.SessionDescription{Type: t, SDP: sdp})
}

func (p *pionPC) SetRemoteDescription(kind, sdp string) error {
	t, err := sdpType(kind)
	if err != nil {
		return err
	}
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: t, SDP: sdp})
}

func (p *pionPC) AddICECandidate(c proto.ICECandidate) error {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

func (p *pionPC) Close() error {
	return p.pc.Close()
}

func sdpType(kind string) (webrtc.SDPType, error) {
	switch kind {
	case "offer":
		return webrtc.SDPTypeOffer, nil
	case "answer":
		return webrtc.SDPTypeAnswer, nil
	}
	return webrtc.SDPType(0), fmt.Errorf("unknown SDP type %q", kind)
}
