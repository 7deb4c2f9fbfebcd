package call

import (
	"errors"
	"io"
	"log"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// pliInterval is how often a PLI is sent for remote video. Without periodic
// keyframe requests a single lost keyframe leaves the decoder stuck on
// garbage until the encoder happens to send another one.
const pliInterval = 3 * time.Second

// pumpRemoteTrack drains RTP from a remote track and keeps the stream
// healthy. Pion buffers inbound packets per track; if nobody reads them the
// jitter buffer fills and the interceptor chain stalls, so the pump runs for
// every track whether or not anything downstream consumes the media.
func pumpRemoteTrack(pc *webrtc.PeerConnection, track *webrtc.TrackRemote, notify func(Notice)) {
	kind := "audio"
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = "video"
	}
	log.Printf("CALL: remote %s track %s (%s)", kind, track.ID(), track.Codec().MimeType)
	if notify != nil {
		notify(Notice{Kind: "remote-media", Message: "remote " + kind + " stream active"})
	}

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go sendPLILoop(pc, uint32(track.SSRC()))
	}

	go func() {
		var pkt rtp.Packet
		buf := make([]byte, 1500)
		var packets, lost uint64
		var lastSeq uint16
		haveSeq := false

		for {
			n, _, err := track.Read(buf)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Printf("CALL: remote %s track read: %v", kind, err)
				}
				log.Printf("CALL: remote %s track ended after %d packets (%d lost)", kind, packets, lost)
				return
			}
			if err := pkt.Unmarshal(buf[:n]); err != nil {
				continue
			}
			packets++
			if haveSeq {
				if gap := pkt.SequenceNumber - lastSeq; gap > 1 && gap < 1<<15 {
					lost += uint64(gap - 1)
				}
			}
			lastSeq = pkt.SequenceNumber
			haveSeq = true
		}
	}()
}

// sendPLILoop periodically asks the remote encoder for a keyframe. Stops
// when the peer connection closes.
func sendPLILoop(pc *webrtc.PeerConnection, ssrc uint32) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for range ticker.C {
		if pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
			return
		}
		err := pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: ssrc},
		})
		if err != nil {
			return
		}
	}
}
