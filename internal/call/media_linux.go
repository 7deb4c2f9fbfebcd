//go:build linux && cgo

package call

import (
	"context"
	"log"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// Dial builds the peer connection with VP8+Opus codecs and captures local
// camera/mic via pion/mediadevices (V4L2 + malgo on Linux). Acquisition runs
// the retry/fallback ladder: requested constraints first, then audio-only,
// then receive-only so the call can still receive remote media without any
// local capture.
func (d *PionDialer) Dial(ctx context.Context, video bool, cb Callbacks, notify func(Notice)) (PeerConnection, []Track, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(d.settingEngine()),
	)

	pc, err := api.NewPeerConnection(d.rtcConfig())
	if err != nil {
		return nil, nil, err
	}

	acquire := func(ctx context.Context, withVideo bool) ([]Track, error) {
		return captureTracks(ctx, pc, codecSelector, withVideo)
	}

	tracks, _, err := acquireMedia(ctx, acquire, video, d.Retry, notify)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	if len(tracks) == 0 {
		addRecvOnlyTransceivers(pc)
	}

	return d.wire(pc, cb, notify), tracks, nil
}

// captureTracks opens local devices for one constraint set and attaches the
// resulting tracks to the peer connection.
func captureTracks(ctx context.Context, pc *webrtc.PeerConnection, codecSelector *mediadevices.CodecSelector, withVideo bool) ([]Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
	constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	if withVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
			// produces malformed JPEG frames, which poisons the VP8 encoder
			// and causes SetRemoteDescription to fail. Raw formats only.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			// Cap at 640×480 — higher resolutions increase VP8 encoding
			// latency without a matching gain on small call windows.
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}

	mdTracks := stream.GetTracks()
	var out []Track
	for _, t := range mdTracks {
		track := t
		track.OnEnded(func(err error) {
			if err != nil {
				log.Printf("CALL: local track ended: %v", err)
			}
		})
		sender, err := pc.AddTrack(track)
		if err != nil {
			log.Printf("CALL: AddTrack error: %v", err)
			for _, mt := range mdTracks {
				mt.Close()
			}
			return nil, err
		}
		out = append(out, &pionTrack{md: track, sender: sender, enabled: true})
	}
	log.Printf("CALL: local media captured (video=%v) — %d tracks", withVideo, len(out))
	return out, nil
}

// pionTrack wraps a mediadevices track and its RTP sender. Disabling swaps
// the sender's track out (ReplaceTrack keeps the m-line, so no
// renegotiation); the capture itself keeps running until Stop.
type pionTrack struct {
	md      mediadevices.Track
	sender  *webrtc.RTPSender
	enabled bool
}

func (t *pionTrack) Kind() string {
	if t.md.Kind() == webrtc.RTPCodecTypeVideo {
		return "video"
	}
	return "audio"
}

func (t *pionTrack) Enabled() bool { return t.enabled }

func (t *pionTrack) SetEnabled(on bool) {
	if t.enabled == on {
		return
	}
	t.enabled = on
	if on {
		if err := t.sender.ReplaceTrack(t.md); err != nil {
			log.Printf("CALL: re-enable %s track: %v", t.Kind(), err)
		}
		return
	}
	if err := t.sender.ReplaceTrack(nil); err != nil {
		log.Printf("CALL: disable %s track: %v", t.Kind(), err)
	}
}

func (t *pionTrack) Stop() {
	_ = t.md.Close()
}
