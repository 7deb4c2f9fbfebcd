//go:build !linux || !cgo

package call

import (
	"context"
	"log"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Dial builds a receive-only peer connection on non-Linux platforms.
// Camera/mic capture via pion/mediadevices needs platform drivers
// (V4L2/malgo on Linux); elsewhere the call still connects and receives
// remote media.
func (d *PionDialer) Dial(_ context.Context, _ bool, cb Callbacks, notify func(Notice)) (PeerConnection, []Track, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

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

	addRecvOnlyTransceivers(pc)
	if notify != nil {
		notify(Notice{Kind: "media-recvonly", Message: "local capture not supported on this platform"})
	}

	log.Printf("CALL: peer connection ready (receive-only, no local media on this platform)")
	return d.wire(pc, cb, notify), nil, nil
}
