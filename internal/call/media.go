package call

import (
	"context"
	"log"
	"time"
)

// RetryPolicy bounds the media acquisition attempts per constraint set.
// Device-busy failures are usually transient (another app releasing the
// camera, udev settling after a hotplug), so a short pause and retry
// recovers most of them.
type RetryPolicy struct {
	Attempts int
	Wait     time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.Wait <= 0 {
		p.Wait = 500 * time.Millisecond
	}
	return p
}

// acquireFn opens local capture for the requested constraint set.
type acquireFn func(ctx context.Context, video bool) ([]Track, error)

// acquireMedia runs the full acquisition ladder: retry the requested
// constraints, then drop video and retry audio-only, then give up and let
// the call proceed receive-only. Degradations are reported through notify;
// only a cancelled context is an error.
func acquireMedia(ctx context.Context, fn acquireFn, video bool, policy RetryPolicy, notify func(Notice)) (tracks []Track, gotVideo bool, err error) {
	policy = policy.normalized()

	if video {
		tracks, err = acquireWithRetry(ctx, fn, true, policy)
		if err == nil {
			return tracks, true, nil
		}
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		log.Printf("CALL: camera unavailable after %d attempts, falling back to audio-only: %v", policy.Attempts, err)
		if notify != nil {
			notify(Notice{Kind: "media-fallback", Message: "camera unavailable, continuing with audio only"})
		}
	}

	tracks, err = acquireWithRetry(ctx, fn, false, policy)
	if err == nil {
		return tracks, false, nil
	}
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}

	log.Printf("CALL: all media capture attempts failed, proceeding receive-only: %v", err)
	if notify != nil {
		notify(Notice{Kind: "media-recvonly", Message: "no microphone or camera available, you can hear and see but not be heard"})
	}
	return nil, false, nil
}

// acquireWithRetry calls fn up to policy.Attempts times, waiting policy.Wait
// between failures.
func acquireWithRetry(ctx context.Context, fn acquireFn, video bool, policy RetryPolicy) ([]Track, error) {
	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		tracks, err := fn(ctx, video)
		if err == nil {
			return tracks, nil
		}
		lastErr = err
		log.Printf("CALL: media attempt %d/%d (video=%v) failed: %v", attempt, policy.Attempts, video, err)
		if attempt == policy.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(policy.Wait):
		}
	}
	return nil, lastErr
}
