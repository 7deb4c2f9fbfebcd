// Presence tracker — publishes this peer's status on a heartbeat, mirrors
// remote announcements into the roster and the user store, and sweeps stale
// online records down to offline. A record's last_seen timestamp is the only
// staleness authority: the status string alone is never trusted.
package presence

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/relay"
	"github.com/petervdpas/huddle/internal/state"
	"github.com/petervdpas/huddle/internal/storage"
	"github.com/petervdpas/huddle/internal/util"
)

// Bus is the slice of the relay bus the tracker needs.
type Bus interface {
	Publish(ctx context.Context, channel string, v any) error
	Subscribe(channel string) (chan *relay.Envelope, func(), error)
}

// Store persists presence records. Implemented by storage.DB.
type Store interface {
	UpsertUser(u storage.User) error
	ListStaleOnline(cutoff time.Time) ([]storage.User, error)
}

// Options bundles the timing knobs.
type Options struct {
	Heartbeat time.Duration // republish interval
	Sweep     time.Duration // interval between staleness sweeps
	Stale     time.Duration // age past which online records read as offline
}

// Tracker runs the presence lifecycle for one peer.
type Tracker struct {
	bus    Bus
	store  Store
	roster *state.Roster

	selfID   string
	username string
	opts     Options

	// now is replaceable for tests.
	now func() time.Time

	mu      sync.Mutex
	visible bool
	started bool
}

func NewTracker(bus Bus, store Store, roster *state.Roster, selfID, username string, opts Options) *Tracker {
	return &Tracker{
		bus:      bus,
		store:    store,
		roster:   roster,
		selfID:   selfID,
		username: username,
		opts:     opts,
		now:      time.Now,
		visible:  true,
	}
}

// Run drives the tracker until ctx is done: announce online, heartbeat,
// receive remote announcements, sweep for staleness, and announce offline on
// the way out. Blocks; callers run it in a goroutine.
func (t *Tracker) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.mu.Unlock()

	ch, cancel, err := t.bus.Subscribe(proto.PresenceTopic)
	if err != nil {
		return err
	}
	defer cancel()

	t.Beat(ctx)

	heartbeat := time.NewTicker(t.opts.Heartbeat)
	defer heartbeat.Stop()
	sweep := time.NewTicker(t.opts.Sweep)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			// Best-effort offline announcement; the network is going away.
			pubCtx, pubCancel := context.WithTimeout(context.Background(), util.ShortTimeout)
			t.publish(pubCtx, proto.StatusOffline)
			pubCancel()
			return ctx.Err()
		case env, ok := <-ch:
			if !ok {
				return nil
			}
			t.handleRemote(env.Data)
		case <-heartbeat.C:
			t.Beat(ctx)
		case <-sweep.C:
			t.SweepOnce(t.now())
		}
	}
}

// SetVisible flips between online and away and announces the change
// immediately rather than waiting for the next heartbeat.
func (t *Tracker) SetVisible(ctx context.Context, visible bool) {
	t.mu.Lock()
	t.visible = visible
	t.mu.Unlock()
	t.Beat(ctx)
}

// Beat writes and publishes the current self status with a fresh last_seen.
// The write is a full overwrite: no read-modify-write, no conflict to lose.
func (t *Tracker) Beat(ctx context.Context) {
	t.mu.Lock()
	status := proto.StatusOnline
	if !t.visible {
		status = proto.StatusAway
	}
	t.mu.Unlock()

	now := t.now()
	t.apply(t.selfID, t.username, status, now)
	t.publish(ctx, status)
}

// SweepOnce downgrades every online record whose last_seen predates
// now-stale. Local only: every peer sweeps its own view, and since the
// downgrade is a deterministic function of last_seen, concurrent sweeps
// converge on the same state.
func (t *Tracker) SweepOnce(now time.Time) {
	cutoff := now.Add(-t.opts.Stale)
	for _, id := range t.roster.StaleOnline(cutoff) {
		rec, ok := t.roster.Get(id)
		if !ok {
			continue
		}
		log.Printf("PRESENCE: sweeping stale peer %s (last seen %s)", id, rec.LastSeen.Format(time.RFC3339))
		t.apply(id, rec.Username, proto.StatusOffline, rec.LastSeen)
	}

	// Persisted rows can claim online without a roster entry backing them,
	// typically left over from a previous run that died mid-call. Sweep
	// those down too so the database converges with the live view.
	if t.store == nil {
		return
	}
	users, err := t.store.ListStaleOnline(cutoff)
	if err != nil {
		log.Printf("PRESENCE: stale store scan failed: %v", err)
		return
	}
	for _, u := range users {
		if _, ok := t.roster.Get(u.ID); ok {
			continue // already handled through the roster above
		}
		log.Printf("PRESENCE: sweeping stale stored peer %s (last seen %s)", u.ID, u.LastSeen.Format(time.RFC3339))
		t.apply(u.ID, u.Username, proto.StatusOffline, u.LastSeen)
	}
}

// StaleCutoff returns the current staleness boundary, for readers that need
// to interpret online records themselves.
func (t *Tracker) StaleCutoff() time.Time {
	return t.now().Add(-t.opts.Stale)
}

func (t *Tracker) handleRemote(data []byte) {
	var pm proto.PresenceMsg
	if err := json.Unmarshal(data, &pm); err != nil {
		return
	}
	if pm.UserID == "" || pm.Type == "" {
		return
	}
	if pm.UserID == t.selfID {
		return
	}
	t.apply(pm.UserID, pm.Username, pm.Type, time.UnixMilli(pm.LastSeen))
}

// apply mirrors one presence record into the roster and the user store.
func (t *Tracker) apply(id, username, status string, lastSeen time.Time) {
	t.roster.Upsert(id, username, status, lastSeen)
	if t.store != nil {
		if err := t.store.UpsertUser(storage.User{
			ID:       id,
			Username: username,
			Status:   status,
			LastSeen: lastSeen,
		}); err != nil {
			log.Printf("PRESENCE: store write for %s failed: %v", id, err)
		}
	}
}

func (t *Tracker) publish(ctx context.Context, status string) {
	msg := proto.PresenceMsg{
		Type:     status,
		UserID:   t.selfID,
		Username: t.username,
		LastSeen: t.now().UnixMilli(),
	}
	if err := t.bus.Publish(ctx, proto.PresenceTopic, msg); err != nil {
		log.Printf("PRESENCE: publish failed: %v", err)
	}
}
