package state

import (
	"sync"
	"time"
)

// Record mirrors one user's presence as last observed on the wire or read
// back from the user store. It is a plain full-overwrite value: LastSeen is
// the single source of truth for staleness, never the Status string alone.
type Record struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username,omitempty"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

// Event is sent to roster listeners on every change.
type Event struct {
	Type   string  `json:"type"` // "update"
	UserID string  `json:"user_id"`
	Record *Record `json:"record,omitempty"`
}

// Roster is the local mirror of presence records for UI display. Writers are
// the presence tracker (self heartbeat, remote announcements, stale sweep);
// readers are the gateway and the call manager.
type Roster struct {
	mu        sync.Mutex
	records   map[string]Record
	listeners []chan Event
}

func NewRoster() *Roster {
	return &Roster{
		records:   map[string]Record{},
		listeners: make([]chan Event, 0),
	}
}

// Upsert overwrites the full record for a user. Idempotent by design —
// concurrent writers (self heartbeat vs. a peer's sweep) cannot corrupt a
// record, only replace it wholesale.
func (r *Roster) Upsert(id, username, status string, lastSeen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if username == "" {
		if existing, ok := r.records[id]; ok {
			username = existing.Username
		}
	}
	rec := Record{UserID: id, Username: username, Status: status, LastSeen: lastSeen}
	r.records[id] = rec
	r.notifyListeners(Event{Type: "update", UserID: id, Record: &rec})
}

// Get returns the raw stored record.
func (r *Roster) Get(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return rec, ok
}

// EffectiveStatus applies the staleness rule: an online record whose
// LastSeen is older than the cutoff reads as offline, whatever the Status
// field claims.
func (r *Roster) EffectiveStatus(id string, staleCutoff time.Time) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return "offline"
	}
	if rec.Status == "online" && rec.LastSeen.Before(staleCutoff) {
		return "offline"
	}
	return rec.Status
}

// StaleOnline returns the IDs of records still marked online whose LastSeen
// predates the cutoff. The presence sweep downgrades these.
func (r *Roster) StaleOnline(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, rec := range r.records {
		if rec.Status == "online" && rec.LastSeen.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Snapshot returns a copy of all records.
func (r *Roster) Snapshot() map[string]Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make(map[string]Record, len(r.records))
	for k, v := range r.records {
		cp[k] = v
	}
	return cp
}

func (r *Roster) Subscribe() chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Event, 16)
	r.listeners = append(r.listeners, ch)
	return ch
}

func (r *Roster) Unsubscribe(ch chan Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, listener := range r.listeners {
		if listener == ch {
			close(listener)
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *Roster) notifyListeners(evt Event) {
	for _, ch := range r.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
