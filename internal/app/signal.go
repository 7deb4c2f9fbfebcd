package app

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/relay"
)

type signalBus interface {
	Publish(ctx context.Context, channel string, v any) error
	Subscribe(channel string) (chan *relay.Envelope, func(), error)
}

// Signaler moves call signaling over per-conversation relay channels. Each
// pair of peers shares one channel named after proto.PairKey, joined lazily:
// on the first Send to a peer, or when presence reveals the peer exists.
type Signaler struct {
	bus    signalBus
	selfID string

	mu        sync.Mutex
	joined    map[string]func() // peer ID -> channel release
	listeners map[chan proto.SignalMsg]struct{}
	closed    bool
}

func NewSignaler(bus signalBus, selfID string) *Signaler {
	return &Signaler{
		bus:       bus,
		selfID:    selfID,
		joined:    make(map[string]func()),
		listeners: make(map[chan proto.SignalMsg]struct{}),
	}
}

// Send publishes one signaling message on the pair channel shared with
// msg.To, joining the channel first if needed.
func (s *Signaler) Send(ctx context.Context, msg proto.SignalMsg) error {
	if err := s.EnsurePeer(msg.To); err != nil {
		return err
	}
	channel := proto.SignalTopicPrefix + proto.PairKey(s.selfID, msg.To)
	return s.bus.Publish(ctx, channel, msg)
}

// Subscribe returns a channel receiving every signaling message from every
// joined pair channel. The manager does its own addressing on top.
func (s *Signaler) Subscribe() (chan proto.SignalMsg, func()) {
	ch := make(chan proto.SignalMsg, 32)
	s.mu.Lock()
	s.listeners[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.listeners[ch]; ok {
			delete(s.listeners, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// EnsurePeer joins the pair channel shared with peerID. Idempotent; the
// presence watcher calls this for every peer that announces itself, so an
// inbound offer finds us already listening.
func (s *Signaler) EnsurePeer(peerID string) error {
	if peerID == "" || peerID == s.selfID {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if _, ok := s.joined[peerID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	channel := proto.SignalTopicPrefix + proto.PairKey(s.selfID, peerID)
	ch, release, err := s.bus.Subscribe(channel)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		release()
		return nil
	}
	if _, ok := s.joined[peerID]; ok {
		// Lost the race with a concurrent EnsurePeer.
		s.mu.Unlock()
		release()
		return nil
	}
	s.joined[peerID] = release
	s.mu.Unlock()

	log.Printf("SIGNAL: joined channel for %s", peerID)
	go s.readLoop(ch)
	return nil
}

func (s *Signaler) readLoop(ch chan *relay.Envelope) {
	for env := range ch {
		var msg proto.SignalMsg
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			log.Printf("SIGNAL: bad payload from %s: %v", env.From, err)
			continue
		}
		s.mu.Lock()
		for listener := range s.listeners {
			select {
			case listener <- msg:
			default:
				log.Printf("SIGNAL: listener full, dropping %s from %s", msg.Type, msg.From)
			}
		}
		s.mu.Unlock()
	}
}

// Close releases every joined channel and closes all listeners.
func (s *Signaler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	releases := make([]func(), 0, len(s.joined))
	for _, release := range s.joined {
		releases = append(releases, release)
	}
	s.joined = map[string]func(){}
	for listener := range s.listeners {
		close(listener)
	}
	s.listeners = map[chan proto.SignalMsg]struct{}{}
	s.mu.Unlock()

	for _, release := range releases {
		release()
	}
}
