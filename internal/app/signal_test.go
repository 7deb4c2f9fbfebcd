package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/relay"
)

type memBus struct {
	mu       sync.Mutex
	channels map[string][]chan *relay.Envelope
	sent     []string // channel names published to
}

func newMemBus() *memBus {
	return &memBus{channels: map[string][]chan *relay.Envelope{}}
}

func (b *memBus) Publish(_ context.Context, channel string, v any) error {
	data, _ := json.Marshal(v)
	b.mu.Lock()
	b.sent = append(b.sent, channel)
	subs := append([]chan *relay.Envelope(nil), b.channels[channel]...)
	b.mu.Unlock()
	for _, ch := range subs {
		ch <- &relay.Envelope{Channel: channel, Data: data}
	}
	return nil
}

func (b *memBus) Subscribe(channel string) (chan *relay.Envelope, func(), error) {
	ch := make(chan *relay.Envelope, 16)
	b.mu.Lock()
	b.channels[channel] = append(b.channels[channel], ch)
	b.mu.Unlock()
	return ch, func() {}, nil
}

func TestSendJoinsPairChannel(t *testing.T) {
	bus := newMemBus()
	sig := NewSignaler(bus, "alice")
	defer sig.Close()

	err := sig.Send(context.Background(), proto.SignalMsg{
		Type: proto.SignalOffer, From: "alice", To: "bob", SDP: "x",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	want := proto.SignalTopicPrefix + proto.PairKey("alice", "bob")
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.sent) != 1 || bus.sent[0] != want {
		t.Errorf("published to %v, want %s", bus.sent, want)
	}
	if len(bus.channels[want]) != 1 {
		t.Errorf("pair channel not joined")
	}
}

func TestBothSidesDeriveTheSameChannel(t *testing.T) {
	bus := newMemBus()

	alice := NewSignaler(bus, "alice")
	defer alice.Close()
	bob := NewSignaler(bus, "bob")
	defer bob.Close()

	// Bob learned about Alice through presence and joined ahead of time.
	if err := bob.EnsurePeer("alice"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	inbox, cancel := bob.Subscribe()
	defer cancel()

	if err := alice.Send(context.Background(), proto.SignalMsg{
		Type: proto.SignalOffer, From: "alice", To: "bob", SDP: "x",
	}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case msg := <-inbox:
		if msg.Type != proto.SignalOffer || msg.From != "alice" {
			t.Errorf("got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("offer never arrived")
	}
}

func TestEnsurePeerIsIdempotent(t *testing.T) {
	bus := newMemBus()
	sig := NewSignaler(bus, "alice")
	defer sig.Close()

	for i := 0; i < 3; i++ {
		if err := sig.EnsurePeer("bob"); err != nil {
			t.Fatalf("ensure #%d: %v", i, err)
		}
	}
	if err := sig.EnsurePeer("alice"); err != nil {
		t.Fatalf("ensure self: %v", err)
	}

	channel := proto.SignalTopicPrefix + proto.PairKey("alice", "bob")
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.channels[channel]) != 1 {
		t.Errorf("joined %d times, want 1", len(bus.channels[channel]))
	}
	if len(bus.channels) != 1 {
		t.Errorf("channels = %v, self pairing should not join anything", bus.channels)
	}
}
