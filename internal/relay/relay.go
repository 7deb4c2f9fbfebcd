// Relay bus — named broadcast channels on top of GossipSub. Every message on
// a channel fans out to every subscriber; addressing, if any, lives inside
// the payload. This mirrors how a hosted realtime backend hands out channels:
// publish is fire-and-forget, subscribe delivers everything.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// Envelope is a raw message received on a channel.
type Envelope struct {
	Channel string
	From    string
	Data    []byte
}

type joined struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	refs  int
}

// Bus multiplexes named channels over a single GossipSub router. Topics are
// joined lazily on first use and left again when the last subscriber cancels.
type Bus struct {
	ps     *pubsub.PubSub
	selfID string

	mu     sync.Mutex
	topics map[string]*joined

	listenerMu sync.RWMutex
	listeners  map[string]map[chan *Envelope]struct{} // channel name -> subscribers
	closed     bool
}

func NewBus(ps *pubsub.PubSub, selfID string) *Bus {
	return &Bus{
		ps:        ps,
		selfID:    selfID,
		topics:    make(map[string]*joined),
		listeners: make(map[string]map[chan *Envelope]struct{}),
	}
}

// Publish marshals v as JSON and broadcasts it on the named channel.
func (b *Bus) Publish(ctx context.Context, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	t, err := b.join(channel, false)
	if err != nil {
		return err
	}
	if err := t.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe delivers envelopes from the named channel until cancel is called.
// Messages published by this node are filtered out: a local echo of our own
// SDP offers or ICE candidates would corrupt the peer connection, and our own
// presence beats are applied locally before they are published.
func (b *Bus) Subscribe(channel string) (ch chan *Envelope, cancel func(), err error) {
	j, err := b.join(channel, true)
	if err != nil {
		return nil, nil, err
	}

	ch = make(chan *Envelope, 64)

	b.listenerMu.Lock()
	if b.listeners[channel] == nil {
		b.listeners[channel] = make(map[chan *Envelope]struct{})
	}
	b.listeners[channel][ch] = struct{}{}
	b.listenerMu.Unlock()
	_ = j

	cancel = func() {
		b.listenerMu.Lock()
		if subs, ok := b.listeners[channel]; ok {
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}
		}
		b.listenerMu.Unlock()
		b.release(channel)
	}
	return ch, cancel, nil
}

// join returns the topic handle for a channel, joining it on first use.
// When subscriber is true the refcount goes up and a reader loop is started
// the first time.
func (b *Bus) join(channel string, subscriber bool) (*joined, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.topics[channel]
	if !ok {
		topic, err := b.ps.Join(channel)
		if err != nil {
			return nil, fmt.Errorf("join %s: %w", channel, err)
		}
		j = &joined{topic: topic}
		b.topics[channel] = j
	}

	if subscriber {
		if j.sub == nil {
			sub, err := j.topic.Subscribe()
			if err != nil {
				return nil, fmt.Errorf("subscribe %s: %w", channel, err)
			}
			j.sub = sub
			go b.readLoop(channel, sub)
		}
		j.refs++
	}
	return j, nil
}

// release drops a subscriber reference; the last one out cancels the
// underlying subscription so GossipSub stops routing the topic to us.
func (b *Bus) release(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.topics[channel]
	if !ok {
		return
	}
	j.refs--
	if j.refs <= 0 && j.sub != nil {
		j.sub.Cancel()
		j.sub = nil
		j.refs = 0
	}
}

func (b *Bus) readLoop(channel string, sub *pubsub.Subscription) {
	for {
		m, err := sub.Next(context.Background())
		if err != nil {
			return // subscription cancelled
		}
		from := m.GetFrom().String()
		if from == b.selfID {
			continue
		}

		env := &Envelope{Channel: channel, From: from, Data: m.Data}

		b.listenerMu.RLock()
		for ch := range b.listeners[channel] {
			select {
			case ch <- env:
			default:
				log.Printf("RELAY [%s]: subscriber full, dropping message", channel)
			}
		}
		b.listenerMu.RUnlock()
	}
}

// Close shuts the bus down: cancels all subscriptions and closes listener
// channels. Safe to call once during shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	for _, j := range b.topics {
		if j.sub != nil {
			j.sub.Cancel()
		}
		_ = j.topic.Close()
	}
	b.topics = make(map[string]*joined)
	b.mu.Unlock()

	b.listenerMu.Lock()
	if !b.closed {
		b.closed = true
		for _, subs := range b.listeners {
			for ch := range subs {
				close(ch)
			}
		}
		b.listeners = make(map[string]map[chan *Envelope]struct{})
	}
	b.listenerMu.Unlock()
}
