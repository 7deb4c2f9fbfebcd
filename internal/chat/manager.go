package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/relay"
	"github.com/petervdpas/huddle/internal/storage"
	"github.com/petervdpas/huddle/internal/util"
)

// Bus is the slice of the relay bus the chat manager needs.
type Bus interface {
	Publish(ctx context.Context, channel string, v any) error
	Subscribe(channel string) (chan *relay.Envelope, func(), error)
}

// Store persists chat messages. Implemented by storage.DB.
type Store interface {
	SaveMessage(m storage.Message) error
	History(a, b string, limit int) ([]storage.Message, error)
}

// DefaultBufferSize is the number of recent messages kept in memory for
// fast catch-up when a UI connection attaches.
const DefaultBufferSize = 100

// Manager handles chat for one peer: store-then-broadcast on send, and
// store-on-receive for everything arriving on the chat channel. Messages
// carry their own IDs so a rebroadcast never duplicates a row.
type Manager struct {
	bus    Bus
	store  Store
	selfID string

	mu        sync.RWMutex
	recent    *util.RingBuffer[*proto.ChatMsg]
	listeners []chan *proto.ChatMsg

	done chan struct{}
	once sync.Once
}

// New creates a chat manager. Call Run to start receiving.
func New(bus Bus, store Store, selfID string, bufferSize int) *Manager {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Manager{
		bus:    bus,
		store:  store,
		selfID: selfID,
		recent: util.NewRingBuffer[*proto.ChatMsg](bufferSize),
		done:   make(chan struct{}),
	}
}

// Run consumes the chat channel until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ch, cancel, err := m.bus.Subscribe(proto.ChatTopic)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return nil
		case env, ok := <-ch:
			if !ok {
				return nil
			}
			m.handleEnvelope(env)
		}
	}
}

// Send persists a message locally and then broadcasts it. Local-first: the
// sender sees the message in history even when the broadcast is lost, which
// mirrors what the receiver-side dedup expects.
func (m *Manager) Send(ctx context.Context, to, body string) (*proto.ChatMsg, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, fmt.Errorf("empty message")
	}
	if to == m.selfID {
		return nil, fmt.Errorf("cannot message yourself")
	}

	msg := &proto.ChatMsg{
		ID:         uuid.NewString(),
		SenderID:   m.selfID,
		ReceiverID: to,
		Body:       body,
		CreatedAt:  proto.NowMillis(),
	}

	if err := m.save(msg); err != nil {
		return nil, err
	}
	m.addMessage(msg)

	if err := m.bus.Publish(ctx, proto.ChatTopic, msg); err != nil {
		// Stored but not delivered — the UI already shows it, so log and
		// let the user retry rather than rolling back.
		log.Printf("CHAT: broadcast of %s failed: %v", msg.ID, err)
		return msg, err
	}
	return msg, nil
}

// History returns the stored conversation with one peer, oldest first.
func (m *Manager) History(peerID string, limit int) ([]storage.Message, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.History(m.selfID, peerID, limit)
}

// Recent returns the in-memory tail of messages seen this session.
func (m *Manager) Recent() []*proto.ChatMsg {
	return m.recent.Snapshot()
}

// Subscribe returns a channel that receives new messages.
func (m *Manager) Subscribe() <-chan *proto.ChatMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan *proto.ChatMsg, 10)
	m.listeners = append(m.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel.
func (m *Manager) Unsubscribe(ch <-chan *proto.ChatMsg) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, listener := range m.listeners {
		if listener == ch {
			close(listener)
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *Manager) handleEnvelope(env *relay.Envelope) {
	var msg proto.ChatMsg
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		log.Printf("CHAT: bad payload from %s: %v", env.From, err)
		return
	}
	if msg.ID == "" || msg.SenderID == "" || msg.Body == "" {
		return
	}
	// The channel fans out to everyone; only store what involves us.
	if msg.SenderID != m.selfID && msg.ReceiverID != m.selfID {
		return
	}
	if msg.SenderID == m.selfID {
		return // our own publish echoed back
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = proto.NowMillis()
	}

	if err := m.save(&msg); err != nil {
		log.Printf("CHAT: store message %s: %v", msg.ID, err)
	}
	m.addMessage(&msg)
	log.Printf("CHAT: message from %s: %.50s", msg.SenderID, msg.Body)
}

func (m *Manager) save(msg *proto.ChatMsg) error {
	if m.store == nil {
		return nil
	}
	return m.store.SaveMessage(storage.Message{
		ID:         msg.ID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Body:       msg.Body,
		CreatedAt:  time.UnixMilli(msg.CreatedAt),
	})
}

// addMessage pushes to the ring buffer and notifies listeners.
func (m *Manager) addMessage(msg *proto.ChatMsg) {
	m.recent.Push(msg)

	m.mu.RLock()
	for _, listener := range m.listeners {
		select {
		case listener <- msg:
		default:
			// Listener buffer full, skip
		}
	}
	m.mu.RUnlock()
}

// Close shuts down the chat manager.
func (m *Manager) Close() error {
	m.once.Do(func() { close(m.done) })
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, listener := range m.listeners {
		close(listener)
	}
	m.listeners = nil
	return nil
}
