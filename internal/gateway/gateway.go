// Gateway — the local HTTP/WebSocket bridge the UI talks to. REST endpoints
// carry commands (start a call, send a message); a single WebSocket stream
// pushes events (roster changes, chat, ringing calls, notices) to every
// connected view.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/huddle/internal/call"
	"github.com/petervdpas/huddle/internal/chat"
	"github.com/petervdpas/huddle/internal/presence"
	"github.com/petervdpas/huddle/internal/state"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Local bridge: the UI may load from localhost or file://.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// Event is one message pushed over the WebSocket stream.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Gateway wires the UI to the managers.
type Gateway struct {
	selfID   string
	username string

	calls   *call.Manager
	chats   *chat.Manager
	roster  *state.Roster
	tracker *presence.Tracker

	mu      sync.Mutex
	pending *call.IncomingCall
	clients map[*wsClient]struct{}

	srv *http.Server
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func New(selfID, username string, calls *call.Manager, chats *chat.Manager, roster *state.Roster, tracker *presence.Tracker) *Gateway {
	g := &Gateway{
		selfID:   selfID,
		username: username,
		calls:    calls,
		chats:    chats,
		roster:   roster,
		tracker:  tracker,
		clients:  make(map[*wsClient]struct{}),
	}

	calls.OnIncoming(func(ic *call.IncomingCall) {
		g.mu.Lock()
		g.pending = ic
		g.mu.Unlock()
		g.broadcast(Event{Type: "incoming-call", Payload: map[string]any{
			"from":  ic.From,
			"video": ic.Video,
		}})
	})
	calls.OnNotice(func(n call.Notice) {
		g.broadcast(Event{Type: "call-notice", Payload: n})
	})
	calls.OnStateChange(func(remoteID string, st call.State) {
		if st == call.StateIdle {
			g.mu.Lock()
			g.pending = nil
			g.mu.Unlock()
		}
		g.broadcast(Event{Type: "call-state", Payload: map[string]any{
			"peer":  remoteID,
			"state": st,
		}})
	})

	return g
}

// Start serves the gateway on addr until ctx is done. Blocks.
func (g *Gateway) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	g.register(mux)

	g.srv = &http.Server{Addr: addr, Handler: mux}

	go g.forwardRoster(ctx)
	go g.forwardChat(ctx)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = g.srv.Shutdown(shutCtx)
	}()

	log.Printf("GATEWAY: listening on %s", addr)
	if err := g.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (g *Gateway) register(mux *http.ServeMux) {
	mux.HandleFunc("/ws", g.handleWS)

	handleGet(mux, "/api/me", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"id": g.selfID, "username": g.username})
	})

	handleGet(mux, "/api/peers", func(w http.ResponseWriter, r *http.Request) {
		cutoff := g.tracker.StaleCutoff()
		records := g.roster.Snapshot()
		out := make([]map[string]any, 0, len(records))
		for id, rec := range records {
			out = append(out, map[string]any{
				"id":        id,
				"username":  rec.Username,
				"status":    g.roster.EffectiveStatus(id, cutoff),
				"last_seen": rec.LastSeen.UnixMilli(),
			})
		}
		writeJSON(w, out)
	})

	handlePost(mux, "/api/presence/visible", func(w http.ResponseWriter, r *http.Request, req struct {
		Visible bool `json:"visible"`
	}) {
		g.tracker.SetVisible(r.Context(), req.Visible)
		writeJSON(w, map[string]string{"status": "ok"})
	})

	handlePost(mux, "/api/chat/send", func(w http.ResponseWriter, r *http.Request, req struct {
		To   string `json:"to"`
		Body string `json:"body"`
	}) {
		if req.To == "" {
			http.Error(w, "missing to", http.StatusBadRequest)
			return
		}
		msg, err := g.chats.Send(r.Context(), req.To, req.Body)
		if err != nil {
			http.Error(w, fmt.Sprintf("send failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, msg)
	})

	handleGet(mux, "/api/chat/history", func(w http.ResponseWriter, r *http.Request) {
		peer := r.URL.Query().Get("peer")
		if peer == "" {
			http.Error(w, "missing peer", http.StatusBadRequest)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		msgs, err := g.chats.History(peer, limit)
		if err != nil {
			http.Error(w, fmt.Sprintf("history failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, msgs)
	})

	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		sess, ok := g.calls.Active()
		if !ok {
			writeJSON(w, map[string]string{"state": string(call.StateIdle)})
			return
		}
		writeJSON(w, sess.Info())
	})

	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		Peer  string `json:"peer"`
		Video bool   `json:"video"`
	}) {
		if req.Peer == "" {
			http.Error(w, "missing peer", http.StatusBadRequest)
			return
		}
		if _, err := g.calls.StartCall(r.Context(), req.Peer, req.Video); err != nil {
			http.Error(w, fmt.Sprintf("start call failed: %v", err), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]string{"status": "ringing"})
	})

	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		g.mu.Lock()
		ic := g.pending
		g.mu.Unlock()
		if ic == nil {
			http.Error(w, "no ringing call", http.StatusNotFound)
			return
		}
		if _, err := ic.Accept(r.Context()); err != nil {
			http.Error(w, fmt.Sprintf("accept failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "accepted"})
	})

	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		g.mu.Lock()
		ic := g.pending
		g.pending = nil
		g.mu.Unlock()
		if ic == nil {
			http.Error(w, "no ringing call", http.StatusNotFound)
			return
		}
		ic.Reject()
		writeJSON(w, map[string]string{"status": "rejected"})
	})

	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		g.calls.EndCall()
		writeJSON(w, map[string]string{"status": "hung_up"})
	})

	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		sess, ok := g.calls.Active()
		if !ok {
			http.Error(w, "no active call", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"muted": sess.ToggleAudio()})
	})

	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		sess, ok := g.calls.Active()
		if !ok {
			http.Error(w, "no active call", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"disabled": sess.ToggleVideo()})
	})
}

// handleWS upgrades the connection and streams events until the client
// disconnects.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("GATEWAY: upgrade failed: %v", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 64)}
	g.mu.Lock()
	g.clients[client] = struct{}{}
	n := len(g.clients)
	g.mu.Unlock()
	log.Printf("GATEWAY: client connected (total=%d)", n)

	go g.writePump(client)

	// Read loop only to detect disconnect; commands come over REST.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	g.dropClient(client)
}

func (g *Gateway) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) dropClient(c *wsClient) {
	g.mu.Lock()
	if _, ok := g.clients[c]; ok {
		delete(g.clients, c)
		close(c.send)
	}
	n := len(g.clients)
	g.mu.Unlock()
	log.Printf("GATEWAY: client disconnected (total=%d)", n)
}

// broadcast pushes one event to every connected client, dropping slow ones'
// messages rather than blocking the source.
func (g *Gateway) broadcast(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	g.mu.Lock()
	for c := range g.clients {
		select {
		case c.send <- data:
		default:
		}
	}
	g.mu.Unlock()
}

func (g *Gateway) forwardRoster(ctx context.Context) {
	ch := g.roster.Subscribe()
	defer g.roster.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			g.broadcast(Event{Type: "presence", Payload: evt})
		}
	}
}

func (g *Gateway) forwardChat(ctx context.Context) {
	ch := g.chats.Subscribe()
	defer g.chats.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			g.broadcast(Event{Type: "chat", Payload: msg})
		}
	}
}

// ── HTTP helpers ──

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func handleGet(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

func handlePost[T any](mux *http.ServeMux, path string, fn func(http.ResponseWriter, *http.Request, T)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req T
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid JSON body", http.StatusBadRequest)
				return
			}
		}
		fn(w, r, req)
	})
}
