package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/huddle/internal/call"
	"github.com/petervdpas/huddle/internal/chat"
	"github.com/petervdpas/huddle/internal/config"
	"github.com/petervdpas/huddle/internal/gateway"
	"github.com/petervdpas/huddle/internal/p2p"
	"github.com/petervdpas/huddle/internal/presence"
	"github.com/petervdpas/huddle/internal/relay"
	"github.com/petervdpas/huddle/internal/state"
	"github.com/petervdpas/huddle/internal/storage"
	"github.com/petervdpas/huddle/internal/util"
)

type Options struct {
	// Dir is the peer directory holding the identity key, database and config.
	Dir     string
	CfgPath string
	Cfg     config.Config
}

// Run wires the whole peer together and blocks until ctx is done: libp2p
// node, relay bus, presence tracker, call manager, chat manager and the
// local UI gateway.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	// ── P2P node
	keyPath := util.ResolvePath(opt.Dir, cfg.Identity.KeyFile)
	node, err := p2p.New(ctx, cfg.P2P.ListenPort, keyPath, cfg.P2P.MdnsTag)
	if err != nil {
		return fmt.Errorf("start p2p node: %w", err)
	}
	defer node.Close()

	selfID := node.ID()
	log.Printf("peer id: %s", selfID)
	for _, a := range node.WanAddrs() {
		log.Printf("listening: %s", a)
	}

	username := cfg.Profile.Username
	if username == "" {
		username = shortID(selfID)
	}

	// ── Storage
	db, err := storage.Open(opt.Dir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// ── Relay bus over gossipsub
	bus := relay.NewBus(node.PubSub(), selfID)
	defer bus.Close()

	// ── Presence
	roster := state.NewRoster()
	tracker := presence.NewTracker(bus, db, roster, selfID, username, presence.Options{
		Heartbeat: time.Duration(cfg.Presence.HeartbeatSec) * time.Second,
		Sweep:     time.Duration(cfg.Presence.SweepSec) * time.Second,
		Stale:     time.Duration(cfg.Presence.StaleSec) * time.Second,
	})

	// ── Call signaling and sessions
	sig := NewSignaler(bus, selfID)
	defer sig.Close()

	dialer := call.NewPionDialer(cfg.Call.STUNServers, call.RetryPolicy{
		Attempts: cfg.Call.MediaRetries,
		Wait:     time.Duration(cfg.Call.MediaRetryWaitMs) * time.Millisecond,
	})
	if cfg.Call.ICEDisconnectSec > 0 {
		dialer.DisconnectTimeout = time.Duration(cfg.Call.ICEDisconnectSec) * time.Second
	}
	if cfg.Call.ICEFailSec > 0 {
		dialer.FailTimeout = time.Duration(cfg.Call.ICEFailSec) * time.Second
	}
	if cfg.Call.ICEKeepaliveSec > 0 {
		dialer.KeepaliveInterval = time.Duration(cfg.Call.ICEKeepaliveSec) * time.Second
	}

	callMgr := call.New(sig, dialer, selfID, dialer.Retry)
	defer callMgr.Close()

	// ── Chat
	chatMgr := chat.New(bus, db, selfID, chat.DefaultBufferSize)
	defer chatMgr.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return tracker.Run(gctx) })
	g.Go(func() error { return chatMgr.Run(gctx) })
	g.Go(func() error {
		watchRoster(gctx, roster, sig)
		return nil
	})

	// ── UI gateway
	if cfg.Gateway.HTTPAddr != "" {
		gw := gateway.New(selfID, username, callMgr, chatMgr, roster, tracker)
		g.Go(func() error { return gw.Start(gctx, cfg.Gateway.HTTPAddr) })
	}

	err = g.Wait()
	if err == context.Canceled {
		err = nil
	}
	log.Printf("peer %s shut down", shortID(selfID))
	return err
}

// watchRoster joins the pair signaling channel for every peer presence
// reveals, so inbound offers find an open channel.
func watchRoster(ctx context.Context, roster *state.Roster, sig *Signaler) {
	ch := roster.Subscribe()
	defer roster.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := sig.EnsurePeer(evt.UserID); err != nil {
				log.Printf("SIGNAL: join channel for %s: %v", evt.UserID, err)
			}
		}
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}
