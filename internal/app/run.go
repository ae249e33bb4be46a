// Package app wires the peer together: identity, p2p node, call history
// store, directory, invite fabric and the call engine itself.
package app

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chimelab/chime/internal/call"
	"github.com/chimelab/chime/internal/config"
	"github.com/chimelab/chime/internal/directory"
	"github.com/chimelab/chime/internal/notify"
	"github.com/chimelab/chime/internal/p2p"
	"github.com/chimelab/chime/internal/rtc"
	"github.com/chimelab/chime/internal/state"
	"github.com/chimelab/chime/internal/store"
	"github.com/chimelab/chime/internal/util"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// liveConfig is the current config as seen by presence publishing and the
// reload watcher. Guarded because heartbeats read it from their own
// goroutine.
type liveConfig struct {
	mu  sync.RWMutex
	cfg config.Config
}

func (l *liveConfig) get() config.Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

func (l *liveConfig) set(cfg config.Config) {
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

// Run starts the peer and blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	live := &liveConfig{cfg: cfg}

	peers := state.NewPeerTable()
	ttl := time.Duration(cfg.Presence.TTLSec) * time.Second

	keyPath := util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile)
	node, err := p2p.New(ctx, cfg.P2P.ListenPort, keyPath, cfg.P2P.MdnsTag, cfg.Presence.Topic, peers, p2p.SelfInfo{
		Name:      func() string { return live.get().Identity.DisplayName },
		AvatarRef: func() string { return live.get().Identity.AvatarRef },
		CallsOff:  func() bool { return live.get().Call.Disabled },
	}, ttl)
	if err != nil {
		return fmt.Errorf("start p2p node: %w", err)
	}
	defer node.Close()
	log.Printf("APP: peer id %s", node.ID())

	db, err := store.Open(util.ResolvePath(opt.PeerDir, cfg.Storage.DBDir))
	if err != nil {
		return fmt.Errorf("open call history: %w", err)
	}
	defer db.Close()

	notes := notify.New(node.Host)
	defer notes.Close()

	transport := rtc.NewPion(rtcConfig(cfg))

	engine := call.New(call.Options{
		Self:      node.ID(),
		SelfName:  cfg.Identity.DisplayName,
		Config:    callConfig(cfg.Call),
		Transport: transport,
		Signaler:  newSignaler(cfg.Signaling, node),
		Records:   db,
		Directory: directory.New(db, peers),
		Notifier:  &inviteFabric{mgr: notes},
	})
	defer engine.Close()

	engine.OnIncoming(func(ic *call.IncomingCall) {
		what := "call"
		if ic.Group {
			what = "room"
		}
		log.Printf("APP: incoming %s %s %s from %s", ic.Type, what, ic.CallID, ic.FromName)
	})

	node.RunPresenceLoop(ctx, nil)
	node.RunHeartbeat(ctx, time.Duration(cfg.Presence.HeartbeatSec)*time.Second, ttl)
	go logPeerEvents(ctx, peers)

	if err := watchConfig(ctx, opt.CfgPath, func(next config.Config) {
		prev := live.get()
		live.set(next)
		transport.SetConfig(rtcConfig(next))
		logReload(prev, next)
	}); err != nil {
		log.Printf("APP: config watch disabled: %v", err)
	}

	<-ctx.Done()
	log.Println("APP: shutting down")
	return nil
}

// logPeerEvents turns presence changes into roster log lines. Heartbeats
// re-upsert peers constantly, so only reachability flips are logged.
func logPeerEvents(ctx context.Context, peers *state.PeerTable) {
	events := peers.Subscribe()
	defer peers.Unsubscribe(events)
	reachable := map[string]bool{}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch {
			case ev.Type == "remove":
				delete(reachable, ev.PeerID)
				log.Printf("APP: peer %s gone (%d known)", short(ev.PeerID), len(peers.Snapshot()))
			case ev.Peer == nil:
			case ev.Peer.Reachable != reachable[ev.PeerID]:
				reachable[ev.PeerID] = ev.Peer.Reachable
				if ev.Peer.Reachable {
					log.Printf("APP: peer %s (%s) online (%d known)", short(ev.PeerID), ev.Peer.Name, len(peers.Snapshot()))
				} else {
					log.Printf("APP: peer %s (%s) offline", short(ev.PeerID), ev.Peer.Name)
				}
			}
		}
	}
}

func short(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}

func rtcConfig(cfg config.Config) rtc.Config {
	return rtc.Config{
		STUNServers:  cfg.Call.STUNServers,
		MaxWidth:     cfg.Media.MaxWidth,
		MaxHeight:    cfg.Media.MaxHeight,
		VideoBitRate: cfg.Media.VideoBitRate,
		PreferredCam: cfg.Media.PreferredCam,
		PreferredMic: cfg.Media.PreferredMic,
		CaptureOff:   cfg.Media.CaptureOff,
	}
}

func callConfig(c config.Call) call.Config {
	return call.Config{
		ReconnectAttempts: c.ReconnectAttempts,
		ReconnectBase:     time.Duration(c.ReconnectBaseMs) * time.Millisecond,
		QualityInterval:   time.Duration(c.QualityIntervalSec) * time.Second,
		RingTimeout:       time.Duration(c.RingTimeoutSec) * time.Second,
	}
}

func logReload(prev, next config.Config) {
	log.Printf("APP: config reloaded")
	if prev.Identity != next.Identity || prev.Call.Disabled != next.Call.Disabled {
		log.Printf("APP: identity changes announced on the next heartbeat")
	}
	if prev.P2P != next.P2P || prev.Presence != next.Presence ||
		prev.Signaling != next.Signaling || prev.Storage != next.Storage {
		log.Printf("APP: p2p, presence, signaling and storage changes take effect after restart")
	}
}
