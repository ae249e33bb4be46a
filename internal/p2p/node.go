// Package p2p owns the libp2p host: identity, LAN discovery via mDNS,
// and the gossipsub mesh that carries presence and call signaling.
package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/chimelab/chime/internal/proto"
	"github.com/chimelab/chime/internal/state"
	"github.com/chimelab/chime/internal/util"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// SelfInfo supplies the presence fields published for the local user.
// Functions so hot config reloads are picked up on the next heartbeat.
type SelfInfo struct {
	Name      func() string
	AvatarRef func() string
	CallsOff  func() bool
}

type Node struct {
	Host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	self  SelfInfo
	peers *state.PeerTable

	// Presence TTL governs how long announced peer addresses stay usable.
	presenceTTL time.Duration
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

func New(ctx context.Context, listenPort int, keyFile, mdnsTag, presenceTopic string, peers *state.PeerTable, self SelfInfo, presenceTTL time.Duration) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("P2P: generated new identity key: %s", keyFile)
	} else {
		log.Printf("P2P: loaded identity key: %s", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	// LAN discovery via mDNS
	md := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	topic, err := ps.Join(presenceTopic)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	sub, err := topic.Subscribe()
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	return &Node{
		Host:        h,
		ps:          ps,
		topic:       topic,
		sub:         sub,
		self:        self,
		peers:       peers,
		presenceTTL: presenceTTL,
	}, nil
}

func (n *Node) Close() error {
	return n.Host.Close()
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// PubSub exposes the gossipsub router so signaling channels can join
// their per-call topics on the same mesh.
func (n *Node) PubSub() *pubsub.PubSub {
	return n.ps
}

// Publish announces the local peer on the presence topic.
func (n *Node) Publish(ctx context.Context, typ string) {
	msg := proto.PresenceMsg{
		Type:   typ,
		PeerID: n.ID(),
		TS:     proto.NowMillis(),
	}
	if typ == proto.TypeOnline || typ == proto.TypeUpdate {
		msg.Name = n.self.Name()
		msg.AvatarRef = n.self.AvatarRef()
		msg.CallsOff = n.self.CallsOff()
		msg.Addrs = n.wanAddrs()
	}

	b, _ := json.Marshal(msg)
	_ = n.topic.Publish(ctx, b)
}

// wanAddrs returns the host's multiaddresses filtered to exclude loopback
// and link-local addresses.
func (n *Node) wanAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// addPeerAddrs parses multiaddr strings and adds them to the peerstore so
// invite streams can dial peers announced over presence.
func (n *Node) addPeerAddrs(peerID string, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return
	}
	var parsed []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		if ip, err := manet.ToIP(a); err == nil {
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
		}
		parsed = append(parsed, a)
	}
	ttl := n.presenceTTL
	if ttl <= 0 {
		ttl = 20 * time.Second
	}
	if len(parsed) > 0 {
		n.Host.Peerstore().AddAddrs(pid, parsed, ttl)
	}
}

// RunPresenceLoop consumes presence messages, maintaining the peer table.
// Own messages are skipped; onEvent (optional) fires for every accepted
// remote message.
func (n *Node) RunPresenceLoop(ctx context.Context, onEvent func(msg proto.PresenceMsg)) {
	go func() {
		for {
			m, err := n.sub.Next(ctx)
			if err != nil {
				return
			}

			var pm proto.PresenceMsg
			if err := json.Unmarshal(m.Data, &pm); err != nil {
				continue
			}
			if pm.PeerID == "" || pm.Type == "" {
				continue
			}
			if pm.PeerID == n.ID() {
				continue
			}

			switch pm.Type {
			case proto.TypeOnline, proto.TypeUpdate:
				n.peers.Upsert(pm.PeerID, pm.Name, pm.AvatarRef, pm.CallsOff)
				n.addPeerAddrs(pm.PeerID, pm.Addrs)
			case proto.TypeOffline:
				// A clean goodbye flips reachability; the grace-period
				// prune drops the entry later.
				n.peers.MarkOffline(pm.PeerID)
			}

			if onEvent != nil {
				onEvent(pm)
			}
		}
	}()
}

// RunHeartbeat publishes online announcements on the configured cadence
// and prunes peers whose presence expired.
func (n *Node) RunHeartbeat(ctx context.Context, heartbeat, ttl time.Duration) {
	go func() {
		n.Publish(ctx, proto.TypeOnline)
		t := time.NewTicker(heartbeat)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				n.Publish(context.Background(), proto.TypeOffline)
				return
			case <-t.C:
				n.Publish(ctx, proto.TypeUpdate)
				now := time.Now()
				n.peers.PruneStale(now.Add(-ttl), now.Add(-10*ttl))
			}
		}
	}()
}
