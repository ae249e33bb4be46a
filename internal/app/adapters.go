package app

import (
	"context"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/chimelab/chime/internal/call"
	"github.com/chimelab/chime/internal/config"
	"github.com/chimelab/chime/internal/notify"
	"github.com/chimelab/chime/internal/p2p"
	"github.com/chimelab/chime/internal/signal"
)

// pubsubSignaler opens per-call topics on the node's gossipsub mesh.
type pubsubSignaler struct {
	ps   *pubsub.PubSub
	self string
}

func (s *pubsubSignaler) Open(ctx context.Context, topic string) (signal.Channel, error) {
	return signal.OpenPubSub(ctx, s.ps, topic, s.self)
}

// relaySignaler opens per-call rooms on a websocket relay server.
type relaySignaler struct {
	url  string
	self string
}

func (s *relaySignaler) Open(ctx context.Context, topic string) (signal.Channel, error) {
	return signal.OpenRelay(ctx, s.url, topic, s.self)
}

func newSignaler(cfg config.Signaling, node *p2p.Node) call.Signaler {
	if cfg.Mode == "relay" {
		return &relaySignaler{url: cfg.RelayURL, self: node.ID()}
	}
	return &pubsubSignaler{ps: node.PubSub(), self: node.ID()}
}

// inviteFabric bridges the call engine's Notifier to the invite stream
// protocol. Kind strings are shared between the two packages.
type inviteFabric struct {
	mgr *notify.Manager
}

func (f *inviteFabric) Notify(ctx context.Context, userID string, inv call.Invite) error {
	return f.mgr.Notify(ctx, userID, notify.Envelope{
		Kind:           inv.Kind,
		CallID:         inv.CallID,
		SessionID:      inv.SessionID,
		ConversationID: inv.ConversationID,
		CallType:       string(inv.CallType),
		FromName:       inv.FromName,
	})
}

func (f *inviteFabric) Subscribe() (<-chan call.Invite, func()) {
	envs, cancel := f.mgr.Subscribe()
	out := make(chan call.Invite, 16)
	go func() {
		defer close(out)
		for env := range envs {
			out <- call.Invite{
				Kind:           env.Kind,
				CallID:         env.CallID,
				SessionID:      env.SessionID,
				ConversationID: env.ConversationID,
				CallType:       call.CallType(env.CallType),
				From:           env.From,
				FromName:       env.FromName,
			}
		}
	}()
	return out, cancel
}
