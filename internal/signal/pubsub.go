package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// PubSubChannel carries signaling over a gossipsub topic. One instance
// per call; the topic name must be unique per call or room.
type PubSubChannel struct {
	name  string
	self  string
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	out   chan Message

	cancel context.CancelFunc
	once   sync.Once
}

// OpenPubSub joins the named topic and starts pumping inbound messages.
// self is the local peer identity used for echo suppression.
func OpenPubSub(ctx context.Context, ps *pubsub.PubSub, name, self string) (*PubSubChannel, error) {
	topic, err := ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", name, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	c := &PubSubChannel{
		name:   name,
		self:   self,
		topic:  topic,
		sub:    sub,
		out:    make(chan Message, 64),
		cancel: cancel,
	}
	go c.pump(pumpCtx)
	return c, nil
}

func (c *PubSubChannel) pump(ctx context.Context) {
	defer close(c.out)
	for {
		raw, err := c.sub.Next(ctx)
		if err != nil {
			return // subscription cancelled or context done
		}
		var msg Message
		if err := json.Unmarshal(raw.Data, &msg); err != nil {
			log.Printf("SIGNAL [%s]: dropping malformed message: %v", c.name, err)
			continue
		}
		if msg.From == c.self || !msg.ForPeer(c.self) {
			continue
		}
		select {
		case c.out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *PubSubChannel) Send(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg.Stamp())
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	return c.topic.Publish(ctx, b)
}

func (c *PubSubChannel) Recv() <-chan Message { return c.out }

func (c *PubSubChannel) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.sub.Cancel()
		if err := c.topic.Close(); err != nil {
			log.Printf("SIGNAL [%s]: topic close: %v", c.name, err)
		}
	})
	return nil
}
