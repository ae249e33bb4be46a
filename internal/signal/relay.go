package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	relayWriteTimeout = 5 * time.Second
	relayPingInterval = 20 * time.Second
)

// relayFrame is the framing used between client and relay server.
// Op is "join", "leave" or "msg".
type relayFrame struct {
	Op    string          `json:"op"`
	Topic string          `json:"topic"`
	Msg   json.RawMessage `json:"msg,omitempty"`
}

// RelayChannel carries signaling through a websocket relay server for
// peers that cannot reach each other over the p2p mesh. The relay fans
// each frame out to every other subscriber of the same topic.
type RelayChannel struct {
	name string
	self string
	conn *websocket.Conn
	out  chan Message

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

// OpenRelay dials the relay server and joins the named topic.
func OpenRelay(ctx context.Context, relayURL, name, self string) (*RelayChannel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", relayURL, err)
	}

	c := &RelayChannel{
		name: name,
		self: self,
		conn: conn,
		out:  make(chan Message, 64),
		done: make(chan struct{}),
	}
	if err := c.writeFrame(relayFrame{Op: "join", Topic: name}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join relay topic %s: %w", name, err)
	}

	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

func (c *RelayChannel) readLoop() {
	defer close(c.out)
	for {
		var frame relayFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			select {
			case <-c.done:
			default:
				log.Printf("SIGNAL [%s]: relay read: %v", c.name, err)
			}
			return
		}
		if frame.Op != "msg" || frame.Topic != c.name {
			continue
		}
		var msg Message
		if err := json.Unmarshal(frame.Msg, &msg); err != nil {
			log.Printf("SIGNAL [%s]: dropping malformed relay message: %v", c.name, err)
			continue
		}
		if msg.From == c.self || !msg.ForPeer(c.self) {
			continue
		}
		select {
		case c.out <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *RelayChannel) pingLoop() {
	t := time.NewTicker(relayPingInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(relayWriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *RelayChannel) writeFrame(frame relayFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
	return c.conn.WriteJSON(frame)
}

func (c *RelayChannel) Send(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg.Stamp())
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	return c.writeFrame(relayFrame{Op: "msg", Topic: c.name, Msg: b})
}

func (c *RelayChannel) Recv() <-chan Message { return c.out }

func (c *RelayChannel) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		_ = c.writeFrame(relayFrame{Op: "leave", Topic: c.name})
		err = c.conn.Close()
	})
	return err
}
