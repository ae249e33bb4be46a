// Package notify implements the /chime/invite/1.0.0 out-of-band delivery
// channel. Call invitations cannot ride the call's own signaling topic —
// the callee has not joined it yet — so they travel over a direct libp2p
// stream as newline-delimited JSON with a synchronous transport ACK.
package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/chimelab/chime/internal/proto"
	"github.com/chimelab/chime/internal/util"
)

// inboxCap bounds per-peer buffering between arrival and Subscribe.
const inboxCap = 64

// Envelope kinds.
const (
	KindCallInvite = "call-invite"
	KindRoomInvite = "room-invite"
	KindDecline    = "decline"
)

// Envelope is the wire type for an invitation or decline notice.
type Envelope struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	CallID         string `json:"callId,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	CallType       string `json:"callType,omitempty"` // audio|video
	From           string `json:"from"`
	FromName       string `json:"fromName,omitempty"`
	TS             int64  `json:"ts"`
}

type envelopeAck struct {
	ID string `json:"id"`
}

// Manager owns the invite stream handler and buffers envelopes that
// arrive before anyone subscribed.
type Manager struct {
	host   host.Host
	selfID string

	inboxMu sync.Mutex
	inbox   []Envelope

	listenerMu sync.RWMutex
	listeners  map[chan Envelope]struct{}
}

// New creates a Manager and registers the invite stream handler.
func New(h host.Host) *Manager {
	m := &Manager{
		host:      h,
		selfID:    h.ID().String(),
		listeners: make(map[chan Envelope]struct{}),
	}
	h.SetStreamHandler(protocol.ID(proto.InviteProtoID), m.handleIncoming)
	log.Printf("NOTIFY: registered handler for %s", proto.InviteProtoID)
	return m
}

// Notify delivers an envelope to userID and waits for the transport ACK.
// The From, ID and TS fields are filled in here.
func (m *Manager) Notify(ctx context.Context, userID string, env Envelope) error {
	pid, err := peer.Decode(userID)
	if err != nil {
		return fmt.Errorf("notify: invalid peer id %q: %w", userID, err)
	}

	env.ID = uuid.NewString()
	env.From = m.selfID
	env.TS = proto.NowMillis()

	dialCtx, cancel := context.WithTimeout(ctx, util.DefaultAckTimeout)
	defer cancel()

	stream, err := m.host.NewStream(dialCtx, pid, protocol.ID(proto.InviteProtoID))
	if err != nil {
		return fmt.Errorf("notify: open stream to %s: %w", userID, err)
	}
	defer stream.Close()

	if err := json.NewEncoder(stream).Encode(env); err != nil {
		return fmt.Errorf("notify: encode envelope: %w", err)
	}

	var ack envelopeAck
	_ = stream.SetReadDeadline(time.Now().Add(util.DefaultAckTimeout))
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&ack); err != nil {
		return fmt.Errorf("notify: waiting for ack from %s: %w", userID, err)
	}
	if ack.ID != env.ID {
		return fmt.Errorf("notify: ack id mismatch (got %s, want %s)", ack.ID, env.ID)
	}

	log.Printf("NOTIFY: delivered %s %s to %s", env.Kind, env.ID[:8], short(userID))
	return nil
}

func (m *Manager) handleIncoming(stream network.Stream) {
	defer stream.Close()

	remotePeer := stream.Conn().RemotePeer().String()
	_ = stream.SetReadDeadline(time.Now().Add(30 * time.Second))

	var env Envelope
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&env); err != nil {
		log.Printf("NOTIFY: decode error from %s: %v", short(remotePeer), err)
		return
	}

	// From is authenticated by the stream itself, never trusted from the wire.
	env.From = remotePeer

	_ = stream.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewEncoder(stream).Encode(envelopeAck{ID: env.ID}); err != nil {
		log.Printf("NOTIFY: ack write error to %s: %v", short(remotePeer), err)
		// Continue dispatching even if the ACK write failed.
	}

	log.Printf("NOTIFY: received %s %s from %s", env.Kind, env.ID[:8], short(remotePeer))

	m.listenerMu.RLock()
	n := len(m.listeners)
	for ch := range m.listeners {
		select {
		case ch <- env:
		default:
			log.Printf("NOTIFY: listener full, dropping %s", env.ID[:8])
		}
	}
	m.listenerMu.RUnlock()

	if n == 0 {
		m.inboxMu.Lock()
		if len(m.inbox) >= inboxCap {
			m.inbox = m.inbox[1:] // drop oldest
		}
		m.inbox = append(m.inbox, env)
		m.inboxMu.Unlock()
	}
}

// Subscribe returns a channel of inbound envelopes and a cancel function.
// Buffered envelopes are replayed immediately so early invites are not lost.
func (m *Manager) Subscribe() (<-chan Envelope, func()) {
	ch := make(chan Envelope, 64)

	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()

	m.inboxMu.Lock()
	buffered := m.inbox
	m.inbox = nil
	m.inboxMu.Unlock()

	for _, env := range buffered {
		select {
		case ch <- env:
		default:
		}
	}

	cancel := func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

// Close removes the stream handler and closes all listeners.
func (m *Manager) Close() {
	m.host.RemoveStreamHandler(protocol.ID(proto.InviteProtoID))
	m.listenerMu.Lock()
	for ch := range m.listeners {
		close(ch)
	}
	m.listeners = map[chan Envelope]struct{}{}
	m.listenerMu.Unlock()
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
