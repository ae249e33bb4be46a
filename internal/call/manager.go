package call

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/chimelab/chime/internal/proto"
	"github.com/chimelab/chime/internal/rtc"
	"github.com/chimelab/chime/internal/signal"
)

// Options wires a Manager to its collaborators.
type Options struct {
	Self      string // local peer ID
	SelfName  string // display name sent with invites
	Config    Config
	Transport rtc.Transport
	Signaler  Signaler
	Records   Records
	Directory Directory
	Notifier  Notifier
}

// SessionHooks are the optional callbacks of a one-to-one session. They
// must be provided up front because sessions start signaling immediately.
type SessionHooks struct {
	OnStatus      func(Status)
	OnRemoteTrack func(rtc.RemoteTrack)
	OnQuality     func(QualitySample)
}

// GroupHooks are the optional callbacks of a group session.
type GroupHooks struct {
	OnPeerJoined  func(user string)
	OnPeerLeft    func(user string)
	OnRemoteTrack func(user string, t rtc.RemoteTrack)
	OnQuality     func(user string, q QualitySample)
	OnState       func(RoomState)
}

// IncomingCall is a ringing invite. Exactly one of Accept or Join is set,
// depending on whether it is a one-to-one call or a group room.
type IncomingCall struct {
	CallID         string
	ConversationID string
	From           string
	FromName       string
	Type           CallType
	Group          bool

	Accept  func(ctx context.Context, hooks SessionHooks) (*Session, error)
	Join    func(ctx context.Context, hooks GroupHooks) (*GroupSession, error)
	Decline func(ctx context.Context) error
}

// Manager owns the active sessions and turns inbound invites into
// IncomingCall values for the application to answer. At most one session,
// one-to-one or group, is active at a time.
type Manager struct {
	self     string
	selfName string
	cfg      Config

	transport rtc.Transport
	sig       Signaler
	records   Records
	dir       Directory
	notes     Notifier

	mu       sync.Mutex
	sessions map[string]*Session
	groups   map[string]*GroupSession

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Manager and starts consuming invites immediately.
func New(o Options) *Manager {
	m := &Manager{
		self:      o.Self,
		selfName:  o.SelfName,
		cfg:       o.Config.withDefaults(),
		transport: o.Transport,
		sig:       o.Signaler,
		records:   o.Records,
		dir:       o.Directory,
		notes:     o.Notifier,
		sessions:  make(map[string]*Session),
		groups:    make(map[string]*GroupSession),
		done:      make(chan struct{}),
	}
	go m.inviteLoop()
	return m
}

// OnIncoming registers a handler fired for every ringing invite.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// busy reports whether any session is active. Callers hold m.mu.
func (m *Manager) busy() bool {
	return len(m.sessions)+len(m.groups) > 0
}

// ActiveSession returns the current one-to-one session, if any.
func (m *Manager) ActiveSession() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		return s, true
	}
	return nil, false
}

// ActiveGroup returns the current group session, if any.
func (m *Manager) ActiveGroup() (*GroupSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups {
		return g, true
	}
	return nil, false
}

// StartCall dials a peer. It reserves the session slot, opens the
// signaling channel, starts local media and negotiation, and only then
// rings the callee over the notifier stream.
func (m *Manager) StartCall(ctx context.Context, peer string, typ CallType, hooks SessionHooks) (*Session, error) {
	if peer == m.self {
		return nil, fmt.Errorf("call: cannot call self")
	}
	if !m.dir.Reachable(peer) {
		return nil, ErrUnreachable
	}
	convID, err := m.dir.EnsureDirect(ctx, m.self, peer)
	if err != nil {
		return nil, fmt.Errorf("ensure conversation: %w", err)
	}

	callID := uuid.NewString()
	ch, err := m.sig.Open(ctx, proto.CallTopic(callID))
	if err != nil {
		return nil, fmt.Errorf("open signaling channel: %w", err)
	}

	sess := newSession(callID, convID, peer, m.self, typ, RoleCaller, m.cfg, m.transport, m.records, ch)
	sess.onStatus = hooks.OnStatus
	sess.onRemoteTrack = hooks.OnRemoteTrack
	sess.onQuality = hooks.OnQuality
	sess.onClosed = m.dropSession

	m.mu.Lock()
	if m.busy() {
		m.mu.Unlock()
		_ = ch.Close()
		return nil, ErrBusy
	}
	m.sessions[callID] = sess
	m.mu.Unlock()

	if err := sess.start(ctx); err != nil {
		return nil, err
	}

	inv := Invite{
		Kind:           InviteKindCall,
		CallID:         callID,
		SessionID:      callID,
		ConversationID: convID,
		CallType:       typ,
		From:           m.self,
		FromName:       m.selfName,
	}
	if err := m.notes.Notify(ctx, peer, inv); err != nil {
		sess.End()
		return nil, fmt.Errorf("ring %s: %w", short(peer), err)
	}
	log.Printf("CALL: dialing %s (%s call %s)", short(peer), typ, short(callID))
	return sess, nil
}

// StartGroup opens a room for a group conversation and rings its members.
func (m *Manager) StartGroup(ctx context.Context, conversationID string, typ CallType, hooks GroupHooks) (*GroupSession, error) {
	callID := uuid.NewString()
	ch, err := m.sig.Open(ctx, proto.RoomTopic(callID))
	if err != nil {
		return nil, fmt.Errorf("open room channel: %w", err)
	}

	g := m.newGroup(callID, conversationID, m.self, typ, ch, hooks)

	m.mu.Lock()
	if m.busy() {
		m.mu.Unlock()
		_ = ch.Close()
		return nil, ErrBusy
	}
	m.groups[callID] = g
	m.mu.Unlock()

	if err := g.start(ctx); err != nil {
		return nil, err
	}
	log.Printf("CALL: room %s opened for %s", short(callID), conversationID)
	return g, nil
}

func (m *Manager) newGroup(callID, conversationID, host string, typ CallType, ch signal.Channel, hooks GroupHooks) *GroupSession {
	g := newGroupSession(groupOpts{
		id:             callID,
		conversationID: conversationID,
		self:           m.self,
		selfName:       m.selfName,
		host:           host,
		callType:       typ,
		cfg:            m.cfg,
		transport:      m.transport,
		records:        m.records,
		dir:            m.dir,
		notes:          m.notes,
		ch:             ch,
	})
	g.onPeerJoined = hooks.OnPeerJoined
	g.onPeerLeft = hooks.OnPeerLeft
	g.onRemoteTrack = hooks.OnRemoteTrack
	g.onQuality = hooks.OnQuality
	g.onState = hooks.OnState
	g.onClosed = m.dropGroup
	return g
}

func (m *Manager) dropSession(callID string) {
	m.mu.Lock()
	delete(m.sessions, callID)
	m.mu.Unlock()
}

func (m *Manager) dropGroup(callID string) {
	m.mu.Lock()
	delete(m.groups, callID)
	m.mu.Unlock()
}

// Close hangs up everything and stops the invite loop.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	groups := make([]*GroupSession, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, g)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.End()
	}
	for _, g := range groups {
		g.End()
	}
}

// ── invite handling ──────────────────────────────────────────────────────

func (m *Manager) inviteLoop() {
	ch, cancel := m.notes.Subscribe()
	defer cancel()
	for {
		select {
		case <-m.done:
			return
		case inv, ok := <-ch:
			if !ok {
				return
			}
			m.handleInvite(inv)
		}
	}
}

func (m *Manager) handleInvite(inv Invite) {
	switch inv.Kind {
	case InviteKindDecline:
		// Out-of-band decline for a call we are dialing.
		m.mu.Lock()
		sess := m.sessions[inv.CallID]
		m.mu.Unlock()
		if sess != nil && sess.Peer() == inv.From {
			sess.apply(evRemoteReject)
		}
		return
	case InviteKindCall, InviteKindRoom:
	default:
		return
	}

	name := inv.FromName
	if name == "" {
		if n, _, ok := m.dir.DisplayIdentity(inv.From); ok {
			name = n
		} else {
			name = inv.From
		}
	}

	ic := &IncomingCall{
		CallID:         inv.CallID,
		ConversationID: inv.ConversationID,
		From:           inv.From,
		FromName:       name,
		Type:           inv.CallType,
		Group:          inv.Kind == InviteKindRoom,
	}
	if ic.Group {
		ic.Join = func(ctx context.Context, hooks GroupHooks) (*GroupSession, error) {
			return m.joinGroup(ctx, inv, hooks)
		}
	} else {
		ic.Accept = func(ctx context.Context, hooks SessionHooks) (*Session, error) {
			return m.acceptCall(ctx, inv, hooks)
		}
	}
	ic.Decline = func(ctx context.Context) error {
		return m.decline(ctx, inv)
	}

	log.Printf("CALL: incoming %s %s from %s", inv.CallType, inv.Kind, name)
	m.incomingMu.RLock()
	handlers := make([]func(*IncomingCall), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(ic)
	}
}

func (m *Manager) acceptCall(ctx context.Context, inv Invite, hooks SessionHooks) (*Session, error) {
	ch, err := m.sig.Open(ctx, proto.CallTopic(inv.CallID))
	if err != nil {
		return nil, fmt.Errorf("open signaling channel: %w", err)
	}

	sess := newSession(inv.CallID, inv.ConversationID, inv.From, m.self, inv.CallType, RoleCallee, m.cfg, m.transport, m.records, ch)
	sess.onStatus = hooks.OnStatus
	sess.onRemoteTrack = hooks.OnRemoteTrack
	sess.onQuality = hooks.OnQuality
	sess.onClosed = m.dropSession

	m.mu.Lock()
	if m.busy() {
		m.mu.Unlock()
		_ = ch.Close()
		return nil, ErrBusy
	}
	m.sessions[inv.CallID] = sess
	m.mu.Unlock()

	if err := sess.start(ctx); err != nil {
		return nil, err
	}
	log.Printf("CALL: accepted %s from %s", short(inv.CallID), short(inv.From))
	return sess, nil
}

func (m *Manager) joinGroup(ctx context.Context, inv Invite, hooks GroupHooks) (*GroupSession, error) {
	ch, err := m.sig.Open(ctx, proto.RoomTopic(inv.SessionID))
	if err != nil {
		return nil, fmt.Errorf("open room channel: %w", err)
	}

	g := m.newGroup(inv.CallID, inv.ConversationID, inv.From, inv.CallType, ch, hooks)

	m.mu.Lock()
	if m.busy() {
		m.mu.Unlock()
		_ = ch.Close()
		return nil, ErrBusy
	}
	m.groups[inv.CallID] = g
	m.mu.Unlock()

	if err := g.start(ctx); err != nil {
		return nil, err
	}
	log.Printf("CALL: joined room %s from %s", short(inv.CallID), short(inv.From))
	return g, nil
}

// decline answers an invite without joining: a call-rejected message on
// the call's channel for anyone already listening there, plus a direct
// decline over the notifier in case the caller's channel is not yet up.
func (m *Manager) decline(ctx context.Context, inv Invite) error {
	topic := proto.CallTopic(inv.CallID)
	if inv.Kind == InviteKindRoom {
		topic = proto.RoomTopic(inv.SessionID)
	}
	ch, err := m.sig.Open(ctx, topic)
	if err != nil {
		return fmt.Errorf("open signaling channel: %w", err)
	}
	defer ch.Close()

	msg := signal.Message{Type: signal.TypeCallRejected, From: m.self, To: inv.From}
	if err := ch.Send(ctx, msg.Stamp()); err != nil {
		return fmt.Errorf("send reject: %w", err)
	}
	if err := m.notes.Notify(ctx, inv.From, Invite{
		Kind:     InviteKindDecline,
		CallID:   inv.CallID,
		From:     m.self,
		FromName: m.selfName,
	}); err != nil {
		log.Printf("CALL: decline notify %s: %v", short(inv.From), err)
	}

	if inv.Kind == InviteKindCall {
		if err := m.records.CreateCall(ctx, inv.CallID, inv.ConversationID, inv.From, string(inv.CallType), recordDeclined, false); err == nil {
			_ = m.records.EndCall(ctx, inv.CallID, recordDeclined)
		}
	}
	log.Printf("CALL: declined %s from %s", short(inv.CallID), short(inv.From))
	return nil
}
