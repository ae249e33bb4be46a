package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chimelab/chime/internal/rtc"
	"github.com/chimelab/chime/internal/signal"
	"github.com/chimelab/chime/internal/store"
)

// ── in-memory signaling bus ──────────────────────────────────────────────

// bus is an in-process signaling fabric. Every channel opened on a topic
// sees every message published there, minus its own and those addressed
// to someone else, exactly like the pubsub channel.
type bus struct {
	mu     sync.Mutex
	topics map[string][]*busChannel
}

func newBus() *bus {
	return &bus{topics: make(map[string][]*busChannel)}
}

func (b *bus) open(topic, self string) *busChannel {
	c := &busChannel{bus: b, topic: topic, self: self, out: make(chan signal.Message, 64)}
	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], c)
	b.mu.Unlock()
	return c
}

func (b *bus) publish(topic string, msg signal.Message) {
	b.mu.Lock()
	members := append([]*busChannel(nil), b.topics[topic]...)
	b.mu.Unlock()
	for _, m := range members {
		if msg.From == m.self || !msg.ForPeer(m.self) {
			continue
		}
		m.deliver(msg)
	}
}

type busChannel struct {
	bus   *bus
	topic string
	self  string
	out   chan signal.Message

	mu     sync.Mutex
	closed bool
}

func (c *busChannel) Send(_ context.Context, msg signal.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("channel closed")
	}
	c.mu.Unlock()
	c.bus.publish(c.topic, msg)
	return nil
}

func (c *busChannel) Recv() <-chan signal.Message { return c.out }

func (c *busChannel) deliver(msg signal.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.out <- msg:
	default:
	}
}

func (c *busChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.bus.mu.Lock()
	members := c.bus.topics[c.topic]
	for i, m := range members {
		if m == c {
			c.bus.topics[c.topic] = append(members[:i], members[i+1:]...)
			break
		}
	}
	c.bus.mu.Unlock()

	close(c.out)
	return nil
}

// busSignaler opens channels on the shared bus for one user.
type busSignaler struct {
	b    *bus
	self string
}

func (s *busSignaler) Open(_ context.Context, topic string) (signal.Channel, error) {
	return s.b.open(topic, s.self), nil
}

// ── fake transport ───────────────────────────────────────────────────────

type fakeTransport struct {
	mu       sync.Mutex
	mediaErr error
	links    []*fakeLink
}

func (t *fakeTransport) AcquireMedia(_ context.Context, c rtc.MediaConstraints) (rtc.LocalMedia, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mediaErr != nil {
		return nil, t.mediaErr
	}
	return &fakeMedia{hasAudio: c.Audio, hasVideo: c.Video, audioOn: c.Audio, videoOn: c.Video}, nil
}

func (t *fakeTransport) NewPeerLink(_ rtc.LocalMedia) (rtc.PeerLink, error) {
	l := &fakeLink{state: rtc.SignalingStable}
	t.mu.Lock()
	t.links = append(t.links, l)
	t.mu.Unlock()
	return l, nil
}

func (t *fakeTransport) link(i int) *fakeLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.links) {
		return nil
	}
	return t.links[i]
}

type fakeMedia struct {
	mu       sync.Mutex
	hasAudio bool
	hasVideo bool
	audioOn  bool
	videoOn  bool
	switches int
	closed   bool
}

func (m *fakeMedia) SetAudioEnabled(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioOn = on
	return nil
}

func (m *fakeMedia) SetVideoEnabled(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoOn = on
	return nil
}

func (m *fakeMedia) AudioEnabled() bool { m.mu.Lock(); defer m.mu.Unlock(); return m.audioOn }
func (m *fakeMedia) VideoEnabled() bool { m.mu.Lock(); defer m.mu.Unlock(); return m.videoOn }
func (m *fakeMedia) HasAudio() bool     { return m.hasAudio }
func (m *fakeMedia) HasVideo() bool     { return m.hasVideo }

func (m *fakeMedia) SwitchCamera(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasVideo {
		return rtc.ErrMediaUnavailable
	}
	m.switches++
	return nil
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// fakeLink emulates the SDP state machine of a peer connection. When a
// negotiation round completes (an answer is created or applied) it fires
// a connected state change, like ICE succeeding instantly.
type fakeLink struct {
	mu         sync.Mutex
	state      rtc.SignalingState
	haveRemote bool
	offers     int
	answers    int
	restarts   int
	rollbacks  int
	cands      []rtc.Candidate
	closed     bool

	stats   rtc.LinkStats
	statsOK bool

	onICE   func(rtc.Candidate)
	onConn  func(rtc.LinkState)
	onNeg   func()
	onTrack func(rtc.RemoteTrack)
}

func (l *fakeLink) CreateOffer(context.Context) (rtc.Description, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offers++
	l.state = rtc.SignalingHaveLocalOffer
	return rtc.Description{Type: rtc.DescriptionOffer, SDP: fmt.Sprintf("offer-%d", l.offers)}, nil
}

func (l *fakeLink) CreateAnswer(context.Context) (rtc.Description, error) {
	l.mu.Lock()
	if l.state != rtc.SignalingHaveRemoteOffer {
		l.mu.Unlock()
		return rtc.Description{}, fmt.Errorf("create answer in state %s", l.state)
	}
	l.answers++
	l.state = rtc.SignalingStable
	fire := l.onConn
	l.mu.Unlock()
	if fire != nil {
		go fire(rtc.LinkConnected)
	}
	return rtc.Description{Type: rtc.DescriptionAnswer, SDP: fmt.Sprintf("answer-%d", l.answers)}, nil
}

func (l *fakeLink) SetRemoteDescription(desc rtc.Description) error {
	l.mu.Lock()
	switch desc.Type {
	case rtc.DescriptionOffer:
		if l.state == rtc.SignalingHaveLocalOffer {
			l.mu.Unlock()
			return errors.New("offer collision")
		}
		l.state = rtc.SignalingHaveRemoteOffer
		l.haveRemote = true
		l.mu.Unlock()
		return nil
	case rtc.DescriptionAnswer:
		if l.state != rtc.SignalingHaveLocalOffer {
			l.mu.Unlock()
			return errors.New("answer without local offer")
		}
		l.state = rtc.SignalingStable
		l.haveRemote = true
		fire := l.onConn
		l.mu.Unlock()
		if fire != nil {
			go fire(rtc.LinkConnected)
		}
		return nil
	}
	l.mu.Unlock()
	return fmt.Errorf("bad description type %q", desc.Type)
}

func (l *fakeLink) Rollback() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollbacks++
	l.state = rtc.SignalingStable
	return nil
}

func (l *fakeLink) RestartICE(context.Context) (rtc.Description, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.restarts++
	l.state = rtc.SignalingHaveLocalOffer
	return rtc.Description{Type: rtc.DescriptionOffer, SDP: fmt.Sprintf("restart-%d", l.restarts)}, nil
}

func (l *fakeLink) AddICECandidate(c rtc.Candidate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.haveRemote {
		return errors.New("no remote description")
	}
	l.cands = append(l.cands, c)
	return nil
}

func (l *fakeLink) SignalingState() rtc.SignalingState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *fakeLink) HasRemoteDescription() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.haveRemote
}

func (l *fakeLink) OnICECandidate(fn func(rtc.Candidate)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onICE = fn
}

func (l *fakeLink) OnConnectionStateChange(fn func(rtc.LinkState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onConn = fn
}

func (l *fakeLink) OnNegotiationNeeded(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onNeg = fn
}

func (l *fakeLink) OnRemoteTrack(fn func(rtc.RemoteTrack)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onTrack = fn
}

func (l *fakeLink) InboundVideoStats() (rtc.LinkStats, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats, l.statsOK
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) setStats(recv, lost uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats = rtc.LinkStats{PacketsReceived: recv, PacketsLost: lost}
	l.statsOK = true
}

func (l *fakeLink) fireState(st rtc.LinkState) {
	l.mu.Lock()
	fire := l.onConn
	l.mu.Unlock()
	if fire != nil {
		fire(st)
	}
}

func (l *fakeLink) fireICE(c rtc.Candidate) {
	l.mu.Lock()
	fire := l.onICE
	l.mu.Unlock()
	if fire != nil {
		fire(c)
	}
}

func (l *fakeLink) fireTrack(t rtc.RemoteTrack) {
	l.mu.Lock()
	fire := l.onTrack
	l.mu.Unlock()
	if fire != nil {
		fire(t)
	}
}

func (l *fakeLink) snapshot() (offers, answers, restarts, rollbacks int, cands []rtc.Candidate) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offers, l.answers, l.restarts, l.rollbacks, append([]rtc.Candidate(nil), l.cands...)
}

// ── fake records ─────────────────────────────────────────────────────────

type recCall struct {
	conversationID string
	callerID       string
	callType       string
	status         string
	group          bool
	ended          bool
}

type fakeRecords struct {
	mu    sync.Mutex
	calls map[string]*recCall
	parts map[string]map[string]string
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{calls: make(map[string]*recCall), parts: make(map[string]map[string]string)}
}

func (r *fakeRecords) CreateCall(_ context.Context, id, conversationID, callerID, callType, status string, group bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[id]; ok {
		return errors.New("duplicate call")
	}
	r.calls[id] = &recCall{conversationID: conversationID, callerID: callerID, callType: callType, status: status, group: group}
	return nil
}

func (r *fakeRecords) UpdateCallStatus(_ context.Context, id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return store.ErrNotFound
	}
	c.status = status
	return nil
}

func (r *fakeRecords) EndCall(_ context.Context, id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return store.ErrNotFound
	}
	if !c.ended {
		c.ended = true
		c.status = status
	}
	return nil
}

func (r *fakeRecords) AddParticipant(_ context.Context, callID, userID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.parts[callID] == nil {
		r.parts[callID] = make(map[string]string)
	}
	r.parts[callID][userID] = status
	return nil
}

func (r *fakeRecords) SetParticipantStatus(_ context.Context, callID, userID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.parts[callID][userID]; !ok {
		return store.ErrNotFound
	}
	r.parts[callID][userID] = status
	return nil
}

func (r *fakeRecords) MarkParticipantLeft(_ context.Context, callID, userID string) error {
	return r.SetParticipantStatus(context.Background(), callID, userID, partLeft)
}

func (r *fakeRecords) callStatus(id string) (status string, ended bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, found := r.calls[id]
	if !found {
		return "", false, false
	}
	return c.status, c.ended, true
}

func (r *fakeRecords) participant(callID, userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.parts[callID][userID]
	return st, ok
}

// ── fake directory ───────────────────────────────────────────────────────

type fakeDirectory struct {
	mu        sync.Mutex
	members   map[string][]string
	names     map[string]string
	reachable map[string]bool
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		members:   make(map[string][]string),
		names:     make(map[string]string),
		reachable: make(map[string]bool),
	}
}

func (d *fakeDirectory) ResolveParticipants(_ context.Context, conversationID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.members[conversationID]
	if !ok {
		return nil, fmt.Errorf("unknown conversation %s", conversationID)
	}
	return append([]string(nil), m...), nil
}

func (d *fakeDirectory) DisplayIdentity(userID string) (string, string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.names[userID]
	return n, "", ok
}

func (d *fakeDirectory) Reachable(userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reachable[userID]
}

func (d *fakeDirectory) EnsureDirect(_ context.Context, a, b string) (string, error) {
	if a > b {
		a, b = b, a
	}
	id := "dm:" + a + ":" + b
	d.mu.Lock()
	d.members[id] = []string{a, b}
	d.mu.Unlock()
	return id, nil
}

func (d *fakeDirectory) addUser(id, name string, online bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.names[id] = name
	d.reachable[id] = online
}

func (d *fakeDirectory) addConversation(id string, members ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[id] = members
}

// ── fake notifier ────────────────────────────────────────────────────────

// notifyHub routes invites between in-process users like the libp2p
// invite streams do between hosts.
type notifyHub struct {
	mu      sync.Mutex
	inboxes map[string][]chan Invite
	silent  map[string]bool // users whose delivery fails
}

func newNotifyHub() *notifyHub {
	return &notifyHub{inboxes: make(map[string][]chan Invite), silent: make(map[string]bool)}
}

func (h *notifyHub) notifier(self string) *fakeNotifier {
	return &fakeNotifier{hub: h, self: self}
}

type fakeNotifier struct {
	hub  *notifyHub
	self string
}

func (n *fakeNotifier) Notify(_ context.Context, userID string, inv Invite) error {
	if inv.From == "" {
		inv.From = n.self
	}
	n.hub.mu.Lock()
	defer n.hub.mu.Unlock()
	if n.hub.silent[userID] {
		return fmt.Errorf("no route to %s", userID)
	}
	for _, ch := range n.hub.inboxes[userID] {
		select {
		case ch <- inv:
		default:
		}
	}
	return nil
}

func (n *fakeNotifier) Subscribe() (<-chan Invite, func()) {
	ch := make(chan Invite, 16)
	n.hub.mu.Lock()
	n.hub.inboxes[n.self] = append(n.hub.inboxes[n.self], ch)
	n.hub.mu.Unlock()
	cancel := func() {
		n.hub.mu.Lock()
		defer n.hub.mu.Unlock()
		boxes := n.hub.inboxes[n.self]
		for i, c := range boxes {
			if c == ch {
				n.hub.inboxes[n.self] = append(boxes[:i], boxes[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}

// ── test peer assembly ───────────────────────────────────────────────────

// testWorld is a little universe of peers sharing one bus and one hub.
type testWorld struct {
	bus *bus
	hub *notifyHub
	dir *fakeDirectory
}

func newTestWorld() *testWorld {
	return &testWorld{bus: newBus(), hub: newNotifyHub(), dir: newFakeDirectory()}
}

type testPeer struct {
	id        string
	mgr       *Manager
	transport *fakeTransport
	records   *fakeRecords
	incoming  chan *IncomingCall
}

func (w *testWorld) addPeer(id, name string, cfg Config) *testPeer {
	w.dir.addUser(id, name, true)
	p := &testPeer{
		id:        id,
		transport: &fakeTransport{},
		records:   newFakeRecords(),
		incoming:  make(chan *IncomingCall, 4),
	}
	p.mgr = New(Options{
		Self:      id,
		SelfName:  name,
		Config:    cfg,
		Transport: p.transport,
		Signaler:  &busSignaler{b: w.bus, self: id},
		Records:   p.records,
		Directory: w.dir,
		Notifier:  w.hub.notifier(id),
	})
	p.mgr.OnIncoming(func(ic *IncomingCall) { p.incoming <- ic })
	return p
}
