package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chimelab/chime/internal/rtc"
	"github.com/chimelab/chime/internal/signal"
	"github.com/chimelab/chime/internal/store"
	"github.com/chimelab/chime/internal/util"
)

// RoomState is the lifecycle of a group call room as seen locally.
type RoomState int

const (
	RoomDialing  RoomState = iota // invites out, no peer connected yet
	RoomActive                    // at least one peer link came up
	RoomCooldown                  // shutting down, links draining
	RoomEnded
)

func (s RoomState) String() string {
	switch s {
	case RoomDialing:
		return "dialing"
	case RoomActive:
		return "active"
	case RoomCooldown:
		return "cooldown"
	case RoomEnded:
		return "ended"
	}
	return "unknown"
}

// GroupSession is one mesh group call: a full mesh of peer links, one per
// remote participant, all sharing the local capture. A single event loop
// owns the pair table and participant states, so per-pair bookkeeping
// needs no locking. Joining works pull-free: a newcomer announces itself
// on the room topic and every existing participant dials it with an offer.
// The announcing side is polite, the offering side impolite, so even
// simultaneous joins converge.
type GroupSession struct {
	id             string
	conversationID string
	self           string
	selfName       string
	host           string
	callType       CallType
	cfg            Config

	transport rtc.Transport
	records   Records
	dir       Directory
	notes     Notifier
	ch        signal.Channel

	media rtc.LocalMedia

	// Loop-owned.
	pairs        *registry
	participants map[string]string // userID → participant record status

	onPeerJoined  func(user string)
	onPeerLeft    func(user string)
	onRemoteTrack func(user string, t rtc.RemoteTrack)
	onQuality     func(user string, q QualitySample)
	onState       func(RoomState)
	onClosed      func(callID string)

	mu    sync.Mutex
	state RoomState

	cmds      chan func()
	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
}

type groupOpts struct {
	id             string
	conversationID string
	self           string
	selfName       string
	host           string
	callType       CallType
	cfg            Config
	transport      rtc.Transport
	records        Records
	dir            Directory
	notes          Notifier
	ch             signal.Channel
}

func newGroupSession(o groupOpts) *GroupSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &GroupSession{
		id:             o.id,
		conversationID: o.conversationID,
		self:           o.self,
		selfName:       o.selfName,
		host:           o.host,
		callType:       o.callType,
		cfg:            o.cfg.withDefaults(),
		transport:      o.transport,
		records:        o.records,
		dir:            o.dir,
		notes:          o.notes,
		ch:             o.ch,
		pairs:          newRegistry(),
		participants:   make(map[string]string),
		state:          RoomDialing,
		cmds:           make(chan func(), 16),
		ctx:            ctx,
		cancel:         cancel,
		closed:         make(chan struct{}),
	}
}

func (g *GroupSession) ID() string             { return g.id }
func (g *GroupSession) ConversationID() string { return g.conversationID }
func (g *GroupSession) Host() string           { return g.host }
func (g *GroupSession) Type() CallType         { return g.callType }
func (g *GroupSession) Done() <-chan struct{}  { return g.closed }

func (g *GroupSession) State() RoomState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// start acquires media, begins the event loop, and either invites the
// conversation (host) or announces the local user to the mesh (joiner).
func (g *GroupSession) start(ctx context.Context) error {
	media, err := g.transport.AcquireMedia(ctx, rtc.MediaConstraints{Audio: true, Video: g.callType == TypeVideo})
	if err != nil {
		g.teardownWith("")
		return fmt.Errorf("acquire media: %w", err)
	}
	g.media = media
	go g.run()

	if g.self == g.host {
		g.withRecords(func(ctx context.Context) error {
			return g.records.CreateCall(ctx, g.id, g.conversationID, g.self, string(g.callType), recordRinging, true)
		})
		go g.inviteAll(ctx)
		return nil
	}

	g.withRecords(func(ctx context.Context) error {
		return g.records.CreateCall(ctx, g.id, g.conversationID, g.host, string(g.callType), recordActive, true)
	})
	joined := signal.Message{Type: signal.TypeParticipantJoined, From: g.self, Username: g.selfName}
	if err := g.send(joined); err != nil {
		g.teardownWith("")
		return fmt.Errorf("announce join: %w", err)
	}
	return nil
}

// inviteAll rings every other conversation member. Invites go out over the
// direct notifier stream, not the room topic, so offline members simply
// fail to be notified and get recorded as such.
func (g *GroupSession) inviteAll(ctx context.Context) {
	members, err := g.dir.ResolveParticipants(ctx, g.conversationID)
	if err != nil {
		log.Printf("GROUP [%s]: resolve members: %v", short(g.id), err)
		return
	}
	inv := Invite{
		Kind:           InviteKindRoom,
		CallID:         g.id,
		SessionID:      g.id,
		ConversationID: g.conversationID,
		CallType:       g.callType,
		From:           g.self,
		FromName:       g.selfName,
	}
	for _, m := range members {
		if m == g.self {
			continue
		}
		member := m
		g.withRecords(func(ctx context.Context) error {
			return g.records.AddParticipant(ctx, g.id, member, partInvited)
		})
		// Never downgrade a member that already joined while invites were
		// still going out.
		g.post(func() {
			if _, ok := g.participants[member]; !ok {
				g.participants[member] = partInvited
			}
		})

		if !g.dir.Reachable(member) {
			log.Printf("GROUP [%s]: %s unreachable, not ringing", short(g.id), short(member))
			continue
		}
		// Mark ringing before the invite goes out so a fast join cannot be
		// overwritten by a late status write.
		g.withRecords(func(ctx context.Context) error {
			return g.records.SetParticipantStatus(ctx, g.id, member, partRinging)
		})
		g.post(func() {
			if st := g.participants[member]; st == "" || st == partInvited {
				g.participants[member] = partRinging
			}
		})
		if err := g.notes.Notify(ctx, member, inv); err != nil {
			log.Printf("GROUP [%s]: invite %s: %v", short(g.id), short(member), err)
			g.withRecords(func(ctx context.Context) error {
				return g.records.SetParticipantStatus(ctx, g.id, member, partInvited)
			})
			continue
		}
		time.AfterFunc(g.cfg.RingTimeout, func() { g.post(func() { g.ringExpired(member) }) })
	}
}

// ringExpired marks an invitee that never answered. Runs on the loop.
func (g *GroupSession) ringExpired(user string) {
	st := g.participants[user]
	if st != partInvited && st != partRinging {
		return
	}
	g.participants[user] = partTimedOut
	g.withRecords(func(ctx context.Context) error {
		return g.records.SetParticipantStatus(ctx, g.id, user, partTimedOut)
	})
	log.Printf("GROUP [%s]: %s did not answer", short(g.id), short(user))
}

func (g *GroupSession) run() {
	for {
		select {
		case <-g.ctx.Done():
			return
		case fn := <-g.cmds:
			fn()
		case msg, ok := <-g.ch.Recv():
			if !ok {
				return
			}
			g.handle(msg)
		}
	}
}

// post schedules fn on the event loop; dropped once the session is closed.
func (g *GroupSession) post(fn func()) {
	select {
	case g.cmds <- fn:
	case <-g.closed:
	}
}

// handle processes one room message. Runs on the loop.
func (g *GroupSession) handle(msg signal.Message) {
	switch msg.Type {
	case signal.TypeParticipantJoined:
		g.peerJoined(msg.From, msg.Username)
	case signal.TypeParticipantLeft:
		g.peerLeft(msg.From)
	case signal.TypeEndCall:
		// Only the host dissolves the whole room.
		if msg.From != g.host {
			g.peerLeft(msg.From)
			return
		}
		log.Printf("GROUP [%s]: host ended the call", short(g.id))
		g.teardownWith("")
	case signal.TypeCallRejected:
		g.participants[msg.From] = partRejected
		g.withRecords(func(ctx context.Context) error {
			return g.records.SetParticipantStatus(ctx, g.id, msg.From, partRejected)
		})
	case signal.TypeOffer, signal.TypeAnswer, signal.TypeICECandidate:
		if msg.To != g.self {
			return
		}
		g.routeNegotiation(msg)
	}
}

// peerJoined reacts to a join announcement: every existing participant,
// us included, dials the newcomer. We take the impolite role because we
// send the first offer.
func (g *GroupSession) peerJoined(user, name string) {
	g.participants[user] = partJoined
	g.withRecords(func(ctx context.Context) error {
		return g.records.AddParticipant(ctx, g.id, user, partJoined)
	})
	if name == "" {
		name = user
	}
	log.Printf("GROUP [%s]: %s joined", short(g.id), name)

	// Kick the initial offer off-loop; the negotiator locks for itself.
	if p := g.ensurePair(user, false); p != nil {
		go p.neg.NegotiationNeeded(g.ctx)
	}
	if g.onPeerJoined != nil {
		g.onPeerJoined(user)
	}
}

func (g *GroupSession) peerLeft(user string) {
	g.participants[user] = partLeft
	g.withRecords(func(ctx context.Context) error {
		err := g.records.MarkParticipantLeft(ctx, g.id, user)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})
	if p, ok := g.pairs.remove(user); ok {
		p.close()
	}
	log.Printf("GROUP [%s]: %s left (%d links remain)", short(g.id), short(user), g.pairs.len())
	if g.onPeerLeft != nil {
		g.onPeerLeft(user)
	}
}

// routeNegotiation feeds an SDP or candidate message to its pair. An
// offer from an unknown sender creates the pair lazily: that sender is an
// existing participant dialing us, so our side is polite. The handoff is
// synchronous: candidates must reach the negotiator in arrival order, and
// the negotiator never calls back into the loop, so this cannot deadlock.
func (g *GroupSession) routeNegotiation(msg signal.Message) {
	p, ok := g.pairs.get(msg.From)
	if !ok {
		if msg.Type != signal.TypeOffer {
			return
		}
		if p = g.ensurePair(msg.From, true); p == nil {
			return
		}
		if _, seen := g.participants[msg.From]; !seen {
			g.participants[msg.From] = partJoined
			g.withRecords(func(ctx context.Context) error {
				return g.records.AddParticipant(ctx, g.id, msg.From, partJoined)
			})
			if g.onPeerJoined != nil {
				g.onPeerJoined(msg.From)
			}
		}
	}
	p.neg.HandleSignal(g.ctx, msg)
}

// ensurePair builds the link machinery for one remote. Runs on the loop.
func (g *GroupSession) ensurePair(remote string, polite bool) *pair {
	if p, ok := g.pairs.get(remote); ok {
		return p
	}
	link, err := g.transport.NewPeerLink(g.media)
	if err != nil {
		log.Printf("GROUP [%s]: link for %s: %v", short(g.id), short(remote), err)
		return nil
	}
	neg := newNegotiator(g.self, remote, polite, link, g.send)
	mon := newMonitor(g.cfg)
	p := &pair{remote: remote, polite: polite, link: link, neg: neg, mon: mon}

	mon.onUp = func() { g.post(func() { g.pairUp(p) }) }
	mon.onReconnect = func(attempt int) {
		log.Printf("GROUP [%s]: reconnect attempt %d/%d to %s", short(g.id), attempt, g.cfg.ReconnectAttempts, short(remote))
		neg.RestartICE(g.ctx)
	}
	mon.onGiveUp = func() {
		// One dead link drops one participant, never the room.
		g.post(func() { g.peerLeft(remote) })
	}
	mon.onQuality = func(q QualitySample) {
		if g.onQuality != nil {
			g.onQuality(remote, q)
		}
	}
	link.OnRemoteTrack(func(t rtc.RemoteTrack) {
		if g.onRemoteTrack != nil {
			g.onRemoteTrack(remote, t)
		}
	})

	neg.bind(g.ctx)
	mon.watch(link)
	g.pairs.put(p)
	return p
}

// pairUp marks a pair connected; the first one activates the room.
func (g *GroupSession) pairUp(p *pair) {
	p.connected = true
	if g.State() == RoomDialing {
		g.setState(RoomActive)
		g.withRecords(func(ctx context.Context) error {
			err := g.records.UpdateCallStatus(ctx, g.id, recordActive)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		})
	}
}

func (g *GroupSession) setState(st RoomState) {
	g.mu.Lock()
	if g.state == st || g.state == RoomEnded {
		g.mu.Unlock()
		return
	}
	prev := g.state
	g.state = st
	g.mu.Unlock()
	log.Printf("GROUP [%s]: %s → %s", short(g.id), prev, st)
	if g.onState != nil {
		g.onState(st)
	}
}

// Participants returns the known participant statuses, self excluded.
func (g *GroupSession) Participants() map[string]string {
	out := make(map[string]string)
	done := make(chan struct{})
	g.post(func() {
		for k, v := range g.participants {
			out[k] = v
		}
		close(done)
	})
	select {
	case <-done:
	case <-g.closed:
	}
	return out
}

// PairQuality returns the latest quality sample for one remote link.
func (g *GroupSession) PairQuality(user string) (QualitySample, bool) {
	type res struct {
		q  QualitySample
		ok bool
	}
	ch := make(chan res, 1)
	g.post(func() {
		p, ok := g.pairs.get(user)
		if !ok {
			ch <- res{}
			return
		}
		q, ok := p.mon.Quality()
		ch <- res{q, ok}
	})
	select {
	case r := <-ch:
		return r.q, r.ok
	case <-g.closed:
		return QualitySample{}, false
	}
}

// ToggleAudio flips the shared microphone across every link at once.
func (g *GroupSession) ToggleAudio() (bool, error) {
	if g.media == nil || !g.media.HasAudio() {
		return false, rtc.ErrMediaUnavailable
	}
	on := !g.media.AudioEnabled()
	if err := g.media.SetAudioEnabled(on); err != nil {
		return false, err
	}
	log.Printf("GROUP [%s]: audio enabled=%v", short(g.id), on)
	return on, nil
}

// ToggleVideo flips the shared camera across every link at once.
func (g *GroupSession) ToggleVideo() (bool, error) {
	if g.media == nil || !g.media.HasVideo() {
		return false, rtc.ErrMediaUnavailable
	}
	on := !g.media.VideoEnabled()
	if err := g.media.SetVideoEnabled(on); err != nil {
		return false, err
	}
	log.Printf("GROUP [%s]: video enabled=%v", short(g.id), on)
	return on, nil
}

// SwitchCamera swaps to the next camera on all links without renegotiation.
func (g *GroupSession) SwitchCamera(ctx context.Context) error {
	if g.media == nil || !g.media.HasVideo() {
		return rtc.ErrMediaUnavailable
	}
	return g.media.SwitchCamera(ctx)
}

// Leave exits the room, announcing departure to the remaining mesh.
func (g *GroupSession) Leave() {
	g.post(func() { g.teardownWith(signal.TypeParticipantLeft) })
	<-g.closed
}

// End dissolves the room for everyone when called by the host; other
// participants just leave.
func (g *GroupSession) End() {
	announce := signal.TypeParticipantLeft
	if g.self == g.host {
		announce = signal.TypeEndCall
	}
	g.post(func() { g.teardownWith(announce) })
	<-g.closed
}

// teardownWith shuts the session down: announce (if any), record, then
// release links, media and the channel, in that order.
func (g *GroupSession) teardownWith(announce signal.Type) {
	g.closeOnce.Do(func() {
		g.setState(RoomCooldown)
		if announce != "" {
			if err := g.send(signal.Message{Type: announce, From: g.self}); err != nil {
				log.Printf("GROUP [%s]: send %s: %v", short(g.id), announce, err)
			}
		}
		// Records are per-peer history: leaving closes the local row as
		// ended even while the room lives on for the others.
		g.withRecords(func(ctx context.Context) error {
			err := g.records.EndCall(ctx, g.id, recordEnded)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		})
		g.pairs.closeAll()
		if g.media != nil {
			_ = g.media.Close()
		}
		if g.ch != nil {
			_ = g.ch.Close()
		}
		g.cancel()
		close(g.closed)
		g.setState(RoomEnded)
		log.Printf("GROUP [%s]: room closed", short(g.id))
		if g.onClosed != nil {
			g.onClosed(g.id)
		}
	})
}

func (g *GroupSession) send(msg signal.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	return g.ch.Send(ctx, msg.Stamp())
}

// withRecords runs a store operation with its own deadline; failures are
// logged and never interrupt the call.
func (g *GroupSession) withRecords(fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Printf("GROUP [%s]: record update: %v", short(g.id), err)
	}
}
