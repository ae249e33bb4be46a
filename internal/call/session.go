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

// errConnectionLost is the terminal error after reconnection gives up.
var errConnectionLost = errors.New("call: connection lost")

// Session is one active one-to-one call. Its lifecycle is driven by the
// transition table in fsm.go; everything here is plumbing that feeds
// events in and executes the effects that come out.
type Session struct {
	id             string
	conversationID string
	peer           string
	self           string
	callType       CallType
	role           Role
	cfg            Config

	transport rtc.Transport
	records   Records
	ch        signal.Channel

	media rtc.LocalMedia
	link  rtc.PeerLink
	neg   *negotiator
	mon   *monitor

	// Callbacks are set before start and never mutated afterwards.
	onStatus      func(Status)
	onRemoteTrack func(rtc.RemoteTrack)
	onQuality     func(QualitySample)
	onClosed      func(callID string)

	mu        sync.Mutex
	status    Status
	lastErr   error
	ringTimer *time.Timer

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(id, conversationID, peer, self string, typ CallType, role Role, cfg Config, transport rtc.Transport, records Records, ch signal.Channel) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:             id,
		conversationID: conversationID,
		peer:           peer,
		self:           self,
		callType:       typ,
		role:           role,
		cfg:            cfg.withDefaults(),
		transport:      transport,
		records:        records,
		ch:             ch,
		status:         StatusIdle,
		ctx:            ctx,
		cancel:         cancel,
		closed:         make(chan struct{}),
	}
}

func (s *Session) ID() string             { return s.id }
func (s *Session) Peer() string           { return s.peer }
func (s *Session) ConversationID() string { return s.conversationID }
func (s *Session) Type() CallType         { return s.callType }
func (s *Session) Role() Role             { return s.role }

// Done is closed once the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the terminal error, set when the session reaches Failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Quality returns the latest connection quality sample, if one exists.
func (s *Session) Quality() (QualitySample, bool) {
	if s.mon == nil {
		return QualitySample{}, false
	}
	return s.mon.Quality()
}

func (s *Session) constraints() rtc.MediaConstraints {
	return rtc.MediaConstraints{Audio: true, Video: s.callType == TypeVideo}
}

// start acquires media, builds the peer link machinery and begins the
// lifecycle for the session's role. The context only governs setup; the
// session itself runs until a terminal status.
func (s *Session) start(ctx context.Context) error {
	media, err := s.transport.AcquireMedia(ctx, s.constraints())
	if err != nil {
		s.setErr(fmt.Errorf("acquire media: %w", err))
		s.apply(evMediaFail)
		return fmt.Errorf("acquire media: %w", err)
	}
	s.media = media

	link, err := s.transport.NewPeerLink(media)
	if err != nil {
		s.setErr(fmt.Errorf("create peer link: %w", err))
		s.apply(evMediaFail)
		return fmt.Errorf("create peer link: %w", err)
	}
	s.link = link

	// The side that dials sends the first offer, so it takes the impolite
	// role; the answering side is polite. Fixed roles make glare during
	// later renegotiation converge deterministically.
	s.neg = newNegotiator(s.self, s.peer, s.role == RoleCallee, link, s.send)

	s.mon = newMonitor(s.cfg)
	s.mon.onUp = func() { s.apply(evLinkUp) }
	s.mon.onDown = func() { s.apply(evLinkLost) }
	s.mon.onGiveUp = func() {
		s.setErr(errConnectionLost)
		s.apply(evGiveUp)
	}
	s.mon.onReconnect = func(attempt int) {
		log.Printf("CALL [%s]: reconnect attempt %d/%d to %s", short(s.id), attempt, s.cfg.ReconnectAttempts, short(s.peer))
		s.neg.RestartICE(s.ctx)
	}
	s.mon.onQuality = func(q QualitySample) {
		if s.onQuality != nil {
			s.onQuality(q)
		}
	}

	link.OnRemoteTrack(func(t rtc.RemoteTrack) {
		if s.onRemoteTrack != nil {
			s.onRemoteTrack(t)
		}
	})

	s.neg.bind(s.ctx)
	s.mon.watch(link)
	go s.recvLoop()

	switch s.role {
	case RoleCaller:
		s.apply(evDial)
		s.mu.Lock()
		s.ringTimer = time.AfterFunc(s.cfg.RingTimeout, func() { s.apply(evRingTimeout) })
		s.mu.Unlock()
		s.neg.NegotiationNeeded(s.ctx)
	case RoleCallee:
		s.apply(evAccept)
		// Announce ourselves so the caller re-sends anything we missed
		// between its dial and our join of the channel.
		joined := signal.Message{Type: signal.TypeParticipantJoined, From: s.self, To: s.peer}
		if err := s.send(joined); err != nil {
			log.Printf("CALL [%s]: announce join: %v", short(s.id), err)
		}
	}
	return nil
}

// End hangs up locally. Safe to call at any time, any number of times.
func (s *Session) End() {
	s.apply(evLocalEnd)
}

// ToggleAudio flips the microphone and returns the new enabled state.
// The track stays negotiated; muting swaps it off the senders in place.
func (s *Session) ToggleAudio() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.terminal() {
		return false, ErrSessionEnded
	}
	if s.media == nil || !s.media.HasAudio() {
		return false, rtc.ErrMediaUnavailable
	}
	on := !s.media.AudioEnabled()
	if err := s.media.SetAudioEnabled(on); err != nil {
		return false, err
	}
	log.Printf("CALL [%s]: audio enabled=%v", short(s.id), on)
	return on, nil
}

// ToggleVideo flips the camera and returns the new enabled state.
func (s *Session) ToggleVideo() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.terminal() {
		return false, ErrSessionEnded
	}
	if s.media == nil || !s.media.HasVideo() {
		return false, rtc.ErrMediaUnavailable
	}
	on := !s.media.VideoEnabled()
	if err := s.media.SetVideoEnabled(on); err != nil {
		return false, err
	}
	log.Printf("CALL [%s]: video enabled=%v", short(s.id), on)
	return on, nil
}

// SwitchCamera swaps to the next available camera without renegotiation.
func (s *Session) SwitchCamera(ctx context.Context) error {
	s.mu.Lock()
	media := s.media
	terminal := s.status.terminal()
	s.mu.Unlock()
	if terminal {
		return ErrSessionEnded
	}
	if media == nil || !media.HasVideo() {
		return rtc.ErrMediaUnavailable
	}
	return media.SwitchCamera(ctx)
}

// ── lifecycle plumbing ───────────────────────────────────────────────────

func (s *Session) setErr(err error) {
	s.mu.Lock()
	if s.lastErr == nil {
		s.lastErr = err
	}
	s.mu.Unlock()
}

// apply feeds one event through the transition table and executes the
// resulting effects in order.
func (s *Session) apply(ev event) {
	s.mu.Lock()
	next, effs := transition(s.status, ev)
	prev := s.status
	s.status = next
	if prev == StatusCalling && next != StatusCalling && s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	s.mu.Unlock()

	if next != prev {
		log.Printf("CALL [%s]: %s → %s (%s)", short(s.id), prev, next, ev)
		if s.onStatus != nil {
			s.onStatus(next)
		}
	}
	for _, eff := range effs {
		s.runEffect(eff)
	}
}

func (s *Session) runEffect(eff effect) {
	switch eff {
	case effRecordRinging:
		s.withRecords(func(ctx context.Context) error {
			if err := s.records.CreateCall(ctx, s.id, s.conversationID, s.self, string(s.callType), recordRinging, false); err != nil {
				return err
			}
			return s.records.AddParticipant(ctx, s.id, s.peer, partRinging)
		})
	case effRecordActive:
		s.withRecords(func(ctx context.Context) error {
			err := s.records.UpdateCallStatus(ctx, s.id, recordActive)
			if errors.Is(err, store.ErrNotFound) {
				// Callee side: first record write for this call.
				caller := s.peer
				if s.role == RoleCaller {
					caller = s.self
				}
				if err := s.records.CreateCall(ctx, s.id, s.conversationID, caller, string(s.callType), recordActive, false); err != nil {
					return err
				}
				err = s.records.AddParticipant(ctx, s.id, s.peer, partJoined)
			} else if err == nil {
				err = s.records.SetParticipantStatus(ctx, s.id, s.peer, partJoined)
			}
			return err
		})
	case effRecordEnded:
		s.endRecord(recordEnded)
	case effRecordDeclined:
		s.endRecord(recordDeclined)
	case effRecordMissed:
		s.endRecord(recordMissed)
	case effSendEnd:
		if err := s.send(signal.Message{Type: signal.TypeEndCall, From: s.self, To: s.peer}); err != nil {
			log.Printf("CALL [%s]: send end-call: %v", short(s.id), err)
		}
	case effTeardown:
		s.teardown()
	case effFail:
		s.setErr(errConnectionLost)
	}
}

func (s *Session) endRecord(status string) {
	s.withRecords(func(ctx context.Context) error {
		err := s.records.EndCall(ctx, s.id, status)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})
}

// withRecords runs a store operation with its own deadline. Store failures
// never abort the call.
func (s *Session) withRecords(fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Printf("CALL [%s]: record update: %v", short(s.id), err)
	}
}

func (s *Session) send(msg signal.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	return s.ch.Send(ctx, msg.Stamp())
}

func (s *Session) recvLoop() {
	for {
		select {
		case <-s.closed:
			return
		case msg, ok := <-s.ch.Recv():
			if !ok {
				return
			}
			s.handleSignal(msg)
		}
	}
}

func (s *Session) handleSignal(msg signal.Message) {
	if msg.From != s.peer {
		return
	}
	switch msg.Type {
	case signal.TypeEndCall:
		s.apply(evRemoteEnd)
	case signal.TypeCallRejected:
		s.apply(evRemoteReject)
	case signal.TypeParticipantJoined:
		// The callee is on the channel now; push the offer again in case
		// the first one went out before it joined.
		s.apply(evPeerSignal)
		s.neg.Reoffer(s.ctx)
	case signal.TypeOffer, signal.TypeAnswer, signal.TypeICECandidate:
		// Any negotiation traffic proves the callee picked up.
		s.apply(evPeerSignal)
		s.neg.HandleSignal(s.ctx, msg)
	}
}

// teardown releases everything, strictly after the end-call signal and the
// record update have been issued: monitor first so no reconnect fires into
// a dying session, then the link, local media, and finally the channel.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.ringTimer != nil {
			s.ringTimer.Stop()
			s.ringTimer = nil
		}
		s.mu.Unlock()

		if s.mon != nil {
			s.mon.stop()
		}
		if s.link != nil {
			_ = s.link.Close()
		}
		if s.media != nil {
			_ = s.media.Close()
		}
		if s.ch != nil {
			_ = s.ch.Close()
		}
		s.cancel()
		close(s.closed)
		log.Printf("CALL [%s]: session with %s closed", short(s.id), short(s.peer))
		if s.onClosed != nil {
			s.onClosed(s.id)
		}
	})
}
