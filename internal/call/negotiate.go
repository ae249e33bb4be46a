package call

import (
	"context"
	"log"
	"sync"

	"github.com/chimelab/chime/internal/rtc"
	"github.com/chimelab/chime/internal/signal"
)

// sendFunc puts one message on the call's signaling channel.
type sendFunc func(signal.Message) error

// negotiator drives SDP exchange for a single peer link using the perfect
// negotiation pattern. Exactly one side of each pair is polite: when both
// sides offer at once the impolite side discards the incoming offer and
// waits for its own to be answered, while the polite side rolls back its
// offer and answers the incoming one. Deterministic role assignment makes
// glare converge in one round without timers or retries.
type negotiator struct {
	self   string
	remote string
	polite bool
	link   rtc.PeerLink
	send   sendFunc

	mu          sync.Mutex
	makingOffer bool
	haveRemote  bool
	lastOffer   string
	pending     []rtc.Candidate
}

func newNegotiator(self, remote string, polite bool, link rtc.PeerLink, send sendFunc) *negotiator {
	return &negotiator{self: self, remote: remote, polite: polite, link: link, send: send}
}

// bind registers the link callbacks that produce outbound signaling:
// trickled ICE candidates and renegotiation offers.
func (n *negotiator) bind(ctx context.Context) {
	n.link.OnICECandidate(func(c rtc.Candidate) {
		msg := signal.Message{
			Type: signal.TypeICECandidate,
			From: n.self,
			To:   n.remote,
			Candidate: &signal.Candidate{
				Candidate:     c.Candidate,
				SDPMid:        c.SDPMid,
				SDPMLineIndex: c.SDPMLineIndex,
			},
		}
		if err := n.send(msg); err != nil {
			log.Printf("CALL [%s]: send candidate to %s: %v", short(n.self), short(n.remote), err)
		}
	})
	n.link.OnNegotiationNeeded(func() {
		go n.NegotiationNeeded(ctx)
	})
}

// NegotiationNeeded starts an offer cycle. It is a no-op while another
// offer is in flight or the link is mid-negotiation.
func (n *negotiator) NegotiationNeeded(ctx context.Context) {
	n.mu.Lock()
	if n.makingOffer || n.link.SignalingState() != rtc.SignalingStable {
		n.mu.Unlock()
		return
	}
	n.makingOffer = true
	n.mu.Unlock()

	offer, err := n.link.CreateOffer(ctx)

	n.mu.Lock()
	n.makingOffer = false
	n.mu.Unlock()

	if err != nil {
		log.Printf("CALL [%s]: create offer for %s: %v", short(n.self), short(n.remote), err)
		return
	}
	n.sendDescription(signal.TypeOffer, offer.SDP)
}

// RestartICE starts a new negotiation with fresh ICE credentials after a
// connection drop. Only the impolite side sends the restart offer; the
// polite side keeps its reconnect budget running and waits for that offer,
// so a drop seen by both sides never produces dueling restarts.
func (n *negotiator) RestartICE(ctx context.Context) {
	if n.polite {
		log.Printf("CALL [%s]: awaiting ice restart from %s", short(n.self), short(n.remote))
		return
	}
	n.mu.Lock()
	if n.makingOffer {
		n.mu.Unlock()
		return
	}
	n.makingOffer = true
	n.mu.Unlock()

	offer, err := n.link.RestartICE(ctx)

	n.mu.Lock()
	n.makingOffer = false
	n.mu.Unlock()

	if err != nil {
		log.Printf("CALL [%s]: ice restart for %s: %v", short(n.self), short(n.remote), err)
		return
	}
	n.sendDescription(signal.TypeOffer, offer.SDP)
}

// Reoffer resends the outstanding offer, or starts a fresh negotiation,
// for a peer that just joined the channel and missed earlier signaling.
func (n *negotiator) Reoffer(ctx context.Context) {
	n.mu.Lock()
	if n.link.SignalingState() == rtc.SignalingHaveLocalOffer && n.lastOffer != "" {
		sdp := n.lastOffer
		n.mu.Unlock()
		n.sendDescription(signal.TypeOffer, sdp)
		return
	}
	n.mu.Unlock()
	n.NegotiationNeeded(ctx)
}

func (n *negotiator) sendDescription(typ signal.Type, sdp string) {
	if typ == signal.TypeOffer {
		n.mu.Lock()
		n.lastOffer = sdp
		n.mu.Unlock()
	}
	msg := signal.Message{Type: typ, From: n.self, To: n.remote, SDP: sdp}
	if err := n.send(msg); err != nil {
		log.Printf("CALL [%s]: send %s to %s: %v", short(n.self), typ, short(n.remote), err)
	}
}

// HandleSignal applies one inbound negotiation message from the remote.
func (n *negotiator) HandleSignal(ctx context.Context, msg signal.Message) {
	switch msg.Type {
	case signal.TypeOffer:
		n.handleOffer(ctx, msg)
	case signal.TypeAnswer:
		n.handleAnswer(msg)
	case signal.TypeICECandidate:
		n.handleCandidate(msg)
	}
}

func (n *negotiator) handleOffer(ctx context.Context, msg signal.Message) {
	n.mu.Lock()
	collision := n.makingOffer || n.link.SignalingState() != rtc.SignalingStable
	if collision && !n.polite {
		n.mu.Unlock()
		log.Printf("CALL [%s]: glare with %s, keeping own offer", short(n.self), short(n.remote))
		return
	}
	if collision {
		if err := n.link.Rollback(); err != nil {
			n.mu.Unlock()
			log.Printf("CALL [%s]: rollback for %s: %v", short(n.self), short(n.remote), err)
			return
		}
		n.makingOffer = false
		log.Printf("CALL [%s]: glare with %s, rolled back to answer", short(n.self), short(n.remote))
	}
	n.mu.Unlock()

	if err := n.applyRemote(rtc.Description{Type: rtc.DescriptionOffer, SDP: msg.SDP}); err != nil {
		log.Printf("CALL [%s]: apply offer from %s: %v", short(n.self), short(n.remote), err)
		return
	}
	answer, err := n.link.CreateAnswer(ctx)
	if err != nil {
		log.Printf("CALL [%s]: create answer for %s: %v", short(n.self), short(n.remote), err)
		return
	}
	n.sendDescription(signal.TypeAnswer, answer.SDP)
}

func (n *negotiator) handleAnswer(msg signal.Message) {
	// An answer is only valid against our own outstanding offer. Anything
	// else is a leftover from an aborted negotiation round.
	if n.link.SignalingState() != rtc.SignalingHaveLocalOffer {
		log.Printf("CALL [%s]: stale answer from %s discarded", short(n.self), short(n.remote))
		return
	}
	if err := n.applyRemote(rtc.Description{Type: rtc.DescriptionAnswer, SDP: msg.SDP}); err != nil {
		log.Printf("CALL [%s]: apply answer from %s: %v", short(n.self), short(n.remote), err)
	}
}

func (n *negotiator) handleCandidate(msg signal.Message) {
	if msg.Candidate == nil {
		return
	}
	c := rtc.Candidate{
		Candidate:     msg.Candidate.Candidate,
		SDPMid:        msg.Candidate.SDPMid,
		SDPMLineIndex: msg.Candidate.SDPMLineIndex,
	}

	n.mu.Lock()
	if !n.haveRemote {
		n.pending = append(n.pending, c)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	if err := n.link.AddICECandidate(c); err != nil {
		log.Printf("CALL [%s]: candidate from %s: %v", short(n.self), short(n.remote), err)
	}
}

// applyRemote sets the remote description, then flushes the candidates that
// arrived before it, in arrival order. The haveRemote flag and the queue
// are updated under one lock so no candidate can slip past the flush.
func (n *negotiator) applyRemote(desc rtc.Description) error {
	if err := n.link.SetRemoteDescription(desc); err != nil {
		return err
	}

	n.mu.Lock()
	n.haveRemote = true
	queued := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, c := range queued {
		if err := n.link.AddICECandidate(c); err != nil {
			log.Printf("CALL [%s]: queued candidate from %s: %v", short(n.self), short(n.remote), err)
		}
	}
	return nil
}
