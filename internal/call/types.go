// Package call implements the call engine: one-to-one sessions, mesh group
// rooms, SDP negotiation with glare resolution, and connection monitoring.
// It depends on the rtc capability interfaces and the signal wire model
// only; signaling transports, storage, the user directory and the invite
// fabric are injected through the narrow interfaces below.
package call

import (
	"context"
	"errors"
	"time"

	"github.com/chimelab/chime/internal/signal"
)

var (
	// ErrSessionEnded is returned by operations on a session that has
	// already reached a terminal status.
	ErrSessionEnded = errors.New("call: session already ended")

	// ErrBusy is returned when a new call is started while another
	// session is active.
	ErrBusy = errors.New("call: another call is in progress")

	// ErrUnreachable is returned when the callee is offline or has
	// calls disabled.
	ErrUnreachable = errors.New("call: peer unreachable")
)

// CallType selects the media kinds a call opens with.
type CallType string

const (
	TypeAudio CallType = "audio"
	TypeVideo CallType = "video"
)

// Role says which side of a one-to-one call we are.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "callee"
}

// Status is the lifecycle state of a one-to-one session. Transitions are
// owned by the pure transition function in fsm.go.
type Status int

const (
	StatusIdle Status = iota
	StatusCalling
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusFailed
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusCalling:
		return "calling"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFailed:
		return "failed"
	case StatusEnded:
		return "ended"
	}
	return "unknown"
}

// terminal reports whether no further transitions are possible.
func (s Status) terminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// Quality is the advisory connection quality level derived from inbound
// packet loss. It never triggers reconnection by itself.
type Quality string

const (
	QualityGood   Quality = "good"
	QualityMedium Quality = "medium"
	QualityPoor   Quality = "poor"
)

// Call record statuses as persisted by Records.
const (
	recordRinging  = "ringing"
	recordActive   = "active"
	recordDeclined = "declined"
	recordMissed   = "missed"
	recordEnded    = "ended"
)

// Participant statuses as persisted by Records for group calls.
const (
	partInvited  = "invited"
	partRinging  = "ringing"
	partJoined   = "joined"
	partRejected = "rejected"
	partTimedOut = "timed_out"
	partLeft     = "left"
)

// Signaler opens named signaling channels. The pubsub and relay backed
// implementations both satisfy it.
type Signaler interface {
	Open(ctx context.Context, topic string) (signal.Channel, error)
}

// Records persists call and participant history. Failures here never
// abort a call; they are logged and the call proceeds.
type Records interface {
	CreateCall(ctx context.Context, id, conversationID, callerID, callType, status string, group bool) error
	UpdateCallStatus(ctx context.Context, id, status string) error
	EndCall(ctx context.Context, id, status string) error
	AddParticipant(ctx context.Context, callID, userID, status string) error
	SetParticipantStatus(ctx context.Context, callID, userID, status string) error
	MarkParticipantLeft(ctx context.Context, callID, userID string) error
}

// Directory resolves conversation membership and user presentation data.
type Directory interface {
	ResolveParticipants(ctx context.Context, conversationID string) ([]string, error)
	DisplayIdentity(userID string) (name, avatarRef string, ok bool)
	Reachable(userID string) bool

	// EnsureDirect returns the canonical two-party conversation for a
	// pair of users, creating it on first use.
	EnsureDirect(ctx context.Context, a, b string) (string, error)
}

// Invite kinds carried by the Notifier.
const (
	InviteKindCall    = "call-invite"
	InviteKindRoom    = "room-invite"
	InviteKindDecline = "decline"
)

// Invite is an out-of-band call or room invitation delivered directly to
// one user, outside the call's own signaling channel.
type Invite struct {
	Kind           string
	CallID         string
	SessionID      string
	ConversationID string
	CallType       CallType
	From           string
	FromName       string
}

// Notifier delivers invites to specific users and surfaces inbound ones.
type Notifier interface {
	Notify(ctx context.Context, userID string, inv Invite) error
	Subscribe() (<-chan Invite, func())
}

// Config carries the tunables of the engine. Zero values fall back to
// the defaults below.
type Config struct {
	ReconnectAttempts int
	ReconnectBase     time.Duration
	QualityInterval   time.Duration
	RingTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 3
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 2 * time.Second
	}
	if c.QualityInterval <= 0 {
		c.QualityInterval = 3 * time.Second
	}
	if c.RingTimeout <= 0 {
		c.RingTimeout = 30 * time.Second
	}
	return c
}

// short trims peer IDs for log lines.
func short(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}
