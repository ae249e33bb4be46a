// Package rtc defines the peer-connection and media-capture capabilities
// the call engine depends on. The pion-backed implementation lives in this
// package too; call logic only ever sees these interfaces, so negotiation
// and session behaviour can be driven by in-memory fakes in tests.
package rtc

import (
	"context"
	"errors"
)

// ErrMediaUnavailable is returned when no capture device could be opened.
var ErrMediaUnavailable = errors.New("no usable media device")

// SignalingState mirrors the SDP negotiation state of a peer link.
type SignalingState int

const (
	SignalingStable SignalingState = iota
	SignalingHaveLocalOffer
	SignalingHaveRemoteOffer
)

func (s SignalingState) String() string {
	switch s {
	case SignalingStable:
		return "stable"
	case SignalingHaveLocalOffer:
		return "have-local-offer"
	case SignalingHaveRemoteOffer:
		return "have-remote-offer"
	}
	return "unknown"
}

// LinkState is the aggregate connection state of a peer link.
type LinkState int

const (
	LinkNew LinkState = iota
	LinkConnecting
	LinkConnected
	LinkDisconnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkNew:
		return "new"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

// DescriptionType is the SDP type of a session description.
type DescriptionType string

const (
	DescriptionOffer  DescriptionType = "offer"
	DescriptionAnswer DescriptionType = "answer"
)

// Description is a local or remote session description.
type Description struct {
	Type DescriptionType
	SDP  string
}

// Candidate is a single ICE candidate in trickle form.
type Candidate struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
}

// RemoteTrack describes an inbound media track from the remote peer.
type RemoteTrack struct {
	Kind string // "audio" or "video"
	ID   string
}

// LinkStats is a cumulative inbound packet count for quality sampling.
type LinkStats struct {
	PacketsReceived uint64
	PacketsLost     uint64
}

// MediaConstraints selects which capture tracks to open.
type MediaConstraints struct {
	Audio bool
	Video bool
}

// LocalMedia is the shared local capture: at most one microphone track and
// one camera track, attached to every peer link of a call. Toggling a kind
// mutes or unmutes it on all links at once without renegotiation.
type LocalMedia interface {
	SetAudioEnabled(on bool) error
	SetVideoEnabled(on bool) error
	AudioEnabled() bool
	VideoEnabled() bool
	HasAudio() bool
	HasVideo() bool

	// SwitchCamera opens the next available camera and swaps it into the
	// active video senders in place, without renegotiation.
	SwitchCamera(ctx context.Context) error

	Close() error
}

// PeerLink is one peer connection. CreateOffer and CreateAnswer also apply
// the produced description locally, so each successful call corresponds to
// exactly one outbound signaling message.
type PeerLink interface {
	CreateOffer(ctx context.Context) (Description, error)
	CreateAnswer(ctx context.Context) (Description, error)
	SetRemoteDescription(desc Description) error

	// Rollback discards the pending local offer and returns to stable.
	Rollback() error

	// RestartICE creates and applies an offer with fresh ICE credentials,
	// used to renegotiate after a connection drop.
	RestartICE(ctx context.Context) (Description, error)

	AddICECandidate(c Candidate) error

	SignalingState() SignalingState
	HasRemoteDescription() bool

	OnICECandidate(fn func(Candidate))
	OnConnectionStateChange(fn func(LinkState))
	OnNegotiationNeeded(fn func())
	OnRemoteTrack(fn func(RemoteTrack))

	// InboundVideoStats reports cumulative remote video packet counts.
	// ok is false until a remote video track has arrived.
	InboundVideoStats() (stats LinkStats, ok bool)

	Close() error
}

// Transport creates local media and peer links. There is one implementation
// backed by pion and an in-memory fake for tests.
type Transport interface {
	AcquireMedia(ctx context.Context, c MediaConstraints) (LocalMedia, error)
	NewPeerLink(media LocalMedia) (PeerLink, error)
}
