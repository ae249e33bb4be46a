// Package signal defines the call-signaling wire format and the channels
// that carry it. A channel is a named broadcast bus: every message reaches
// every subscriber, and receivers drop their own messages and messages
// addressed to someone else.
package signal

import "time"

// Type enumerates signaling message kinds.
type Type string

const (
	TypeOffer             Type = "offer"
	TypeAnswer            Type = "answer"
	TypeICECandidate      Type = "ice-candidate"
	TypeParticipantJoined Type = "participant-joined"
	TypeParticipantLeft   Type = "participant-left"
	TypeEndCall           Type = "end-call"
	TypeCallRejected      Type = "call-rejected"
)

// Candidate is a trickled ICE candidate.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// Message is the envelope for all signaling traffic on a channel.
// To is empty for broadcast messages (join/leave/end announcements).
type Message struct {
	Type      Type       `json:"type"`
	From      string     `json:"from"`
	To        string     `json:"to,omitempty"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
	Username  string     `json:"username,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

// ForPeer reports whether a received message concerns the given peer:
// broadcast messages and messages addressed to it.
func (m Message) ForPeer(self string) bool {
	return m.To == "" || m.To == self
}

// Stamp fills the timestamp if the caller left it zero.
func (m Message) Stamp() Message {
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}
	return m
}
