package proto

import "time"

const (
	PresenceTopic = "chime.presence.v1"
	MdnsTag       = "chime-mdns"

	// Pubsub topic prefix for one-to-one call signaling (suffix is the call ID)
	CallTopicPrefix = "chime.call."

	// Pubsub topic prefix for group call signaling (suffix is the session ID)
	RoomTopicPrefix = "chime.room."

	// libp2p stream protocol ID for out-of-band call invitations
	InviteProtoID = "/chime/invite/1.0.0"
)

const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

type PresenceMsg struct {
	Type       string   `json:"type"` // online|update|offline
	PeerID     string   `json:"peerId"`
	Name       string   `json:"name,omitempty"`
	AvatarRef  string   `json:"avatarRef,omitempty"`
	CallsOff   bool     `json:"callsOff,omitempty"` // Peer has calls disabled
	Addrs      []string `json:"addrs,omitempty"`    // Multiaddresses for WAN connectivity
	TS         int64    `json:"ts"`
}

// CallTopic returns the signaling topic for a one-to-one call.
func CallTopic(callID string) string { return CallTopicPrefix + callID }

// RoomTopic returns the signaling topic for a group call session.
func RoomTopic(sessionID string) string { return RoomTopicPrefix + sessionID }

func NowMillis() int64 { return time.Now().UnixMilli() }
