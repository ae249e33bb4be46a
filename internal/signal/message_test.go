package signal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageForPeer(t *testing.T) {
	broadcast := Message{Type: TypeParticipantJoined, From: "alice"}
	assert.True(t, broadcast.ForPeer("bob"))
	assert.True(t, broadcast.ForPeer("carol"))

	direct := Message{Type: TypeOffer, From: "alice", To: "bob"}
	assert.True(t, direct.ForPeer("bob"))
	assert.False(t, direct.ForPeer("carol"))
}

func TestMessageWireFields(t *testing.T) {
	msg := Message{
		Type: TypeICECandidate,
		From: "alice",
		To:   "bob",
		Candidate: &Candidate{
			Candidate:     "candidate:1 1 UDP 2122252543 192.0.2.1 54321 typ host",
			SDPMid:        "0",
			SDPMLineIndex: 0,
		},
		Timestamp: 1700000000000,
	}
	b, err := json.Marshal(msg)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Equal(t, "ice-candidate", raw["type"])
	assert.Equal(t, "alice", raw["from"])
	assert.Equal(t, "bob", raw["to"])
	assert.NotContains(t, raw, "sdp", "empty SDP must be omitted")
	assert.Contains(t, raw, "candidate")

	var back Message
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, msg, back)
}

func TestStampPreservesExplicitTimestamp(t *testing.T) {
	msg := Message{Type: TypeOffer, From: "a", Timestamp: 42}
	assert.Equal(t, int64(42), msg.Stamp().Timestamp)

	stamped := Message{Type: TypeOffer, From: "a"}.Stamp()
	assert.NotZero(t, stamped.Timestamp)
}
