package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimelab/chime/internal/state"
	"github.com/chimelab/chime/internal/store"
)

func newTestDirectory(t *testing.T) (*Directory, *store.DB, *state.PeerTable) {
	t.Helper()
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	peers := state.NewPeerTable()
	return New(db, peers), db, peers
}

func TestResolveParticipants(t *testing.T) {
	dir, db, _ := newTestDirectory(t)
	ctx := context.Background()

	require.NoError(t, db.CreateConversation(ctx, "conv-1", "team", true))
	require.NoError(t, db.AddMember(ctx, "conv-1", "alice"))
	require.NoError(t, db.AddMember(ctx, "conv-1", "bob"))

	got, err := dir.ResolveParticipants(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, got)
}

func TestDisplayIdentityFromPresence(t *testing.T) {
	dir, _, peers := newTestDirectory(t)

	name, _, ok := dir.DisplayIdentity("alice")
	assert.False(t, ok)
	assert.Empty(t, name)

	peers.Upsert("alice", "Alice", "avatar-1", false)
	name, avatar, ok := dir.DisplayIdentity("alice")
	assert.True(t, ok)
	assert.Equal(t, "Alice", name)
	assert.Equal(t, "avatar-1", avatar)
}

func TestReachable(t *testing.T) {
	dir, _, peers := newTestDirectory(t)

	assert.False(t, dir.Reachable("bob"))

	peers.Upsert("bob", "Bob", "", false)
	assert.True(t, dir.Reachable("bob"))

	peers.Upsert("carol", "Carol", "", true) // calls disabled
	assert.False(t, dir.Reachable("carol"))

	peers.MarkOffline("bob")
	assert.False(t, dir.Reachable("bob"))
}

func TestEnsureDirectIsSymmetric(t *testing.T) {
	dir, db, _ := newTestDirectory(t)
	ctx := context.Background()

	id1, err := dir.EnsureDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	id2, err := dir.EnsureDirect(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	members, err := db.Members(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)
}
