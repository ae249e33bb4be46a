// Package directory answers "who is in this conversation" and "what do we
// call this user", combining durable membership from the store with live
// presence data.
package directory

import (
	"context"
	"fmt"
	"sort"

	"github.com/chimelab/chime/internal/state"
	"github.com/chimelab/chime/internal/store"
)

type Directory struct {
	db    *store.DB
	peers *state.PeerTable
}

func New(db *store.DB, peers *state.PeerTable) *Directory {
	return &Directory{db: db, peers: peers}
}

// ResolveParticipants returns the member IDs of a conversation.
func (d *Directory) ResolveParticipants(ctx context.Context, conversationID string) ([]string, error) {
	members, err := d.db.Members(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("resolve participants of %s: %w", conversationID, err)
	}
	return members, nil
}

// DisplayIdentity returns the presentation data for a user. Presence wins
// over nothing; unknown users report ok=false and the caller falls back
// to the raw ID.
func (d *Directory) DisplayIdentity(userID string) (name, avatarRef string, ok bool) {
	if sp, found := d.peers.Get(userID); found && sp.Name != "" {
		return sp.Name, sp.AvatarRef, true
	}
	return "", "", false
}

// Reachable reports whether the user currently shows up in presence and
// accepts calls.
func (d *Directory) Reachable(userID string) bool {
	sp, ok := d.peers.Get(userID)
	return ok && sp.Reachable && !sp.CallsOff
}

// EnsureDirect creates (or finds) the canonical two-party conversation for
// a pair of users. The ID is derived from the sorted pair so both sides
// agree on it without coordination.
func (d *Directory) EnsureDirect(ctx context.Context, a, b string) (string, error) {
	id := DirectConversationID(a, b)
	if err := d.db.CreateConversation(ctx, id, "", false); err != nil {
		return "", err
	}
	if err := d.db.AddMember(ctx, id, a); err != nil {
		return "", err
	}
	if err := d.db.AddMember(ctx, id, b); err != nil {
		return "", err
	}
	return id, nil
}

// DirectConversationID derives the deterministic 1:1 conversation ID.
func DirectConversationID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return "dm:" + pair[0] + ":" + pair[1]
}
