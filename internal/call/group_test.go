package call

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimelab/chime/internal/rtc"
	"github.com/chimelab/chime/internal/signal"
)

func groupWorld(t *testing.T, cfg Config) (*testWorld, *testPeer, *testPeer, *testPeer) {
	t.Helper()
	w := newTestWorld()
	alice := w.addPeer("alice", "Alice", cfg)
	bob := w.addPeer("bob", "Bob", cfg)
	carol := w.addPeer("carol", "Carol", cfg)
	w.dir.addConversation("team", "alice", "bob", "carol")
	t.Cleanup(func() {
		alice.mgr.Close()
		bob.mgr.Close()
		carol.mgr.Close()
	})
	return w, alice, bob, carol
}

func TestGroupMeshForms(t *testing.T) {
	ctx := context.Background()
	_, alice, bob, carol := groupWorld(t, quietConfig())

	ga, err := alice.mgr.StartGroup(ctx, "team", TypeAudio, GroupHooks{})
	require.NoError(t, err)

	icb := recvIncoming(t, bob)
	assert.True(t, icb.Group)
	assert.Equal(t, "Alice", icb.FromName)
	gb, err := icb.Join(ctx, GroupHooks{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ga.State() == RoomActive && gb.State() == RoomActive
	}, waitFor, 5*time.Millisecond)

	icc := recvIncoming(t, carol)
	gc, err := icc.Join(ctx, GroupHooks{})
	require.NoError(t, err)

	// Every existing participant dials the newcomer, so carol ends up
	// with a link to both alice and bob.
	require.Eventually(t, func() bool {
		pa := ga.Participants()
		pb := gb.Participants()
		pc := gc.Participants()
		return pa["bob"] == partJoined && pa["carol"] == partJoined &&
			pb["carol"] == partJoined &&
			pc["alice"] == partJoined && pc["bob"] == partJoined
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, RoomActive, gc.State())

	st, ended, ok := alice.records.callStatus(ga.ID())
	require.True(t, ok)
	assert.Equal(t, recordActive, st)
	assert.False(t, ended)
}

func TestGroupPeerLeavesOthersStay(t *testing.T) {
	ctx := context.Background()
	_, alice, bob, carol := groupWorld(t, quietConfig())

	left := make(chan string, 4)
	ga, err := alice.mgr.StartGroup(ctx, "team", TypeAudio, GroupHooks{
		OnPeerLeft: func(user string) { left <- user },
	})
	require.NoError(t, err)

	gb, err := recvIncoming(t, bob).Join(ctx, GroupHooks{})
	require.NoError(t, err)
	gc, err := recvIncoming(t, carol).Join(ctx, GroupHooks{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p := ga.Participants()
		return p["bob"] == partJoined && p["carol"] == partJoined
	}, waitFor, 5*time.Millisecond)

	gb.Leave()

	select {
	case user := <-left:
		assert.Equal(t, "bob", user)
	case <-time.After(waitFor):
		t.Fatal("host never saw bob leave")
	}

	require.Eventually(t, func() bool {
		return ga.Participants()["bob"] == partLeft
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, RoomActive, ga.State(), "one departure must not end the room")
	assert.Equal(t, RoomEnded, gb.State())

	st, ended, _ := bob.records.callStatus(gb.ID())
	assert.Equal(t, recordEnded, st)
	assert.True(t, ended)

	// Carol saw it too.
	require.Eventually(t, func() bool {
		return gc.Participants()["bob"] == partLeft
	}, waitFor, 5*time.Millisecond)
}

func TestHostEndsRoomForEveryone(t *testing.T) {
	ctx := context.Background()
	_, alice, bob, carol := groupWorld(t, quietConfig())

	ga, err := alice.mgr.StartGroup(ctx, "team", TypeVideo, GroupHooks{})
	require.NoError(t, err)
	gb, err := recvIncoming(t, bob).Join(ctx, GroupHooks{})
	require.NoError(t, err)
	gc, err := recvIncoming(t, carol).Join(ctx, GroupHooks{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ga.State() == RoomActive && gb.State() == RoomActive && gc.State() == RoomActive
	}, waitFor, 5*time.Millisecond)

	ga.End()

	require.Eventually(t, func() bool {
		return gb.State() == RoomEnded && gc.State() == RoomEnded
	}, waitFor, 5*time.Millisecond)

	for _, p := range []*testPeer{alice, bob, carol} {
		st, ended, ok := p.records.callStatus(ga.ID())
		require.True(t, ok)
		assert.Equal(t, recordEnded, st)
		assert.True(t, ended)
	}

	require.Eventually(t, func() bool {
		_, a := alice.mgr.ActiveGroup()
		_, b := bob.mgr.ActiveGroup()
		_, c := carol.mgr.ActiveGroup()
		return !a && !b && !c
	}, waitFor, 5*time.Millisecond)
}

func TestPairFailureDropsOnlyThatPeer(t *testing.T) {
	ctx := context.Background()
	cfg := quietConfig()
	cfg.ReconnectAttempts = 1
	_, alice, bob, carol := groupWorld(t, cfg)

	ga, err := alice.mgr.StartGroup(ctx, "team", TypeAudio, GroupHooks{})
	require.NoError(t, err)
	gb, err := recvIncoming(t, bob).Join(ctx, GroupHooks{})
	require.NoError(t, err)
	_, err = recvIncoming(t, carol).Join(ctx, GroupHooks{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p := ga.Participants()
		return p["bob"] == partJoined && p["carol"] == partJoined
	}, waitFor, 5*time.Millisecond)

	// Bob vanishes without a word: its link drops and every ICE restart
	// goes unanswered.
	_ = gb.ch.Close()
	link := alice.transport.link(0) // first link is the pair to bob
	link.fireState(rtc.LinkFailed)
	require.Eventually(t, func() bool {
		_, _, restarts, _, _ := link.snapshot()
		return restarts >= 1
	}, waitFor, 5*time.Millisecond)
	link.fireState(rtc.LinkFailed)

	require.Eventually(t, func() bool {
		return ga.Participants()["bob"] == partLeft
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, partJoined, ga.Participants()["carol"])
	assert.Equal(t, RoomActive, ga.State(), "losing one pair must not end the room")
}

func TestUnreachableMemberNotRung(t *testing.T) {
	ctx := context.Background()
	w, alice, _, _ := groupWorld(t, quietConfig())
	w.dir.addUser("dave", "Dave", false)
	w.dir.addConversation("team", "alice", "bob", "carol", "dave")

	ga, err := alice.mgr.StartGroup(ctx, "team", TypeAudio, GroupHooks{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, ok := alice.records.participant(ga.ID(), "dave")
		return ok && st == partInvited
	}, waitFor, 5*time.Millisecond)
}

func TestGroupRingTimeout(t *testing.T) {
	ctx := context.Background()
	cfg := quietConfig()
	cfg.RingTimeout = 30 * time.Millisecond
	_, alice, bob, _ := groupWorld(t, cfg)

	ga, err := alice.mgr.StartGroup(ctx, "team", TypeAudio, GroupHooks{})
	require.NoError(t, err)
	_, err = recvIncoming(t, bob).Join(ctx, GroupHooks{})
	require.NoError(t, err)

	// Carol never answers her invite.
	require.Eventually(t, func() bool {
		st, ok := alice.records.participant(ga.ID(), "carol")
		return ok && st == partTimedOut
	}, waitFor, 5*time.Millisecond)

	// Bob joined in time and must stay joined.
	st, _ := alice.records.participant(ga.ID(), "bob")
	assert.Equal(t, partJoined, st)
}

func TestGroupDeclineRecorded(t *testing.T) {
	ctx := context.Background()
	_, alice, bob, _ := groupWorld(t, quietConfig())

	ga, err := alice.mgr.StartGroup(ctx, "team", TypeAudio, GroupHooks{})
	require.NoError(t, err)

	ic := recvIncoming(t, bob)
	require.NoError(t, ic.Decline(ctx))

	require.Eventually(t, func() bool {
		st, ok := alice.records.participant(ga.ID(), "bob")
		return ok && st == partRejected
	}, waitFor, 5*time.Millisecond)
}

func TestGroupCandidatesAppliedInArrivalOrder(t *testing.T) {
	w := newTestWorld()
	w.dir.addUser("alice", "Alice", true)
	tr := &fakeTransport{}
	g := newGroupSession(groupOpts{
		id:             "room-order",
		conversationID: "team",
		self:           "alice",
		selfName:       "Alice",
		host:           "bob",
		callType:       TypeAudio,
		cfg:            quietConfig(),
		transport:      tr,
		records:        newFakeRecords(),
		dir:            w.dir,
		notes:          w.hub.notifier("alice"),
		ch:             w.bus.open("room-order", "alice"),
	})
	defer g.teardownWith("")

	// An existing participant dials us; its trickled candidates trail the
	// offer and must land on the link in the order they arrived.
	g.handle(signal.Message{Type: signal.TypeOffer, From: "bob", To: "alice", SDP: "offer-1"})
	const total = 200
	for i := 0; i < total; i++ {
		g.handle(signal.Message{
			Type:      signal.TypeICECandidate,
			From:      "bob",
			To:        "alice",
			Candidate: &signal.Candidate{Candidate: fmt.Sprintf("cand-%d", i)},
		})
	}

	link := tr.link(0)
	require.NotNil(t, link)
	_, _, _, _, cands := link.snapshot()
	require.Len(t, cands, total)
	for i, c := range cands {
		require.Equal(t, fmt.Sprintf("cand-%d", i), c.Candidate, "candidate %d applied out of order", i)
	}
}

func TestGroupMuteTogglesAllLinks(t *testing.T) {
	ctx := context.Background()
	_, alice, bob, carol := groupWorld(t, quietConfig())

	ga, err := alice.mgr.StartGroup(ctx, "team", TypeAudio, GroupHooks{})
	require.NoError(t, err)
	_, err = recvIncoming(t, bob).Join(ctx, GroupHooks{})
	require.NoError(t, err)
	_, err = recvIncoming(t, carol).Join(ctx, GroupHooks{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p := ga.Participants()
		return p["bob"] == partJoined && p["carol"] == partJoined
	}, waitFor, 5*time.Millisecond)

	on, err := ga.ToggleAudio()
	require.NoError(t, err)
	assert.False(t, on)
	on, err = ga.ToggleAudio()
	require.NoError(t, err)
	assert.True(t, on)

	_, err = ga.ToggleVideo()
	assert.ErrorIs(t, err, rtc.ErrMediaUnavailable, "audio room has no camera")
}
