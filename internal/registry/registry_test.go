package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/p2p-share/internal/errkind"
)

const (
	alice = peer.ID("alice")
	bob   = peer.ID("bob")
)

func testGroup(id string) GroupInfo {
	return GroupInfo{ID: id, Name: "test", CreatedBy: alice, CreatedAt: time.Unix(100, 0)}
}

func msg(sender peer.ID, seq uint64, ts int64, payload string) GroupMessage {
	return GroupMessage{Sender: sender, GroupID: "g1", Payload: payload, Timestamp: time.Unix(ts, 0), Sequence: seq}
}

func TestDuplicateDeliveryAppliedOnce(t *testing.T) {
	g := NewGroups()
	g.Add(testGroup("g1"), Subscribed)

	applied, err := g.ApplyMessage(msg(alice, 1, 10, "hello"))
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = g.ApplyMessage(msg(alice, 1, 10, "hello"))
	require.NoError(t, err)
	assert.False(t, applied)

	state, err := g.GetGroupState("g1")
	require.NoError(t, err)
	require.Len(t, state.Messages, 1)
	assert.Equal(t, "hello", state.Messages[0].Payload)
	assert.Equal(t, Receiving, g.Status("g1"))
}

func TestMessageForUnknownGroupDropped(t *testing.T) {
	g := NewGroups()
	_, err := g.ApplyMessage(msg(alice, 1, 10, "noise"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.NotFound))
	assert.False(t, g.Has("g1"))
}

func TestMessagesOrderedAcrossSenders(t *testing.T) {
	g := NewGroups()
	g.Add(testGroup("g1"), Created)

	for _, m := range []GroupMessage{msg(bob, 1, 30, "c"), msg(alice, 1, 10, "a"), msg(alice, 2, 20, "b")} {
		_, err := g.ApplyMessage(m)
		require.NoError(t, err)
	}

	state, err := g.GetGroupState("g1")
	require.NoError(t, err)
	var payloads []string
	for _, m := range state.Messages {
		payloads = append(payloads, m.Payload)
	}
	assert.Equal(t, []string{"a", "b", "c"}, payloads)
}

func TestAddKeepsInfoAndRaisesStatus(t *testing.T) {
	g := NewGroups()
	require.True(t, g.Add(testGroup("g1"), Known))

	renamed := testGroup("g1")
	renamed.Name = "other"
	require.False(t, g.Add(renamed, Created))

	info, ok := g.Info("g1")
	require.True(t, ok)
	assert.Equal(t, "test", info.Name)
	assert.Equal(t, Created, g.Status("g1"))

	g.Add(testGroup("g1"), Known)
	assert.Equal(t, Created, g.Status("g1"))
}

func TestMembershipAppendOnly(t *testing.T) {
	g := NewGroups()
	g.Add(testGroup("g1"), Created)

	added, err := g.AddMember("g1", bob)
	require.NoError(t, err)
	assert.True(t, added)
	added, _ = g.AddMember("g1", bob)
	assert.False(t, added)
	g.AddMember("g1", alice)

	state, _ := g.GetGroupState("g1")
	assert.Equal(t, []peer.ID{alice, bob}, state.Members)

	_, err = g.AddMember("missing", bob)
	assert.True(t, errors.Is(err, errkind.NotFound))
}

func TestMergeStateIsIdempotent(t *testing.T) {
	g := NewGroups()
	g.Add(testGroup("g1"), Subscribed)
	g.ApplyMessage(msg(alice, 1, 10, "hello"))

	snapshot := GroupState{
		Members:  []peer.ID{alice},
		Messages: []GroupMessage{msg(alice, 1, 10, "hello"), msg(alice, 2, 11, "again")},
	}
	messages, members, err := g.MergeState("g1", alice, snapshot)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
	assert.Equal(t, []peer.ID{alice}, members)

	messages, members, err = g.MergeState("g1", alice, snapshot)
	require.NoError(t, err)
	assert.Empty(t, messages)
	assert.Empty(t, members)

	state, _ := g.GetGroupState("g1")
	assert.Len(t, state.Messages, 2)
}

func TestMergeStateTakesOnlySendersOwnEntries(t *testing.T) {
	const mallory = peer.ID("mallory")
	g := NewGroups()
	g.Add(testGroup("g1"), Subscribed)

	forged := GroupState{
		Members:  []peer.ID{mallory, bob},
		Messages: []GroupMessage{msg(mallory, 1, 10, "forged"), msg(bob, 1, 11, "mine")},
	}
	messages, members, err := g.MergeState("g1", bob, forged)
	require.NoError(t, err)
	assert.Equal(t, []peer.ID{bob}, members)
	require.Len(t, messages, 1)
	assert.Equal(t, "mine", messages[0].Payload)

	// mallory's real first message is not shadowed by the forgery
	applied, err := g.ApplyMessage(msg(mallory, 1, 12, "real"))
	require.NoError(t, err)
	assert.True(t, applied)

	state, _ := g.GetGroupState("g1")
	assert.Equal(t, []peer.ID{bob}, state.Members)
	assert.Len(t, state.Messages, 2)
}

func TestStateOfAndLastSequence(t *testing.T) {
	g := NewGroups()
	g.Add(testGroup("g1"), Subscribed)
	g.AddMember("g1", alice)
	g.AddMember("g1", bob)
	g.ApplyMessage(msg(alice, 1, 10, "a1"))
	g.ApplyMessage(msg(bob, 4, 11, "b4"))
	g.ApplyMessage(msg(alice, 3, 12, "a3"))

	state, err := g.StateOf("g1", alice)
	require.NoError(t, err)
	assert.Equal(t, []peer.ID{alice}, state.Members)
	require.Len(t, state.Messages, 2)
	assert.Equal(t, "a1", state.Messages[0].Payload)
	assert.Equal(t, "a3", state.Messages[1].Payload)

	assert.Equal(t, uint64(3), g.LastSequence("g1", alice))
	assert.Equal(t, uint64(4), g.LastSequence("g1", bob))
	assert.Zero(t, g.LastSequence("g1", "carol"))
	assert.Zero(t, g.LastSequence("missing", alice))

	_, err = g.StateOf("missing", alice)
	assert.True(t, errors.Is(err, errkind.NotFound))
}

func TestUnsubscribeKeepsMembersAndHistory(t *testing.T) {
	g := NewGroups()
	g.Add(testGroup("g1"), Known)
	require.NoError(t, g.MarkSubscribed("g1"))
	g.AddMember("g1", bob)
	g.ApplyMessage(msg(alice, 1, 10, "hello"))
	assert.Equal(t, Receiving, g.Status("g1"))

	require.NoError(t, g.Unsubscribe("g1", Known))
	assert.Equal(t, Known, g.Status("g1"))
	state, _ := g.GetGroupState("g1")
	assert.Equal(t, []peer.ID{bob}, state.Members)
	assert.Len(t, state.Messages, 1)

	// never subscribed: nothing to undo
	g.Add(testGroup("g2"), Created)
	require.NoError(t, g.Unsubscribe("g2", Known))
	assert.Equal(t, Created, g.Status("g2"))

	assert.True(t, errors.Is(g.Unsubscribe("missing", Known), errkind.NotFound))
}

func TestSnapshotIsACopy(t *testing.T) {
	g := NewGroups()
	g.Add(testGroup("g1"), Created)
	g.ApplyMessage(msg(alice, 1, 10, "hello"))

	state, _ := g.GetGroupState("g1")
	state.Messages[0].Payload = "mutated"

	again, _ := g.GetGroupState("g1")
	assert.Equal(t, "hello", again.Messages[0].Payload)
}

func TestConcurrentReadsSeeWholeStates(t *testing.T) {
	g := NewGroups()
	g.Add(testGroup("g1"), Subscribed)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= 200; i++ {
			g.MergeState("g1", alice, GroupState{
				Members:  []peer.ID{alice},
				Messages: []GroupMessage{msg(alice, i, int64(i), "m")},
			})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			state, err := g.GetGroupState("g1")
			if err != nil {
				t.Error(err)
				return
			}
			for j := 1; j < len(state.Messages); j++ {
				if state.Messages[j].Sequence <= state.Messages[j-1].Sequence {
					t.Errorf("torn read: %v", state.Messages)
					return
				}
			}
		}
	}()
	wg.Wait()
}

func TestUsersNewestWins(t *testing.T) {
	u := NewUsers()
	assert.True(t, u.Upsert(UserInfo{PeerID: bob, Name: "bob", LastSeen: time.Unix(20, 0)}))
	assert.False(t, u.Upsert(UserInfo{PeerID: bob, Name: "old", LastSeen: time.Unix(10, 0)}))

	u.Touch(bob, time.Unix(30, 0))
	info, ok := u.Get(bob)
	require.True(t, ok)
	assert.Equal(t, "bob", info.Name)
	assert.Equal(t, time.Unix(30, 0), info.LastSeen)

	u.Touch(alice, time.Unix(30, 0))
	assert.False(t, u.Has(alice))
}

func TestResolveQueries(t *testing.T) {
	m := NewManager()
	m.Groups.Add(testGroup("g1"), Created)
	m.Users.Upsert(UserInfo{PeerID: alice, Name: "alice"})

	res, err := m.Resolve(GroupQuery{Action: GetGroups})
	require.NoError(t, err)
	assert.Contains(t, res.Groups, "g1")

	res, err = m.Resolve(GroupQuery{Action: GetGroupState, GroupID: "g1"})
	require.NoError(t, err)
	require.NotNil(t, res.State)

	_, err = m.Resolve(GroupQuery{Action: GetGroupState, GroupID: "nope"})
	assert.True(t, errors.Is(err, errkind.NotFound))

	res, err = m.Resolve(UserQuery{Action: GetUsers})
	require.NoError(t, err)
	assert.Contains(t, res.Users, alice)
}
