package social

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AyazTomac-dev/atacord/internal/graph"
	"github.com/AyazTomac-dev/atacord/internal/identity"
)

func newTestGraph(t *testing.T) (*Graph, identity.Identity, identity.Identity) {
	t.Helper()
	alice, err := identity.Generate("Alice")
	require.NoError(t, err)
	bob, err := identity.Generate("Bob")
	require.NoError(t, err)

	store, err := graph.NewStore(graph.StoreConfig{Writer: alice.UserID()})
	require.NoError(t, err)
	t.Cleanup(store.Close)

	g, err := NewGraph(GraphConfig{Store: store})
	require.NoError(t, err)
	return g, alice, bob
}

func TestFriendEdgesAreDirected(t *testing.T) {
	g, alice, bob := newTestGraph(t)

	require.NoError(t, g.AddFriend(alice, bob.UserID(), "Bob"))
	assert.True(t, g.IsFriend(alice.UserID(), bob.UserID()))
	assert.False(t, g.IsFriend(bob.UserID(), alice.UserID()))

	friends := g.Friends(alice.UserID())
	require.Len(t, friends, 1)
	assert.Equal(t, bob.UserID(), friends[0].UserKey)
	assert.Equal(t, "Bob", friends[0].DisplayName)
	assert.NotZero(t, friends[0].AddedAt)
}

func TestAddFriendRejectsSelfAndBadKeys(t *testing.T) {
	g, alice, _ := newTestGraph(t)

	assert.ErrorIs(t, g.AddFriend(alice, alice.UserID(), "me"), ErrSelfReference)
	assert.ErrorIs(t, g.AddFriend(alice, "kisa", "short key"), identity.ErrValidation)
}

func TestRemoveFriend(t *testing.T) {
	g, alice, bob := newTestGraph(t)

	require.NoError(t, g.AddFriend(alice, bob.UserID(), "Bob"))
	g.RemoveFriend(alice, bob.UserID())
	assert.False(t, g.IsFriend(alice.UserID(), bob.UserID()))
	assert.Empty(t, g.Friends(alice.UserID()))

	g.RemoveFriend(alice, bob.UserID())
}

func TestBlockRemovesFriendEdge(t *testing.T) {
	g, alice, bob := newTestGraph(t)

	require.NoError(t, g.AddFriend(alice, bob.UserID(), "Bob"))
	require.NoError(t, g.Block(alice, bob.UserID()))

	assert.True(t, g.IsBlocked(alice.UserID(), bob.UserID()))
	assert.False(t, g.IsFriend(alice.UserID(), bob.UserID()))
	assert.Equal(t, []string{bob.UserID()}, g.Blocked(alice.UserID()))

	assert.ErrorIs(t, g.AddFriend(alice, bob.UserID(), "Bob"), ErrBlocked)

	g.Unblock(alice, bob.UserID())
	assert.False(t, g.IsBlocked(alice.UserID(), bob.UserID()))
	assert.False(t, g.IsFriend(alice.UserID(), bob.UserID()))
	require.NoError(t, g.AddFriend(alice, bob.UserID(), "Bob"))
}

func TestReAddKeepsOriginalTimestamp(t *testing.T) {
	alice, err := identity.Generate("Alice")
	require.NoError(t, err)
	bob, err := identity.Generate("Bob")
	require.NoError(t, err)

	store, err := graph.NewStore(graph.StoreConfig{Writer: alice.UserID()})
	require.NoError(t, err)
	t.Cleanup(store.Close)

	now := time.Unix(1700000000, 0)
	g, err := NewGraph(GraphConfig{Store: store, Now: func() time.Time { return now }})
	require.NoError(t, err)

	require.NoError(t, g.AddFriend(alice, bob.UserID(), "Bob"))
	now = now.Add(time.Hour)
	require.NoError(t, g.AddFriend(alice, bob.UserID(), "Bob"))

	friends := g.Friends(alice.UserID())
	require.Len(t, friends, 1)
	assert.Equal(t, time.Unix(1700000000, 0).UnixMilli(), friends[0].AddedAt)
}
