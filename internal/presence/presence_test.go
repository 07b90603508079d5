package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AyazTomac-dev/atacord/internal/graph"
	"github.com/AyazTomac-dev/atacord/internal/identity"
)

func newTestTracker(t *testing.T) (*Tracker, *time.Time, identity.Identity) {
	t.Helper()
	user, err := identity.Generate("Alice")
	require.NoError(t, err)

	store, err := graph.NewStore(graph.StoreConfig{Writer: user.UserID()})
	require.NoError(t, err)
	t.Cleanup(store.Close)

	now := time.Unix(1700000000, 0)
	tr, err := NewTracker(TrackerConfig{Store: store, Now: func() time.Time { return now }})
	require.NoError(t, err)
	return tr, &now, user
}

func TestOnlineOfflineCycle(t *testing.T) {
	tr, _, user := newTestTracker(t)

	assert.False(t, tr.IsOnline(user.UserID()))

	tr.SetOnline(user, "çevrimiçi")
	assert.True(t, tr.IsOnline(user.UserID()))

	rec, ok := tr.Lookup(user.UserID())
	require.True(t, ok)
	assert.Equal(t, "çevrimiçi", rec.Status)

	tr.SetOffline(user)
	assert.False(t, tr.IsOnline(user.UserID()))
	rec, ok = tr.Lookup(user.UserID())
	require.True(t, ok)
	assert.NotZero(t, rec.LastSeen)
}

func TestStaleRecordCountsAsOffline(t *testing.T) {
	// A crashed peer never writes offline; its record ages out on the
	// reader's clock instead.
	tr, now, user := newTestTracker(t)

	tr.SetOnline(user, "")
	*now = now.Add(StaleAfter - time.Second)
	assert.True(t, tr.IsOnline(user.UserID()))

	*now = now.Add(2 * time.Second)
	assert.False(t, tr.IsOnline(user.UserID()))

	// A refreshed stamp brings the peer back without a new flag write.
	tr.Touch(user)
	assert.True(t, tr.IsOnline(user.UserID()))
}

func TestSubscribeDeliversChanges(t *testing.T) {
	tr, _, user := newTestTracker(t)

	records := make(chan Record, 4)
	sub := tr.Subscribe(user.UserID(), func(r Record) {
		records <- r
	})
	defer sub.Unsubscribe()

	// Initial snapshot for a user with no presence yet.
	select {
	case r := <-records:
		assert.False(t, r.Online)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial snapshot")
	}

	tr.SetOnline(user, "merhaba")
	deadline := time.After(2 * time.Second)
	for {
		select {
		case r := <-records:
			if r.Online && r.Status == "merhaba" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for online record")
		}
	}
}
