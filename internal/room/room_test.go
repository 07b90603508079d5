package room

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AyazTomac-dev/atacord/internal/graph"
	"github.com/AyazTomac-dev/atacord/internal/identity"
	"github.com/AyazTomac-dev/atacord/internal/message"
)

type fixture struct {
	engine *Engine
	store  *graph.Store
	now    time.Time
	owner  identity.Identity
	member identity.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	owner, err := identity.Generate("Owner")
	require.NoError(t, err)
	member, err := identity.Generate("Member")
	require.NoError(t, err)

	store, err := graph.NewStore(graph.StoreConfig{Writer: owner.UserID()})
	require.NoError(t, err)
	t.Cleanup(store.Close)

	f := &fixture{store: store, now: time.Unix(1700000000, 0), owner: owner, member: member}
	f.engine, err = NewEngine(EngineConfig{Store: store, Now: func() time.Time { return f.now }})
	require.NoError(t, err)
	return f
}

func (f *fixture) newRoom(t *testing.T) Room {
	t.Helper()
	r, err := f.engine.Create(f.owner, CreateParams{
		Name:        "genel",
		Description: "genel sohbet",
		Tags:        []string{"tr", "chat"},
	})
	require.NoError(t, err)
	require.NoError(t, f.engine.Join(f.member, r.ID))
	return r
}

func TestCreateAndGetRoom(t *testing.T) {
	f := newFixture(t)
	created := f.newRoom(t)

	got, err := f.engine.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "genel", got.Name)
	assert.Equal(t, "genel sohbet", got.Description)
	assert.Equal(t, TypePublic, got.Type)
	assert.Equal(t, f.owner.UserID(), got.CreatedBy)
	assert.Equal(t, []string{"tr", "chat"}, got.Tags)

	_, err = f.engine.Get("missing")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	_, err = f.engine.Create(f.owner, CreateParams{Name: "x", Type: "secret"})
	assert.ErrorIs(t, err, ErrInvalidRoom)
}

func TestPrivateRoomAdmitsThroughInviteOnly(t *testing.T) {
	f := newFixture(t)
	r, err := f.engine.Create(f.owner, CreateParams{Name: "özel", Type: TypePrivate})
	require.NoError(t, err)

	assert.ErrorIs(t, f.engine.Join(f.member, r.ID), ErrPermission)

	inv, err := f.engine.CreateInvite(f.owner, r.ID, 0, 0)
	require.NoError(t, err)
	_, err = f.engine.RedeemInvite(f.member, r.ID, inv.Code)
	require.NoError(t, err)
	require.Len(t, f.engine.Members(r.ID), 2)
}

func TestJoinIsIdempotent(t *testing.T) {
	f := newFixture(t)
	r := f.newRoom(t)

	require.Len(t, f.engine.Members(r.ID), 2)

	f.now = f.now.Add(time.Hour)
	require.NoError(t, f.engine.Join(f.member, r.ID))
	members := f.engine.Members(r.ID)
	require.Len(t, members, 2)

	for _, m := range members {
		if m.UserKey == f.member.UserID() {
			assert.Equal(t, RoleMember, m.Role)
			assert.Equal(t, time.Unix(1700000000, 0).UnixMilli(), m.JoinedAt)
		}
	}
}

func TestLeaveAndKick(t *testing.T) {
	f := newFixture(t)
	r := f.newRoom(t)

	require.NoError(t, f.engine.Leave(f.member, r.ID))
	require.Len(t, f.engine.Members(r.ID), 1)
	// Removal is idempotent.
	require.NoError(t, f.engine.Leave(f.member, r.ID))

	require.NoError(t, f.engine.Join(f.member, r.ID))
	assert.ErrorIs(t, f.engine.Kick(f.member, r.ID, f.owner.UserID()), ErrPermission)
	require.NoError(t, f.engine.Kick(f.owner, r.ID, f.member.UserID()))
	require.Len(t, f.engine.Members(r.ID), 1)
	require.NoError(t, f.engine.Kick(f.owner, r.ID, f.member.UserID()))
}

func TestSetRole(t *testing.T) {
	f := newFixture(t)
	r := f.newRoom(t)

	assert.ErrorIs(t, f.engine.SetRole(f.member, r.ID, f.member.UserID(), RoleModerator), ErrPermission)
	require.NoError(t, f.engine.SetRole(f.owner, r.ID, f.member.UserID(), RoleModerator))

	members := f.engine.Members(r.ID)
	for _, m := range members {
		if m.UserKey == f.member.UserID() {
			assert.Equal(t, RoleModerator, m.Role)
		}
	}
	assert.ErrorIs(t, f.engine.SetRole(f.owner, r.ID, f.member.UserID(), RoleAdmin), ErrPermission)
}

func TestBanBlocksRejoinUntilExpiry(t *testing.T) {
	f := newFixture(t)
	r := f.newRoom(t)

	require.NoError(t, f.engine.Ban(f.owner, r.ID, f.member.UserID(), "spam", time.Hour))
	assert.True(t, f.engine.IsBanned(r.ID, f.member.UserID()))
	require.Len(t, f.engine.Members(r.ID), 1)
	assert.ErrorIs(t, f.engine.Join(f.member, r.ID), ErrBanned)

	// Expiry is lazy: the record stays in the graph and simply stops
	// applying once the clock passes it.
	f.now = f.now.Add(2 * time.Hour)
	assert.False(t, f.engine.IsBanned(r.ID, f.member.UserID()))
	require.NoError(t, f.engine.Join(f.member, r.ID))

	_, stillStored := f.engine.BanRecord(r.ID, f.member.UserID())
	assert.True(t, stillStored)
}

func TestPermanentBanAndUnban(t *testing.T) {
	f := newFixture(t)
	r := f.newRoom(t)

	require.NoError(t, f.engine.Ban(f.owner, r.ID, f.member.UserID(), "", 0))
	f.now = f.now.Add(1000 * time.Hour)
	assert.True(t, f.engine.IsBanned(r.ID, f.member.UserID()))

	require.NoError(t, f.engine.Unban(f.owner, r.ID, f.member.UserID()))
	assert.False(t, f.engine.IsBanned(r.ID, f.member.UserID()))
}

func TestForgedBanIsIgnored(t *testing.T) {
	f := newFixture(t)
	r := f.newRoom(t)

	// A non-admin writing a ban record directly into the graph must
	// not take effect: the record is unsigned by any moderator key.
	putNode(f.store, banPath(r.ID, f.owner.UserID()), graph.Node{
		"target":   f.owner.UserID(),
		"by":       f.member.UserID(),
		"issuedAt": "1700000000000",
		"sig":      "bm90LWEtc2ln",
	})
	assert.False(t, f.engine.IsBanned(r.ID, f.owner.UserID()))
}

func TestSelfSignedRestrictionWithoutRankIsIgnored(t *testing.T) {
	f := newFixture(t)
	r := f.newRoom(t)
	mallory, err := identity.Generate("Mallory")
	require.NoError(t, err)

	// Mallory is not in the room; her signature verifies against her
	// own key, but she holds no rank, so the records must not bind.
	ban := Ban{Target: f.owner.UserID(), By: mallory.UserID(), IssuedAt: f.now.UnixMilli()}
	banNode, err := banToNode(r.ID, ban, mallory)
	require.NoError(t, err)
	putNode(f.store, banPath(r.ID, f.owner.UserID()), banNode)

	mute := Mute{Target: f.member.UserID(), By: mallory.UserID(), IssuedAt: f.now.UnixMilli()}
	muteNode, err := muteToNode(r.ID, mute, mallory)
	require.NoError(t, err)
	putNode(f.store, mutePath(r.ID, f.member.UserID()), muteNode)

	assert.False(t, f.engine.IsBanned(r.ID, f.owner.UserID()))
	_, ok := f.engine.BanRecord(r.ID, f.owner.UserID())
	assert.False(t, ok)
	assert.False(t, f.engine.IsMuted(r.ID, f.member.UserID()))
	_, err = f.engine.Send(f.member, r.ID, Post{Content: "merhaba"})
	assert.NoError(t, err)
}

func TestBanRequiresModerator(t *testing.T) {
	f := newFixture(t)
	r := f.newRoom(t)

	assert.ErrorIs(t, f.engine.Ban(f.member, r.ID, f.owner.UserID(), "", 0), ErrPermission)
}

func TestMuteBlocksSending(t *testing.T) {
	f := newFixture(t)
	r := f.newRoom(t)

	require.NoError(t, f.engine.Mute(f.owner, r.ID, f.member.UserID(), 10*time.Minute))
	_, err := f.engine.Send(f.member, r.ID, Post{Content: "merhaba"})
	assert.ErrorIs(t, err, ErrMuted)

	f.now = f.now.Add(11 * time.Minute)
	_, err = f.engine.Send(f.member, r.ID, Post{Content: "merhaba"})
	assert.NoError(t, err)

	require.NoError(t, f.engine.Mute(f.owner, r.ID, f.member.UserID(), 0))
	f.now = f.now.Add(1000 * time.Hour)
	_, err = f.engine.Send(f.member, r.ID, Post{Content: "hala sessiz"})
	assert.ErrorIs(t, err, ErrMuted)

	require.NoError(t, f.engine.Unmute(f.owner, r.ID, f.member.UserID()))
	_, err = f.engine.Send(f.member, r.ID, Post{Content: "geri geldim"})
	assert.NoError(t, err)
}

func TestInviteLifecycle(t *testing.T) {
	f := newFixture(t)
	r := f.newRoom(t)
	joiner, err := identity.Generate("Joiner")
	require.NoError(t, err)

	inv, err := f.engine.CreateInvite(f.owner, r.ID, 1, time.Hour)
	require.NoError(t, err)

	got, err := f.engine.RedeemInvite(joiner, r.ID, inv.Code)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	require.Len(t, f.engine.Members(r.ID), 3)

	// The single use is spent; the next redeemer is rejected without
	// being added.
	late, err := identity.Generate("Late")
	require.NoError(t, err)
	_, err = f.engine.RedeemInvite(late, r.ID, inv.Code)
	assert.ErrorIs(t, err, ErrInviteExhausted)
	require.Len(t, f.engine.Members(r.ID), 3)
}

func TestInviteExpiry(t *testing.T) {
	f := newFixture(t)
	r := f.newRoom(t)
	joiner, err := identity.Generate("Joiner")
	require.NoError(t, err)

	inv, err := f.engine.CreateInvite(f.owner, r.ID, 0, time.Minute)
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Minute)
	_, err = f.engine.RedeemInvite(joiner, r.ID, inv.Code)
	assert.ErrorIs(t, err, ErrInviteExpired)

	_, err = f.engine.RedeemInvite(joiner, r.ID, "no-such-code")
	assert.ErrorIs(t, err, ErrInviteNotFound)
}

func TestSendEditDelete(t *testing.T) {
	f := newFixture(t)
	r := f.newRoom(t)

	msg, err := f.engine.Send(f.member, r.ID, Post{Content: "merhaba"})
	require.NoError(t, err)
	assert.Contains(t, msg.ID, "msg_")

	assert.ErrorIs(t, f.engine.Edit(f.owner, r.ID, msg.ID, "hijack"), ErrPermission)
	require.NoError(t, f.engine.Edit(f.member, r.ID, msg.ID, "selam"))

	got, err := f.engine.Message(r.ID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "selam", got.Content)
	assert.NotZero(t, got.EditedAt)

	// Admins can delete anyone's message; the slot survives as a
	// tombstone with empty content.
	require.NoError(t, f.engine.DeleteMessage(f.owner, r.ID, msg.ID))
	got, err = f.engine.Message(r.ID, msg.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Empty(t, got.Content)

	assert.Error(t, f.engine.Edit(f.member, r.ID, msg.ID, "too late"))
}

func TestSendRequiresMembership(t *testing.T) {
	f := newFixture(t)
	r := f.newRoom(t)
	outsider, err := identity.Generate("Outsider")
	require.NoError(t, err)

	_, err = f.engine.Send(outsider, r.ID, Post{Content: "merhaba"})
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestReadOnlyRoom(t *testing.T) {
	f := newFixture(t)
	r := f.newRoom(t)

	readOnly := true
	require.NoError(t, f.engine.UpdateSettings(f.owner, r.ID, Settings{ReadOnly: &readOnly}))

	_, err := f.engine.Send(f.member, r.ID, Post{Content: "merhaba"})
	assert.ErrorIs(t, err, ErrPermission)
	_, err = f.engine.Send(f.owner, r.ID, Post{Content: "duyuru"})
	assert.NoError(t, err)
}

func TestReactionsAndReadReceipts(t *testing.T) {
	f := newFixture(t)
	r := f.newRoom(t)

	msg, err := f.engine.Send(f.owner, r.ID, Post{Content: "merhaba"})
	require.NoError(t, err)

	require.NoError(t, f.engine.React(f.member, r.ID, msg.ID, "👍"))
	require.NoError(t, f.engine.React(f.member, r.ID, msg.ID, "❤️"))
	require.NoError(t, f.engine.MarkRead(f.member, r.ID, msg.ID))

	node := f.store.Get(messagePath(r.ID, msg.ID))
	reactions := message.ReactionsOf(node)
	require.Len(t, reactions, 1)
	assert.Equal(t, "❤️", reactions[0].Emoji)
	assert.Equal(t, []string{f.member.UserID()}, message.ReadBy(node))

	require.NoError(t, f.engine.RemoveReaction(f.member, r.ID, msg.ID))
	assert.Empty(t, message.ReactionsOf(f.store.Get(messagePath(r.ID, msg.ID))))
}

func TestPins(t *testing.T) {
	f := newFixture(t)
	r := f.newRoom(t)

	msg, err := f.engine.Send(f.owner, r.ID, Post{Content: "kurallar"})
	require.NoError(t, err)

	assert.ErrorIs(t, f.engine.Pin(f.member, r.ID, msg.ID), ErrPermission)
	require.NoError(t, f.engine.Pin(f.owner, r.ID, msg.ID))
	assert.Equal(t, []string{msg.ID}, f.engine.Pins(r.ID))

	require.NoError(t, f.engine.Unpin(f.owner, r.ID, msg.ID))
	assert.Empty(t, f.engine.Pins(r.ID))
}

func TestMessagesSorted(t *testing.T) {
	f := newFixture(t)
	r := f.newRoom(t)

	var want []string
	for _, content := range []string{"bir", "iki", "üç"} {
		msg, err := f.engine.Send(f.owner, r.ID, Post{Content: content})
		require.NoError(t, err)
		want = append(want, msg.ID)
		f.now = f.now.Add(time.Second)
	}

	got := f.engine.Messages(r.ID)
	require.Len(t, got, 3)
	for i, msg := range got {
		assert.Equal(t, want[i], msg.ID)
	}
}

func TestSubscribeMessages(t *testing.T) {
	f := newFixture(t)
	r := f.newRoom(t)

	received := make(chan message.Message, 4)
	sub := f.engine.SubscribeMessages(r.ID, func(m message.Message) {
		received <- m
	})
	defer sub.Unsubscribe()

	sent, err := f.engine.Send(f.owner, r.ID, Post{Content: "merhaba"})
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, sent.ID, got.ID)
		assert.Equal(t, "merhaba", got.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for room message")
	}
}
