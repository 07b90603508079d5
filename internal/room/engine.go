package room

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AyazTomac-dev/atacord/internal/graph"
	"github.com/AyazTomac-dev/atacord/internal/identity"
	"github.com/AyazTomac-dev/atacord/internal/message"
)

// Engine runs room lifecycle, membership, moderation, and messaging on
// top of the replicated graph. It holds no room state of its own; the
// graph is the source of truth on every call, so concurrent updates
// from remote peers are picked up as soon as they merge.
type Engine struct {
	log   *zap.Logger
	store *graph.Store
	nowFn func() time.Time
}

// EngineConfig wires dependencies for an Engine.
type EngineConfig struct {
	Log   *zap.Logger
	Store *graph.Store
	// Now overrides the wall clock in tests.
	Now func() time.Time
}

// NewEngine constructs an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("graph store is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{log: cfg.Log, store: cfg.Store, nowFn: cfg.Now}, nil
}

func (e *Engine) nowMillis() int64 {
	return e.nowFn().UnixMilli()
}

func putNode(store *graph.Store, path string, node graph.Node) {
	for field, value := range node {
		store.Put(path, field, value)
	}
}

func (e *Engine) deleteNode(path string, node graph.Node) {
	for field := range node {
		e.store.Delete(path, field)
	}
}

// CreateParams describes a new room.
type CreateParams struct {
	Name        string
	Description string
	Type        RoomType
	Tags        []string
}

// Create makes a new room with the creator as its admin.
func (e *Engine) Create(creator identity.Identity, p CreateParams) (Room, error) {
	if p.Name == "" {
		return Room{}, fmt.Errorf("room name is required: %w", ErrInvalidRoom)
	}
	switch p.Type {
	case "":
		p.Type = TypePublic
	case TypePublic, TypePrivate, TypeDirect:
	default:
		return Room{}, fmt.Errorf("unknown room type %q: %w", p.Type, ErrInvalidRoom)
	}
	r := Room{
		ID:          uuid.NewString(),
		Name:        p.Name,
		Description: p.Description,
		Type:        p.Type,
		CreatedBy:   creator.UserID(),
		CreatedAt:   e.nowMillis(),
		Tags:        p.Tags,
	}
	putNode(e.store, roomPath(r.ID), r.toNode())
	e.writeMember(r.ID, Member{
		UserKey:     creator.UserID(),
		DisplayName: creator.DisplayName,
		Role:        RoleAdmin,
		JoinedAt:    r.CreatedAt,
	})
	e.log.Info("room created",
		zap.String("room", r.ID),
		zap.String("name", p.Name),
		zap.String("type", string(p.Type)),
		zap.String("creator", creator.UserID()))
	return r, nil
}

// Get loads a room's current metadata.
func (e *Engine) Get(roomID string) (Room, error) {
	return roomFromNode(e.store.Get(roomPath(roomID)))
}

// Settings carries optional room metadata updates. Nil fields are left
// untouched.
type Settings struct {
	Name        *string
	Description *string
	ReadOnly    *bool
	MaxMembers  *int
	Tags        []string
}

// UpdateSettings applies metadata changes. Moderator role required.
func (e *Engine) UpdateSettings(actor identity.Identity, roomID string, s Settings) error {
	if err := e.requireRole(roomID, actor.UserID(), RoleModerator); err != nil {
		return err
	}
	path := roomPath(roomID)
	if s.Name != nil {
		if *s.Name == "" {
			return fmt.Errorf("room name is required: %w", ErrInvalidRoom)
		}
		e.store.Put(path, "name", *s.Name)
	}
	if s.Description != nil {
		e.store.Put(path, "description", *s.Description)
	}
	if s.ReadOnly != nil {
		e.store.Put(path, "readOnly", strconv.FormatBool(*s.ReadOnly))
	}
	if s.MaxMembers != nil {
		e.store.Put(path, "maxMembers", strconv.Itoa(*s.MaxMembers))
	}
	if s.Tags != nil {
		e.store.Put(path, "tags", Room{Tags: s.Tags}.toNode()["tags"])
	}
	return nil
}

func (e *Engine) writeMember(roomID string, m Member) {
	putNode(e.store, memberPath(roomID, m.UserKey), graph.Node{
		"displayName": m.DisplayName,
		"role":        string(m.Role),
		"joinedAt":    strconv.FormatInt(m.JoinedAt, 10),
		"lastSeen":    strconv.FormatInt(m.JoinedAt, 10),
	})
}

// Join adds the user to a public room. Private rooms admit through
// RedeemInvite only. Joining twice is a no-op that keeps the original
// role and join time, so the member count always equals the set
// cardinality.
func (e *Engine) Join(user identity.Identity, roomID string) error {
	r, err := e.Get(roomID)
	if err != nil {
		return err
	}
	if r.Type == TypePrivate {
		return fmt.Errorf("private room requires an invite: %w", ErrPermission)
	}
	return e.join(user, r)
}

func (e *Engine) join(user identity.Identity, r Room) error {
	if e.IsBanned(r.ID, user.UserID()) {
		return ErrBanned
	}
	if _, ok := e.member(r.ID, user.UserID()); ok {
		return nil
	}
	if r.MaxMembers > 0 && len(e.Members(r.ID)) >= r.MaxMembers {
		return fmt.Errorf("room is full: %w", ErrInvalidRoom)
	}
	e.writeMember(r.ID, Member{
		UserKey:     user.UserID(),
		DisplayName: user.DisplayName,
		Role:        RoleMember,
		JoinedAt:    e.nowMillis(),
	})
	return nil
}

// Leave removes the caller's own membership. Leaving a room the user
// is not in is a no-op.
func (e *Engine) Leave(user identity.Identity, roomID string) error {
	if _, err := e.Get(roomID); err != nil {
		return err
	}
	e.removeMember(roomID, user.UserID())
	return nil
}

// Kick forcibly removes a member. Moderator role required, and the
// target must not outrank the actor. Kicking a non-member is a no-op.
func (e *Engine) Kick(actor identity.Identity, roomID, targetKey string) error {
	actorMember, err := e.requireMember(roomID, actor.UserID())
	if err != nil {
		return err
	}
	if !actorMember.Role.AtLeast(RoleModerator) {
		return ErrPermission
	}
	target, ok := e.member(roomID, targetKey)
	if !ok {
		return nil
	}
	if target.Role.AtLeast(actorMember.Role) {
		return ErrPermission
	}
	e.removeMember(roomID, targetKey)
	e.log.Info("member kicked",
		zap.String("room", roomID),
		zap.String("target", targetKey),
		zap.String("by", actor.UserID()))
	return nil
}

func (e *Engine) removeMember(roomID, userKey string) {
	path := memberPath(roomID, userKey)
	for _, field := range []string{"displayName", "role", "joinedAt", "lastSeen"} {
		e.store.Delete(path, field)
	}
}

// SetRole changes a member's role. Only admins assign roles, and the
// admin role itself is not hand-outable here.
func (e *Engine) SetRole(actor identity.Identity, roomID, targetKey string, role Role) error {
	if role != RoleModerator && role != RoleMember {
		return fmt.Errorf("role %q not assignable: %w", role, ErrPermission)
	}
	if err := e.requireRole(roomID, actor.UserID(), RoleAdmin); err != nil {
		return err
	}
	target, ok := e.member(roomID, targetKey)
	if !ok {
		return ErrNotMember
	}
	if target.Role == RoleAdmin {
		return ErrPermission
	}
	e.store.Put(memberPath(roomID, targetKey), "role", string(role))
	return nil
}

func (e *Engine) member(roomID, userKey string) (Member, bool) {
	node := e.store.Get(memberPath(roomID, userKey))
	if node == nil || node["joinedAt"] == "" {
		return Member{}, false
	}
	return memberFromNode(userKey, node), true
}

func (e *Engine) requireMember(roomID, userKey string) (Member, error) {
	if _, err := e.Get(roomID); err != nil {
		return Member{}, err
	}
	m, ok := e.member(roomID, userKey)
	if !ok {
		return Member{}, ErrNotMember
	}
	return m, nil
}

func (e *Engine) requireRole(roomID, userKey string, role Role) error {
	m, err := e.requireMember(roomID, userKey)
	if err != nil {
		return err
	}
	if !m.Role.AtLeast(role) {
		return ErrPermission
	}
	return nil
}

// Members lists current members sorted by user key.
func (e *Engine) Members(roomID string) []Member {
	prefix := graph.JoinPath(roomPath(roomID), "members")
	var out []Member
	for _, path := range e.store.Children(prefix) {
		node := e.store.Get(path)
		if node == nil || node["joinedAt"] == "" {
			continue
		}
		out = append(out, memberFromNode(graph.LastSegment(path), node))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserKey < out[j].UserKey })
	return out
}

// Ban bars a user from the room and removes their membership.
// Moderator role required. A zero duration makes the ban permanent.
func (e *Engine) Ban(actor identity.Identity, roomID, targetKey, reason string, duration time.Duration) error {
	actorMember, err := e.requireMember(roomID, actor.UserID())
	if err != nil {
		return err
	}
	if !actorMember.Role.AtLeast(RoleModerator) {
		return ErrPermission
	}
	if target, ok := e.member(roomID, targetKey); ok && target.Role.AtLeast(actorMember.Role) {
		return ErrPermission
	}
	b := Ban{
		Target:   targetKey,
		By:       actor.UserID(),
		Reason:   reason,
		IssuedAt: e.nowMillis(),
	}
	if duration > 0 {
		b.ExpiresAt = b.IssuedAt + duration.Milliseconds()
	}
	node, err := banToNode(roomID, b, actor)
	if err != nil {
		return fmt.Errorf("sign ban record: %w", err)
	}
	putNode(e.store, banPath(roomID, targetKey), node)
	e.removeMember(roomID, targetKey)
	e.log.Info("member banned",
		zap.String("room", roomID),
		zap.String("target", targetKey),
		zap.String("by", actor.UserID()),
		zap.Duration("duration", duration))
	return nil
}

// Unban lifts a ban. Moderator role required.
func (e *Engine) Unban(actor identity.Identity, roomID, targetKey string) error {
	if err := e.requireRole(roomID, actor.UserID(), RoleModerator); err != nil {
		return err
	}
	if node := e.store.Get(banPath(roomID, targetKey)); node != nil {
		e.deleteNode(banPath(roomID, targetKey), node)
	}
	return nil
}

// moderationAuthority reports whether the key currently holds moderator
// rank or better in the room, or created the room. A signature alone
// does not make a record binding: any peer can sign with its own key,
// so readers also check that the issuer is entitled to moderate.
func (e *Engine) moderationAuthority(roomID, userKey string) bool {
	if m, ok := e.member(roomID, userKey); ok && m.Role.AtLeast(RoleModerator) {
		return true
	}
	r, err := e.Get(roomID)
	return err == nil && r.CreatedBy == userKey
}

// IsBanned reports whether an active ban exists for the user, signed by
// an identity that holds moderation authority in the room. Expiry is
// evaluated lazily against the current clock; nothing sweeps expired
// records.
func (e *Engine) IsBanned(roomID, userKey string) bool {
	b, ok := e.BanRecord(roomID, userKey)
	return ok && restrictionActive(b.ExpiresAt, e.nowMillis())
}

// BanRecord returns the stored ban for a user if its signature verifies
// and its issuer holds moderation authority.
func (e *Engine) BanRecord(roomID, userKey string) (Ban, bool) {
	b, ok := banFromNode(roomID, userKey, e.store.Get(banPath(roomID, userKey)))
	if !ok || !e.moderationAuthority(roomID, b.By) {
		return Ban{}, false
	}
	return b, true
}

// Mute blocks a user from sending without removing membership.
// Moderator role required. A zero duration makes the mute permanent.
func (e *Engine) Mute(actor identity.Identity, roomID, targetKey string, duration time.Duration) error {
	actorMember, err := e.requireMember(roomID, actor.UserID())
	if err != nil {
		return err
	}
	if !actorMember.Role.AtLeast(RoleModerator) {
		return ErrPermission
	}
	if target, ok := e.member(roomID, targetKey); ok && target.Role.AtLeast(actorMember.Role) {
		return ErrPermission
	}
	m := Mute{
		Target:   targetKey,
		By:       actor.UserID(),
		IssuedAt: e.nowMillis(),
	}
	if duration > 0 {
		m.ExpiresAt = m.IssuedAt + duration.Milliseconds()
	}
	node, err := muteToNode(roomID, m, actor)
	if err != nil {
		return fmt.Errorf("sign mute record: %w", err)
	}
	putNode(e.store, mutePath(roomID, targetKey), node)
	return nil
}

// Unmute lifts a mute. Moderator role required.
func (e *Engine) Unmute(actor identity.Identity, roomID, targetKey string) error {
	if err := e.requireRole(roomID, actor.UserID(), RoleModerator); err != nil {
		return err
	}
	if node := e.store.Get(mutePath(roomID, targetKey)); node != nil {
		e.deleteNode(mutePath(roomID, targetKey), node)
	}
	return nil
}

// IsMuted reports whether an active mute exists for the user, signed by
// an identity that holds moderation authority in the room.
func (e *Engine) IsMuted(roomID, userKey string) bool {
	m, ok := muteFromNode(roomID, userKey, e.store.Get(mutePath(roomID, userKey)))
	return ok && e.moderationAuthority(roomID, m.By) && restrictionActive(m.ExpiresAt, e.nowMillis())
}

// CreateInvite issues a join code. Moderator role required. MaxUses of
// zero means unlimited; a zero ttl means the code never expires.
func (e *Engine) CreateInvite(actor identity.Identity, roomID string, maxUses int, ttl time.Duration) (Invite, error) {
	if err := e.requireRole(roomID, actor.UserID(), RoleModerator); err != nil {
		return Invite{}, err
	}
	inv := Invite{
		Code:      uuid.NewString(),
		RoomID:    roomID,
		CreatedBy: actor.UserID(),
		CreatedAt: e.nowMillis(),
		MaxUses:   maxUses,
	}
	if ttl > 0 {
		inv.ExpiresAt = inv.CreatedAt + ttl.Milliseconds()
	}
	node := graph.Node{
		"roomId":    inv.RoomID,
		"createdBy": inv.CreatedBy,
		"createdAt": strconv.FormatInt(inv.CreatedAt, 10),
		"uses":      "0",
	}
	if inv.MaxUses > 0 {
		node["maxUses"] = strconv.Itoa(inv.MaxUses)
	}
	if inv.ExpiresAt > 0 {
		node["expiresAt"] = strconv.FormatInt(inv.ExpiresAt, 10)
	}
	putNode(e.store, invitePath(roomID, inv.Code), node)
	return inv, nil
}

// RedeemInvite joins the user through a code. Expired codes fail with
// ErrInviteExpired; fully used codes with ErrInviteExhausted, before
// any membership change.
func (e *Engine) RedeemInvite(user identity.Identity, roomID, code string) (Room, error) {
	inv, err := inviteFromNode(code, e.store.Get(invitePath(roomID, code)))
	if err != nil {
		return Room{}, err
	}
	if inv.ExpiresAt > 0 && inv.ExpiresAt <= e.nowMillis() {
		return Room{}, ErrInviteExpired
	}
	if inv.MaxUses > 0 && inv.Uses >= inv.MaxUses {
		return Room{}, ErrInviteExhausted
	}
	r, err := e.Get(roomID)
	if err != nil {
		return Room{}, err
	}
	if err := e.join(user, r); err != nil {
		return Room{}, err
	}
	e.store.Put(invitePath(roomID, code), "uses", strconv.Itoa(inv.Uses+1))
	return r, nil
}

// Post is the sendable part of a room message.
type Post struct {
	Content string
	Type    message.Type
	ReplyTo string
}

// Send validates and stores a message in the room timeline. The sender
// must be an unmuted, unbanned member; read-only rooms accept posts
// from moderators only.
func (e *Engine) Send(sender identity.Identity, roomID string, post Post) (message.Message, error) {
	m, err := e.requireMember(roomID, sender.UserID())
	if err != nil {
		return message.Message{}, err
	}
	if e.IsBanned(roomID, sender.UserID()) {
		return message.Message{}, ErrBanned
	}
	if e.IsMuted(roomID, sender.UserID()) {
		return message.Message{}, ErrMuted
	}
	r, err := e.Get(roomID)
	if err != nil {
		return message.Message{}, err
	}
	if r.ReadOnly && !m.Role.AtLeast(RoleModerator) {
		return message.Message{}, ErrPermission
	}
	if post.Type == "" {
		post.Type = message.TypeText
	}
	now := e.nowFn()
	msg := message.Message{
		ID:        message.NewID("msg", now),
		SenderKey: sender.UserID(),
		RoomID:    roomID,
		Content:   post.Content,
		Type:      post.Type,
		Timestamp: now.UnixMilli(),
		ReplyTo:   post.ReplyTo,
	}
	if err := msg.Validate(); err != nil {
		return message.Message{}, err
	}
	putNode(e.store, messagePath(roomID, msg.ID), msg.ToNode())
	e.store.Put(memberPath(roomID, sender.UserID()), "lastSeen", strconv.FormatInt(msg.Timestamp, 10))
	return msg, nil
}

// Edit replaces a message's content. Only the original sender edits,
// and the edit is stamped so readers can show it.
func (e *Engine) Edit(actor identity.Identity, roomID, messageID, content string) error {
	msg, err := e.Message(roomID, messageID)
	if err != nil {
		return err
	}
	if msg.SenderKey != actor.UserID() {
		return ErrPermission
	}
	if msg.Deleted {
		return fmt.Errorf("message is deleted: %w", message.ErrInvalidMessage)
	}
	if content == "" || len([]rune(content)) > message.MaxContentLen {
		return message.ErrInvalidMessage
	}
	path := messagePath(roomID, messageID)
	e.store.Put(path, "content", content)
	e.store.Put(path, "editedAt", strconv.FormatInt(e.nowMillis(), 10))
	return nil
}

// DeleteMessage soft-deletes a message, clearing its content but
// keeping the timeline slot. The sender may delete their own messages;
// moderators may delete anyone's.
func (e *Engine) DeleteMessage(actor identity.Identity, roomID, messageID string) error {
	msg, err := e.Message(roomID, messageID)
	if err != nil {
		return err
	}
	if msg.SenderKey != actor.UserID() {
		if err := e.requireRole(roomID, actor.UserID(), RoleModerator); err != nil {
			return err
		}
	}
	path := messagePath(roomID, messageID)
	e.store.Put(path, "deleted", "true")
	e.store.Put(path, "content", "")
	return nil
}

// React sets the actor's emoji on a message. Each member holds one
// reaction slot per message; reacting again replaces it.
func (e *Engine) React(actor identity.Identity, roomID, messageID, emoji string) error {
	if _, err := e.requireMember(roomID, actor.UserID()); err != nil {
		return err
	}
	if _, err := e.Message(roomID, messageID); err != nil {
		return err
	}
	e.store.Put(messagePath(roomID, messageID), message.ReactionField(actor.UserID()), emoji)
	return nil
}

// RemoveReaction clears the actor's reaction slot.
func (e *Engine) RemoveReaction(actor identity.Identity, roomID, messageID string) error {
	e.store.Delete(messagePath(roomID, messageID), message.ReactionField(actor.UserID()))
	return nil
}

// MarkRead records a read receipt for the actor on a message.
func (e *Engine) MarkRead(actor identity.Identity, roomID, messageID string) error {
	if _, err := e.requireMember(roomID, actor.UserID()); err != nil {
		return err
	}
	e.store.Put(messagePath(roomID, messageID), message.ReadField(actor.UserID()), strconv.FormatInt(e.nowMillis(), 10))
	return nil
}

// Pin marks a message as pinned. Moderator role required.
func (e *Engine) Pin(actor identity.Identity, roomID, messageID string) error {
	if err := e.requireRole(roomID, actor.UserID(), RoleModerator); err != nil {
		return err
	}
	if _, err := e.Message(roomID, messageID); err != nil {
		return err
	}
	putNode(e.store, pinPath(roomID, messageID), graph.Node{
		"pinnedBy": actor.UserID(),
		"pinnedAt": strconv.FormatInt(e.nowMillis(), 10),
	})
	return nil
}

// Unpin removes a pin. Moderator role required.
func (e *Engine) Unpin(actor identity.Identity, roomID, messageID string) error {
	if err := e.requireRole(roomID, actor.UserID(), RoleModerator); err != nil {
		return err
	}
	if node := e.store.Get(pinPath(roomID, messageID)); node != nil {
		e.deleteNode(pinPath(roomID, messageID), node)
	}
	return nil
}

// Pins lists pinned message ids sorted ascending.
func (e *Engine) Pins(roomID string) []string {
	prefix := graph.JoinPath(roomPath(roomID), "pins")
	var out []string
	for _, path := range e.store.Children(prefix) {
		if node := e.store.Get(path); node != nil && node["pinnedBy"] != "" {
			out = append(out, graph.LastSegment(path))
		}
	}
	sort.Strings(out)
	return out
}

// Message loads one message by id.
func (e *Engine) Message(roomID, messageID string) (message.Message, error) {
	node := e.store.Get(messagePath(roomID, messageID))
	if node == nil {
		return message.Message{}, fmt.Errorf("message %s not found: %w", messageID, message.ErrInvalidMessage)
	}
	return message.FromNode(node)
}

// Messages loads the room timeline ordered by timestamp ascending with
// ids breaking ties.
func (e *Engine) Messages(roomID string) []message.Message {
	prefix := graph.JoinPath(roomPath(roomID), "messages")
	var out []message.Message
	for _, path := range e.store.Children(prefix) {
		node := e.store.Get(path)
		if node == nil {
			continue
		}
		msg, err := message.FromNode(node)
		if err != nil {
			e.log.Debug("skipping malformed room message", zap.String("path", path), zap.Error(err))
			continue
		}
		out = append(out, msg)
	}
	message.Sort(out)
	return out
}

// SubscribeMessages observes the room timeline. The callback fires for
// every message node change, edits and reactions included. The
// returned subscription is owned by the caller.
func (e *Engine) SubscribeMessages(roomID string, fn func(message.Message)) *graph.Subscription {
	prefix := graph.JoinPath(roomPath(roomID), "messages")
	return e.store.SubscribeChildren(prefix, func(path string, node graph.Node) {
		msg, err := message.FromNode(node)
		if err != nil {
			e.log.Debug("skipping malformed room message", zap.String("path", path), zap.Error(err))
			return
		}
		fn(msg)
	})
}
