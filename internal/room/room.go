package room

import (
	"errors"
	"strconv"
	"strings"

	"github.com/AyazTomac-dev/atacord/internal/graph"
)

// Role orders members by privilege. Admins outrank moderators,
// moderators outrank members. The room creator starts as admin.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

func (r Role) rank() int {
	switch r {
	case RoleAdmin:
		return 2
	case RoleModerator:
		return 1
	default:
		return 0
	}
}

// RoomType classifies how a room is entered. Public rooms are open,
// private rooms admit through invites, direct rooms pair exactly two
// users.
type RoomType string

const (
	TypePublic  RoomType = "public"
	TypePrivate RoomType = "private"
	TypeDirect  RoomType = "direct"
)

// AtLeast reports whether the role carries at least the other role's
// privilege.
func (r Role) AtLeast(other Role) bool {
	return r.rank() >= other.rank()
}

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrNotMember       = errors.New("not a room member")
	ErrPermission      = errors.New("insufficient role")
	ErrBanned          = errors.New("user is banned")
	ErrMuted           = errors.New("user is muted")
	ErrInviteNotFound  = errors.New("invite not found")
	ErrInviteExpired   = errors.New("invite expired")
	ErrInviteExhausted = errors.New("invite exhausted")
	ErrInvalidRoom     = errors.New("invalid room")
)

// Room is the mutable metadata of one chat room. All fields replicate
// through the graph and resolve last-writer-wins per field.
type Room struct {
	ID          string
	Name        string
	Description string
	Type        RoomType
	CreatedBy   string
	CreatedAt   int64
	Tags        []string
	ReadOnly    bool
	MaxMembers  int
}

// Member is one user's membership record inside a room.
type Member struct {
	UserKey     string
	DisplayName string
	Role        Role
	JoinedAt    int64
	LastSeen    int64
}

// Ban records a moderation action against a user. ExpiresAt of zero
// means permanent. Records are signed by the moderator and ignored by
// readers when the signature does not verify.
type Ban struct {
	Target    string
	By        string
	Reason    string
	IssuedAt  int64
	ExpiresAt int64
}

// Mute is a timed restriction on sending messages.
type Mute struct {
	Target    string
	By        string
	IssuedAt  int64
	ExpiresAt int64
}

// Invite is a redeemable join code. MaxUses of zero means unlimited.
type Invite struct {
	Code      string
	RoomID    string
	CreatedBy string
	CreatedAt int64
	ExpiresAt int64
	MaxUses   int
	Uses      int
}

func roomPath(roomID string) string {
	return graph.JoinPath("rooms", roomID)
}

func memberPath(roomID, userKey string) string {
	return graph.JoinPath(roomPath(roomID), "members", userKey)
}

func banPath(roomID, userKey string) string {
	return graph.JoinPath(roomPath(roomID), "bans", userKey)
}

func mutePath(roomID, userKey string) string {
	return graph.JoinPath(roomPath(roomID), "mutes", userKey)
}

func invitePath(roomID, code string) string {
	return graph.JoinPath(roomPath(roomID), "invites", code)
}

func messagePath(roomID, messageID string) string {
	return graph.JoinPath(roomPath(roomID), "messages", messageID)
}

func pinPath(roomID, messageID string) string {
	return graph.JoinPath(roomPath(roomID), "pins", messageID)
}

func (r Room) toNode() graph.Node {
	node := graph.Node{
		"id":        r.ID,
		"name":      r.Name,
		"type":      string(r.Type),
		"createdBy": r.CreatedBy,
		"createdAt": strconv.FormatInt(r.CreatedAt, 10),
	}
	if r.Description != "" {
		node["description"] = r.Description
	}
	if len(r.Tags) > 0 {
		node["tags"] = strings.Join(r.Tags, ",")
	}
	if r.ReadOnly {
		node["readOnly"] = "true"
	}
	if r.MaxMembers > 0 {
		node["maxMembers"] = strconv.Itoa(r.MaxMembers)
	}
	return node
}

func roomFromNode(node graph.Node) (Room, error) {
	if node == nil || node["id"] == "" || node["name"] == "" {
		return Room{}, ErrRoomNotFound
	}
	createdAt, _ := strconv.ParseInt(node["createdAt"], 10, 64)
	r := Room{
		ID:          node["id"],
		Name:        node["name"],
		Description: node["description"],
		Type:        RoomType(node["type"]),
		CreatedBy:   node["createdBy"],
		CreatedAt:   createdAt,
		ReadOnly:    node["readOnly"] == "true",
	}
	if r.Type == "" {
		r.Type = TypePublic
	}
	if raw := node["tags"]; raw != "" {
		r.Tags = strings.Split(raw, ",")
	}
	if raw := node["maxMembers"]; raw != "" {
		r.MaxMembers, _ = strconv.Atoi(raw)
	}
	return r, nil
}

func memberFromNode(userKey string, node graph.Node) Member {
	joinedAt, _ := strconv.ParseInt(node["joinedAt"], 10, 64)
	lastSeen, _ := strconv.ParseInt(node["lastSeen"], 10, 64)
	role := Role(node["role"])
	if role == "" {
		role = RoleMember
	}
	return Member{
		UserKey:     userKey,
		DisplayName: node["displayName"],
		Role:        role,
		JoinedAt:    joinedAt,
		LastSeen:    lastSeen,
	}
}

func inviteFromNode(code string, node graph.Node) (Invite, error) {
	if node == nil || node["roomId"] == "" {
		return Invite{}, ErrInviteNotFound
	}
	createdAt, _ := strconv.ParseInt(node["createdAt"], 10, 64)
	expiresAt, _ := strconv.ParseInt(node["expiresAt"], 10, 64)
	maxUses, _ := strconv.Atoi(node["maxUses"])
	uses, _ := strconv.Atoi(node["uses"])
	return Invite{
		Code:      code,
		RoomID:    node["roomId"],
		CreatedBy: node["createdBy"],
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
		MaxUses:   maxUses,
		Uses:      uses,
	}, nil
}
