package message

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/AyazTomac-dev/atacord/internal/graph"
)

// Type classifies message content.
type Type string

const (
	TypeText   Type = "text"
	TypeImage  Type = "image"
	TypeFile   Type = "file"
	TypeSystem Type = "system"
)

// MaxContentLen caps message content, ciphertext included, at the same
// limit the original service enforced.
const MaxContentLen = 2000

var ErrInvalidMessage = errors.New("invalid message")

// Message is the wire record stored under a message path in the graph.
// Content carries ciphertext when Encrypted is set. Reactions and read
// receipts live in their own fields on the same node so concurrent
// appends from different members never conflict with the body.
type Message struct {
	ID        string
	SenderKey string
	Recipient string
	RoomID    string
	Content   string
	Type      Type
	Encrypted bool
	Timestamp int64
	EditedAt  int64
	Deleted   bool
	ReplyTo   string
}

// NewID builds a timestamp-prefixed id with a random suffix, e.g.
// dm_1712108700123_h3k9x2m1q. The timestamp prefix keeps ids sortable
// and the suffix makes ties a stable total order.
func NewID(prefix string, now time.Time) string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		binary.BigEndian.PutUint64(buf[:], uint64(now.UnixNano()))
	}
	suffix := strconv.FormatUint(binary.BigEndian.Uint64(buf[:]), 36)
	if len(suffix) > 9 {
		suffix = suffix[:9]
	}
	return fmt.Sprintf("%s_%d_%s", prefix, now.UnixMilli(), suffix)
}

// Validate checks the fields every message must carry.
func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message id is required: %w", ErrInvalidMessage)
	}
	if m.SenderKey == "" {
		return fmt.Errorf("sender key is required: %w", ErrInvalidMessage)
	}
	if m.Content == "" && m.Type == TypeText && !m.Deleted {
		return fmt.Errorf("message content is required: %w", ErrInvalidMessage)
	}
	if !m.Encrypted && len([]rune(m.Content)) > MaxContentLen {
		// Encrypted content is ciphertext; its plaintext length was
		// checked before sealing.
		return fmt.Errorf("message content exceeds %d characters: %w", MaxContentLen, ErrInvalidMessage)
	}
	switch m.Type {
	case TypeText, TypeImage, TypeFile, TypeSystem:
	default:
		return fmt.Errorf("unknown message type %q: %w", m.Type, ErrInvalidMessage)
	}
	return nil
}

// ToNode renders the message as graph node fields.
func (m Message) ToNode() graph.Node {
	node := graph.Node{
		"id":        m.ID,
		"sender":    m.SenderKey,
		"content":   m.Content,
		"type":      string(m.Type),
		"encrypted": strconv.FormatBool(m.Encrypted),
		"timestamp": strconv.FormatInt(m.Timestamp, 10),
	}
	if m.Recipient != "" {
		node["recipient"] = m.Recipient
	}
	if m.RoomID != "" {
		node["roomId"] = m.RoomID
	}
	if m.EditedAt != 0 {
		node["editedAt"] = strconv.FormatInt(m.EditedAt, 10)
	}
	if m.Deleted {
		node["deleted"] = "true"
	}
	if m.ReplyTo != "" {
		node["replyTo"] = m.ReplyTo
	}
	return node
}

// FromNode parses a message out of graph node fields.
func FromNode(node graph.Node) (Message, error) {
	if node == nil {
		return Message{}, fmt.Errorf("empty message node: %w", ErrInvalidMessage)
	}
	ts, err := strconv.ParseInt(node["timestamp"], 10, 64)
	if err != nil {
		return Message{}, fmt.Errorf("bad message timestamp %q: %w", node["timestamp"], ErrInvalidMessage)
	}
	m := Message{
		ID:        node["id"],
		SenderKey: node["sender"],
		Recipient: node["recipient"],
		RoomID:    node["roomId"],
		Content:   node["content"],
		Type:      Type(node["type"]),
		Encrypted: node["encrypted"] == "true",
		Timestamp: ts,
		Deleted:   node["deleted"] == "true",
		ReplyTo:   node["replyTo"],
	}
	if raw := node["editedAt"]; raw != "" {
		if edited, err := strconv.ParseInt(raw, 10, 64); err == nil {
			m.EditedAt = edited
		}
	}
	if m.Type == "" {
		m.Type = TypeText
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Reaction is one member's emoji on a message.
type Reaction struct {
	UserKey string
	Emoji   string
}

const (
	reactionFieldPrefix = "react/"
	readFieldPrefix     = "read/"
)

// ReactionField names the node field carrying one user's reaction.
func ReactionField(userKey string) string {
	return reactionFieldPrefix + userKey
}

// ReadField names the node field carrying one user's read receipt.
func ReadField(userKey string) string {
	return readFieldPrefix + userKey
}

// ReactionsOf extracts reactions from a message node.
func ReactionsOf(node graph.Node) []Reaction {
	var out []Reaction
	for field, emoji := range node {
		if strings.HasPrefix(field, reactionFieldPrefix) {
			out = append(out, Reaction{
				UserKey: strings.TrimPrefix(field, reactionFieldPrefix),
				Emoji:   emoji,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserKey < out[j].UserKey })
	return out
}

// ReadBy extracts the keys of users who acknowledged a message node.
func ReadBy(node graph.Node) []string {
	var out []string
	for field := range node {
		if strings.HasPrefix(field, readFieldPrefix) {
			out = append(out, strings.TrimPrefix(field, readFieldPrefix))
		}
	}
	sort.Strings(out)
	return out
}

// Sort orders messages by timestamp ascending with the id breaking
// ties, a stable total order within one conversation.
func Sort(messages []Message) {
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].Timestamp != messages[j].Timestamp {
			return messages[i].Timestamp < messages[j].Timestamp
		}
		return messages[i].ID < messages[j].ID
	})
}
