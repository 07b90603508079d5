package dm

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/AyazTomac-dev/atacord/internal/crypto/sealbox"
	"github.com/AyazTomac-dev/atacord/internal/graph"
	"github.com/AyazTomac-dev/atacord/internal/identity"
	"github.com/AyazTomac-dev/atacord/internal/message"
)

const (
	signatureField = "sig"
	// senderCopyField holds the same plaintext sealed to the sender's
	// own encryption key, so the sender can read back the conversation.
	senderCopyField = "senderCopy"
)

// Channel sends and receives end-to-end encrypted direct messages
// through the replicated graph. Content is sealed to the recipient's
// encryption key before it touches the store, so relays only ever see
// ciphertext.
type Channel struct {
	log   *zap.Logger
	store *graph.Store
	nowFn func() time.Time
}

// ChannelConfig wires dependencies for a Channel.
type ChannelConfig struct {
	Log   *zap.Logger
	Store *graph.Store
	// Now overrides the wall clock in tests.
	Now func() time.Time
}

// NewChannel constructs a Channel.
func NewChannel(cfg ChannelConfig) (*Channel, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("graph store is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Channel{log: cfg.Log, store: cfg.Store, nowFn: cfg.Now}, nil
}

// ConversationPath derives the shared graph path for a participant
// pair. The keys are sorted so both ends resolve to the same path no
// matter who initiated the conversation.
func ConversationPath(userKeyA, userKeyB string) string {
	pair := []string{userKeyA, userKeyB}
	sort.Strings(pair)
	return graph.JoinPath("dm", strings.Join(pair, "_"))
}

// Send seals plaintext to the recipient's encryption key and writes the
// message under the conversation path. The ciphertext is signed with
// the sender's signing key for authenticity.
func (c *Channel) Send(sender identity.Identity, recipientKey string, recipientEncryptionPublic []byte, plaintext string) (message.Message, error) {
	if err := identity.ValidatePublicKey(recipientKey); err != nil {
		return message.Message{}, err
	}
	if len([]rune(plaintext)) > message.MaxContentLen {
		return message.Message{}, fmt.Errorf("plaintext exceeds %d characters: %w", message.MaxContentLen, message.ErrInvalidMessage)
	}

	ciphertext, err := sealbox.Seal([]byte(plaintext), recipientEncryptionPublic)
	if err != nil {
		return message.Message{}, fmt.Errorf("seal direct message: %w", err)
	}
	senderCopy, err := sealbox.Seal([]byte(plaintext), sender.EncryptionPublic)
	if err != nil {
		return message.Message{}, fmt.Errorf("seal sender copy: %w", err)
	}

	now := c.nowFn()
	msg := message.Message{
		ID:        message.NewID("dm", now),
		SenderKey: sender.UserID(),
		Recipient: recipientKey,
		Content:   ciphertext,
		Type:      message.TypeText,
		Encrypted: true,
		Timestamp: now.UnixMilli(),
	}

	sig, err := sender.Sign([]byte(ciphertext))
	if err != nil {
		return message.Message{}, fmt.Errorf("sign direct message: %w", err)
	}

	path := graph.JoinPath(ConversationPath(sender.UserID(), recipientKey), msg.ID)
	for field, value := range msg.ToNode() {
		c.store.Put(path, field, value)
	}
	c.store.Put(path, signatureField, base64.RawURLEncoding.EncodeToString(sig))
	c.store.Put(path, senderCopyField, senderCopy)

	return msg, nil
}

// Handler observes decrypted direct messages.
type Handler func(message.Message)

// ErrorHandler observes per-message failures. A failing message never
// tears down the subscription; later messages still flow.
type ErrorHandler func(messagePath string, err error)

// Receive subscribes to the conversation with the given peer and
// decrypts each incoming message with the own private encryption key.
// The returned subscription is owned by the caller.
func (c *Channel) Receive(own identity.Identity, peerKey string, handler Handler, onError ErrorHandler) *graph.Subscription {
	if onError == nil {
		onError = func(string, error) {}
	}
	conversation := ConversationPath(own.UserID(), peerKey)

	return c.store.SubscribeChildren(conversation, func(path string, node graph.Node) {
		msg, err := c.open(own, node)
		if err != nil {
			c.log.Warn("direct message dropped",
				zap.String("path", path),
				zap.Error(err))
			onError(path, err)
			return
		}
		handler(msg)
	})
}

// Messages loads and decrypts the conversation snapshot with the given
// peer, ordered by timestamp ascending with ids breaking ties.
// Undecryptable messages are skipped, not fatal.
func (c *Channel) Messages(own identity.Identity, peerKey string) []message.Message {
	conversation := ConversationPath(own.UserID(), peerKey)

	var out []message.Message
	for _, path := range c.store.Children(conversation) {
		node := c.store.Get(path)
		if node == nil {
			continue
		}
		msg, err := c.open(own, node)
		if err != nil {
			c.log.Debug("skipping undecryptable message", zap.String("path", path), zap.Error(err))
			continue
		}
		out = append(out, msg)
	}
	message.Sort(out)
	return out
}

// open parses, authenticates, and decrypts one message node. The
// returned message carries the plaintext while Encrypted stays true to
// reflect the wire state.
func (c *Channel) open(own identity.Identity, node graph.Node) (message.Message, error) {
	msg, err := message.FromNode(node)
	if err != nil {
		return message.Message{}, err
	}
	if !msg.Encrypted {
		return message.Message{}, fmt.Errorf("direct message is not encrypted: %w", message.ErrInvalidMessage)
	}

	if sigRaw := node[signatureField]; sigRaw != "" {
		sig, err := base64.RawURLEncoding.DecodeString(sigRaw)
		if err != nil || !identity.Verify([]byte(msg.Content), sig, msg.SenderKey) {
			return message.Message{}, fmt.Errorf("direct message signature invalid: %w", message.ErrInvalidMessage)
		}
	}

	// Content is sealed to the recipient; the sender reads back through
	// the copy sealed to their own key.
	sealed := msg.Content
	if msg.SenderKey == own.UserID() {
		if copyRaw := node[senderCopyField]; copyRaw != "" {
			sealed = copyRaw
		}
	}

	plaintext, err := sealbox.Open(sealed, own.EncryptionPrivate)
	if err != nil {
		return message.Message{}, err
	}
	msg.Content = string(plaintext)
	return msg, nil
}
