package room

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/AyazTomac-dev/atacord/internal/graph"
	"github.com/AyazTomac-dev/atacord/internal/identity"
)

// Moderation records are forgeable by any peer that can write to the
// graph, so each one carries an Ed25519 signature from the moderator
// over a canonical payload. Readers drop records whose signature does
// not verify against the claimed moderator key, and the engine further
// requires the claimed moderator to hold moderation rank in the room
// before honoring a record.

const (
	banSignContext  = "atacord/room-ban/v1"
	muteSignContext = "atacord/room-mute/v1"
)

func banSignPayload(roomID string, b Ban) []byte {
	return []byte(strings.Join([]string{
		banSignContext,
		roomID,
		b.Target,
		b.By,
		strconv.FormatInt(b.IssuedAt, 10),
		strconv.FormatInt(b.ExpiresAt, 10),
	}, "|"))
}

func muteSignPayload(roomID string, m Mute) []byte {
	return []byte(strings.Join([]string{
		muteSignContext,
		roomID,
		m.Target,
		m.By,
		strconv.FormatInt(m.IssuedAt, 10),
		strconv.FormatInt(m.ExpiresAt, 10),
	}, "|"))
}

func banToNode(roomID string, b Ban, moderator identity.Identity) (graph.Node, error) {
	sig, err := moderator.Sign(banSignPayload(roomID, b))
	if err != nil {
		return nil, err
	}
	node := graph.Node{
		"target":   b.Target,
		"by":       b.By,
		"issuedAt": strconv.FormatInt(b.IssuedAt, 10),
		"sig":      base64.RawURLEncoding.EncodeToString(sig),
	}
	if b.Reason != "" {
		node["reason"] = b.Reason
	}
	if b.ExpiresAt != 0 {
		node["expiresAt"] = strconv.FormatInt(b.ExpiresAt, 10)
	}
	return node, nil
}

// banFromNode parses and authenticates one ban record. It returns
// false when the node is empty, malformed, or carries a bad signature.
func banFromNode(roomID, target string, node graph.Node) (Ban, bool) {
	if node == nil || node["by"] == "" {
		return Ban{}, false
	}
	issuedAt, err := strconv.ParseInt(node["issuedAt"], 10, 64)
	if err != nil {
		return Ban{}, false
	}
	var expiresAt int64
	if raw := node["expiresAt"]; raw != "" {
		if expiresAt, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return Ban{}, false
		}
	}
	b := Ban{
		Target:    target,
		By:        node["by"],
		Reason:    node["reason"],
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}
	sig, err := base64.RawURLEncoding.DecodeString(node["sig"])
	if err != nil || !identity.Verify(banSignPayload(roomID, b), sig, b.By) {
		return Ban{}, false
	}
	return b, true
}

func muteToNode(roomID string, m Mute, moderator identity.Identity) (graph.Node, error) {
	sig, err := moderator.Sign(muteSignPayload(roomID, m))
	if err != nil {
		return nil, err
	}
	node := graph.Node{
		"target":   m.Target,
		"by":       m.By,
		"issuedAt": strconv.FormatInt(m.IssuedAt, 10),
		"sig":      base64.RawURLEncoding.EncodeToString(sig),
	}
	if m.ExpiresAt != 0 {
		node["expiresAt"] = strconv.FormatInt(m.ExpiresAt, 10)
	}
	return node, nil
}

func muteFromNode(roomID, target string, node graph.Node) (Mute, bool) {
	if node == nil || node["by"] == "" {
		return Mute{}, false
	}
	issuedAt, err := strconv.ParseInt(node["issuedAt"], 10, 64)
	if err != nil {
		return Mute{}, false
	}
	var expiresAt int64
	if raw := node["expiresAt"]; raw != "" {
		if expiresAt, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return Mute{}, false
		}
	}
	m := Mute{
		Target:    target,
		By:        node["by"],
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}
	sig, err := base64.RawURLEncoding.DecodeString(node["sig"])
	if err != nil || !identity.Verify(muteSignPayload(roomID, m), sig, m.By) {
		return Mute{}, false
	}
	return m, true
}

// active reports whether a restriction applies at the given wall time
// in milliseconds. Zero expiry means permanent.
func restrictionActive(expiresAt, nowMillis int64) bool {
	return expiresAt == 0 || expiresAt > nowMillis
}
