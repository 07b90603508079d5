package message

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewIDSortableFormat(t *testing.T) {
	now := time.UnixMilli(1712108700123)
	id := NewID("dm", now)

	parts := strings.SplitN(id, "_", 3)
	if len(parts) != 3 || parts[0] != "dm" || parts[1] != "1712108700123" {
		t.Fatalf("unexpected id format: %s", id)
	}
	if parts[2] == "" {
		t.Fatalf("expected random suffix, got %s", id)
	}
	if NewID("dm", now) == id {
		t.Fatal("expected distinct suffixes for same instant")
	}
}

func TestNodeRoundTrip(t *testing.T) {
	m := Message{
		ID:        "msg_1_abc",
		SenderKey: "alice-key",
		RoomID:    "r1",
		Content:   "merhaba",
		Type:      TypeText,
		Timestamp: 1000,
		ReplyTo:   "msg_0_xyz",
	}
	got, err := FromNode(m.ToNode())
	if err != nil {
		t.Fatalf("from node: %v", err)
	}
	if got != m {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, m)
	}
}

func TestValidate(t *testing.T) {
	base := Message{ID: "m1", SenderKey: "a", Content: "hi", Type: TypeText, Timestamp: 1}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid message, got %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Message)
	}{
		{"missing id", func(m *Message) { m.ID = "" }},
		{"missing sender", func(m *Message) { m.SenderKey = "" }},
		{"empty text content", func(m *Message) { m.Content = "" }},
		{"oversized content", func(m *Message) { m.Content = strings.Repeat("a", MaxContentLen+1) }},
		{"unknown type", func(m *Message) { m.Type = "voice" }},
	}
	for _, tc := range cases {
		m := base
		tc.mutate(&m)
		if err := m.Validate(); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("%s: expected ErrInvalidMessage, got %v", tc.name, err)
		}
	}
}

func TestReactionsAndReadReceipts(t *testing.T) {
	m := Message{ID: "m1", SenderKey: "a", Content: "hi", Type: TypeText, Timestamp: 1}
	node := m.ToNode()
	node[ReactionField("bob")] = "👍"
	node[ReactionField("alice")] = "🎉"
	node[ReadField("bob")] = "2000"

	reactions := ReactionsOf(node)
	if len(reactions) != 2 || reactions[0].UserKey != "alice" || reactions[1].Emoji != "👍" {
		t.Fatalf("unexpected reactions: %v", reactions)
	}
	readers := ReadBy(node)
	if len(readers) != 1 || readers[0] != "bob" {
		t.Fatalf("unexpected readers: %v", readers)
	}
}

func TestSortOrdersByTimestampThenID(t *testing.T) {
	msgs := []Message{
		{ID: "dm_2000_b", Timestamp: 2000},
		{ID: "dm_1000_z", Timestamp: 1000},
		{ID: "dm_2000_a", Timestamp: 2000},
	}
	Sort(msgs)
	if msgs[0].ID != "dm_1000_z" || msgs[1].ID != "dm_2000_a" || msgs[2].ID != "dm_2000_b" {
		t.Fatalf("unexpected order: %v", msgs)
	}
}
