package presence

import (
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/AyazTomac-dev/atacord/internal/graph"
	"github.com/AyazTomac-dev/atacord/internal/identity"
)

// StaleAfter is how long a lastSeen stamp counts as online when the
// peer never wrote an explicit offline record. Crashed peers cannot
// write one, so readers age records out on their own clock.
const StaleAfter = 5 * time.Minute

// Record is one user's last known presence.
type Record struct {
	UserKey  string
	Online   bool
	LastSeen int64
	Status   string
}

// Tracker publishes and reads presence records on the replicated
// graph.
type Tracker struct {
	log   *zap.Logger
	store *graph.Store
	nowFn func() time.Time
}

// TrackerConfig wires dependencies for a Tracker.
type TrackerConfig struct {
	Log   *zap.Logger
	Store *graph.Store
	// Now overrides the wall clock in tests.
	Now func() time.Time
}

// NewTracker constructs a Tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("graph store is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{log: cfg.Log, store: cfg.Store, nowFn: cfg.Now}, nil
}

func presencePath(userKey string) string {
	return graph.JoinPath("presence", userKey)
}

// SetOnline marks the user online with an optional status line.
func (t *Tracker) SetOnline(user identity.Identity, status string) {
	path := presencePath(user.UserID())
	t.store.Put(path, "online", "true")
	t.store.Put(path, "lastSeen", strconv.FormatInt(t.nowFn().UnixMilli(), 10))
	if status != "" {
		t.store.Put(path, "status", status)
	}
}

// SetOffline marks the user offline. The lastSeen stamp is refreshed
// so peers show an accurate departure time.
func (t *Tracker) SetOffline(user identity.Identity) {
	path := presencePath(user.UserID())
	t.store.Put(path, "online", "false")
	t.store.Put(path, "lastSeen", strconv.FormatInt(t.nowFn().UnixMilli(), 10))
}

// Touch refreshes the lastSeen stamp without changing the flag. Called
// periodically it keeps a live peer from going stale.
func (t *Tracker) Touch(user identity.Identity) {
	t.store.Put(presencePath(user.UserID()), "lastSeen", strconv.FormatInt(t.nowFn().UnixMilli(), 10))
}

// Lookup loads a user's presence record. The second return is false
// when the user never published presence.
func (t *Tracker) Lookup(userKey string) (Record, bool) {
	node := t.store.Get(presencePath(userKey))
	if node == nil || node["lastSeen"] == "" {
		return Record{}, false
	}
	lastSeen, _ := strconv.ParseInt(node["lastSeen"], 10, 64)
	return Record{
		UserKey:  userKey,
		Online:   node["online"] == "true",
		LastSeen: lastSeen,
		Status:   node["status"],
	}, true
}

// IsOnline reports whether the user currently counts as online: the
// flag must be set and the record fresh enough. An explicit offline
// write always wins.
func (t *Tracker) IsOnline(userKey string) bool {
	rec, ok := t.Lookup(userKey)
	if !ok || !rec.Online {
		return false
	}
	age := t.nowFn().UnixMilli() - rec.LastSeen
	return age < StaleAfter.Milliseconds()
}

// Subscribe observes a user's presence record. The callback fires with
// the current record and on every change. The returned subscription is
// owned by the caller.
func (t *Tracker) Subscribe(userKey string, fn func(Record)) *graph.Subscription {
	return t.store.Subscribe(presencePath(userKey), func(path string, node graph.Node) {
		lastSeen, _ := strconv.ParseInt(node["lastSeen"], 10, 64)
		fn(Record{
			UserKey:  userKey,
			Online:   node["online"] == "true",
			LastSeen: lastSeen,
			Status:   node["status"],
		})
	})
}
