package social

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/AyazTomac-dev/atacord/internal/graph"
	"github.com/AyazTomac-dev/atacord/internal/identity"
)

var (
	ErrSelfReference = errors.New("cannot reference own identity")
	ErrBlocked       = errors.New("user is blocked")
)

// Friend is one directed edge in the friend graph. Edges are not
// reciprocal: Alice listing Bob says nothing about Bob's list.
type Friend struct {
	UserKey     string
	DisplayName string
	AddedAt     int64
}

// Graph manages a user's friend and block lists on the replicated
// store. Both are per-owner paths, so each user only ever writes under
// their own key.
type Graph struct {
	log   *zap.Logger
	store *graph.Store
	nowFn func() time.Time
}

// GraphConfig wires dependencies for a Graph.
type GraphConfig struct {
	Log   *zap.Logger
	Store *graph.Store
	// Now overrides the wall clock in tests.
	Now func() time.Time
}

// NewGraph constructs a Graph.
func NewGraph(cfg GraphConfig) (*Graph, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("graph store is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Graph{log: cfg.Log, store: cfg.Store, nowFn: cfg.Now}, nil
}

func friendPath(ownerKey, friendKey string) string {
	return graph.JoinPath("friends", ownerKey, friendKey)
}

func blockPath(ownerKey, blockedKey string) string {
	return graph.JoinPath("blocked", ownerKey, blockedKey)
}

// AddFriend adds a directed edge from the owner to the friend. Adding
// a blocked user fails until the block is lifted; re-adding an
// existing friend keeps the original timestamp.
func (g *Graph) AddFriend(owner identity.Identity, friendKey, displayName string) error {
	if err := identity.ValidatePublicKey(friendKey); err != nil {
		return err
	}
	if friendKey == owner.UserID() {
		return ErrSelfReference
	}
	if g.IsBlocked(owner.UserID(), friendKey) {
		return ErrBlocked
	}
	path := friendPath(owner.UserID(), friendKey)
	if node := g.store.Get(path); node != nil && node["addedAt"] != "" {
		return nil
	}
	g.store.Put(path, "displayName", displayName)
	g.store.Put(path, "addedAt", strconv.FormatInt(g.nowFn().UnixMilli(), 10))
	return nil
}

// RemoveFriend drops the directed edge. Removing an absent friend is a
// no-op.
func (g *Graph) RemoveFriend(owner identity.Identity, friendKey string) {
	path := friendPath(owner.UserID(), friendKey)
	g.store.Delete(path, "displayName")
	g.store.Delete(path, "addedAt")
}

// IsFriend reports whether the owner lists the user as a friend.
func (g *Graph) IsFriend(ownerKey, friendKey string) bool {
	node := g.store.Get(friendPath(ownerKey, friendKey))
	return node != nil && node["addedAt"] != ""
}

// Friends lists the owner's friends sorted by user key.
func (g *Graph) Friends(ownerKey string) []Friend {
	prefix := graph.JoinPath("friends", ownerKey)
	var out []Friend
	for _, path := range g.store.Children(prefix) {
		node := g.store.Get(path)
		if node == nil || node["addedAt"] == "" {
			continue
		}
		addedAt, _ := strconv.ParseInt(node["addedAt"], 10, 64)
		out = append(out, Friend{
			UserKey:     graph.LastSegment(path),
			DisplayName: node["displayName"],
			AddedAt:     addedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserKey < out[j].UserKey })
	return out
}

// Block adds the user to the owner's block list and removes any friend
// edge toward them.
func (g *Graph) Block(owner identity.Identity, blockedKey string) error {
	if err := identity.ValidatePublicKey(blockedKey); err != nil {
		return err
	}
	if blockedKey == owner.UserID() {
		return ErrSelfReference
	}
	g.store.Put(blockPath(owner.UserID(), blockedKey), "blockedAt", strconv.FormatInt(g.nowFn().UnixMilli(), 10))
	g.RemoveFriend(owner, blockedKey)
	g.log.Info("user blocked",
		zap.String("owner", owner.UserID()),
		zap.String("blocked", blockedKey))
	return nil
}

// Unblock lifts a block. Unblocking does not restore a removed friend
// edge.
func (g *Graph) Unblock(owner identity.Identity, blockedKey string) {
	g.store.Delete(blockPath(owner.UserID(), blockedKey), "blockedAt")
}

// IsBlocked reports whether the owner blocks the user.
func (g *Graph) IsBlocked(ownerKey, blockedKey string) bool {
	node := g.store.Get(blockPath(ownerKey, blockedKey))
	return node != nil && node["blockedAt"] != ""
}

// Blocked lists the owner's blocked user keys sorted ascending.
func (g *Graph) Blocked(ownerKey string) []string {
	prefix := graph.JoinPath("blocked", ownerKey)
	var out []string
	for _, path := range g.store.Children(prefix) {
		node := g.store.Get(path)
		if node == nil || node["blockedAt"] == "" {
			continue
		}
		out = append(out, graph.LastSegment(path))
	}
	sort.Strings(out)
	return out
}
