package graph

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Frame is the replication unit exchanged between peers: one versioned
// cell addressed by path and field. Frames are idempotent merges, so
// duplicate delivery and arbitrary ordering are safe.
type Frame struct {
	Path    string `json:"path"`
	Field   string `json:"field"`
	Value   string `json:"value"`
	Deleted bool   `json:"deleted,omitempty"`
	Wall    int64  `json:"wall"`
	Seq     uint64 `json:"seq"`
	Writer  string `json:"writer"`
}

// Sink receives locally-won frames for asynchronous propagation to peers.
type Sink func(Frame)

// Store is the eventually-consistent key-path store. Writes are accepted
// locally without blocking and handed to sinks for propagation; remote
// frames are merged through the same last-writer-wins rule. Subscription
// callbacks run one at a time on a single dispatch goroutine.
type Store struct {
	log     *zap.Logger
	metrics *Metrics
	writer  string
	nowFn   func() time.Time

	mu       sync.Mutex
	nodes    map[string]map[string]VersionedValue
	seq      uint64
	lastWall int64
	sinks    []Sink

	dispatch *dispatcher
	subs     *subscriberIndex
}

// StoreConfig wires dependencies for the graph store.
type StoreConfig struct {
	Log     *zap.Logger
	Metrics *Metrics
	// Writer is the local identity's user id; it stamps every local put.
	Writer string
	// Now overrides the wall clock in tests.
	Now func() time.Time
}

// NewStore constructs a store and starts its dispatch goroutine.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Writer == "" {
		return nil, errors.New("writer identity is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Store{
		log:     cfg.Log,
		metrics: cfg.Metrics,
		writer:  cfg.Writer,
		nowFn:   cfg.Now,
		nodes:   make(map[string]map[string]VersionedValue),
		subs:    newSubscriberIndex(),
	}
	s.dispatch = newDispatcher()
	return s, nil
}

// Writer returns the local writer identity.
func (s *Store) Writer() string {
	return s.writer
}

// Close stops the dispatch goroutine. Pending callbacks are delivered
// first; no callbacks are delivered after Close returns.
func (s *Store) Close() {
	s.dispatch.close()
}

// AddSink registers a propagation sink for locally-applied frames.
// Sinks must not block: they receive the frame on the caller's goroutine.
func (s *Store) AddSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// Put writes one field under a path, stamped with the wall clock, the
// next per-writer sequence number, and the local writer identity. The
// stamp's wall is forced strictly above the previous local stamp, so a
// clock that steps backwards never reorders this writer's own updates.
// The write is applied locally at once and propagated asynchronously.
func (s *Store) Put(path, field, value string) {
	s.apply(path, field, value, false)
}

// Delete tombstones one field under a path. Prior history is retained.
func (s *Store) Delete(path, field string) {
	s.apply(path, field, "", true)
}

func (s *Store) apply(path, field, value string, deleted bool) {
	if path == "" || field == "" {
		return
	}

	s.mu.Lock()
	s.seq++
	wall := s.nowFn().UnixMilli()
	if wall <= s.lastWall {
		wall = s.lastWall + 1
	}
	s.lastWall = wall
	vv := VersionedValue{
		Value:   value,
		Deleted: deleted,
		Wall:    wall,
		Seq:     s.seq,
		Writer:  s.writer,
	}
	changed := s.mergeLocked(path, field, vv)
	frame := Frame{
		Path: path, Field: field,
		Value: vv.Value, Deleted: vv.Deleted,
		Wall: vv.Wall, Seq: vv.Seq, Writer: vv.Writer,
	}
	sinks := append([]Sink(nil), s.sinks...)
	var snapshot Node
	if changed {
		snapshot = s.resolveLocked(path)
	}
	s.mu.Unlock()

	s.metrics.RecordPut()
	if changed {
		s.notify(path, snapshot)
	}
	for _, sink := range sinks {
		sink(frame)
	}
}

// Merge applies a frame received from a peer. It reports whether the
// frame changed resolved state; stale frames are counted and dropped.
func (s *Store) Merge(frame Frame) bool {
	if frame.Path == "" || frame.Field == "" || frame.Writer == "" {
		return false
	}
	vv := VersionedValue{
		Value:   frame.Value,
		Deleted: frame.Deleted,
		Wall:    frame.Wall,
		Seq:     frame.Seq,
		Writer:  frame.Writer,
	}

	s.mu.Lock()
	changed := s.mergeLocked(frame.Path, frame.Field, vv)
	var snapshot Node
	if changed {
		snapshot = s.resolveLocked(frame.Path)
	}
	s.mu.Unlock()

	if !changed {
		s.metrics.RecordMergeStale()
		return false
	}
	s.metrics.RecordMergeApplied()
	s.notify(frame.Path, snapshot)
	return true
}

func (s *Store) mergeLocked(path, field string, vv VersionedValue) bool {
	node, ok := s.nodes[path]
	if !ok {
		node = make(map[string]VersionedValue)
		s.nodes[path] = node
	}
	current, exists := node[field]
	if exists && !vv.Supersedes(current) {
		return false
	}
	node[field] = vv
	if !exists {
		// Tombstoning a field nobody has written resolves to the same
		// absent state; record it without waking subscribers.
		return !vv.Deleted
	}
	if current.Deleted && vv.Deleted {
		return false
	}
	if current.Value == vv.Value && current.Deleted == vv.Deleted {
		// Metadata advanced but resolved state is identical; no callback.
		// This also breaks re-entrant put cycles from subscription
		// callbacks that rewrite the value they observed.
		return false
	}
	return true
}

// Get returns the resolved snapshot of a path. A nil map means the path
// has no live fields.
func (s *Store) Get(path string) Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(path)
}

// Cell exposes the raw versioned value of one field, tombstones included.
func (s *Store) Cell(path, field string) (VersionedValue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[path]
	if !ok {
		return VersionedValue{}, false
	}
	vv, ok := node[field]
	return vv, ok
}

// SnapshotFrames renders every cell, tombstones included, as frames for
// initial sync with a newly connected peer.
func (s *Store) SnapshotFrames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Frame
	for path, cells := range s.nodes {
		for field, vv := range cells {
			out = append(out, Frame{
				Path: path, Field: field,
				Value: vv.Value, Deleted: vv.Deleted,
				Wall: vv.Wall, Seq: vv.Seq, Writer: vv.Writer,
			})
		}
	}
	return out
}

// Children lists the paths directly beneath a prefix that currently hold
// at least one cell (live or tombstoned).
func (s *Store) Children(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for path := range s.nodes {
		if ParentPath(path) == prefix {
			out = append(out, path)
		}
	}
	return out
}

func (s *Store) resolveLocked(path string) Node {
	cells, ok := s.nodes[path]
	if !ok {
		return nil
	}
	node := make(Node, len(cells))
	for field, vv := range cells {
		if vv.Deleted {
			continue
		}
		node[field] = vv.Value
	}
	return node
}

func (s *Store) notify(path string, snapshot Node) {
	for _, sub := range s.subs.at(path) {
		s.enqueue(sub, path, snapshot)
	}
	parent := ParentPath(path)
	if parent == "" {
		return
	}
	for _, sub := range s.subs.under(parent) {
		s.enqueue(sub, path, snapshot)
	}
}

func (s *Store) enqueue(sub *Subscription, path string, snapshot Node) {
	s.dispatch.enqueue(func() {
		if sub.closed() {
			return
		}
		s.metrics.RecordCallback()
		sub.fn(path, snapshot.Clone())
	})
}
