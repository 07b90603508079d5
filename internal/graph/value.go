package graph

import "strings"

// VersionedValue is one (path, field) cell in the replicated graph: the
// value together with the metadata the merge rule needs. Deleted marks a
// tombstone; tombstones replicate like any other write and are never
// compacted away.
type VersionedValue struct {
	Value   string `json:"value"`
	Deleted bool   `json:"deleted,omitempty"`
	Wall    int64  `json:"wall"`
	Seq     uint64 `json:"seq"`
	Writer  string `json:"writer"`
}

// Supersedes reports whether the candidate value wins over current under
// the last-writer-wins rule: the higher wall clock wins, the lexically
// greater writer id breaks wall ties, and the per-writer sequence breaks
// ties between two stamps from the same writer. The comparison is a
// strict total order over (Wall, Writer, Seq), so every peer resolves
// the same winner regardless of arrival order. Local stamps keep Wall
// monotonic per writer, which preserves each writer's own issue order.
func (v VersionedValue) Supersedes(current VersionedValue) bool {
	if v.Wall != current.Wall {
		return v.Wall > current.Wall
	}
	if v.Writer != current.Writer {
		return v.Writer > current.Writer
	}
	return v.Seq > current.Seq
}

// Node is a resolved snapshot of one graph path: field name to value,
// with tombstoned fields omitted.
type Node map[string]string

// Clone deep-copies the node so subscribers cannot mutate store state.
func (n Node) Clone() Node {
	if n == nil {
		return nil
	}
	out := make(Node, len(n))
	for k, v := range n {
		out[k] = v
	}
	return out
}

// JoinPath assembles a graph path from segments.
func JoinPath(segments ...string) string {
	return strings.Join(segments, "/")
}

// ParentPath returns the path one level up, or "" at the root.
func ParentPath(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

// LastSegment returns the final path segment.
func LastSegment(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}
