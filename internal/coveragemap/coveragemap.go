// Package coveragemap implements the canonical set of observed control-flow
// edges and their hit counts (spec §3 "CoverageMap", §4.1).
package coveragemap

// Edge is an ordered pair of opaque location identifiers supplied by the
// tracer. Equality and hashing are structural, so Edge is usable directly as
// a Go map key.
type Edge struct {
	Prev uint32
	Cur  uint32
}

// Map is a mapping from Edge to a non-negative hit count. The key set only
// ever grows and counts only ever increase (spec §3 invariants).
type Map struct {
	counts map[Edge]uint64
}

// New returns an empty coverage map.
func New() *Map {
	return &Map{counts: make(map[Edge]uint64)}
}

// Observe increments the hit count for edge, inserting it if absent. It
// reports whether edge was previously unknown to this map.
func (m *Map) Observe(edge Edge) bool {
	_, known := m.counts[edge]
	m.counts[edge]++
	return !known
}

// Merge adds other's counts into m and returns the submap of edges that were
// newly inserted by this merge. Merge is commutative and associative: it is
// a plain union of keys plus a sum of counts.
func (m *Map) Merge(other *Map) *Map {
	newEdges := New()
	for edge, count := range other.counts {
		if _, known := m.counts[edge]; !known {
			newEdges.counts[edge] = count
		}
		m.counts[edge] += count
	}
	return newEdges
}

// Size returns the number of distinct edges known to m.
func (m *Map) Size() int {
	return len(m.counts)
}

// Count returns the hit count recorded for edge, or 0 if unknown.
func (m *Map) Count(edge Edge) uint64 {
	return m.counts[edge]
}

// Clone returns an independent copy of m.
func (m *Map) Clone() *Map {
	clone := New()
	for edge, count := range m.counts {
		clone.counts[edge] = count
	}
	return clone
}

// Edges returns a snapshot slice of every edge known to m, in no particular
// order. Serialization and broadcasts use Counts instead.
func (m *Map) Edges() []Edge {
	edges := make([]Edge, 0, len(m.counts))
	for edge := range m.counts {
		edges = append(edges, edge)
	}
	return edges
}

// Counts returns the raw edge-to-count table. Callers must not mutate the
// returned map; it is exposed for gob encoding in internal/statestore and
// internal/ipc.
func (m *Map) Counts() map[Edge]uint64 {
	return m.counts
}

// FromCounts builds a Map from a previously captured counts table (e.g. one
// decoded off the wire or from the state file). It takes ownership of
// counts; callers must not retain a reference to it afterwards.
func FromCounts(counts map[Edge]uint64) *Map {
	if counts == nil {
		counts = make(map[Edge]uint64)
	}
	return &Map{counts: counts}
}

// IsEmpty reports whether m has no recorded edges.
func (m *Map) IsEmpty() bool {
	return len(m.counts) == 0
}
