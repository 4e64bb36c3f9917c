package coveragemap

import "testing"

func TestObserveReportsNewEdge(t *testing.T) {
	m := New()
	edge := Edge{Prev: 1, Cur: 2}

	if !m.Observe(edge) {
		t.Fatalf("first Observe of a fresh edge must report true")
	}
	if m.Observe(edge) {
		t.Fatalf("second Observe of the same edge must report false")
	}
	if got := m.Count(edge); got != 2 {
		t.Fatalf("Count = %d, want 2", got)
	}
	if got := m.Size(); got != 1 {
		t.Fatalf("Size = %d, want 1", got)
	}
}

func TestMergeUnionsKeysAndSumsCounts(t *testing.T) {
	a := New()
	a.Observe(Edge{0, 1})
	a.Observe(Edge{0, 1})

	b := New()
	b.Observe(Edge{0, 1})
	b.Observe(Edge{2, 3})

	newEdges := a.Merge(b)

	if got := a.Count(Edge{0, 1}); got != 3 {
		t.Fatalf("merged count for shared edge = %d, want 3", got)
	}
	if got := a.Count(Edge{2, 3}); got != 1 {
		t.Fatalf("merged count for new edge = %d, want 1", got)
	}
	if got := newEdges.Size(); got != 1 {
		t.Fatalf("newEdges.Size() = %d, want 1 (only {2,3} was new)", got)
	}
	if _, ok := newEdges.Counts()[Edge{2, 3}]; !ok {
		t.Fatalf("newEdges must contain the genuinely new edge")
	}
}

func TestMergeCommutative(t *testing.T) {
	left := New()
	left.Observe(Edge{1, 1})
	right := New()
	right.Observe(Edge{2, 2})

	leftCopy, rightCopy := left.Clone(), right.Clone()

	leftCopy.Merge(rightCopy)
	rightCopy = right.Clone()
	rightCopy.Merge(left.Clone())

	if leftCopy.Size() != rightCopy.Size() {
		t.Fatalf("merge should be commutative on key set size: %d vs %d", leftCopy.Size(), rightCopy.Size())
	}
}

func TestCloneIsIndependent(t *testing.T) {
	m := New()
	m.Observe(Edge{1, 2})
	clone := m.Clone()
	clone.Observe(Edge{3, 4})

	if m.Size() == clone.Size() {
		t.Fatalf("mutating a clone must not affect the original")
	}
}
