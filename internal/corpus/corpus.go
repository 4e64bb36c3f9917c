// Package corpus implements the ordered, deduplicated pool of "interesting"
// byte strings and its length-weighted sampler (spec §3 "Corpus", §4.2).
package corpus

import (
	"sync"

	"github.com/covfuzz-project/covfuzz/internal/rngsrc"
)

// Corpus is an ordered sequence of samples with no byte-equal duplicates. It
// never shrinks during a run (spec §3). The canonical copy lives in the
// orchestrator; workers hold advisory local replicas (spec §3 "Ownership").
// Every method takes the mutex, so a Corpus is safe for concurrent use; the
// orchestrator's event loop and the worker's fuzzing loop each touch their
// Corpus from a single goroutine.
type Corpus struct {
	mu      sync.Mutex
	samples [][]byte
	seen    map[string]struct{}
}

// New returns an empty corpus.
func New() *Corpus {
	return &Corpus{seen: make(map[string]struct{})}
}

// Put inserts sample if no byte-equal sample is already present. It reports
// whether the sample was actually added.
func (c *Corpus) Put(sample []byte) bool {
	key := string(sample)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[key]; ok {
		return false
	}
	c.seen[key] = struct{}{}
	stored := make([]byte, len(sample))
	copy(stored, sample)
	c.samples = append(c.samples, stored)
	return true
}

// Sample draws one entry with probability proportional to max(1, len(entry))
// (spec §4.2). If the corpus is empty, it returns the empty byte string.
func (c *Corpus) Sample(rng rngsrc.Source) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.samples) == 0 {
		return []byte{}
	}

	weights := make([]int, len(c.samples))
	total := 0
	for i, s := range c.samples {
		w := len(s)
		if w < 1 {
			w = 1
		}
		weights[i] = w
		total += w
	}

	pick := rng.Intn(total)
	for i, w := range weights {
		if pick < w {
			out := make([]byte, len(c.samples[i]))
			copy(out, c.samples[i])
			return out
		}
		pick -= w
	}
	// Unreachable given the loop invariant above, but keep Sample total.
	last := c.samples[len(c.samples)-1]
	out := make([]byte, len(last))
	copy(out, last)
	return out
}

// Size returns the number of samples currently held.
func (c *Corpus) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

// Iter returns a snapshot copy of every sample, in insertion order.
func (c *Corpus) Iter() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([][]byte, len(c.samples))
	for i, s := range c.samples {
		cp := make([]byte, len(s))
		copy(cp, s)
		out[i] = cp
	}
	return out
}
