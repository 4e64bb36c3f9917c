// Package mutate implements the bytewise mutation engine (spec §4.3).
// Mutations are independent: no state carries across calls, and every
// invocation draws its own transformation and parameters from a
// cryptographically secure source (internal/rngsrc), per spec's explicit
// requirement that mutation randomness be non-predictable.
package mutate

import (
	"encoding/binary"

	"github.com/covfuzz-project/covfuzz/internal/rngsrc"
)

// Options configures the mutator. A zero Options is usable: no cap on
// output length, no dictionary.
type Options struct {
	// MaxInputSize truncates the mutated output if it grows past this many
	// bytes. Zero means unbounded. Supplements spec.md from cobrafuzz's
	// Mutator(max_input_size=...) (see SPEC_FULL.md).
	MaxInputSize int

	// Dictionary is an optional set of tokens the insert transformation may
	// splice in verbatim instead of random bytes. No other transformation,
	// including the overwrite ones, uses it.
	Dictionary [][]byte
}

// insertRunMax bounds how many bytes a single insert-range mutation adds
// when not drawing from the dictionary (spec §4.3 item 2: "a small
// constant, e.g. 10").
const insertRunMax = 10

// interesting8, interesting16, interesting32, interesting64 are the fixed
// "interesting value" tables from spec §4.3 item 8: {0, 1, -1, INT_MIN,
// INT_MAX} at each width, reinterpreted as their unsigned bit patterns for
// byte-level overwrite.
var (
	interesting8  = []uint8{0, 1, 0xFF, 0x80, 0x7F}
	interesting16 = []uint16{0, 1, 0xFFFF, 0x8000, 0x7FFF}
	interesting32 = []uint32{0, 1, 0xFFFFFFFF, 0x80000000, 0x7FFFFFFF}
	interesting64 = []uint64{0, 1, 0xFFFFFFFFFFFFFFFF, 0x8000000000000000, 0x7FFFFFFFFFFFFFFF}
)

// transformation attempts one bytewise transformation of in, returning the
// result and true on success. It returns ok=false when the transformation is
// ill-defined for the current input (e.g. deleting from an empty string);
// the caller silently skips it and draws another, per spec §4.3.
type transformation func(rng rngsrc.Source, in []byte, dict [][]byte) ([]byte, bool)

// menu is the fixed set of eight transformations spec §4.3 enumerates, in
// the same order for readability; selection among them is uniform random.
var menu = []transformation{
	removeRange,
	insertRun,
	duplicateRange,
	copyRange,
	flipBit,
	setByte,
	addDelta,
	overwriteInterestingInt,
}

// maxSkipsBeforeGivingUp bounds the redraw loop when every transformation in
// the menu is ill-defined for the current input (only possible for the
// empty string, where every transformation except insert is undefined).
const maxSkipsBeforeGivingUp = 64

// Mutate returns a fresh byte string derived from sample by applying one
// randomly chosen transformation. The result is usually, but not
// guaranteed to be, different from sample (spec §4.3).
func Mutate(sample []byte, rng rngsrc.Source, opts Options) []byte {
	in := make([]byte, len(sample))
	copy(in, sample)

	for attempt := 0; attempt < maxSkipsBeforeGivingUp; attempt++ {
		t := menu[rng.Intn(len(menu))]
		out, ok := t(rng, in, opts.Dictionary)
		if !ok {
			continue
		}
		if opts.MaxInputSize > 0 && len(out) > opts.MaxInputSize {
			out = out[:opts.MaxInputSize]
		}
		return out
	}
	// Every transformation was ill-defined (sample is empty and insertRun
	// itself kept losing the coin flip is not possible since insertRun is
	// always well-defined; this path is unreachable in practice but must
	// still return a valid byte string).
	return in
}

// removeRange deletes a contiguous range of at least one byte (spec §4.3.1).
func removeRange(rng rngsrc.Source, in []byte, _ [][]byte) ([]byte, bool) {
	if len(in) < 1 {
		return nil, false
	}
	start := rng.Intn(len(in))
	maxLen := len(in) - start
	length := rng.IntRange(1, maxLen)

	out := make([]byte, 0, len(in)-length)
	out = append(out, in[:start]...)
	out = append(out, in[start+length:]...)
	return out, true
}

// insertRun inserts a contiguous run of bytes at a random position (spec
// §4.3.2). The run is drawn from the dictionary when one is available and
// the coin flip favors it, otherwise it is cryptographically random bytes of
// length in [1, insertRunMax].
func insertRun(rng rngsrc.Source, in []byte, dict [][]byte) ([]byte, bool) {
	pos := rng.Intn(len(in) + 1)

	var run []byte
	if len(dict) > 0 && rng.Bool() {
		word := dict[rng.Intn(len(dict))]
		run = make([]byte, len(word))
		copy(run, word)
	} else {
		length := rng.IntRange(1, insertRunMax)
		run = make([]byte, length)
		rng.Bytes(run)
	}

	out := make([]byte, 0, len(in)+len(run))
	out = append(out, in[:pos]...)
	out = append(out, run...)
	out = append(out, in[pos:]...)
	return out, true
}

// duplicateRange copies a contiguous byte range and inserts the copy at
// another position, lengthening the input (spec §4.3.3).
func duplicateRange(rng rngsrc.Source, in []byte, _ [][]byte) ([]byte, bool) {
	if len(in) < 2 {
		return nil, false
	}
	srcStart := rng.Intn(len(in))
	maxLen := len(in) - srcStart
	length := rng.IntRange(1, maxLen)
	dstPos := rng.Intn(len(in) + 1)

	run := make([]byte, length)
	copy(run, in[srcStart:srcStart+length])

	out := make([]byte, 0, len(in)+length)
	out = append(out, in[:dstPos]...)
	out = append(out, run...)
	out = append(out, in[dstPos:]...)
	return out, true
}

// copyRange overwrites a contiguous byte range with a copy of another,
// leaving length unchanged (spec §4.3.4).
func copyRange(rng rngsrc.Source, in []byte, _ [][]byte) ([]byte, bool) {
	if len(in) < 2 {
		return nil, false
	}
	srcStart := rng.Intn(len(in))
	dstStart := rng.Intn(len(in))
	maxLen := len(in) - srcStart
	if remDst := len(in) - dstStart; remDst < maxLen {
		maxLen = remDst
	}
	length := rng.IntRange(1, maxLen)

	out := make([]byte, len(in))
	copy(out, in)
	copy(out[dstStart:dstStart+length], in[srcStart:srcStart+length])
	return out, true
}

// flipBit flips exactly one bit at a uniformly random bit index (spec
// §4.3.5).
func flipBit(rng rngsrc.Source, in []byte, _ [][]byte) ([]byte, bool) {
	if len(in) < 1 {
		return nil, false
	}
	out := make([]byte, len(in))
	copy(out, in)

	bytePos := rng.Intn(len(out))
	bitPos := rng.Intn(8)
	out[bytePos] ^= 1 << uint(bitPos)
	return out, true
}

// setByte sets a single byte to a uniformly random value (spec §4.3.6). It
// may leave the byte unchanged with probability 1/256, which spec §8
// explicitly accepts.
func setByte(rng rngsrc.Source, in []byte, _ [][]byte) ([]byte, bool) {
	if len(in) < 1 {
		return nil, false
	}
	out := make([]byte, len(in))
	copy(out, in)

	pos := rng.Intn(len(out))
	out[pos] = rng.Byte()
	return out, true
}

// addDeltaMax is the magnitude bound for the signed delta mutation (spec
// §4.3.7: "[-35, +35] excluding 0").
const addDeltaMax = 35

// addDelta adds a signed, non-zero delta in [-35, 35] to one byte, modulo
// 256 (spec §4.3.7).
func addDelta(rng rngsrc.Source, in []byte, _ [][]byte) ([]byte, bool) {
	if len(in) < 1 {
		return nil, false
	}
	out := make([]byte, len(in))
	copy(out, in)

	pos := rng.Intn(len(out))
	delta := rng.IntRange(-addDeltaMax, addDeltaMax)
	if delta == 0 {
		delta = 1
	}
	out[pos] = byte(int(out[pos]) + delta)
	return out, true
}

// overwriteInterestingInt overwrites bytes at a random aligned offset with a
// known "interesting" 8/16/32/64-bit integer, little- or big-endian (spec
// §4.3.8).
func overwriteInterestingInt(rng rngsrc.Source, in []byte, _ [][]byte) ([]byte, bool) {
	widths := []int{1, 2, 4, 8}

	// Only consider widths that fit; if none fit (empty input) bail out.
	var candidates []int
	for _, w := range widths {
		if w <= len(in) {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	w := candidates[rng.Intn(len(candidates))]

	// Aligned offset: a multiple of w such that the value fits.
	maxAlignedIdx := (len(in) - w) / w
	pos := rng.Intn(maxAlignedIdx+1) * w

	out := make([]byte, len(in))
	copy(out, in)

	bigEndian := rng.Bool()
	buf := make([]byte, w)
	switch w {
	case 1:
		buf[0] = interesting8[rng.Intn(len(interesting8))]
	case 2:
		v := interesting16[rng.Intn(len(interesting16))]
		if bigEndian {
			binary.BigEndian.PutUint16(buf, v)
		} else {
			binary.LittleEndian.PutUint16(buf, v)
		}
	case 4:
		v := interesting32[rng.Intn(len(interesting32))]
		if bigEndian {
			binary.BigEndian.PutUint32(buf, v)
		} else {
			binary.LittleEndian.PutUint32(buf, v)
		}
	case 8:
		v := interesting64[rng.Intn(len(interesting64))]
		if bigEndian {
			binary.BigEndian.PutUint64(buf, v)
		} else {
			binary.LittleEndian.PutUint64(buf, v)
		}
	}
	copy(out[pos:pos+w], buf)
	return out, true
}
