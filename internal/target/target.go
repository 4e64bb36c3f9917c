// Package target defines the contract between the engine and the
// user-supplied target callable (spec §6 "Target function contract"). The
// target itself is named only by interface in spec.md ("out of scope,
// treated as an external collaborator"); this package supplies that
// interface plus the small set of self-contained demo targets spec §8's
// concrete end-to-end scenarios describe, which double as this repository's
// own coverage-guided end-to-end tests.
package target

import (
	"fmt"
	"runtime/debug"

	"github.com/covfuzz-project/covfuzz/internal/tracer"
)

// Func is the target contract: accept a byte string, return normally or
// return an error. A target may also panic; Invoke treats a panic exactly
// like a returned error (spec §6).
type Func func(in []byte) error

// Registry maps a name (as given to --target) to a compiled-in Func. Spec
// §9's "dynamic target loading" design note is resolved by picking the
// "statically linked function pointer" option it names as simplest; see
// SPEC_FULL.md.
var Registry = map[string]Func{
	"trivial-crash":      TrivialCrash,
	"unreachable-branch": UnreachableBranch,
	"noop":               Noop,
}

// Names returns the registered target names, for CLI usage text.
func Names() []string {
	names := make([]string, 0, len(Registry))
	for name := range Registry {
		names = append(names, name)
	}
	return names
}

// Result is what Invoke reports about one target invocation.
type Result struct {
	Crashed   bool
	ErrorText string
}

// Invoke runs f on in inside a panic-catching boundary (spec §4.5 step 3,
// §7 "inside a worker, every target invocation is wrapped to catch all
// errors"). A panic's textual representation includes a stack summary,
// matching spec §6: "type name + message + stack summary".
func Invoke(f Func, in []byte) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result.Crashed = true
			result.ErrorText = fmt.Sprintf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	if err := f(in); err != nil {
		result.Crashed = true
		result.ErrorText = fmt.Sprintf("%T: %v", err, err)
		return result
	}
	return result
}

// ***** Demo targets *****
//
// Each hand-calls tracer.Hit at its branch points, standing in for the
// compiler pass spec §9 names as out of scope (see SPEC_FULL.md "Tracer
// integration"). Location identifiers are arbitrary but distinct per
// program point, exactly as a real instrumentation pass would assign them.

const (
	locTrivialEntry    uint32 = 1
	locTrivialZeroPath uint32 = 2
	locTrivialDivPath  uint32 = 3

	locUnreachableEntry    uint32 = 10
	locUnreachableWrongLen uint32 = 11
	locUnreachableByte     uint32 = 12 // + i for literal byte i: 12..19
	locUnreachableMatch    uint32 = 21

	locNoopEntry uint32 = 20
)

// TrivialCrash is spec §8 scenario 1: divides by zero iff the first byte
// is 0x41. Any input starting with 0x41 crashes; the empty seed alone
// cannot discover this without mutation inserting that byte.
func TrivialCrash(in []byte) error {
	tracer.Hit(locTrivialEntry)
	if len(in) == 0 {
		return nil
	}
	var divisor int
	if in[0] == 0x41 {
		tracer.Hit(locTrivialZeroPath)
		divisor = 0
	} else {
		tracer.Hit(locTrivialDivPath)
		divisor = 1
	}
	_ = int(in[0]) / divisor
	return nil
}

// unreachableLiteral is the 8-byte string spec §8 scenario 2 requires the
// fuzzer to synthesize from the 5-byte seed "COBRA".
var unreachableLiteral = []byte("COBRA!!!")

// UnreachableBranch is spec §8 scenario 2: raises iff the input equals the
// literal 8-byte string "COBRA!!!" exactly.
func UnreachableBranch(in []byte) error {
	tracer.Hit(locUnreachableEntry)
	if len(in) != len(unreachableLiteral) {
		tracer.Hit(locUnreachableWrongLen)
		return nil
	}
	for i, b := range in {
		// A distinct edge per matching byte gives the fuzzer's coverage
		// feedback a gradient to climb toward the full match, exactly the
		// kind of per-byte signal a real coverage pass on a hand-written
		// comparison loop would produce.
		if b == unreachableLiteral[i] {
			tracer.Hit(locUnreachableByte + uint32(i))
			continue
		}
		return nil
	}
	tracer.Hit(locUnreachableMatch)
	return fmt.Errorf("matched forbidden literal %q", unreachableLiteral)
}

// Noop is spec §8 scenario 3: does nothing, ever. Used to test that a
// fuzzing session terminates cleanly on --max-time without ever recording a
// crash.
func Noop(in []byte) error {
	tracer.Hit(locNoopEntry)
	return nil
}
