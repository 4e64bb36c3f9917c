package orchestrator

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/covfuzz-project/covfuzz/internal/crashdir"
	"github.com/covfuzz-project/covfuzz/internal/target"
	"github.com/covfuzz-project/covfuzz/internal/worker"
)

// testWorkerEnvVar, when set in this test binary's own environment, makes
// TestMain re-exec itself as a worker instead of running the test suite.
// This is the same "helper process" trick the standard library's own
// os/exec tests use to exercise subprocess-spawning code without a second
// binary: exec.Command(os.Args[0], ...) launches this very test binary
// again, and TestMain intercepts it before the testing framework ever sees
// the extra arguments.
const testWorkerEnvVar = "COVFUZZ_TEST_IS_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(testWorkerEnvVar) == "1" {
		targetName := argAfter(os.Args, "--target")
		ctlIn := os.NewFile(3, "ctl-in")
		ctlOut := os.NewFile(4, "ctl-out")
		if err := worker.Run(ctlIn, ctlOut, targetName); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// argAfter returns the argument following flag in args, mirroring how a
// real CLI's flag parser would resolve "--target <name>" from the worker
// subcommand's argv.
func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func baseConfig(t *testing.T, targetName string) Config {
	t.Helper()
	return Config{
		TargetName:       targetName,
		SelfPath:         os.Args[0],
		WorkerSubcommand: "fuzz-worker",
		WorkerEnvVar:     testWorkerEnvVar,
		NumWorkers:       1,
		MaxInputSize:     64,
		CrashDir:         t.TempDir(),
		StatFrequency:    50 * time.Millisecond,
	}
}

func TestNewRejectsUnknownTarget(t *testing.T) {
	_, err := New(baseConfig(t, "does-not-exist"))
	if err == nil {
		t.Fatalf("expected an error for an unknown target")
	}
}

func TestNewSeedsFreshCorpusWhenNoStateFileExists(t *testing.T) {
	cfg := baseConfig(t, "noop")
	cfg.Seeds = [][]byte{[]byte("alpha"), []byte("beta")}

	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if o.corpus.Size() < 2 {
		t.Fatalf("corpus size = %d, want at least the 2 configured seeds", o.corpus.Size())
	}
}

func TestRunRegressionSeparatesStillCrashingFromFixed(t *testing.T) {
	crashDir := t.TempDir()
	dir, err := crashdir.Open(crashDir)
	if err != nil {
		t.Fatalf("crashdir.Open: %v", err)
	}

	crashing := []byte{0x41, 0x00}
	fixed := []byte("anything-but-0x41-leading")
	if _, err := dir.Write(crashing, ""); err != nil {
		t.Fatalf("writing crashing sample: %v", err)
	}
	if _, err := dir.Write(fixed, ""); err != nil {
		t.Fatalf("writing fixed sample: %v", err)
	}

	summary, err := RunRegression(Config{TargetName: "trivial-crash", CrashDir: crashDir})
	if err != nil {
		t.Fatalf("RunRegression: %v", err)
	}
	if summary.Total != 2 {
		t.Fatalf("Total = %d, want 2", summary.Total)
	}
	if len(summary.StillCrashing) != 1 || summary.StillCrashing[0] != crashdir.Fingerprint(crashing) {
		t.Fatalf("StillCrashing = %v, want exactly the crashing sample's fingerprint", summary.StillCrashing)
	}
	if len(summary.Fixed) != 1 || summary.Fixed[0] != crashdir.Fingerprint(fixed) {
		t.Fatalf("Fixed = %v, want exactly the non-crashing sample's fingerprint", summary.Fixed)
	}
}

func TestRunFindsCrashAndStopsAtMaxCrashes(t *testing.T) {
	if os.Getenv(testWorkerEnvVar) == "1" {
		t.Skip("this process is acting as a worker helper")
	}
	if _, ok := target.Registry["trivial-crash"]; !ok {
		t.Fatalf("trivial-crash missing from registry")
	}

	cfg := baseConfig(t, "trivial-crash")
	cfg.MaxCrashes = 1
	// trivial-crash divides by zero iff the first byte is 0x41. Seeding with
	// several leading 0x41 bytes means most single-byte mutations (which
	// touch one byte at a random offset) still leave byte 0 untouched, so a
	// crash is found within the first handful of rounds.
	cfg.Seeds = [][]byte{{0x41, 0x41, 0x41, 0x41, 0x41, 0x41, 0x41, 0x41}}

	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	summary, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Crashes < 1 {
		t.Fatalf("Crashes = %d, want at least 1", summary.Crashes)
	}

	entries, err := o.crashes.List()
	if err != nil {
		t.Fatalf("listing crash directory: %v", err)
	}
	if len(entries) < 1 {
		t.Fatalf("expected at least one crash file on disk")
	}
}
