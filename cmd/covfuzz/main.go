// Command covfuzz is the coverage-guided fuzzing engine's CLI: `fuzz` runs a
// session, `show` lists recorded crashes, `regress` replays them against the
// current target build, and the hidden `fuzz-worker` subcommand is how the
// orchestrator re-execs this same binary as a worker subprocess.
//
// Grounded on Ankou's setup.go Parse()/Arguments, generalized from one
// flat flag.FlagSet to per-subcommand FlagSets the way the stdlib's own
// `go` tool dispatches subcommands — Ankou and RiemaLabs both reach for the
// stdlib flag package rather than a third-party CLI framework, so this
// engine does too.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/covfuzz-project/covfuzz/internal/crashdir"
	"github.com/covfuzz-project/covfuzz/internal/orchestrator"
	"github.com/covfuzz-project/covfuzz/internal/report"
	"github.com/covfuzz-project/covfuzz/internal/target"
	"github.com/covfuzz-project/covfuzz/internal/worker"
)

// workerSubcommand and workerEnvVar are the self-reexec contract (spec §9
// "dynamic target loading"/"fork vs forkserver"): the orchestrator spawns
// os.Args[0] again with this subcommand and this variable set, and the
// worker branch below recognizes it before any other flag parsing happens.
const (
	workerSubcommand = "fuzz-worker"
	workerEnvVar     = "COVFUZZ_WORKER"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "fuzz":
		err = runFuzz(os.Args[2:])
	case "show":
		err = runShow(os.Args[2:])
	case "regress":
		err = runRegress(os.Args[2:])
	case workerSubcommand:
		err = runWorker(os.Args[2:])
	case "-h", "-help", "--help", "help":
		usage()
		os.Exit(0)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Printf("covfuzz: %v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: covfuzz <fuzz|show|regress> [flags] [SEED_DIR]\n")
}

// runWorker is what a re-exec'd subprocess runs: worker.Run owns the
// process from here until the orchestrator shuts it down or its control
// channel is severed.
func runWorker(args []string) error {
	fs := flag.NewFlagSet(workerSubcommand, flag.ContinueOnError)
	targetName := fs.String("target", "", "registered target name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if os.Getenv(workerEnvVar) != "1" {
		return fmt.Errorf("fuzz-worker must only be invoked by the orchestrator's re-exec (missing %s=1)", workerEnvVar)
	}
	ctlIn := os.NewFile(3, "ctl-in")
	ctlOut := os.NewFile(4, "ctl-out")
	if ctlIn == nil || ctlOut == nil {
		return fmt.Errorf("fuzz-worker expects control file descriptors 3 and 4")
	}
	return worker.Run(ctlIn, ctlOut, *targetName)
}

// runFuzz parses `fuzz` flags, builds an orchestrator.Config, and drives a
// session to completion (spec §6).
func runFuzz(args []string) error {
	fs := flag.NewFlagSet("fuzz", flag.ExitOnError)

	targetName := fs.String("target", "", "registered target name ("+strings.Join(sortedNames(target.Names()), ", ")+")")
	crashDir := fs.String("crash-dir", "./crashes", "directory to record crashing inputs in")
	statePath := fs.String("state", "", "checkpoint file path (empty disables checkpointing)")
	numWorkers := fs.Int("num-workers", 0, "worker subprocess count (default: number of CPUs)")
	maxTime := fs.Duration("max-time", 0, "stop after this long (0 = unbounded)")
	maxCrashes := fs.Int("max-crashes", 0, "stop after this many distinct crashes (0 = unbounded)")
	statFrequency := fs.Duration("stat-frequency", 3*time.Second, "progress line interval")
	closeStdout := fs.Bool("close-stdout", false, "silence the target's stdout inside each worker")
	closeStderr := fs.Bool("close-stderr", false, "silence the target's stderr inside each worker")
	startMethod := fs.String("start-method", "spawn", "worker start method: spawn, forkserver (fork is rejected)")
	rssLimitMB := fs.Int("rss-limit-mb", 2048, "per-worker resident memory limit in MiB (0 = unbounded)")
	maxInputSize := fs.Int("max-input-size", 4096, "maximum mutated input size in bytes")
	dictPath := fs.String("dict", "", "AFL-style dictionary file")
	debug := fs.Bool("debug", false, "print the per-worker execution table alongside progress lines")
	live := fs.Bool("live", false, "redraw an in-place status board instead of printing progress lines")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *targetName == "" {
		return fmt.Errorf("--target is required")
	}

	var method orchestrator.StartMethod
	switch *startMethod {
	case "spawn":
		method = orchestrator.StartSpawn
	case "forkserver":
		method = orchestrator.StartForkserver
	case "fork":
		return fmt.Errorf("--start-method=fork is not supported: Go cannot safely fork(2) a multi-threaded runtime")
	default:
		return fmt.Errorf("unknown --start-method %q", *startMethod)
	}

	var seeds [][]byte
	if seedDir := fs.Arg(0); seedDir != "" {
		var err error
		seeds, err = loadSeeds(seedDir)
		if err != nil {
			return err
		}
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving own executable path: %w", err)
	}

	o, err := orchestrator.New(orchestrator.Config{
		TargetName:       *targetName,
		SelfPath:         self,
		WorkerSubcommand: workerSubcommand,
		WorkerEnvVar:     workerEnvVar,
		NumWorkers:       *numWorkers,
		StartMethod:      method,
		MaxInputSize:     *maxInputSize,
		DictPath:         *dictPath,
		CloseStdout:      *closeStdout,
		CloseStderr:      *closeStderr,
		StatePath:        *statePath,
		CrashDir:         *crashDir,
		MaxTime:          *maxTime,
		MaxCrashes:       *maxCrashes,
		StatFrequency:    *statFrequency,
		RSSLimitMB:       *rssLimitMB,
		Seeds:            seeds,
		Debug:            *debug,
		Live:             *live,
	})
	if err != nil {
		return err
	}

	summary, err := o.Run(context.Background())
	if err != nil {
		return err
	}

	log.Printf("fuzzing stopped (requested=%v): %d executions, %d edges, %d corpus entries, %d crashes, elapsed %s",
		summary.Stopped, summary.Executions, summary.KnownEdges, summary.CorpusSize, summary.Crashes, summary.Elapsed.Round(time.Second))
	if summary.Crashes > 0 {
		os.Exit(1) // spec §6: exit 1 signals "the session recorded at least one crash".
	}
	return nil
}

// runShow lists everything in the crash directory (spec §6).
func runShow(args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	crashDirPath := fs.String("crash-dir", "./crashes", "directory to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dir, err := crashdir.Open(*crashDirPath)
	if err != nil {
		return err
	}
	entries, err := dir.List()
	if err != nil {
		return err
	}
	report.PrintCrashTable(os.Stdout, entries)
	return nil
}

// runRegress replays every recorded crash against the current target build
// (spec §4.6 "Regression mode").
func runRegress(args []string) error {
	fs := flag.NewFlagSet("regress", flag.ExitOnError)
	targetName := fs.String("target", "", "registered target name")
	crashDirPath := fs.String("crash-dir", "./crashes", "directory to replay")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *targetName == "" {
		return fmt.Errorf("--target is required")
	}

	summary, err := orchestrator.RunRegression(orchestrator.Config{
		TargetName: *targetName,
		CrashDir:   *crashDirPath,
	})
	if err != nil {
		return err
	}

	log.Printf("regression: %d/%d still crashing, %d fixed", len(summary.StillCrashing), summary.Total, len(summary.Fixed))
	for _, name := range summary.StillCrashing {
		log.Printf("  still crashing: %s", name)
	}
	if len(summary.StillCrashing) > 0 {
		os.Exit(1) // spec §6: exit 1 whenever at least one recorded crash still reproduces.
	}
	return nil
}

// loadSeeds reads every regular file directly inside dir as one seed, per
// spec §6's SEED_DIR positional argument.
func loadSeeds(dir string) ([][]byte, error) {
	infos, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading seed directory %s: %w", dir, err)
	}
	var seeds [][]byte
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		payload, err := os.ReadFile(filepath.Join(dir, info.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading seed file %s: %w", info.Name(), err)
		}
		seeds = append(seeds, payload)
	}
	return seeds, nil
}

func sortedNames(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}
