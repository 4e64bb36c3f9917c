// Package orchestrator implements the parent-process fuzzing session (spec
// §4.6 "Orchestrator"): the Initializing -> Running -> Draining -> Stopped
// state machine that spawns workers, merges their findings into the
// canonical corpus and coverage map, checkpoints to disk, and tears down
// cleanly.
//
// Grounded on Ankou's fuzz-loop.go/management.go (the top-level
// StartFuzz/fuzzing loop, its os.Interrupt signal handler, and its
// frkSrv.destroy process-teardown pattern) and on
// other_examples/dvyukov-go-fuzz__main.go's worker-roster/crash-merge
// shape, generalized from AFL shared-memory workers to this engine's
// pipe-IPC subprocess workers.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/covfuzz-project/covfuzz/internal/corpus"
	"github.com/covfuzz-project/covfuzz/internal/coveragemap"
	"github.com/covfuzz-project/covfuzz/internal/crashdir"
	"github.com/covfuzz-project/covfuzz/internal/ipc"
	"github.com/covfuzz-project/covfuzz/internal/report"
	"github.com/covfuzz-project/covfuzz/internal/statestore"
	"github.com/covfuzz-project/covfuzz/internal/target"
)

// State is the orchestrator's life-cycle stage (spec §4.6 "FSM").
type State int

const (
	StateInitializing State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StartMethod selects how workers are spawned. Go has no fork(2) that can
// safely resume in a multi-threaded runtime (spec §9 "fork vs forkserver"),
// so both Spawn and Forkserver resolve to the same persistent, re-exec'd
// worker process this package already implements: a worker amortizes its
// startup cost across many rounds exactly the way a forkserver does, which
// makes a literal one-process-per-input "raw spawn" redundant to also
// build. Fork is rejected by the CLI layer before an Orchestrator ever sees
// it.
type StartMethod int

const (
	StartSpawn StartMethod = iota
	StartForkserver
)

// Config configures one fuzzing session.
type Config struct {
	TargetName string

	SelfPath          string // os.Args[0]; the binary re-exec'd as each worker.
	WorkerSubcommand  string // hidden subcommand the binary dispatches to worker.Run.
	WorkerEnvVar      string // set in the worker's environment so main.go can detect re-exec.
	NumWorkers        int    // <= 0 means runtime.NumCPU().
	StartMethod       StartMethod

	MaxInputSize int
	DictPath     string
	CloseStdout  bool
	CloseStderr  bool

	StatePath string
	CrashDir  string

	MaxTime       time.Duration // 0 means unbounded.
	MaxCrashes    int           // 0 means unbounded.
	StatFrequency time.Duration // <= 0 defaults to 3s.
	RSSLimitMB    int           // 0 means unbounded.

	Seeds [][]byte // initial corpus, used only when no state file exists yet.

	Debug  bool
	Live   bool // redraw an in-place status board instead of printing progress lines.
	Output *log.Logger // warnings (worker restarts, checkpoint failures); nil defaults to a logger on os.Stderr. Progress lines go to os.Stdout directly.
}

const defaultCheckpointFrequency = 30 * time.Second
const drainGracePeriod = 2 * time.Second

// Summary is what Run returns once the session reaches Stopped.
type Summary struct {
	Elapsed    time.Duration
	Executions uint64
	Crashes    int
	CorpusSize int
	KnownEdges int
	Stopped    bool // true if termination was a requested stop (signal/max-time/max-crashes), not an error
}

// workerProc is one live worker subprocess and the parent's handles to it.
type workerProc struct {
	index      int
	cmd        *exec.Cmd
	ctlWriter  *ipc.Writer
	executions uint64
	localEdges int
}

// workerEvent is what a worker's reader goroutine forwards to the
// orchestrator's main select loop.
type workerEvent struct {
	workerIndex int
	env         *ipc.Envelope
	err         error // non-nil: this worker's control channel ended.
}

// Orchestrator owns the canonical session state and the worker roster.
type Orchestrator struct {
	cfg Config
	log *log.Logger

	mu       sync.Mutex // guards corpus/coverage/crashes bookkeeping below
	corpus   *corpus.Corpus
	coverage *coveragemap.Map
	crashes  *crashdir.Dir
	state    State
	crashCnt int

	executions uint64 // atomic-free: only ever touched from the single event-loop goroutine

	workers []*workerProc
	events  chan workerEvent

	board *report.Board // non-nil when cfg.Live is set
}

// New builds an Orchestrator: opens the crash directory, loads a checkpoint
// if one exists (spec §4.7(a): "absent file means start empty"; a corrupt
// file is a fatal error, never silently treated as empty), and otherwise
// seeds a fresh corpus from cfg.Seeds.
func New(cfg Config) (*Orchestrator, error) {
	if _, ok := target.Registry[cfg.TargetName]; !ok {
		return nil, fmt.Errorf("orchestrator: unknown target %q", cfg.TargetName)
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = runtime.NumCPU()
	}
	if cfg.StatFrequency <= 0 {
		cfg.StatFrequency = 3 * time.Second
	}
	if cfg.Output == nil {
		cfg.Output = log.New(os.Stderr, "", 0)
	}

	crashes, err := crashdir.Open(cfg.CrashDir)
	if err != nil {
		return nil, err
	}

	var c *corpus.Corpus
	var cov *coveragemap.Map
	if cfg.StatePath != "" {
		c, cov, err = statestore.Load(cfg.StatePath)
	} else {
		err = os.ErrNotExist
	}
	switch {
	case err == nil:
		// resumed: seeds are ignored, the checkpoint already has everything.
	case os.IsNotExist(err):
		c = corpus.New()
		cov = coveragemap.New()
		for _, seed := range cfg.Seeds {
			c.Put(seed)
		}
		c.Put([]byte{}) // spec §4.2: the empty string is always a valid seed of last resort.
	default:
		return nil, fmt.Errorf("orchestrator: loading state file %s: %w", cfg.StatePath, err)
	}

	var board *report.Board
	if cfg.Live {
		board = report.NewBoard(cfg.TargetName)
	}

	return &Orchestrator{
		cfg:      cfg,
		log:      cfg.Output,
		corpus:   c,
		coverage: cov,
		crashes:  crashes,
		state:    StateInitializing,
		events:   make(chan workerEvent, 256),
		board:    board,
	}, nil
}

// Run drives the session to completion: spawn workers, process their
// findings until a stop condition fires, drain, checkpoint, and return.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	start := time.Now()

	for i := 0; i < o.cfg.NumWorkers; i++ {
		if err := o.spawnWorker(i); err != nil {
			o.killAll()
			return Summary{}, fmt.Errorf("orchestrator: spawning worker %d: %w", i, err)
		}
	}
	o.state = StateRunning

	statTicker := time.NewTicker(o.cfg.StatFrequency)
	defer statTicker.Stop()
	checkpointTicker := time.NewTicker(defaultCheckpointFrequency)
	defer checkpointTicker.Stop()

	var rssTicker *time.Ticker
	var rssC <-chan time.Time
	if o.cfg.RSSLimitMB > 0 {
		rssTicker = time.NewTicker(time.Second)
		rssC = rssTicker.C
		defer rssTicker.Stop()
	}

	var maxTimeC <-chan time.Time
	if o.cfg.MaxTime > 0 {
		timer := time.NewTimer(o.cfg.MaxTime)
		defer timer.Stop()
		maxTimeC = timer.C
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	stopRequested := false
runLoop:
	for {
		select {
		case ev := <-o.events:
			if ev.err != nil {
				o.log.Printf("worker %d control channel ended: %v, restarting it", ev.workerIndex, ev.err)
				if ev.workerIndex < len(o.workers) {
					o.workers[ev.workerIndex] = nil
				}
				o.respawnWorker(ev.workerIndex)
				continue
			}
			o.handleReport(ev)
			if o.cfg.MaxCrashes > 0 && o.crashCountSnapshot() >= o.cfg.MaxCrashes {
				stopRequested = true
				break runLoop
			}

		case <-statTicker.C:
			o.printProgress(start)

		case <-checkpointTicker.C:
			o.checkpoint()

		case <-rssC:
			o.enforceRSSLimits()

		case <-maxTimeC:
			stopRequested = true
			break runLoop

		case <-sigCh:
			stopRequested = true
			break runLoop

		case <-ctx.Done():
			stopRequested = true
			break runLoop
		}
	}

	o.state = StateDraining
	o.drain()
	o.checkpoint()
	o.state = StateStopped

	summary := Summary{
		Elapsed:    time.Since(start),
		Executions: o.executions,
		Crashes:    o.crashCountSnapshot(),
		CorpusSize: o.corpus.Size(),
		KnownEdges: o.coverageSize(),
		Stopped:    stopRequested,
	}
	return summary, nil
}

// handleReport applies one worker finding to the canonical state and
// broadcasts genuinely new coverage to every other worker (spec §4.6
// "merge"). A crash report and a coverage report are merged identically;
// the only difference is whether the sample also goes to the crash
// directory (spec §9's "new coverage inside a crash" resolved as a single
// merge path, per the spec's own suggested resolution).
func (o *Orchestrator) handleReport(ev workerEvent) {
	switch ev.env.Type {
	case ipc.MsgHeartbeat:
		o.executions += ev.env.Heartbeat.Executions
		if ev.workerIndex < len(o.workers) {
			o.workers[ev.workerIndex].executions += ev.env.Heartbeat.Executions
		}

	case ipc.MsgReportNewCoverage:
		r := ev.env.Report
		o.mu.Lock()
		newEdges := o.coverage.Merge(coveragemap.FromCounts(r.NewEdges))
		o.mu.Unlock()
		if !newEdges.IsEmpty() && o.corpus.Put(r.Sample) {
			if ev.workerIndex < len(o.workers) {
				o.workers[ev.workerIndex].localEdges += newEdges.Size()
			}
			o.broadcast(r.Sample, newEdges.Counts(), ev.workerIndex)
		}

	case ipc.MsgReportCrash:
		r := ev.env.Report
		o.mu.Lock()
		newEdges := o.coverage.Merge(coveragemap.FromCounts(r.NewEdges))
		written, err := o.crashes.Write(r.Sample, "")
		if err != nil {
			o.log.Printf("recording crash: %v", err)
		} else if written {
			o.crashCnt++
		}
		o.mu.Unlock()
		if !newEdges.IsEmpty() && o.corpus.Put(r.Sample) {
			o.broadcast(r.Sample, newEdges.Counts(), ev.workerIndex)
		}
	}
}

// broadcast pushes a newly-interesting sample to every worker but the one
// that found it (spec §4.6 "broadcast it to all workers").
func (o *Orchestrator) broadcast(sample []byte, edges map[coveragemap.Edge]uint64, fromIndex int) {
	for i, w := range o.workers {
		if i == fromIndex || w == nil {
			continue
		}
		if err := w.ctlWriter.WriteEnvelope(&ipc.Envelope{
			Type:      ipc.MsgBroadcast,
			Broadcast: &ipc.Broadcast{Sample: sample, NewEdges: edges},
		}); err != nil {
			o.log.Printf("broadcasting to worker %d: %v", i, err)
		}
	}
}

// spawnWorker starts the subprocess at slot i, wires a dedicated control
// pipe pair to fd 3 (parent->child) and fd 4 (child->parent), sends the
// init snapshot, and starts its reader goroutine. The subprocess's own
// stdin/stdout/stderr are left connected to this process's, so the control
// protocol never shares a descriptor with anything the target might write
// to; --close-stdout/--close-stderr silence the target's chatter from
// inside the worker instead (spec §6).
func (o *Orchestrator) spawnWorker(i int) error {
	ctlInR, ctlInW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating control-in pipe: %w", err)
	}
	ctlOutR, ctlOutW, err := os.Pipe()
	if err != nil {
		ctlInR.Close()
		ctlInW.Close()
		return fmt.Errorf("creating control-out pipe: %w", err)
	}

	cmd := exec.Command(o.cfg.SelfPath, o.cfg.WorkerSubcommand, "--target", o.cfg.TargetName)
	cmd.ExtraFiles = []*os.File{ctlInR, ctlOutW}
	cmd.Env = append(os.Environ(), o.cfg.WorkerEnvVar+"=1")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		ctlInR.Close()
		ctlInW.Close()
		ctlOutR.Close()
		ctlOutW.Close()
		return fmt.Errorf("starting worker subprocess: %w", err)
	}
	// The child has its own copies of these two (via ExtraFiles); the
	// parent only needs the other two ends.
	ctlInR.Close()
	ctlOutW.Close()

	wp := &workerProc{
		index:     i,
		cmd:       cmd,
		ctlWriter: ipc.NewWriter(ctlInW),
	}

	if err := wp.ctlWriter.WriteEnvelope(&ipc.Envelope{
		Type: ipc.MsgInit,
		Init: &ipc.Init{
			Corpus:       o.corpus.Iter(),
			Coverage:     o.coverage.Counts(),
			MaxInputSize: o.cfg.MaxInputSize,
			DictPath:     o.cfg.DictPath,
			CloseStdout:  o.cfg.CloseStdout,
			CloseStderr:  o.cfg.CloseStderr,
		},
	}); err != nil {
		cmd.Process.Kill()
		ctlInW.Close()
		ctlOutR.Close()
		return fmt.Errorf("sending init to worker %d: %w", i, err)
	}

	for len(o.workers) <= i {
		o.workers = append(o.workers, nil)
	}
	o.workers[i] = wp

	reader := ipc.NewReader(ctlOutR)
	go func() {
		for {
			env, err := reader.ReadEnvelope()
			if err != nil {
				o.events <- workerEvent{workerIndex: i, err: err}
				return
			}
			o.events <- workerEvent{workerIndex: i, env: env}
		}
	}()

	return nil
}

// respawnWorker replaces a dead or killed worker at slot i with a fresh one
// carrying the current canonical snapshot, so a single worker crash (an RSS
// kill, or the subprocess itself dying) doesn't shrink the fleet for the
// rest of the session.
func (o *Orchestrator) respawnWorker(i int) {
	if err := o.spawnWorker(i); err != nil {
		o.log.Printf("respawning worker %d: %v", i, err)
	}
}

// enforceRSSLimits kills and respawns any worker whose resident set size
// exceeds cfg.RSSLimitMB (SPEC_FULL.md's supplemented OOM-guard feature).
// The orchestrator cannot attribute the excess to a specific input, since
// the offending worker dies before it can report one; it restarts the
// worker with the last-known-good canonical snapshot and moves on rather
// than guessing at a causative sample.
func (o *Orchestrator) enforceRSSLimits() {
	for i, w := range o.workers {
		if w == nil || w.cmd.Process == nil {
			continue
		}
		kb, err := readRSSKB(w.cmd.Process.Pid)
		if err != nil {
			continue // /proc unavailable (non-Linux, or the process just exited): nothing to enforce.
		}
		if kb/1024 <= o.cfg.RSSLimitMB {
			continue
		}
		o.log.Printf("worker %d exceeded RSS limit (%d MiB > %d MiB), restarting", i, kb/1024, o.cfg.RSSLimitMB)
		unix.Kill(w.cmd.Process.Pid, unix.SIGKILL)
		w.cmd.Wait()
		o.workers[i] = nil
		o.respawnWorker(i)
	}
}

// drain sends every live worker a shutdown message, waits up to
// drainGracePeriod for it to exit on its own, and escalates to SIGKILL for
// stragglers (spec §4.6 "Draining").
func (o *Orchestrator) drain() {
	for _, w := range o.workers {
		if w == nil {
			continue
		}
		if err := w.ctlWriter.WriteEnvelope(&ipc.Envelope{Type: ipc.MsgShutdown}); err != nil {
			o.log.Printf("sending shutdown to worker %d: %v", w.index, err)
		}
	}

	var wg sync.WaitGroup
	for _, w := range o.workers {
		if w == nil {
			continue
		}
		wg.Add(1)
		go func(w *workerProc) {
			defer wg.Done()
			done := make(chan struct{})
			go func() {
				w.cmd.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(drainGracePeriod):
				if w.cmd.Process != nil {
					unix.Kill(w.cmd.Process.Pid, unix.SIGKILL)
				}
				<-done
			}
		}(w)
	}
	wg.Wait()
}

// killAll is used only when spawning fails partway through, to tear down
// whatever already-started workers exist before returning an error.
func (o *Orchestrator) killAll() {
	for _, w := range o.workers {
		if w != nil && w.cmd.Process != nil {
			w.cmd.Process.Kill()
			w.cmd.Wait()
		}
	}
}

// checkpoint persists the canonical corpus and coverage map, if a state
// path was configured (spec §4.7).
func (o *Orchestrator) checkpoint() {
	if o.cfg.StatePath == "" {
		return
	}
	o.mu.Lock()
	c, cov := o.corpus, o.coverage
	o.mu.Unlock()
	if err := statestore.Save(o.cfg.StatePath, c, cov); err != nil {
		o.log.Printf("checkpoint failed: %v", err)
	}
}

func (o *Orchestrator) printProgress(start time.Time) {
	elapsed := time.Since(start)
	execs := o.executions
	var rate float64
	if elapsed > 0 {
		rate = float64(execs) / elapsed.Seconds()
	}
	progress := report.Progress{
		Elapsed:        elapsed,
		Executions:     execs,
		ExecsPerSecond: rate,
		KnownEdges:     o.coverageSize(),
		CorpusSize:     o.corpus.Size(),
		Crashes:        o.crashCountSnapshot(),
	}
	if o.board != nil {
		o.board.Refresh(progress)
	} else {
		report.PrintLine(os.Stdout, progress)
	}
	if o.cfg.Debug {
		stats := make([]report.WorkerStat, 0, len(o.workers))
		for _, w := range o.workers {
			if w == nil {
				continue
			}
			stats = append(stats, report.WorkerStat{Index: w.index, Executions: w.executions, LocalEdges: w.localEdges})
		}
		report.PrintWorkerTable(os.Stdout, stats)
	}
}

func (o *Orchestrator) crashCountSnapshot() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.crashCnt
}

func (o *Orchestrator) coverageSize() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.coverage.Size()
}
