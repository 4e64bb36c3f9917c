// Package worker implements the child-process fuzzing loop (spec §4.5).
// A worker is a subprocess spawned by the orchestrator; Run is its entire
// life, communicating over a dedicated control channel (never the
// process's own stdin/stdout/stderr, which the target under test may write
// to — spec §6 --close-stdout/--close-stderr exists to suppress exactly
// that chatter without disturbing the control channel).
package worker

import (
	"fmt"
	"io"
	"os"

	"github.com/covfuzz-project/covfuzz/internal/coveragemap"
	"github.com/covfuzz-project/covfuzz/internal/ipc"
	"github.com/covfuzz-project/covfuzz/internal/mutate"
	"github.com/covfuzz-project/covfuzz/internal/rngsrc"
	"github.com/covfuzz-project/covfuzz/internal/target"
	"github.com/covfuzz-project/covfuzz/internal/tracer"

	"github.com/covfuzz-project/covfuzz/internal/corpus"
)

// Run is the worker's main loop. ctlIn/ctlOut are the dedicated control
// pipe's ends (fd 3 and fd 4 in the spawned child, per cmd/covfuzz), never
// the process's inherited stdin/stdout. Run blocks until the orchestrator
// sends a shutdown message or the control channel is severed (parent
// death), per spec §4.5 "the worker never terminates voluntarily".
func Run(ctlIn io.Reader, ctlOut io.Writer, targetName string) error {
	f, ok := target.Registry[targetName]
	if !ok {
		return fmt.Errorf("worker: unknown target %q", targetName)
	}

	reader := ipc.NewReader(ctlIn)
	writer := ipc.NewWriter(ctlOut)

	env, err := reader.ReadEnvelope()
	if err != nil {
		return fmt.Errorf("worker: reading init message: %w", err)
	}
	if env.Type != ipc.MsgInit || env.Init == nil {
		return fmt.Errorf("worker: expected init message, got type %v", env.Type)
	}
	init := env.Init

	if init.CloseStdout {
		if devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0); err == nil {
			os.Stdout = devNull
		}
	}
	if init.CloseStderr {
		if devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0); err == nil {
			os.Stderr = devNull
		}
	}

	localCorpus := corpus.New()
	for _, sample := range init.Corpus {
		localCorpus.Put(sample)
	}
	localCoverage := coveragemap.FromCounts(init.Coverage)

	dict, _ := mutate.LoadDictionary(init.DictPath) // a bad/missing dict degrades to "no dictionary", not fatal.
	mutOpts := mutate.Options{MaxInputSize: init.MaxInputSize, Dictionary: dict}

	adapter := tracer.New()
	adapter.EnsureInstalled()
	rng := rngsrc.Source{}

	incoming := make(chan *ipc.Envelope, 64)
	done := make(chan struct{})
	go pumpIncoming(reader, incoming, done)

	var roundsSinceHeartbeat uint64
	for {
		select {
		case <-done:
			return nil
		default:
		}

		if err := runOneRound(f, localCorpus, localCoverage, adapter, rng, mutOpts, writer); err != nil {
			return fmt.Errorf("worker: reporting to orchestrator: %w", err)
		}
		drainBroadcasts(incoming, localCorpus, localCoverage)

		roundsSinceHeartbeat++
		if roundsSinceHeartbeat >= heartbeatInterval {
			if err := writer.WriteEnvelope(&ipc.Envelope{
				Type:      ipc.MsgHeartbeat,
				Heartbeat: &ipc.Heartbeat{Executions: roundsSinceHeartbeat},
			}); err != nil {
				return fmt.Errorf("worker: sending heartbeat: %w", err)
			}
			roundsSinceHeartbeat = 0
		}
	}
}

// heartbeatInterval bounds how often a worker reports throughput to the
// orchestrator, trading stat freshness for wire traffic (spec §4.6 "exec/s").
const heartbeatInterval = 256

// runOneRound is spec §4.5 steps 1-6: sample, mutate, reset tracer, invoke,
// drain, merge, and report.
func runOneRound(
	f target.Func,
	localCorpus *corpus.Corpus,
	localCoverage *coveragemap.Map,
	adapter *tracer.Adapter,
	rng rngsrc.Source,
	mutOpts mutate.Options,
	writer *ipc.Writer,
) error {
	sample := localCorpus.Sample(rng)
	mutated := mutate.Mutate(sample, rng, mutOpts)

	adapter.EnsureInstalled()
	adapter.Reset()
	result := target.Invoke(f, mutated)
	local := adapter.Drain()
	newEdges := localCoverage.Merge(local)

	switch {
	case result.Crashed:
		if !newEdges.IsEmpty() {
			localCorpus.Put(mutated)
		}
		return writer.WriteEnvelope(&ipc.Envelope{
			Type: ipc.MsgReportCrash,
			Report: &ipc.Report{
				Type:      ipc.MsgReportCrash,
				Sample:    mutated,
				ErrorText: result.ErrorText,
				NewEdges:  newEdges.Counts(),
			},
		})
	case !newEdges.IsEmpty():
		localCorpus.Put(mutated)
		return writer.WriteEnvelope(&ipc.Envelope{
			Type: ipc.MsgReportNewCoverage,
			Report: &ipc.Report{
				Type:     ipc.MsgReportNewCoverage,
				Sample:   mutated,
				NewEdges: newEdges.Counts(),
			},
		})
	default:
		// Nothing new: discard per spec §4.5 step 6.
		return nil
	}
}

// pumpIncoming continuously reads the control channel in the background so
// broadcasts can be consumed without blocking the fuzzing loop (spec §4.5
// step 7, spec §5 "non-blocking"). It closes done when the channel reports
// a shutdown message or is severed.
func pumpIncoming(reader *ipc.Reader, incoming chan<- *ipc.Envelope, done chan<- struct{}) {
	defer close(done)
	for {
		env, err := reader.ReadEnvelope()
		if err != nil {
			return // parent death or clean close: stop, the main loop will exit too.
		}
		if env.Type == ipc.MsgShutdown {
			return
		}
		incoming <- env
	}
}

// drainBroadcasts applies every broadcast currently buffered, without
// blocking when none are pending (spec §4.5 step 7).
func drainBroadcasts(incoming <-chan *ipc.Envelope, localCorpus *corpus.Corpus, localCoverage *coveragemap.Map) {
	for {
		select {
		case env := <-incoming:
			if env.Type == ipc.MsgBroadcast && env.Broadcast != nil {
				localCorpus.Put(env.Broadcast.Sample)
				localCoverage.Merge(coveragemap.FromCounts(env.Broadcast.NewEdges))
			}
		default:
			return
		}
	}
}
