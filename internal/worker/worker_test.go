package worker

import (
	"io"
	"testing"
	"time"

	"github.com/covfuzz-project/covfuzz/internal/coveragemap"
	"github.com/covfuzz-project/covfuzz/internal/ipc"
)

// newHarness wires a worker's ctlIn/ctlOut to a test harness standing in for
// the orchestrator, using in-memory pipes instead of real file descriptors.
// It returns the raw parent-to-child pipe writer (so tests can sever the
// connection by closing it), a framed writer over the same pipe, a framed
// reader of the child's reports, and the two ends to hand to Run.
func newHarness(t *testing.T) (*io.PipeWriter, *ipc.Writer, *ipc.Reader, io.Reader, io.Writer) {
	t.Helper()
	childFromParent, parentToChild := io.Pipe()
	parentFromChild, childToParent := io.Pipe()
	return parentToChild, ipc.NewWriter(parentToChild), ipc.NewReader(parentFromChild), childFromParent, childToParent
}

func TestRunReportsNewCoverageThenShutsDownCleanly(t *testing.T) {
	_, toWorker, fromWorker, ctlIn, ctlOut := newHarness(t)

	runDone := make(chan error, 1)
	go func() { runDone <- Run(ctlIn, ctlOut, "unreachable-branch") }()

	if err := toWorker.WriteEnvelope(&ipc.Envelope{
		Type: ipc.MsgInit,
		Init: &ipc.Init{
			Corpus:       [][]byte{[]byte("COBRA!!!")},
			Coverage:     map[coveragemap.Edge]uint64{},
			MaxInputSize: 64,
		},
	}); err != nil {
		t.Fatalf("writing init: %v", err)
	}

	// Drain every report as it arrives for as long as the test runs, so the
	// worker's unbuffered writes never block on an unread pipe; hand the
	// first one over a buffered channel for the assertion below.
	firstReport := make(chan *ipc.Envelope, 1)
	go func() {
		for {
			env, err := fromWorker.ReadEnvelope()
			if err != nil {
				return
			}
			if env.Type != ipc.MsgReportNewCoverage && env.Type != ipc.MsgReportCrash {
				continue // heartbeats are expected traffic, not what this test waits for.
			}
			select {
			case firstReport <- env:
			default:
			}
		}
	}()

	// The worker's corpus contains the exact crashing input and nothing
	// else, so it must eventually report either new coverage or a crash
	// derived from mutating it.
	select {
	case env := <-firstReport:
		if env.Type != ipc.MsgReportNewCoverage && env.Type != ipc.MsgReportCrash {
			t.Fatalf("unexpected report type %v", env.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("worker never reported a finding")
	}

	if err := toWorker.WriteEnvelope(&ipc.Envelope{Type: ipc.MsgShutdown}); err != nil {
		t.Fatalf("writing shutdown: %v", err)
	}

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not exit after shutdown")
	}
}

func TestRunExitsWhenControlChannelIsSevered(t *testing.T) {
	rawWriter, toWorker, fromWorker, ctlIn, ctlOut := newHarness(t)

	done := make(chan error, 1)
	go func() { done <- Run(ctlIn, ctlOut, "noop") }()

	// noop still hits its entry location, so its very first round reports
	// fresh coverage against an empty map; drain it so that write never
	// blocks on an unread pipe.
	go func() {
		for {
			if _, err := fromWorker.ReadEnvelope(); err != nil {
				return
			}
		}
	}()

	if err := toWorker.WriteEnvelope(&ipc.Envelope{
		Type: ipc.MsgInit,
		Init: &ipc.Init{
			Corpus:       [][]byte{[]byte("seed")},
			Coverage:     map[coveragemap.Edge]uint64{},
			MaxInputSize: 16,
		},
	}); err != nil {
		t.Fatalf("writing init: %v", err)
	}

	// Closing the writer end (simulating orchestrator death) must make the
	// background reader observe EOF and the worker must stop, not hang.
	if err := rawWriter.Close(); err != nil {
		t.Fatalf("closing parent-to-child pipe: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not exit after control channel was severed")
	}
}

func TestRunRejectsUnknownTarget(t *testing.T) {
	_, _, _, ctlIn, ctlOut := newHarness(t)
	err := Run(ctlIn, ctlOut, "does-not-exist")
	if err == nil {
		t.Fatalf("expected an error for an unknown target")
	}
}
