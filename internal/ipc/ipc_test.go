package ipc

import (
	"bytes"
	"testing"

	"github.com/covfuzz-project/covfuzz/internal/coveragemap"
)

func TestWriteReadRoundTripsInit(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	r := NewReader(&buf)

	sent := &Envelope{
		Type: MsgInit,
		Init: &Init{
			Corpus:       [][]byte{[]byte("seed1"), []byte("seed2")},
			Coverage:     map[coveragemap.Edge]uint64{{Prev: 1, Cur: 2}: 3},
			MaxInputSize: 4096,
			DictPath:     "/tmp/dict.txt",
		},
	}
	if err := w.WriteEnvelope(sent); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}

	got, err := r.ReadEnvelope()
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if got.Type != MsgInit {
		t.Fatalf("Type = %v, want MsgInit", got.Type)
	}
	if len(got.Init.Corpus) != 2 || string(got.Init.Corpus[0]) != "seed1" {
		t.Fatalf("Init.Corpus round-trip mismatch: %v", got.Init.Corpus)
	}
	if got.Init.Coverage[coveragemap.Edge{Prev: 1, Cur: 2}] != 3 {
		t.Fatalf("Init.Coverage round-trip mismatch: %v", got.Init.Coverage)
	}
}

func TestWriteReadMultipleFramesInOrder(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	r := NewReader(&buf)

	for i := 0; i < 5; i++ {
		env := &Envelope{
			Type:   MsgReportNewCoverage,
			Report: &Report{Type: MsgReportNewCoverage, Sample: []byte{byte(i)}},
		}
		if err := w.WriteEnvelope(env); err != nil {
			t.Fatalf("WriteEnvelope #%d: %v", i, err)
		}
	}

	for i := 0; i < 5; i++ {
		got, err := r.ReadEnvelope()
		if err != nil {
			t.Fatalf("ReadEnvelope #%d: %v", i, err)
		}
		if got.Report.Sample[0] != byte(i) {
			t.Fatalf("frame %d out of order: got sample %v", i, got.Report.Sample)
		}
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	r := NewReader(&buf)

	sent := &Envelope{Type: MsgHeartbeat, Heartbeat: &Heartbeat{Executions: 256}}
	if err := w.WriteEnvelope(sent); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}
	got, err := r.ReadEnvelope()
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if got.Type != MsgHeartbeat || got.Heartbeat.Executions != 256 {
		t.Fatalf("Heartbeat round-trip mismatch: %+v", got)
	}
}

func TestReadEnvelopeEOFOnEmptyStream(t *testing.T) {
	var buf bytes.Buffer
	r := NewReader(&buf)
	if _, err := r.ReadEnvelope(); err == nil {
		t.Fatalf("expected an error (EOF) reading from an empty stream")
	}
}

func TestCrashReportRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	r := NewReader(&buf)

	sent := &Envelope{
		Type: MsgReportCrash,
		Report: &Report{
			Type:      MsgReportCrash,
			Sample:    []byte("crashy"),
			ErrorText: "boom",
			NewEdges:  map[coveragemap.Edge]uint64{{Prev: 0, Cur: 9}: 1},
		},
	}
	if err := w.WriteEnvelope(sent); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}
	got, err := r.ReadEnvelope()
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if got.Report.ErrorText != "boom" || string(got.Report.Sample) != "crashy" {
		t.Fatalf("Report round-trip mismatch: %+v", got.Report)
	}
}
