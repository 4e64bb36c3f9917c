// Package ipc implements the length-prefixed, gob-encoded framing used on
// the bidirectional channel between the orchestrator and each worker
// process (spec §9 "Worker transport"). Grounded on
// other_examples/dvyukov-go-fuzz__main.go's fixed-width read/write helpers
// over a file descriptor, generalized from raw scalars to typed envelopes
// the way cobrafuzz's fuzzer.py frames messages over a
// multiprocessing.Pipe.
package ipc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/covfuzz-project/covfuzz/internal/coveragemap"
)

// MessageType discriminates the envelope kinds carried on the wire.
type MessageType uint8

const (
	// Parent -> child.
	MsgInit MessageType = iota + 1
	MsgBroadcast
	MsgShutdown

	// Child -> parent.
	MsgReportNewCoverage
	MsgReportCrash
	MsgHeartbeat
)

// maxFrameSize bounds a single frame to guard against a corrupted length
// prefix turning into an unbounded allocation.
const maxFrameSize = 256 << 20 // 256 MiB

// Init is the parent's startup snapshot to a freshly spawned worker (spec
// §4.5: "The worker receives, at startup ... the initial corpus, the
// initial coverage map, and a configuration record").
type Init struct {
	Corpus       [][]byte
	Coverage     map[coveragemap.Edge]uint64
	MaxInputSize int
	DictPath     string
	CloseStdout  bool
	CloseStderr  bool
}

// Broadcast is a single newly interesting sample plus the edges it exposed,
// pushed from the orchestrator to every worker (spec §4.6 "broadcast it to
// all workers").
type Broadcast struct {
	Sample   []byte
	NewEdges map[coveragemap.Edge]uint64
}

// Report is a worker's finding (spec §3 "WorkerReport"). Type distinguishes
// NewCoverage from Crash; ErrorText is only meaningful for a crash report.
type Report struct {
	Type      MessageType
	Sample    []byte
	ErrorText string
	NewEdges  map[coveragemap.Edge]uint64
}

// Heartbeat reports execution throughput since the previous heartbeat, so
// the orchestrator can compute exec/s without a message per invocation
// (spec §4.6 "exec/s" in the progress line).
type Heartbeat struct {
	Executions uint64
}

// Envelope is the one wire message type; exactly one of the pointer fields
// is populated, selected by Type. A single concrete type (rather than a Go
// interface) sidesteps gob's need to pre-register interface implementations.
type Envelope struct {
	Type      MessageType
	Init      *Init
	Broadcast *Broadcast
	Report    *Report
	Heartbeat *Heartbeat
}

// Writer frames and gob-encodes envelopes onto an underlying io.Writer.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// WriteEnvelope encodes env and writes it as one length-prefixed frame.
func (fw *Writer) WriteEnvelope(env *Envelope) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return fmt.Errorf("ipc: encode envelope: %w", err)
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := fw.w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("ipc: write length prefix: %w", err)
	}
	if _, err := fw.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("ipc: write frame body: %w", err)
	}
	return nil
}

// Reader reads length-prefixed, gob-encoded envelopes from an underlying
// io.Reader.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader { return &Reader{r: bufio.NewReader(r)} }

// ReadEnvelope blocks until a full frame is available, decodes it, and
// returns the envelope. It returns io.EOF exactly when the peer has closed
// its end of the pipe with no partial frame pending.
func (fr *Reader) ReadEnvelope() (*Envelope, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(fr.r, lenPrefix[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("ipc: truncated length prefix: %w", err)
		}
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenPrefix[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("ipc: frame size %d exceeds max %d", size, maxFrameSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return nil, fmt.Errorf("ipc: read frame body: %w", err)
	}

	var env Envelope
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&env); err != nil {
		return nil, fmt.Errorf("ipc: decode envelope: %w", err)
	}
	return &env, nil
}
