// Package statestore implements the durable checkpoint of (Corpus,
// CoverageMap) described in spec §3 "SessionState" and §4.7 "State Store":
// round-trippable, atomic against crashes, and forward compatible under a
// single schema-version integer.
package statestore

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/covfuzz-project/covfuzz/internal/coveragemap"
	"github.com/covfuzz-project/covfuzz/internal/corpus"
)

// schemaVersion is bumped whenever the on-disk layout changes
// incompatibly. Load refuses any file whose Version does not match (spec
// §4.7(c), §7 "State file corruption").
const schemaVersion = 1

// onDisk is the exact gob-encoded shape of a state file. Kept distinct from
// SessionState so the wire/disk format can evolve independently of the
// in-memory API.
type onDisk struct {
	Version  int
	Corpus   [][]byte
	Coverage map[coveragemap.Edge]uint64
}

// Save atomically writes the pair (c, cov) to path: write to a temporary
// sibling file, fsync it, then rename over the destination (spec §4.7(b)).
// A crash or power loss during Save can never leave path holding a partial
// write, because rename is atomic on the same filesystem.
func Save(path string, c *corpus.Corpus, cov *coveragemap.Map) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".statestore-*.tmp")
	if err != nil {
		return fmt.Errorf("statestore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	// If we return early, don't leave a half-written temp file behind.
	defer os.Remove(tmpPath)

	payload := onDisk{
		Version:  schemaVersion,
		Corpus:   c.Iter(),
		Coverage: cov.Counts(),
	}
	if err := gob.NewEncoder(tmp).Encode(&payload); err != nil {
		tmp.Close()
		return fmt.Errorf("statestore: encode: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("statestore: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("statestore: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("statestore: rename into place: %w", err)
	}

	// Belt-and-braces: fsync the containing directory too, so the rename
	// itself survives a crash on filesystems that need it (ext4 with
	// data=ordered does not strictly require this, but it costs nothing
	// during a periodic checkpoint and spec §4.7(b) asks for atomicity
	// against crashes, not just against partial writes).
	if dirFile, err := os.Open(dir); err == nil {
		_ = unix.Fsync(int(dirFile.Fd()))
		dirFile.Close()
	}

	return nil
}

// Load reads path and reconstructs a Corpus and CoverageMap. A missing file
// is not an error at this layer — callers that want "absent state file
// means start empty" (spec §4.6 step 1) check os.IsNotExist(err)
// themselves so that a genuinely corrupt file is never silently treated as
// "no state" (spec §7 "do not silently discard a user's corpus").
func Load(path string) (*corpus.Corpus, *coveragemap.Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var payload onDisk
	if err := gob.NewDecoder(f).Decode(&payload); err != nil {
		return nil, nil, fmt.Errorf("statestore: corrupt state file %s: %w", path, err)
	}
	if payload.Version != schemaVersion {
		return nil, nil, fmt.Errorf(
			"statestore: %s has schema version %d, this build only understands %d",
			path, payload.Version, schemaVersion)
	}

	c := corpus.New()
	for _, sample := range payload.Corpus {
		c.Put(sample)
	}
	cov := coveragemap.FromCounts(payload.Coverage)

	return c, cov, nil
}
