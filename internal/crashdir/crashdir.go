// Package crashdir implements the append-only, presence-deduplicated crash
// directory (spec §3 "CrashRecord", §4.8).
package crashdir

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Dir is a flat directory of crashing inputs, one file per distinct sample,
// named by the lowercase hex SHA-256 of its bytes.
type Dir struct {
	path string
}

// Open ensures path exists as a directory and returns a Dir bound to it.
func Open(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("crashdir: create %s: %w", path, err)
	}
	return &Dir{path: path}, nil
}

// Fingerprint returns the lowercase hex SHA-256 digest crashdir uses as a
// file name, exposed so callers (the orchestrator's dedup check, tests) can
// compute it without writing anything.
func Fingerprint(sample []byte) string {
	sum := sha256.Sum256(sample)
	return hex.EncodeToString(sum[:])
}

// Write records sample under its fingerprint, preceded by prefix in the file
// name so that other categories of sample (e.g. "oom-") never dedup against
// plain crashes; the orchestrator passes "". It reports whether the sample
// was newly written;
// false means a byte-identical sample (same fingerprint) was already on
// disk (spec §8 "Crash dedup").
//
// Presence-based dedup uses O_CREATE|O_EXCL (spec §4.8): the write either
// creates the file atomically or fails because it already exists, with no
// TOCTOU window between a Stat and a Create.
func (d *Dir) Write(sample []byte, prefix string) (written bool, err error) {
	name := prefix + Fingerprint(sample)
	path := filepath.Join(d.path, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("crashdir: create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(sample); err != nil {
		return false, fmt.Errorf("crashdir: write %s: %w", path, err)
	}
	return true, nil
}

// Has reports whether an unprefixed crash file for sample already exists,
// without creating one. The orchestrator does not call it: it counts a crash
// toward --max-crashes when Write reports written=true.
func (d *Dir) Has(sample []byte) bool {
	path := filepath.Join(d.path, Fingerprint(sample))
	_, err := os.Stat(path)
	return err == nil
}

// Entry describes one recorded crash for the `show` subcommand.
type Entry struct {
	Name    string
	Path    string
	Size    int64
	Payload []byte // truncated preview
}

// showPreviewLimit bounds how much of a crash's payload `show` prints.
const showPreviewLimit = 64

// List enumerates every file in the crash directory for `show` (spec §6).
func (d *Dir) List() ([]Entry, error) {
	infos, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("crashdir: list %s: %w", d.path, err)
	}

	var entries []Entry
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		path := filepath.Join(d.path, info.Name())
		stat, err := info.Info()
		if err != nil {
			return nil, fmt.Errorf("crashdir: stat %s: %w", path, err)
		}
		payload, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("crashdir: read %s: %w", path, err)
		}
		if len(payload) > showPreviewLimit {
			payload = payload[:showPreviewLimit]
		}
		entries = append(entries, Entry{
			Name:    info.Name(),
			Path:    path,
			Size:    stat.Size(),
			Payload: payload,
		})
	}
	return entries, nil
}

// Samples reads every recorded crash's full payload, unlike List, which
// truncates each payload to a preview. Regression mode does not use it: it
// takes paths from List and reads each file itself.
func (d *Dir) Samples() ([][]byte, error) {
	infos, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("crashdir: list %s: %w", d.path, err)
	}

	var samples [][]byte
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		payload, err := os.ReadFile(filepath.Join(d.path, info.Name()))
		if err != nil {
			return nil, fmt.Errorf("crashdir: read %s: %w", info.Name(), err)
		}
		samples = append(samples, payload)
	}
	return samples, nil
}

// Path returns the directory's filesystem path.
func (d *Dir) Path() string { return d.path }
