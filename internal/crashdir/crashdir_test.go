package crashdir

import (
	"path/filepath"
	"testing"
)

func TestWriteThenDedup(t *testing.T) {
	dir, err := Open(filepath.Join(t.TempDir(), "crashes"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	sample := []byte("boom")
	written, err := dir.Write(sample, "")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !written {
		t.Fatalf("first Write of a new sample must report written=true")
	}

	writtenAgain, err := dir.Write(sample, "")
	if err != nil {
		t.Fatalf("Write (dup): %v", err)
	}
	if writtenAgain {
		t.Fatalf("second Write of a byte-identical sample must report written=false")
	}

	entries, err := dir.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("crash directory has %d files, want exactly 1 (dedup)", len(entries))
	}
	if entries[0].Name != Fingerprint(sample) {
		t.Fatalf("file name %q != sha256 fingerprint %q", entries[0].Name, Fingerprint(sample))
	}
}

func TestFileContentMatchesSampleVerbatim(t *testing.T) {
	dir, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sample := []byte{0x00, 0xFF, 0x41, 0x00}
	if _, err := dir.Write(sample, ""); err != nil {
		t.Fatalf("Write: %v", err)
	}

	entries, err := dir.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if string(entries[0].Payload) != string(sample) {
		t.Fatalf("stored payload %v != sample %v", entries[0].Payload, sample)
	}
}

func TestHasReflectsPresenceWithoutWriting(t *testing.T) {
	dir, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sample := []byte("x")
	if dir.Has(sample) {
		t.Fatalf("Has must be false before any Write")
	}
	dir.Write(sample, "")
	if !dir.Has(sample) {
		t.Fatalf("Has must be true after Write")
	}
}

func TestPrefixDistinguishesCategories(t *testing.T) {
	dir, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sample := []byte("same-bytes")
	dir.Write(sample, "")
	written, err := dir.Write(sample, "oom-")
	if err != nil {
		t.Fatalf("Write with prefix: %v", err)
	}
	if !written {
		t.Fatalf("a different prefix must produce a distinct file name, not dedup against the unprefixed one")
	}
}

func TestSamplesReadsFullPayloadEvenPastPreviewLimit(t *testing.T) {
	dir, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	big := make([]byte, showPreviewLimit*3)
	for i := range big {
		big[i] = byte(i)
	}
	dir.Write(big, "")

	samples, err := dir.Samples()
	if err != nil {
		t.Fatalf("Samples: %v", err)
	}
	if len(samples) != 1 || len(samples[0]) != len(big) {
		t.Fatalf("Samples must return the full payload, got len %d want %d", len(samples[0]), len(big))
	}
}
