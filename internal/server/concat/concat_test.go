package concat

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateConcatOutputName(t *testing.T) {
	got := createConcatOutputName(
		"/cams/peer/2026-01-01/10_00_00-10_00_02.mp4",
		"/cams/peer/2026-01-01/10_00_06-10_00_08.mp4",
	)
	want := "10_00_00-10_00_08.mp4"
	if got != want {
		t.Errorf("createConcatOutputName() = %q, want %q", got, want)
	}
}

func TestAppendAndReadManifestSorted(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, ManifestName)

	if err := appendManifestEntry(manifestPath, "/cams/peer/10_00_06-10_00_08.mp4"); err != nil {
		t.Fatalf("appendManifestEntry: %v", err)
	}
	if err := appendManifestEntry(manifestPath, "/cams/peer/10_00_00-10_00_02.mp4"); err != nil {
		t.Fatalf("appendManifestEntry: %v", err)
	}

	entries, err := readManifestSorted(manifestPath)
	if err != nil {
		t.Fatalf("readManifestSorted: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0] != "/cams/peer/10_00_00-10_00_02.mp4" {
		t.Errorf("expected lexicographic sort, got %v", entries)
	}
}

func TestReadManifestSortedMissingFile(t *testing.T) {
	entries, err := readManifestSorted(filepath.Join(t.TempDir(), "missing.temp"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entries != nil {
		t.Errorf("expected nil entries for missing manifest, got %v", entries)
	}
}

func TestOnSegmentEncodedBelowThresholdDoesNotRunFFmpeg(t *testing.T) {
	dir := t.TempDir()
	// concatAmount 2, only one entry appended — must not attempt to invoke
	// ffmpeg (which doesn't exist at this path) and must not error.
	m := NewManager("/nonexistent/ffmpeg", 2)
	encoded := filepath.Join(dir, "10_00_00-10_00_02.mp4")
	if err := os.WriteFile(encoded, []byte("x"), 0o644); err != nil {
		t.Fatalf("write encoded file: %v", err)
	}
	if err := m.OnSegmentEncoded(dir, encoded); err != nil {
		t.Fatalf("OnSegmentEncoded below threshold returned error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ManifestName)); err != nil {
		t.Errorf("expected manifest to exist: %v", err)
	}
}
