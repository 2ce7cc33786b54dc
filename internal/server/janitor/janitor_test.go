package janitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vincent99/camtrail/internal/server/encode"
	"github.com/vincent99/camtrail/internal/xmeta"
)

func TestInitClientDirCreatesTreeAndRemovesTemp(t *testing.T) {
	root := t.TempDir()

	peerDir, err := InitClientDir(root, "aa:bb:cc")
	if err != nil {
		t.Fatalf("InitClientDir: %v", err)
	}
	if filepath.Base(peerDir) != "aa_bb_cc" {
		t.Errorf("expected sanitized peer dir name, got %q", filepath.Base(peerDir))
	}
	if _, err := os.Stat(peerDir); err != nil {
		t.Fatalf("expected peer dir to exist: %v", err)
	}

	leftover := filepath.Join(peerDir, "to_be_concat.temp")
	if err := os.WriteFile(leftover, []byte("file 'x'\n"), 0o644); err != nil {
		t.Fatalf("write leftover temp: %v", err)
	}

	if _, err := InitClientDir(root, "aa:bb:cc"); err != nil {
		t.Fatalf("InitClientDir (second call): %v", err)
	}
	if _, err := os.Stat(leftover); !os.IsNotExist(err) {
		t.Errorf("expected leftover temp file to be removed, stat err = %v", err)
	}
}

func TestReconcileAllEnqueuesRawAndKeepsUnnamedOnProbeFailure(t *testing.T) {
	root := t.TempDir()
	camsDir := CamsDir(root)
	dayDir := filepath.Join(camsDir, "peer", "2026-01-01")
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	rawPath := filepath.Join(dayDir, "10_00_00.raw")
	if err := os.WriteFile(rawPath, []byte("raw-bytes"), 0o644); err != nil {
		t.Fatalf("write raw: %v", err)
	}
	if err := xmeta.Write(rawPath, xmeta.Meta{Width: 640, Height: 480, FPS: 30}); err != nil {
		t.Fatalf("xmeta.Write: %v", err)
	}

	unnamedPath := filepath.Join(dayDir, "11_00_00.mp4")
	if err := os.WriteFile(unnamedPath, []byte("video-bytes"), 0o644); err != nil {
		t.Fatalf("write unnamed: %v", err)
	}

	var enqueued []encode.Job
	err := ReconcileAll(context.Background(), root, "/nonexistent/ffprobe", ".mp4", nil, func(j encode.Job) {
		enqueued = append(enqueued, j)
	})
	if err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}

	if len(enqueued) != 1 {
		t.Fatalf("expected 1 enqueued job, got %d", len(enqueued))
	}
	job := enqueued[0]
	if job.Priority != encode.PriorityRecovered {
		t.Errorf("expected PriorityRecovered, got %d", job.Priority)
	}
	if job.Width != 640 || job.Height != 480 || job.FPS != 30 {
		t.Errorf("unexpected job metadata: %+v", job)
	}

	// ffprobe doesn't exist at the given path, so the rename attempt fails
	// and the unnamed file is left in place rather than corrupted.
	if _, err := os.Stat(unnamedPath); err != nil {
		t.Errorf("expected unnamed file left in place after failed probe: %v", err)
	}
}

func TestReconcileAllMissingCamsDirIsNotError(t *testing.T) {
	root := t.TempDir()
	err := ReconcileAll(context.Background(), root, "ffprobe", ".mp4", nil, func(encode.Job) {})
	if err != nil {
		t.Fatalf("expected no error for missing cams dir, got %v", err)
	}
}

func TestEvictOldestRemovesOldestNonRawNonTemp(t *testing.T) {
	root := t.TempDir()
	dayDir := filepath.Join(CamsDir(root), "peer", "2026-01-01")
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	older := filepath.Join(dayDir, "09_00_00-09_00_02.mp4")
	newer := filepath.Join(dayDir, "10_00_00-10_00_02.mp4")
	rawFile := filepath.Join(dayDir, "11_00_00.raw")
	tempFile := filepath.Join(dayDir, "to_be_concat.temp")

	for _, p := range []string{older, newer, rawFile, tempFile} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}

	now := time.Now()
	if err := os.Chtimes(older, now.Add(-time.Hour), now.Add(-time.Hour)); err != nil {
		t.Fatalf("chtimes older: %v", err)
	}
	if err := os.Chtimes(newer, now, now); err != nil {
		t.Fatalf("chtimes newer: %v", err)
	}

	if err := evictOldest(root); err != nil {
		t.Fatalf("evictOldest: %v", err)
	}

	if _, err := os.Stat(older); !os.IsNotExist(err) {
		t.Errorf("expected older file to be removed, stat err = %v", err)
	}
	if _, err := os.Stat(newer); err != nil {
		t.Errorf("expected newer file to remain: %v", err)
	}
	if _, err := os.Stat(rawFile); err != nil {
		t.Errorf("expected raw file to be spared: %v", err)
	}
	if _, err := os.Stat(tempFile); err != nil {
		t.Errorf("expected temp file to be spared: %v", err)
	}
}
