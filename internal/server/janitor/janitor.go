// Package janitor reconciles leftover files on startup and monitors free
// disk space at runtime (C8).
package janitor

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vincent99/camtrail/internal/server/encode"
	"github.com/vincent99/camtrail/internal/xmeta"
)

// CamsDir returns the root directory under which every client's recordings
// live: "<storageRoot>/cams".
func CamsDir(storageRoot string) string {
	return filepath.Join(storageRoot, "cams")
}

// InitClientDir creates the per-client directory tree if absent and removes
// any leftover "*.temp" manifest files from a previous run, returning the
// client's directory.
func InitClientDir(storageRoot, peerID string) (string, error) {
	if err := os.MkdirAll(CamsDir(storageRoot), 0o755); err != nil {
		return "", fmt.Errorf("janitor: create cams dir: %w", err)
	}
	peerDir := filepath.Join(CamsDir(storageRoot), sanitizePeerID(peerID))
	if err := os.MkdirAll(peerDir, 0o755); err != nil {
		return "", fmt.Errorf("janitor: create client dir: %w", err)
	}

	err := filepath.WalkDir(peerDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), ".temp") {
			if rmErr := os.Remove(path); rmErr != nil {
				log.Printf("janitor: remove leftover temp file %s: %v", path, rmErr)
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("janitor: walk client dir: %w", err)
	}
	return peerDir, nil
}

func sanitizePeerID(peerID string) string {
	return strings.NewReplacer(":", "_", "/", "_").Replace(peerID)
}

// ReconcileAll walks storageRoot's cams directory before the server starts
// listening: every leftover ".raw" file is enqueued for encoding at
// PriorityRecovered, and every unrenamed non-raw, non-temp file not
// accompanied by a matching raw file is probed and renamed to include its
// end-time suffix.
func ReconcileAll(ctx context.Context, storageRoot, ffprobePath, outputExt string, outputOpts []string, enqueue func(encode.Job)) error {
	root := CamsDir(storageRoot)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}

	var rawFiles []string
	rawSet := make(map[string]bool)
	var unnamedFiles []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		ext := filepath.Ext(name)
		base := strings.TrimSuffix(name, ext)

		switch {
		case strings.HasSuffix(name, ".temp"):
			// Manifest reconciliation is handled per-client by InitClientDir.
		case strings.HasSuffix(name, ".raw"):
			rawFiles = append(rawFiles, path)
			rawSet[path] = true
		case !strings.Contains(base, "-"):
			unnamedFiles = append(unnamedFiles, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("janitor: walk cams dir: %w", err)
	}

	for _, raw := range rawFiles {
		log.Printf("janitor: leftover raw file found: %s", raw)
		meta, err := xmeta.Read(raw)
		if err != nil {
			log.Printf("janitor: %s: read metadata: %v", raw, err)
			continue
		}
		enqueue(encode.Job{
			Priority:   encode.PriorityRecovered,
			RawPath:    raw,
			Width:      int(meta.Width),
			Height:     int(meta.Height),
			FPS:        int(meta.FPS),
			OutputExt:  outputExt,
			OutputOpts: outputOpts,
		})
	}

	for _, unnamed := range unnamedFiles {
		rawCounterpart := strings.TrimSuffix(unnamed, filepath.Ext(unnamed)) + ".raw"
		if rawSet[rawCounterpart] {
			continue
		}
		log.Printf("janitor: not-renamed video file found: %s", unnamed)
		if _, err := encode.RenameWithProbe(ctx, ffprobePath, unnamed); err != nil {
			log.Printf("janitor: %s: probe/rename skipped: %v", unnamed, err)
		}
	}

	return nil
}

// RunDiskMonitor checks free space on storageRoot's volume every 10 seconds
// and, when it falls below thresholdBytes, deletes the single oldest
// eligible file (never a ".raw" or ".temp" file). It runs until ctx is
// cancelled.
func RunDiskMonitor(ctx context.Context, storageRoot string, thresholdBytes int64) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			free := freeBytes(storageRoot)
			if free >= thresholdBytes {
				continue
			}
			if err := evictOldest(storageRoot); err != nil {
				log.Printf("janitor: evict oldest file: %v", err)
			}
		}
	}
}

// freeBytes returns the bytes available on the volume holding storageRoot.
// An unreadable filesystem is treated as zero bytes free, which causes
// eviction to proceed on the next tick rather than stall.
func freeBytes(storageRoot string) int64 {
	var stat unix.Statfs_t
	if err := unix.Statfs(storageRoot, &stat); err != nil {
		log.Printf("janitor: statfs %s: %v", storageRoot, err)
		return 0
	}
	return int64(stat.Bavail) * int64(stat.Bsize)
}

func evictOldest(storageRoot string) error {
	root := CamsDir(storageRoot)

	type candidate struct {
		path    string
		modTime time.Time
	}
	var candidates []candidate

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, ".temp") || strings.HasSuffix(name, ".raw") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		candidates = append(candidates, candidate{path: path, modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk cams dir: %w", err)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].modTime.Before(candidates[j].modTime)
	})

	oldest := candidates[0].path
	log.Printf("janitor: free space low, evicting oldest file: %s", oldest)
	return os.Remove(oldest)
}
