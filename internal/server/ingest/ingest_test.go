package ingest

import (
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vincent99/camtrail/internal/live"
	"github.com/vincent99/camtrail/internal/server/encode"
)

func TestWriterWritesAndClosesSegmentOnStop(t *testing.T) {
	peerDir := t.TempDir()
	surface := live.NewSurface()
	queue := encode.NewScheduler("ffmpeg", "ffprobe", 1, nil)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	var running atomic.Bool
	running.Store(true)

	w := NewWriter(peerDir, "127.0.0.1:9000", 2, 2, 5, ".mp4", nil, serverConn, surface, queue, &running)

	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()

	frame := make([]byte, 2*2*3)
	for i := range frame {
		frame[i] = byte(i)
	}

	if _, err := clientConn.Write(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	// Give the writer a moment to publish, then verify the live surface.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if f, ok := surface.Get("127.0.0.1:9000"); ok {
			if f.Height != 2 || f.Width != 2 {
				t.Errorf("unexpected published frame dims: %+v", f)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for published frame")
		}
		time.Sleep(10 * time.Millisecond)
	}

	running.Store(false)
	clientConn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Writer.Run did not return after running flag cleared")
	}

	var found []string
	err := filepath.Walk(peerDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		found = append(found, path)
		return nil
	})
	if err != nil {
		t.Fatalf("walk peer dir: %v", err)
	}
	if len(found) == 0 {
		t.Fatal("expected at least one segment file on disk")
	}
	for _, f := range found {
		if filepath.Ext(f) != ".raw" {
			t.Errorf("expected raw segment file, got %s", f)
		}
	}

	if _, ok := surface.Get("127.0.0.1:9000"); ok {
		t.Error("expected live surface entry to be deleted on teardown")
	}
}
