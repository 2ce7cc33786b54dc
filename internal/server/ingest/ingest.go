// Package ingest implements the server-side per-client recording pipeline
// (C5): a stream reader that assembles length-exact frames off the wire, and
// a segment writer that rotates raw files at cut boundaries and hands each
// finished segment to the encoding scheduler.
package ingest

import (
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/vincent99/camtrail/internal/live"
	"github.com/vincent99/camtrail/internal/netutil"
	"github.com/vincent99/camtrail/internal/protocol"
	"github.com/vincent99/camtrail/internal/server/encode"
	"github.com/vincent99/camtrail/internal/xmeta"
)

const segmentNameLayout = "15_04_05"

// Writer owns one client's raw recording: reading frames off the stream
// connection, rotating segment files at cut boundaries, and enqueueing each
// finished segment for encoding.
type Writer struct {
	peerDir    string
	clientID   string
	height     int
	width      int
	fps        int
	outputExt  string
	outputOpts []string

	conn  net.Conn
	live  *live.Surface
	queue *encode.Scheduler

	running *atomic.Bool
	cut     *atomic.Bool
}

// NewWriter returns a Writer ready for Run. peerDir is the per-client
// directory (`<root>/cams/<peer>`) created by the janitor at session start.
func NewWriter(peerDir, clientID string, height, width, fps int, outputExt string, outputOpts []string, conn net.Conn, surface *live.Surface, queue *encode.Scheduler, running *atomic.Bool) *Writer {
	return &Writer{
		peerDir:    peerDir,
		clientID:   clientID,
		height:     height,
		width:      width,
		fps:        fps,
		outputExt:  outputExt,
		outputOpts: outputOpts,
		conn:       conn,
		live:       surface,
		queue:      queue,
		running:    running,
		cut:        &atomic.Bool{},
	}
}

// RequestCut raises the cut-boundary flag, consumed by Run at the start of
// its next loop over the current segment's frames.
func (w *Writer) RequestCut() { w.cut.Store(true) }

// Run reads frames from the stream connection and rotates segment files at
// cut boundaries or when the running flag clears. It returns once the
// connection is closed or the running flag drops, having closed and renamed
// any segment still open.
func (w *Writer) Run() {
	frameLen := protocol.FrameByteLen(w.height, w.width)
	buf := make([]byte, frameLen)

	for w.running.Load() {
		segPath, f, err := w.openSegment()
		if err != nil {
			log.Printf("ingest[%s]: open segment: %v", w.clientID, err)
			return
		}

		crashed := false
		for w.running.Load() && !w.cut.Load() {
			n, err := netutil.ReadFull(w.conn, buf, func() bool {
				return !w.running.Load()
			})
			if err != nil {
				if n == frameLen {
					w.writeAndPublish(f, buf)
				}
				crashed = true
				break
			}
			w.writeAndPublish(f, buf)
		}

		w.cut.Store(false)
		closedPath := w.closeSegment(f, segPath)
		w.enqueue(closedPath)

		if crashed {
			break
		}
	}
	w.live.Delete(w.clientID)
}

func (w *Writer) writeAndPublish(f *os.File, frame []byte) {
	if _, err := f.Write(frame); err != nil {
		log.Printf("ingest[%s]: write frame: %v", w.clientID, err)
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	w.live.Publish(w.clientID, cp, w.height, w.width)
}

func (w *Writer) openSegment() (string, *os.File, error) {
	now := time.Now()
	dayDir := filepath.Join(w.peerDir, now.Format("2006-01-02"))
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("mkdir day dir: %w", err)
	}

	path := filepath.Join(dayDir, now.Format(segmentNameLayout)+".raw")
	f, err := os.Create(path)
	if err != nil {
		return "", nil, fmt.Errorf("create segment: %w", err)
	}

	meta := xmeta.Meta{Width: uint16(w.width), Height: uint16(w.height), FPS: uint16(w.fps)}
	if err := xmeta.Write(path, meta); err != nil {
		f.Close()
		os.Remove(path)
		return "", nil, fmt.Errorf("write metadata: %w", err)
	}

	return path, f, nil
}

// closeSegment closes f, renames the segment to include the close-time
// suffix, and returns the final path.
func (w *Writer) closeSegment(f *os.File, openPath string) string {
	if err := f.Close(); err != nil {
		log.Printf("ingest[%s]: close segment: %v", w.clientID, err)
	}

	end := time.Now()
	ext := filepath.Ext(openPath)
	base := openPath[:len(openPath)-len(ext)]
	closedPath := base + end.Format("-"+segmentNameLayout) + ext

	if err := os.Rename(openPath, closedPath); err != nil {
		log.Printf("ingest[%s]: rename segment: %v", w.clientID, err)
		return openPath
	}
	if err := xmeta.RenameSidecar(openPath, closedPath); err != nil {
		log.Printf("ingest[%s]: rename sidecar metadata: %v", w.clientID, err)
	}
	return closedPath
}

func (w *Writer) enqueue(rawPath string) {
	if rawPath == "" {
		return
	}
	w.queue.Enqueue(encode.Job{
		Priority:   encode.PriorityLive,
		RawPath:    rawPath,
		Width:      w.width,
		Height:     w.height,
		FPS:        w.fps,
		OutputExt:  w.outputExt,
		OutputOpts: w.outputOpts,
	})
}
