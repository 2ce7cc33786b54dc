// Package registry implements the server's connection accept loop and the
// per-client control-plane state machine (C4): it dispatches newly accepted
// connections by their opening identifier byte, tracks one ClientSession per
// peer, and drives that peer's control commands against the ingest writer.
package registry

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/vincent99/camtrail/internal/live"
	"github.com/vincent99/camtrail/internal/protocol"
	"github.com/vincent99/camtrail/internal/server/encode"
	"github.com/vincent99/camtrail/internal/server/ingest"
	"github.com/vincent99/camtrail/internal/server/janitor"
)

// Session is one connected client: its control and stream connections, its
// negotiated resolution/fps, and the ingest writer for its current stream.
type Session struct {
	PeerID string

	ctrl   net.Conn
	stream net.Conn

	mu      sync.Mutex
	height  int
	width   int
	fps     int
	running atomic.Bool
	writer  *ingest.Writer
}

// Registry owns every currently connected client session, keyed by peer id
// (the remote IP address shared by a client's control and stream
// connections). The accept loop is the only
// inserter; teardown is the only remover.
type Registry struct {
	storageRoot string
	outputExt   string
	outputOpts  []string
	defHeight   int
	defWidth    int

	surface *live.Surface
	queue   *encode.Scheduler

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New returns a Registry ready to Accept connections. outputOpts are the
// user-configured FFmpeg output flags threaded into every EncodeJob this
// registry's sessions enqueue.
func New(storageRoot, outputExt string, outputOpts []string, defHeight, defWidth int, surface *live.Surface, queue *encode.Scheduler) *Registry {
	return &Registry{
		storageRoot: storageRoot,
		outputExt:   outputExt,
		outputOpts:  outputOpts,
		defHeight:   defHeight,
		defWidth:    defWidth,
		surface:     surface,
		queue:       queue,
		sessions:    make(map[string]*Session),
	}
}

// Serve runs the accept loop on ln until ctx is cancelled or the listener
// errors.
func (r *Registry) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("registry: accept: %w", err)
		}
		go r.handleConn(ctx, conn)
	}
}

func (r *Registry) handleConn(ctx context.Context, conn net.Conn) {
	idBuf := make([]byte, 1)
	if _, err := conn.Read(idBuf); err != nil {
		conn.Close()
		return
	}

	peerID := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(peerID); err == nil {
		peerID = host
	}

	switch protocol.Identifier(idBuf[0]) {
	case protocol.IdentifierManagement:
		sess := &Session{PeerID: peerID, ctrl: conn, height: r.defHeight, width: r.defWidth, fps: 0}
		r.mu.Lock()
		r.sessions[peerID] = sess
		r.mu.Unlock()
		r.runControlFSM(ctx, sess)

	case protocol.IdentifierCamera:
		r.mu.RLock()
		sess, ok := r.sessions[peerID]
		r.mu.RUnlock()
		if !ok {
			conn.Close()
			return
		}
		sess.mu.Lock()
		sess.stream = conn
		sess.mu.Unlock()

	default:
		conn.Close()
	}
}

// Shutdown sends the shutdown command to every registered control
// connection. Used by the clock component (C10) at the configured
// client-stopping-point.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sess := range r.sessions {
		if _, err := sess.ctrl.Write([]byte{protocol.Shutdown}); err != nil {
			log.Printf("registry[%s]: send shutdown: %v", sess.PeerID, err)
		}
	}
}

// Empty reports whether no sessions are currently registered — polled by the
// clock component while waiting for ingest pipelines to drain.
func (r *Registry) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions) == 0
}

// RequestCut tells every session currently streaming to rotate its segment
// now. Used by the clock component (C10) at each VideoCutTime boundary.
func (r *Registry) RequestCut() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sess := range r.sessions {
		sess.mu.Lock()
		w := sess.writer
		sess.mu.Unlock()
		if w != nil {
			w.RequestCut()
		}
	}
}

func (r *Registry) remove(peerID string) {
	r.mu.Lock()
	delete(r.sessions, peerID)
	r.mu.Unlock()
}

func (r *Registry) runControlFSM(ctx context.Context, sess *Session) {
	defer r.remove(sess.PeerID)
	defer sess.ctrl.Close()

	br := bufio.NewReader(sess.ctrl)

	for {
		tag, err := br.ReadByte()
		if err != nil {
			sess.teardown()
			return
		}

		switch tag {
		case 'g':
			second, err := br.ReadByte()
			if err != nil || second != 'r' {
				sess.teardown()
				return
			}
			resp := protocol.EncodeResolution(protocol.Resolution{
				Height: uint16(r.defHeight), Width: uint16(r.defWidth),
			})
			if _, err := sess.ctrl.Write(resp); err != nil {
				sess.teardown()
				return
			}

		case 's':
			second, err := br.ReadByte()
			if err != nil {
				sess.teardown()
				return
			}
			switch second {
			case 'r':
				buf := make([]byte, protocol.ResolutionSize)
				if _, err := readFull(br, buf); err != nil {
					sess.teardown()
					return
				}
				res := protocol.DecodeResolution(buf)
				sess.mu.Lock()
				sess.height = int(res.Height)
				sess.width = int(res.Width)
				sess.mu.Unlock()
			case 'f':
				b, err := br.ReadByte()
				if err != nil {
					sess.teardown()
					return
				}
				sess.mu.Lock()
				sess.fps = int(b)
				sess.mu.Unlock()
			default:
				sess.teardown()
				return
			}

		case protocol.StartStream:
			if err := r.startStream(ctx, sess); err != nil {
				log.Printf("registry[%s]: start stream: %v", sess.PeerID, err)
				sess.teardown()
				return
			}
			if _, err := sess.ctrl.Write([]byte{protocol.StartStream}); err != nil {
				sess.teardown()
				return
			}

		case protocol.StopStream:
			sess.teardown()

		default:
			sess.teardown()
			return
		}
	}
}

func (r *Registry) startStream(ctx context.Context, sess *Session) error {
	sess.mu.Lock()
	if sess.stream == nil {
		sess.mu.Unlock()
		return fmt.Errorf("no stream connection attached yet")
	}
	height, width, fps := sess.height, sess.width, sess.fps
	conn := sess.stream
	sess.mu.Unlock()

	peerDir, err := janitor.InitClientDir(r.storageRoot, sess.PeerID)
	if err != nil {
		return fmt.Errorf("init client dir: %w", err)
	}

	sess.running.Store(true)
	w := ingest.NewWriter(peerDir, sess.PeerID, height, width, fps, r.outputExt, r.outputOpts, conn, r.surface, r.queue, &sess.running)

	sess.mu.Lock()
	sess.writer = w
	sess.mu.Unlock()

	go w.Run()
	return nil
}

func (sess *Session) teardown() {
	sess.running.Store(false)
	sess.mu.Lock()
	stream := sess.stream
	sess.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
}

func readFull(br *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := br.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
