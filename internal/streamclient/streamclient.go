// Package streamclient implements the client's connect/handshake/stream
// state machine (C3): dial the server on two connections, negotiate
// resolution and fps, request stream start, push annotated frames, and
// reconnect within a configured wall-clock budget after a server crash.
package streamclient

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/vincent99/camtrail/internal/capture"
	"github.com/vincent99/camtrail/internal/netutil"
	"github.com/vincent99/camtrail/internal/protocol"
)

// State names the streaming loop's current phase, exposed for logging and
// tests; callers never branch on it directly.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshake
	StateIdle
	StateStreaming
	StateStopped
	StateShutdown
	StateCrashed
)

const dialRetryInterval = 5 * time.Second

// Config holds everything the streaming loop needs to reach and negotiate
// with the server.
type Config struct {
	ServerAddr string

	UseCustomResolution bool
	Height, Width       int
	FPS                 int

	WaitAfterFrame        time.Duration
	RetryAfterServerCrash time.Duration // 0 disables reconnect
}

// Client drives the state machine for one capture pipeline against one
// server.
type Client struct {
	cfg    Config
	pipe   *capture.Pipeline
	ctrl   net.Conn
	stream net.Conn
	state  State
}

// New returns a Client bound to pipe, which must already be Open.
func New(cfg Config, pipe *capture.Pipeline) *Client {
	return &Client{cfg: cfg, pipe: pipe, state: StateDisconnected}
}

// Run drives the full state machine until ctx is cancelled, the server
// sends shutdown, or the reconnect budget is exhausted after a crash.
func (c *Client) Run(ctx context.Context) {
	c.state = StateConnecting
	if err := c.connect(ctx); err != nil {
		log.Printf("streamclient: connect: %v", err)
		return
	}

	c.state = StateHandshake
	if err := c.handshake(); err != nil {
		log.Printf("streamclient: handshake: %v", err)
		c.closeConns()
		return
	}

	for {
		outcome := c.idleAndStream(ctx)
		switch outcome {
		case StateShutdown:
			c.closeConns()
			return
		case StateStopped:
			// Server requested stop; loop back to IDLE on the same
			// control/stream connections and wait for the next start.
			continue
		case StateCrashed:
			if c.cfg.RetryAfterServerCrash <= 0 {
				log.Println("streamclient: crashed, no reconnect budget configured, exiting")
				c.closeConns()
				return
			}
			c.closeConns()
			if !c.reconnectWithinBudget(ctx) {
				log.Println("streamclient: reconnect budget exhausted, shutting down")
				return
			}
			continue
		default:
			c.closeConns()
			return
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	ctrl, err := netutil.DialRetry(ctx, "tcp", c.cfg.ServerAddr, dialRetryInterval)
	if err != nil {
		return fmt.Errorf("dial control: %w", err)
	}
	stream, err := netutil.DialRetry(ctx, "tcp", c.cfg.ServerAddr, dialRetryInterval)
	if err != nil {
		ctrl.Close()
		return fmt.Errorf("dial stream: %w", err)
	}

	if _, err := ctrl.Write([]byte{byte(protocol.IdentifierManagement)}); err != nil {
		ctrl.Close()
		stream.Close()
		return fmt.Errorf("send control identifier: %w", err)
	}
	if _, err := stream.Write([]byte{byte(protocol.IdentifierCamera)}); err != nil {
		ctrl.Close()
		stream.Close()
		return fmt.Errorf("send stream identifier: %w", err)
	}

	c.ctrl = ctrl
	c.stream = stream
	return nil
}

func (c *Client) handshake() error {
	if c.cfg.UseCustomResolution {
		msg := append([]byte{'s', 'r'}, protocol.EncodeResolution(protocol.Resolution{
			Height: uint16(c.cfg.Height), Width: uint16(c.cfg.Width),
		})...)
		if _, err := c.ctrl.Write(msg); err != nil {
			return fmt.Errorf("send sr: %w", err)
		}
	} else {
		if _, err := c.ctrl.Write([]byte{'g', 'r'}); err != nil {
			return fmt.Errorf("send gr: %w", err)
		}
		buf := make([]byte, protocol.ResolutionSize)
		if _, err := netutil.ReadFull(c.ctrl, buf, nil); err != nil {
			return fmt.Errorf("await gr reply: %w", err)
		}
		res := protocol.DecodeResolution(buf)
		c.cfg.Height, c.cfg.Width = int(res.Height), int(res.Width)
		c.pipe.SetResolution(c.cfg.Height, c.cfg.Width)
	}
	msg := []byte{'s', 'f', protocol.EncodeFPS(c.cfg.FPS)}
	if _, err := c.ctrl.Write(msg); err != nil {
		return fmt.Errorf("send sf: %w", err)
	}
	return nil
}

// idleAndStream sends the start request, waits for acknowledgement, then
// streams until the server signals stop/shutdown or the control connection
// errors.
func (c *Client) idleAndStream(ctx context.Context) State {
	c.state = StateIdle
	if _, err := c.ctrl.Write([]byte{protocol.StartStream}); err != nil {
		log.Printf("streamclient: send start request: %v", err)
		return StateCrashed
	}

	ack := make([]byte, 1)
	if _, err := netutil.ReadFull(c.ctrl, ack, nil); err != nil {
		log.Printf("streamclient: await start ack: %v", err)
		return StateCrashed
	}
	if ack[0] != protocol.StartStream {
		log.Printf("streamclient: unexpected ack byte %x", ack[0])
		return StateCrashed
	}

	c.state = StateStreaming
	frames := make(chan capture.Frame, 1)
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	c.pipe.Start(streamCtx, frames)
	defer c.pipe.Stop()

	sendDone := make(chan error, 1)
	go c.sendFrames(frames, sendDone)

	ctrlEvent := make(chan byte, 1)
	ctrlErr := make(chan error, 1)
	go func() {
		b := make([]byte, 1)
		if _, err := netutil.ReadFull(c.ctrl, b, nil); err != nil {
			ctrlErr <- err
			return
		}
		ctrlEvent <- b[0]
	}()

	select {
	case <-ctx.Done():
		return StateShutdown
	case err := <-sendDone:
		if err != nil {
			log.Printf("streamclient: send frames: %v", err)
		}
		return StateCrashed
	case err := <-ctrlErr:
		log.Printf("streamclient: control connection: %v", err)
		return StateCrashed
	case b := <-ctrlEvent:
		switch b {
		case protocol.StopStream:
			return StateStopped
		case protocol.Shutdown:
			c.ctrl.Write([]byte{protocol.StopStream})
			return StateShutdown
		default:
			return StateCrashed
		}
	}
}

func (c *Client) sendFrames(frames <-chan capture.Frame, done chan<- error) {
	for f := range frames {
		if _, err := c.stream.Write(f.Data); err != nil {
			done <- fmt.Errorf("broken pipe: %w", err)
			return
		}
		if c.cfg.WaitAfterFrame > 0 {
			time.Sleep(c.cfg.WaitAfterFrame)
		}
	}
	done <- nil
}

// reconnectWithinBudget retries connect+handshake until RetryAfterServerCrash
// elapses, returning true on success.
func (c *Client) reconnectWithinBudget(ctx context.Context) bool {
	deadline := time.Now().Add(c.cfg.RetryAfterServerCrash)
	budgetCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := c.connect(budgetCtx); err != nil {
		return false
	}
	if err := c.handshake(); err != nil {
		c.closeConns()
		return false
	}
	return true
}

func (c *Client) closeConns() {
	if c.ctrl != nil {
		c.ctrl.Close()
	}
	if c.stream != nil {
		c.stream.Close()
	}
}
