package streamclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/vincent99/camtrail/internal/capture"
	"github.com/vincent99/camtrail/internal/protocol"
)

// fakeServer accepts exactly two connections (control, then stream) and
// verifies the identifier bytes and handshake command the client sends.
func fakeServer(t *testing.T, ln net.Listener, result chan<- error) {
	ctrlConn, err := ln.Accept()
	if err != nil {
		result <- err
		return
	}
	defer ctrlConn.Close()
	streamConn, err := ln.Accept()
	if err != nil {
		result <- err
		return
	}
	defer streamConn.Close()

	idBuf := make([]byte, 1)
	ctrlConn.Read(idBuf)
	if protocol.Identifier(idBuf[0]) != protocol.IdentifierManagement {
		result <- fmt.Errorf("control identifier = %q, want %q", idBuf[0], byte(protocol.IdentifierManagement))
		return
	}
	streamConn.Read(idBuf)
	if protocol.Identifier(idBuf[0]) != protocol.IdentifierCamera {
		result <- fmt.Errorf("stream identifier = %q, want %q", idBuf[0], byte(protocol.IdentifierCamera))
		return
	}

	br := bufio.NewReader(ctrlConn)
	tag := make([]byte, 2)
	if _, err := br.Read(tag[:1]); err != nil {
		result <- err
		return
	}
	if _, err := br.Read(tag[1:]); err != nil {
		result <- err
		return
	}
	if string(tag) == "sr" {
		if _, err := io.ReadFull(br, make([]byte, protocol.ResolutionSize)); err != nil {
			result <- err
			return
		}
		if _, err := io.ReadFull(br, tag); err != nil {
			result <- err
			return
		}
	}
	if string(tag) == "gr" {
		if _, err := ctrlConn.Write(protocol.EncodeResolution(protocol.Resolution{Height: 480, Width: 640})); err != nil {
			result <- err
			return
		}
		if _, err := br.Read(tag[:1]); err != nil {
			result <- err
			return
		}
		if _, err := br.Read(tag[1:]); err != nil {
			result <- err
			return
		}
	}
	if string(tag) != "sf" {
		result <- fmt.Errorf("handshake command = %q, want \"sf\"", tag)
		return
	}
	if _, err := br.ReadByte(); err != nil { // fps value
		result <- err
		return
	}

	result <- nil
}

func TestConnectAndHandshakeSendsExpectedWireBytes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	result := make(chan error, 1)
	go fakeServer(t, ln, result)

	cfg := Config{ServerAddr: ln.Addr().String(), UseCustomResolution: true, Height: 2, Width: 2, FPS: 5}
	client := New(cfg, capture.New("", 2, 2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.closeConns()

	if err := client.handshake(); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	select {
	case err := <-result:
		if err != nil {
			t.Errorf("fakeServer observed unexpected wire bytes: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fakeServer verification")
	}
}

func TestHandshakeQueriesServerResolutionWhenNotCustom(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	result := make(chan error, 1)
	go fakeServer(t, ln, result)

	cfg := Config{ServerAddr: ln.Addr().String(), FPS: 5}
	pipe := capture.New("", 2, 2)
	client := New(cfg, pipe)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.closeConns()

	if err := client.handshake(); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	if client.cfg.Height != 480 || client.cfg.Width != 640 {
		t.Errorf("expected resolution learned from gr reply, got %dx%d", client.cfg.Height, client.cfg.Width)
	}

	select {
	case err := <-result:
		if err != nil {
			t.Errorf("fakeServer observed unexpected wire bytes: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fakeServer verification")
	}
}
