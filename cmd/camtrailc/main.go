// Command camtrailc is the camtrail client: it captures from a local video
// device, annotates frames, and streams them to a camtrail server.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/vincent99/camtrail/internal/capture"
	"github.com/vincent99/camtrail/internal/config"
	"github.com/vincent99/camtrail/internal/streamclient"
)

func main() {
	configPath := flag.String("config", "client.ini", "path to client.ini")
	flag.Parse()

	cfg := config.LoadClient(*configPath)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	height, width := defaultCaptureHeight, defaultCaptureWidth
	if cfg.UseCustomResolution {
		height, width = cfg.CustomFrameHeight, cfg.CustomFrameWidth
	}

	pipe := capture.New(devicePath(cfg.CaptureDevice), height, width)
	if err := pipe.Open(); err != nil {
		log.Fatalf("camtrailc: %v", err)
	}
	defer pipe.Close()

	addr := net.JoinHostPort(cfg.ServerIP, strconv.Itoa(cfg.ServerPort))
	client := streamclient.New(streamclient.Config{
		ServerAddr:            addr,
		UseCustomResolution:   cfg.UseCustomResolution,
		Height:                height,
		Width:                 width,
		WaitAfterFrame:        time.Duration(cfg.WaitAfterFrame * float64(time.Second)),
		RetryAfterServerCrash: time.Duration(cfg.RetryAfterServerCrash) * time.Second,
	}, pipe)

	client.Run(ctx)
	log.Println("camtrailc: exiting")
}

// Initial capture resolution when the client is not configured with a
// custom one; the streaming handshake replaces it with the server's default
// resolution (from the "gr" reply) before streaming starts.
const (
	defaultCaptureHeight = 480
	defaultCaptureWidth  = 640
)

func devicePath(index int) string {
	return "/dev/video" + strconv.Itoa(index)
}
