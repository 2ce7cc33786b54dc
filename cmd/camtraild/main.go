// Command camtraild is the camtrail server: it accepts client connections,
// records each client's stream to disk, schedules encoding, concatenates
// finished segments, and reclaims disk space.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/vincent99/camtrail/internal/clock"
	"github.com/vincent99/camtrail/internal/config"
	"github.com/vincent99/camtrail/internal/live"
	"github.com/vincent99/camtrail/internal/server/concat"
	"github.com/vincent99/camtrail/internal/server/encode"
	"github.com/vincent99/camtrail/internal/server/janitor"
	"github.com/vincent99/camtrail/internal/server/registry"
)

func main() {
	configPath := flag.String("config", "server.ini", "path to server.ini")
	ffmpegPath := flag.String("ffmpeg", "ffmpeg", "path to the ffmpeg binary")
	ffprobePath := flag.String("ffprobe", "ffprobe", "path to the ffprobe binary")
	flag.Parse()

	cfg := config.LoadServer(*configPath)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	surface := live.NewSurface()
	concatMgr := concat.NewManager(*ffmpegPath, cfg.ConcatAmount)
	queue := encode.NewScheduler(*ffmpegPath, *ffprobePath, cfg.ConsecutiveFFMPEGThreads, concatMgr)
	queue.Start(ctx)

	outputOpts := strings.Fields(cfg.FFMPEGOutputFileOptions)

	if err := janitor.ReconcileAll(ctx, cfg.StoragePath, *ffprobePath, cfg.OutputFileExtension, outputOpts, queue.Enqueue); err != nil {
		log.Printf("camtraild: startup reconciliation: %v", err)
	}

	go janitor.RunDiskMonitor(ctx, cfg.StoragePath, cfg.FreeStorageAmountBeforeDeleting)

	reg := registry.New(cfg.StoragePath, cfg.OutputFileExtension, outputOpts, cfg.DefaultHeight, cfg.DefaultWidth, surface, queue)

	if cfg.VideoCutTime != nil {
		go clock.RunCutTicker(ctx, *cfg.VideoCutTime, reg)
	}

	if cfg.ClientStoppingPoint != nil {
		go clock.RunStoppingPoint(ctx, cfg.ClientStoppingPoint.Duration(), reg, queue, concatMgr, func() []string {
			return manifestDirs(cfg.StoragePath)
		})
	}

	addr := net.JoinHostPort(cfg.ServerIP, strconv.Itoa(cfg.ServerPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("camtraild: listen on %s: %v", addr, err)
	}
	log.Printf("camtraild: listening on %s", addr)

	go func() {
		if err := reg.Serve(ctx, ln); err != nil {
			log.Printf("camtraild: accept loop: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("camtraild: shutting down")
	queue.Wait()
}

// manifestDirs walks the storage root for every directory holding a concat
// manifest, used by the stopping-point shutdown sequence to flush trailing
// partial concats.
func manifestDirs(storageRoot string) []string {
	root := janitor.CamsDir(storageRoot)
	var dirs []string
	seen := make(map[string]bool)
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if filepath.Base(path) == concat.ManifestName {
			dir := filepath.Dir(path)
			if !seen[dir] {
				seen[dir] = true
				dirs = append(dirs, dir)
			}
		}
		return nil
	})
	return dirs
}
