// Package capture implements the client's capture pipeline (C2): a device
// reader goroutine that mirrors and resizes raw frames, and an annotator
// goroutine that overlays the wall clock and elapsed record time before
// handing finished frames to the streaming loop. There is no separate
// record-timer goroutine; the annotator computes the elapsed time for each
// frame it annotates.
package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blackjack/webcam"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// recordCap is the maximum elapsed record time; once reached the annotator
// stops advancing the displayed value.
const recordCap = 99*24*time.Hour + 23*time.Hour + 59*time.Minute + 59*time.Second

// Frame is one fully annotated, row-major BGR24 frame ready to stream.
type Frame struct {
	Data   []byte
	Height int
	Width  int
}

// Pipeline owns one capture device and annotates its frames at the
// configured target resolution.
type Pipeline struct {
	devicePath string

	resMu  sync.Mutex
	height int
	width  int

	running atomic.Bool
	cam     *webcam.Webcam
	start   time.Time
}

// New returns a Pipeline for the device at devicePath, producing frames at
// height x width after mirror/resize/annotate.
func New(devicePath string, height, width int) *Pipeline {
	return &Pipeline{devicePath: devicePath, height: height, width: width}
}

// SetResolution changes the target resolution frames are resized to. It
// must be called before Start; the streaming loop uses it once it learns
// the server's default resolution from a "gr" handshake reply.
func (p *Pipeline) SetResolution(height, width int) {
	p.resMu.Lock()
	defer p.resMu.Unlock()
	p.height = height
	p.width = width
}

func (p *Pipeline) resolution() (int, int) {
	p.resMu.Lock()
	defer p.resMu.Unlock()
	return p.height, p.width
}

// Open initializes the underlying capture device. Callers must call Open
// before Start and should treat a non-nil error as fatal at process startup.
func (p *Pipeline) Open() error {
	cam, err := webcam.Open(p.devicePath)
	if err != nil {
		return fmt.Errorf("capture: open %s: %w", p.devicePath, err)
	}
	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return fmt.Errorf("capture: start streaming: %w", err)
	}
	p.cam = cam
	return nil
}

// Close releases the capture device.
func (p *Pipeline) Close() {
	if p.cam != nil {
		p.cam.StopStreaming()
		p.cam.Close()
	}
}

// Start launches the device reader and annotator workers, publishing
// finished frames on out. Start returns immediately; Stop ends both
// workers.
func (p *Pipeline) Start(ctx context.Context, out chan<- Frame) {
	p.running.Store(true)
	p.start = time.Now()

	raw := make(chan image.Image, 1)

	go p.deviceReader(ctx, raw)
	go p.annotator(ctx, raw, out)
}

// Stop clears the running flag; workers drain and exit on their own.
func (p *Pipeline) Stop() {
	p.running.Store(false)
}

func (p *Pipeline) deviceReader(ctx context.Context, raw chan<- image.Image) {
	defer close(raw)
	for p.running.Load() && ctx.Err() == nil {
		if err := p.cam.WaitForFrame(1); err != nil {
			switch err.(type) {
			case *webcam.Timeout:
				continue
			default:
				log.Printf("capture: wait for frame: %v", err)
				continue
			}
		}

		frame, err := p.cam.ReadFrame()
		if err != nil || len(frame) == 0 {
			continue
		}

		img, _, err := image.Decode(bytes.NewReader(frame))
		if err != nil {
			log.Printf("capture: decode frame: %v", err)
			continue
		}

		height, width := p.resolution()
		mirrored := mirrorHorizontal(img)
		resized := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.BiLinear.Scale(resized, resized.Bounds(), mirrored, mirrored.Bounds(), draw.Src, nil)

		select {
		case raw <- resized:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) annotator(ctx context.Context, raw <-chan image.Image, out chan<- Frame) {
	defer close(out)
	for {
		select {
		case img, ok := <-raw:
			if !ok {
				return
			}
			rgba, ok := img.(*image.RGBA)
			if !ok {
				continue
			}

			elapsed := time.Since(p.start)
			if elapsed > recordCap {
				elapsed = recordCap
			}
			drawLabel(rgba, 4, rgba.Bounds().Dy()-16, time.Now().Format("2006-01-02 15:04:05"))
			drawLabelRight(rgba, rgba.Bounds().Dx()-4, rgba.Bounds().Dy()-16, formatElapsed(elapsed))

			height, width := p.resolution()
			out <- Frame{Data: toBGR24(rgba), Height: height, Width: width}
		case <-ctx.Done():
			return
		}
		if !p.running.Load() {
			return
		}
	}
}

// formatElapsed renders d as DD:HH:MM:SS, the record-timer display format.
func formatElapsed(d time.Duration) string {
	total := int64(d.Seconds())
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	return fmt.Sprintf("%02d:%02d:%02d:%02d", days, hours, minutes, seconds)
}

func drawLabel(dst *image.RGBA, x, y int, text string) {
	drawBackground(dst, x, y, text)
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.White),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x + 1), Y: fixed.I(y + 9)},
	}
	d.DrawString(text)
}

// drawLabelRight draws text right-aligned so its right edge sits at x.
func drawLabelRight(dst *image.RGBA, x, y int, text string) {
	face := basicfont.Face7x13
	advance := font.MeasureString(face, text).Ceil()
	drawLabel(dst, x-advance-2, y, text)
}

func drawBackground(dst *image.RGBA, x, y int, text string) {
	advance := font.MeasureString(basicfont.Face7x13, text).Ceil()
	for by := y; by < y+13; by++ {
		for bx := x; bx < x+advance+2; bx++ {
			dst.Set(bx, by, color.Black)
		}
	}
}

// mirrorHorizontal flips img left-right into a new RGBA image.
func mirrorHorizontal(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(b.Max.X-1-(x-b.Min.X), y, img.At(x, y))
		}
	}
	return out
}

// toBGR24 serializes img row-major, three channels per pixel, in BGR order
// (matching the raw segment format the server's encoder expects).
func toBGR24(img *image.RGBA) []byte {
	b := img.Bounds()
	out := make([]byte, b.Dx()*b.Dy()*3)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			out[i] = byte(bl >> 8)
			out[i+1] = byte(g >> 8)
			out[i+2] = byte(r >> 8)
			i += 3
		}
	}
	return out
}
