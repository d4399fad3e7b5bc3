// Package capture acquires still frames from a camera source and prepares
// them for the detection relay.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // PNG snapshots
	"sync"
	"time"

	"github.com/mdobak/go-xerrors"
	xdraw "golang.org/x/image/draw"

	"github.com/epiguard/epi-monitor/internal/logger"
)

// ErrUnavailable is returned when no frame can be captured because the
// source is stopped or failing.
var ErrUnavailable = errors.New("camera unavailable")

// Defaults used when Options leaves a field zero.
const (
	DefaultMaxWidth    = 1280
	DefaultJPEGQuality = 80
)

// Options control frame preparation.
type Options struct {
	MaxWidth    int
	JPEGQuality int
}

// Frame is one captured still.
type Frame struct {
	// Image is the decoded frame at native resolution.
	Image image.Image
	// Native is the JPEG as produced by the source.
	Native []byte
	// Compressed is the JPEG sent to the relay.
	Compressed []byte
	Width      int
	Height     int
	// RelayWidth and RelayHeight are the dimensions of Compressed.
	RelayWidth  int
	RelayHeight int
	CapturedAt  time.Time
}

// Adapter owns a Source and its started/stopped state.
type Adapter struct {
	source Source
	opts   Options

	mu      sync.RWMutex
	started bool
	latest  *Frame
}

// NewAdapter wraps src. The source is not opened until Start.
func NewAdapter(src Source, opts Options) *Adapter {
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = DefaultMaxWidth
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = DefaultJPEGQuality
	}
	return &Adapter{source: src, opts: opts}
}

// Name returns the source name.
func (a *Adapter) Name() string {
	if a.source == nil {
		return "none"
	}
	return a.source.Name()
}

// Start opens the source. Starting twice is a no-op.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	if a.source == nil {
		return fmt.Errorf("%w: no camera configured", ErrUnavailable)
	}
	if err := a.source.Open(ctx); err != nil {
		logger.Warn("Capture", "Failed to open %s: %v", a.source.Name(), err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	a.started = true
	logger.Info("Capture", "Camera started: %s", a.source.Name())
	return nil
}

// Stop releases the source. Stopping a stopped adapter is a no-op.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.started = false
	a.latest = nil
	logger.Info("Capture", "Camera stopped: %s", a.source.Name())
	return a.source.Close()
}

// healthChecker is implemented by sources that can fail after Open.
type healthChecker interface {
	Healthy() bool
}

// Available reports whether the source is started and, for sources that can
// drop, still healthy.
func (a *Adapter) Available() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.started {
		return false
	}
	if hc, ok := a.source.(healthChecker); ok {
		return hc.Healthy()
	}
	return true
}

// Capture grabs one frame, decodes it to learn the native size and produces
// the compressed relay copy.
func (a *Adapter) Capture(ctx context.Context) (*Frame, error) {
	a.mu.RLock()
	started := a.started
	a.mu.RUnlock()
	if !started {
		return nil, ErrUnavailable
	}

	data, err := a.source.Frame(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable frame: %v", ErrUnavailable, err)
	}

	compressed, rw, rh, err := Compress(img, a.opts.MaxWidth, a.opts.JPEGQuality)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	frame := &Frame{
		Image:       img,
		Native:      data,
		Compressed:  compressed,
		Width:       b.Dx(),
		Height:      b.Dy(),
		RelayWidth:  rw,
		RelayHeight: rh,
		CapturedAt:  time.Now(),
	}

	a.mu.Lock()
	if a.started {
		a.latest = frame
	}
	a.mu.Unlock()
	return frame, nil
}

// Preview grabs and decodes the current frame for display. Unlike Capture it
// neither compresses nor replaces the latest capture.
func (a *Adapter) Preview(ctx context.Context) (image.Image, error) {
	if !a.Available() {
		return nil, ErrUnavailable
	}
	data, err := a.source.Frame(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable frame: %v", ErrUnavailable, err)
	}
	return img, nil
}

// Latest returns the last captured frame.
func (a *Adapter) Latest() (*Frame, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest, a.latest != nil
}

// Compress scales img down to maxWidth (keeping the aspect ratio) and encodes
// it as JPEG. Narrower images keep their size.
func Compress(img image.Image, maxWidth, quality int) ([]byte, int, int, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, 0, 0, xerrors.New("empty image")
	}

	src := img
	if maxWidth > 0 && w > maxWidth {
		nh := h * maxWidth / w
		if nh < 1 {
			nh = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, maxWidth, nh))
		xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
		src = dst
		w, h = maxWidth, nh
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: quality}); err != nil {
		return nil, 0, 0, xerrors.New(fmt.Errorf("encode jpeg: %w", err))
	}
	return buf.Bytes(), w, h, nil
}
