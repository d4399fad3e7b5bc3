// Package archive stores composited evidence frames of evaluated captures.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/epiguard/epi-monitor/internal/compliance"
	"github.com/epiguard/epi-monitor/internal/logger"
	"github.com/epiguard/epi-monitor/internal/metrics"
	"github.com/epiguard/epi-monitor/internal/overlay"
)

// Entry is one evaluated frame waiting to be written.
type Entry struct {
	Result compliance.Result
	// Frame is the captured image at native resolution.
	Frame image.Image
	// Layer is a copy of the overlay drawn for Frame. It may be nil.
	Layer     *image.RGBA
	Simulated bool
}

// Options control what gets archived.
type Options struct {
	NonCompliantOnly bool
	JPEGQuality      int
	QueueSize        int
}

// Archiver writes entries to baseDir/YYYYMMDD/ from a background goroutine.
type Archiver struct {
	baseDir string
	opts    Options
	metrics *metrics.Metrics

	mu            sync.RWMutex
	running       bool
	framesWritten uint64
	bytesWritten  uint64
	lastFile      string
	startTime     time.Time

	entries chan Entry
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New returns a stopped Archiver.
func New(baseDir string, opts Options, m *metrics.Metrics) *Archiver {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 8
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = 85
	}
	if m == nil {
		m = metrics.New()
	}
	return &Archiver{
		baseDir: baseDir,
		opts:    opts,
		metrics: m,
		entries: make(chan Entry, opts.QueueSize),
	}
}

// Start creates the base directory and runs the writer.
func (a *Archiver) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return errors.New("archive already running")
	}
	if err := os.MkdirAll(a.baseDir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive dir: %w", err)
	}

	a.running = true
	a.startTime = time.Now()
	a.stopCh = make(chan struct{})
	a.wg.Add(1)
	go a.writeEntries(a.stopCh)

	logger.Info("Archive", "Writing evidence frames to %s (non-compliant only: %v)", a.baseDir, a.opts.NonCompliantOnly)
	return nil
}

// Stop writes what is queued and stops the writer.
func (a *Archiver) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return errors.New("archive not running")
	}
	a.running = false
	close(a.stopCh)
	a.mu.Unlock()

	a.wg.Wait()
	return nil
}

// Submit queues e without blocking. It reports whether e was accepted;
// compliant entries are skipped in non-compliant-only mode and entries are
// dropped when the writer is behind.
func (a *Archiver) Submit(e Entry) bool {
	a.mu.RLock()
	running := a.running
	a.mu.RUnlock()

	if !running || e.Frame == nil {
		return false
	}
	if a.opts.NonCompliantOnly && e.Result.Compliant {
		return false
	}

	select {
	case a.entries <- e:
		return true
	default:
		a.metrics.ArchiveFramesDropped.Add(1)
		return false
	}
}

func (a *Archiver) writeEntries(stop <-chan struct{}) {
	defer a.wg.Done()

	for {
		select {
		case e := <-a.entries:
			a.write(e)
		case <-stop:
			for {
				select {
				case e := <-a.entries:
					a.write(e)
				default:
					return
				}
			}
		}
	}
}

func (a *Archiver) write(e Entry) {
	path, n, err := a.writeFiles(e)
	if err != nil {
		logger.Warn("Archive", "Failed to archive %s: %v", e.Result.ID, err)
		return
	}

	a.mu.Lock()
	a.framesWritten++
	a.bytesWritten += uint64(n)
	a.lastFile = path
	a.mu.Unlock()

	a.metrics.ArchiveFramesWritten.Add(1)
	a.metrics.ArchiveBytes.Add(uint64(n))
	logger.Debug("Archive", "Wrote %s (%d bytes)", path, n)
}

// writeFiles stores the composited JPEG and the evaluation next to it.
func (a *Archiver) writeFiles(e Entry) (string, int, error) {
	ts := e.Result.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	dir := filepath.Join(a.baseDir, ts.Format("20060102"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, err
	}

	data, err := overlay.Composite(e.Frame, e.Layer, a.opts.JPEGQuality)
	if err != nil {
		return "", 0, err
	}

	base := filepath.Join(dir, FileName(e.Result))
	if err := os.WriteFile(base+".jpg", data, 0o644); err != nil {
		return "", 0, fmt.Errorf("failed to write frame: %w", err)
	}

	meta, err := json.MarshalIndent(struct {
		compliance.Result
		Simulated bool `json:"simulated"`
	}{e.Result, e.Simulated}, "", "  ")
	if err != nil {
		return "", 0, err
	}
	if err := os.WriteFile(base+".json", meta, 0o644); err != nil {
		return "", 0, fmt.Errorf("failed to write metadata: %w", err)
	}
	return base + ".jpg", len(data) + len(meta), nil
}

// FileName returns the base name (without extension) used for r.
func FileName(r compliance.Result) string {
	verdict := "ok"
	if !r.Compliant {
		verdict = "missing"
	}
	id := r.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s_%s_%s", r.Timestamp.Format("150405"), verdict, id)
}

// Running reports whether the writer is active.
func (a *Archiver) Running() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// Status returns the current archive status.
func (a *Archiver) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return Status{
		Running:          a.running,
		Dir:              a.baseDir,
		NonCompliantOnly: a.opts.NonCompliantOnly,
		FramesWritten:    a.framesWritten,
		FramesDropped:    a.metrics.ArchiveFramesDropped.Load(),
		BytesWritten:     a.bytesWritten,
		LastFile:         a.lastFile,
		StartTime:        a.startTime,
	}
}

// Status holds the archive counters
type Status struct {
	Running          bool      `json:"running"`
	Dir              string    `json:"dir"`
	NonCompliantOnly bool      `json:"non_compliant_only"`
	FramesWritten    uint64    `json:"frames_written"`
	FramesDropped    uint64    `json:"frames_dropped"`
	BytesWritten     uint64    `json:"bytes_written"`
	LastFile         string    `json:"last_file"`
	StartTime        time.Time `json:"start_time"`
}
