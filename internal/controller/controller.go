// Package controller owns the capture cycle: it captures a frame, relays it
// for detection, evaluates compliance, renders the overlay and records the
// result, allowing a single cycle in flight at a time.
package controller

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/epiguard/epi-monitor/internal/capture"
	"github.com/epiguard/epi-monitor/internal/compliance"
	"github.com/epiguard/epi-monitor/internal/history"
	"github.com/epiguard/epi-monitor/internal/logger"
	"github.com/epiguard/epi-monitor/internal/metrics"
	"github.com/epiguard/epi-monitor/internal/overlay"
	"github.com/epiguard/epi-monitor/internal/relay"
	"github.com/epiguard/epi-monitor/internal/settings"
	"github.com/epiguard/epi-monitor/pkg/types"
)

// State is the phase of the capture cycle.
type State int32

const (
	StateIdle State = iota
	StateCapturing
	StateAwaitingResponse
	StateRendering
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateRendering:
		return "rendering"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Triggers recorded on each Outcome.
const (
	TriggerManual = "manual"
	TriggerAuto   = "auto"
)

// DefaultAutoInterval is the periodic capture interval.
const DefaultAutoInterval = 3 * time.Second

// Camera is the capture source seen by the controller. *capture.Adapter
// satisfies it.
type Camera interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Available() bool
	Capture(ctx context.Context) (*capture.Frame, error)
	Preview(ctx context.Context) (image.Image, error)
	Latest() (*capture.Frame, bool)
}

// CaptureOptions select how one cycle obtains its detections.
type CaptureOptions struct {
	// Mock uses simulated detections instead of the relay.
	Mock bool
	// FallbackMock retries with simulated detections after an upstream or
	// network failure.
	FallbackMock bool
	Trigger      string
}

// Outcome describes one finished cycle. Err is set for failed cycles, in
// which case only Status, Trigger and Duration are meaningful.
type Outcome struct {
	Evaluation compliance.Evaluation
	Status     string
	Relay      *types.RelayResult
	Frame      *capture.Frame
	Simulated  bool
	Trigger    string
	Duration   time.Duration
	Err        error
}

// Listener receives every finished cycle. Listeners run on the cycle's
// goroutine and must not block.
type Listener func(Outcome)

// Deps are the collaborators of a Controller. Mock and Metrics may be nil.
type Deps struct {
	Camera    Camera
	Detector  relay.Detector
	Mock      relay.Detector
	Evaluator *compliance.Evaluator
	Settings  *settings.Store
	History   *history.Aggregator
	Renderer  *overlay.Renderer
	Metrics   *metrics.Metrics
}

// Controller runs capture cycles.
type Controller struct {
	camera    Camera
	detector  relay.Detector
	mock      relay.Detector
	evaluator *compliance.Evaluator
	settings  *settings.Store
	history   *history.Aggregator
	renderer  *overlay.Renderer
	metrics   *metrics.Metrics

	busy  atomic.Bool
	state atomic.Int32

	mu        sync.RWMutex
	status    string
	last      *Outcome
	listeners []Listener

	autoMu       sync.Mutex
	auto         *cron.Cron
	autoInterval time.Duration
	autoTimeout  time.Duration
}

// New returns a Controller over d.
func New(d Deps) *Controller {
	m := d.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Controller{
		camera:      d.Camera,
		detector:    d.Detector,
		mock:        d.Mock,
		evaluator:   d.Evaluator,
		settings:    d.Settings,
		history:     d.History,
		renderer:    d.Renderer,
		metrics:     m,
		status:      "Câmera desligada.",
		autoTimeout: 30 * time.Second,
	}
}

// OnEvaluationComplete registers l for every finished cycle.
func (c *Controller) OnEvaluationComplete(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// State returns the current cycle phase.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Busy reports whether a cycle is in flight.
func (c *Controller) Busy() bool {
	return c.busy.Load()
}

// StatusText returns the last user-visible status line.
func (c *Controller) StatusText() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Last returns the last successful cycle.
func (c *Controller) Last() (Outcome, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return Outcome{}, false
	}
	return *c.last, true
}

// Camera returns the capture source.
func (c *Controller) Camera() Camera {
	return c.camera
}

// Renderer returns the overlay renderer.
func (c *Controller) Renderer() *overlay.Renderer {
	return c.renderer
}

// OnCaptureRequested runs one capture cycle. It returns ErrBusy without side
// effects when another cycle is in flight. Listeners run once the busy flag
// is cleared.
func (c *Controller) OnCaptureRequested(ctx context.Context, opts CaptureOptions) (*Outcome, error) {
	if !c.busy.CompareAndSwap(false, true) {
		c.metrics.BusyRejections.Add(1)
		return nil, ErrBusy
	}
	metrics.SetFlag(&c.metrics.Busy, true)

	if opts.Trigger == "" {
		opts.Trigger = TriggerManual
	}
	out, err := c.runCycle(ctx, opts)
	c.emit(out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// runCycle performs one capture cycle and clears the busy flag before it
// returns.
func (c *Controller) runCycle(ctx context.Context, opts CaptureOptions) (Outcome, error) {
	defer func() {
		c.setState(StateIdle)
		metrics.SetFlag(&c.metrics.Busy, false)
		c.busy.Store(false)
	}()

	start := time.Now()
	c.metrics.CapturesRequested.Add(1)
	c.setState(StateCapturing)

	if c.camera == nil || !c.camera.Available() {
		c.metrics.CaptureErrors.Add(1)
		return c.fail(opts, start, capture.ErrUnavailable)
	}
	frame, err := c.camera.Capture(ctx)
	if err != nil {
		c.metrics.CaptureErrors.Add(1)
		return c.fail(opts, start, err)
	}

	c.setState(StateAwaitingResponse)
	result, err := c.detect(ctx, frame, opts)
	if err != nil {
		return c.fail(opts, start, err)
	}
	c.metrics.UpdateRelayLatency(result.ElapsedTime)

	c.setState(StateRendering)
	ev := c.evaluator.Evaluate(result.Predictions, c.settings.Required())

	srcW, srcH := result.ImageWidth, result.ImageHeight
	if srcW <= 0 || srcH <= 0 {
		srcW, srcH = frame.RelayWidth, frame.RelayHeight
	}
	c.renderer.Render(ScaleDetections(result.Predictions, srcW, srcH, frame.Width, frame.Height), frame.Width, frame.Height)

	if err := c.history.Record(ctx, ev.Result); err != nil {
		c.metrics.StoreErrors.Add(1)
		logger.Warn("Controller", "Failed to persist evaluation %s: %v", ev.Result.ID, err)
	}

	c.metrics.Evaluations.Add(1)
	if ev.Result.Compliant {
		c.metrics.Compliant.Add(1)
	} else {
		c.metrics.NonCompliant.Add(1)
	}
	if result.Simulated {
		c.metrics.Simulated.Add(1)
	}
	c.metrics.UpdateCycleLatency(start)

	out := Outcome{
		Evaluation: ev,
		Status:     ev.Status(),
		Relay:      result,
		Frame:      frame,
		Simulated:  result.Simulated,
		Trigger:    opts.Trigger,
		Duration:   time.Since(start),
	}
	logger.Info("Controller", "Evaluation %s (%s): %d detections, compliant=%v, missing=%v",
		ev.Result.ID, opts.Trigger, ev.Result.TotalDetections, ev.Result.Compliant, ev.Result.MissingLabels)

	c.mu.Lock()
	c.last = &out
	c.status = out.Status
	c.mu.Unlock()

	return out, nil
}

func (c *Controller) detect(ctx context.Context, frame *capture.Frame, opts CaptureOptions) (*types.RelayResult, error) {
	det := c.detector
	if opts.Mock {
		det = c.mock
	}
	if det == nil {
		return nil, errors.New("no detector configured")
	}

	result, err := det.Detect(ctx, frame.Compressed)
	if err == nil {
		return result, nil
	}
	c.metrics.RelayErrors.Add(1)
	if opts.Mock || !opts.FallbackMock || c.mock == nil || !FallbackAvailable(err) {
		return nil, err
	}

	logger.Warn("Controller", "Relay failed (%v), using simulated detections", err)
	return c.mock.Detect(ctx, frame.Compressed)
}

func (c *Controller) fail(opts CaptureOptions, start time.Time, err error) (Outcome, error) {
	c.setState(StateFailed)
	status := StatusText(err)
	switch Kind(err) {
	case KindConfigurationMissing:
		logger.Error("Controller", "Capture cycle failed: %v", err)
	default:
		logger.Warn("Controller", "Capture cycle failed (%s): %v", Kind(err), err)
	}

	c.mu.Lock()
	c.status = status
	c.mu.Unlock()

	return Outcome{
		Status:   status,
		Trigger:  opts.Trigger,
		Duration: time.Since(start),
		Err:      err,
	}, err
}

func (c *Controller) emit(o Outcome) {
	c.mu.RLock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.RUnlock()
	for _, l := range listeners {
		l(o)
	}
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
}

// StartCamera opens the capture source.
func (c *Controller) StartCamera(ctx context.Context) error {
	if c.camera == nil {
		return capture.ErrUnavailable
	}
	if err := c.camera.Start(ctx); err != nil {
		c.setStatus(StatusText(err))
		return err
	}
	metrics.SetFlag(&c.metrics.CameraOn, true)
	c.setStatus("Câmera iniciada.")
	return nil
}

// StopCamera stops the periodic trigger, releases the source and clears the
// overlay.
func (c *Controller) StopCamera() error {
	c.StopAuto()
	if c.camera == nil {
		return nil
	}
	err := c.camera.Stop()
	metrics.SetFlag(&c.metrics.CameraOn, false)
	c.renderer.Clear()
	c.setStatus("Câmera desligada.")
	return err
}

func (c *Controller) setStatus(s string) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// ScaleDetections maps detections from a srcW x srcH image to dstW x dstH.
// The input is not modified.
func ScaleDetections(dets []types.Detection, srcW, srcH, dstW, dstH int) []types.Detection {
	if srcW <= 0 || srcH <= 0 || (srcW == dstW && srcH == dstH) {
		return dets
	}
	sx := float64(dstW) / float64(srcW)
	sy := float64(dstH) / float64(srcH)
	out := make([]types.Detection, len(dets))
	for i, d := range dets {
		d.X *= sx
		d.Width *= sx
		d.Y *= sy
		d.Height *= sy
		out[i] = d
	}
	return out
}
