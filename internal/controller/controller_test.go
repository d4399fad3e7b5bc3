package controller

import (
	"context"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epiguard/epi-monitor/internal/capture"
	"github.com/epiguard/epi-monitor/internal/catalog"
	"github.com/epiguard/epi-monitor/internal/compliance"
	"github.com/epiguard/epi-monitor/internal/history"
	"github.com/epiguard/epi-monitor/internal/metrics"
	"github.com/epiguard/epi-monitor/internal/overlay"
	"github.com/epiguard/epi-monitor/internal/relay"
	"github.com/epiguard/epi-monitor/internal/settings"
	"github.com/epiguard/epi-monitor/internal/store"
	"github.com/epiguard/epi-monitor/pkg/types"
)

type fakeCamera struct {
	mu        sync.Mutex
	available bool
	captures  int
	err       error
}

func (f *fakeCamera) Name() string { return "fake" }

func (f *fakeCamera) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available = true
	return nil
}

func (f *fakeCamera) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available = false
	return nil
}

func (f *fakeCamera) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *fakeCamera) Capture(context.Context) (*capture.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	if f.err != nil {
		return nil, f.err
	}
	return &capture.Frame{
		Compressed:  []byte("jpeg"),
		Width:       1280,
		Height:      960,
		RelayWidth:  640,
		RelayHeight: 480,
		CapturedAt:  time.Now(),
	}, nil
}

func (f *fakeCamera) Preview(context.Context) (image.Image, error) {
	if !f.Available() {
		return nil, capture.ErrUnavailable
	}
	return image.NewRGBA(image.Rect(0, 0, 1280, 960)), nil
}

func (f *fakeCamera) Latest() (*capture.Frame, bool) { return nil, false }

type fakeDetector struct {
	result  *types.RelayResult
	err     error
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (f *fakeDetector) Detect(ctx context.Context, _ []byte) (*types.RelayResult, error) {
	f.calls.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.result, f.err
}

func relayResult(classes ...int) *types.RelayResult {
	preds := make([]types.Detection, 0, len(classes))
	for i, id := range classes {
		preds = append(preds, types.Detection{
			ClassID: id, Confidence: 0.9,
			X: float64(100 + i*100), Y: 100, Width: 50, Height: 50,
		})
	}
	return &types.RelayResult{Predictions: preds, ImageWidth: 640, ImageHeight: 480, ElapsedTime: 200 * time.Millisecond}
}

type harness struct {
	ctrl     *Controller
	camera   *fakeCamera
	detector *fakeDetector
	mock     *fakeDetector
	history  *history.Aggregator
	renderer *overlay.Renderer
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	kv, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	cat := catalog.EPIs()
	eval := compliance.NewEvaluator(cat)
	set := settings.New(kv, cat)
	set.Load(context.Background())
	hist := history.NewAggregator(kv, 0)
	hist.Load(context.Background())
	renderer := overlay.NewRenderer(eval.LabelFor, set.IsRequired)

	h := &harness{
		camera:   &fakeCamera{available: true},
		detector: &fakeDetector{result: relayResult(10, 8, 5)},
		mock:     &fakeDetector{result: &types.RelayResult{Predictions: []types.Detection{{ClassID: 9, Confidence: 0.8, X: 200, Y: 200, Width: 100, Height: 100}}, ImageWidth: 640, ImageHeight: 480, Simulated: true}},
		history:  hist,
		renderer: renderer,
		metrics:  metrics.New(),
	}
	h.ctrl = New(Deps{
		Camera:    h.camera,
		Detector:  h.detector,
		Mock:      h.mock,
		Evaluator: eval,
		Settings:  set,
		History:   hist,
		Renderer:  renderer,
		Metrics:   h.metrics,
	})
	return h
}

func TestCaptureCycleCompliant(t *testing.T) {
	h := newHarness(t)
	var got []Outcome
	h.ctrl.OnEvaluationComplete(func(o Outcome) { got = append(got, o) })

	out, err := h.ctrl.OnCaptureRequested(context.Background(), CaptureOptions{})
	require.NoError(t, err)

	assert.True(t, out.Evaluation.Result.Compliant)
	assert.Empty(t, out.Evaluation.Result.MissingLabels)
	assert.Equal(t, "Todos os EPIs obrigatórios foram detectados!", out.Status)
	assert.Equal(t, TriggerManual, out.Trigger)
	assert.False(t, out.Simulated)

	require.Len(t, got, 1)
	assert.NoError(t, got[0].Err)

	assert.Len(t, h.history.History(), 1)
	assert.Equal(t, 1, h.history.Stats().CompliantCount)

	w, hgt := h.renderer.Size()
	assert.Equal(t, 1280, w)
	assert.Equal(t, 960, hgt)
	assert.Equal(t, 3, h.renderer.Boxes())

	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.False(t, h.ctrl.Busy())
	assert.Equal(t, out.Status, h.ctrl.StatusText())
	assert.EqualValues(t, 1, h.metrics.Evaluations.Load())
	assert.EqualValues(t, 200, h.metrics.RelayLatencyMs.Load())

	last, ok := h.ctrl.Last()
	require.True(t, ok)
	assert.Equal(t, out.Evaluation.Result.ID, last.Evaluation.Result.ID)
}

func TestCaptureCycleNonCompliant(t *testing.T) {
	h := newHarness(t)
	h.detector.result = relayResult(10, 16)

	out, err := h.ctrl.OnCaptureRequested(context.Background(), CaptureOptions{})
	require.NoError(t, err)

	if diff := cmp.Diff([]string{"óculos", "máscara facial"}, out.Evaluation.Result.MissingLabels); diff != "" {
		t.Fatalf("missing labels (-want +got):\n%s", diff)
	}
	assert.Equal(t, "Faltando 2 EPI(s) obrigatório(s).", out.Status)
	assert.EqualValues(t, 1, h.metrics.NonCompliant.Load())
}

func TestSecondTriggerWhileBusy(t *testing.T) {
	h := newHarness(t)
	h.detector.entered = make(chan struct{}, 1)
	h.detector.release = make(chan struct{})

	type res struct {
		out *Outcome
		err error
	}
	first := make(chan res, 1)
	go func() {
		out, err := h.ctrl.OnCaptureRequested(context.Background(), CaptureOptions{})
		first <- res{out, err}
	}()

	<-h.detector.entered
	assert.True(t, h.ctrl.Busy())
	assert.Equal(t, StateAwaitingResponse, h.ctrl.State())

	_, err := h.ctrl.OnCaptureRequested(context.Background(), CaptureOptions{})
	require.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, KindBusy, Kind(err))
	assert.EqualValues(t, 1, h.detector.calls.Load())
	assert.Equal(t, 1, h.camera.captures)
	assert.Empty(t, h.history.History())
	assert.EqualValues(t, 1, h.metrics.BusyRejections.Load())

	close(h.detector.release)
	r := <-first
	require.NoError(t, r.err)
	assert.True(t, r.out.Evaluation.Result.Compliant)
	assert.Len(t, h.history.History(), 1)
	assert.False(t, h.ctrl.Busy())
}

func TestCameraUnavailable(t *testing.T) {
	h := newHarness(t)
	h.camera.available = false
	var got []Outcome
	h.ctrl.OnEvaluationComplete(func(o Outcome) { got = append(got, o) })

	_, err := h.ctrl.OnCaptureRequested(context.Background(), CaptureOptions{Mock: true})
	require.ErrorIs(t, err, capture.ErrUnavailable)
	assert.Equal(t, KindCaptureUnavailable, Kind(err))
	assert.Equal(t, "Câmera não está pronta.", h.ctrl.StatusText())
	assert.Zero(t, h.detector.calls.Load())
	assert.Zero(t, h.mock.calls.Load())
	assert.Empty(t, h.history.History())
	assert.False(t, h.ctrl.Busy())

	require.Len(t, got, 1)
	assert.Error(t, got[0].Err)
}

func TestRelayFailureWithoutFallback(t *testing.T) {
	h := newHarness(t)
	h.detector.err = &relay.UpstreamError{StatusCode: http.StatusBadGateway, Message: "upstream detection failed"}

	_, err := h.ctrl.OnCaptureRequested(context.Background(), CaptureOptions{})
	require.Error(t, err)
	assert.Equal(t, KindUpstream, Kind(err))
	assert.True(t, FallbackAvailable(err))
	assert.Contains(t, h.ctrl.StatusText(), "Erro ao processar imagem")
	assert.Zero(t, h.mock.calls.Load())
	assert.Empty(t, h.history.History())
	assert.False(t, h.ctrl.Busy())
	assert.EqualValues(t, 1, h.metrics.RelayErrors.Load())
}

func TestRelayFailureFallsBackToMock(t *testing.T) {
	h := newHarness(t)
	h.detector.err = &relay.NetworkError{URL: "http://relay", Err: errors.New("connection refused")}

	out, err := h.ctrl.OnCaptureRequested(context.Background(), CaptureOptions{FallbackMock: true})
	require.NoError(t, err)
	assert.True(t, out.Simulated)
	assert.EqualValues(t, 1, h.mock.calls.Load())
	assert.Equal(t, []string{"luvas"}, out.Evaluation.Result.DetectedLabels)
	assert.EqualValues(t, 1, h.metrics.Simulated.Load())
}

func TestConfigurationErrorDoesNotFallBack(t *testing.T) {
	h := newHarness(t)
	h.detector.err = &relay.UpstreamError{StatusCode: http.StatusInternalServerError, Message: relay.ErrConfigurationMissing.Error()}

	_, err := h.ctrl.OnCaptureRequested(context.Background(), CaptureOptions{FallbackMock: true})
	require.Error(t, err)
	assert.Equal(t, KindConfigurationMissing, Kind(err))
	assert.Zero(t, h.mock.calls.Load())
}

func TestRelayTimeoutIsCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	h := newHarness(t)
	h.ctrl.detector = relay.NewClient(srv.URL, nil, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.ctrl.OnCaptureRequested(ctx, CaptureOptions{FallbackMock: true})
	require.Error(t, err)
	assert.Equal(t, KindCanceled, Kind(err))
	assert.False(t, FallbackAvailable(err))
	assert.Zero(t, h.mock.calls.Load())
	assert.False(t, h.ctrl.Busy())
}

func TestListenersRunAfterBusyCleared(t *testing.T) {
	h := newHarness(t)
	var busyInListener []bool
	var nestedErr error
	nested := false
	h.ctrl.OnEvaluationComplete(func(o Outcome) {
		busyInListener = append(busyInListener, h.ctrl.Busy())
		if !nested {
			nested = true
			_, nestedErr = h.ctrl.OnCaptureRequested(context.Background(), CaptureOptions{Trigger: TriggerAuto})
		}
	})

	_, err := h.ctrl.OnCaptureRequested(context.Background(), CaptureOptions{})
	require.NoError(t, err)
	require.NoError(t, nestedErr)
	assert.Equal(t, []bool{false, false}, busyInListener)
	assert.Len(t, h.history.History(), 2)
}

func TestMockOption(t *testing.T) {
	h := newHarness(t)
	out, err := h.ctrl.OnCaptureRequested(context.Background(), CaptureOptions{Mock: true})
	require.NoError(t, err)
	assert.True(t, out.Simulated)
	assert.Zero(t, h.detector.calls.Load())
	assert.False(t, out.Evaluation.Result.Compliant)
}

func TestEmptyDetections(t *testing.T) {
	h := newHarness(t)
	h.detector.result = &types.RelayResult{Predictions: []types.Detection{}, ImageWidth: 640, ImageHeight: 480}

	out, err := h.ctrl.OnCaptureRequested(context.Background(), CaptureOptions{})
	require.NoError(t, err)
	assert.True(t, out.Evaluation.Empty())
	assert.Equal(t, "Nenhum EPI foi detectado.", out.Status)
	assert.Zero(t, h.renderer.Boxes())
	assert.Len(t, h.history.History(), 1)
}

func TestStopCameraStopsAutoAndClearsOverlay(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.OnCaptureRequested(context.Background(), CaptureOptions{})
	require.NoError(t, err)
	require.NoError(t, h.ctrl.StartAuto(time.Hour))

	require.NoError(t, h.ctrl.StopCamera())

	on, _ := h.ctrl.AutoEnabled()
	assert.False(t, on)
	assert.False(t, h.camera.Available())
	assert.Zero(t, h.renderer.Boxes())
	assert.EqualValues(t, 0, h.metrics.CameraOn.Load())
	assert.EqualValues(t, 0, h.metrics.AutoDetect.Load())

	require.NoError(t, h.ctrl.StartCamera(context.Background()))
	assert.True(t, h.camera.Available())
	assert.EqualValues(t, 1, h.metrics.CameraOn.Load())
}

func TestAutoStartStop(t *testing.T) {
	h := newHarness(t)
	assert.Error(t, h.ctrl.StartAuto(500*time.Millisecond))

	require.NoError(t, h.ctrl.StartAuto(0))
	on, interval := h.ctrl.AutoEnabled()
	assert.True(t, on)
	assert.Equal(t, DefaultAutoInterval, interval)

	require.NoError(t, h.ctrl.StartAuto(10*time.Second))
	_, interval = h.ctrl.AutoEnabled()
	assert.Equal(t, 10*time.Second, interval)

	h.ctrl.StopAuto()
	on, _ = h.ctrl.AutoEnabled()
	assert.False(t, on)
	h.ctrl.StopAuto()
}

func TestAutoTick(t *testing.T) {
	h := newHarness(t)
	var triggers []string
	h.ctrl.OnEvaluationComplete(func(o Outcome) { triggers = append(triggers, o.Trigger) })

	h.camera.available = false
	h.ctrl.AutoTick()
	assert.Zero(t, h.camera.captures)

	h.camera.available = true
	h.ctrl.AutoTick()
	assert.Equal(t, []string{TriggerAuto}, triggers)
	assert.Len(t, h.history.History(), 1)
}

func TestScaleDetections(t *testing.T) {
	in := []types.Detection{{ClassID: 10, X: 100, Y: 50, Width: 20, Height: 10}}
	out := ScaleDetections(in, 640, 480, 1280, 960)
	if diff := cmp.Diff([]types.Detection{{ClassID: 10, X: 200, Y: 100, Width: 40, Height: 20}}, out); diff != "" {
		t.Fatalf("scaled (-want +got):\n%s", diff)
	}
	assert.Equal(t, 100.0, in[0].X, "input must not be modified")

	same := ScaleDetections(in, 640, 480, 640, 480)
	assert.Equal(t, in, same)
}

func TestKind(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindNone},
		{ErrBusy, KindBusy},
		{&relay.ConfigError{Missing: []string{"ROBOFLOW_API_KEY"}}, KindConfigurationMissing},
		{capture.ErrUnavailable, KindCaptureUnavailable},
		{&relay.UpstreamError{StatusCode: 400}, KindUpstream},
		{&relay.NetworkError{Err: errors.New("x")}, KindNetwork},
		{&relay.NetworkError{Err: context.DeadlineExceeded}, KindCanceled},
		{context.Canceled, KindCanceled},
		{errors.New("boom"), KindInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Kind(tc.err), "%v", tc.err)
	}
}
