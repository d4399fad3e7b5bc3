package apicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/epiguard/epi-monitor/internal/archive"
	"github.com/epiguard/epi-monitor/internal/capture"
	"github.com/epiguard/epi-monitor/internal/catalog"
	"github.com/epiguard/epi-monitor/internal/compliance"
	"github.com/epiguard/epi-monitor/internal/controller"
	"github.com/epiguard/epi-monitor/internal/history"
	"github.com/epiguard/epi-monitor/internal/metrics"
	"github.com/epiguard/epi-monitor/internal/overlay"
	"github.com/epiguard/epi-monitor/internal/relay"
	"github.com/epiguard/epi-monitor/internal/settings"
	"github.com/epiguard/epi-monitor/internal/store"
	"github.com/epiguard/epi-monitor/internal/webmonitor"
)

const defaultRequestTimeout = 3 * time.Second

type apiClient struct {
	baseURL string
	client  *http.Client
	// live is set when running against an external server.
	live bool
}

// newAPIClient targets EPI_BASE_URL when set, otherwise a fully wired
// in-process monitor reading frames from a file and using a relay without
// credentials.
func newAPIClient(t *testing.T) *apiClient {
	t.Helper()
	client := &http.Client{Timeout: defaultRequestTimeout}

	if baseURL := os.Getenv("EPI_BASE_URL"); baseURL != "" {
		baseURL = strings.TrimRight(baseURL, "/")
		if !isReachable(client, baseURL+"/api/status") {
			t.Skipf("monitor not reachable at %s", baseURL)
		}
		return &apiClient{baseURL: baseURL, client: client, live: true}
	}

	return &apiClient{baseURL: startInProcess(t), client: client}
}

func isReachable(client *http.Client, url string) bool {
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}

func writeTestFrame(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 800, 600))
	for y := range 600 {
		for x := range 800 {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 96, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	path := filepath.Join(t.TempDir(), "frame.jpg")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	return path
}

func startInProcess(t *testing.T) string {
	t.Helper()
	kv, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	ctx := context.Background()
	cat := catalog.EPIs()
	eval := compliance.NewEvaluator(cat)
	set := settings.New(kv, cat)
	set.Load(ctx)
	hist := history.NewAggregator(kv, 0)
	hist.Load(ctx)
	m := metrics.New()

	relaySrv := httptest.NewServer(relay.NewHandlerWithCredentials(relay.Credentials{}, nil))
	t.Cleanup(relaySrv.Close)

	camera := capture.NewAdapter(capture.NewFileSource(writeTestFrame(t)), capture.Options{})
	ctrl := controller.New(controller.Deps{
		Camera:    camera,
		Detector:  relay.NewClient(relaySrv.URL, nil, defaultRequestTimeout),
		Mock:      relay.NewMockDetector(cat, rand.New(rand.NewPCG(1, 2))),
		Evaluator: eval,
		Settings:  set,
		History:   hist,
		Renderer:  overlay.NewRenderer(eval.LabelFor, set.IsRequired),
		Metrics:   m,
	})
	if err := ctrl.StartCamera(ctx); err != nil {
		t.Fatalf("start camera: %v", err)
	}

	srv := webmonitor.NewServer(webmonitor.DefaultConfig(), webmonitor.Deps{
		Controller: ctrl,
		Evaluator:  eval,
		Settings:   set,
		History:    hist,
		Archive:    archive.New(t.TempDir(), archive.Options{}, m),
		Relay:      relay.NewHandlerWithCredentials(relay.Credentials{}, nil),
		Metrics:    m,
	})
	srv.Start()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Stop()
		_ = ctrl.StopCamera()
	})
	return ts.URL
}

func (c *apiClient) do(t *testing.T, method, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, data
}

func (c *apiClient) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	return c.do(t, http.MethodGet, path, nil)
}

func (c *apiClient) getResponse(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func readSSEEvent(url, accept string, timeout time.Duration) (string, http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 256)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
				return string(buf[:idx]), resp.Header, nil
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return "", nil, fmt.Errorf("sse stream closed before event")
			}
			return "", nil, fmt.Errorf("read sse: %w", readErr)
		}
	}
}

func sseData(t *testing.T, event string) string {
	t.Helper()
	for _, line := range strings.Split(event, "\n") {
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			data = strings.TrimSpace(data)
			if data == "" {
				t.Fatalf("empty sse data line")
			}
			return data
		}
	}
	t.Fatalf("no data line in sse event: %q", event)
	return ""
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireBool(t *testing.T, value any, field string) bool {
	t.Helper()
	b, ok := value.(bool)
	if !ok {
		t.Fatalf("expected %s to be bool, got %T", field, value)
	}
	return b
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

func assertResult(t *testing.T, payload map[string]any, field string) {
	t.Helper()
	requireString(t, payload["id"], field+".id")
	requireString(t, payload["timestamp"], field+".timestamp")
	requireSlice(t, payload["detectedLabels"], field+".detectedLabels")
	requireSlice(t, payload["missingLabels"], field+".missingLabels")
	requireNumber(t, payload["totalDetections"], field+".totalDetections")
	requireBool(t, payload["compliant"], field+".compliant")
}

func assertEvaluationEvent(t *testing.T, payload map[string]any) {
	t.Helper()
	kind := requireString(t, payload["type"], "type")
	requireString(t, payload["status"], "status")
	requireString(t, payload["trigger"], "trigger")
	requireBool(t, payload["simulated"], "simulated")
	requireNumber(t, payload["duration_ms"], "duration_ms")

	switch kind {
	case "evaluation":
		assertResult(t, requireMap(t, payload["result"], "result"), "result")
		if payload["detections"] != nil {
			for i, raw := range requireSlice(t, payload["detections"], "detections") {
				det := requireMap(t, raw, fmt.Sprintf("detections[%d]", i))
				requireString(t, det["label"], "detections.label")
				requireNumber(t, det["confidence"], "detections.confidence")
				requireNumber(t, det["x"], "detections.x")
				requireNumber(t, det["width"], "detections.width")
				requireBool(t, det["required"], "detections.required")
			}
		}
	case "error":
		errPayload := requireMap(t, payload["error"], "error")
		requireString(t, errPayload["kind"], "error.kind")
		requireString(t, errPayload["message"], "error.message")
	default:
		t.Fatalf("unexpected event type %q", kind)
	}
}

func assertStatusPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	requireString(t, payload["state"], "state")
	requireBool(t, payload["busy"], "busy")
	requireString(t, payload["status_text"], "status_text")

	camera := requireMap(t, payload["camera"], "camera")
	requireString(t, camera["name"], "camera.name")
	requireBool(t, camera["active"], "camera.active")

	auto := requireMap(t, payload["auto"], "auto")
	requireBool(t, auto["enabled"], "auto.enabled")
	requireNumber(t, auto["interval_seconds"], "auto.interval_seconds")

	requireSlice(t, payload["required_labels"], "required_labels")

	stats := requireMap(t, payload["stats"], "stats")
	requireNumber(t, stats["totalEvaluations"], "stats.totalEvaluations")
	requireNumber(t, stats["compliantCount"], "stats.compliantCount")
	requireNumber(t, stats["nonCompliantCount"], "stats.nonCompliantCount")
	requireNumber(t, stats["complianceRate"], "stats.complianceRate")

	requireNumber(t, payload["uptime_seconds"], "uptime_seconds")
	requireNumber(t, payload["timestamp"], "timestamp")

	if payload["last_evaluation"] != nil {
		assertEvaluationEvent(t, requireMap(t, payload["last_evaluation"], "last_evaluation"))
	}
}
