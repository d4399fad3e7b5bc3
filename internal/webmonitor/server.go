package webmonitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/epiguard/epi-monitor/internal/archive"
	"github.com/epiguard/epi-monitor/internal/compliance"
	"github.com/epiguard/epi-monitor/internal/controller"
	"github.com/epiguard/epi-monitor/internal/history"
	"github.com/epiguard/epi-monitor/internal/logger"
	"github.com/epiguard/epi-monitor/internal/metrics"
	"github.com/epiguard/epi-monitor/internal/settings"
)

// Deps are the collaborators served over HTTP. Archive, Relay and Metrics
// may be nil.
type Deps struct {
	Controller *controller.Controller
	Evaluator  *compliance.Evaluator
	Settings   *settings.Store
	History    *history.Aggregator
	Archive    *archive.Archiver
	// Relay is mounted at /api/detect.
	Relay   http.Handler
	Metrics *metrics.Metrics
}

// Server serves the dashboard, the control API and the live streams.
type Server struct {
	cfg     Config
	deps    Deps
	monitor *Monitor

	frames *FrameBroadcaster
	events *EventBroadcaster
	status *StatusBroadcaster
}

// NewServer returns a server and registers its listener on the controller.
// Call Start to run the broadcasters.
func NewServer(cfg Config, deps Deps) *Server {
	def := DefaultConfig()
	if cfg.MJPEGInterval <= 0 {
		cfg.MJPEGInterval = def.MJPEGInterval
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = def.JPEGQuality
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.AutoInterval <= 0 {
		cfg.AutoInterval = def.AutoInterval
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	monitor := NewMonitor(deps.Controller, deps.Evaluator, deps.Settings, deps.History, deps.Archive)
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		monitor: monitor,
		frames:  NewFrameBroadcaster(deps.Controller, deps.Metrics, cfg.MJPEGInterval, cfg.JPEGQuality),
		events:  NewEventBroadcaster(monitor, deps.Metrics),
		status:  NewStatusBroadcaster(monitor, cfg.StatusInterval),
	}
	deps.Controller.OnEvaluationComplete(s.onEvaluation)
	return s
}

// Start runs the frame and status broadcasters.
func (s *Server) Start() {
	s.frames.Start()
	s.status.Start()
}

// Stop halts the broadcasters.
func (s *Server) Stop() {
	s.frames.Stop()
	s.status.Stop()
}

// Monitor returns the snapshot builder.
func (s *Server) Monitor() *Monitor {
	return s.monitor
}

func (s *Server) onEvaluation(o controller.Outcome) {
	s.events.Publish(o)

	if o.Err != nil || s.deps.Archive == nil || o.Frame == nil {
		return
	}
	s.deps.Archive.Submit(archive.Entry{
		Result:    o.Evaluation.Result,
		Frame:     o.Frame.Image,
		Layer:     s.deps.Controller.Renderer().Layer(),
		Simulated: o.Simulated,
	})
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/api/capture", s.handleCapture)
	mux.HandleFunc("/api/camera/start", s.handleCameraStart)
	mux.HandleFunc("/api/camera/stop", s.handleCameraStop)
	mux.HandleFunc("/api/auto/start", s.handleAutoStart)
	mux.HandleFunc("/api/auto/stop", s.handleAutoStop)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/stats/chart", s.handleStatsChart)
	mux.HandleFunc("/api/overlay.png", s.handleOverlay)
	mux.HandleFunc("/api/archive/start", s.handleArchiveStart)
	mux.HandleFunc("/api/archive/stop", s.handleArchiveStop)
	mux.HandleFunc("/api/archive/status", s.handleArchiveStatus)
	if s.deps.Relay != nil {
		mux.Handle("/api/detect", s.deps.Relay)
	}
	mux.Handle("/metrics", s.deps.Metrics.Handler())

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.frames.Subscribe()
	defer s.frames.Unsubscribe(id)
	streamMJPEGFromChannel(w, r, frameCh)
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	opts := controller.CaptureOptions{
		Mock:         queryBool(q.Get("mock")),
		FallbackMock: q.Get("fallback") == "mock",
		Trigger:      controller.TriggerManual,
	}

	out, err := s.deps.Controller.OnCaptureRequested(r.Context(), opts)
	if err != nil {
		writeCaptureError(w, err)
		return
	}
	writeJSON(w, s.monitor.Event(*out))
}

func writeCaptureError(w http.ResponseWriter, err error) {
	kind := controller.Kind(err)
	status := http.StatusInternalServerError
	switch kind {
	case controller.KindBusy:
		status = http.StatusConflict
	case controller.KindCaptureUnavailable:
		status = http.StatusServiceUnavailable
	case controller.KindUpstream, controller.KindNetwork:
		status = http.StatusBadGateway
	case controller.KindCanceled:
		status = http.StatusGatewayTimeout
	}

	payload := map[string]any{
		"error":   controller.StatusText(err),
		"kind":    kind,
		"message": err.Error(),
	}
	if controller.FallbackAvailable(err) {
		payload["fallback"] = "mock"
	}
	writeJSONWithStatus(w, payload, status)
}

func (s *Server) handleCameraStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	if err := s.deps.Controller.StartCamera(ctx); err != nil {
		writeJSONWithStatus(w, map[string]any{
			"error":   s.deps.Controller.StatusText(),
			"message": err.Error(),
		}, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]any{
		"status":     "started",
		"camera":     s.monitor.Snapshot().Camera,
		"started_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleCameraStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.deps.Controller.StopCamera(); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"status":     "stopped",
		"stopped_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleAutoStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	interval := s.cfg.AutoInterval
	if v := r.URL.Query().Get("interval"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs <= 0 {
			writeJSONWithStatus(w, map[string]any{"error": "invalid interval"}, http.StatusBadRequest)
			return
		}
		interval = time.Duration(secs * float64(time.Second))
	}

	if err := s.deps.Controller.StartAuto(interval); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	on, d := s.deps.Controller.AutoEnabled()
	writeJSON(w, AutoStatus{Enabled: on, IntervalSeconds: d.Seconds()})
}

func (s *Server) handleAutoStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.deps.Controller.StopAuto()
	writeJSON(w, AutoStatus{Enabled: false})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.monitor.Snapshot())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	initial, err := serializeEvent(s.monitor.Snapshot())
	if err != nil {
		logger.Error("Server", "Status serialize error: %v", err)
		http.Error(w, "Failed to serialize status", http.StatusInternalServerError)
		return
	}

	id, eventCh := s.status.Subscribe()
	defer s.status.Unsubscribe(id)
	streamEventsFromChannel(w, r, eventCh, initial)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.events.Subscribe()
	defer s.events.Unsubscribe(id)
	streamEventsFromChannel(w, r, eventCh, nil)
}

type configPayload struct {
	RequiredLabels []string `json:"required_labels"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeConfig(w, http.StatusOK)
	case http.MethodPut, http.MethodPost:
		var body configPayload
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
			writeJSONWithStatus(w, map[string]any{"error": "invalid JSON body"}, http.StatusBadRequest)
			return
		}

		_, err := s.deps.Settings.Set(r.Context(), body.RequiredLabels)
		var unknown *settings.UnknownLabelError
		switch {
		case err == nil:
			s.writeConfig(w, http.StatusOK)
		case errors.Is(err, settings.ErrEmptySelection):
			writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		case errors.As(err, &unknown):
			writeJSONWithStatus(w, map[string]any{"error": err.Error(), "labels": unknown.Labels}, http.StatusBadRequest)
		default:
			logger.Error("Server", "Failed to save required EPIs: %v", err)
			writeJSONWithStatus(w, map[string]any{"error": "failed to save configuration"}, http.StatusInternalServerError)
		}
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) writeConfig(w http.ResponseWriter, status int) {
	writeJSONWithStatus(w, map[string]any{
		"required_labels": s.deps.Settings.Required(),
		"available":       s.deps.Evaluator.Catalog().Selectable(),
	}, status)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := s.cfg.HistoryLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeJSONWithStatus(w, map[string]any{"error": "invalid limit"}, http.StatusBadRequest)
				return
			}
			limit = n
		}
		if limit == 0 {
			limit = s.deps.History.Cap()
		}
		writeJSON(w, map[string]any{
			"history": s.deps.History.Recent(limit),
			"total":   len(s.deps.History.History()),
		})
	case http.MethodDelete:
		if err := s.deps.History.Clear(r.Context()); err != nil {
			logger.Error("Server", "Failed to clear history: %v", err)
			writeJSONWithStatus(w, map[string]any{"error": "failed to clear history"}, http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"status": "cleared"})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, statsJSON(s.deps.History.Stats()))
}

func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	renderer := s.deps.Controller.Renderer()
	data, err := renderer.PNG()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Overlay-Boxes", strconv.Itoa(renderer.Boxes()))
	_, _ = w.Write(data)
}

func (s *Server) handleArchiveStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Archive == nil {
		writeJSONWithStatus(w, map[string]any{"error": "archive is not configured"}, http.StatusBadRequest)
		return
	}

	if err := s.deps.Archive.Start(); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"status":     "archiving",
		"dir":        s.deps.Archive.Status().Dir,
		"started_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleArchiveStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Archive == nil {
		writeJSONWithStatus(w, map[string]any{"error": "archive is not configured"}, http.StatusBadRequest)
		return
	}

	if err := s.deps.Archive.Stop(); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"status":     "stopped",
		"stats":      s.deps.Archive.Status(),
		"stopped_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleArchiveStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		writeJSON(w, archive.Status{})
		return
	}
	writeJSON(w, s.deps.Archive.Status())
}

func queryBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}
