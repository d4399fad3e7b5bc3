package webmonitor

import (
	"time"

	"github.com/epiguard/epi-monitor/internal/archive"
	"github.com/epiguard/epi-monitor/internal/compliance"
	"github.com/epiguard/epi-monitor/internal/controller"
	"github.com/epiguard/epi-monitor/internal/history"
	"github.com/epiguard/epi-monitor/pkg/types"
)

// DetectionJSON is one detection as shown to clients, in relay image
// coordinates.
type DetectionJSON struct {
	ClassID    int     `json:"class"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Required   bool    `json:"required"`
}

// ErrorJSON describes a failed cycle.
type ErrorJSON struct {
	Kind     controller.ErrorKind `json:"kind"`
	Message  string               `json:"message"`
	Fallback string               `json:"fallback,omitempty"`
}

// EvaluationEvent is the payload of /api/capture and /api/events.
type EvaluationEvent struct {
	Type       string                    `json:"type"`
	Trigger    string                    `json:"trigger"`
	Status     string                    `json:"status"`
	Simulated  bool                      `json:"simulated"`
	DurationMs int64                     `json:"duration_ms"`
	Result     *compliance.Result        `json:"result,omitempty"`
	Summary    []compliance.LabelSummary `json:"summary,omitempty"`
	Detections []DetectionJSON           `json:"detections,omitempty"`
	Image      *types.ImageSize          `json:"image,omitempty"`
	Error      *ErrorJSON                `json:"error,omitempty"`
}

// CameraStatus describes the capture source.
type CameraStatus struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// AutoStatus describes periodic capture.
type AutoStatus struct {
	Enabled         bool    `json:"enabled"`
	IntervalSeconds float64 `json:"interval_seconds"`
}

// StatsJSON is the cumulative statistics payload.
type StatsJSON struct {
	history.Stats
	ComplianceRate float64 `json:"complianceRate"`
}

// StatusPayload is the payload of /api/status and /api/status/stream.
type StatusPayload struct {
	State          string           `json:"state"`
	Busy           bool             `json:"busy"`
	StatusText     string           `json:"status_text"`
	Camera         CameraStatus     `json:"camera"`
	Auto           AutoStatus       `json:"auto"`
	RequiredLabels []string         `json:"required_labels"`
	Last           *EvaluationEvent `json:"last_evaluation"`
	Stats          StatsJSON        `json:"stats"`
	Archive        *archive.Status  `json:"archive,omitempty"`
	UptimeSeconds  float64          `json:"uptime_seconds"`
	Timestamp      float64          `json:"timestamp"`
}

func statsJSON(s history.Stats) StatsJSON {
	return StatsJSON{Stats: s, ComplianceRate: s.ComplianceRate()}
}

func durationMs(d time.Duration) int64 {
	return d.Milliseconds()
}
