package webmonitor

import (
	"time"

	"github.com/epiguard/epi-monitor/internal/archive"
	"github.com/epiguard/epi-monitor/internal/compliance"
	"github.com/epiguard/epi-monitor/internal/controller"
	"github.com/epiguard/epi-monitor/internal/history"
	"github.com/epiguard/epi-monitor/internal/settings"
	"github.com/epiguard/epi-monitor/pkg/types"
)

// Monitor assembles status snapshots and evaluation events from the
// controller and its stores.
type Monitor struct {
	startTime time.Time

	ctrl      *controller.Controller
	evaluator *compliance.Evaluator
	settings  *settings.Store
	history   *history.Aggregator
	archive   *archive.Archiver
}

// NewMonitor creates a Monitor. archiver may be nil.
func NewMonitor(ctrl *controller.Controller, eval *compliance.Evaluator, set *settings.Store, hist *history.Aggregator, archiver *archive.Archiver) *Monitor {
	return &Monitor{
		startTime: time.Now(),
		ctrl:      ctrl,
		evaluator: eval,
		settings:  set,
		history:   hist,
		archive:   archiver,
	}
}

// Snapshot returns the current status.
func (m *Monitor) Snapshot() StatusPayload {
	cam := m.ctrl.Camera()
	camera := CameraStatus{Name: "none"}
	if cam != nil {
		camera = CameraStatus{Name: cam.Name(), Active: cam.Available()}
	}

	on, interval := m.ctrl.AutoEnabled()
	payload := StatusPayload{
		State:          m.ctrl.State().String(),
		Busy:           m.ctrl.Busy(),
		StatusText:     m.ctrl.StatusText(),
		Camera:         camera,
		Auto:           AutoStatus{Enabled: on, IntervalSeconds: interval.Seconds()},
		RequiredLabels: m.settings.Required(),
		Stats:          statsJSON(m.history.Stats()),
		UptimeSeconds:  time.Since(m.startTime).Seconds(),
		Timestamp:      float64(time.Now().Unix()),
	}
	if last, ok := m.ctrl.Last(); ok {
		ev := m.Event(last)
		payload.Last = &ev
	}
	if m.archive != nil {
		st := m.archive.Status()
		payload.Archive = &st
	}
	return payload
}

// Event converts a finished cycle into its client payload.
func (m *Monitor) Event(o controller.Outcome) EvaluationEvent {
	ev := EvaluationEvent{
		Type:       "evaluation",
		Trigger:    o.Trigger,
		Status:     o.Status,
		Simulated:  o.Simulated,
		DurationMs: durationMs(o.Duration),
	}
	if o.Err != nil {
		ev.Type = "error"
		ev.Error = errorJSON(o.Err)
		return ev
	}

	result := o.Evaluation.Result
	ev.Result = &result
	ev.Summary = o.Evaluation.Summary
	if o.Relay != nil {
		ev.Detections = m.detections(o.Relay.Predictions)
		ev.Image = &types.ImageSize{Width: o.Relay.ImageWidth, Height: o.Relay.ImageHeight}
	}
	return ev
}

func (m *Monitor) detections(preds []types.Detection) []DetectionJSON {
	out := make([]DetectionJSON, 0, len(preds))
	for _, d := range preds {
		label := m.evaluator.LabelFor(d)
		out = append(out, DetectionJSON{
			ClassID:    d.ClassID,
			Label:      label,
			Confidence: d.Confidence,
			X:          d.X,
			Y:          d.Y,
			Width:      d.Width,
			Height:     d.Height,
			Required:   m.settings.IsRequired(label),
		})
	}
	return out
}

func errorJSON(err error) *ErrorJSON {
	e := &ErrorJSON{Kind: controller.Kind(err), Message: err.Error()}
	if controller.FallbackAvailable(err) {
		e.Fallback = "mock"
	}
	return e
}
