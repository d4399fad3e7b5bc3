// Package compliance compares the labels found in one capture against the
// required EPI set.
package compliance

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/epiguard/epi-monitor/internal/catalog"
	"github.com/epiguard/epi-monitor/pkg/types"
)

// Result is the persisted outcome of one evaluation. It is never mutated
// after Evaluate returns it.
type Result struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	DetectedLabels  []string  `json:"detectedLabels"`
	MissingLabels   []string  `json:"missingLabels"`
	TotalDetections int       `json:"totalDetections"`
	Compliant       bool      `json:"compliant"`
}

// LabelSummary aggregates the detections of one label for display.
type LabelSummary struct {
	Label         string  `json:"label"`
	Count         int     `json:"count"`
	MaxConfidence float64 `json:"maxConfidence"`
	Required      bool    `json:"required"`
}

// Evaluation is a Result plus the per-label breakdown shown to the user.
type Evaluation struct {
	Result  Result         `json:"result"`
	Summary []LabelSummary `json:"summary"`
}

// Empty reports whether nothing at all was detected.
func (e Evaluation) Empty() bool {
	return e.Result.TotalDetections == 0
}

// Status returns the user-visible status line for the evaluation.
func (e Evaluation) Status() string {
	switch {
	case e.Empty():
		return "Nenhum EPI foi detectado."
	case e.Result.Compliant:
		return "Todos os EPIs obrigatórios foram detectados!"
	default:
		return fmt.Sprintf("Faltando %d EPI(s) obrigatório(s).", len(e.Result.MissingLabels))
	}
}

// Evaluator maps detections to labels and checks them against a required set.
type Evaluator struct {
	catalog *catalog.Catalog
	now     func() time.Time
	newID   func() string
}

// NewEvaluator returns an Evaluator using the given catalog.
func NewEvaluator(c *catalog.Catalog) *Evaluator {
	return &Evaluator{
		catalog: c,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// WithClock overrides the timestamp and id sources. Intended for tests.
func (e *Evaluator) WithClock(now func() time.Time, newID func() string) *Evaluator {
	cp := *e
	if now != nil {
		cp.now = now
	}
	if newID != nil {
		cp.newID = newID
	}
	return &cp
}

// Catalog returns the label catalog used by the evaluator.
func (e *Evaluator) Catalog() *catalog.Catalog {
	return e.catalog
}

// LabelFor resolves the display label of a detection.
func (e *Evaluator) LabelFor(d types.Detection) string {
	if label, ok := e.catalog.Lookup(d.ClassID); ok {
		return label
	}
	if d.ClassName != "" {
		return d.ClassName
	}
	return e.catalog.Label(d.ClassID)
}

// Evaluate groups dets by label and partitions required into present and
// missing labels. dets and required are not modified.
func (e *Evaluator) Evaluate(dets []types.Detection, required []string) Evaluation {
	req := dedupe(required)
	isRequired := make(map[string]bool, len(req))
	for _, label := range req {
		isRequired[label] = true
	}

	groups := make(map[string]*LabelSummary)
	summary := make([]LabelSummary, 0)
	order := make([]string, 0)
	for _, d := range dets {
		label := e.LabelFor(d)
		g, ok := groups[label]
		if !ok {
			order = append(order, label)
			g = &LabelSummary{Label: label, Required: isRequired[label]}
			groups[label] = g
		}
		g.Count++
		if d.Confidence > g.MaxConfidence {
			g.MaxConfidence = d.Confidence
		}
	}

	detected := make([]string, 0, len(order))
	for _, label := range order {
		detected = append(detected, label)
		summary = append(summary, *groups[label])
	}

	missing := make([]string, 0)
	for _, label := range req {
		if _, ok := groups[label]; !ok {
			missing = append(missing, label)
		}
	}

	return Evaluation{
		Result: Result{
			ID:              e.newID(),
			Timestamp:       e.now().UTC(),
			DetectedLabels:  detected,
			MissingLabels:   missing,
			TotalDetections: len(dets),
			Compliant:       len(missing) == 0,
		},
		Summary: summary,
	}
}

func dedupe(labels []string) []string {
	seen := make(map[string]bool, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}
