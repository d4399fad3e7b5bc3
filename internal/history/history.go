// Package history keeps the capped evaluation log and the cumulative
// compliance counters.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/epiguard/epi-monitor/internal/compliance"
	"github.com/epiguard/epi-monitor/internal/logger"
	"github.com/epiguard/epi-monitor/internal/store"
)

// Store keys.
const (
	HistoryKey = "detectionHistory"
	StatsKey   = "detectionStats"
)

// DefaultCap is the number of evaluations retained in the log.
const DefaultCap = 50

// Stats are cumulative over every evaluation ever recorded, independent of
// the history cap.
type Stats struct {
	TotalEvaluations  int            `json:"totalEvaluations"`
	CompliantCount    int            `json:"compliantCount"`
	NonCompliantCount int            `json:"nonCompliantCount"`
	PerLabelCounts    map[string]int `json:"perLabelCounts"`
}

// ComplianceRate returns the compliant share as a percentage.
func (s Stats) ComplianceRate() float64 {
	if s.TotalEvaluations == 0 {
		return 0
	}
	return float64(s.CompliantCount) / float64(s.TotalEvaluations) * 100
}

func (s Stats) clone() Stats {
	cp := s
	cp.PerLabelCounts = make(map[string]int, len(s.PerLabelCounts))
	for k, v := range s.PerLabelCounts {
		cp.PerLabelCounts[k] = v
	}
	return cp
}

func (s *Stats) fold(r compliance.Result) {
	if s.PerLabelCounts == nil {
		s.PerLabelCounts = make(map[string]int)
	}
	s.TotalEvaluations++
	if r.Compliant {
		s.CompliantCount++
	} else {
		s.NonCompliantCount++
	}
	for _, label := range r.DetectedLabels {
		s.PerLabelCounts[label]++
	}
}

func validateStats(s Stats) error {
	if s.TotalEvaluations < 0 || s.CompliantCount < 0 || s.NonCompliantCount < 0 {
		return errors.New("negative counter")
	}
	if s.CompliantCount+s.NonCompliantCount != s.TotalEvaluations {
		return fmt.Errorf("counters do not add up: %d+%d != %d",
			s.CompliantCount, s.NonCompliantCount, s.TotalEvaluations)
	}
	return nil
}

func emptyStats() Stats {
	return Stats{PerLabelCounts: map[string]int{}}
}

// Aggregator owns the in-memory history and stats and persists them on
// every change.
type Aggregator struct {
	kv     store.KV
	maxLen int

	// saveMu orders writes so a stale snapshot never overwrites a newer one.
	saveMu sync.Mutex

	mu      sync.RWMutex
	history []compliance.Result // oldest first
	stats   Stats
}

// NewAggregator returns an empty aggregator. A cap < 1 uses DefaultCap.
func NewAggregator(kv store.KV, maxLen int) *Aggregator {
	if maxLen < 1 {
		maxLen = DefaultCap
	}
	return &Aggregator{
		kv:      kv,
		maxLen:  maxLen,
		history: []compliance.Result{},
		stats:   emptyStats(),
	}
}

// Cap returns the maximum history length.
func (a *Aggregator) Cap() int {
	return a.maxLen
}

// Load reads persisted history and stats. It never fails: missing or corrupt
// data becomes empty defaults. When only the stats are unusable they are
// rebuilt from the retained history.
func (a *Aggregator) Load(ctx context.Context) {
	hist := store.LoadOrDefault(ctx, a.kv, HistoryKey, []compliance.Result{}, nil)
	if hist == nil {
		hist = []compliance.Result{}
	}
	if len(hist) > a.maxLen {
		hist = hist[len(hist)-a.maxLen:]
	}

	stats, ok := store.Load(ctx, a.kv, StatsKey, emptyStats(), validateStats)
	if !ok && len(hist) > 0 {
		stats = emptyStats()
		for _, r := range hist {
			stats.fold(r)
		}
		logger.Info("History", "Rebuilt stats from %d retained evaluations", len(hist))
	}
	if stats.PerLabelCounts == nil {
		stats.PerLabelCounts = map[string]int{}
	}

	a.mu.Lock()
	a.history = hist
	a.stats = stats
	a.mu.Unlock()

	logger.Debug("History", "Loaded %d evaluations, %d total", len(hist), stats.TotalEvaluations)
}

// Record appends r, evicting the oldest entries beyond the cap, folds it into
// the stats and persists both. The in-memory state is updated even when the
// write fails; the error is returned for the caller to report.
func (a *Aggregator) Record(ctx context.Context, r compliance.Result) error {
	a.saveMu.Lock()
	defer a.saveMu.Unlock()

	a.mu.Lock()
	a.history = append(a.history, r)
	if over := len(a.history) - a.maxLen; over > 0 {
		a.history = append([]compliance.Result(nil), a.history[over:]...)
	}
	a.stats.fold(r)
	hist := append([]compliance.Result(nil), a.history...)
	stats := a.stats.clone()
	a.mu.Unlock()

	if err := store.SaveJSON(ctx, a.kv, HistoryKey, hist); err != nil {
		return err
	}
	return store.SaveJSON(ctx, a.kv, StatsKey, stats)
}

// Clear empties the history. Cumulative stats are kept.
func (a *Aggregator) Clear(ctx context.Context) error {
	a.saveMu.Lock()
	defer a.saveMu.Unlock()

	a.mu.Lock()
	a.history = []compliance.Result{}
	a.mu.Unlock()

	logger.Info("History", "History cleared")
	return store.SaveJSON(ctx, a.kv, HistoryKey, []compliance.Result{})
}

// History returns the retained evaluations, oldest first.
func (a *Aggregator) History() []compliance.Result {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]compliance.Result(nil), a.history...)
}

// Recent returns up to n evaluations, newest first. n <= 0 returns all.
func (a *Aggregator) Recent(n int) []compliance.Result {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if n <= 0 || n > len(a.history) {
		n = len(a.history)
	}
	out := make([]compliance.Result, 0, n)
	for i := len(a.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, a.history[i])
	}
	return out
}

// Stats returns a copy of the cumulative counters.
func (a *Aggregator) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stats.clone()
}

// ComplianceRate returns the cumulative compliant percentage.
func (a *Aggregator) ComplianceRate() float64 {
	return a.Stats().ComplianceRate()
}
