package webmonitor

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/epiguard/epi-monitor/internal/catalog"
	"github.com/epiguard/epi-monitor/internal/history"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

const (
	colorRequired  = "#dc2626"
	colorOptional  = "#2563eb"
	colorCompliant = "#16a34a"
)

// chartLabels orders the labels seen in stats: selectable catalog entries in
// display order, the other catalog classes by id, then unknown classes
// alphabetically.
func chartLabels(stats history.Stats, c *catalog.Catalog) []string {
	seen := make(map[string]bool, len(stats.PerLabelCounts))
	var labels []string
	add := func(label string) {
		if stats.PerLabelCounts[label] > 0 && !seen[label] {
			labels = append(labels, label)
			seen[label] = true
		}
	}
	for _, e := range c.Selectable() {
		add(e.Label)
	}
	for _, e := range c.Entries() {
		add(e.Label)
	}
	var rest []string
	for label, n := range stats.PerLabelCounts {
		if n > 0 && !seen[label] {
			rest = append(rest, label)
		}
	}
	sort.Strings(rest)
	return append(labels, rest...)
}

// renderStatsChart renders a page with per-label detection counts and the
// compliant/non-compliant split.
func renderStatsChart(stats history.Stats, c *catalog.Catalog, isRequired func(string) bool, now time.Time) ([]byte, error) {
	labels := chartLabels(stats, c)
	counts := make([]opts.BarData, 0, len(labels))
	for _, label := range labels {
		color := colorOptional
		if isRequired(label) {
			color = colorRequired
		}
		counts = append(counts, opts.BarData{
			Name:      label,
			Value:     stats.PerLabelCounts[label],
			ItemStyle: &opts.ItemStyle{Color: color},
		})
	}

	subtitle := fmt.Sprintf("%d avaliações · %s", stats.TotalEvaluations, now.Format(time.RFC3339))

	perLabel := charts.NewBar()
	perLabel.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "EPI Monitor", Width: "100%", Height: "420px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Detecções por EPI", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	perLabel.SetXAxis(labels).
		AddSeries("detecções", counts,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	verdicts := charts.NewBar()
	verdicts.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "320px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Conformidade",
			Subtitle: fmt.Sprintf("taxa %.1f%%", stats.ComplianceRate()),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	verdicts.SetXAxis([]string{"conforme", "não conforme"}).
		AddSeries("avaliações", []opts.BarData{
			{Value: stats.CompliantCount, ItemStyle: &opts.ItemStyle{Color: colorCompliant}},
			{Value: stats.NonCompliantCount, ItemStyle: &opts.ItemStyle{Color: colorRequired}},
		},
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(perLabel, verdicts)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Server) handleStatsChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	page, err := renderStatsChart(s.deps.History.Stats(), s.deps.Evaluator.Catalog(), s.deps.Settings.IsRequired, time.Now())
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": fmt.Sprintf("render error: %v", err)}, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}
