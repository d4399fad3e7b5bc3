package compliance

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/epiguard/epi-monitor/internal/catalog"
	"github.com/epiguard/epi-monitor/pkg/types"
)

var fixedTime = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestEvaluator() *Evaluator {
	return NewEvaluator(catalog.EPIs()).WithClock(
		func() time.Time { return fixedTime },
		func() string { return "eval-1" },
	)
}

func det(class int, conf float64) types.Detection {
	return types.Detection{ClassID: class, Confidence: conf, X: 100, Y: 100, Width: 50, Height: 50}
}

func TestEvaluateAllPresent(t *testing.T) {
	ev := newTestEvaluator().Evaluate(
		[]types.Detection{det(10, 0.9), det(8, 0.8)},
		[]string{"capacete", "óculos"},
	)

	if diff := cmp.Diff([]string{"capacete", "óculos"}, ev.Result.DetectedLabels); diff != "" {
		t.Fatalf("detected (-want +got):\n%s", diff)
	}
	if len(ev.Result.MissingLabels) != 0 {
		t.Fatalf("expected no missing labels, got %v", ev.Result.MissingLabels)
	}
	if !ev.Result.Compliant {
		t.Fatal("expected compliant")
	}
	if ev.Status() != "Todos os EPIs obrigatórios foram detectados!" {
		t.Fatalf("unexpected status %q", ev.Status())
	}
}

func TestEvaluateMissing(t *testing.T) {
	ev := newTestEvaluator().Evaluate(
		[]types.Detection{det(10, 0.9)},
		[]string{"capacete", "óculos", "máscara facial"},
	)

	if diff := cmp.Diff([]string{"óculos", "máscara facial"}, ev.Result.MissingLabels); diff != "" {
		t.Fatalf("missing (-want +got):\n%s", diff)
	}
	if ev.Result.Compliant {
		t.Fatal("expected non-compliant")
	}
	if ev.Status() != "Faltando 2 EPI(s) obrigatório(s)." {
		t.Fatalf("unexpected status %q", ev.Status())
	}
}

func TestEvaluateEmpty(t *testing.T) {
	required := []string{"capacete", "óculos", "máscara facial"}
	ev := newTestEvaluator().Evaluate(nil, required)

	if len(ev.Result.DetectedLabels) != 0 {
		t.Fatalf("expected no detected labels, got %v", ev.Result.DetectedLabels)
	}
	if diff := cmp.Diff(required, ev.Result.MissingLabels); diff != "" {
		t.Fatalf("missing (-want +got):\n%s", diff)
	}
	if ev.Result.Compliant {
		t.Fatal("empty detections with a non-empty required set must be non-compliant")
	}
	if !ev.Empty() {
		t.Fatal("expected the nothing-detected branch")
	}
	if ev.Status() != "Nenhum EPI foi detectado." {
		t.Fatalf("unexpected status %q", ev.Status())
	}
}

func TestEvaluateGroupsByLabel(t *testing.T) {
	ev := newTestEvaluator().Evaluate(
		[]types.Detection{det(9, 0.5), det(10, 0.7), det(9, 0.95), det(42, 0.6)},
		[]string{"luvas"},
	)

	want := []LabelSummary{
		{Label: "luvas", Count: 2, MaxConfidence: 0.95, Required: true},
		{Label: "capacete", Count: 1, MaxConfidence: 0.7},
		{Label: "class 42", Count: 1, MaxConfidence: 0.6},
	}
	if diff := cmp.Diff(want, ev.Summary); diff != "" {
		t.Fatalf("summary (-want +got):\n%s", diff)
	}
	if ev.Result.TotalDetections != 4 {
		t.Fatalf("TotalDetections = %d", ev.Result.TotalDetections)
	}
	if ev.Result.ID != "eval-1" || !ev.Result.Timestamp.Equal(fixedTime) {
		t.Fatalf("unexpected identity %q %v", ev.Result.ID, ev.Result.Timestamp)
	}
}

func TestEvaluateUsesUpstreamNameForUnknownClass(t *testing.T) {
	e := newTestEvaluator()
	d := types.Detection{ClassID: -1, ClassName: "helmet", Confidence: 0.8}
	if got := e.LabelFor(d); got != "helmet" {
		t.Fatalf("LabelFor = %q", got)
	}
}

func TestEvaluateDoesNotMutateInput(t *testing.T) {
	dets := []types.Detection{det(10, 0.9), det(8, 0.8)}
	required := []string{"óculos", "capacete", "óculos"}
	dCopy := append([]types.Detection(nil), dets...)
	rCopy := append([]string(nil), required...)

	newTestEvaluator().Evaluate(dets, required)

	if diff := cmp.Diff(dCopy, dets); diff != "" {
		t.Fatalf("detections mutated:\n%s", diff)
	}
	if diff := cmp.Diff(rCopy, required); diff != "" {
		t.Fatalf("required mutated:\n%s", diff)
	}
}

func TestEvaluatePartitionProperty(t *testing.T) {
	e := newTestEvaluator()
	cat := catalog.EPIs()
	selectable := cat.Selectable()
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 200; i++ {
		var required []string
		for _, entry := range selectable {
			if rng.IntN(2) == 0 {
				required = append(required, entry.Label)
			}
		}
		var dets []types.Detection
		for n := rng.IntN(8); n > 0; n-- {
			dets = append(dets, det(rng.IntN(20), rng.Float64()))
		}

		res := e.Evaluate(dets, required).Result

		detected := make(map[string]bool)
		for _, l := range res.DetectedLabels {
			detected[l] = true
		}
		missing := make(map[string]bool)
		for _, l := range res.MissingLabels {
			if detected[l] {
				t.Fatalf("label %q both detected and missing", l)
			}
			missing[l] = true
		}
		for _, l := range required {
			if !detected[l] && !missing[l] {
				t.Fatalf("required label %q neither detected nor missing", l)
			}
		}
		if len(dets) == 0 && len(required) > 0 && res.Compliant {
			t.Fatal("empty detections must not be compliant")
		}
		if res.Compliant != (len(res.MissingLabels) == 0) {
			t.Fatalf("compliant flag inconsistent: %+v", res)
		}
	}
}
