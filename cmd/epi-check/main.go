// Command epi-check evaluates a single image file and exits non-zero when
// required equipment is missing.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/epiguard/epi-monitor/internal/capture"
	"github.com/epiguard/epi-monitor/internal/catalog"
	"github.com/epiguard/epi-monitor/internal/compliance"
	"github.com/epiguard/epi-monitor/internal/controller"
	"github.com/epiguard/epi-monitor/internal/logger"
	"github.com/epiguard/epi-monitor/internal/overlay"
	"github.com/epiguard/epi-monitor/internal/relay"
	"github.com/epiguard/epi-monitor/internal/settings"
	"github.com/epiguard/epi-monitor/pkg/types"
)

const exitNonCompliant = 2

var (
	imagePath     = flag.String("image", "", "JPEG or PNG image to evaluate")
	relayURL      = flag.String("relay-url", "", "Relay endpoint (empty calls the hosted model directly)")
	mock          = flag.Bool("mock", false, "Use simulated detections")
	required      = flag.String("required", "", "Comma-separated required EPIs (default: catalog defaults)")
	overlayOut    = flag.String("overlay-out", "", "Write the transparent overlay PNG here")
	compositeOut  = flag.String("composite-out", "", "Write the annotated JPEG here")
	maxWidth      = flag.Int("max-width", capture.DefaultMaxWidth, "Maximum width of the frame sent for detection")
	timeout       = flag.Duration("timeout", 30*time.Second, "Detection timeout")
	logLevel      = flag.String("log-level", "warn", "Log level (debug, info, warn, error, silent)")
	printDetected = flag.Bool("detections", false, "Include raw detections in the output")
)

type report struct {
	compliance.Result
	Status     string                    `json:"status"`
	Simulated  bool                      `json:"simulated"`
	Summary    []compliance.LabelSummary `json:"summary"`
	Detections []types.Detection         `json:"detections,omitempty"`
}

func main() {
	_ = godotenv.Load()
	flag.Parse()

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, false)

	if *imagePath == "" {
		fmt.Fprintln(os.Stderr, "usage: epi-check -image photo.jpg [-mock] [-required capacete,luvas]")
		os.Exit(1)
	}

	code, err := run(context.Background())
	if err != nil {
		log.Fatalf("%v", err)
	}
	os.Exit(code)
}

func run(ctx context.Context) (int, error) {
	cat := catalog.EPIs()
	eval := compliance.NewEvaluator(cat)

	requiredLabels, err := parseRequired(cat, *required)
	if err != nil {
		return 1, err
	}

	cam := capture.NewAdapter(capture.NewFileSource(*imagePath), capture.Options{MaxWidth: *maxWidth})
	if err := cam.Start(ctx); err != nil {
		return 1, err
	}
	defer cam.Stop()

	frame, err := cam.Capture(ctx)
	if err != nil {
		return 1, err
	}

	det, err := detector(cat)
	if err != nil {
		return 1, err
	}
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	result, err := det.Detect(ctx, frame.Compressed)
	if err != nil {
		return 1, err
	}

	ev := eval.Evaluate(result.Predictions, requiredLabels)
	isRequired := func(label string) bool {
		for _, l := range requiredLabels {
			if l == label {
				return true
			}
		}
		return false
	}

	if *overlayOut != "" || *compositeOut != "" {
		srcW, srcH := result.ImageWidth, result.ImageHeight
		if srcW <= 0 || srcH <= 0 {
			srcW, srcH = frame.RelayWidth, frame.RelayHeight
		}
		r := overlay.NewRenderer(eval.LabelFor, isRequired)
		r.Render(controller.ScaleDetections(result.Predictions, srcW, srcH, frame.Width, frame.Height), frame.Width, frame.Height)
		if err := writeOutputs(r, frame); err != nil {
			return 1, err
		}
	}

	out := report{
		Result:    ev.Result,
		Status:    ev.Status(),
		Simulated: result.Simulated,
		Summary:   ev.Summary,
	}
	if *printDetected {
		out.Detections = result.Predictions
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return 1, err
	}

	if !ev.Result.Compliant {
		return exitNonCompliant, nil
	}
	return 0, nil
}

// parseRequired turns the -required flag into a label list. An empty flag
// selects the catalog defaults.
func parseRequired(cat *catalog.Catalog, flagValue string) ([]string, error) {
	if flagValue == "" {
		return cat.DefaultRequired(), nil
	}
	var labels []string
	for _, l := range strings.Split(flagValue, ",") {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if !cat.IsSelectable(l) {
			return nil, fmt.Errorf("unknown EPI %q", l)
		}
		labels = append(labels, l)
	}
	if len(labels) == 0 {
		return nil, settings.ErrEmptySelection
	}
	return labels, nil
}

func detector(cat *catalog.Catalog) (relay.Detector, error) {
	switch {
	case *mock:
		return relay.NewMockDetector(cat, nil), nil
	case *relayURL != "":
		return relay.NewClient(*relayURL, nil, *timeout), nil
	default:
		return relay.NewUpstream(relay.CredentialsFromEnv(), nil)
	}
}

func writeOutputs(r *overlay.Renderer, frame *capture.Frame) error {
	if *overlayOut != "" {
		data, err := r.PNG()
		if err != nil {
			return err
		}
		if err := os.WriteFile(*overlayOut, data, 0o644); err != nil {
			return fmt.Errorf("write overlay: %w", err)
		}
	}
	if *compositeOut != "" {
		data, err := r.Composite(frame.Image, 90)
		if err != nil {
			return err
		}
		if err := os.WriteFile(*compositeOut, data, 0o644); err != nil {
			return fmt.Errorf("write composite: %w", err)
		}
	}
	return nil
}
