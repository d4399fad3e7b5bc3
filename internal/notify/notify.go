// Package notify reports finished compliance evaluations to operators.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/epiguard/epi-monitor/internal/compliance"
	"github.com/epiguard/epi-monitor/internal/logger"
)

// Level tells a compliant evaluation from one with missing equipment.
type Level string

const (
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
)

// Notification is one evaluation report.
type Notification struct {
	Level     Level
	Title     string
	Text      string
	Result    compliance.Result
	Simulated bool
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// ForEvaluation builds the notification for ev. Empty evaluations are
// warnings.
func ForEvaluation(ev compliance.Evaluation, simulated bool) Notification {
	n := Notification{
		Level:     LevelWarning,
		Title:     ev.Status(),
		Result:    ev.Result,
		Simulated: simulated,
	}
	if ev.Result.Compliant && !ev.Empty() {
		n.Level = LevelSuccess
	}

	var b strings.Builder
	if len(ev.Result.DetectedLabels) > 0 {
		fmt.Fprintf(&b, "Detectados: %s", strings.Join(ev.Result.DetectedLabels, ", "))
	} else {
		b.WriteString("Detectados: nenhum")
	}
	if len(ev.Result.MissingLabels) > 0 {
		fmt.Fprintf(&b, "\nFaltando: %s", strings.Join(ev.Result.MissingLabels, ", "))
	}
	if simulated {
		b.WriteString("\n(dados simulados)")
	}
	n.Text = b.String()
	return n
}

// LogNotifier writes notifications to the module logger.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n Notification) error {
	switch n.Level {
	case LevelSuccess:
		logger.Info("Notify", "%s %s", n.Title, strings.ReplaceAll(n.Text, "\n", "; "))
	default:
		logger.Warn("Notify", "%s %s", n.Title, strings.ReplaceAll(n.Text, "\n", "; "))
	}
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
