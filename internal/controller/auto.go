package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/epiguard/epi-monitor/internal/logger"
	"github.com/epiguard/epi-monitor/internal/metrics"
)

// cronLogger routes scheduler messages to the module logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Debug("Auto", "%s %v", msg, keysAndValues)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Error("Auto", "%s: %v %v", msg, err, keysAndValues)
}

// StartAuto enables periodic capture every interval, replacing a running
// schedule. Intervals are truncated to whole seconds.
func (c *Controller) StartAuto(interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultAutoInterval
	}
	if interval < time.Second {
		return fmt.Errorf("auto-detect interval %v is below one second", interval)
	}

	c.autoMu.Lock()
	defer c.autoMu.Unlock()
	if c.auto != nil {
		c.auto.Stop()
	}

	l := cronLogger{}
	sched := cron.New(
		cron.WithLogger(l),
		cron.WithChain(cron.SkipIfStillRunning(l)),
	)
	sched.Schedule(cron.Every(interval), cron.FuncJob(c.AutoTick))
	sched.Start()

	c.auto = sched
	c.autoInterval = interval
	metrics.SetFlag(&c.metrics.AutoDetect, true)
	logger.Info("Auto", "Auto-detect enabled every %v", interval)
	return nil
}

// StopAuto disables periodic capture. A cycle already running completes.
func (c *Controller) StopAuto() {
	c.autoMu.Lock()
	defer c.autoMu.Unlock()
	if c.auto == nil {
		return
	}
	c.auto.Stop()
	c.auto = nil
	c.autoInterval = 0
	metrics.SetFlag(&c.metrics.AutoDetect, false)
	logger.Info("Auto", "Auto-detect disabled")
}

// AutoEnabled reports whether periodic capture is on and its interval.
func (c *Controller) AutoEnabled() (bool, time.Duration) {
	c.autoMu.Lock()
	defer c.autoMu.Unlock()
	return c.auto != nil, c.autoInterval
}

// AutoTick runs one periodic cycle. It does nothing while a cycle is in
// flight or the camera is stopped.
func (c *Controller) AutoTick() {
	if c.busy.Load() || c.camera == nil || !c.camera.Available() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.autoTimeout)
	defer cancel()

	_, err := c.OnCaptureRequested(ctx, CaptureOptions{Trigger: TriggerAuto})
	if err != nil && !errors.Is(err, ErrBusy) {
		logger.Debug("Auto", "Tick failed: %v", err)
	}
}
