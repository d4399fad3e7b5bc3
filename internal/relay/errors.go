package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrConfigurationMissing is matched by errors.Is when upstream credentials
// are not configured.
var ErrConfigurationMissing = errors.New("detection service not configured")

// ConfigError lists the environment variables that are missing.
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: missing %s", ErrConfigurationMissing, strings.Join(e.Missing, ", "))
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfigurationMissing
}

// UpstreamError is a non-success answer from the detection endpoint.
type UpstreamError struct {
	StatusCode int
	Message    string
	Details    string
}

func (e *UpstreamError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "upstream detection failed"
	}
	if e.Details != "" {
		return fmt.Sprintf("%s (status %d): %s", msg, e.StatusCode, e.Details)
	}
	return fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
}

// NetworkError wraps a transport failure reaching the detection endpoint.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("detection endpoint unreachable (%s): %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Retryable reports whether err is a relay failure for which the caller may
// offer simulated detections instead. Canceled and timed out calls are not.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var up *UpstreamError
	var ne *NetworkError
	return errors.As(err, &up) || errors.As(err, &ne)
}
