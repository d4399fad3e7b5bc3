package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/epiguard/epi-monitor/internal/capture"
	"github.com/epiguard/epi-monitor/internal/relay"
)

// ErrBusy is returned when a capture is requested while another is in flight.
var ErrBusy = errors.New("a capture is already in progress")

// ErrorKind classifies capture-cycle failures.
type ErrorKind string

const (
	KindNone                 ErrorKind = ""
	KindBusy                 ErrorKind = "busy"
	KindConfigurationMissing ErrorKind = "configuration_missing"
	KindCaptureUnavailable   ErrorKind = "capture_unavailable"
	KindUpstream             ErrorKind = "upstream_error"
	KindNetwork              ErrorKind = "network_error"
	KindCanceled             ErrorKind = "canceled"
	KindInternal             ErrorKind = "internal"
)

// Kind returns the kind of err.
func Kind(err error) ErrorKind {
	var up *relay.UpstreamError
	var ne *relay.NetworkError
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrBusy):
		return KindBusy
	case errors.Is(err, relay.ErrConfigurationMissing):
		return KindConfigurationMissing
	case errors.Is(err, capture.ErrUnavailable):
		return KindCaptureUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.As(err, &up):
		// the relay answers 500 when its credentials are missing
		if up.StatusCode == http.StatusInternalServerError && up.Message == relay.ErrConfigurationMissing.Error() {
			return KindConfigurationMissing
		}
		return KindUpstream
	case errors.As(err, &ne):
		return KindNetwork
	default:
		return KindInternal
	}
}

// FallbackAvailable reports whether simulated detections may be offered
// after err.
func FallbackAvailable(err error) bool {
	return relay.Retryable(err) && Kind(err) != KindConfigurationMissing
}

// StatusText returns the user-visible status line for a failed cycle.
func StatusText(err error) string {
	switch Kind(err) {
	case KindNone:
		return ""
	case KindBusy:
		return "Análise em andamento. Aguarde."
	case KindCaptureUnavailable:
		return "Câmera não está pronta."
	case KindConfigurationMissing:
		return "Serviço de detecção não configurado."
	case KindUpstream, KindNetwork:
		return fmt.Sprintf("Erro ao processar imagem: %v. Use o modo de teste com dados simulados.", err)
	default:
		return fmt.Sprintf("Erro ao processar imagem: %v", err)
	}
}
