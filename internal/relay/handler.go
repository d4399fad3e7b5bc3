package relay

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/epiguard/epi-monitor/internal/logger"
)

// MaxImageBytes bounds the accepted request body.
const MaxImageBytes = 20 << 20

// Handler is the relay endpoint: it accepts one image and forwards it to the
// hosted model.
type Handler struct {
	credentials func() Credentials
	client      HTTPClient
}

// NewHandler returns a Handler that reads credentials from the environment on
// every request. client may be nil.
func NewHandler(client HTTPClient) *Handler {
	return &Handler{credentials: CredentialsFromEnv, client: client}
}

// NewHandlerWithCredentials returns a Handler with fixed credentials.
func NewHandlerWithCredentials(creds Credentials, client HTTPClient) *Handler {
	return &Handler{credentials: func() Credentials { return creds }, client: client}
}

// ServeHTTP implements the relay protocol.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		writeJSONWithStatus(w, map[string]any{"error": "method not allowed"}, http.StatusMethodNotAllowed)
		return
	}

	upstream, err := NewUpstream(h.credentials(), h.client)
	if err != nil {
		logger.Error("Relay", "%v", err)
		writeJSONWithStatus(w, map[string]any{
			"error":   ErrConfigurationMissing.Error(),
			"message": err.Error(),
		}, http.StatusInternalServerError)
		return
	}

	image, err := readImage(w, r)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}

	resp, err := upstream.Infer(r.Context(), image)
	if err != nil {
		var up *UpstreamError
		var ne *NetworkError
		switch {
		case errors.As(err, &up):
			logger.Warn("Relay", "Upstream returned %d: %s", up.StatusCode, up.Details)
			writeJSONWithStatus(w, map[string]any{"error": up.Message, "details": up.Details}, up.StatusCode)
		case errors.As(err, &ne):
			logger.Warn("Relay", "%v", ne)
			writeJSONWithStatus(w, map[string]any{
				"error":   "detection endpoint unreachable",
				"message": ne.Err.Error(),
			}, http.StatusBadGateway)
		default:
			logger.Error("Relay", "Relay failed: %v", err)
			writeJSONWithStatus(w, map[string]any{
				"error":   "internal server error",
				"message": err.Error(),
			}, http.StatusInternalServerError)
		}
		return
	}

	logger.Debug("Relay", "Forwarded %d bytes, %d predictions", len(image), len(resp.Predictions))
	writeJSONWithStatus(w, resp, http.StatusOK)
}

// readImage extracts the image from a JSON, multipart or raw body.
func readImage(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxImageBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch {
	case mediaType == "application/json":
		var payload struct {
			Image string `json:"image"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %v", err)
		}
		return decodeImageString(payload.Image)

	case strings.HasPrefix(mediaType, "multipart/"):
		if err := r.ParseMultipartForm(MaxImageBytes); err != nil {
			return nil, fmt.Errorf("invalid multipart body: %v", err)
		}
		for _, field := range []string{"file", "image"} {
			if f, _, err := r.FormFile(field); err == nil {
				defer f.Close()
				data, err := io.ReadAll(f)
				if err != nil {
					return nil, fmt.Errorf("read upload: %v", err)
				}
				return nonEmpty(data)
			}
			if v := r.FormValue(field); v != "" {
				return decodeImageString(v)
			}
		}
		return nil, errors.New("image not provided")

	case mediaType == "text/plain":
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %v", err)
		}
		return decodeImageString(string(data))

	default:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %v", err)
		}
		return nonEmpty(data)
	}
}

// decodeImageString accepts a data URI or bare base64.
func decodeImageString(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if _, after, ok := strings.Cut(s, ","); ok {
		s = after
	}
	if s == "" {
		return nil, errors.New("image not provided")
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); err != nil {
			return nil, errors.New("image is not valid base64")
		}
	}
	return nonEmpty(data)
}

func nonEmpty(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("image not provided")
	}
	return data, nil
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Debug("Relay", "Failed to encode response: %v", err)
	}
}
