package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mdobak/go-xerrors"

	"github.com/epiguard/epi-monitor/pkg/types"
)

// Detector turns one encoded frame into detections.
type Detector interface {
	Detect(ctx context.Context, jpeg []byte) (*types.RelayResult, error)
}

// Client calls a relay endpoint. It never retries.
type Client struct {
	url    string
	client HTTPClient
}

// NewClient returns a Client posting to url. A nil client uses an
// *http.Client with the given timeout.
func NewClient(url string, client HTTPClient, timeout time.Duration) *Client {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Client{url: url, client: client}
}

// URL returns the relay endpoint.
func (c *Client) URL() string {
	return c.url
}

// Detect posts jpeg as a data URI and returns the normalized result.
// Transport failures yield *NetworkError, non-2xx answers and unreadable
// bodies yield *UpstreamError.
func (c *Client) Detect(ctx context.Context, jpeg []byte) (*types.RelayResult, error) {
	body, err := json.Marshal(map[string]string{
		"image": "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg),
	})
	if err != nil {
		return nil, xerrors.New(fmt.Errorf("encode relay request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, xerrors.New(fmt.Errorf("create relay request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: c.url, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{URL: c.url, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, upstreamErrorFromBody(resp.StatusCode, data)
	}

	var out types.RelayResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			Message:    "malformed relay response",
			Details:    err.Error(),
		}
	}

	res := types.FromResponse(out)
	if res.ElapsedTime == 0 {
		res.ElapsedTime = time.Since(start)
	}
	return res, nil
}

func upstreamErrorFromBody(status int, data []byte) *UpstreamError {
	var payload struct {
		Error   string          `json:"error"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	}
	e := &UpstreamError{StatusCode: status}
	if err := json.Unmarshal(data, &payload); err != nil {
		e.Message = http.StatusText(status)
		e.Details = strings.TrimSpace(string(data))
		return e
	}

	e.Message = payload.Error
	var details string
	switch {
	case len(payload.Details) == 0:
		details = payload.Message
	case json.Unmarshal(payload.Details, &details) == nil:
	default:
		details = string(payload.Details)
	}
	e.Details = details
	return e
}
