package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mdobak/go-xerrors"

	"github.com/epiguard/epi-monitor/pkg/types"
)

// DefaultBaseURL is the hosted inference endpoint.
const DefaultBaseURL = "https://detect.roboflow.com"

// Environment variables read by CredentialsFromEnv.
const (
	EnvAPIKey    = "ROBOFLOW_API_KEY"
	EnvModelID   = "ROBOFLOW_MODEL_ID"
	EnvWorkspace = "ROBOFLOW_WORKSPACE"
	EnvBaseURL   = "ROBOFLOW_BASE_URL"
)

// HTTPClient is the subset of *http.Client used by the relay.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Credentials identify the hosted model.
type Credentials struct {
	APIKey    string
	ModelID   string
	Workspace string
	BaseURL   string
}

// CredentialsFromEnv reads the upstream credentials from the environment.
func CredentialsFromEnv() Credentials {
	return Credentials{
		APIKey:    os.Getenv(EnvAPIKey),
		ModelID:   os.Getenv(EnvModelID),
		Workspace: os.Getenv(EnvWorkspace),
		BaseURL:   os.Getenv(EnvBaseURL),
	}
}

// Validate returns a *ConfigError naming every missing variable.
func (c Credentials) Validate() error {
	var missing []string
	if c.APIKey == "" {
		missing = append(missing, EnvAPIKey)
	}
	if c.ModelID == "" {
		missing = append(missing, EnvModelID)
	}
	if c.Workspace == "" {
		missing = append(missing, EnvWorkspace)
	}
	if len(missing) > 0 {
		return &ConfigError{Missing: missing}
	}
	return nil
}

// Endpoint returns {base}/{workspace}/{model}?api_key={key}.
func (c Credentials) Endpoint() string {
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	q := url.Values{"api_key": []string{c.APIKey}}
	return fmt.Sprintf("%s/%s/%s?%s", strings.TrimRight(base, "/"),
		url.PathEscape(c.Workspace), url.PathEscape(c.ModelID), q.Encode())
}

// redacted is Endpoint without the api key, for logs and errors.
func (c Credentials) redacted() string {
	u, err := url.Parse(c.Endpoint())
	if err != nil {
		return c.BaseURL
	}
	u.RawQuery = ""
	return u.String()
}

// Upstream forwards images to the hosted model.
type Upstream struct {
	creds  Credentials
	client HTTPClient
}

// NewUpstream validates creds and returns an Upstream using client
// (http.DefaultClient when nil).
func NewUpstream(creds Credentials, client HTTPClient) (*Upstream, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Upstream{creds: creds, client: client}, nil
}

// upstreamResponse is the subset of the hosted model's answer we keep.
type upstreamResponse struct {
	Predictions []types.Detection `json:"predictions"`
	Image       *types.ImageSize  `json:"image"`
	Time        float64           `json:"time"`
}

// Infer posts image as a multipart "file" part and normalizes the answer.
func (u *Upstream) Infer(ctx context.Context, image []byte) (*types.RelayResponse, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, xerrors.New(fmt.Errorf("create form file: %w", err))
	}
	if _, err := part.Write(image); err != nil {
		return nil, xerrors.New(fmt.Errorf("copy image data: %w", err))
	}
	if err := writer.Close(); err != nil {
		return nil, xerrors.New(fmt.Errorf("close multipart body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.creds.Endpoint(), body)
	if err != nil {
		return nil, xerrors.New(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: u.creds.redacted(), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{URL: u.creds.redacted(), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			Message:    "upstream detection failed",
			Details:    strings.TrimSpace(string(data)),
		}
	}

	var out upstreamResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &UpstreamError{
			StatusCode: http.StatusBadGateway,
			Message:    "malformed upstream response",
			Details:    err.Error(),
		}
	}

	res := &types.RelayResponse{
		Success:     true,
		Predictions: out.Predictions,
		Time:        out.Time,
	}
	if res.Predictions == nil {
		res.Predictions = []types.Detection{}
	}
	if out.Image != nil {
		res.Image = *out.Image
	}
	return res, nil
}

// Detect calls the hosted model directly, bypassing any relay endpoint.
func (u *Upstream) Detect(ctx context.Context, jpeg []byte) (*types.RelayResult, error) {
	start := time.Now()
	resp, err := u.Infer(ctx, jpeg)
	if err != nil {
		return nil, err
	}
	res := types.FromResponse(*resp)
	if res.ElapsedTime == 0 {
		res.ElapsedTime = time.Since(start)
	}
	return res, nil
}
