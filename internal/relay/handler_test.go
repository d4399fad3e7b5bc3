package relay

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

var testCreds = Credentials{APIKey: "secret", ModelID: "epi-model/3", Workspace: "acme"}

type capturedUpload struct {
	path     string
	apiKey   string
	filename string
	data     []byte
}

// newFakeModel serves the hosted-model protocol and records the last upload.
func newFakeModel(t *testing.T, status int, body string) (*httptest.Server, *capturedUpload) {
	t.Helper()
	got := &capturedUpload{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.apiKey = r.URL.Query().Get("api_key")
		if f, hdr, err := r.FormFile("file"); err == nil {
			got.filename = hdr.Filename
			got.data, _ = io.ReadAll(f)
			f.Close()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func credsFor(srv *httptest.Server) Credentials {
	c := testCreds
	c.BaseURL = srv.URL
	return c
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("response is not JSON: %v (%q)", err, rec.Body.String())
	}
	return payload
}

const modelAnswer = `{"time":0.12,"image":{"width":1280,"height":720},"predictions":[
	{"x":320,"y":240,"width":100,"height":80,"confidence":0.91,"class":"helmet","class_id":10}]}`

func TestHandlerForwardsDataURI(t *testing.T) {
	model, got := newFakeModel(t, http.StatusOK, modelAnswer)
	h := NewHandlerWithCredentials(credsFor(model), nil)

	img := []byte("\xff\xd8fake-jpeg")
	body := `{"image":"data:image/jpeg;base64,` + base64.StdEncoding.EncodeToString(img) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/detect", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if got.path != "/acme/epi-model%2F3" && got.path != "/acme/epi-model/3" {
		t.Fatalf("unexpected upstream path %q", got.path)
	}
	if got.apiKey != "secret" || got.filename != "image.jpg" || !bytes.Equal(got.data, img) {
		t.Fatalf("unexpected upload: key=%q file=%q data=%q", got.apiKey, got.filename, got.data)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}

	payload := decodeBody(t, rec)
	if payload["success"] != true || payload["time"] != 0.12 {
		t.Fatalf("unexpected payload %v", payload)
	}
	image := payload["image"].(map[string]any)
	if image["width"] != float64(1280) || image["height"] != float64(720) {
		t.Fatalf("unexpected image size %v", image)
	}
	preds := payload["predictions"].([]any)
	if len(preds) != 1 || preds[0].(map[string]any)["class"] != float64(10) {
		t.Fatalf("unexpected predictions %v", preds)
	}
}

func TestHandlerAcceptsBodyForms(t *testing.T) {
	img := []byte("jpeg-bytes")
	b64 := base64.StdEncoding.EncodeToString(img)

	multipartBody := func() (io.Reader, string) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, _ := mw.CreateFormFile("file", "frame.jpg")
		_, _ = fw.Write(img)
		_ = mw.Close()
		return &buf, mw.FormDataContentType()
	}

	cases := []struct {
		name string
		body func() (io.Reader, string)
	}{
		{"bare base64 json", func() (io.Reader, string) {
			return strings.NewReader(`{"image":"` + b64 + `"}`), "application/json"
		}},
		{"plain text", func() (io.Reader, string) {
			return strings.NewReader(b64), "text/plain"
		}},
		{"raw bytes", func() (io.Reader, string) {
			return bytes.NewReader(img), "image/jpeg"
		}},
		{"multipart", multipartBody},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			model, got := newFakeModel(t, http.StatusOK, `{"predictions":[]}`)
			h := NewHandlerWithCredentials(credsFor(model), nil)

			body, ct := tc.body()
			req := httptest.NewRequest(http.MethodPost, "/api/detect", body)
			req.Header.Set("Content-Type", ct)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
			}
			if !bytes.Equal(got.data, img) {
				t.Fatalf("forwarded %q", got.data)
			}
			payload := decodeBody(t, rec)
			if preds, ok := payload["predictions"].([]any); !ok || len(preds) != 0 {
				t.Fatalf("predictions should be an empty array: %v", payload["predictions"])
			}
		})
	}
}

func TestHandlerRejections(t *testing.T) {
	model, _ := newFakeModel(t, http.StatusOK, `{}`)

	t.Run("options", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHandlerWithCredentials(credsFor(model), nil).ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/", nil))
		if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
			t.Fatalf("OPTIONS: %d %q", rec.Code, rec.Body.String())
		}
		if rec.Header().Get("Access-Control-Allow-Methods") != "POST, OPTIONS" {
			t.Fatal("missing CORS methods")
		}
	})

	t.Run("method", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHandlerWithCredentials(credsFor(model), nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("GET: %d", rec.Code)
		}
	})

	t.Run("missing credentials", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h := NewHandlerWithCredentials(Credentials{APIKey: "k"}, nil)
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("x")))
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status %d", rec.Code)
		}
		payload := decodeBody(t, rec)
		msg, _ := payload["message"].(string)
		if payload["error"] != ErrConfigurationMissing.Error() ||
			!strings.Contains(msg, EnvModelID) || !strings.Contains(msg, EnvWorkspace) {
			t.Fatalf("unexpected payload %v", payload)
		}
	})

	t.Run("empty body", func(t *testing.T) {
		for _, ct := range []string{"application/json", "image/jpeg"} {
			body := ""
			if ct == "application/json" {
				body = `{"image":""}`
			}
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
			req.Header.Set("Content-Type", ct)
			rec := httptest.NewRecorder()
			NewHandlerWithCredentials(credsFor(model), nil).ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("%s: status %d", ct, rec.Code)
			}
		}
	})
}

func TestHandlerUpstreamFailure(t *testing.T) {
	model, _ := newFakeModel(t, http.StatusForbidden, `{"message":"bad key"}`)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("img"))
	req.Header.Set("Content-Type", "image/jpeg")
	NewHandlerWithCredentials(credsFor(model), nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected upstream status passthrough, got %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["error"] != "upstream detection failed" || payload["details"] != `{"message":"bad key"}` {
		t.Fatalf("unexpected payload %v", payload)
	}
}

type failingDoer struct{}

func (failingDoer) Do(*http.Request) (*http.Response, error) {
	return nil, errors.New("connection refused")
}

func TestHandlerNetworkFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("img"))
	req.Header.Set("Content-Type", "image/jpeg")
	NewHandlerWithCredentials(testCreds, failingDoer{}).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Fatal("api key leaked into the response")
	}
}

func TestCredentialsFromEnv(t *testing.T) {
	t.Setenv(EnvAPIKey, "k")
	t.Setenv(EnvModelID, "m")
	t.Setenv(EnvWorkspace, "")
	t.Setenv(EnvBaseURL, "")

	err := CredentialsFromEnv().Validate()
	if !errors.Is(err, ErrConfigurationMissing) {
		t.Fatalf("expected ErrConfigurationMissing, got %v", err)
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || len(cfgErr.Missing) != 1 || cfgErr.Missing[0] != EnvWorkspace {
		t.Fatalf("unexpected missing list: %v", err)
	}

	t.Setenv(EnvWorkspace, "w")
	c := CredentialsFromEnv()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := c.Endpoint(); got != "https://detect.roboflow.com/w/m?api_key=k" {
		t.Fatalf("Endpoint = %q", got)
	}
}
