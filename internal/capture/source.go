package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mdobak/go-xerrors"

	"github.com/epiguard/epi-monitor/internal/logger"
)

// Source produces encoded still frames from a camera.
type Source interface {
	// Name identifies the source in logs and status.
	Name() string
	// Open acquires the camera. Frame may only be called after Open succeeds.
	Open(ctx context.Context) error
	// Frame returns the most recent frame as JPEG bytes.
	Frame(ctx context.Context) ([]byte, error)
	// Close releases the camera.
	Close() error
}

// NewSource builds a Source from its kind ("http", "mjpeg" or "file").
func NewSource(kind, url, path string, timeout time.Duration) (Source, error) {
	switch strings.ToLower(kind) {
	case "http", "snapshot":
		if url == "" {
			return nil, errors.New("camera url is required for http sources")
		}
		return NewHTTPSnapshotSource(url, timeout), nil
	case "mjpeg":
		if url == "" {
			return nil, errors.New("camera url is required for mjpeg sources")
		}
		return NewMJPEGSource(url), nil
	case "file":
		if path == "" {
			return nil, errors.New("camera path is required for file sources")
		}
		return NewFileSource(path), nil
	default:
		return nil, fmt.Errorf("unknown camera kind %q", kind)
	}
}

// HTTPSnapshotSource fetches one JPEG per Frame call from a snapshot URL.
type HTTPSnapshotSource struct {
	url    string
	client *http.Client
}

// NewHTTPSnapshotSource returns a source polling url.
func NewHTTPSnapshotSource(url string, timeout time.Duration) *HTTPSnapshotSource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSnapshotSource{url: url, client: &http.Client{Timeout: timeout}}
}

func (s *HTTPSnapshotSource) Name() string { return "http:" + s.url }

// Open checks that the snapshot URL answers with an image.
func (s *HTTPSnapshotSource) Open(ctx context.Context) error {
	_, err := s.Frame(ctx)
	return err
}

func (s *HTTPSnapshotSource) Frame(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, xerrors.New(fmt.Errorf("create snapshot request: %w", err))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("empty snapshot")
	}
	return data, nil
}

func (s *HTTPSnapshotSource) Close() error { return nil }

// MJPEGSource reads a multipart/x-mixed-replace stream in the background and
// keeps the latest frame.
type MJPEGSource struct {
	url    string
	client *http.Client

	mu     sync.RWMutex
	latest []byte
	err    error
	cancel context.CancelFunc
	done   chan struct{}
	ready  chan struct{}
}

// NewMJPEGSource returns a source reading the stream at url.
func NewMJPEGSource(url string) *MJPEGSource {
	return &MJPEGSource{url: url, client: &http.Client{}}
}

func (s *MJPEGSource) Name() string { return "mjpeg:" + s.url }

// Open connects to the stream and waits for the first frame.
func (s *MJPEGSource) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.ready = make(chan struct{})
	s.latest = nil
	s.err = nil
	done, ready := s.done, s.ready
	s.mu.Unlock()

	go s.run(runCtx, done, ready)

	select {
	case <-ready:
		s.mu.RLock()
		got, err := s.latest != nil, s.err
		s.mu.RUnlock()
		if !got {
			_ = s.Close()
			return err
		}
		return nil
	case <-ctx.Done():
		_ = s.Close()
		return ctx.Err()
	}
}

func (s *MJPEGSource) run(ctx context.Context, done, ready chan struct{}) {
	defer close(done)
	var once sync.Once
	signal := func() { once.Do(func() { close(ready) }) }
	defer signal()

	err := s.read(ctx, signal)
	if err != nil && ctx.Err() == nil {
		logger.Warn("Capture", "MJPEG stream %s ended: %v", s.url, err)
	}
	s.mu.Lock()
	if err == nil {
		err = io.EOF
	}
	s.err = err
	s.mu.Unlock()
}

func (s *MJPEGSource) read(ctx context.Context, firstFrame func()) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("connect stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream returned status %d", resp.StatusCode)
	}
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return fmt.Errorf("not an MJPEG stream: %q", resp.Header.Get("Content-Type"))
	}

	mr := multipart.NewReader(bufio.NewReader(resp.Body), params["boundary"])
	for {
		part, err := mr.NextPart()
		if err != nil {
			return err
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return err
		}
		if len(data) == 0 {
			continue
		}
		s.mu.Lock()
		s.latest = data
		s.mu.Unlock()
		firstFrame()
	}
}

func (s *MJPEGSource) Frame(ctx context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		if s.err != nil {
			return nil, s.err
		}
		return nil, errors.New("no frame received yet")
	}
	if s.err != nil {
		return nil, fmt.Errorf("stream closed: %w", s.err)
	}
	return bytes.Clone(s.latest), nil
}

// Healthy reports whether the stream is open and still delivering frames.
func (s *MJPEGSource) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancel != nil && s.err == nil
}

// Close stops the background reader and waits for it to exit.
func (s *MJPEGSource) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// FileSource re-reads a JPEG file on every Frame call, so an external
// process may keep replacing it.
type FileSource struct {
	path string
}

// NewFileSource returns a source reading path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Name() string { return "file:" + s.path }

func (s *FileSource) Open(ctx context.Context) error {
	if _, err := os.Stat(s.path); err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	return nil
}

func (s *FileSource) Frame(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	return data, nil
}

func (s *FileSource) Close() error { return nil }
