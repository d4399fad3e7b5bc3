package webmonitor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/epiguard/epi-monitor/internal/controller"
	"github.com/epiguard/epi-monitor/internal/logger"
	"github.com/epiguard/epi-monitor/internal/metrics"
)

// FrameBroadcaster composites camera previews with the overlay and fans the
// JPEGs out to MJPEG clients.
type FrameBroadcaster struct {
	mu        sync.Mutex
	clients   map[int]chan []byte
	nextID    int
	ctrl      *controller.Controller
	metrics   *metrics.Metrics
	interval  time.Duration
	quality   int
	stop      chan struct{}
	stopped   bool
	skipCount int // idle ticks without clients
}

// NewFrameBroadcaster creates a broadcaster producing one frame per interval.
func NewFrameBroadcaster(ctrl *controller.Controller, m *metrics.Metrics, interval time.Duration, quality int) *FrameBroadcaster {
	return &FrameBroadcaster{
		clients:  make(map[int]chan []byte),
		ctrl:     ctrl,
		metrics:  m,
		interval: interval,
		quality:  quality,
		stop:     make(chan struct{}),
	}
}

// Subscribe adds a new client and returns a channel for receiving frames.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 2)
	fb.clients[id] = ch
	fb.metrics.MJPEGClients.Add(1)

	logger.Debug("FrameBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[id]; ok {
		close(ch)
		delete(fb.clients, id)
		fb.metrics.MJPEGClients.Add(-1)
		logger.Debug("FrameBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(fb.clients))

		if len(fb.clients) == 0 {
			logger.Info("FrameBroadcaster", "No clients remaining - frame generation will be skipped")
		}
	}
}

// Start begins the frame generation and broadcast loop.
func (fb *FrameBroadcaster) Start() {
	go fb.run()
}

// Stop halts the broadcaster.
func (fb *FrameBroadcaster) Stop() {
	fb.mu.Lock()
	if !fb.stopped {
		close(fb.stop)
		fb.stopped = true
	}
	fb.mu.Unlock()
}

func (fb *FrameBroadcaster) run() {
	ticker := time.NewTicker(fb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-fb.stop:
			return
		case <-ticker.C:
		}

		fb.mu.Lock()
		clientCount := len(fb.clients)
		fb.mu.Unlock()

		if clientCount == 0 {
			fb.skipCount++
			if fb.skipCount%100 == 0 {
				logger.Debug("FrameBroadcaster", "No clients connected (idle for %d ticks)", fb.skipCount)
			}
			continue
		}
		fb.skipCount = 0

		if data := fb.generateFrame(); data != nil {
			fb.broadcast(data)
		}
	}
}

// generateFrame returns the current preview with the overlay, or nil when
// the camera is stopped.
func (fb *FrameBroadcaster) generateFrame() []byte {
	cam := fb.ctrl.Camera()
	if cam == nil || !cam.Available() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	img, err := cam.Preview(ctx)
	if err != nil {
		logger.WarnOnce("preview:"+err.Error(), "FrameBroadcaster", "Preview failed: %v", err)
		return nil
	}

	data, err := fb.ctrl.Renderer().Composite(img, fb.quality)
	if err != nil {
		logger.Error("FrameBroadcaster", "Composite failed: %v", err)
		return nil
	}
	return data
}

func (fb *FrameBroadcaster) broadcast(data []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	for _, ch := range fb.clients {
		select {
		case ch <- data:
		default:
			// slow client, drop this frame
		}
	}
}

// SerializedEvent holds pre-serialized data in both formats.
type SerializedEvent struct {
	JSONData     []byte
	ProtobufData []byte // base64 of a google.protobuf.Struct
}

// serializeEvent encodes payload as JSON and as a base64 protobuf Struct with
// the same fields.
func serializeEvent(payload any) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(jsonData, &fields); err != nil {
		return nil, fmt.Errorf("json unmarshal: %w", err)
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("protobuf struct: %w", err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// eventHub is the client registry shared by the SSE broadcasters.
type eventHub struct {
	name    string
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	gauge   func(delta int64)
}

func newEventHub(name string, gauge func(int64)) *eventHub {
	if gauge == nil {
		gauge = func(int64) {}
	}
	return &eventHub{name: name, clients: make(map[int]chan *SerializedEvent), gauge: gauge}
}

// Subscribe adds a new client and returns a channel for receiving events.
func (h *eventHub) Subscribe() (int, <-chan *SerializedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan *SerializedEvent, 4)
	h.clients[id] = ch
	h.gauge(1)

	logger.Debug(h.name, "Client #%d subscribed (total clients: %d)", id, len(h.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (h *eventHub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
		h.gauge(-1)
		logger.Debug(h.name, "Client #%d unsubscribed (remaining clients: %d)", id, len(h.clients))
	}
}

func (h *eventHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *eventHub) broadcast(event *SerializedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.clients {
		select {
		case ch <- event:
		default:
			// slow client, drop this event
		}
	}
}

// EventBroadcaster fans evaluation events out to SSE clients. It is fed by
// the controller's completion listener.
type EventBroadcaster struct {
	*eventHub
	monitor *Monitor
}

// NewEventBroadcaster creates a broadcaster for evaluation events.
func NewEventBroadcaster(monitor *Monitor, m *metrics.Metrics) *EventBroadcaster {
	return &EventBroadcaster{
		eventHub: newEventHub("EventBroadcaster", func(d int64) { m.EventClients.Add(d) }),
		monitor:  monitor,
	}
}

// Publish serializes o once and sends it to every client.
func (eb *EventBroadcaster) Publish(o controller.Outcome) {
	if eb.clientCount() == 0 {
		return
	}
	event, err := serializeEvent(eb.monitor.Event(o))
	if err != nil {
		logger.Error("EventBroadcaster", "Serialize error: %v", err)
		return
	}
	eb.broadcast(event)
}

// StatusBroadcaster sends a status snapshot to SSE clients every interval.
type StatusBroadcaster struct {
	*eventHub
	monitor  *Monitor
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// NewStatusBroadcaster creates a broadcaster for status events.
func NewStatusBroadcaster(monitor *Monitor, interval time.Duration) *StatusBroadcaster {
	return &StatusBroadcaster{
		eventHub: newEventHub("StatusBroadcaster", nil),
		monitor:  monitor,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start begins the status event loop.
func (sb *StatusBroadcaster) Start() {
	go sb.run()
}

// Stop halts the broadcaster.
func (sb *StatusBroadcaster) Stop() {
	sb.stopOnce.Do(func() { close(sb.stop) })
}

func (sb *StatusBroadcaster) run() {
	logger.Debug("StatusBroadcaster", "Starting status event broadcaster (interval=%v)", sb.interval)
	ticker := time.NewTicker(sb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sb.stop:
			return
		case <-ticker.C:
			if sb.clientCount() == 0 {
				continue
			}
			event, err := serializeEvent(sb.monitor.Snapshot())
			if err != nil {
				logger.Error("StatusBroadcaster", "Serialize error: %v", err)
				continue
			}
			sb.broadcast(event)
		}
	}
}
