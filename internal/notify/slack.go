package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/slack-go/slack"

	"github.com/epiguard/epi-monitor/internal/logger"
	"github.com/epiguard/epi-monitor/internal/metrics"
)

// ErrQueueFull is returned when the delivery queue has no room.
var ErrQueueFull = errors.New("notification queue full")

// SlackOptions configure a SlackNotifier.
type SlackOptions struct {
	// ChangesOnly skips a notification identical in level and missing
	// labels to the previous one.
	ChangesOnly bool
	QueueSize   int
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// SlackNotifier posts notifications to an incoming webhook from a
// background goroutine.
type SlackNotifier struct {
	url     string
	opts    SlackOptions
	metrics *metrics.Metrics

	queue    chan Notification
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu   sync.Mutex
	last *Notification
}

// NewSlackNotifier returns a notifier posting to webhookURL. Call Start
// before Notify.
func NewSlackNotifier(webhookURL string, opts SlackOptions, m *metrics.Metrics) *SlackNotifier {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if m == nil {
		m = metrics.New()
	}
	return &SlackNotifier{
		url:     webhookURL,
		opts:    opts,
		metrics: m,
		queue:   make(chan Notification, opts.QueueSize),
		stopCh:  make(chan struct{}),
	}
}

// Start runs the delivery loop.
func (s *SlackNotifier) Start() {
	s.wg.Add(1)
	go s.run()
	logger.Info("Notify", "Slack notifications enabled (changes only: %v)", s.opts.ChangesOnly)
}

// Stop ends the delivery loop. Queued notifications are dropped.
func (s *SlackNotifier) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Notify queues n without blocking. With ChangesOnly, n is compared with the
// last notification that was actually queued.
func (s *SlackNotifier) Notify(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.ChangesOnly && !s.changed(n) {
		return nil
	}
	select {
	case s.queue <- n:
		cp := n
		s.last = &cp
		return nil
	default:
		s.metrics.NotificationErrors.Add(1)
		return ErrQueueFull
	}
}

// changed must be called with mu held.
func (s *SlackNotifier) changed(n Notification) bool {
	return s.last == nil || s.last.Level != n.Level || !slices.Equal(s.last.Result.MissingLabels, n.Result.MissingLabels)
}

func (s *SlackNotifier) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case n := <-s.queue:
			if err := s.deliver(n); err != nil {
				s.metrics.NotificationErrors.Add(1)
				logger.Warn("Notify", "Slack delivery failed: %v", err)
				continue
			}
			s.metrics.NotificationsSent.Add(1)
		}
	}
}

func (s *SlackNotifier) deliver(n Notification) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	defer cancel()
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.url, s.opts.HTTPClient, webhookMessage(n)); err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	return nil
}

func webhookMessage(n Notification) *slack.WebhookMessage {
	icon := ":white_check_mark:"
	if n.Level != LevelSuccess {
		icon = ":warning:"
	}
	title := fmt.Sprintf("%s *%s*", icon, n.Title)
	return &slack.WebhookMessage{
		Text: fmt.Sprintf("%s\n%s", n.Title, n.Text),
		Blocks: &slack.Blocks{BlockSet: []slack.Block{
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, title, false, false), nil, nil),
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, n.Text, false, false), nil, nil),
			slack.NewContextBlock("",
				slack.NewTextBlockObject(slack.PlainTextType,
					fmt.Sprintf("%s · %s", n.Result.ID, n.Result.Timestamp.Format(time.RFC3339)), false, false)),
		}},
	}
}
