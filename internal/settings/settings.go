// Package settings holds the user-editable set of required EPI labels.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/epiguard/epi-monitor/internal/catalog"
	"github.com/epiguard/epi-monitor/internal/logger"
	"github.com/epiguard/epi-monitor/internal/store"
)

// Key is the store key of the required label list.
const Key = "requiredEPIs"

// ErrEmptySelection is returned when a required set with no labels is saved.
var ErrEmptySelection = errors.New("at least one EPI must be required")

// UnknownLabelError reports labels that are not selectable catalog entries.
type UnknownLabelError struct {
	Labels []string
}

func (e *UnknownLabelError) Error() string {
	return fmt.Sprintf("unknown EPI label(s): %s", strings.Join(e.Labels, ", "))
}

// Store keeps the required labels in memory, backed by a KV store.
type Store struct {
	kv      store.KV
	catalog *catalog.Catalog

	mu       sync.RWMutex
	required []string
}

// New returns a Store seeded with the catalog defaults. Call Load to read
// the persisted value.
func New(kv store.KV, c *catalog.Catalog) *Store {
	return &Store{
		kv:       kv,
		catalog:  c,
		required: c.DefaultRequired(),
	}
}

// Load reads the persisted required set. Missing or invalid data keeps the
// catalog defaults.
func (s *Store) Load(ctx context.Context) []string {
	required := store.LoadOrDefault(ctx, s.kv, Key, s.catalog.DefaultRequired(), s.validate)
	required = normalize(required)

	s.mu.Lock()
	s.required = required
	s.mu.Unlock()

	logger.Debug("Settings", "Required EPIs: %s", strings.Join(required, ", "))
	return append([]string(nil), required...)
}

// Required returns a copy of the current required set.
func (s *Store) Required() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.required...)
}

// IsRequired reports whether label is currently required.
func (s *Store) IsRequired(label string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.required {
		if l == label {
			return true
		}
	}
	return false
}

// Set validates and persists a new required set. The in-memory value is only
// replaced after a successful write.
func (s *Store) Set(ctx context.Context, labels []string) ([]string, error) {
	labels = normalize(labels)
	if err := s.validate(labels); err != nil {
		return nil, err
	}
	if err := store.SaveJSON(ctx, s.kv, Key, labels); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.required = labels
	s.mu.Unlock()

	logger.Info("Settings", "Required EPIs updated: %s", strings.Join(labels, ", "))
	return append([]string(nil), labels...), nil
}

func (s *Store) validate(labels []string) error {
	if len(labels) == 0 {
		return ErrEmptySelection
	}
	var unknown []string
	for _, l := range labels {
		if !s.catalog.IsSelectable(l) {
			unknown = append(unknown, l)
		}
	}
	if len(unknown) > 0 {
		return &UnknownLabelError{Labels: unknown}
	}
	return nil
}

// normalize trims, drops blanks and removes duplicates, keeping first-seen order.
func normalize(labels []string) []string {
	seen := make(map[string]bool, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}
