// Package rules keeps the active propagation rule set in sync with a YAML
// file on disk.
package rules

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/aclprop/pkg/acl"
	"github.com/platinummonkey/aclprop/pkg/observability"
)

var errWatcherCrashed = errors.New("watcher stopped after a panic")

// ApplyFunc receives every successfully parsed rule set. An error keeps the
// previous set active.
type ApplyFunc func(*acl.RuleSet) error

// Watcher reloads a rule set file whenever it changes
type Watcher struct {
	path     string
	apply    ApplyFunc
	logger   *logrus.Logger
	metrics  *observability.Metrics
	debounce time.Duration

	mu      sync.RWMutex
	lastErr error
	loaded  time.Time
}

// Option configures a Watcher
type Option func(*Watcher)

// WithDebounce sets how long the watcher waits for a burst of events to
// settle before reloading
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithMetrics records reload outcomes
func WithMetrics(m *observability.Metrics) Option {
	return func(w *Watcher) { w.metrics = m }
}

// NewWatcher creates a watcher for path. A nil logger uses logrus.New().
func NewWatcher(path string, apply ApplyFunc, logger *logrus.Logger, opts ...Option) *Watcher {
	if logger == nil {
		logger = logrus.New()
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		apply:    apply,
		logger:   logger,
		debounce: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Load parses the file and applies it once
func (w *Watcher) Load() error {
	rs, err := acl.LoadRuleSetFile(w.path)
	if err == nil {
		err = w.apply(rs)
	}

	entries := 0
	if rs != nil {
		entries = rs.Len()
	}
	w.metrics.ObserveRuleSetReload(entries, err)

	w.mu.Lock()
	w.lastErr = err
	if err == nil {
		w.loaded = time.Now()
	}
	w.mu.Unlock()

	log := w.logger.WithField("path", w.path)
	if err != nil {
		log.WithError(err).Error("rule set reload failed, keeping previous rules")
		return err
	}
	log.WithField("entries", entries).Info("rule set loaded")
	return nil
}

// Healthy reports the outcome of the last load. It matches
// observability.CheckFunc.
func (w *Watcher) Healthy(ctx context.Context) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.lastErr != nil {
		return fmt.Errorf("%s: %w", w.path, w.lastErr)
	}
	if w.loaded.IsZero() {
		return errors.New("rule set not loaded")
	}
	return nil
}

// Run loads the file and then reloads it on every change until ctx is done.
// The parent directory is watched so editors that replace the file by rename
// are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	defer observability.RecoverPanicWithCallback(w.logger, "rule set watcher", func() {
		w.mu.Lock()
		w.lastErr = errWatcherCrashed
		w.mu.Unlock()
	})

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	// A bad initial file is reported through Healthy; the watcher keeps
	// running so a fix is picked up.
	_ = w.Load()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.WithFields(logrus.Fields{
				"path": event.Name,
				"op":   event.Op.String(),
			}).Debug("rule set file changed")

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			_ = w.Load()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("watcher error")
		}
	}
}
