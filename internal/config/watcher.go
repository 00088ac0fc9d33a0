package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

// fingerprint identifies one version of the config file on disk.
type fingerprint struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

// Watcher polls a config file and hands every new valid revision to a
// callback. Invalid revisions are reported and skipped; the last valid
// config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	onError  func(error)

	mu      sync.Mutex
	current *Config
	seen    fingerprint

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithReloadError registers fn to receive errors from failed reloads, such
// as a revision that does not validate.
func WithReloadError(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher loads path and starts polling it in the background. onChange
// may be nil. It is called outside the watcher's lock only when a revision
// parses to a config that differs from the current one, so edits that touch
// only comments or formatting are absorbed silently.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, fp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.seen = cfg, fp

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.fail(fmt.Errorf("config: stat %s: %w", w.path, err))
		return
	}

	w.mu.Lock()
	seen := w.seen
	w.mu.Unlock()
	if info.ModTime().Equal(seen.mtime) && info.Size() == seen.size {
		return
	}

	cfg, fp, err := w.read()
	if err != nil {
		// Report each broken revision once.
		w.mu.Lock()
		w.seen = fingerprint{mtime: info.ModTime(), size: info.Size()}
		w.mu.Unlock()
		w.fail(err)
		return
	}

	w.mu.Lock()
	w.seen = fp
	if fp.sum == seen.sum || reflect.DeepEqual(cfg, w.current) {
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	d := Diff(old, cfg)
	slog.Info("config reloaded",
		"path", w.path,
		"hot_reloadable", d.HotReloadable(),
		"restart_required", d.RestartRequired)

	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

func (w *Watcher) fail(err error) {
	slog.Warn("config reload failed, keeping previous config", "path", w.path, "err", err)
	if w.onError != nil {
		w.onError(err)
	}
}

// read loads and validates the file together with its fingerprint.
func (w *Watcher) read() (*Config, fingerprint, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fingerprint{}, err
	}
	return cfg, fingerprint{mtime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}, nil
}
