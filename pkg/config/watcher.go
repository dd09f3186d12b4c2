package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads a configuration file whenever it changes on disk and hands
// every successfully validated configuration to the registered callback.
// Invalid edits are logged and ignored; the previous configuration stays in effect.
type Watcher struct {
	path     string
	onChange func(*Config)
	logger   zerolog.Logger
	debounce time.Duration

	mu      sync.RWMutex
	current *Config

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWatcher creates a watcher for the file at path. The initial configuration
// is the one already loaded by the caller.
func NewWatcher(path string, initial *Config, logger zerolog.Logger, onChange func(*Config)) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory so editors that replace the file atomically are still observed.
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:     absPath,
		onChange: onChange,
		logger:   logger.With().Str("component", "config.watcher").Logger(),
		debounce: 100 * time.Millisecond,
		current:  initial,
		watcher:  fsw,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go w.watchLoop(ctx)
	return w, nil
}

// Current returns the last successfully loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the watcher and cleans up resources.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(w.debounce, w.reload)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.path).Msg("configuration reload rejected")
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.logger.Info().Str("path", w.path).Int("upstreams", len(cfg.Upstreams)).Msg("configuration reloaded")
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
