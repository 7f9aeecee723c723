package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the reconcile timing whenever one of the loader's YAML
// layers changes on disk.
type Watcher struct {
	loader   *Loader
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	debounce time.Duration

	mu       sync.RWMutex
	current  ReconcileConfig
	onChange []func(ReconcileConfig)

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher loads the current timing and starts watching the loader's
// directory. Call Start to begin dispatching changes.
func NewWatcher(loader *Loader, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	current, err := loader.Reconcile()
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Watch the directory so atomic saves (rename into place) are seen.
	if err := fw.Add(loader.dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	return &Watcher{
		loader:   loader,
		watcher:  fw,
		logger:   logger,
		debounce: 100 * time.Millisecond,
		current:  current,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// OnChange registers a handler invoked with every successfully reloaded
// timing.
func (w *Watcher) OnChange(fn func(ReconcileConfig)) {
	w.mu.Lock()
	w.onChange = append(w.onChange, fn)
	w.mu.Unlock()
}

// Current returns the last loaded timing.
func (w *Watcher) Current() ReconcileConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start begins watching for configuration changes
func (w *Watcher) Start() {
	go w.loop()
	w.logger.Info("Configuration watcher started", zap.String("dir", w.loader.dir))
}

// Stop stops watching and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
	})
	<-w.doneCh
	w.logger.Info("Configuration watcher stopped")
}

func (w *Watcher) watched(name string) bool {
	base := filepath.Base(name)
	for _, f := range w.loader.Files() {
		if filepath.Base(f) == base {
			return true
		}
	}
	return false
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.watched(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	next, err := w.loader.Reconcile()
	if err != nil {
		w.logger.Error("Invalid configuration, keeping current", zap.Error(err))
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	handlers := append([]func(ReconcileConfig){}, w.onChange...)
	w.mu.Unlock()

	if prev == next {
		return
	}
	w.logger.Info("Configuration reloaded",
		zap.Duration("authority_window", next.AuthorityWindow),
		zap.Duration("stale_after", next.StaleAfter),
		zap.Duration("autosave_delay", next.AutosaveDelay),
	)
	for _, fn := range handlers {
		fn(next)
	}
}
