package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 100 * time.Millisecond

// PolicyWatcher calls onChange when the policy file is written or replaced.
// Rapid bursts of events (editors writing through a temp file) are
// coalesced into one call.
type PolicyWatcher struct {
	path     string
	onChange func()
	debounce time.Duration
	logger   *zap.Logger

	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	done     chan struct{}

	mu            sync.Mutex
	debounceTimer *time.Timer
	stopOnce      sync.Once
}

// NewPolicyWatcher creates a watcher for path. Start begins watching.
func NewPolicyWatcher(path string, onChange func(), logger *zap.Logger) *PolicyWatcher {
	return &PolicyWatcher{
		path:     filepath.Clean(path),
		onChange: onChange,
		debounce: defaultDebounce,
		logger:   logger,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start watches the file's directory, so replacing the file by rename is seen
func (w *PolicyWatcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		if closeErr := watcher.Close(); closeErr != nil {
			w.logger.Error("Failed to close watcher", zap.Error(closeErr))
		}
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.watcher = watcher

	go w.watchLoop()
	w.logger.Info("Watching policy file", zap.String("path", w.path))
	return nil
}

func (w *PolicyWatcher) watchLoop() {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.schedule()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Policy watcher error", zap.Error(err))

		case <-w.stopChan:
			return
		}
	}
}

func (w *PolicyWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopChan:
			return
		default:
		}
		w.logger.Info("Policy file changed", zap.String("path", w.path))
		w.onChange()
	})
}

// Close stops watching. It is safe to call more than once.
func (w *PolicyWatcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopChan)

		w.mu.Lock()
		if w.debounceTimer != nil {
			w.debounceTimer.Stop()
		}
		w.mu.Unlock()

		if w.watcher != nil {
			err = w.watcher.Close()
			<-w.done
		}
	})
	return err
}
