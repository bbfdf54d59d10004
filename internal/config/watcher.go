package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is the default delay for debouncing file system events.
const DebounceDelay = 100 * time.Millisecond

// ChangeEvent notifies a subscriber that the configuration file changed and
// was reloaded successfully.
type ChangeEvent struct {
	// Config is the freshly parsed configuration.
	Config *Config
	// Timestamp is when the change was detected.
	Timestamp time.Time
}

// Subscriber receives notifications when the configuration changes.
// Implementations must be safe for concurrent use.
type Subscriber interface {
	OnConfigChanged(event ChangeEvent)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(event ChangeEvent)

// OnConfigChanged implements Subscriber.
func (f SubscriberFunc) OnConfigChanged(event ChangeEvent) {
	f(event)
}

// Watcher monitors the configuration file for changes and notifies
// subscribers with the reloaded config. Editors that write via
// rename-and-replace are handled by watching the containing directory.
//
// Thread-safety: All public methods are safe for concurrent use.
type Watcher struct {
	mu sync.RWMutex

	// watcher is the underlying fsnotify watcher.
	watcher *fsnotify.Watcher

	// path is the absolute config file path being watched.
	path string

	// subscribers is the set of active subscribers.
	subscribers map[Subscriber]struct{}

	// debounceDelay is the delay before firing change events.
	debounceDelay time.Duration

	debounceTimer *time.Timer
	debounceMu    sync.Mutex

	logger *slog.Logger

	// done signals the event loop to stop.
	done chan struct{}
	// stopped is closed when the event loop has exited.
	stopped chan struct{}
}

// NewWatcher creates a watcher for the given config file path.
// Call Start() to begin watching and Close() when done.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory, not the file: rename-and-replace saves would
	// otherwise orphan the watch.
	if err := fw.Add(filepath.Dir(absPath)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		watcher:       fw,
		path:          absPath,
		subscribers:   make(map[Subscriber]struct{}),
		debounceDelay: DebounceDelay,
		logger:        logger,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	return w, nil
}

// SetDebounceDelay sets the debounce delay for batching rapid changes.
// Must be called before Start().
func (w *Watcher) SetDebounceDelay(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounceDelay = d
}

// Start begins the event processing loop.
func (w *Watcher) Start() {
	go w.eventLoop()
}

// Close stops the watcher and releases resources.
// After Close returns, no more events are delivered to subscribers.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	<-w.stopped
	return err
}

// Subscribe registers a subscriber for config change notifications.
func (w *Watcher) Subscribe(sub Subscriber) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribers[sub] = struct{}{}
}

// Unsubscribe removes a subscriber.
func (w *Watcher) Unsubscribe(sub Subscriber) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.subscribers, sub)
}

// SubscriberCount returns the number of active subscribers.
func (w *Watcher) SubscriberCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.subscribers)
}

func (w *Watcher) eventLoop() {
	defer close(w.stopped)

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("Config watcher error", "error", err)
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	abs, err := filepath.Abs(event.Name)
	if err != nil || abs != w.path {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}

	if w.logger != nil {
		w.logger.Debug("Config file changed",
			"path", w.path,
			"op", event.Op.String())
	}

	w.mu.RLock()
	delay := w.debounceDelay
	w.mu.RUnlock()

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(delay, w.fireChange)
	w.debounceMu.Unlock()
}

func (w *Watcher) fireChange() {
	w.debounceMu.Lock()
	w.debounceTimer = nil
	w.debounceMu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		// A half-written or invalid file keeps the previous config active.
		if w.logger != nil {
			w.logger.Warn("Config reload failed, keeping previous config",
				"path", w.path, "error", err)
		}
		return
	}

	event := ChangeEvent{
		Config:    cfg,
		Timestamp: time.Now(),
	}

	w.mu.RLock()
	subs := make([]Subscriber, 0, len(w.subscribers))
	for sub := range w.subscribers {
		subs = append(subs, sub)
	}
	w.mu.RUnlock()

	if w.logger != nil {
		w.logger.Debug("Notifying subscribers of config change",
			"subscriber_count", len(subs))
	}

	// Notify subscribers outside the lock.
	for _, sub := range subs {
		sub.OnConfigChanged(event)
	}
}
