package confloader

import (
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events editors produce for a
// single save.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reports changes of one configuration file.
type Watcher struct {
	path     string
	fsw      *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	callbacks []func(string)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger for the watcher.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithDebounce sets the quiet period after the last event before
// callbacks run. Zero notifies on every event.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// NewWatcher watches path. The parent directory is watched so that
// rename-on-save editors keep being observed.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("confloader: watcher needs a file path")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		fsw:      fsw,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Path returns the watched file.
func (w *Watcher) Path() string { return w.path }

// OnChange registers fn; it receives the path of the changed file.
// Callbacks run sequentially on the watcher goroutine.
func (w *Watcher) OnChange(fn func(string)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, fn)
	w.mu.Unlock()
}

// Start runs the event loop in a goroutine until Stop.
func (w *Watcher) Start() {
	go w.loop()
	w.logger.Debug("configuration watcher started", "file", w.path)
}

// Stop ends the event loop and releases the fsnotify watcher. It is
// safe to call more than once, and before Start.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stop)
		err = w.fsw.Close()
	})
	return err
}

// Done is closed once the event loop has exited.
func (w *Watcher) Done() <-chan struct{} { return w.done }

func (w *Watcher) loop() {
	defer close(w.done)

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if w.debounce <= 0 {
				w.notify()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			w.notify()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("configuration watcher error", "file", w.path, "error", err)

		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) notify() {
	w.mu.Lock()
	callbacks := append([]func(string){}, w.callbacks...)
	w.mu.Unlock()

	w.logger.Info("configuration file changed", "file", w.path)
	for _, fn := range callbacks {
		fn(w.path)
	}
}
