package config

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads a Config from its backing file whenever the file
// changes on disk, debouncing the flurry of events a single save
// typically produces.
type Watcher struct {
	path      string
	watcher   *fsnotify.Watcher
	current   atomic.Pointer[Config]
	onReload  func(*Config)
	onError   func(error)
	ctx       context.Context
	cancel    context.CancelFunc
	debounce  time.Duration
	debounceT *time.Timer
	mu        sync.Mutex
}

// WatchOption customizes a Watcher at construction time.
type WatchOption func(*Watcher)

// WithReloadHandler registers a callback invoked with the newly loaded
// Config every time the file changes and reloads successfully.
func WithReloadHandler(fn func(*Config)) WatchOption {
	return func(w *Watcher) { w.onReload = fn }
}

// WithErrorHandler registers a callback invoked when a reload attempt
// fails; the previously loaded Config remains in effect.
func WithErrorHandler(fn func(error)) WatchOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher loads path once and begins watching it for further
// changes.
func NewWatcher(path string, opts ...WatchOption) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:     path,
		watcher:  fsw,
		ctx:      ctx,
		cancel:   cancel,
		debounce: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.current.Store(cfg)

	go w.loop()

	return w, nil
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	w.cancel()
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounceT != nil {
		w.debounceT.Stop()
	}
	w.debounceT = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		if w.onError != nil {
			w.onError(err)
		}
		return
	}
	w.current.Store(cfg)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
