package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/xpipe/xpipe/pkg/telemetry"
	"github.com/xpipe/xpipe/pkg/tree"
)

// DefaultDebounce is how long the watcher waits after the last file event
// before reloading.
const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc receives the result of every reload triggered by a change.
type ReloadFunc func(root *tree.Mapping, err error)

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// Debounce delays reloads until events settle. Zero selects DefaultDebounce.
	Debounce time.Duration `validate:"gte=0"`

	// Events receives config.reloaded and config.reload_failed events when set.
	Events *telemetry.EventPublisher
}

// Watcher reloads a configuration whenever its root document or any file it
// includes changes.
type Watcher struct {
	loader   *Loader
	logger   zerolog.Logger
	debounce time.Duration
	events   *telemetry.EventPublisher

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	path    string
	sources map[string]bool
	dirs    map[string]bool
	timer   *time.Timer
	closed  bool
}

// NewWatcher creates a watcher that reloads through loader.
func NewWatcher(loader *Loader, opts WatcherOptions) (*Watcher, error) {
	if err := optionsValidator.Struct(opts); err != nil {
		return nil, fmt.Errorf("invalid watcher options: %w", err)
	}
	if opts.Debounce == 0 {
		opts.Debounce = DefaultDebounce
	}
	return &Watcher{
		loader:   loader,
		logger:   loader.logger.With().Str("component", "config-watcher").Logger(),
		debounce: opts.Debounce,
		events:   opts.Events,
		sources:  make(map[string]bool),
		dirs:     make(map[string]bool),
	}, nil
}

// Watch loads path, starts watching it and every file it includes, and
// returns the initial tree. Each later change triggers a reload whose result
// is passed to onReload; files included by a reloaded tree are watched too.
// Watching stops when ctx is done or Close is called.
func (w *Watcher) Watch(ctx context.Context, path string, onReload ReloadFunc) (*tree.Mapping, error) {
	root, sources, err := w.loader.LoadWithSources(ctx, path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w.mu.Lock()
	if w.fsw != nil || w.closed {
		w.mu.Unlock()
		_ = fsw.Close()
		return nil, errors.New("watcher is already in use")
	}
	w.fsw = fsw
	w.path = path
	w.mu.Unlock()

	w.track(sources)

	go w.processEvents(ctx, onReload)

	w.logger.Info().
		Str("path", path).
		Int("files", len(sources)).
		Msg("Started watching configuration")

	return root, nil
}

// Sources returns the files currently watched, sorted.
func (w *Watcher) Sources() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	files := make([]string, 0, len(w.sources))
	for f := range w.sources {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// track replaces the watched file set. Parent directories are watched rather
// than the files themselves so that editors replacing a file by rename are
// noticed.
func (w *Watcher) track(sources []string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.sources = make(map[string]bool, len(sources))
	for _, src := range sources {
		w.sources[src] = true
		dir := filepath.Dir(src)
		if w.dirs[dir] {
			continue
		}
		if err := w.fsw.Add(dir); err != nil {
			w.logger.Warn().Err(err).Str("path", dir).Msg("Failed to watch directory")
			continue
		}
		w.dirs[dir] = true
	}
	w.loader.metrics.SetWatchedFiles(len(w.sources))
}

// processEvents processes file system events and triggers reloads.
func (w *Watcher) processEvents(ctx context.Context, onReload ReloadFunc) {
	for {
		select {
		case <-ctx.Done():
			_ = w.Close()
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}

			w.mu.Lock()
			relevant := w.sources[filepath.Clean(event.Name)]
			if relevant && !w.closed {
				w.logger.Debug().
					Str("file", event.Name).
					Str("op", event.Op.String()).
					Msg("Configuration file changed")

				if w.timer != nil {
					w.timer.Stop()
				}
				w.timer = time.AfterFunc(w.debounce, func() {
					w.reload(ctx, onReload)
				})
			}
			w.mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) reload(ctx context.Context, onReload ReloadFunc) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	path := w.path
	w.mu.Unlock()

	w.logger.Info().Str("path", path).Msg("Reloading configuration...")
	timer := telemetry.NewTimer()

	root, sources, err := w.loader.LoadWithSources(ctx, path)
	if err != nil {
		w.loader.metrics.RecordReload("failure")
		if w.events != nil {
			_ = w.events.PublishConfigReloadFailed(path, err.Error())
		}
		w.logger.Error().Err(err).Msg("Failed to reload configuration")
		onReload(nil, err)
		return
	}

	w.track(sources)
	w.loader.metrics.RecordReload("success")
	if w.events != nil {
		_ = w.events.PublishConfigReloaded(path, len(sources), timer.Duration())
	}
	w.logger.Info().
		Int("files", len(sources)).
		Msg("Configuration reloaded successfully")
	onReload(root, nil)
}

// Close stops watching. It is safe to call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	if w.fsw != nil {
		return w.fsw.Close()
	}
	return nil
}
