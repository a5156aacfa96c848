package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/xpipe/xpipe/pkg/telemetry"
	"github.com/xpipe/xpipe/pkg/tree"
	"go.opentelemetry.io/otel/trace"
)

// Loader reads YAML documents and builds configuration trees from them.
//
// A Loader is safe for concurrent use once all custom tags are registered.
type Loader struct {
	logger    zerolog.Logger
	expr      *StarlarkEvaluator
	lookupEnv func(string) (string, bool)
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	events    *telemetry.EventPublisher

	mu      sync.RWMutex
	tags    map[string]TagHandler
	keyTags map[string]TagHandler
}

// NewLoader creates a loader with the built-in tags registered.
func NewLoader(logger zerolog.Logger, opts LoaderOptions) (*Loader, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}

	l := &Loader{
		logger:    logger.With().Str("component", "config-loader").Logger(),
		expr:      NewStarlarkEvaluator(opts.ExprTimeout),
		lookupEnv: opts.LookupEnv,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		events:    opts.Events,
		tags:      make(map[string]TagHandler),
		keyTags:   make(map[string]TagHandler),
	}
	l.registerBuiltinTags()
	return l, nil
}

// RegisterTag adds a handler for a custom value tag. Built-in tags cannot be
// replaced.
func (l *Loader) RegisterTag(tag string, h TagHandler) error {
	return l.register(l.tags, tag, h)
}

// RegisterKeyTag adds a handler for a custom mapping key tag.
func (l *Loader) RegisterKeyTag(tag string, h TagHandler) error {
	return l.register(l.keyTags, tag, h)
}

func (l *Loader) register(handlers map[string]TagHandler, tag string, h TagHandler) error {
	if !isLocalTag(tag) {
		return fmt.Errorf("invalid tag %q: must start with a single !", tag)
	}
	if tag == TagInclude || tag == TagFrom {
		return fmt.Errorf("tag %s is reserved", tag)
	}
	if h == nil {
		return fmt.Errorf("tag %s: handler cannot be nil", tag)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := handlers[tag]; exists {
		return fmt.Errorf("tag %s is already registered", tag)
	}
	handlers[tag] = h
	l.logger.Debug().Str("tag", tag).Msg("Registered tag")
	return nil
}

func (l *Loader) tagHandler(tag string, key bool) (TagHandler, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if key {
		h, ok := l.keyTags[tag]
		return h, ok
	}
	h, ok := l.tags[tag]
	return h, ok
}

// Load reads the file at path and builds its configuration tree. Includes are
// resolved relative to the directory of the including document.
func (l *Loader) Load(ctx context.Context, path string) (*tree.Mapping, error) {
	root, _, err := l.LoadWithSources(ctx, path)
	return root, err
}

// LoadWithSources is Load that also reports every file read: the root
// document first, then included files in the order they were loaded. Files
// merged away by !from are reported too.
func (l *Loader) LoadWithSources(ctx context.Context, path string) (root *tree.Mapping, sources []string, err error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
	}

	sess := newSession(l)
	ctx, finish := l.instrument(ctx, abs)
	defer func() { finish(sess, err) }()

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	sess.addSource(abs)
	root, err = l.build(ctx, sess, data, abs)
	if err != nil {
		return nil, nil, err
	}
	return root, sess.sources, nil
}

// LoadString builds a configuration tree from YAML text. Relative includes
// are resolved against the working directory.
func (l *Loader) LoadString(ctx context.Context, text string) (root *tree.Mapping, err error) {
	sess := newSession(l)
	ctx, finish := l.instrument(ctx, "")
	defer func() { finish(sess, err) }()

	return l.build(ctx, sess, []byte(text), "")
}

func (l *Loader) build(ctx context.Context, sess *session, data []byte, path string) (*tree.Mapping, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess.span = trace.SpanFromContext(ctx)
	raw, err := sess.decode(data, path)
	if err != nil {
		return nil, err
	}
	return tree.ConstructRoot(raw, path)
}

// instrument starts the span and timer of a load and returns the function
// that records its outcome.
func (l *Loader) instrument(ctx context.Context, path string) (context.Context, func(*session, error)) {
	source := displayName(path)
	logger := l.logger.With().Str("path", source).Logger()
	logger.Debug().Msg("Loading configuration")

	var span trace.Span
	if l.tracer != nil {
		ctx, span = l.tracer.StartLoadSpan(ctx, source)
	}
	timer := telemetry.NewTimer()

	return ctx, func(sess *session, err error) {
		status := "success"
		if err != nil {
			status = "failure"
			class := string(tree.ClassOf(err))
			logger.Error().Err(err).Str("class", class).Msg("Failed to load configuration")
			l.metrics.RecordError(class)
			_ = l.events.PublishConfigLoadFailed(source, err.Error())
		} else {
			logger.Info().
				Int("files", len(sess.sources)).
				Dur("duration", timer.Duration()).
				Msg("Loaded configuration")
			_ = l.events.PublishConfigLoaded(source, len(sess.sources), timer.Duration())
		}
		l.metrics.RecordLoad(status, timer.Duration())

		if span == nil {
			return
		}
		if err != nil {
			span.SetAttributes(telemetry.AttrErrorClass.String(string(tree.ClassOf(err))))
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}
}

// Logger returns the loader's logger.
func (l *Loader) Logger() zerolog.Logger {
	return l.logger
}

var defaultLoader = sync.OnceValue(func() *Loader {
	l, err := NewLoader(log.Logger, DefaultLoaderOptions())
	if err != nil {
		panic(err)
	}
	return l
})

// LoadConfig loads the file at path with the default loader.
func LoadConfig(path string) (*tree.Mapping, error) {
	return defaultLoader().Load(context.Background(), path)
}

// LoadConfigFromString builds a tree from YAML text with the default loader.
func LoadConfigFromString(text string) (*tree.Mapping, error) {
	return defaultLoader().LoadString(context.Background(), text)
}

// ToMap converts a tree to plain maps, slices and resolved values.
func ToMap(n tree.Node) (any, error) {
	return tree.ToMap(n)
}

// Merge deep-merges configs left to right without modifying any of them.
func Merge(configs ...*tree.Mapping) *tree.Mapping {
	return tree.Merge(configs...)
}

// GetNode resolves a path from root.
func GetNode(root tree.Node, path string, opts ...tree.PathOption) (tree.Node, error) {
	return tree.GetNode(root, path, opts...)
}

// GetBase returns the document root or included mapping that n belongs to.
func GetBase(n tree.Node) (tree.Node, error) {
	return tree.GetBase(n)
}
