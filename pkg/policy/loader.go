package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ReloadDelay is how long the loader waits after the last policy file event
// before reloading.
const ReloadDelay = 500 * time.Millisecond

type unmarshalFunc func([]byte, any) error

// definitionFormats maps the extensions of policy definition files to their
// decoders. .rego files hold a bare module and are handled separately.
var definitionFormats = map[string]unmarshalFunc{
	".json": json.Unmarshal,
	".yaml": yaml.Unmarshal,
	".yml":  yaml.Unmarshal,
}

func isPolicyFile(path string) bool {
	ext := filepath.Ext(path)
	_, ok := definitionFormats[ext]
	return ok || ext == ".rego"
}

// Loader reads policies from files, directories and bundles and can watch
// them for changes.
//
// A .rego file becomes one policy named after the file, described by its
// leading comments. .json, .yaml and .yml files hold a Policy definition.
// Parsed files are cached by path until they change or ClearCache is called.
type Loader struct {
	logger zerolog.Logger
	delay  time.Duration

	mu      sync.Mutex
	cache   map[string]*Policy
	watcher *fsnotify.Watcher
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		delay:  ReloadDelay,
		cache:  make(map[string]*Policy),
	}
}

// LoadFromPaths loads the policies of every path in order. A file path must
// hold a valid policy. Directories are walked recursively and broken files
// in them are skipped with a warning.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
		}
		if !info.IsDir() {
			p, err := l.loadFromFile(ctx, path)
			if err != nil {
				return nil, err
			}
			out = append(out, *p)
			continue
		}
		err = filepath.WalkDir(path, func(file string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !isPolicyFile(file) {
				return err
			}
			p, err := l.loadFromFile(ctx, file)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", file).Msg("Skipping policy file")
				return nil
			}
			out = append(out, *p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
		}
	}

	l.logger.Debug().Int("policies", len(out)).Strs("paths", paths).Msg("Policies loaded")
	return out, nil
}

func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	l.mu.Lock()
	cached := l.cache[path]
	l.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}

	var p *Policy
	ext := filepath.Ext(path)
	if ext == ".rego" {
		p = &Policy{
			Name:        strings.TrimSuffix(filepath.Base(path), ext),
			Description: extractDescription(string(data)),
			Rego:        string(data),
			Severity:    SeverityWarning,
			Enabled:     true,
			Tags:        []string{},
		}
	} else if unmarshal, ok := definitionFormats[ext]; ok {
		if p, err = parseDefinition(data, unmarshal); err != nil {
			return nil, fmt.Errorf("invalid policy definition %s: %w", path, err)
		}
	} else {
		return nil, fmt.Errorf("unsupported policy file %s", path)
	}
	if p.Metadata == nil {
		p.Metadata = make(map[string]interface{})
	}
	p.Metadata["source"] = path

	l.mu.Lock()
	l.cache[path] = p
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy loaded")
	return p, nil
}

// definition is the file form of a Policy. A missing enabled field means
// enabled and a missing severity means warning.
type definition struct {
	Name        string                 `json:"name" yaml:"name"`
	Description string                 `json:"description" yaml:"description"`
	Rego        string                 `json:"rego" yaml:"rego"`
	Severity    Severity               `json:"severity" yaml:"severity"`
	Enabled     *bool                  `json:"enabled" yaml:"enabled"`
	Tags        []string               `json:"tags" yaml:"tags"`
	Metadata    map[string]interface{} `json:"metadata" yaml:"metadata"`
}

func parseDefinition(data []byte, unmarshal unmarshalFunc) (*Policy, error) {
	var def definition
	if err := unmarshal(data, &def); err != nil {
		return nil, err
	}
	if def.Name == "" {
		return nil, errors.New("policy definition has no name")
	}

	p := &Policy{
		Name:        def.Name,
		Description: def.Description,
		Rego:        def.Rego,
		Severity:    def.Severity,
		Enabled:     def.Enabled == nil || *def.Enabled,
		Tags:        def.Tags,
		Metadata:    def.Metadata,
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	return p, nil
}

// extractDescription joins the first block of # comments in a Rego module.
func extractDescription(content string) string {
	var words []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		comment, ok := strings.CutPrefix(line, "#")
		switch {
		case ok:
			if comment = strings.TrimSpace(comment); comment != "" {
				words = append(words, comment)
			}
		case line != "" && len(words) > 0:
			return strings.Join(words, " ")
		}
	}
	return strings.Join(words, " ")
}

// LoadBundle loads a policy bundle from a JSON or YAML file. Bundle entries
// are taken as written, without the defaults of single definitions.
func (l *Loader) LoadBundle(_ context.Context, path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}

	unmarshal, ok := definitionFormats[filepath.Ext(path)]
	if !ok {
		unmarshal = yaml.Unmarshal
	}
	var b Bundle
	if err := unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse bundle %s: %w", path, err)
	}

	l.logger.Info().
		Str("bundle", b.Name).
		Str("version", b.Version).
		Int("policies", len(b.Policies)).
		Msg("Policy bundle loaded")
	return &b, nil
}

// Watch reloads the policies under paths whenever a policy file below them
// changes and hands the result to reloadFn. Events are debounced. Watching
// stops when ctx is done or StopWatching is called.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}

	for _, path := range paths {
		if err := addWatch(watcher, path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Cannot watch policy path")
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.watch(ctx, watcher, paths, reloadFn)

	l.logger.Info().Strs("paths", paths).Msg("Watching policies")
	return nil
}

// addWatch watches a directory tree, or the directory holding a file so
// that editors replacing the file are noticed.
func addWatch(watcher *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(filepath.Dir(path))
	}
	return filepath.WalkDir(path, func(dir string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return watcher.Add(dir)
	})
}

func (l *Loader) watch(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	defer watcher.Close()

	timer := time.NewTimer(l.delay)
	timer.Stop()
	defer timer.Stop()

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && underAny(paths, event.Name) {
					_ = addWatch(watcher, event.Name)
				}
			}
			if event.Op&relevant == 0 || !isPolicyFile(event.Name) || !underAny(paths, event.Name) {
				continue
			}

			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()
			timer.Reset(l.delay)

		case <-timer.C:
			policies, err := l.LoadFromPaths(ctx, paths)
			if err == nil {
				err = reloadFn(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Policy reload failed")
				continue
			}
			l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// underAny reports whether name is one of paths or lies below one of them.
func underAny(paths []string, name string) bool {
	name = filepath.Clean(name)
	for _, p := range paths {
		p = filepath.Clean(p)
		if name == p || strings.HasPrefix(name, p+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// StopWatching stops a watch started with Watch.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}

// ClearCache forgets every parsed policy file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*Policy)
	l.mu.Unlock()
}
