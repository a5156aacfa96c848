package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xpipe/xpipe/pkg/telemetry"
	"github.com/xpipe/xpipe/pkg/tree"
	"gopkg.in/yaml.v3"
)

// DecodeFunc decodes a YAML node into the raw tree consumed by tree.Construct.
type DecodeFunc func(n *yaml.Node) (any, error)

// TagHandler turns a tagged YAML node into a raw value. Handlers for value
// tags usually return a tree.Tagged; handlers for key tags return the key.
// decode is available for tags that wrap nested content.
type TagHandler func(n *yaml.Node, decode DecodeFunc) (any, error)

// includeRef is the value of an !include tag.
type includeRef struct {
	ref  string
	sess *session
}

func (r *includeRef) Tag() string { return TagInclude }

func (r *includeRef) BuilderKind() tree.Kind { return tree.KindMapping }

func (r *includeRef) Ref() string { return r.ref }

func (r *includeRef) Locate(baseDir string) string {
	if filepath.IsAbs(r.ref) {
		return filepath.Clean(r.ref)
	}
	return filepath.Join(baseDir, r.ref)
}

// Load reads and decodes the referenced file. File system errors are returned
// unchanged.
func (r *includeRef) Load(baseDir string) (any, error) {
	location := r.Locate(baseDir)
	l := r.sess.loader
	l.logger.Debug().
		Str("ref", r.ref).
		Str("path", location).
		Msg("Resolving include")
	l.metrics.RecordInclude()
	telemetry.AddIncludeEvent(r.sess.span, r.ref, location)

	data, err := os.ReadFile(location)
	if err != nil {
		return nil, err
	}
	r.sess.addSource(location)
	return r.sess.decode(data, location)
}

// fromRef is the value of a !from tag.
type fromRef struct {
	includes []any
}

func (f *fromRef) Tag() string { return TagFrom }

func (f *fromRef) BuilderKind() tree.Kind { return tree.KindFromIncludes }

func (f *fromRef) Includes() []any { return f.includes }

// envVar is the value of an !env tag: NAME or NAME:default.
type envVar struct {
	source     string
	name       string
	def        string
	hasDefault bool
	lookup     func(string) (string, bool)
}

func parseEnvVar(source string, lookup func(string) (string, bool)) (*envVar, error) {
	name, def, hasDefault := strings.Cut(source, ":")
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%s requires a variable name", TagEnv)
	}
	return &envVar{
		source:     source,
		name:       name,
		def:        def,
		hasDefault: hasDefault,
		lookup:     lookup,
	}, nil
}

func (v *envVar) Tag() string { return TagEnv }

func (v *envVar) BuilderKind() tree.Kind { return tree.KindScalar }

func (v *envVar) Source() any { return v.source }

func (v *envVar) Resolve() (any, error) {
	if val, ok := v.lookup(v.name); ok {
		return val, nil
	}
	if v.hasDefault {
		return v.def, nil
	}
	return nil, fmt.Errorf("environment variable %s is not set", v.name)
}

// exprVar is the value of an !expr tag, evaluated on every access.
type exprVar struct {
	source string
	eval   *StarlarkEvaluator
	lookup func(string) (string, bool)
}

func (v *exprVar) Tag() string { return TagExpr }

func (v *exprVar) BuilderKind() tree.Kind { return tree.KindScalar }

func (v *exprVar) Source() any { return v.source }

func (v *exprVar) Resolve() (any, error) {
	return v.eval.Eval(context.Background(), v.source, map[string]any{
		"env": environ(v.lookup),
	})
}

// environ snapshots the process environment through lookup, so a custom
// lookup can shadow or hide variables.
func environ(lookup func(string) (string, bool)) map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if val, ok := lookup(name); ok {
			env[name] = val
		}
	}
	return env
}

func scalarArg(tag string, n *yaml.Node) (string, error) {
	if n.Kind != yaml.ScalarNode {
		return "", fmt.Errorf("line %d: %s expects a scalar argument", n.Line, tag)
	}
	return n.Value, nil
}

// decodeInclude handles !include. It is bound to the load session so the
// files it reads can be reported.
func (d *decoder) decodeInclude(n *yaml.Node) (any, error) {
	ref, err := scalarArg(TagInclude, n)
	if err != nil {
		return nil, err
	}
	return &includeRef{ref: ref, sess: d.sess}, nil
}

// decodeFrom handles !from with a single path or a list. List items that are
// plain scalars are include references; anything else is decoded as is.
func (d *decoder) decodeFrom(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		return &fromRef{includes: []any{&includeRef{ref: n.Value, sess: d.sess}}}, nil
	case yaml.SequenceNode:
		includes := make([]any, 0, len(n.Content))
		for _, item := range n.Content {
			if item.Kind == yaml.ScalarNode && !isLocalTag(item.Tag) {
				includes = append(includes, &includeRef{ref: item.Value, sess: d.sess})
				continue
			}
			v, err := d.decode(item)
			if err != nil {
				return nil, err
			}
			includes = append(includes, v)
		}
		return &fromRef{includes: includes}, nil
	default:
		return nil, fmt.Errorf("line %d: %s expects a path or a list of paths", n.Line, TagFrom)
	}
}

func (l *Loader) registerBuiltinTags() {
	l.tags[TagEnv] = func(n *yaml.Node, _ DecodeFunc) (any, error) {
		source, err := scalarArg(TagEnv, n)
		if err != nil {
			return nil, err
		}
		return parseEnvVar(source, l.lookupEnv)
	}

	l.tags[TagExpr] = func(n *yaml.Node, _ DecodeFunc) (any, error) {
		source, err := scalarArg(TagExpr, n)
		if err != nil {
			return nil, err
		}
		return &exprVar{source: source, eval: l.expr, lookup: l.lookupEnv}, nil
	}

	l.keyTags[tree.ObjectTag] = func(n *yaml.Node, _ DecodeFunc) (any, error) {
		typeName, err := scalarArg(tree.ObjectTag, n)
		if err != nil {
			return nil, err
		}
		return tree.ObjectKey{Type: typeName}, nil
	}
}
