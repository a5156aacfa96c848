package config

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xpipe/xpipe/pkg/tree"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"
)

// ErrUnknownTag is returned when a document uses a local tag that has no
// registered handler.
var ErrUnknownTag = errors.New("unknown tag")

// isLocalTag reports whether tag is an application tag such as !include, as
// opposed to a core schema tag (!!str) or no tag at all.
func isLocalTag(tag string) bool {
	return strings.HasPrefix(tag, "!") && !strings.HasPrefix(tag, "!!")
}

// session tracks the files read while one root document is loaded.
type session struct {
	loader  *Loader
	span    trace.Span
	sources []string
	seen    map[string]bool
}

func newSession(l *Loader) *session {
	return &session{loader: l, seen: make(map[string]bool)}
}

func (s *session) addSource(path string) {
	if path == "" || s.seen[path] {
		return
	}
	s.seen[path] = true
	s.sources = append(s.sources, path)
}

// decode parses a YAML document into the raw tree. Only the first document of
// a stream is used; an empty document decodes to nil.
func (s *session) decode(data []byte, file string) (any, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", tree.ErrUnparseable, displayName(file), err)
	}

	d := &decoder{sess: s, file: displayName(file), expanding: make(map[*yaml.Node]bool)}
	raw, err := d.decode(&doc)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", d.file, err)
	}
	return raw, nil
}

func displayName(file string) string {
	if file == "" {
		return "<string>"
	}
	return file
}

// maxAliasExpansions bounds the work a document can cause through aliases.
const maxAliasExpansions = 10000

type decoder struct {
	sess *session
	file string

	// anchors whose alias is being expanded, to catch "a: &x [*x]"
	expanding map[*yaml.Node]bool
	aliases   int
}

func (d *decoder) decodeAlias(n *yaml.Node) (any, error) {
	if d.expanding[n.Alias] {
		return nil, fmt.Errorf("line %d: %w: alias *%s refers to itself", n.Line, tree.ErrCircularReference, n.Value)
	}
	d.aliases++
	if d.aliases > maxAliasExpansions {
		return nil, fmt.Errorf("line %d: %w: more than %d alias expansions", n.Line, tree.ErrUnparseable, maxAliasExpansions)
	}

	d.expanding[n.Alias] = true
	defer delete(d.expanding, n.Alias)
	return d.decode(n.Alias)
}

func (d *decoder) decode(n *yaml.Node) (any, error) {
	switch n.Kind {
	case 0:
		return nil, nil
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return d.decode(n.Content[0])
	case yaml.AliasNode:
		return d.decodeAlias(n)
	}

	switch n.Tag {
	case TagInclude:
		return d.decodeInclude(n)
	case TagFrom:
		return d.decodeFrom(n)
	}
	if isLocalTag(n.Tag) {
		h, ok := d.sess.loader.tagHandler(n.Tag, false)
		if !ok {
			return nil, fmt.Errorf("line %d: %w %s", n.Line, ErrUnknownTag, n.Tag)
		}
		return h(n, d.decode)
	}

	switch n.Kind {
	case yaml.MappingNode:
		return d.decodeMapping(n)
	case yaml.SequenceNode:
		items := make([]any, 0, len(n.Content))
		for _, item := range n.Content {
			v, err := d.decode(item)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	default:
		if n.Tag == "!!timestamp" {
			return n.Value, nil
		}
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		return v, nil
	}
}

func (d *decoder) decodeMapping(n *yaml.Node) (*tree.RawMap, error) {
	m := &tree.RawMap{}
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], n.Content[i+1]
		// "<<: !from base.yaml" reads naturally, so the merge key is accepted
		// as the key of a !from directive and nowhere else.
		if k.Tag == "!!merge" && v.Tag != TagFrom {
			return nil, fmt.Errorf("line %d: merge keys are not supported, use %s", k.Line, TagFrom)
		}

		key, err := d.decodeKey(k)
		if err != nil {
			return nil, err
		}
		val, err := d.decode(v)
		if err != nil {
			return nil, err
		}
		m.Add(key, val)
	}
	return m, nil
}

func (d *decoder) decodeKey(k *yaml.Node) (any, error) {
	if k.Kind == yaml.AliasNode {
		k = k.Alias
	}
	if isLocalTag(k.Tag) {
		h, ok := d.sess.loader.tagHandler(k.Tag, true)
		if !ok {
			return nil, fmt.Errorf("line %d: %w %s on a key", k.Line, ErrUnknownTag, k.Tag)
		}
		return h(k, d.decode)
	}
	if k.Kind != yaml.ScalarNode {
		return nil, fmt.Errorf("line %d: %w: complex mapping keys are not supported", k.Line, tree.ErrUnparseable)
	}
	return k.Value, nil
}

// ToYAML serializes a node. Tags are written back as !tag value, included
// mappings as the !include reference they came from unless content was merged
// into them, and top-level entries of a mapping are separated by one blank
// line.
func ToYAML(n tree.Node) (string, error) {
	return encoder{}.toYAML(n)
}

// ToYAMLAt is ToYAML for a document that will be written into dir: include
// references are rewritten relative to dir so they still resolve from there.
func ToYAMLAt(n tree.Node, dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	return encoder{dir: abs}.toYAML(n)
}

// encoder converts a tree back to yaml.Node form. A non-empty dir relocates
// include references.
type encoder struct {
	dir string
}

func (e encoder) toYAML(n tree.Node) (string, error) {
	if m, ok := n.(*tree.Mapping); ok && !isIncludeRef(m) {
		parts := make([]string, 0, m.Len())
		for _, key := range m.Keys() {
			child, _ := m.Get(key)
			entry, err := e.encodeEntry(key, child)
			if err != nil {
				return "", err
			}
			doc, err := marshalNode(&yaml.Node{Kind: yaml.MappingNode, Content: entry})
			if err != nil {
				return "", err
			}
			parts = append(parts, doc)
		}
		return strings.Join(parts, "\n"), nil
	}

	y, err := e.encodeNode(n)
	if err != nil {
		return "", err
	}
	return marshalNode(y)
}

func marshalNode(n *yaml.Node) (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(n); err != nil {
		return "", fmt.Errorf("failed to encode YAML: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to encode YAML: %w", err)
	}
	return buf.String(), nil
}

func (e encoder) ref(m *tree.Mapping) string {
	if e.dir == "" || m.Path() == "" {
		return m.Ref()
	}
	rel, err := filepath.Rel(e.dir, m.Path())
	if err != nil {
		return m.Path()
	}
	return filepath.ToSlash(rel)
}

func isIncludeRef(m *tree.Mapping) bool {
	return m.IsIncluded() && m.Ref() != "" && !m.IsOverlaid()
}

func (e encoder) encodeEntry(key string, n tree.Node) ([]*yaml.Node, error) {
	k := &yaml.Node{}
	if err := k.Encode(key); err != nil {
		return nil, err
	}
	v, err := e.encodeNode(n)
	if err != nil {
		return nil, err
	}
	return []*yaml.Node{k, v}, nil
}

func (e encoder) encodeNode(n tree.Node) (*yaml.Node, error) {
	switch node := n.(type) {
	case *tree.Scalar:
		if v, ok := node.Variable(); ok {
			return &yaml.Node{Kind: yaml.ScalarNode, Tag: v.Tag(), Value: fmt.Sprint(v.Source())}, nil
		}
		val, _ := node.Value()
		y := &yaml.Node{}
		if err := y.Encode(val); err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", node.Name(), err)
		}
		return y, nil

	case *tree.Sequence:
		y := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range node.Items() {
			c, err := e.encodeNode(item)
			if err != nil {
				return nil, err
			}
			y.Content = append(y.Content, c)
		}
		return y, nil

	case *tree.Mapping:
		if isIncludeRef(node) {
			return &yaml.Node{Kind: yaml.ScalarNode, Tag: TagInclude, Value: e.ref(node)}, nil
		}
		y := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, key := range node.Keys() {
			child, _ := node.Get(key)
			entry, err := e.encodeEntry(key, child)
			if err != nil {
				return nil, err
			}
			y.Content = append(y.Content, entry...)
		}
		return y, nil

	case *tree.SingleObject:
		key := &yaml.Node{Kind: yaml.ScalarNode, Tag: tree.ObjectTag, Value: node.TypeName()}
		params, err := e.encodeNode(node.Params())
		if err != nil {
			return nil, err
		}
		return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map", Content: []*yaml.Node{key, params}}, nil

	case *tree.ObjectsList:
		y := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, o := range node.Objects() {
			c, err := e.encodeNode(o)
			if err != nil {
				return nil, err
			}
			y.Content = append(y.Content, c)
		}
		return y, nil

	case *tree.FromIncludes:
		if node.Includes() == nil {
			return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}, nil
		}
		return e.encodeNode(node.Includes())

	default:
		return nil, fmt.Errorf("%w: cannot serialize %T", tree.ErrUnparseable, n)
	}
}
