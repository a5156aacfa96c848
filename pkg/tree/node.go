package tree

import (
	"fmt"
	"strconv"
)

// Kind identifies which node type wraps a raw value.
type Kind int

const (
	// KindUnknown is reported when classification fails.
	KindUnknown Kind = iota
	// KindNone marks a value that already is a node and is passed through.
	KindNone
	KindScalar
	KindSequence
	KindMapping
	KindSingleObject
	KindObjectsList
	KindFromIncludes
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "None"
	case KindScalar:
		return "Scalar"
	case KindSequence:
		return "Sequence"
	case KindMapping:
		return "Mapping"
	case KindSingleObject:
		return "SingleObject"
	case KindObjectsList:
		return "ObjectsList"
	case KindFromIncludes:
		return "FromIncludes"
	default:
		return "Unknown"
	}
}

// Node is an element of a configuration tree.
//
// The parent link is a back-reference used for ".." navigation and include
// base resolution. It is only rebound when a node is relocated into another
// tree, together with its name.
type Node interface {
	Name() string
	Parent() Node
	Kind() Kind

	bind(name string, parent Node)
	clone(parent Node) Node
}

type base struct {
	name   string
	parent Node
}

func (b *base) Name() string { return b.name }

func (b *base) Parent() Node { return b.parent }

func (b *base) bind(name string, parent Node) {
	b.name = name
	b.parent = parent
}

// Scalar wraps a primitive leaf value or a Variable.
type Scalar struct {
	base
	value    any
	variable Variable
}

// NewScalar returns a detached scalar. If v is a Variable it is resolved on
// every call to Value.
func NewScalar(v any) *Scalar {
	if variable, ok := v.(Variable); ok {
		return &Scalar{variable: variable}
	}
	return &Scalar{value: v}
}

func (s *Scalar) Kind() Kind { return KindScalar }

// Value returns the plain value, resolving the variable if there is one.
func (s *Scalar) Value() (any, error) {
	if s.variable != nil {
		return s.variable.Resolve()
	}
	return s.value, nil
}

// Variable returns the deferred value backing this scalar, if any.
func (s *Scalar) Variable() (Variable, bool) {
	return s.variable, s.variable != nil
}

func (s *Scalar) clone(parent Node) Node {
	return &Scalar{base: base{name: s.name, parent: parent}, value: s.value, variable: s.variable}
}

// Sequence is an ordered list of child nodes. The index is the child name.
type Sequence struct {
	base
	items []Node
}

// NewSequence returns an empty detached sequence.
func NewSequence() *Sequence {
	return &Sequence{}
}

func (s *Sequence) Kind() Kind { return KindSequence }

// Len returns the number of items.
func (s *Sequence) Len() int { return len(s.items) }

// Items returns the children in order. The slice must not be modified.
func (s *Sequence) Items() []Node { return s.items }

// Index returns the i-th child.
func (s *Sequence) Index(i int) (Node, bool) {
	if i < 0 || i >= len(s.items) {
		return nil, false
	}
	return s.items[i], true
}

// Append adds n at the end of the sequence and binds it.
func (s *Sequence) Append(n Node) {
	n.bind(strconv.Itoa(len(s.items)), s)
	s.items = append(s.items, n)
}

// Attr resolves a numeric index.
func (s *Sequence) Attr(name string) (Node, bool) {
	i, err := strconv.Atoi(name)
	if err != nil {
		return nil, false
	}
	return s.Index(i)
}

func (s *Sequence) clone(parent Node) Node {
	c := &Sequence{base: base{name: s.name, parent: parent}, items: make([]Node, len(s.items))}
	for i, item := range s.items {
		c.items[i] = item.clone(c)
	}
	return c
}

// Mapping is an ordered key to node mapping with unique keys.
//
// A mapping may be a Parameters block of a single object, and either kind may
// be included from another file, in which case Path reports the resolved file
// and Ref the reference as written.
type Mapping struct {
	base
	keys     []string
	children map[string]Node

	params   bool
	included bool
	overlaid bool
	path     string
	ref      string
}

// NewMapping returns an empty detached mapping.
func NewMapping() *Mapping {
	return &Mapping{children: make(map[string]Node)}
}

func newParameters() *Mapping {
	m := NewMapping()
	m.params = true
	return m
}

func (m *Mapping) Kind() Kind { return KindMapping }

// Len returns the number of keys.
func (m *Mapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns the keys in insertion order. The slice must not be modified.
func (m *Mapping) Keys() []string { return m.keys }

// Has reports whether key is a direct key of the mapping.
func (m *Mapping) Has(key string) bool {
	_, ok := m.children[key]
	return ok
}

// Get returns the child stored under key.
func (m *Mapping) Get(key string) (Node, bool) {
	n, ok := m.children[key]
	return n, ok
}

// Attr is the attribute-style lookup used by path resolution.
func (m *Mapping) Attr(name string) (Node, bool) {
	return m.Get(name)
}

// GetMapping returns the child under key if it is a mapping.
func (m *Mapping) GetMapping(key string) (*Mapping, bool) {
	c, ok := m.children[key].(*Mapping)
	return c, ok
}

// GetSequence returns the child under key if it is a sequence.
func (m *Mapping) GetSequence(key string) (*Sequence, bool) {
	c, ok := m.children[key].(*Sequence)
	return c, ok
}

// GetScalar returns the child under key if it is a scalar.
func (m *Mapping) GetScalar(key string) (*Scalar, bool) {
	c, ok := m.children[key].(*Scalar)
	return c, ok
}

// GetObject returns the child under key if it is a single object.
func (m *Mapping) GetObject(key string) (*SingleObject, bool) {
	c, ok := m.children[key].(*SingleObject)
	return c, ok
}

// Value resolves the scalar under key.
func (m *Mapping) Value(key string) (any, error) {
	s, ok := m.GetScalar(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a scalar", ErrAttributeNotFound, key)
	}
	return s.Value()
}

// Set stores n under key, binding its name and parent. An existing key keeps
// its position.
func (m *Mapping) Set(key string, n Node) {
	if _, exists := m.children[key]; !exists {
		m.keys = append(m.keys, key)
	}
	n.bind(key, m)
	m.children[key] = n
}

// Delete removes key. It is a no-op if the key is absent.
func (m *Mapping) Delete(key string) {
	if _, exists := m.children[key]; !exists {
		return
	}
	delete(m.children, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i:i], m.keys[i+1:]...)
			break
		}
	}
}

// IsParameters reports whether the mapping holds constructor arguments.
func (m *Mapping) IsParameters() bool { return m.params }

// IsIncluded reports whether the content was loaded from another file.
func (m *Mapping) IsIncluded() bool { return m.included }

// Path returns the source file of a root or included mapping.
func (m *Mapping) Path() string { return m.path }

// SetPath records the source file of a root mapping.
func (m *Mapping) SetPath(path string) { m.path = path }

// Ref returns the include reference as written in the document.
func (m *Mapping) Ref() string { return m.ref }

// IsOverlaid reports whether other content was merged into the mapping after
// it was built, so it no longer matches its source file.
func (m *Mapping) IsOverlaid() bool { return m.overlaid }

// Copy returns a deep copy with fresh identity. The copy is detached: it has
// the same name but no parent.
func (m *Mapping) Copy() *Mapping {
	return m.clone(nil).(*Mapping)
}

func (m *Mapping) clone(parent Node) Node {
	c := &Mapping{
		base:     base{name: m.name, parent: parent},
		keys:     make([]string, len(m.keys)),
		children: make(map[string]Node, len(m.children)),
		params:   m.params,
		included: m.included,
		overlaid: m.overlaid,
		path:     m.path,
		ref:      m.ref,
	}
	copy(c.keys, m.keys)
	for k, child := range m.children {
		c.children[k] = child.clone(c)
	}
	return c
}

// replaceContent moves every entry of src into m, rebinding each child.
func (m *Mapping) replaceContent(src *Mapping) {
	m.keys = m.keys[:0]
	m.children = make(map[string]Node, len(src.children))
	for _, k := range src.keys {
		m.Set(k, src.children[k])
	}
}

// FromIncludes is the transient node produced by a !from directive. It is
// consumed by the enclosing mapping during construction.
type FromIncludes struct {
	base
	includes *Mapping
}

func (f *FromIncludes) Kind() Kind { return KindFromIncludes }

// Includes returns the merged included configuration.
func (f *FromIncludes) Includes() *Mapping { return f.includes }

func (f *FromIncludes) clone(parent Node) Node {
	c := &FromIncludes{base: base{name: f.name, parent: parent}}
	if f.includes != nil {
		c.includes = f.includes.clone(c).(*Mapping)
	}
	return c
}
