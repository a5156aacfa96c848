package tree

// Tagged is a value produced by the parse collaborator for a YAML tag before
// the tree is built. BuilderKind tells the classifier which node wraps it.
type Tagged interface {
	Tag() string
	BuilderKind() Kind
}

// Variable is a deferred leaf value such as an environment lookup.
type Variable interface {
	Tagged

	// Resolve computes the current value.
	Resolve() (any, error)

	// Source returns the tag argument as written, for serialization.
	Source() any
}

// IncludeRef references configuration content stored in another file.
type IncludeRef interface {
	Tagged

	// Ref returns the reference as written.
	Ref() string

	// Locate resolves the reference against the base directory.
	Locate(baseDir string) string

	// Load reads and decodes the referenced file into a raw tree.
	Load(baseDir string) (any, error)
}

// FromRef is a !from directive: a list of raw values, normally include
// references, merged left to right into the enclosing mapping.
type FromRef interface {
	Tagged
	Includes() []any
}

// ObjectTag is the key tag marking a single object mapping.
const ObjectTag = "!obj"

// ObjectKey is a mapping key tagged with ObjectTag. Type is the qualified
// type name of the object.
type ObjectKey struct {
	Type string
}

// RawEntry is one key/value pair of a RawMap. Key is a string or an ObjectKey.
type RawEntry struct {
	Key   any
	Value any
}

// RawMap is an ordered mapping in the raw parsed tree.
type RawMap struct {
	Entries []RawEntry
}

// Add appends a key/value pair.
func (m *RawMap) Add(key, value any) *RawMap {
	m.Entries = append(m.Entries, RawEntry{Key: key, Value: value})
	return m
}

// Len returns the number of entries.
func (m *RawMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Entries)
}
