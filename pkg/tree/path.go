package tree

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// PathOptions configures the separators used by GetNode.
type PathOptions struct {
	// Delimiter separates path segments.
	Delimiter string `validate:"required"`

	// Parent marks a segment that moves to the parent node.
	Parent string `validate:"required,nefield=Delimiter"`

	// Attribute separates a node name from its attribute chain.
	Attribute string `validate:"required,nefield=Delimiter"`
}

// PathOption customizes PathOptions.
type PathOption func(*PathOptions)

// WithDelimiter sets the segment delimiter (default "/").
func WithDelimiter(d string) PathOption {
	return func(o *PathOptions) { o.Delimiter = d }
}

// WithParent sets the parent marker (default "..").
func WithParent(p string) PathOption {
	return func(o *PathOptions) { o.Parent = p }
}

// WithAttribute sets the attribute delimiter (default ".").
func WithAttribute(a string) PathOption {
	return func(o *PathOptions) { o.Attribute = a }
}

// DefaultPathOptions returns the default separators.
func DefaultPathOptions() PathOptions {
	return PathOptions{Delimiter: "/", Parent: "..", Attribute: "."}
}

var optionsValidator = validator.New()

// Attributer is implemented by nodes that support attribute-style lookup.
type Attributer interface {
	Attr(name string) (Node, bool)
}

// Attr looks up an attribute of n.
func Attr(n Node, name string) (Node, error) {
	if a, ok := n.(Attributer); ok {
		if child, ok := a.Attr(name); ok {
			return child, nil
		}
	}
	if n == nil {
		return nil, fmt.Errorf("%w: %s on nil node", ErrAttributeNotFound, name)
	}
	return nil, fmt.Errorf("%w: %s has no attribute %q", ErrAttributeNotFound, n.Kind(), name)
}

// GetNode resolves a path against root. Segments are separated by the
// delimiter; a segment starting with the parent marker moves up one level
// and may be followed by an attribute chain; any other segment names a
// direct child, optionally followed by an attribute chain.
//
// Resolution never modifies the tree. Every attribute in a chain is applied
// in order.
func GetNode(root Node, path string, opts ...PathOption) (Node, error) {
	o := DefaultPathOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := optionsValidator.Struct(o); err != nil {
		return nil, fmt.Errorf("invalid path options: %w", err)
	}

	if path == "" {
		return root, nil
	}

	current := root
	for _, segment := range strings.Split(path, o.Delimiter) {
		if current == nil {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}

		if strings.HasPrefix(segment, o.Parent) {
			current = current.Parent()
			rest := strings.TrimPrefix(segment, o.Parent)
			if rest == "" {
				continue
			}
			if !strings.HasPrefix(rest, o.Attribute) {
				return nil, fmt.Errorf("%w %s", ErrInvalidPath, path)
			}
			if current == nil {
				return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
			}
			attrs := strings.Split(strings.TrimPrefix(rest, o.Attribute), o.Attribute)
			next, err := attrChain(current, attrs)
			if err != nil {
				return nil, err
			}
			current = next
			continue
		}

		parts := strings.Split(segment, o.Attribute)
		child, ok := directChild(current, parts[0])
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
		next, err := attrChain(child, parts[1:])
		if err != nil {
			return nil, err
		}
		current = next
	}

	if current == nil {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
	}
	return current, nil
}

func attrChain(n Node, attrs []string) (Node, error) {
	for _, name := range attrs {
		next, err := Attr(n, name)
		if err != nil {
			return nil, err
		}
		n = next
	}
	return n, nil
}

// directChild is the membership test applied to a plain path segment.
func directChild(n Node, name string) (Node, bool) {
	switch v := n.(type) {
	case *Mapping:
		return v.Get(name)
	case *Sequence:
		i, err := strconv.Atoi(name)
		if err != nil {
			return nil, false
		}
		return v.Index(i)
	case *ObjectsList:
		return v.Attr(name)
	default:
		return nil, false
	}
}

// GetBase returns the base document of n: the first node in its parent
// chain, starting at n, that has no parent or was included from another
// file. Nested includes resolve relative to it.
func GetBase(n Node) (Node, error) {
	if n == nil {
		return nil, nil
	}
	visited := make(map[Node]bool)
	current := n
	for {
		if visited[current] {
			return nil, ErrCircularReference
		}
		visited[current] = true

		if m, ok := current.(*Mapping); ok && m.included {
			return current, nil
		}
		parent := current.Parent()
		if parent == nil {
			return current, nil
		}
		current = parent
	}
}
