package tree

import (
	"fmt"
	"path/filepath"
	"strconv"
)

// Construct builds the typed node for raw and binds it under parent with the
// given name. Children are built depth-first after the node itself is bound,
// so include resolution can walk up the partially built tree.
//
// Failures are wrapped in a *BuildError naming the node and its kind.
func Construct(name string, raw any, parent Node) (Node, error) {
	kind, err := Classify(name, raw)
	if err != nil {
		return nil, &BuildError{Name: name, Kind: KindUnknown, Err: err}
	}

	n, err := build(kind, name, raw, parent)
	if err != nil {
		return nil, &BuildError{Name: name, Kind: kind, Err: err}
	}
	return n, nil
}

// ConstructRoot builds a root mapping from a raw tree. path is recorded as
// the mapping's source file and may be empty.
func ConstructRoot(raw any, path string) (*Mapping, error) {
	if raw == nil {
		raw = &RawMap{}
	}
	rm, ok := raw.(*RawMap)
	if !ok {
		return nil, &BuildError{Name: "root", Kind: KindUnknown,
			Err: fmt.Errorf("%w: document root must be a mapping, got %T", ErrUnparseable, raw)}
	}

	m := NewMapping()
	m.path = path
	if err := populate(m, rm); err != nil {
		return nil, &BuildError{Name: "root", Kind: KindMapping, Err: err}
	}
	return m, nil
}

func build(kind Kind, name string, raw any, parent Node) (Node, error) {
	switch kind {
	case KindNone:
		n, ok := raw.(Node)
		if !ok {
			return nil, fmt.Errorf("%w: %T passes through but is not a node", ErrUnparseable, raw)
		}
		n.bind(name, parent)
		return n, nil

	case KindScalar:
		if t, ok := raw.(Tagged); ok {
			if _, isVar := t.(Variable); !isVar {
				return nil, fmt.Errorf("%w: tag %s is not a variable", ErrUnparseable, t.Tag())
			}
		}
		s := NewScalar(raw)
		s.bind(name, parent)
		return s, nil

	case KindSequence:
		return buildSequence(name, raw.([]any), parent)

	case KindMapping:
		switch v := raw.(type) {
		case IncludeRef:
			return buildIncluded(name, v, parent, false)
		case *RawMap:
			m := NewMapping()
			m.bind(name, parent)
			if err := populate(m, v); err != nil {
				return nil, err
			}
			return m, nil
		}

	case KindSingleObject:
		if rm, ok := raw.(*RawMap); ok {
			return buildObject(name, rm, parent)
		}

	case KindObjectsList:
		if items, ok := raw.([]any); ok {
			return buildObjectsList(name, items, parent)
		}

	case KindFromIncludes:
		if ref, ok := raw.(FromRef); ok {
			return buildFrom(name, ref, parent)
		}
	}

	return nil, fmt.Errorf("%w: %T cannot be built as %s", ErrUnparseable, raw, kind)
}

// populate builds every entry of raw into m and then consumes a !from
// directive if one is present.
func populate(m *Mapping, raw *RawMap) error {
	for _, e := range raw.Entries {
		key, ok := e.Key.(string)
		if !ok {
			if ok, isObject := e.Key.(ObjectKey); isObject {
				return fmt.Errorf("%w: %s %s shares a mapping with %d other keys",
					ErrObjectKeyCount, ObjectTag, ok.Type, raw.Len()-1)
			}
			return fmt.Errorf("%w: key %v has unsupported type %T", ErrUnparseable, e.Key, e.Key)
		}
		if m.Has(key) {
			return fmt.Errorf("%w: duplicate key %q", ErrUnparseable, key)
		}

		child, err := Construct(key, e.Value, m)
		if err != nil {
			return err
		}
		m.Set(key, child)
	}
	return consumeFrom(m)
}

// consumeFrom replaces the content of m with merge(from.includes, m) if m
// holds exactly one FromIncludes child.
func consumeFrom(m *Mapping) error {
	var from *FromIncludes
	var fromKey string
	for _, k := range m.keys {
		if f, ok := m.children[k].(*FromIncludes); ok {
			if from != nil {
				return ErrMultipleFrom
			}
			from, fromKey = f, k
		}
	}
	if from == nil {
		return nil
	}

	m.Delete(fromKey)
	if from.includes == nil {
		return nil
	}
	merged := MergePair(from.includes, m, false)
	m.replaceContent(merged)
	return nil
}

func buildSequence(name string, items []any, parent Node) (*Sequence, error) {
	s := NewSequence()
	s.bind(name, parent)
	for i, item := range items {
		child, err := Construct(strconv.Itoa(i), item, s)
		if err != nil {
			return nil, err
		}
		s.Append(child)
	}
	return s, nil
}

func buildObject(name string, raw *RawMap, parent Node) (*SingleObject, error) {
	entry := raw.Entries[0]
	key := entry.Key.(ObjectKey)
	module, className, err := splitTypeName(key.Type)
	if err != nil {
		return nil, err
	}

	o := &SingleObject{typeName: key.Type, module: module, className: className}
	o.bind(name, parent)

	switch v := entry.Value.(type) {
	case IncludeRef:
		params, err := buildIncluded("params", v, o, true)
		if err != nil {
			return nil, err
		}
		o.params = params
	case *RawMap:
		params := newParameters()
		params.bind("params", o)
		if err := populate(params, v); err != nil {
			return nil, err
		}
		o.params = params
	case nil:
		o.params = newParameters()
		o.params.bind("params", o)
	default:
		return nil, fmt.Errorf("%w: parameters of %s must be a mapping or an include, got %T",
			ErrUnparseable, key.Type, entry.Value)
	}
	return o, nil
}

func buildObjectsList(name string, items []any, parent Node) (*ObjectsList, error) {
	l := &ObjectsList{}
	l.bind(name, parent)
	for i, item := range items {
		child, err := Construct(strconv.Itoa(i), item, l)
		if err != nil {
			return nil, err
		}
		o, ok := child.(*SingleObject)
		if !ok {
			return nil, fmt.Errorf("%w: element %d of an objects list is a %s", ErrUnparseable, i, child.Kind())
		}
		l.append(o)
	}
	return l, nil
}

func buildFrom(name string, ref FromRef, parent Node) (*FromIncludes, error) {
	f := &FromIncludes{}
	f.bind(name, parent)

	var confs []*Mapping
	for i, item := range ref.Includes() {
		child, err := Construct(strconv.Itoa(i), item, f)
		if err != nil {
			return nil, err
		}
		m, ok := child.(*Mapping)
		if !ok {
			return nil, fmt.Errorf("%w: !from element %d is a %s", ErrNotMapping, i, child.Kind())
		}
		confs = append(confs, m)
	}

	f.includes = Merge(confs...)
	if f.includes != nil && f.includes.parent == nil {
		f.includes.bind("includes", f)
	}
	return f, nil
}

// buildIncluded loads the referenced file relative to the base document of
// parent and builds it as a mapping (or parameters block).
func buildIncluded(name string, ref IncludeRef, parent Node, params bool) (*Mapping, error) {
	m := NewMapping()
	m.params = params
	m.included = true
	m.ref = ref.Ref()
	m.bind(name, parent)

	baseDir := "."
	if parent != nil {
		baseNode, err := GetBase(parent)
		if err != nil {
			return nil, err
		}
		if bm, ok := baseNode.(*Mapping); ok && bm.path != "" {
			baseDir = filepath.Dir(bm.path)
		}
	}

	location := ref.Locate(baseDir)
	if err := checkIncludeCycle(parent, location); err != nil {
		return nil, err
	}
	m.path = location

	raw, err := ref.Load(baseDir)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return m, nil
	}
	rm, ok := raw.(*RawMap)
	if !ok {
		return nil, fmt.Errorf("%w: %s contains %T", ErrNotMapping, location, raw)
	}
	if err := populate(m, rm); err != nil {
		return nil, err
	}
	return m, nil
}

// checkIncludeCycle fails if any ancestor document already has location as
// its source file.
func checkIncludeCycle(parent Node, location string) error {
	visited := make(map[Node]bool)
	for n := parent; n != nil; n = n.Parent() {
		if visited[n] {
			return ErrCircularReference
		}
		visited[n] = true
		if m, ok := n.(*Mapping); ok && m.path != "" && m.path == location {
			return fmt.Errorf("%w: %s includes itself", ErrCircularReference, location)
		}
	}
	return nil
}
