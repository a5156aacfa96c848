package tree

import (
	"fmt"
	"reflect"
)

// ToMap converts n into plain Go values: map[string]any for mappings,
// []any for sequences and objects lists, resolved values for scalars.
// A single object becomes a one-key map from its type name to its parameters.
func ToMap(n Node) (any, error) {
	switch v := n.(type) {
	case nil:
		return nil, nil
	case *Scalar:
		return v.Value()
	case *Sequence:
		out := make([]any, 0, len(v.items))
		for _, item := range v.items {
			x, err := ToMap(item)
			if err != nil {
				return nil, err
			}
			out = append(out, x)
		}
		return out, nil
	case *Mapping:
		out := make(map[string]any, len(v.keys))
		for _, k := range v.keys {
			x, err := ToMap(v.children[k])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = x
		}
		return out, nil
	case *SingleObject:
		params, err := ToMap(v.params)
		if err != nil {
			return nil, err
		}
		return map[string]any{v.typeName: params}, nil
	case *ObjectsList:
		out := make([]any, 0, len(v.objects))
		for _, o := range v.objects {
			x, err := ToMap(o)
			if err != nil {
				return nil, err
			}
			out = append(out, x)
		}
		return out, nil
	case *FromIncludes:
		return ToMap(v.includes)
	default:
		return nil, fmt.Errorf("%w: cannot convert %T", ErrUnparseable, n)
	}
}

// family groups node kinds that may be compared with each other.
func family(n Node) Kind {
	if n == nil {
		return KindUnknown
	}
	return n.Kind()
}

// Equal compares two nodes of the same family. Comparing nodes of different
// families is a programming error and returns ErrTypeMismatch. Included
// mappings are equal when they were loaded from the same file.
func Equal(a, b Node) (bool, error) {
	if family(a) != family(b) {
		return false, fmt.Errorf("%w: %s and %s", ErrTypeMismatch, family(a), family(b))
	}

	switch x := a.(type) {
	case *Mapping:
		y := b.(*Mapping)
		if x.included && y.included {
			return x.path == y.path, nil
		}
		if x.Len() != y.Len() {
			return false, nil
		}
		for _, k := range x.keys {
			yc, ok := y.children[k]
			if !ok {
				return false, nil
			}
			eq, err := Equal(x.children[k], yc)
			if err != nil {
				return false, fmt.Errorf("%s: %w", k, err)
			}
			if !eq {
				return false, nil
			}
		}
		return true, nil

	case *SingleObject:
		y := b.(*SingleObject)
		if x.typeName != y.typeName {
			return false, nil
		}
		return Equal(x.params, y.params)
	}

	av, err := ToMap(a)
	if err != nil {
		return false, err
	}
	bv, err := ToMap(b)
	if err != nil {
		return false, err
	}
	return reflect.DeepEqual(av, bv), nil
}

// WalkFunc is called for every node visited by Walk. Returning false skips
// the node's children.
type WalkFunc func(path []string, n Node) bool

// Walk visits n and its descendants in pre-order.
func Walk(n Node, fn WalkFunc) {
	walk(nil, n, fn)
}

func walk(path []string, n Node, fn WalkFunc) {
	if n == nil || !fn(path, n) {
		return
	}
	child := func(name string, c Node) {
		p := make([]string, len(path), len(path)+1)
		copy(p, path)
		walk(append(p, name), c, fn)
	}
	switch v := n.(type) {
	case *Mapping:
		for _, k := range v.keys {
			child(k, v.children[k])
		}
	case *Sequence:
		for _, item := range v.items {
			child(item.Name(), item)
		}
	case *SingleObject:
		child("params", v.params)
	case *ObjectsList:
		for _, o := range v.objects {
			child(o.Name(), o)
		}
	}
}
