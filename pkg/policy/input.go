package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/xpipe/xpipe/pkg/tree"
)

// NewInput builds the policy input for a configuration tree. Unlike
// tree.ToMap it never fails: a variable that cannot be resolved becomes null
// and its error is recorded on the leaf.
func NewInput(root *tree.Mapping, evalCtx *Context) *Input {
	if evalCtx == nil {
		evalCtx = &Context{}
	}
	if evalCtx.Source == "" && root != nil {
		evalCtx.Source = root.Path()
	}
	if evalCtx.Timestamp.IsZero() {
		evalCtx.Timestamp = time.Now()
	}

	b := &inputBuilder{}
	config, _ := b.plain(nil, root).(map[string]interface{})
	if config == nil {
		config = map[string]interface{}{}
	}

	return &Input{
		Config:  config,
		Leaves:  b.leaves,
		Objects: b.objects,
		Context: evalCtx,
	}
}

type inputBuilder struct {
	leaves  []Leaf
	objects []Object
}

func (b *inputBuilder) plain(path []string, n tree.Node) interface{} {
	switch v := n.(type) {
	case *tree.Scalar:
		return b.leaf(path, v)

	case *tree.Sequence:
		out := make([]interface{}, 0, v.Len())
		for i, item := range v.Items() {
			out = append(out, b.plain(join(path, fmt.Sprint(i)), item))
		}
		return out

	case *tree.Mapping:
		if v == nil {
			return nil
		}
		out := make(map[string]interface{}, v.Len())
		for _, key := range v.Keys() {
			child, _ := v.Get(key)
			out[key] = b.plain(join(path, key), child)
		}
		return out

	case *tree.SingleObject:
		b.objects = append(b.objects, Object{Path: strings.Join(path, "."), Type: v.TypeName()})
		return map[string]interface{}{v.TypeName(): b.plain(path, v.Params())}

	case *tree.ObjectsList:
		out := make([]interface{}, 0, v.Len())
		for i, o := range v.Objects() {
			out = append(out, b.plain(join(path, fmt.Sprint(i)), o))
		}
		return out

	default:
		return nil
	}
}

func (b *inputBuilder) leaf(path []string, s *tree.Scalar) interface{} {
	l := Leaf{Path: strings.Join(path, ".")}
	if len(path) > 0 {
		l.Key = path[len(path)-1]
	}
	if variable, ok := s.Variable(); ok {
		l.Tag = variable.Tag()
		l.Source = fmt.Sprint(variable.Source())
	}

	value, err := s.Value()
	if err != nil {
		l.Error = err.Error()
		value = nil
	}
	l.Value = value
	b.leaves = append(b.leaves, l)
	return value
}

func join(path []string, name string) []string {
	p := make([]string, len(path), len(path)+1)
	copy(p, path)
	return append(p, name)
}
