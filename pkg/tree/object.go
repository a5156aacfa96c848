package tree

import (
	"fmt"
	"strconv"
	"strings"
)

// Factory constructs an instance of a named type from keyword arguments.
type Factory interface {
	New(module, className string, kwargs map[string]any) (any, error)
}

// SingleObject is a declarative "construct this object" node: a qualified
// type name plus a Parameters mapping.
type SingleObject struct {
	base
	typeName  string
	module    string
	className string
	params    *Mapping
}

// NewSingleObject returns a detached single object. The type name must
// contain a dot separating module and class name.
func NewSingleObject(typeName string, params *Mapping) (*SingleObject, error) {
	module, className, err := splitTypeName(typeName)
	if err != nil {
		return nil, err
	}
	o := &SingleObject{typeName: typeName, module: module, className: className}
	if params == nil {
		params = newParameters()
	}
	params.params = true
	params.bind("params", o)
	o.params = params
	return o, nil
}

func splitTypeName(typeName string) (string, string, error) {
	i := strings.LastIndex(typeName, ".")
	if i <= 0 || i == len(typeName)-1 {
		return "", "", fmt.Errorf("%w: %q must be of the form module.ClassName", ErrInvalidType, typeName)
	}
	return typeName[:i], typeName[i+1:], nil
}

func (o *SingleObject) Kind() Kind { return KindSingleObject }

// TypeName returns the qualified type name as written.
func (o *SingleObject) TypeName() string { return o.typeName }

// Module returns the namespace portion of the type name.
func (o *SingleObject) Module() string { return o.module }

// ClassName returns the final portion of the type name.
func (o *SingleObject) ClassName() string { return o.className }

// Params returns the constructor arguments.
func (o *SingleObject) Params() *Mapping { return o.params }

// Attr resolves "params" to the parameters mapping and any other name to a
// parameter.
func (o *SingleObject) Attr(name string) (Node, bool) {
	if name == "params" {
		return o.params, true
	}
	return o.params.Get(name)
}

// Build unwraps the parameters, overlays extra and invokes the factory.
// Keys in extra win over configured parameters.
func (o *SingleObject) Build(f Factory, extra map[string]any) (any, error) {
	kwargs, err := unwrap(o.params, f)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap parameters of %s: %w", o.typeName, err)
	}
	for k, v := range extra {
		kwargs[k] = v
	}
	return f.New(o.module, o.className, kwargs)
}

func (o *SingleObject) clone(parent Node) Node {
	c := &SingleObject{
		base:      base{name: o.name, parent: parent},
		typeName:  o.typeName,
		module:    o.module,
		className: o.className,
	}
	c.params = o.params.clone(c).(*Mapping)
	return c
}

// unwrap converts parameters into keyword arguments. Nested mappings are
// passed through as nodes, nested objects are built with the same factory
// and everything else is resolved to a plain value.
func unwrap(params *Mapping, f Factory) (map[string]any, error) {
	kwargs := make(map[string]any, params.Len())
	for _, key := range params.Keys() {
		child, _ := params.Get(key)
		switch c := child.(type) {
		case *Mapping:
			kwargs[key] = c
		case *SingleObject:
			v, err := c.Build(f, nil)
			if err != nil {
				return nil, err
			}
			kwargs[key] = v
		case *ObjectsList:
			v, err := c.Build(f)
			if err != nil {
				return nil, err
			}
			kwargs[key] = v
		default:
			v, err := ToMap(child)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			kwargs[key] = v
		}
	}
	return kwargs, nil
}

// ObjectsList is an ordered list of single objects.
type ObjectsList struct {
	base
	objects []*SingleObject
}

func (l *ObjectsList) Kind() Kind { return KindObjectsList }

// Len returns the number of objects.
func (l *ObjectsList) Len() int { return len(l.objects) }

// Objects returns the objects in order. The slice must not be modified.
func (l *ObjectsList) Objects() []*SingleObject { return l.objects }

// Attr resolves a numeric index.
func (l *ObjectsList) Attr(name string) (Node, bool) {
	i, err := strconv.Atoi(name)
	if err != nil || i < 0 || i >= len(l.objects) {
		return nil, false
	}
	return l.objects[i], true
}

// Build constructs every object in order.
func (l *ObjectsList) Build(f Factory) ([]any, error) {
	out := make([]any, 0, len(l.objects))
	for i, o := range l.objects {
		v, err := o.Build(f, nil)
		if err != nil {
			return nil, fmt.Errorf("object %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (l *ObjectsList) append(o *SingleObject) {
	o.bind(strconv.Itoa(len(l.objects)), l)
	l.objects = append(l.objects, o)
}

func (l *ObjectsList) clone(parent Node) Node {
	c := &ObjectsList{base: base{name: l.name, parent: parent}, objects: make([]*SingleObject, len(l.objects))}
	for i, o := range l.objects {
		c.objects[i] = o.clone(c).(*SingleObject)
	}
	return c
}
