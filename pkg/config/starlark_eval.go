package config

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// StarlarkEvaluator evaluates the Starlark expressions of !expr values.
//
// Besides the variables passed to Eval, expressions can use struct() and
// the math and json modules.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates an evaluator that aborts expressions running
// longer than timeout. Zero selects DefaultExprTimeout.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = DefaultExprTimeout
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Eval evaluates a single expression with vars predeclared and returns the
// result as a plain Go value.
func (se *StarlarkEvaluator) Eval(ctx context.Context, expr string, vars map[string]any) (any, error) {
	env := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"math":   starmath.Module,
		"json":   json.Module,
	}
	for name, v := range vars {
		sv, err := toStarlark(v)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", name, err)
		}
		env[name] = sv
	}

	ctx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	// print is dropped.
	thread := &starlark.Thread{Name: "xpipe", Print: func(*starlark.Thread, string) {}}
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(fmt.Sprintf("expression cancelled (timeout %v): %v", se.timeout, context.Cause(ctx)))
	})
	defer stop()

	v, err := starlark.Eval(thread, "expr", expr, env)
	if err != nil {
		return nil, fmt.Errorf("starlark evaluation of %q failed: %w", expr, err)
	}
	return fromStarlark(v)
}

func toStarlark(v any) (starlark.Value, error) {
	switch v := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(v), nil
	case int:
		return starlark.MakeInt(v), nil
	case int64:
		return starlark.MakeInt64(v), nil
	case float64:
		return starlark.Float(v), nil
	case string:
		return starlark.String(v), nil
	case []any:
		elems := make([]starlark.Value, 0, len(v))
		for _, e := range v {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			elems = append(elems, sv)
		}
		return starlark.NewList(elems), nil
	case map[string]string:
		d := starlark.NewDict(len(v))
		for k, s := range v {
			if err := d.SetKey(starlark.String(k), starlark.String(s)); err != nil {
				return nil, err
			}
		}
		return d, nil
	case map[string]any:
		d := starlark.NewDict(len(v))
		for _, k := range sortedKeys(v) {
			sv, err := toStarlark(v[k])
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	}
	return nil, fmt.Errorf("unsupported type: %T", v)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// fromStarlark converts a result back to the values the YAML decoder
// produces: int where it fits, []any for any sequence and map[string]any for
// dicts and structs.
func fromStarlark(v starlark.Value) (any, error) {
	switch v := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(v), nil
	case starlark.Int:
		i, ok := v.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s out of range", v)
		}
		if i < math.MinInt || i > math.MaxInt {
			return i, nil
		}
		return int(i), nil
	case starlark.Float:
		return float64(v), nil
	case starlark.String:
		return string(v), nil
	case *starlark.Dict:
		m := make(map[string]any, v.Len())
		for _, kv := range v.Items() {
			k, ok := kv[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", kv[0])
			}
			e, err := fromStarlark(kv[1])
			if err != nil {
				return nil, err
			}
			m[string(k)] = e
		}
		return m, nil
	case *starlarkstruct.Struct:
		m := make(map[string]any)
		for _, name := range v.AttrNames() {
			attr, err := v.Attr(name)
			if err != nil {
				return nil, err
			}
			if m[name], err = fromStarlark(attr); err != nil {
				return nil, err
			}
		}
		return m, nil
	case starlark.Sequence:
		out := make([]any, 0, v.Len())
		it := v.Iterate()
		defer it.Done()
		var e starlark.Value
		for it.Next(&e) {
			g, err := fromStarlark(e)
			if err != nil {
				return nil, err
			}
			out = append(out, g)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
}
