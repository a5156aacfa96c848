package tree

import "fmt"

// Classify decides which node type wraps raw. It is pure and total over the
// recognised shapes; the rules are tested in priority order because a
// single object mapping is also a one-key mapping.
func Classify(name string, raw any) (Kind, error) {
	switch v := raw.(type) {
	case Node:
		return KindNone, nil
	case Tagged:
		return v.BuilderKind(), nil
	case *RawMap:
		if isSingleObject(v) {
			return KindSingleObject, nil
		}
		return KindMapping, nil
	case []any:
		if isObjectsList(v) {
			return KindObjectsList, nil
		}
		return KindSequence, nil
	}
	if isPrimitive(raw) {
		return KindScalar, nil
	}
	return KindUnknown, fmt.Errorf("%w: %s has unsupported type %T", ErrUnparseable, name, raw)
}

func isSingleObject(raw any) bool {
	m, ok := raw.(*RawMap)
	if !ok || m.Len() != 1 {
		return false
	}
	_, ok = m.Entries[0].Key.(ObjectKey)
	return ok
}

func isObjectsList(items []any) bool {
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		if !isSingleObject(item) {
			return false
		}
	}
	return true
}

func isPrimitive(v any) bool {
	switch v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	default:
		return false
	}
}
