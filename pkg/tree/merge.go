package tree

// Merge combines configs left to right, each one overwriting the result of
// merging all the previous ones. No argument is modified.
//
// Zero configs yield nil and a single config is returned as is, without a copy.
func Merge(configs ...*Mapping) *Mapping {
	switch len(configs) {
	case 0:
		return nil
	case 1:
		return configs[0]
	}

	result := MergePair(configs[0], configs[1], false)
	for _, c := range configs[2:] {
		MergePair(result, c, true)
	}
	return result
}

// MergeInto merges src into dst in place and returns dst.
func MergeInto(dst, src *Mapping) *Mapping {
	return MergePair(dst, src, true)
}

// MergePair deep-merges overwrite onto def. Only mapping-vs-mapping entries
// recurse; any other overwrite value replaces the existing entry wholesale.
// Unless inplace is set, def is copied first and left untouched.
//
// Keys of def keep their order; new keys of overwrite follow in overwrite's
// order. Values taken from overwrite are copied, so overwrite is never
// modified either.
//
// A nil def or overwrite counts as an empty mapping. With a nil def the
// result is always a new mapping, even when inplace is set.
func MergePair(def, overwrite *Mapping, inplace bool) *Mapping {
	result := def
	switch {
	case def == nil:
		result = NewMapping()
	case !inplace:
		result = def.Copy()
	}
	if overwrite == nil || overwrite.Len() == 0 {
		return result
	}
	result.overlaid = true

	for _, key := range overwrite.keys {
		value := overwrite.children[key]
		if existing, ok := result.children[key].(*Mapping); ok {
			if incoming, ok := value.(*Mapping); ok {
				MergePair(existing, incoming, true)
				continue
			}
		}
		result.Set(key, value.clone(result))
	}
	return result
}
