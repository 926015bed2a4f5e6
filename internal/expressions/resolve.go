package expressions

import "reflect"

// Source gives read access to recorded step outputs. Implementations must be
// safe for concurrent readers; the engine never writes through them.
type Source interface {
	Lookup(stepID string) (any, bool)
}

// Data is a plain map Source, handy for previews and tests.
type Data map[string]any

// Lookup implements Source.
func (d Data) Lookup(stepID string) (any, bool) {
	v, ok := d[stepID]
	return v, ok
}

// ResolvedKind discriminates ResolvedSet.
type ResolvedKind int

const (
	ResolvedEmpty ResolvedKind = iota
	ResolvedSingle
	ResolvedMany
)

func (k ResolvedKind) String() string {
	switch k {
	case ResolvedSingle:
		return "single"
	case ResolvedMany:
		return "many"
	default:
		return "empty"
	}
}

// ResolvedSet is the outcome of resolving a Path: nothing, one value, or the
// ordered values produced by wildcard fan-out.
type ResolvedSet struct {
	Kind   ResolvedKind
	Values []any
}

// IsEmpty reports whether resolution found nothing.
func (r ResolvedSet) IsEmpty() bool {
	return r.Kind == ResolvedEmpty
}

// Value coerces the set into a single value: Empty -> nil, Single -> v, Many -> []any.
func (r ResolvedSet) Value() any {
	switch r.Kind {
	case ResolvedSingle:
		return r.Values[0]
	case ResolvedMany:
		out := make([]any, len(r.Values))
		copy(out, r.Values)
		return out
	default:
		return nil
	}
}

// ResolveText parses path text and resolves it. A parse failure is returned
// as an error; a missing value is an Empty set, not an error.
func ResolveText(src Source, text string) (ResolvedSet, error) {
	path, err := ParsePath(text)
	if err != nil {
		return ResolvedSet{}, err
	}
	return Resolve(src, path), nil
}

// Resolve evaluates path against src. The first segment names the step; the
// remaining segments walk into its output. Missing keys, out-of-range indices
// and type mismatches all yield Empty. Wildcards fan out per element, drop
// branches that find nothing and keep index order.
func Resolve(src Source, path Path) ResolvedSet {
	if src == nil || len(path) == 0 || path[0].Kind != SegmentKey {
		return ResolvedSet{}
	}
	root, ok := src.Lookup(path[0].Key)
	if !ok {
		return ResolvedSet{}
	}

	var out []any
	walk(root, path[1:], make(map[identity]bool), &out)

	switch {
	case len(out) == 0:
		return ResolvedSet{}
	case path.HasWildcard():
		return ResolvedSet{Kind: ResolvedMany, Values: out}
	default:
		return ResolvedSet{Kind: ResolvedSingle, Values: out}
	}
}

// resolveValue resolves path segments (without a step ID) against a single root value.
func resolveValue(root any, segs []Segment) ResolvedSet {
	var out []any
	walk(root, segs, make(map[identity]bool), &out)
	if len(out) == 0 {
		return ResolvedSet{}
	}
	if Path(segs).HasWildcard() {
		return ResolvedSet{Kind: ResolvedMany, Values: out}
	}
	return ResolvedSet{Kind: ResolvedSingle, Values: out}
}

// identity names a composite value by its backing storage.
type identity struct {
	kind reflect.Kind
	ptr  uintptr
	n    int
}

func identityOf(v any) (identity, bool) {
	if v == nil {
		return identity{}, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return identity{}, false
		}
		return identity{kind: reflect.Map, ptr: rv.Pointer()}, true
	case reflect.Slice:
		if rv.Len() == 0 {
			return identity{}, false
		}
		return identity{kind: reflect.Slice, ptr: rv.Pointer(), n: rv.Len()}, true
	default:
		return identity{}, false
	}
}

// walk applies segs to cur, appending every value reached to out. trail holds
// the composites visited on the current branch; meeting one again ends the branch.
func walk(cur any, segs []Segment, trail map[identity]bool, out *[]any) {
	if id, ok := identityOf(cur); ok {
		if trail[id] {
			return
		}
		trail[id] = true
		defer delete(trail, id)
	}

	if len(segs) == 0 {
		*out = append(*out, cur)
		return
	}

	seg := segs[0]
	switch seg.Kind {
	case SegmentKey:
		obj, ok := asObject(cur)
		if !ok {
			return
		}
		next, ok := obj[seg.Key]
		if !ok {
			return
		}
		walk(next, segs[1:], trail, out)

	case SegmentIndex:
		list, ok := asList(cur)
		if !ok || seg.Index < 0 || seg.Index >= len(list) {
			return
		}
		walk(list[seg.Index], segs[1:], trail, out)

	case SegmentWildcard:
		list, ok := asList(cur)
		if !ok {
			return
		}
		for _, item := range list {
			walk(item, segs[1:], trail, out)
		}
	}
}

// asObject views v as a string-keyed object.
func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

// asList views v as an array. Byte slices are not arrays.
func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case nil, []byte, string:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
