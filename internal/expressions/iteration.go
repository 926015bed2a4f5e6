package expressions

import (
	"fmt"
	"strings"
)

// IterationFallback is the fallback carried by every expanded expression so a
// missing element renders as the text null instead of disappearing.
const IterationFallback = "null"

// ArrayIterationSpec describes bulk expansion of one indexed path into one
// expression per array element.
type ArrayIterationSpec struct {
	// BasePath resolves to the array.
	BasePath Path
	// Suffix is applied to each element after the index.
	Suffix []Segment
	// Property is Suffix in dotted text form; "" when the element itself is referenced.
	Property string
	// Count is the number of expressions to generate, always within [1, Length].
	Count int
	// Length is the array length observed at detection time.
	Length int
}

// DetectArrayIteration inspects a single selected path. It fires when the
// path has a numeric index whose prefix resolves to a non-empty array; the
// last such index wins. Count starts at the array length.
func DetectArrayIteration(paths []Path, src Source) (*ArrayIterationSpec, bool) {
	if len(paths) != 1 {
		return nil, false
	}
	path := paths[0]

	for i := len(path) - 1; i > 0; i-- {
		if path[i].Kind != SegmentIndex {
			continue
		}
		prefix := path[:i]
		set := Resolve(src, prefix)
		if set.Kind != ResolvedSingle {
			continue
		}
		list, ok := asList(set.Values[0])
		if !ok || len(list) == 0 {
			continue
		}

		suffix := make([]Segment, len(path)-i-1)
		copy(suffix, path[i+1:])
		return &ArrayIterationSpec{
			BasePath: prefix.Clone(),
			Suffix:   suffix,
			Property: formatSuffix(suffix),
			Count:    len(list),
			Length:   len(list),
		}, true
	}
	return nil, false
}

func formatSuffix(segs []Segment) string {
	if len(segs) == 0 {
		return ""
	}
	var b strings.Builder
	writeSegments(&b, segs, false)
	return b.String()
}

// SetCount changes how many elements are expanded, clamped to [1, Length].
func (s *ArrayIterationSpec) SetCount(n int) {
	s.Count = clampCount(n, s.Length)
}

func clampCount(n, length int) int {
	if length < 1 {
		panic(fmt.Sprintf("array iteration over an array of length %d", length))
	}
	return max(1, min(n, length))
}

// ExpandArrayIteration generates one expression per index 0..Count-1. Each is
// BasePath[i] followed by the suffix and carries the "null" fallback.
func ExpandArrayIteration(spec *ArrayIterationSpec) []Expression {
	count := clampCount(spec.Count, spec.Length)

	exprs := make([]Expression, count)
	for i := range count {
		path := make(Path, 0, len(spec.BasePath)+1+len(spec.Suffix))
		path = append(path, spec.BasePath...)
		path = append(path, Index(i))
		path = append(path, spec.Suffix...)

		fallback := IterationFallback
		exprs[i] = Expression{Path: path, Fallback: &fallback}
	}
	return exprs
}

// JoinExpressions renders expressions as template text separated by sep.
func JoinExpressions(exprs []Expression, sep string) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.String()
	}
	return strings.Join(parts, sep)
}
