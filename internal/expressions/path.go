package expressions

import (
	"strconv"
	"strings"

	"github.com/schuttebj/ryvr-frontend-sub001/pkg/schema"
)

// SegmentKind discriminates path segments.
type SegmentKind int

const (
	SegmentKey SegmentKind = iota
	SegmentIndex
	SegmentWildcard
)

// Segment is one step of a Path: an object key, an array index or the [*] wildcard.
type Segment struct {
	Kind  SegmentKind
	Key   string
	Index int
}

// Key returns an object key segment.
func Key(k string) Segment { return Segment{Kind: SegmentKey, Key: k} }

// Index returns an array index segment.
func Index(i int) Segment { return Segment{Kind: SegmentIndex, Index: i} }

// Wildcard returns the fan-out segment.
func Wildcard() Segment { return Segment{Kind: SegmentWildcard} }

// Path is a sequence of segments rooted at a step ID (the first Key segment).
type Path []Segment

// StepID returns the step the path is rooted at, or "" for an invalid path.
func (p Path) StepID() string {
	if len(p) == 0 || p[0].Kind != SegmentKey {
		return ""
	}
	return p[0].Key
}

// HasWildcard reports whether any segment fans out.
func (p Path) HasWildcard() bool {
	for _, seg := range p {
		if seg.Kind == SegmentWildcard {
			return true
		}
	}
	return false
}

// Clone returns an independent copy of the path.
func (p Path) Clone() Path {
	cp := make(Path, len(p))
	copy(cp, p)
	return cp
}

// String renders the path in canonical template syntax, e.g. node1.items[0].url.
func (p Path) String() string {
	if len(p) == 0 {
		return ""
	}
	var b strings.Builder
	if p[0].Kind == SegmentKey {
		b.WriteString(p[0].Key)
		writeSegments(&b, p[1:], true)
	} else {
		writeSegments(&b, p, true)
	}
	return b.String()
}

// writeSegments renders segments; dotted controls whether the first key gets a leading dot.
func writeSegments(b *strings.Builder, segs []Segment, dotted bool) {
	for i, seg := range segs {
		switch seg.Kind {
		case SegmentIndex:
			b.WriteByte('[')
			b.WriteString(strconv.Itoa(seg.Index))
			b.WriteByte(']')
		case SegmentWildcard:
			b.WriteString("[*]")
		default:
			if needsQuoting(seg.Key) {
				b.WriteString("[")
				b.WriteString(strconv.Quote(seg.Key))
				b.WriteString("]")
				continue
			}
			if dotted || i > 0 {
				b.WriteByte('.')
			}
			b.WriteString(seg.Key)
		}
	}
}

func needsQuoting(key string) bool {
	return key == "" || key == "*" || strings.ContainsAny(key, ".[]{}|?\"'()") ||
		strings.TrimSpace(key) != key
}

// ParsePath parses dotted/bracketed path text such as
// `step.items[0].url`, `step.items[*].url`, `step.items.*` or `step["a.b"]`.
func ParsePath(text string) (Path, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return nil, pathError(text, 0, "empty path")
	}

	var path Path
	i := 0
	expectKey := true // at start or right after a '.'

	for i < len(s) {
		switch c := s[i]; {
		case c == '.':
			if expectKey {
				return nil, pathError(text, i, "empty key")
			}
			expectKey = true
			i++

		case c == '[':
			if len(path) == 0 {
				return nil, pathError(text, i, "path must start with a step id")
			}
			if expectKey && i > 0 {
				return nil, pathError(text, i, "empty key before '['")
			}
			seg, next, err := parseBracket(text, s, i)
			if err != nil {
				return nil, err
			}
			path = append(path, seg)
			i = next
			expectKey = false
			if i < len(s) && s[i] != '.' && s[i] != '[' {
				return nil, pathError(text, i, "unexpected character after ']'")
			}

		case c == ']':
			return nil, pathError(text, i, "unmatched ']'")

		default:
			if !expectKey {
				return nil, pathError(text, i, "unexpected character")
			}
			start := i
			for i < len(s) && s[i] != '.' && s[i] != '[' && s[i] != ']' {
				i++
			}
			key := strings.TrimSpace(s[start:i])
			if key == "" {
				return nil, pathError(text, start, "empty key")
			}
			if strings.ContainsAny(key, "{}\"'") {
				return nil, pathError(text, start, "invalid character in key")
			}
			if key == "*" {
				if len(path) == 0 {
					return nil, pathError(text, start, "path must start with a step id")
				}
				path = append(path, Wildcard())
			} else {
				path = append(path, Key(key))
			}
			expectKey = false
		}
	}

	if expectKey {
		return nil, pathError(text, len(s), "path ends with '.'")
	}
	return path, nil
}

// parseBracket parses `[n]`, `[*]` or `["key"]` starting at s[open] == '['.
func parseBracket(text, s string, open int) (Segment, int, error) {
	closeIdx := -1
	var quote byte
	for j := open + 1; j < len(s); j++ {
		c := s[j]
		if quote != 0 {
			if c == '\\' {
				j++
				continue
			}
			if c == quote {
				quote = 0
			}
			continue
		}
		if c == '"' || c == '\'' {
			quote = c
			continue
		}
		if c == '[' {
			return Segment{}, 0, pathError(text, j, "nested '['")
		}
		if c == ']' {
			closeIdx = j
			break
		}
	}
	if closeIdx == -1 {
		return Segment{}, 0, pathError(text, open, "unclosed '['")
	}

	inner := strings.TrimSpace(s[open+1 : closeIdx])
	switch {
	case inner == "":
		return Segment{}, 0, pathError(text, open, "empty brackets")
	case inner == "*":
		return Wildcard(), closeIdx + 1, nil
	case isQuoted(inner):
		key, err := unquote(inner)
		if err != nil {
			return Segment{}, 0, pathError(text, open, "invalid quoted key")
		}
		return Key(key), closeIdx + 1, nil
	}

	n, err := strconv.Atoi(inner)
	if err != nil || n < 0 || strings.HasPrefix(inner, "+") {
		return Segment{}, 0, pathError(text, open, "index must be a non-negative integer or *")
	}
	return Index(n), closeIdx + 1, nil
}

func pathError(text string, pos int, msg string) error {
	return schema.NewErrorf(schema.ErrCodeParse, "invalid path %q: %s at position %d", text, msg, pos).
		WithDetails(map[string]any{"path": text, "position": pos})
}

// isQuoted reports whether s is exactly one quoted literal, e.g. "a" but not "a" + "b".
func isQuoted(s string) bool {
	if len(s) < 2 || (s[0] != '"' && s[0] != '\'') {
		return false
	}
	q := s[0]
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case q:
			return i == len(s)-1
		}
	}
	return false
}

// unquote strips matching double or single quotes, honouring backslash escapes.
func unquote(s string) (string, error) {
	if s[0] == '"' {
		return strconv.Unquote(s)
	}
	body := s[1 : len(s)-1]
	body = strings.ReplaceAll(body, `\'`, `'`)
	body = strings.ReplaceAll(body, `\\`, `\`)
	return body, nil
}
