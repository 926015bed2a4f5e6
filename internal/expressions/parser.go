package expressions

import (
	"iter"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/schuttebj/ryvr-frontend-sub001/pkg/schema"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// FormatKind selects how a final value is rendered into text.
type FormatKind int

const (
	FormatSingle FormatKind = iota
	FormatList
	FormatJSON
	FormatRange
)

// Format is the rendering format of an expression. Separator is only used
// by List and Range; an empty Separator means the renderer's default.
type Format struct {
	Kind      FormatKind
	Separator string
	Start     int
	End       int
}

// String renders the format as its trailing pipeline keyword ("" for Single).
func (f Format) String() string {
	switch f.Kind {
	case FormatList:
		if f.Separator != "" {
			return "list(separator:" + quoteParam(f.Separator) + ")"
		}
		return "list"
	case FormatJSON:
		return "json"
	case FormatRange:
		return "range:" + strconv.Itoa(f.Start) + "-" + strconv.Itoa(f.End)
	default:
		return ""
	}
}

// Expression is a parsed {{...}} token.
type Expression struct {
	Path     Path
	Fallback *string
	Format   Format
	Pipeline []TransformStep
}

// String renders the expression back to canonical token text.
func (e Expression) String() string {
	var b strings.Builder
	b.WriteString(openDelim)
	b.WriteString(e.Path.String())
	if e.Fallback != nil {
		b.WriteString(" ?? ")
		b.WriteString(strconv.Quote(*e.Fallback))
	}
	for _, step := range e.Pipeline {
		b.WriteByte('|')
		b.WriteString(step.String())
	}
	if f := e.Format.String(); f != "" {
		b.WriteByte('|')
		b.WriteString(f)
	}
	b.WriteString(closeDelim)
	return b.String()
}

// Token is one {{...}} occurrence in a text. Start and End are byte offsets
// of the opening delimiter and just past the closing one. Exactly one of
// Expr and Err is set.
type Token struct {
	Start int
	End   int
	Raw   string
	Expr  *Expression
	Err   error
}

// Tokens lazily yields the tokens of text in position order. Tokens never
// overlap; a malformed token carries Err and scanning continues after it.
func Tokens(text string) iter.Seq[Token] {
	return func(yield func(Token) bool) {
		pos := 0
		for pos < len(text) {
			rel := strings.Index(text[pos:], openDelim)
			if rel == -1 {
				return
			}
			start := pos + rel

			end, ok := findClose(text, start+len(openDelim))
			if !ok {
				yield(Token{
					Start: start,
					End:   len(text),
					Raw:   text[start:],
					Err: schema.NewError(schema.ErrCodeParse, "unclosed {{ expression").
						WithDetails(map[string]any{"position": start, "token": text[start:]}),
				})
				return
			}

			tok := Token{Start: start, End: end, Raw: text[start:end]}
			expr, err := ParseExpression(text[start+len(openDelim) : end-len(closeDelim)])
			if err != nil {
				tok.Err = withPosition(err, start, tok.Raw)
			} else {
				tok.Expr = expr
			}
			if !yield(tok) {
				return
			}
			pos = end
		}
	}
}

// Scan collects all tokens of text.
func Scan(text string) []Token {
	return slices.Collect(Tokens(text))
}

// HasTokens reports whether text contains an opening delimiter.
func HasTokens(text string) bool {
	return strings.Contains(text, openDelim)
}

// ReferencedSteps returns the step IDs referenced by well-formed tokens in
// text, in order of first appearance.
func ReferencedSteps(text string) []string {
	var ids []string
	seen := make(map[string]bool)
	for tok := range Tokens(text) {
		if tok.Expr == nil {
			continue
		}
		id := tok.Expr.Path.StepID()
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// findClose returns the offset just past the "}}" closing a token whose body
// starts at from. Quoted literals may contain "}}"; if quotes never balance
// the first "}}" wins.
func findClose(text string, from int) (int, bool) {
	var quote byte
	for i := from; i < len(text); i++ {
		c := text[i]
		if quote != 0 {
			if c == '\\' {
				i++
				continue
			}
			if c == quote {
				quote = 0
			}
			continue
		}
		switch {
		case c == '"' || c == '\'':
			quote = c
		case strings.HasPrefix(text[i:], closeDelim):
			return i + len(closeDelim), true
		}
	}

	if idx := strings.Index(text[from:], closeDelim); idx != -1 {
		return from + idx + len(closeDelim), true
	}
	return 0, false
}

func withPosition(err error, pos int, raw string) error {
	if re, ok := err.(*schema.RyvrError); ok {
		details := map[string]any{"position": pos, "token": raw}
		for k, v := range re.Details {
			if k != "position" {
				details[k] = v
			}
		}
		return re.WithDetails(details)
	}
	return schema.NewError(schema.ErrCodeParse, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"position": pos, "token": raw})
}

var rangeFormat = regexp.MustCompile(`^range\s*:\s*(\d+)\s*-\s*(\d+)$`)

// ParseExpression parses the body of a token (the text between the delimiters).
//
// Grammar: path [?? literal] (| stage)*, where a stage is name or
// name(key:value,...). The format keywords list, json and range:a-b are only
// accepted as the last stage.
func ParseExpression(body string) (*Expression, error) {
	s := strings.TrimSpace(body)
	if s == "" {
		return nil, parseError(body, "empty expression")
	}
	if strings.Contains(s, openDelim) {
		return nil, parseError(body, "nested {{ is not allowed")
	}

	parts, err := splitTopLevel(s, '|')
	if err != nil {
		return nil, parseError(body, err.Error())
	}

	pathText, fallback, err := splitFallback(parts[0])
	if err != nil {
		return nil, parseError(body, err.Error())
	}
	path, err := ParsePath(pathText)
	if err != nil {
		return nil, err
	}

	expr := &Expression{Path: path, Fallback: fallback}
	stages := parts[1:]
	for i, raw := range stages {
		stage := strings.TrimSpace(raw)
		if stage == "" {
			return nil, parseError(body, "empty pipeline stage")
		}

		format, isFormat, err := parseFormat(stage)
		if err != nil {
			return nil, parseError(body, err.Error())
		}
		if isFormat {
			if i != len(stages)-1 {
				return nil, parseError(body, "format "+strconv.Quote(stage)+" must be the last stage")
			}
			expr.Format = format
			continue
		}

		step, err := parseStage(stage)
		if err != nil {
			return nil, parseError(body, err.Error())
		}
		expr.Pipeline = append(expr.Pipeline, step)
	}
	return expr, nil
}

func parseError(body, msg string) error {
	return schema.NewErrorf(schema.ErrCodeParse, "invalid expression %q: %s", strings.TrimSpace(body), msg)
}

type syntaxError string

func (e syntaxError) Error() string { return string(e) }

// splitTopLevel splits s on sep outside quotes, parentheses and brackets.
func splitTopLevel(s string, sep byte) ([]string, error) {
	var parts []string
	var quote byte
	depth := 0
	last := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
				continue
			}
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '(', '[':
			depth++
		case ')', ']':
			depth--
			if depth < 0 {
				return nil, syntaxError("unmatched " + string(c))
			}
		case sep:
			if depth == 0 {
				parts = append(parts, s[last:i])
				last = i + 1
			}
		}
	}
	if quote != 0 {
		return nil, syntaxError("unterminated quoted literal")
	}
	if depth != 0 {
		return nil, syntaxError("unbalanced brackets or parentheses")
	}
	return append(parts, s[last:]), nil
}

// splitFallback separates `path ?? literal`.
func splitFallback(core string) (string, *string, error) {
	idx := indexOutsideQuotes(core, "??")
	if idx == -1 {
		return strings.TrimSpace(core), nil, nil
	}

	pathText := strings.TrimSpace(core[:idx])
	lit := strings.TrimSpace(core[idx+2:])
	if lit == "" {
		return "", nil, syntaxError("missing fallback after ??")
	}
	if isQuoted(lit) {
		v, err := unquote(lit)
		if err != nil {
			return "", nil, syntaxError("invalid fallback literal")
		}
		return pathText, &v, nil
	}
	if strings.ContainsAny(lit[:1], `"'`) {
		return "", nil, syntaxError("unterminated fallback literal")
	}
	return pathText, &lit, nil
}

func indexOutsideQuotes(s, needle string) int {
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
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
		if strings.HasPrefix(s[i:], needle) {
			return i
		}
	}
	return -1
}

// parseFormat recognises the format keywords. A stage that merely starts
// like "range" but is malformed is an error rather than an unknown transform.
func parseFormat(stage string) (Format, bool, error) {
	switch {
	case stage == "json":
		return Format{Kind: FormatJSON}, true, nil
	case stage == "list":
		return Format{Kind: FormatList}, true, nil
	case strings.HasPrefix(stage, "list("):
		name, params, err := splitStage(stage)
		if err != nil || name != "list" {
			return Format{}, false, syntaxError("malformed list format")
		}
		for k := range params {
			if k != "separator" {
				return Format{}, false, syntaxError("unknown list parameter " + strconv.Quote(k))
			}
		}
		return Format{Kind: FormatList, Separator: params["separator"]}, true, nil
	case strings.HasPrefix(stage, "range"):
		m := rangeFormat.FindStringSubmatch(stage)
		if m == nil {
			return Format{}, false, syntaxError("malformed range format, expected range:<start>-<end>")
		}
		start, err1 := strconv.Atoi(m[1])
		end, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil || end < start {
			return Format{}, false, syntaxError("invalid range bounds")
		}
		return Format{Kind: FormatRange, Start: start, End: end}, true, nil
	}
	return Format{}, false, nil
}

var stageName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// parseStage parses `name` or `name(key:value,...)` into a known transform.
func parseStage(stage string) (TransformStep, error) {
	name, params, err := splitStage(stage)
	if err != nil {
		return TransformStep{}, err
	}
	kind, ok := LookupTransform(name)
	if !ok {
		return TransformStep{}, syntaxError("unknown transform " + strconv.Quote(name))
	}
	return TransformStep{Name: name, Kind: kind, Params: params}, nil
}

func splitStage(stage string) (string, map[string]string, error) {
	open := strings.IndexByte(stage, '(')
	if open == -1 {
		if !stageName.MatchString(stage) {
			return "", nil, syntaxError("invalid stage name " + strconv.Quote(stage))
		}
		return stage, nil, nil
	}

	name := strings.TrimSpace(stage[:open])
	if !stageName.MatchString(name) {
		return "", nil, syntaxError("invalid stage name " + strconv.Quote(name))
	}
	if !strings.HasSuffix(stage, ")") {
		return "", nil, syntaxError("stage " + strconv.Quote(name) + " is missing ')'")
	}
	params, err := parseParams(stage[open+1 : len(stage)-1])
	if err != nil {
		return "", nil, err
	}
	return name, params, nil
}

var paramKey = regexp.MustCompile(`^\s*[A-Za-z_][A-Za-z0-9_]*\s*:`)

// parseParams parses `key:value, key2:value2`. A comma only separates
// parameters when what follows looks like `key:`, so values such as ", " in
// join(separator:, ) survive. Quoted values are unquoted; unquoted values lose
// leading whitespace unless they are whitespace only.
func parseParams(s string) (map[string]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var segments []string
	var quote byte
	depth := 0
	last := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
				continue
			}
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case ',':
			if depth == 0 && paramKey.MatchString(s[i+1:]) {
				segments = append(segments, s[last:i])
				last = i + 1
			}
		}
	}
	segments = append(segments, s[last:])

	params := make(map[string]string, len(segments))
	for _, seg := range segments {
		colon := strings.IndexByte(seg, ':')
		if colon == -1 || !paramKey.MatchString(seg) {
			return nil, syntaxError("parameter " + strconv.Quote(strings.TrimSpace(seg)) + " must be key:value")
		}
		key := strings.TrimSpace(seg[:colon])
		value := seg[colon+1:]

		trimmed := strings.TrimSpace(value)
		switch {
		case isQuoted(trimmed):
			v, err := unquote(trimmed)
			if err != nil {
				return nil, syntaxError("invalid quoted value for " + strconv.Quote(key))
			}
			value = v
		case trimmed != "":
			value = strings.TrimLeft(value, " \t")
		}
		if _, dup := params[key]; dup {
			return nil, syntaxError("duplicate parameter " + strconv.Quote(key))
		}
		params[key] = value
	}
	return params, nil
}

// quoteParam renders a parameter value so parseParams reads it back unchanged.
func quoteParam(v string) string {
	if v == "" || strings.ContainsAny(v, `,()[]|"'\`) || strings.TrimSpace(v) != v {
		return strconv.Quote(v)
	}
	return v
}
