package expressions

import (
	"context"
	"log/slog"
	"strings"

	"github.com/schuttebj/ryvr-frontend-sub001/internal/logging"
	"github.com/schuttebj/ryvr-frontend-sub001/internal/metrics"
)

// Options tunes rendering.
type Options struct {
	// ListSeparator joins List and Range output, and wildcard paths rendered
	// without an explicit format.
	ListSeparator string
	// IterationSeparator joins the rendered results of an array iteration.
	IterationSeparator string
	// MaxIterations caps RenderIteration; 0 means no cap.
	MaxIterations int
}

// DefaultOptions returns the stock separators and no iteration cap.
func DefaultOptions() Options {
	return Options{
		ListSeparator:      ",",
		IterationSeparator: " + ",
	}
}

// Renderer substitutes {{...}} tokens in free text. It holds no per-render
// state and is safe for concurrent use.
type Renderer struct {
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics
	engines  *EngineSet
	pipeline *Pipeline
}

// RendererOption configures a Renderer.
type RendererOption func(*Renderer)

// WithLogger sets the logger used for debug diagnostics.
func WithLogger(l *slog.Logger) RendererOption {
	return func(r *Renderer) { r.logger = l }
}

// WithMetrics records token outcomes and transform fallbacks.
func WithMetrics(m *metrics.Metrics) RendererOption {
	return func(r *Renderer) { r.metrics = m }
}

// WithEngines replaces the formula engines used by expression, filter and map stages.
func WithEngines(e *EngineSet) RendererOption {
	return func(r *Renderer) { r.engines = e }
}

// WithOptions replaces the rendering options. Empty separators keep their defaults.
func WithOptions(o Options) RendererOption {
	return func(r *Renderer) {
		def := DefaultOptions()
		if o.ListSeparator == "" {
			o.ListSeparator = def.ListSeparator
		}
		if o.IterationSeparator == "" {
			o.IterationSeparator = def.IterationSeparator
		}
		r.opts = o
	}
}

// NewRenderer creates a Renderer.
func NewRenderer(opts ...RendererOption) *Renderer {
	r := &Renderer{opts: DefaultOptions()}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.engines == nil {
		r.engines = DefaultEngineSet()
	}
	r.pipeline = NewPipeline(r.engines, r.logger, r.metrics)
	return r
}

// Options returns the effective options.
func (r *Renderer) Options() Options {
	return r.opts
}

// Render replaces every token in text. Tokens that fail to parse, and
// unresolved tokens without a fallback, are kept verbatim. Text without
// tokens is returned unchanged.
func (r *Renderer) Render(ctx context.Context, text string, src Source) string {
	if !HasTokens(text) {
		return text
	}
	tokens := Scan(text)
	if len(tokens) == 0 {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, tok := range tokens {
		b.WriteString(text[last:tok.Start])
		b.WriteString(r.renderToken(ctx, tok, src))
		last = tok.End
	}
	b.WriteString(text[last:])
	return b.String()
}

func (r *Renderer) renderToken(ctx context.Context, tok Token, src Source) string {
	log := logging.LogWith(ctx, r.logger)

	if tok.Err != nil {
		r.metrics.Token(metrics.OutcomeParseError)
		log.DebugContext(ctx, "template token failed to parse",
			slog.String("token", tok.Raw), slog.Any("error", tok.Err))
		return tok.Raw
	}

	out, ok := r.evaluate(ctx, tok.Expr, src)
	if ok {
		return out
	}
	r.metrics.Token(metrics.OutcomeVerbatim)
	attrs := []any{slog.String("token", tok.Raw), slog.String("step", tok.Expr.Path.StepID())}
	if lister, ok := src.(interface{ Steps() []string }); ok {
		attrs = append(attrs, slog.Any("available_steps", lister.Steps()))
	}
	log.DebugContext(ctx, "template token unresolved", attrs...)
	return tok.Raw
}

// Evaluate resolves a single parsed expression to text. ok is false when the
// expression is unresolved and has no fallback, i.e. the token would be kept
// verbatim.
func (r *Renderer) Evaluate(ctx context.Context, expr *Expression, src Source) (string, bool) {
	return r.evaluate(ctx, expr, src)
}

func (r *Renderer) evaluate(ctx context.Context, expr *Expression, src Source) (string, bool) {
	set := Resolve(src, expr.Path)

	if set.IsEmpty() {
		if expr.Fallback != nil {
			r.metrics.Token(metrics.OutcomeFallback)
			return *expr.Fallback, true
		}
		if len(expr.Pipeline) == 0 {
			return "", false
		}
		salvaged := r.pipeline.Apply(ctx, set, expr.Pipeline)
		if salvaged == nil {
			return "", false
		}
		r.metrics.Token(metrics.OutcomeSubstituted)
		return r.stringify(salvaged, expr.Format, false), true
	}

	v := r.pipeline.Apply(ctx, set, expr.Pipeline)
	r.metrics.Token(metrics.OutcomeSubstituted)
	return r.stringify(v, expr.Format, set.Kind == ResolvedMany), true
}

// stringify renders a final value. A wildcard result rendered without an
// explicit format is treated as a list.
func (r *Renderer) stringify(v any, f Format, fanOut bool) string {
	sep := f.Separator
	if sep == "" {
		sep = r.opts.ListSeparator
	}

	switch f.Kind {
	case FormatJSON:
		return compactJSON(normalize(v))
	case FormatList:
		if list, ok := asList(v); ok {
			return joinDisplay(list, sep)
		}
		return displayString(v)
	case FormatRange:
		list, ok := asList(v)
		if !ok {
			return displayString(v)
		}
		start := min(f.Start, len(list))
		end := max(start, min(f.End, len(list)))
		return joinDisplay(list[start:end], sep)
	}

	if fanOut {
		if list, ok := asList(v); ok {
			return joinDisplay(list, sep)
		}
	}
	return displayString(v)
}

// RenderIteration expands spec and joins the rendered results with the
// iteration separator. MaxIterations, when set, further limits the count.
func (r *Renderer) RenderIteration(ctx context.Context, spec *ArrayIterationSpec, src Source) string {
	s := *spec
	if r.opts.MaxIterations > 0 && s.Count > r.opts.MaxIterations {
		s.SetCount(r.opts.MaxIterations)
	}

	exprs := ExpandArrayIteration(&s)
	parts := make([]string, len(exprs))
	for i := range exprs {
		parts[i], _ = r.evaluate(ctx, &exprs[i], src)
	}
	return strings.Join(parts, r.opts.IterationSeparator)
}
