package expressions

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/schuttebj/ryvr-frontend-sub001/internal/logging"
	"github.com/schuttebj/ryvr-frontend-sub001/internal/metrics"
)

// TransformKind groups pipeline stages.
type TransformKind int

const (
	KindExtract TransformKind = iota
	KindAggregate
	KindFormat
	KindCompute
)

func (k TransformKind) String() string {
	switch k {
	case KindExtract:
		return "extract"
	case KindAggregate:
		return "aggregate"
	case KindFormat:
		return "format"
	case KindCompute:
		return "compute"
	default:
		return "unknown"
	}
}

// TransformStep is one declared pipeline stage, e.g. slice(start:0,end:3).
type TransformStep struct {
	Name   string
	Kind   TransformKind
	Params map[string]string
}

// Param returns the named parameter or def when it is absent.
func (s TransformStep) Param(key, def string) string {
	if v, ok := s.Params[key]; ok {
		return v
	}
	return def
}

// String renders the stage in template syntax.
func (s TransformStep) String() string {
	if len(s.Params) == 0 {
		return s.Name
	}
	keys := make([]string, 0, len(s.Params))
	for k := range s.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(s.Name)
	b.WriteByte('(')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(quoteParam(s.Params[k]))
	}
	b.WriteByte(')')
	return b.String()
}

type transformFunc func(p *Pipeline, ctx context.Context, in any, step TransformStep) any

type transformDef struct {
	kind TransformKind
	fn   transformFunc
}

var transforms = map[string]transformDef{
	"property": {KindExtract, extractProperty},
	"slice":    {KindExtract, extractSlice},
	"filter":   {KindExtract, extractFilter},
	"map":      {KindExtract, extractMap},
	"jq":       {KindExtract, extractJQ},

	"sum":    {KindAggregate, aggregateNumeric},
	"avg":    {KindAggregate, aggregateNumeric},
	"min":    {KindAggregate, aggregateNumeric},
	"max":    {KindAggregate, aggregateNumeric},
	"count":  {KindAggregate, aggregateCount},
	"concat": {KindAggregate, aggregateConcat},
	"unique": {KindAggregate, aggregateUnique},

	"join":    {KindFormat, formatJoin},
	"split":   {KindFormat, formatSplit},
	"upper":   {KindFormat, formatString},
	"lower":   {KindFormat, formatString},
	"trim":    {KindFormat, formatString},
	"replace": {KindFormat, formatReplace},

	"add":        {KindCompute, computeArithmetic},
	"subtract":   {KindCompute, computeArithmetic},
	"multiply":   {KindCompute, computeArithmetic},
	"divide":     {KindCompute, computeArithmetic},
	"round":      {KindCompute, computeRound},
	"expression": {KindCompute, computeExpression},
}

// LookupTransform reports the kind of a named stage.
func LookupTransform(name string) (TransformKind, bool) {
	def, ok := transforms[name]
	return def.kind, ok
}

// Pipeline applies transform stages. Stages never fail: a stage that cannot act
// on its input passes it through, and failed coercions fall back to defaults.
type Pipeline struct {
	engines *EngineSet
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewPipeline creates a pipeline. Nil arguments fall back to the default
// engines, slog.Default() and no metrics.
func NewPipeline(engines *EngineSet, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	if engines == nil {
		engines = DefaultEngineSet()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{engines: engines, logger: logger, metrics: m}
}

// Apply coerces the resolved set into one value and runs every stage in
// declaration order.
func (p *Pipeline) Apply(ctx context.Context, set ResolvedSet, steps []TransformStep) any {
	v := set.Value()
	for _, step := range steps {
		def, ok := transforms[step.Name]
		if !ok {
			v = p.noop(ctx, step, v, "unknown stage")
			continue
		}
		v = def.fn(p, ctx, v, step)
	}
	return v
}

// noop records a passthrough and returns in unchanged.
func (p *Pipeline) noop(ctx context.Context, step TransformStep, in any, reason string) any {
	p.metrics.TransformNoop(step.Name)
	logging.LogWith(ctx, p.logger).DebugContext(ctx, "transform passthrough",
		slog.String("stage", step.Name), slog.String("reason", reason))
	return in
}

// number coerces v for a stage, substituting def when no number is found.
func (p *Pipeline) number(ctx context.Context, stage string, v any, def float64) float64 {
	if f, ok := toNumber(v); ok {
		return f
	}
	p.metrics.CoercionFallback(stage)
	logging.LogWith(ctx, p.logger).DebugContext(ctx, "numeric coercion fallback",
		slog.String("stage", stage), slog.String("input", displayString(v)), slog.Float64("default", def))
	return def
}

// evaluate runs a formula on the engine named by the stage's lang parameter.
func (p *Pipeline) evaluate(ctx context.Context, step TransformStep, formula string, data map[string]any) (any, bool) {
	engine, ok := p.engines.Get(strings.TrimSpace(step.Param("lang", "")))
	if !ok {
		return nil, false
	}
	out, err := engine.Evaluate(ctx, formula, data)
	if err != nil {
		logging.LogWith(ctx, p.logger).DebugContext(ctx, "formula failed",
			slog.String("stage", step.Name), slog.String("engine", engine.Name()), slog.Any("error", err))
		return nil, false
	}
	return normalize(out), true
}

// --- extract ---

func extractProperty(p *Pipeline, ctx context.Context, in any, step TransformStep) any {
	name := strings.TrimSpace(step.Param("name", step.Param("key", "")))
	if name == "" {
		return p.noop(ctx, step, in, "missing name")
	}

	if _, ok := asObject(in); ok {
		v, _ := fieldValue(in, name)
		return v
	}
	list, ok := asList(in)
	if !ok {
		return p.noop(ctx, step, in, "input is not an object or array")
	}
	out := make([]any, 0, len(list))
	for _, item := range list {
		if v, ok := fieldValue(item, name); ok {
			out = append(out, v)
		}
	}
	return out
}

// fieldValue reads a dotted/bracketed sub-path from v.
func fieldValue(v any, field string) (any, bool) {
	path, err := ParsePath("$." + field)
	if err != nil {
		if strings.HasPrefix(field, "[") {
			path, err = ParsePath("$" + field)
		}
		if err != nil {
			return nil, false
		}
	}
	set := resolveValue(v, path[1:])
	if set.IsEmpty() {
		return nil, false
	}
	return set.Value(), true
}

func extractSlice(p *Pipeline, ctx context.Context, in any, step TransformStep) any {
	list, ok := asList(in)
	if !ok {
		return p.noop(ctx, step, in, "input is not an array")
	}
	n := len(list)

	start, ok := toInt(step.Param("start", "0"))
	if !ok {
		start = 0
	}
	end, ok := toInt(step.Param("end", ""))
	if !ok {
		end = n
	}

	start = clampIndex(start, n)
	end = clampIndex(end, n)
	if end < start {
		end = start
	}
	out := make([]any, end-start)
	copy(out, list[start:end])
	return out
}

// clampIndex maps i into [0,n]; negative values count back from n.
func clampIndex(i, n int) int {
	if i < 0 {
		i += n
	}
	return max(0, min(i, n))
}

func extractFilter(p *Pipeline, ctx context.Context, in any, step TransformStep) any {
	list, ok := asList(in)
	if !ok {
		return p.noop(ctx, step, in, "input is not an array")
	}

	if formula := strings.TrimSpace(step.Param("expr", "")); formula != "" {
		out := make([]any, 0, len(list))
		for i, item := range list {
			res, ok := p.evaluate(ctx, step, formula, map[string]any{"item": item, "index": i})
			if ok && truthy(res) {
				out = append(out, item)
			}
		}
		return out
	}

	field := strings.TrimSpace(step.Param("field", ""))
	want, hasWant := step.Params["value"]
	op := strings.ToLower(strings.TrimSpace(step.Param("op", "")))
	if op == "" {
		op = "exists"
		if hasWant {
			op = "eq"
		}
	}

	out := make([]any, 0, len(list))
	for _, item := range list {
		got, present := item, true
		if field != "" {
			got, present = fieldValue(item, field)
		}
		if matches(op, got, present, want) {
			out = append(out, item)
		}
	}
	return out
}

// matches applies a filter comparison. Comparisons are numeric when both
// sides are numbers, textual otherwise.
func matches(op string, got any, present bool, want string) bool {
	if op == "exists" {
		return present && got != nil
	}
	if !present {
		return op == "ne"
	}

	gotText := displayString(got)
	gf, gotNum := toNumber(got)
	wf, wantNum := toNumber(want)
	numeric := gotNum && wantNum
	if _, isString := got.(string); isString {
		numeric = numeric && looksNumeric(gotText)
	}

	switch op {
	case "eq":
		if numeric {
			return gf == wf
		}
		return gotText == want
	case "ne":
		if numeric {
			return gf != wf
		}
		return gotText != want
	case "gt":
		return numeric && gf > wf
	case "gte":
		return numeric && gf >= wf
	case "lt":
		return numeric && gf < wf
	case "lte":
		return numeric && gf <= wf
	case "contains":
		if list, ok := asList(got); ok {
			for _, item := range list {
				if displayString(item) == want {
					return true
				}
			}
			return false
		}
		return strings.Contains(gotText, want)
	default:
		return false
	}
}

func looksNumeric(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && leadingNumber.FindString(s) == s
}

func extractMap(p *Pipeline, ctx context.Context, in any, step TransformStep) any {
	list, ok := asList(in)
	if !ok {
		return p.noop(ctx, step, in, "input is not an array")
	}

	if formula := strings.TrimSpace(step.Param("expr", "")); formula != "" {
		out := make([]any, len(list))
		for i, item := range list {
			res, ok := p.evaluate(ctx, step, formula, map[string]any{"item": item, "index": i})
			if !ok {
				res = item
			}
			out[i] = res
		}
		return out
	}

	field := strings.TrimSpace(step.Param("field", ""))
	if field == "" {
		return p.noop(ctx, step, in, "missing field or expr")
	}
	out := make([]any, len(list))
	for i, item := range list {
		out[i], _ = fieldValue(item, field)
	}
	return out
}

func extractJQ(p *Pipeline, ctx context.Context, in any, step TransformStep) any {
	query := strings.TrimSpace(step.Param("query", ""))
	if query == "" {
		return p.noop(ctx, step, in, "missing query")
	}
	engine, ok := p.engines.Get("jq")
	if !ok {
		return p.noop(ctx, step, in, "jq engine unavailable")
	}
	jq, ok := engine.(*GoJQEngine)
	if !ok {
		return p.noop(ctx, step, in, "jq engine unavailable")
	}
	out, err := jq.EvaluateInput(ctx, query, in)
	if err != nil {
		return p.noop(ctx, step, in, err.Error())
	}
	return normalize(out)
}

// --- aggregate ---

func aggregateNumeric(p *Pipeline, ctx context.Context, in any, step TransformStep) any {
	list, ok := asList(in)
	if !ok {
		return p.noop(ctx, step, in, "input is not an array")
	}

	nums := make([]float64, len(list))
	for i, item := range list {
		nums[i] = p.number(ctx, step.Name, item, 0)
	}

	switch step.Name {
	case "sum":
		return sum(nums)
	case "avg":
		if len(nums) == 0 {
			return float64(0)
		}
		return sum(nums) / float64(len(nums))
	case "min":
		if len(nums) == 0 {
			return nil
		}
		return minOf(nums)
	default:
		if len(nums) == 0 {
			return nil
		}
		return maxOf(nums)
	}
}

func sum(nums []float64) float64 {
	var total float64
	for _, n := range nums {
		total += n
	}
	return total
}

func minOf(nums []float64) float64 {
	m := nums[0]
	for _, n := range nums[1:] {
		m = math.Min(m, n)
	}
	return m
}

func maxOf(nums []float64) float64 {
	m := nums[0]
	for _, n := range nums[1:] {
		m = math.Max(m, n)
	}
	return m
}

func aggregateCount(p *Pipeline, ctx context.Context, in any, step TransformStep) any {
	list, ok := asList(in)
	if !ok {
		return p.noop(ctx, step, in, "input is not an array")
	}
	return float64(len(list))
}

func aggregateConcat(p *Pipeline, ctx context.Context, in any, step TransformStep) any {
	list, ok := asList(in)
	if !ok {
		return p.noop(ctx, step, in, "input is not an array")
	}
	return joinDisplay(list, step.Param("separator", ""))
}

func aggregateUnique(p *Pipeline, ctx context.Context, in any, step TransformStep) any {
	list, ok := asList(in)
	if !ok {
		return p.noop(ctx, step, in, "input is not an array")
	}
	seen := make(map[string]bool, len(list))
	out := make([]any, 0, len(list))
	for _, item := range list {
		key := valueKey(item)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	return out
}

func joinDisplay(list []any, sep string) string {
	parts := make([]string, len(list))
	for i, item := range list {
		parts[i] = displayString(item)
	}
	return strings.Join(parts, sep)
}

// --- format ---

func formatJoin(p *Pipeline, ctx context.Context, in any, step TransformStep) any {
	list, ok := asList(in)
	if !ok {
		return p.noop(ctx, step, in, "input is not an array")
	}
	return joinDisplay(list, step.Param("separator", ","))
}

func formatSplit(p *Pipeline, ctx context.Context, in any, step TransformStep) any {
	s, ok := in.(string)
	if !ok {
		return p.noop(ctx, step, in, "input is not a string")
	}
	sep := step.Param("separator", ",")
	parts := strings.Split(s, sep)
	out := make([]any, len(parts))
	for i, part := range parts {
		out[i] = part
	}
	return out
}

func formatString(p *Pipeline, ctx context.Context, in any, step TransformStep) any {
	s, ok := in.(string)
	if !ok {
		return p.noop(ctx, step, in, "input is not a string")
	}
	switch step.Name {
	case "upper":
		return strings.ToUpper(s)
	case "lower":
		return strings.ToLower(s)
	default:
		return strings.TrimSpace(s)
	}
}

func formatReplace(p *Pipeline, ctx context.Context, in any, step TransformStep) any {
	s, ok := in.(string)
	if !ok {
		return p.noop(ctx, step, in, "input is not a string")
	}
	from := step.Param("from", step.Param("search", ""))
	if from == "" {
		return p.noop(ctx, step, in, "missing from")
	}
	return strings.ReplaceAll(s, from, step.Param("to", step.Param("with", "")))
}

// --- compute ---

// operandDefaults are used when an operand cannot be parsed.
var operandDefaults = map[string]float64{
	"add":      0,
	"subtract": 0,
	"multiply": 1,
	"divide":   1,
}

func computeArithmetic(p *Pipeline, ctx context.Context, in any, step TransformStep) any {
	x := p.number(ctx, step.Name, in, 0)
	operand := p.number(ctx, step.Name, step.Param("operand", step.Param("value", "")), operandDefaults[step.Name])

	switch step.Name {
	case "add":
		return x + operand
	case "subtract":
		return x - operand
	case "multiply":
		return x * operand
	default:
		if operand == 0 {
			p.metrics.CoercionFallback(step.Name)
			logging.LogWith(ctx, p.logger).DebugContext(ctx, "division by zero, using 1",
				slog.String("stage", step.Name))
			operand = 1
		}
		return x / operand
	}
}

// maxRoundDecimals keeps the rounding scale finite; float64 carries no more
// than 15 significant decimal digits anyway.
const maxRoundDecimals = 15

func computeRound(p *Pipeline, ctx context.Context, in any, step TransformStep) any {
	x := p.number(ctx, step.Name, in, 0)
	decimals, ok := toInt(step.Param("decimals", "0"))
	if !ok || decimals < 0 {
		decimals = 0
	}
	decimals = min(decimals, maxRoundDecimals)
	scale := math.Pow(10, float64(decimals))
	return math.Round(x*scale) / scale
}

func computeExpression(p *Pipeline, ctx context.Context, in any, step TransformStep) any {
	formula := strings.TrimSpace(step.Param("formula", step.Param("expr", "")))
	if formula == "" {
		return p.noop(ctx, step, in, "missing formula")
	}
	out, ok := p.evaluate(ctx, step, formula, map[string]any{"value": in})
	if !ok {
		return p.noop(ctx, step, in, "formula failed")
	}
	return out
}
