package expressions

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schuttebj/ryvr-frontend-sub001/internal/metrics"
)

// --- helpers ---

// runStages parses "|stage|stage" text and applies it to v as a single value.
func runStages(t *testing.T, v any, stages string) any {
	t.Helper()
	return runStagesWith(t, NewPipeline(nil, nil, nil), v, stages)
}

func runStagesWith(t *testing.T, p *Pipeline, v any, stages string) any {
	t.Helper()
	expr, err := ParseExpression("s.v|" + stages)
	require.NoError(t, err)
	set := ResolvedSet{Kind: ResolvedSingle, Values: []any{v}}
	return p.Apply(context.Background(), set, expr.Pipeline)
}

func people() []any {
	return []any{
		map[string]any{"name": "ann", "score": float64(5), "status": "active", "tags": []any{"x"}},
		map[string]any{"name": "bob", "score": float64(2), "status": "inactive"},
		map[string]any{"name": "cy", "score": "7", "status": "active", "tags": []any{"y", "x"}},
	}
}

// --- extract ---

func TestPipeline_Property(t *testing.T) {
	assert.Equal(t, []any{"ann", "bob", "cy"}, runStages(t, people(), "property(name:name)"))
	assert.Equal(t, "ann", runStages(t, people()[0], "property(name:name)"))
	assert.Equal(t, "x", runStages(t, people()[0], "property(name:tags[0])"))
	assert.Equal(t, "plain", runStages(t, "plain", "property(name:name)"))
}

func TestPipeline_Slice(t *testing.T) {
	list := []any{"a", "b", "c", "d"}
	assert.Equal(t, []any{"b", "c"}, runStages(t, list, "slice(start:1,end:3)"))
	assert.Equal(t, []any{"c", "d"}, runStages(t, list, "slice(start:-2)"))
	assert.Equal(t, []any{"a", "b", "c", "d"}, runStages(t, list, "slice(end:99)"))
	assert.Equal(t, []any{}, runStages(t, list, "slice(start:3,end:1)"))
	assert.Equal(t, "text", runStages(t, "text", "slice(start:1)"))
}

func TestPipeline_FilterByField(t *testing.T) {
	active := runStages(t, people(), "filter(field:status,value:active)").([]any)
	require.Len(t, active, 2)
	assert.Equal(t, "ann", active[0].(map[string]any)["name"])
	assert.Equal(t, "cy", active[1].(map[string]any)["name"])

	high := runStages(t, people(), "filter(field:score,op:gt,value:3)").([]any)
	assert.Len(t, high, 2)

	tagged := runStages(t, people(), "filter(field:tags)").([]any)
	assert.Len(t, tagged, 2)

	withX := runStages(t, people(), "filter(field:tags,op:contains,value:x)").([]any)
	assert.Len(t, withX, 2)

	notActive := runStages(t, people(), "filter(field:status,op:ne,value:active)").([]any)
	require.Len(t, notActive, 1)
	assert.Equal(t, "bob", notActive[0].(map[string]any)["name"])
}

func TestPipeline_FilterByExpression(t *testing.T) {
	out := runStages(t, people(), "filter(expr:item.status == \"active\" && index > 0)").([]any)
	require.Len(t, out, 1)
	assert.Equal(t, "cy", out[0].(map[string]any)["name"])
}

func TestPipeline_Map(t *testing.T) {
	assert.Equal(t, []any{"ann", "bob", "cy"}, runStages(t, people(), "map(field:name)"))

	nums := []any{float64(1), float64(2), float64(3)}
	assert.Equal(t, []any{float64(2), float64(4), float64(6)}, runStages(t, nums, "map(expr:item * 2)"))
	assert.Equal(t, []any{float64(0), float64(1), float64(2)}, runStages(t, nums, "map(expr:index)"))
}

func TestPipeline_MapWithCEL(t *testing.T) {
	nums := []any{float64(1), float64(2)}
	out := runStages(t, nums, "map(expr:item + 0.5,lang:cel)")
	assert.Equal(t, []any{1.5, 2.5}, out)
}

func TestPipeline_JQ(t *testing.T) {
	assert.Equal(t, []any{"ann", "bob", "cy"}, runStages(t, people(), `jq(query:"map(.name)")`))
	assert.Equal(t, float64(3), runStages(t, people(), `jq(query:length)`))
	assert.Equal(t, "x", runStages(t, "x", `jq(query:"bad(")`))
}

// --- aggregate ---

func TestPipeline_NumericAggregates(t *testing.T) {
	list := []any{float64(3), "1", "2 apples", "n/a", true}
	assert.Equal(t, float64(7), runStages(t, list, "sum"))
	assert.Equal(t, 1.4, runStages(t, list, "avg"))
	assert.Equal(t, float64(0), runStages(t, list, "min"))
	assert.Equal(t, float64(3), runStages(t, list, "max"))
}

func TestPipeline_AggregatesOnEmpty(t *testing.T) {
	empty := []any{}
	assert.Equal(t, float64(0), runStages(t, empty, "sum"))
	assert.Equal(t, float64(0), runStages(t, empty, "avg"))
	assert.Nil(t, runStages(t, empty, "min"))
	assert.Nil(t, runStages(t, empty, "max"))
	assert.Equal(t, float64(0), runStages(t, empty, "count"))
}

func TestPipeline_Count(t *testing.T) {
	assert.Equal(t, float64(3), runStages(t, people(), "count"))
	assert.Equal(t, "abc", runStages(t, "abc", "count"))
}

func TestPipeline_Concat(t *testing.T) {
	list := []any{"a", float64(1), true, nil}
	assert.Equal(t, "a1truenull", runStages(t, list, "concat"))
	assert.Equal(t, "a-1-true-null", runStages(t, list, "concat(separator:-)"))
}

func TestPipeline_Unique(t *testing.T) {
	list := []any{
		float64(1), "1", float64(1),
		map[string]any{"a": float64(1)}, map[string]any{"a": float64(1)},
		"b",
	}
	assert.Equal(t, []any{float64(1), "1", map[string]any{"a": float64(1)}, "b"}, runStages(t, list, "unique"))
}

// --- format ---

func TestPipeline_JoinSplit(t *testing.T) {
	list := []any{"a", "b", float64(3)}
	assert.Equal(t, "a,b,3", runStages(t, list, "join"))
	assert.Equal(t, "a | b | 3", runStages(t, list, `join(separator:" | ")`))
	assert.Equal(t, []any{"a", "b", "c"}, runStages(t, "a,b,c", "split"))
	assert.Equal(t, []any{"a", "b"}, runStages(t, "a;b", "split(separator:;)"))
	assert.Equal(t, "a-b", runStages(t, "a,b", "split|join(separator:-)"))
}

func TestPipeline_StringFormats(t *testing.T) {
	assert.Equal(t, "HELLO", runStages(t, "hello", "upper"))
	assert.Equal(t, "hello", runStages(t, "HeLLo", "lower"))
	assert.Equal(t, "hi", runStages(t, "  hi \n", "trim"))
	assert.Equal(t, "b-b", runStages(t, "a-a", "replace(from:a,to:b)"))
	assert.Equal(t, "AA", runStages(t, " a-a", "replace(from:-)|trim|upper"))
	assert.Equal(t, "", runStages(t, "aa", "replace(from:a,to:)"))
	assert.Equal(t, float64(5), runStages(t, float64(5), "upper"))
}

// --- compute ---

func TestPipeline_Arithmetic(t *testing.T) {
	assert.Equal(t, float64(15), runStages(t, float64(10), "add(operand:5)"))
	assert.Equal(t, float64(7), runStages(t, "10", "subtract(operand:3)"))
	assert.Equal(t, float64(25), runStages(t, float64(10), "multiply(operand:2.5)"))
	assert.Equal(t, float64(4), runStages(t, float64(10), "divide(operand:2.5)"))
	assert.Equal(t, float64(10), runStages(t, "12px", "subtract(operand:2)"))
}

func TestPipeline_ArithmeticFallbacks(t *testing.T) {
	assert.Equal(t, float64(10), runStages(t, float64(10), "add(operand:abc)"))
	assert.Equal(t, float64(10), runStages(t, float64(10), "subtract"))
	assert.Equal(t, float64(10), runStages(t, float64(10), "multiply(operand:x)"))
	assert.Equal(t, float64(10), runStages(t, float64(10), "divide(operand:0)"))
	assert.Equal(t, float64(10), runStages(t, float64(10), "divide(operand:zero)"))
	assert.Equal(t, float64(5), runStages(t, "not a number", "add(operand:5)"))
	assert.Equal(t, float64(5), runStages(t, nil, "add(operand:5)"))
}

func TestPipeline_Round(t *testing.T) {
	assert.Equal(t, 3.14, runStages(t, 3.14159, "round(decimals:2)"))
	assert.Equal(t, float64(3), runStages(t, 2.5, "round"))
	assert.Equal(t, float64(-3), runStages(t, -2.5, "round"))
	assert.Equal(t, float64(2), runStages(t, "1.7", "round(decimals:bad)"))
	assert.Equal(t, 2.5, runStages(t, 2.5, "round(decimals:400)"))
	assert.Equal(t, 0.125, runStages(t, 0.125, "round(decimals:16)"))
}

func TestPipeline_Expression(t *testing.T) {
	assert.Equal(t, float64(42), runStages(t, float64(21), "expression(formula:value * 2)"))
	assert.Equal(t, float64(42), runStages(t, float64(21), "expression(formula:value * 2.0,lang:cel)"))
	assert.Equal(t, float64(42), runStages(t, float64(21), "expression(formula:value * 2,lang:cel)"))
	assert.Equal(t, float64(42), runStages(t, float64(21), "expression(formula:.value * 2,lang:jq)"))
	assert.Equal(t, "HI", runStages(t, "hi", "expression(formula:upper(value))"))
}

func TestPipeline_ExpressionFailuresPassThrough(t *testing.T) {
	assert.Equal(t, float64(21), runStages(t, float64(21), "expression(formula:value +)"))
	assert.Equal(t, float64(21), runStages(t, float64(21), "expression(formula:value,lang:lua)"))
	assert.Equal(t, float64(21), runStages(t, float64(21), "expression"))
}

func TestPipeline_ChainsInOrder(t *testing.T) {
	out := runStages(t, people(), "filter(field:status,value:active)|map(field:score)|sum|multiply(operand:10)|round")
	assert.Equal(t, float64(120), out)
}

func TestPipeline_EmptyStagesReturnsValue(t *testing.T) {
	p := NewPipeline(nil, nil, nil)
	set := ResolvedSet{Kind: ResolvedMany, Values: []any{"a", "b"}}
	assert.Equal(t, []any{"a", "b"}, p.Apply(context.Background(), set, nil))
	assert.Nil(t, p.Apply(context.Background(), ResolvedSet{}, nil))
}

// --- metrics ---

func TestPipeline_RecordsFallbacksAndNoops(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	p := NewPipeline(nil, nil, m)

	runStagesWith(t, p, "abc", "add(operand:1)")
	runStagesWith(t, p, float64(1), "divide(operand:0)")
	runStagesWith(t, p, float64(1), "upper")

	fallbacks, err := testutil.GatherAndCount(reg, "ryvr_vars_coercion_fallbacks_total")
	require.NoError(t, err)
	assert.Equal(t, 2, fallbacks)

	noops, err := testutil.GatherAndCount(reg, "ryvr_vars_transform_noops_total")
	require.NoError(t, err)
	assert.Equal(t, 1, noops)
}

// --- TransformStep ---

func TestTransformStep_Param(t *testing.T) {
	step := TransformStep{Name: "join", Params: map[string]string{"separator": ""}}
	assert.Equal(t, "", step.Param("separator", ","))
	assert.Equal(t, "def", step.Param("missing", "def"))
	assert.Equal(t, "def", TransformStep{}.Param("x", "def"))
}

func TestLookupTransform(t *testing.T) {
	kind, ok := LookupTransform("avg")
	assert.True(t, ok)
	assert.Equal(t, KindAggregate, kind)

	_, ok = LookupTransform("json")
	assert.False(t, ok)
	assert.Equal(t, "compute", KindCompute.String())
}
