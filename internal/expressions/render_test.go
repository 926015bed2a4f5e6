package expressions

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schuttebj/ryvr-frontend-sub001/internal/datastore"
	"github.com/schuttebj/ryvr-frontend-sub001/internal/logging"
	"github.com/schuttebj/ryvr-frontend-sub001/internal/metrics"
)

// --- helpers ---

func renderData() Data {
	return Data{
		"node1": map[string]any{
			"items": []any{
				map[string]any{"url": "a.com"},
				map[string]any{"url": "b.com"},
			},
			"empty": []any{},
		},
		"step": map[string]any{
			"val":     float64(10),
			"zero":    float64(0),
			"no":      false,
			"blank":   "",
			"null":    nil,
			"letters": []any{"a", "b", "c", "d"},
			"obj":     map[string]any{"b": "<x>", "a": float64(1)},
			"name":    "  Ada  ",
		},
	}
}

func render(t *testing.T, text string) string {
	t.Helper()
	return NewRenderer().Render(context.Background(), text, renderData())
}

// --- scenarios ---

func TestRender_WildcardListsByDefault(t *testing.T) {
	assert.Equal(t, "See a.com,b.com", render(t, "See {{node1.items[*].url}}"))
}

func TestRender_FallbackForMissingIndex(t *testing.T) {
	assert.Equal(t, "See none", render(t, `See {{node1.items[5].url ?? "none"}}`))
}

func TestRender_ComputeStage(t *testing.T) {
	assert.Equal(t, "15", render(t, "{{step.val|add(operand:5)}}"))
}

func TestRender_MalformedTokenKeptVerbatim(t *testing.T) {
	assert.Equal(t, "{{step.[}} and 10", render(t, "{{step.[}} and {{step.val}}"))
	assert.Equal(t, "x {{step.val|nosuch}} 10", render(t, "x {{step.val|nosuch}} {{step.val}}"))
	assert.Equal(t, "10 {{step.val", render(t, "{{step.val}} {{step.val"))
}

func TestRender_NoTokensRoundTrip(t *testing.T) {
	for _, text := range []string{"", "plain text", "braces { } }} {", "ünïcödé ✓"} {
		assert.Equal(t, text, render(t, text))
	}
}

func TestRender_UnresolvedKeptVerbatim(t *testing.T) {
	assert.Equal(t, "a {{ghost.x}} b", render(t, "a {{ghost.x}} b"))
	assert.Equal(t, "{{step.missing|upper}}", render(t, "{{step.missing|upper}}"))
	assert.Equal(t, "{{node1.empty[*].url}}", render(t, "{{node1.empty[*].url}}"))
}

func TestRender_EmptyWildcardUsesFallback(t *testing.T) {
	assert.Equal(t, "none", render(t, `{{node1.empty[*].url ?? "none"}}`))
}

func TestRender_PipelineSalvagesEmpty(t *testing.T) {
	assert.Equal(t, "5", render(t, "{{ghost.x|add(operand:5)}}"))
}

func TestRender_FallbackSkipsPipeline(t *testing.T) {
	assert.Equal(t, "n/a", render(t, `{{ghost.x ?? "n/a"|upper}}`))
}

func TestRender_FalsyValuesAreNotMissing(t *testing.T) {
	assert.Equal(t, "0", render(t, `{{step.zero ?? "fallback"}}`))
	assert.Equal(t, "false", render(t, `{{step.no ?? "fallback"}}`))
	assert.Equal(t, "[]", render(t, `{{step.blank ?? "fallback"}}[]`))
	assert.Equal(t, "null", render(t, `{{step.null ?? "fallback"}}`))
}

// --- formats ---

func TestRender_Formats(t *testing.T) {
	cases := map[string]string{
		"{{step.letters|list}}":                      "a,b,c,d",
		`{{step.letters|list(separator:" | ")}}`:     "a | b | c | d",
		"{{step.letters|range:1-3}}":                 "b,c",
		"{{step.letters|range:2-10}}":                "c,d",
		"{{step.letters|range:8-9}}":                 "",
		"{{step.obj|json}}":                          `{"a":1,"b":"<x>"}`,
		"{{step.obj}}":                               `{"a":1,"b":"<x>"}`,
		"{{step.letters}}":                           `["a","b","c","d"]`,
		"{{node1.items[*].url|json}}":                `["a.com","b.com"]`,
		"{{step.val|json}}":                          "10",
		"{{step.name|trim|list}}":                    "Ada",
		"{{step.letters|slice(start:0,end:3)|json}}": `["a","b","c"]`,
	}
	for text, want := range cases {
		t.Run(text, func(t *testing.T) {
			assert.Equal(t, want, render(t, text))
		})
	}
}

func TestRender_PipelineChain(t *testing.T) {
	assert.Equal(t, "a, b, c", render(t, "{{step.letters|slice(start:0,end:3)|join(separator:, )}}"))
	assert.Equal(t, "2", render(t, "{{node1.items[*].url|count}}"))
	assert.Equal(t, "A.COM+B.COM", render(t, "{{node1.items|map(field:url)|join(separator:+)|upper}}"))
}

func TestRender_CustomListSeparator(t *testing.T) {
	r := NewRenderer(WithOptions(Options{ListSeparator: "; "}))
	out := r.Render(context.Background(), "{{node1.items[*].url}} / {{step.letters|range:0-2}}", renderData())
	assert.Equal(t, "a.com; b.com / a; b", out)
}

func TestRender_MultipleTokensInOrder(t *testing.T) {
	text := "{{step.val}}-{{node1.items[0].url}}-{{ghost ?? \"g\"}}-{{step.val|multiply(operand:3)}}"
	assert.Equal(t, "10-a.com-g-30", render(t, text))
}

func TestRender_SubstitutedTextIsNotRescanned(t *testing.T) {
	data := Data{"s": map[string]any{"tpl": "{{s.secret}}", "secret": "leak"}}
	out := NewRenderer().Render(context.Background(), "{{s.tpl}}", data)
	assert.Equal(t, "{{s.secret}}", out)
}

func TestRender_CycleGuard(t *testing.T) {
	self := map[string]any{"name": "loop"}
	self["self"] = self
	data := Data{"step": self}

	out := NewRenderer().Render(context.Background(), "{{step.name}} {{step.self.self.name}}", data)
	assert.Equal(t, "loop {{step.self.self.name}}", out)
}

func TestRender_SelfReferentialValueIsCut(t *testing.T) {
	self := map[string]any{"name": "loop"}
	self["self"] = self
	data := Data{"step": self, "list": []any{self, self}}
	r := NewRenderer()
	ctx := context.Background()

	assert.Equal(t, `{"name":"loop","self":null}`, r.Render(ctx, "{{step|json}}", data))
	assert.Equal(t, `{"name":"loop","self":null}`, r.Render(ctx, "{{step}}", data))
	assert.Equal(t, `{"name":"loop","self":null}`, r.Render(ctx, "{{step|unique}}", data))
	assert.Equal(t, `[{"name":"loop","self":null}]`, r.Render(ctx, "{{list|unique|json}}", data))
	assert.Equal(t, "loop", r.Render(ctx, `{{step|jq(query:".name")}}`, data))
}

// --- sources ---

func TestRender_WithStoreSnapshot(t *testing.T) {
	store := datastore.New()
	require.NoError(t, store.RecordJSON("fetch", []byte(`{"items":[{"id":1},{"id":2},{"id":3}]}`)))
	require.NoError(t, store.Record("calc", map[string]any{"total": 12}))

	out := NewRenderer().Render(context.Background(),
		"ids={{fetch.items[*].id}} sum={{fetch.items[*].id|sum}} total={{calc.total|divide(operand:4)}}",
		store.Snapshot())
	assert.Equal(t, "ids=1,2,3 sum=6 total=3", out)
}

func TestRender_DeterministicAndConcurrent(t *testing.T) {
	snap := datastore.FromMap("run-1", map[string]any(renderData()))
	r := NewRenderer()
	text := "{{node1.items[*].url}} {{step.obj|json}} {{step.letters|unique|count}} {{ghost.x}}"
	want := r.Render(context.Background(), text, snap)

	var wg sync.WaitGroup
	results := make([]string, 50)
	for i := range results {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = r.Render(context.Background(), text, snap)
		}(i)
	}
	wg.Wait()

	for i, got := range results {
		assert.Equal(t, want, got, "render %d", i)
	}
	assert.Equal(t, `a.com,b.com {"a":1,"b":"<x>"} 4 {{ghost.x}}`, want)
}

// --- observability ---

func TestRender_RecordsTokenOutcomes(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	r := NewRenderer(WithMetrics(m))

	r.Render(context.Background(), `{{step.val}} {{ghost ?? "x"}} {{ghost}} {{step.[}}`, renderData())

	assert.Equal(t, 1.0, m.TokenCount(metrics.OutcomeSubstituted))
	assert.Equal(t, 1.0, m.TokenCount(metrics.OutcomeFallback))
	assert.Equal(t, 1.0, m.TokenCount(metrics.OutcomeVerbatim))
	assert.Equal(t, 1.0, m.TokenCount(metrics.OutcomeParseError))
}

func TestRender_LogsUnresolvedWithAvailableSteps(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(WithLogger(logging.New(&buf, "debug")))

	snap := datastore.FromMap("run-7", map[string]any{"alpha": 1, "beta": 2})
	ctx := logging.WithIDs(context.Background(), "run-7", "send-email", "body")
	r.Render(ctx, "{{gamma.x}} {{alpha.[}}", snap)

	logs := buf.String()
	assert.Contains(t, logs, "template token unresolved")
	assert.Contains(t, logs, "available_steps=\"[alpha beta]\"")
	assert.Contains(t, logs, "template token failed to parse")
	assert.Contains(t, logs, "step_id=send-email")
	assert.Contains(t, logs, "field=body")
}

func TestRender_QuietAtInfo(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(WithLogger(logging.New(&buf, "info")))
	r.Render(context.Background(), "{{ghost}}", renderData())
	assert.Empty(t, buf.String())
}

// --- Evaluate ---

func TestRenderer_Evaluate(t *testing.T) {
	r := NewRenderer()

	expr, err := ParseExpression("step.letters|count")
	require.NoError(t, err)
	out, ok := r.Evaluate(context.Background(), expr, renderData())
	assert.True(t, ok)
	assert.Equal(t, "4", out)

	expr, err = ParseExpression("ghost.x")
	require.NoError(t, err)
	_, ok = r.Evaluate(context.Background(), expr, renderData())
	assert.False(t, ok)
}

func TestRenderer_Options(t *testing.T) {
	assert.Equal(t, DefaultOptions(), NewRenderer().Options())

	r := NewRenderer(WithOptions(Options{ListSeparator: "|", MaxIterations: 3}))
	assert.Equal(t, Options{ListSeparator: "|", IterationSeparator: " + ", MaxIterations: 3}, r.Options())
}

func ExampleRenderer_Render() {
	data := Data{"node1": map[string]any{"items": []any{
		map[string]any{"url": "a.com"},
		map[string]any{"url": "b.com"},
	}}}
	r := NewRenderer()
	fmt.Println(r.Render(context.Background(), "See {{node1.items[*].url}}", data))
	fmt.Println(r.Render(context.Background(), `See {{node1.items[5].url ?? "none"}}`, data))
	// Output:
	// See a.com,b.com
	// See none
}
