package expressions

import "context"

// Engine evaluates formula strings for the pipeline's expression, filter,
// map and jq stages. Three implementations: Expr (default), CEL and GoJQ.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// DefaultLanguage is the engine used when a stage does not name one.
const DefaultLanguage = "expr"

// EngineSet maps language names to engines.
type EngineSet struct {
	engines map[string]Engine
}

// NewEngineSet registers the given engines under their Name().
func NewEngineSet(engines ...Engine) *EngineSet {
	s := &EngineSet{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		if e != nil {
			s.engines[e.Name()] = e
		}
	}
	return s
}

// DefaultEngineSet returns expr, cel and jq engines.
func DefaultEngineSet() *EngineSet {
	engines := []Engine{NewExprEngine(), NewGoJQEngine()}
	if cel, err := NewCELEngine(); err == nil {
		engines = append(engines, cel)
	}
	return NewEngineSet(engines...)
}

// Get returns the engine for lang; an empty lang selects DefaultLanguage.
func (s *EngineSet) Get(lang string) (Engine, bool) {
	if s == nil {
		return nil, false
	}
	if lang == "" {
		lang = DefaultLanguage
	}
	e, ok := s.engines[lang]
	return e, ok
}
