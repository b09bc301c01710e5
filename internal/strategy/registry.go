package strategy

import (
	"math"
	"sort"

	"github.com/aristath/quantd/internal/domain"
)

// ParamSpec describes one tunable strategy parameter for the API and
// for request validation
type ParamSpec struct {
	Label       string  `json:"label"`
	Type        string  `json:"type"` // "integer" or "float"
	Default     float64 `json:"default"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Step        float64 `json:"step"`
	Description string  `json:"description,omitempty"`
}

// Descriptor is the API-facing description of one strategy
type Descriptor struct {
	Name        string               `json:"name"`
	DisplayName string               `json:"display_name"`
	Description string               `json:"description"`
	Category    string               `json:"category"`
	Params      map[string]ParamSpec `json:"parameters"`
}

// Factory builds a strategy instance from resolved parameter values
type Factory func(params map[string]float64) (Strategy, error)

type entry struct {
	desc    Descriptor
	factory Factory
}

// Registry maps strategy names to descriptors and factories
type Registry struct {
	entries map[string]entry
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a strategy under its descriptor name
func (r *Registry) Register(desc Descriptor, factory Factory) {
	r.entries[desc.Name] = entry{desc: desc, factory: factory}
}

// List returns all descriptors sorted by name
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Describe returns the descriptor for one strategy
func (r *Registry) Describe(name string) (Descriptor, error) {
	e, ok := r.entries[name]
	if !ok {
		return Descriptor{}, domain.NotFoundf("unknown strategy: %s", name)
	}
	return e.desc, nil
}

// Validate checks the given overrides against the parameter schema.
// Unknown parameters, wrong types and out-of-range values are rejected
// with validation-kind errors.
func (r *Registry) Validate(name string, params map[string]float64) error {
	e, ok := r.entries[name]
	if !ok {
		return domain.NotFoundf("unknown strategy: %s", name)
	}

	for pname, v := range params {
		spec, ok := e.desc.Params[pname]
		if !ok {
			return domain.Validationf("unknown parameter %q for strategy %q", pname, name)
		}
		if spec.Type == "integer" && v != math.Trunc(v) {
			return domain.Validationf("parameter %q must be an integer", pname)
		}
		if v < spec.Min {
			return domain.Validationf("parameter %q must be >= %v", pname, spec.Min)
		}
		if v > spec.Max {
			return domain.Validationf("parameter %q must be <= %v", pname, spec.Max)
		}
	}
	return nil
}

// Create validates overrides, merges them over the schema defaults and
// builds the strategy
func (r *Registry) Create(name string, params map[string]float64) (Strategy, error) {
	if err := r.Validate(name, params); err != nil {
		return nil, err
	}

	e := r.entries[name]
	resolved := make(map[string]float64, len(e.desc.Params))
	for pname, spec := range e.desc.Params {
		resolved[pname] = spec.Default
	}
	for pname, v := range params {
		resolved[pname] = v
	}

	strat, err := e.factory(resolved)
	if err != nil {
		return nil, domain.Validationf("build strategy %q: %v", name, err)
	}
	return strat, nil
}

// NewDefaultRegistry registers the built-in strategies
func NewDefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(Descriptor{
		Name:        "dual_ma",
		DisplayName: "Dual Moving Average",
		Description: "Golden and death crosses of a fast MA over a slow MA",
		Category:    "trend",
		Params: map[string]ParamSpec{
			"fast_period": {Label: "Fast MA Period", Type: "integer", Default: 5, Min: 5, Max: 60, Step: 5},
			"slow_period": {Label: "Slow MA Period", Type: "integer", Default: 20, Min: 10, Max: 120, Step: 10},
		},
	}, func(params map[string]float64) (Strategy, error) {
		return NewDualMA(int(params["fast_period"]), int(params["slow_period"]))
	})

	r.Register(Descriptor{
		Name:        "macd",
		DisplayName: "MACD Crossover",
		Description: "MACD line and signal line crossovers on the standard 12/26/9 setup",
		Category:    "trend",
		Params:      map[string]ParamSpec{},
	}, func(map[string]float64) (Strategy, error) {
		return NewMACDCross(), nil
	})

	r.Register(Descriptor{
		Name:        "rsi",
		DisplayName: "RSI Reversal",
		Description: "Oversold bounces and overbought pullbacks on RSI(14)",
		Category:    "oscillator",
		Params: map[string]ParamSpec{
			"oversold":   {Label: "Oversold Threshold", Type: "integer", Default: 30, Min: 10, Max: 45, Step: 5},
			"overbought": {Label: "Overbought Threshold", Type: "integer", Default: 70, Min: 55, Max: 90, Step: 5},
		},
	}, func(params map[string]float64) (Strategy, error) {
		return NewRSIReversal(params["oversold"], params["overbought"])
	})

	r.Register(Descriptor{
		Name:        "bollinger",
		DisplayName: "Bollinger Bounce",
		Description: "Mean reversion off the Bollinger(20, 2) bands",
		Category:    "mean_reversion",
		Params: map[string]ParamSpec{
			"touch_threshold": {Label: "Touch Threshold", Type: "float", Default: 0.005, Min: 0.001, Max: 0.02, Step: 0.001},
		},
	}, func(params map[string]float64) (Strategy, error) {
		return NewBollingerBounce(params["touch_threshold"])
	})

	return r
}
