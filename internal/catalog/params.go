package catalog

import (
	"fmt"
	"sort"

	"github.com/niganuga/flow-editor-sub001/internal/pixel"
)

// Params are parameter values normalized against a Spec: numbers are float64,
// integers are int, colors are "#rrggbb" strings and defaults are filled in.
type Params map[string]any

// Float returns a numeric parameter
func (p Params) Float(name string) (float64, bool) {
	switch v := p[name].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Int returns an integer parameter
func (p Params) Int(name string) (int, bool) {
	switch v := p[name].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

// String returns a string parameter
func (p Params) String(name string) (string, bool) {
	v, ok := p[name].(string)
	return v, ok
}

// Bool returns a boolean parameter
func (p Params) Bool(name string) (bool, bool) {
	v, ok := p[name].(bool)
	return v, ok
}

// Color returns a color parameter
func (p Params) Color(name string) (pixel.RGB, error) {
	s, ok := p[name].(string)
	if !ok {
		return pixel.RGB{}, fmt.Errorf("parameter %s is not set", name)
	}
	return pixel.ParseColor(s)
}

// Clone returns a shallow copy
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Map returns the values as a plain map
func (p Params) Map() map[string]any {
	return map[string]any(p.Clone())
}

// Keys returns parameter names in sorted order
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
