package validation

import (
	"encoding/json"
	"math"
	"slices"
	"strings"

	"github.com/niganuga/flow-editor-sub001/internal/catalog"
	"github.com/niganuga/flow-editor-sub001/internal/pixel"
)

// checkSchema verifies required fields, types, bounds and enums and returns
// the normalized parameters. Unknown parameters are dropped with a warning.
func (v *Validator) checkSchema(spec *catalog.Spec, raw map[string]any, r *report) catalog.Params {
	params := make(catalog.Params, len(spec.Params))

	for _, name := range sortedKeys(raw) {
		if _, ok := spec.Param(name); !ok {
			r.warn(100, "unknown parameter %q for %s was ignored", name, spec.Name)
		}
	}

	for i := range spec.Params {
		p := &spec.Params[i]
		value, present := raw[p.Name]
		if !present || value == nil {
			if p.Required {
				r.fail("missing required parameter %q", p.Name)
				continue
			}
			if p.Default != nil {
				if norm, msg := normalize(p, p.Default); msg == "" {
					params[p.Name] = norm
				}
			}
			continue
		}

		norm, msg := normalize(p, value)
		if msg != "" {
			r.fail("parameter %q %s", p.Name, msg)
			continue
		}
		params[p.Name] = norm
	}

	if r.blocked() {
		r.note("schema: %d violation(s)", len(r.errors))
	} else {
		r.note("schema: ok")
	}
	return params
}

// normalize converts value to the canonical representation of p's type. A
// non-empty message describes why the value is not acceptable.
func normalize(p *catalog.Param, value any) (any, string) {
	switch p.Type {
	case catalog.TypeNumber, catalog.TypeInteger:
		f, ok := toFloat(value)
		if !ok {
			return nil, "must be a number"
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, "must be a finite number"
		}
		if p.Type == catalog.TypeInteger && f != math.Trunc(f) {
			return nil, "must be an integer"
		}
		if p.Min != nil && f < *p.Min {
			return nil, "is below the minimum of " + formatFloat(*p.Min)
		}
		if p.Max != nil && f > *p.Max {
			return nil, "is above the maximum of " + formatFloat(*p.Max)
		}
		if p.Type == catalog.TypeInteger {
			return int(f), ""
		}
		return f, ""

	case catalog.TypeBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, "must be a boolean"
		}
		return b, ""

	case catalog.TypeString:
		s, ok := value.(string)
		if !ok {
			return nil, "must be a string"
		}
		if len(p.Enum) > 0 && !slices.Contains(p.Enum, s) {
			return nil, "must be one of " + strings.Join(p.Enum, ", ")
		}
		return s, ""

	case catalog.TypeColor:
		s, ok := value.(string)
		if !ok {
			return nil, "must be a color string"
		}
		c, err := pixel.ParseColor(s)
		if err != nil {
			return nil, "is not a valid color: " + err.Error()
		}
		return c.Hex(), ""
	}
	return nil, "has an unsupported type"
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
