package validation

import (
	"math"
	"sort"

	"github.com/niganuga/flow-editor-sub001/internal/catalog"
	"github.com/niganuga/flow-editor-sub001/internal/model"
)

// checkHistory compares numeric parameters against the range observed in
// successful similar calls and returns the historical success rate.
func (v *Validator) checkHistory(spec *catalog.Spec, params catalog.Params, history []model.HistoryRecord, r *report) *float64 {
	var total, successes int
	var successful []model.HistoryRecord
	for _, rec := range history {
		if rec.ToolName != spec.Name {
			continue
		}
		total++
		if rec.OutcomeSuccess {
			successes++
			successful = append(successful, rec)
		}
	}
	if total == 0 {
		r.note("history: no similar calls")
		return nil
	}
	rate := math.Round(100*float64(successes)/float64(total)*100) / 100
	r.note("history: %d similar call(s), %.0f%% successful", total, rate)

	for _, p := range spec.Params {
		if p.Type != catalog.TypeNumber && p.Type != catalog.TypeInteger {
			continue
		}
		value, ok := params.Float(p.Name)
		if !ok {
			continue
		}

		observed := numericValues(successful, p.Name)
		if len(observed) < v.cfg.HistoryMinSamples {
			continue
		}
		lo, hi, median := spreadOf(observed)
		widen := v.cfg.HistoryRangeSlack * (hi - lo)
		if floor := 0.1 * math.Abs(median); widen < floor {
			widen = floor
		}
		if value >= lo-widen && value <= hi+widen {
			continue
		}

		var suggested any = median
		if p.Type == catalog.TypeInteger {
			suggested = int(math.Round(median))
		}
		if r.adjusted == nil {
			r.adjusted = make(map[string]any)
		}
		r.adjusted[p.Name] = suggested
		r.warn(v.cfg.HistoryOutlierConfidence,
			"%s=%s is outside the range of successful similar calls (%s to %s), %v is more typical",
			p.Name, formatFloat(value), formatFloat(lo), formatFloat(hi), suggested)
	}
	return &rate
}

func numericValues(records []model.HistoryRecord, name string) []float64 {
	var out []float64
	for _, rec := range records {
		if f, ok := toFloat(rec.Parameters[name]); ok && !math.IsNaN(f) && !math.IsInf(f, 0) {
			out = append(out, f)
		}
	}
	return out
}

// spreadOf returns min, max and median of a non-empty slice
func spreadOf(values []float64) (lo, hi, median float64) {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		median = sorted[n/2]
	} else {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[0], sorted[n-1], median
}
