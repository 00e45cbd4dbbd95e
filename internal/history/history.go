// Package history is the learning store: outcomes of past tool calls indexed
// by a compact summary of the image they ran on.
package history

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/niganuga/flow-editor-sub001/internal/model"
)

// Store records outcomes and finds records for similar images.
// Implementations must allow concurrent Record and FindSimilar calls.
type Store interface {
	Record(ctx context.Context, rec model.HistoryRecord) error
	FindSimilar(ctx context.Context, toolName string, vector []float32, k int) ([]Match, error)
}

// Match is a historical record and its feature distance to the query
type Match struct {
	Record   model.HistoryRecord
	Distance float64
}

// Records returns the records of a match list
func Records(matches []Match) []model.HistoryRecord {
	out := make([]model.HistoryRecord, len(matches))
	for i, m := range matches {
		out[i] = m.Record
	}
	return out
}

// FeatureDims is the length of every feature vector
const FeatureDims = 16

// FeatureVector summarizes an analysis into a fixed-size vector of values in
// [0, 1]. Continuous measures are bucketed so that near-identical images map
// to identical vectors.
//
//	0 size bucket (log10 pixels)   1 aspect ratio         2 has transparency
//	3 transparent share            4 sharpness bucket     5 noise bucket
//	6 color count bucket           7-15 top three dominant colors (r, g, b)
func FeatureVector(a *model.ImageAnalysis) []float32 {
	v := make([]float32, FeatureDims)
	if a == nil {
		return v
	}

	pixels := float64(a.Width * a.Height)
	if pixels > 0 {
		v[0] = bucket(math.Log10(pixels)/8, 16)
	}
	if a.Width > 0 && a.Height > 0 {
		aspect := math.Log2(float64(a.Width) / float64(a.Height))
		v[1] = bucket(clamp01(aspect/4+0.5), 16)
	}
	if a.HasTransparency {
		v[2] = 1
	}
	v[3] = bucket(a.TransparentPercent/100, 10)
	v[4] = bucket(a.SharpnessScore/100, 10)
	v[5] = bucket(a.NoiseScore/100, 10)
	if a.UniqueColorCount > 0 {
		v[6] = bucket(math.Log2(float64(a.UniqueColorCount))/24, 12)
	}

	for i := 0; i < 3 && i < len(a.DominantColors); i++ {
		c := a.DominantColors[i].RGB
		v[7+i*3] = bucket(float64(c.R)/255, 8)
		v[8+i*3] = bucket(float64(c.G)/255, 8)
		v[9+i*3] = bucket(float64(c.B)/255, 8)
	}
	return v
}

// Distance is the Euclidean distance between two feature vectors. Vectors of
// different length are infinitely far apart.
func Distance(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func bucket(v float64, steps int) float32 {
	return float32(math.Round(clamp01(v)*float64(steps)) / float64(steps))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// nearest returns the k records for toolName closest to vector, oldest first
// among equal distances
func nearest(records []model.HistoryRecord, toolName string, vector []float32, k int) []Match {
	if k <= 0 {
		return nil
	}
	matches := make([]Match, 0, k)
	for _, r := range records {
		if r.ToolName != toolName {
			continue
		}
		matches = append(matches, Match{Record: r, Distance: Distance(vector, r.ImageFeatureVector)})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// stamp assigns an ID and timestamp to records that lack them
func stamp(rec model.HistoryRecord) model.HistoryRecord {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	return rec
}
