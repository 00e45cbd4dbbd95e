package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/niganuga/flow-editor-sub001/internal/model"
	"github.com/niganuga/flow-editor-sub001/internal/observability"
)

// ErrIndexUnavailable is returned by an index that cannot currently serve
var ErrIndexUnavailable = errors.New("similarity index unavailable")

// SimilarityIndex is an external nearest-neighbor index over feature vectors
type SimilarityIndex interface {
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]any) error
	Query(ctx context.Context, toolName string, vector []float32, k int) ([]IndexHit, error)
	Delete(ctx context.Context, id string) error
	Ready(ctx context.Context) (bool, error)
}

// retainer is a local store that can tell which records survived pruning
type retainer interface {
	Retained(ids []string) map[string]bool
}

// IndexHit is one result of an index query
type IndexHit struct {
	ID       string
	Metadata map[string]any
	Distance float64
}

// Metadata keys written alongside each vector
const (
	MetaToolName = "toolName"
	MetaRecord   = "record"
)

// IndexedStore keeps a local Store as the source of truth and mirrors writes
// into an optional SimilarityIndex. Index failures never fail a call: they
// are logged and the local store answers instead.
type IndexedStore struct {
	local  Store
	index  SimilarityIndex
	logger zerolog.Logger
}

// NewIndexedStore combines local with index. A nil index yields a store that
// behaves exactly like local.
func NewIndexedStore(local Store, index SimilarityIndex, logger zerolog.Logger) *IndexedStore {
	return &IndexedStore{
		local:  local,
		index:  index,
		logger: logger.With().Str("component", "history_index").Logger(),
	}
}

// Record writes to the local store and then to the index
func (s *IndexedStore) Record(ctx context.Context, rec model.HistoryRecord) error {
	rec = stamp(rec)
	if err := s.local.Record(ctx, rec); err != nil {
		return err
	}
	if s.index == nil {
		return nil
	}

	meta, err := recordMetadata(rec)
	if err != nil {
		s.logger.Warn().Err(err).Str("record_id", rec.ID).Msg("Skipping similarity index upsert")
		return nil
	}
	if err := s.index.Upsert(ctx, rec.ID, rec.ImageFeatureVector, meta); err != nil {
		s.logger.Warn().Err(err).Str("record_id", rec.ID).Msg("Similarity index upsert failed, record kept locally")
		observability.RecordHistoryIndexDegraded("upsert")
	}
	return nil
}

// FindSimilar queries the index and falls back to the local store. Hits for
// records the local store has pruned are dropped and removed from the index.
func (s *IndexedStore) FindSimilar(ctx context.Context, toolName string, vector []float32, k int) ([]Match, error) {
	if s.index != nil {
		hits, err := s.index.Query(ctx, toolName, vector, 2*k)
		if err == nil {
			if matches, ok := s.decode(hits); ok {
				matches = s.dropPruned(ctx, matches)
				if k > 0 && len(matches) > k {
					matches = matches[:k]
				}
				return matches, nil
			}
			err = errors.New("undecodable index hit")
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn().Err(err).Str("tool", toolName).Msg("Similarity index query failed, using local history")
		observability.RecordHistoryIndexDegraded("query")
	}
	return s.local.FindSimilar(ctx, toolName, vector, k)
}

func (s *IndexedStore) dropPruned(ctx context.Context, matches []Match) []Match {
	r, ok := s.local.(retainer)
	if !ok || len(matches) == 0 {
		return matches
	}
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.Record.ID
	}
	kept := r.Retained(ids)

	out := matches[:0]
	for _, m := range matches {
		if kept[m.Record.ID] {
			out = append(out, m)
			continue
		}
		if err := s.index.Delete(ctx, m.Record.ID); err != nil {
			s.logger.Debug().Err(err).Str("record_id", m.Record.ID).Msg("Failed to delete pruned record from index")
		}
	}
	return out
}

func (s *IndexedStore) decode(hits []IndexHit) ([]Match, bool) {
	matches := make([]Match, 0, len(hits))
	for _, h := range hits {
		raw, ok := h.Metadata[MetaRecord].(string)
		if !ok {
			return nil, false
		}
		var rec model.HistoryRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, false
		}
		matches = append(matches, Match{Record: rec, Distance: h.Distance})
	}
	return matches, true
}

func recordMetadata(rec model.HistoryRecord) (map[string]any, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record metadata: %w", err)
	}
	return map[string]any{
		MetaToolName: rec.ToolName,
		MetaRecord:   string(raw),
	}, nil
}
