package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/niganuga/flow-editor-sub001/internal/model"
)

const recordPrefix = "hist/v1/"

// BadgerStore persists records in badger under time-ordered keys and answers
// similarity queries from an in-memory mirror of the log.
type BadgerStore struct {
	db         *badger.DB
	mirror     *MemoryStore
	maxRecords int
	logger     zerolog.Logger

	// serializes pruning so concurrent appends cannot prune twice
	pruneMu sync.Mutex
}

// OpenBadgerStore opens (or creates) a store in dir
func OpenBadgerStore(dir string, maxRecords int, logger zerolog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	return OpenBadger(opts, maxRecords, logger)
}

// OpenBadger opens a store with explicit badger options
func OpenBadger(opts badger.Options, maxRecords int, logger zerolog.Logger) (*BadgerStore, error) {
	if maxRecords <= 0 {
		maxRecords = 10000
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	s := &BadgerStore{
		db:         db,
		mirror:     &MemoryStore{}, // pruned together with the database
		maxRecords: maxRecords,
		logger:     logger.With().Str("component", "history").Logger(),
	}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := s.Prune(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BadgerStore) load() error {
	prefix := []byte(recordPrefix)
	loaded := 0
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var rec model.HistoryRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					s.logger.Warn().Err(err).Str("key", string(item.Key())).Msg("Skipping unreadable history record")
					return nil
				}
				s.mirror.append(rec)
				loaded++
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	s.logger.Info().Int("records", loaded).Msg("History loaded")
	return nil
}

// Record writes rec atomically and then makes it visible to FindSimilar.
// A record is either fully persisted or not written at all.
func (s *BadgerStore) Record(ctx context.Context, rec model.HistoryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec = stamp(rec)
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode history record: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec), val)
	})
	if err != nil {
		return fmt.Errorf("failed to write history record: %w", err)
	}

	s.mirror.append(rec)
	if s.mirror.Len() > s.maxRecords {
		if _, err := s.PruneTo(context.WithoutCancel(ctx), s.maxRecords*9/10); err != nil {
			s.logger.Warn().Err(err).Msg("History prune failed")
		}
	}
	return nil
}

// FindSimilar returns the k nearest records for toolName
func (s *BadgerStore) FindSimilar(ctx context.Context, toolName string, vector []float32, k int) ([]Match, error) {
	return s.mirror.FindSimilar(ctx, toolName, vector, k)
}

// Retained returns the subset of ids that have not been pruned
func (s *BadgerStore) Retained(ids []string) map[string]bool {
	return s.mirror.Retained(ids)
}

// Prune deletes the oldest persisted records until at most maxRecords remain,
// returning how many were removed
func (s *BadgerStore) Prune(ctx context.Context) (int, error) {
	return s.PruneTo(ctx, s.maxRecords)
}

// PruneTo deletes the oldest records until at most keep remain
func (s *BadgerStore) PruneTo(ctx context.Context, keep int) (int, error) {
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()

	if keep < 0 {
		keep = 0
	}
	total, err := s.Count()
	if err != nil {
		return 0, err
	}
	excess := total - keep
	if excess <= 0 {
		return 0, nil
	}

	var keys [][]byte
	prefix := []byte(recordPrefix)
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(keys) < excess; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan history: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, fmt.Errorf("failed to prune history: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}

	// the mirror holds the same records in the same order
	if over := s.mirror.Len() - keep; over > 0 {
		s.mirror.dropOldest(over)
	}
	s.logger.Info().Int("removed", len(keys)).Int("kept", keep).Msg("History pruned")
	return len(keys), nil
}

// Count returns the number of persisted records
func (s *BadgerStore) Count() (int, error) {
	n := 0
	prefix := []byte(recordPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return n, nil
}

// Stats summarizes the stored records per tool
func (s *BadgerStore) Stats() map[string]ToolStats {
	return Summarize(s.mirror.Snapshot())
}

// Close closes the underlying database
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// ToolStats is a per-tool summary of history
type ToolStats struct {
	Records   int     `json:"records"`
	Successes int     `json:"successes"`
	AvgScore  float64 `json:"avgQualityScore"`
}

// Summarize groups records by tool
func Summarize(records []model.HistoryRecord) map[string]ToolStats {
	out := make(map[string]ToolStats)
	for _, r := range records {
		st := out[r.ToolName]
		st.Records++
		if r.OutcomeSuccess {
			st.Successes++
		}
		st.AvgScore += (r.QualityScore - st.AvgScore) / float64(st.Records)
		out[r.ToolName] = st
	}
	return out
}

func recordKey(rec model.HistoryRecord) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", recordPrefix, rec.Timestamp.UnixNano(), rec.ID))
}
