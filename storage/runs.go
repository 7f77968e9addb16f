package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/churn/dedupe"
	"github.com/yairfalse/churn/orchestrator"
	"github.com/yairfalse/churn/types"
)

// Bucket names in bbolt
var (
	bucketRuns = []byte("runs")
	bucketMeta = []byte("meta")

	keyCurrentRevision = []byte("current_revision")
)

// ErrRunNotFound is returned for unknown revisions and run IDs
var ErrRunNotFound = errors.New("run not found")

// RunSummary is the indexed, listing-sized view of a stored run
type RunSummary struct {
	Revision     int64            `json:"revision"`
	ID           string           `json:"id"`
	StartTime    time.Time        `json:"start_time"`
	Duration     time.Duration    `json:"duration"`
	Days         int              `json:"days"`
	Current      types.TimeWindow `json:"current"`
	Previous     types.TimeWindow `json:"previous"`
	Scopes       int              `json:"scopes"`
	FailedScopes []string         `json:"failed_scopes,omitempty"`
	Rows         int              `json:"rows"`
	Warnings     int              `json:"warnings"`
}

// Less orders summaries by revision
func (r *RunSummary) Less(than *RunSummary) bool {
	return r.Revision < than.Revision
}

// StoredFailure is a scope failure with its cause flattened to text
type StoredFailure struct {
	Scope  string           `json:"scope"`
	Window types.WindowKind `json:"window"`
	Error  string           `json:"error"`
}

// StoredRun is everything persisted for one run
type StoredRun struct {
	Summary         RunSummary           `json:"summary"`
	Rows            []types.AggregateRow `json:"rows"`
	CreatedCurrent  *dedupe.Set          `json:"created_current"`
	CreatedPrevious *dedupe.Set          `json:"created_previous"`
	DeletedCurrent  *dedupe.Set          `json:"deleted_current"`
	Failures        []StoredFailure      `json:"failures,omitempty"`
}

// FromResult converts a run result into its stored form
func FromResult(result *orchestrator.RunResult) *StoredRun {
	failures := make([]StoredFailure, 0, len(result.Failures))
	for _, f := range result.Failures {
		msg := ""
		if f.Err != nil {
			msg = f.Err.Error()
		}
		failures = append(failures, StoredFailure{Scope: f.Scope, Window: f.Window, Error: msg})
	}

	return &StoredRun{
		Summary: RunSummary{
			ID:           result.ID.String(),
			StartTime:    result.StartTime,
			Duration:     result.Duration,
			Days:         result.Days,
			Current:      result.Current,
			Previous:     result.Previous,
			Scopes:       result.Scopes,
			FailedScopes: result.FailedScopes(),
			Rows:         len(result.Rows),
			Warnings:     result.Warnings,
		},
		Rows:            result.Rows,
		CreatedCurrent:  result.CreatedCurrent,
		CreatedPrevious: result.CreatedPrevious,
		DeletedCurrent:  result.DeletedCurrent,
		Failures:        failures,
	}
}

// Result rebuilds the run result so stored runs can be re-emitted. Failure
// causes come back as plain errors carrying the stored text.
func (r *StoredRun) Result() *orchestrator.RunResult {
	id, _ := uuid.Parse(r.Summary.ID)

	failures := make([]orchestrator.ScopeFailure, 0, len(r.Failures))
	for _, f := range r.Failures {
		failures = append(failures, orchestrator.ScopeFailure{Scope: f.Scope, Window: f.Window, Err: errors.New(f.Error)})
	}

	result := &orchestrator.RunResult{
		ID:              id,
		StartTime:       r.Summary.StartTime,
		EndTime:         r.Summary.StartTime.Add(r.Summary.Duration),
		Duration:        r.Summary.Duration,
		Days:            r.Summary.Days,
		Current:         r.Summary.Current,
		Previous:        r.Summary.Previous,
		Rows:            r.Rows,
		CreatedCurrent:  r.CreatedCurrent,
		CreatedPrevious: r.CreatedPrevious,
		DeletedCurrent:  r.DeletedCurrent,
		Scopes:          r.Summary.Scopes,
		Failures:        failures,
		Warnings:        r.Summary.Warnings,
	}
	for _, set := range []**dedupe.Set{&result.CreatedCurrent, &result.CreatedPrevious, &result.DeletedCurrent} {
		if *set == nil {
			*set = dedupe.New()
		}
	}
	return result
}

// RunStore keeps the history of aggregation runs in bbolt, one revision per
// run, with an in-memory btree index of summaries
type RunStore struct {
	mu sync.RWMutex

	// In-memory index for listing without decoding full runs
	index *btree.BTreeG[*RunSummary]

	db *bbolt.DB

	currentRev int64

	dir string
}

// NewRunStore opens (or creates) the run store in dir
func NewRunStore(dir string) (*RunStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dir, "churn.db"), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketRuns, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	store := &RunStore{
		index: btree.NewG(32, func(a, b *RunSummary) bool {
			return a.Less(b)
		}),
		db:  db,
		dir: dir,
	}

	if err := store.load(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the store
func (s *RunStore) Close() error {
	return s.db.Close()
}

// SaveRun stores a run result under a new revision
func (s *RunStore) SaveRun(result *orchestrator.RunResult) (int64, error) {
	if result == nil {
		return 0, errors.New("nil run result")
	}
	run := FromResult(result)

	s.mu.Lock()
	defer s.mu.Unlock()

	rev := s.currentRev + 1
	run.Summary.Revision = rev

	value, err := json.Marshal(run)
	if err != nil {
		return 0, fmt.Errorf("failed to encode run: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketRuns).Put(makeRunKey(rev), value); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyCurrentRevision, int64ToBytes(rev))
	})
	if err != nil {
		return 0, err
	}

	s.currentRev = rev
	summary := run.Summary
	s.index.ReplaceOrInsert(&summary)

	return rev, nil
}

// GetRun loads the run stored at rev
func (s *RunStore) GetRun(rev int64) (*StoredRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var run *StoredRun
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get(makeRunKey(rev))
		if data == nil {
			return fmt.Errorf("%w: revision %d", ErrRunNotFound, rev)
		}
		run = &StoredRun{}
		return json.Unmarshal(data, run)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// GetRunByID loads a run by its run ID
func (s *RunStore) GetRunByID(id string) (*StoredRun, error) {
	rev := int64(0)

	s.mu.RLock()
	s.index.Ascend(func(summary *RunSummary) bool {
		if summary.ID == id {
			rev = summary.Revision
			return false
		}
		return true
	})
	s.mu.RUnlock()

	if rev == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return s.GetRun(rev)
}

// LatestRun loads the most recent run
func (s *RunStore) LatestRun() (*StoredRun, error) {
	s.mu.RLock()
	latest, ok := s.index.Max()
	s.mu.RUnlock()

	if !ok {
		return nil, ErrRunNotFound
	}
	return s.GetRun(latest.Revision)
}

// ListRuns returns up to limit summaries, newest first. limit <= 0 lists all.
func (s *RunStore) ListRuns(limit int) []RunSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var summaries []RunSummary
	s.index.Descend(func(summary *RunSummary) bool {
		summaries = append(summaries, *summary)
		return limit <= 0 || len(summaries) < limit
	})
	return summaries
}

// CurrentRevision returns the revision of the latest run
func (s *RunStore) CurrentRevision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRev
}

// Compact removes all but the newest keep runs and returns how many were removed
func (s *RunStore) Compact(keep int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.currentRev - keep
	if keep <= 0 || cutoff <= 0 {
		return 0, nil
	}

	var removed []*RunSummary
	s.index.AscendLessThan(&RunSummary{Revision: cutoff + 1}, func(summary *RunSummary) bool {
		removed = append(removed, summary)
		return true
	})

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRuns)
		for _, summary := range removed {
			if err := bucket.Delete(makeRunKey(summary.Revision)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, summary := range removed {
		s.index.Delete(summary)
	}
	return len(removed), nil
}

// Stats returns the number of stored runs, the current revision and the
// database size
func (s *RunStore) Stats() (runs int, currentRev int64, dbSizeBytes int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_ = s.db.View(func(tx *bbolt.Tx) error {
		dbSizeBytes = tx.Size()
		return nil
	})
	return s.index.Len(), s.currentRev, dbSizeBytes
}

// load restores the current revision and rebuilds the index from disk
func (s *RunStore) load() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(bucketMeta).Get(keyCurrentRevision); data != nil {
			s.currentRev = bytesToInt64(data)
		}

		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var run struct {
				Summary RunSummary `json:"summary"`
			}
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("corrupt run %s: %w", k, err)
			}
			s.index.ReplaceOrInsert(&run.Summary)
			return nil
		})
	})
}

func makeRunKey(rev int64) []byte {
	return []byte(fmt.Sprintf("%016d", rev))
}

func int64ToBytes(n int64) []byte {
	return []byte(fmt.Sprintf("%d", n))
}

func bytesToInt64(b []byte) int64 {
	var n int64
	_, _ = fmt.Sscanf(string(b), "%d", &n)
	return n
}
