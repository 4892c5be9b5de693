package state

import (
	"context"
	"sort"
	"sync"

	apperrors "github.com/mpz/devops/tools/aurora-restore-pipeline/internal/errors"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/types"
)

// MemoryStore is an in-memory Store for tests and the local runner.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]map[string]*types.StepRecord // operation_id -> sort key -> record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]map[string]*types.StepRecord)}
}

func (s *MemoryStore) SaveStep(ctx context.Context, rec *types.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops, ok := s.rows[rec.OperationID]
	if !ok {
		ops = make(map[string]*types.StepRecord)
		s.rows[rec.OperationID] = ops
	}
	cp := *rec
	ops[rec.Step.SortKey()] = &cp
	return nil
}

func (s *MemoryStore) GetStep(ctx context.Context, operationID string, step types.Step) (*types.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.rows[operationID][step.SortKey()]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, apperrors.ErrNotFound
}

func (s *MemoryStore) LatestStep(ctx context.Context, operationID string) (*types.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ops := s.rows[operationID]
	if len(ops) == 0 {
		return nil, apperrors.ErrNotFound
	}
	var latestKey string
	for k := range ops {
		if k > latestKey {
			latestKey = k
		}
	}
	cp := *ops[latestKey]
	return &cp, nil
}

func (s *MemoryStore) ListSteps(ctx context.Context, operationID string) ([]*types.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ops := s.rows[operationID]
	keys := make([]string, 0, len(ops))
	for k := range ops {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*types.StepRecord, 0, len(keys))
	for _, k := range keys {
		cp := *ops[k]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) DeleteOperation(ctx context.Context, operationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.rows[operationID])
	delete(s.rows, operationID)
	return n, nil
}
