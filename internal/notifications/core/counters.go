package core

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"courier/internal/types"
)

// CounterStore holds the live partition of metrics counters: everything
// recorded since the last successful flush.
type CounterStore interface {
	Add(ctx context.Context, dims types.MetricsDims, c types.MetricsCounts) error
	Snapshot(ctx context.Context) ([]types.MetricsRollup, error)
	// Drain detaches the live partition. Increments that arrive afterwards
	// start a new partition. The caller must Commit or Rollback the batch.
	Drain(ctx context.Context) (*DrainedBatch, error)
}

// DrainedBatch is a detached live partition awaiting persistence.
type DrainedBatch struct {
	Rows     []types.MetricsRollup
	commit   func(ctx context.Context) error
	rollback func(ctx context.Context) error
}

// Commit discards the detached partition after it was persisted.
func (b *DrainedBatch) Commit(ctx context.Context) error {
	if b == nil || b.commit == nil {
		return nil
	}
	return b.commit(ctx)
}

// Rollback merges the detached partition back into the live one.
func (b *DrainedBatch) Rollback(ctx context.Context) error {
	if b == nil || b.rollback == nil {
		return nil
	}
	return b.rollback(ctx)
}

// dimsKey is the stable string form of a rollup dimension tuple.
type dimsKey struct {
	Date     string `json:"d"`
	Hour     int    `json:"h"`
	Tenant   string `json:"t"`
	Type     string `json:"e"`
	Provider string `json:"p"`
	Template string `json:"c"`
}

func encodeDims(d types.MetricsDims) string {
	b, _ := json.Marshal(dimsKey{
		Date:     d.Date.UTC().Format(time.DateOnly),
		Hour:     d.Hour,
		Tenant:   d.TenantID,
		Type:     string(d.EmailType),
		Provider: string(d.Provider),
		Template: d.TemplateCode,
	})
	return string(b)
}

func decodeDims(s string) (types.MetricsDims, error) {
	var k dimsKey
	if err := json.Unmarshal([]byte(s), &k); err != nil {
		return types.MetricsDims{}, err
	}
	date, err := time.Parse(time.DateOnly, k.Date)
	if err != nil {
		return types.MetricsDims{}, err
	}
	return types.MetricsDims{
		Date:         date,
		Hour:         k.Hour,
		TenantID:     k.Tenant,
		EmailType:    types.EmailType(k.Type),
		Provider:     types.ProviderKind(k.Provider),
		TemplateCode: k.Template,
	}, nil
}

// MemoryCounterStore keeps the live partition in process memory. It is the
// store used when no Redis URL is configured; counts are lost on restart.
type MemoryCounterStore struct {
	mu   sync.Mutex
	live map[string]*types.MetricsRollup
}

var _ CounterStore = (*MemoryCounterStore)(nil)

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{live: make(map[string]*types.MetricsRollup)}
}

func (s *MemoryCounterStore) Add(_ context.Context, dims types.MetricsDims, c types.MetricsCounts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(dims, c)
	return nil
}

func (s *MemoryCounterStore) addLocked(dims types.MetricsDims, c types.MetricsCounts) {
	key := encodeDims(dims)
	row, ok := s.live[key]
	if !ok {
		row = &types.MetricsRollup{MetricsDims: dims}
		s.live[key] = row
	}
	row.Add(c)
}

func (s *MemoryCounterStore) Snapshot(_ context.Context) ([]types.MetricsRollup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.MetricsRollup, 0, len(s.live))
	for _, row := range s.live {
		out = append(out, *row)
	}
	return out, nil
}

func (s *MemoryCounterStore) Drain(_ context.Context) (*DrainedBatch, error) {
	s.mu.Lock()
	detached := s.live
	s.live = make(map[string]*types.MetricsRollup)
	s.mu.Unlock()

	rows := make([]types.MetricsRollup, 0, len(detached))
	for _, row := range detached {
		rows = append(rows, *row)
	}
	return &DrainedBatch{
		Rows: rows,
		rollback: func(context.Context) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			for _, row := range rows {
				s.addLocked(row.MetricsDims, row.MetricsCounts)
			}
			return nil
		},
	}, nil
}
