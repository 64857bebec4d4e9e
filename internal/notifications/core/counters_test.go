package core

import (
	"context"
	"testing"
	"time"

	"courier/internal/types"
)

func TestEncodeDims_RoundTripsSentinels(t *testing.T) {
	dims := types.Daily(time.Date(2026, 1, 2, 23, 59, 0, 0, time.UTC), "", "", types.ProviderSMTP, "")

	got, err := decodeDims(encodeDims(dims))
	if err != nil {
		t.Fatalf("decodeDims: %v", err)
	}
	if got != dims {
		t.Errorf("got %+v, want %+v", got, dims)
	}
}

func TestEncodeDims_FieldSeparatorInTemplate(t *testing.T) {
	dims := types.Daily(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), "t|1", types.EmailTypeMarketing, types.ProviderResend, "a|b")
	fields := map[string]string{
		encodeDims(dims) + "|sent":       "7",
		encodeDims(dims) + "|complaints": "1",
	}

	rows, err := parseCounterHash(fields)
	if err != nil {
		t.Fatalf("parseCounterHash: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].MetricsDims != dims {
		t.Errorf("dims = %+v", rows[0].MetricsDims)
	}
	if rows[0].Sent != 7 || rows[0].Complaints != 1 {
		t.Errorf("counts = %+v", rows[0].MetricsCounts)
	}
}

func TestParseCounterHash_SkipsGarbage(t *testing.T) {
	dims := types.Daily(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), "", "", types.ProviderSES, "")
	fields := map[string]string{
		"no-separator":                "1",
		"{bad json}|sent":             "1",
		encodeDims(dims) + "|sent":    "x",
		encodeDims(dims) + "|bounced": "2",
	}

	rows, err := parseCounterHash(fields)
	if err != nil {
		t.Fatalf("parseCounterHash: %v", err)
	}
	if len(rows) != 1 || rows[0].Bounced != 2 || rows[0].Sent != 0 {
		t.Errorf("rows = %+v", rows)
	}
}

func TestMemoryCounterStore_DrainDetachesPartition(t *testing.T) {
	s := NewMemoryCounterStore()
	ctx := context.Background()
	dims := types.Daily(time.Now(), "", "", types.ProviderResend, "")

	_ = s.Add(ctx, dims, types.MetricsCounts{Sent: 1})
	_ = s.Add(ctx, dims, types.MetricsCounts{Sent: 1, Delivered: 1})

	batch, err := s.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(batch.Rows) != 1 || batch.Rows[0].Sent != 2 || batch.Rows[0].Delivered != 1 {
		t.Fatalf("drained rows = %+v", batch.Rows)
	}

	// Increments after the drain land in the new partition.
	_ = s.Add(ctx, dims, types.MetricsCounts{Sent: 5})
	if err := batch.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	rows, _ := s.Snapshot(ctx)
	if len(rows) != 1 || rows[0].Sent != 5 {
		t.Errorf("live rows = %+v", rows)
	}
}

func TestMemoryCounterStore_RollbackMergesBack(t *testing.T) {
	s := NewMemoryCounterStore()
	ctx := context.Background()
	dims := types.Daily(time.Now(), "", "", types.ProviderResend, "")

	_ = s.Add(ctx, dims, types.MetricsCounts{Sent: 2})
	batch, _ := s.Drain(ctx)
	_ = s.Add(ctx, dims, types.MetricsCounts{Sent: 3})

	if err := batch.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	rows, _ := s.Snapshot(ctx)
	if len(rows) != 1 || rows[0].Sent != 5 {
		t.Errorf("live rows = %+v", rows)
	}
}

func TestDrainedBatch_NilSafe(t *testing.T) {
	var b *DrainedBatch
	if err := b.Commit(context.Background()); err != nil {
		t.Errorf("Commit: %v", err)
	}
	if err := b.Rollback(context.Background()); err != nil {
		t.Errorf("Rollback: %v", err)
	}
}

func TestRedisCounterStore_KeysShareHashTag(t *testing.T) {
	s := NewRedisCounterStore(nil, "courier")
	if s.live != "{courier:metrics}:live" {
		t.Errorf("live key = %q", s.live)
	}
	if s.prefix != "{courier:metrics}" {
		t.Errorf("prefix = %q", s.prefix)
	}
}
