package email

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"courier/internal/types"
)

func TestRegistry_Candidates_PrimaryFirst(t *testing.T) {
	a := &fakeAdapter{kind: types.ProviderResend, id: "a"}
	b := &fakeAdapter{kind: types.ProviderPostmark, id: "b"}
	c := &fakeAdapter{kind: types.ProviderSMTP, id: "c"}
	r := newTestRegistry([]*types.IntegrationConfig{
		integration("a", types.ProviderResend, false),
		integration("b", types.ProviderPostmark, true),
		integration("c", types.ProviderSMTP, false),
	}, adapterSet{"a": a, "b": b, "c": c})

	got, err := r.Candidates(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"b", "a", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %d candidates, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID() != id {
			t.Errorf("candidate %d: expected %s, got %s", i, id, got[i].ID())
		}
	}
}

func TestRegistry_Candidates_NoPrimaryUsesCreationOrder(t *testing.T) {
	r := newTestRegistry([]*types.IntegrationConfig{
		integration("first", types.ProviderSMTP, false),
		integration("second", types.ProviderResend, false),
	}, adapterSet{
		"first":  &fakeAdapter{kind: types.ProviderSMTP, id: "first"},
		"second": &fakeAdapter{kind: types.ProviderResend, id: "second"},
	})

	p, err := r.Resolve(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID() != "first" {
		t.Errorf("expected first, got %s", p.ID())
	}
}

func TestRegistry_Candidates_ExplicitRequest(t *testing.T) {
	r := newTestRegistry([]*types.IntegrationConfig{
		integration("a", types.ProviderResend, true),
		integration("b", types.ProviderPostmark, false),
		integration("c", types.ProviderPostmark, false),
	}, adapterSet{
		"a": &fakeAdapter{kind: types.ProviderResend, id: "a"},
		"b": &fakeAdapter{kind: types.ProviderPostmark, id: "b"},
		"c": &fakeAdapter{kind: types.ProviderPostmark, id: "c"},
	})

	tests := []struct {
		requested string
		want      string
	}{
		{"c", "c"},
		{"POSTMARK", "b"},
		{"postmark", "b"},
		{"ses", "a"},
		{"unknown-id", "a"},
	}
	for _, tt := range tests {
		t.Run(tt.requested, func(t *testing.T) {
			got, err := r.Candidates(context.Background(), tt.requested)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got[0].ID() != tt.want {
				t.Errorf("expected %s first, got %s", tt.want, got[0].ID())
			}
		})
	}
}

func TestRegistry_Candidates_NoProvider(t *testing.T) {
	r := newTestRegistry(nil, adapterSet{})

	_, err := r.Candidates(context.Background(), "")
	if !types.HasCode(err, types.ErrCodeUpstreamNoProvider) {
		t.Fatalf("expected no provider error, got %v", err)
	}
}

func TestRegistry_Reload_SkipsBrokenAdapter(t *testing.T) {
	logger := &captureLogger{}
	src := &staticSource{configs: []*types.IntegrationConfig{
		integration("ok", types.ProviderResend, false),
		integration("broken", types.ProviderSMTP, true),
	}}
	r := NewRegistry(src, adapterSet{"ok": &fakeAdapter{kind: types.ProviderResend, id: "ok"}}.factory, nil, logger)

	ps, err := r.Providers(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ps) != 1 || ps[0].ID() != "ok" {
		t.Fatalf("expected only the working adapter, got %v", sortedIDs(ps))
	}
	if !logger.has("error", "failed to initialize provider adapter") {
		t.Error("expected adapter failure to be logged")
	}
}

func TestRegistry_Reload_SwapsSnapshot(t *testing.T) {
	src := &staticSource{configs: []*types.IntegrationConfig{integration("a", types.ProviderResend, true)}}
	adapters := adapterSet{
		"a": &fakeAdapter{kind: types.ProviderResend, id: "a"},
		"b": &fakeAdapter{kind: types.ProviderPostmark, id: "b"},
	}
	r := NewRegistry(src, adapters.factory, nil, nil)
	ctx := context.Background()

	held, err := r.Resolve(ctx, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	src.configs = []*types.IntegrationConfig{integration("b", types.ProviderPostmark, true)}
	if err := r.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	now, _ := r.Resolve(ctx, "")
	if now.ID() != "b" {
		t.Errorf("expected b after reload, got %s", now.ID())
	}
	if held.ID() != "a" || held.Adapter == nil {
		t.Error("provider held from the old snapshot must stay usable")
	}
	if _, err := r.Get(ctx, "a"); !types.HasCode(err, types.ErrCodeNotFoundIntegration) {
		t.Errorf("expected a to be gone, got %v", err)
	}
}

func TestRegistry_LoadsLazilyOnce(t *testing.T) {
	src := &staticSource{configs: []*types.IntegrationConfig{integration("a", types.ProviderResend, true)}}
	r := NewRegistry(src, adapterSet{"a": &fakeAdapter{kind: types.ProviderResend, id: "a"}}.factory, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(ctx, ""); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if src.calls != 1 {
		t.Errorf("expected one load, got %d", src.calls)
	}
}

func TestRegistry_Reload_SourceError(t *testing.T) {
	src := &staticSource{err: errors.New("db down")}
	r := NewRegistry(src, adapterSet{}.factory, nil, nil)

	if _, err := r.Candidates(context.Background(), ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestRegistry_BreakerSurvivesReload(t *testing.T) {
	src := &staticSource{configs: []*types.IntegrationConfig{integration("a", types.ProviderResend, true)}}
	r := NewRegistry(src, adapterSet{"a": &fakeAdapter{kind: types.ProviderResend, id: "a"}}.factory, nil, nil)
	ctx := context.Background()

	before, _ := r.Get(ctx, "a")
	_ = r.Reload(ctx)
	after, _ := r.Get(ctx, "a")
	if before.Breaker != after.Breaker {
		t.Error("expected the same breaker across reloads")
	}
	if _, ok := r.BreakerStates()[BreakerName("a")]; !ok {
		t.Error("expected breaker state to be reported")
	}
}

func TestRegistry_ForWebhook(t *testing.T) {
	noSecret := integration("pm-1", types.ProviderPostmark, false)
	noSecret.WebhookSecret = ""
	withSecret := integration("pm-2", types.ProviderPostmark, false)
	withSecret.WebhookSecret = "s3cret"
	r := newTestRegistry([]*types.IntegrationConfig{
		noSecret,
		withSecret,
		{ID: "smtp", Provider: types.ProviderSMTP, IsActive: true},
	}, adapterSet{
		"pm-1": &fakeAdapter{kind: types.ProviderPostmark, id: "pm-1"},
		"pm-2": &fakeAdapter{kind: types.ProviderPostmark, id: "pm-2"},
		"smtp": &fakeAdapter{kind: types.ProviderSMTP, id: "smtp"},
	})
	ctx := context.Background()

	p, secret, err := r.ForWebhook(ctx, types.ProviderPostmark)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID() != "pm-2" || secret != "s3cret" {
		t.Errorf("expected pm-2 with its secret, got %s %q", p.ID(), secret)
	}

	if _, _, err := r.ForWebhook(ctx, types.ProviderSMTP); !types.HasCode(err, types.ErrCodeNotFoundIntegration) {
		t.Errorf("expected not found for missing secret, got %v", err)
	}
	if _, _, err := r.ForWebhook(ctx, types.ProviderResend); !types.HasCode(err, types.ErrCodeNotFoundIntegration) {
		t.Errorf("expected not found for missing integration, got %v", err)
	}
	if types.ErrCodeNotFoundIntegration.HTTPStatus() != http.StatusNotFound {
		t.Error("missing webhook integration must map to 404")
	}
}
