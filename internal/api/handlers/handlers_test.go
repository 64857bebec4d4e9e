package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"courier/internal/core"
	"courier/internal/notifications/email"
	"courier/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// serve runs one request through a fresh chi router populated by register.
func serve(register func(r chi.Router), method, target, body string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	register(r)

	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) core.ErrorDetail {
	t.Helper()
	var resp core.APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp.Error
}

type fakeIngestor struct {
	segment string
	body    string
	headers http.Header
	out     *email.WebhookOutcome
	err     error
}

func (f *fakeIngestor) Ingest(_ context.Context, segment string, body []byte, headers http.Header) (*email.WebhookOutcome, error) {
	f.segment = segment
	f.body = string(body)
	f.headers = headers
	return f.out, f.err
}

type fakeUnsubscriber struct {
	token  string
	method string
	rep    *types.RecipientReputation
	err    error
}

func (f *fakeUnsubscriber) Unsubscribe(_ context.Context, token, method string) (*types.RecipientReputation, error) {
	f.token = token
	f.method = method
	return f.rep, f.err
}

type fakeSender struct {
	req  *email.SendRequest
	opts email.SendOptions
	res  *email.SendResult
}

func (f *fakeSender) Send(_ context.Context, req *email.SendRequest, opts email.SendOptions) *email.SendResult {
	f.req = req
	f.opts = opts
	return f.res
}

type fakeAdmin struct {
	views    []*email.IntegrationView
	view     *email.IntegrationView
	health   *email.HealthResult
	test     *email.TestSendResult
	loaded   int
	err      error
	gotID    string
	gotTo    string
	gotInput *email.IntegrationInput
}

func (f *fakeAdmin) List(context.Context) ([]*email.IntegrationView, error) {
	return f.views, f.err
}

func (f *fakeAdmin) Create(_ context.Context, in *email.IntegrationInput) (*email.IntegrationView, error) {
	f.gotInput = in
	return f.view, f.err
}

func (f *fakeAdmin) Update(_ context.Context, id string, in *email.IntegrationInput) (*email.IntegrationView, error) {
	f.gotID = id
	f.gotInput = in
	return f.view, f.err
}

func (f *fakeAdmin) SetPrimary(_ context.Context, id string) (*email.IntegrationView, error) {
	f.gotID = id
	return f.view, f.err
}

func (f *fakeAdmin) Reload(context.Context) (int, error) {
	return f.loaded, f.err
}

func (f *fakeAdmin) Check(_ context.Context, id string) (*email.HealthResult, error) {
	f.gotID = id
	return f.health, f.err
}

func (f *fakeAdmin) SendTest(_ context.Context, id, to string) (*email.TestSendResult, error) {
	f.gotID = id
	f.gotTo = to
	return f.test, f.err
}

var _ IntegrationAdministrator = (*email.IntegrationAdmin)(nil)

type fakeMetricsReader struct {
	days int
	m    *types.AggregatedMetrics
	err  error
}

func (f *fakeMetricsReader) Aggregated(_ context.Context, days int) (*types.AggregatedMetrics, error) {
	f.days = days
	return f.m, f.err
}
