package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"courier/internal/core"
	"courier/internal/notifications/email"
	"courier/internal/types"
)

func newIntegrationHandler(admin *fakeAdmin) *IntegrationHandler {
	return NewIntegrationHandler(admin, core.NewValidator(testLogger()), testLogger())
}

func TestIntegrationHandler_List(t *testing.T) {
	admin := &fakeAdmin{views: []*email.IntegrationView{
		{ID: "i-1", Provider: types.ProviderResend, Name: "Resend", APIKey: types.MaskedSecret},
	}}
	h := newIntegrationHandler(admin)

	rec := serve(h.RegisterRoutes, http.MethodGet, "/integrations", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got integrationList
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Integrations) != 1 || got.Integrations[0].APIKey != types.MaskedSecret {
		t.Errorf("integrations = %+v", got.Integrations)
	}
}

func TestIntegrationHandler_List_EmptyIsArray(t *testing.T) {
	h := newIntegrationHandler(&fakeAdmin{})

	rec := serve(h.RegisterRoutes, http.MethodGet, "/integrations", "")

	if !strings.Contains(rec.Body.String(), `"integrations":[]`) {
		t.Errorf("body = %s, want empty array", rec.Body.String())
	}
}

func TestIntegrationHandler_Create(t *testing.T) {
	admin := &fakeAdmin{view: &email.IntegrationView{ID: "i-2", Provider: types.ProviderPostmark, Name: "PM"}}
	h := newIntegrationHandler(admin)

	rec := serve(h.RegisterRoutes, http.MethodPost, "/integrations",
		`{"provider":"POSTMARK","name":"PM","apiKey":"server-token","fromEmail":"noreply@example.com"}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body %s", rec.Code, rec.Body.String())
	}
	if admin.gotInput == nil || admin.gotInput.APIKey != "server-token" {
		t.Errorf("input = %+v", admin.gotInput)
	}
}

func TestIntegrationHandler_Create_Validation(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantCode  types.ErrorCode
		wantField string
	}{
		{"missing name", `{"provider":"RESEND"}`, types.ErrCodeValidationMissingField, "name"},
		{"smtp without host", `{"provider":"SMTP","name":"relay"}`, types.ErrCodeValidationMissingField, "smtpHost"},
		{"bad from", `{"provider":"RESEND","name":"r","fromEmail":"nope"}`, types.ErrCodeValidationInvalidEmail, "fromEmail"},
		{"unknown provider", `{"provider":"MAILGUN","name":"m"}`, types.ErrCodeValidationInvalidField, "provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			admin := &fakeAdmin{}
			h := newIntegrationHandler(admin)

			rec := serve(h.RegisterRoutes, http.MethodPost, "/integrations", tt.body)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			got := decodeError(t, rec)
			if got.Code != string(tt.wantCode) {
				t.Errorf("code = %q, want %q", got.Code, tt.wantCode)
			}
			if !strings.Contains(rec.Body.String(), `"field":"`+tt.wantField+`"`) {
				t.Errorf("details missing field %q: %s", tt.wantField, rec.Body.String())
			}
			if admin.gotInput != nil {
				t.Error("admin should not be called")
			}
		})
	}
}

func TestIntegrationHandler_Update(t *testing.T) {
	admin := &fakeAdmin{view: &email.IntegrationView{ID: "i-3"}}
	h := newIntegrationHandler(admin)

	rec := serve(h.RegisterRoutes, http.MethodPut, "/integrations/i-3",
		`{"provider":"RESEND","name":"Resend","apiKey":"`+types.MaskedSecret+`"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	if admin.gotID != "i-3" {
		t.Errorf("id = %q, want i-3", admin.gotID)
	}
}

func TestIntegrationHandler_SetPrimary_NotFound(t *testing.T) {
	admin := &fakeAdmin{err: types.NewAppError(types.ErrCodeNotFoundIntegration, "integration not found", nil)}
	h := newIntegrationHandler(admin)

	rec := serve(h.RegisterRoutes, http.MethodPost, "/integrations/missing/primary", "")

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if admin.gotID != "missing" {
		t.Errorf("id = %q, want missing", admin.gotID)
	}
}

func TestIntegrationHandler_Reload(t *testing.T) {
	h := newIntegrationHandler(&fakeAdmin{loaded: 3})

	rec := serve(h.RegisterRoutes, http.MethodPost, "/integrations/reload", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"loaded":3`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestIntegrationHandler_Check(t *testing.T) {
	admin := &fakeAdmin{health: &email.HealthResult{IntegrationID: "i-4", Status: types.HealthUnhealthy, Message: "auth failed"}}
	h := newIntegrationHandler(admin)

	rec := serve(h.RegisterRoutes, http.MethodPost, "/integrations/i-4/check", "")

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "auth failed") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestIntegrationHandler_SendTest(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		wantTo string
	}{
		{"explicit recipient", `{"to":"ops@example.com"}`, "ops@example.com"},
		{"no body", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			admin := &fakeAdmin{test: &email.TestSendResult{Result: &email.SendResult{Success: true}}}
			h := newIntegrationHandler(admin)

			rec := serve(h.RegisterRoutes, http.MethodPost, "/integrations/i-5/test", tt.body)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
			}
			if admin.gotTo != tt.wantTo {
				t.Errorf("to = %q, want %q", admin.gotTo, tt.wantTo)
			}
		})
	}
}

func TestIntegrationHandler_SendTest_InvalidRecipient(t *testing.T) {
	admin := &fakeAdmin{}
	h := newIntegrationHandler(admin)

	rec := serve(h.RegisterRoutes, http.MethodPost, "/integrations/i-5/test", `{"to":"not-an-address"}`)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if admin.gotID != "" {
		t.Error("admin should not be called")
	}
}
