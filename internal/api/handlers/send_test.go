package handlers

import (
	"encoding/json"
	"net/http"
	"testing"

	"courier/internal/core"
	"courier/internal/notifications/email"
	"courier/internal/types"
)

func newSendHandler(sender *fakeSender) *SendHandler {
	return NewSendHandler(sender, core.NewValidator(testLogger()), testLogger())
}

func TestSendHandler_HandleSend_Direct(t *testing.T) {
	sender := &fakeSender{res: &email.SendResult{Success: true, MessageID: "m-1", JobID: "j-1", Provider: "RESEND"}}
	h := newSendHandler(sender)

	body := `{"to":["ann@example.com"],"subject":"Hi","html":"<p>Hi</p>","type":"TRANSACTIONAL","dryRun":true,"maxRetries":2}`
	rec := serve(h.RegisterRoutes, http.MethodPost, "/email/send", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	if sender.req == nil || len(sender.req.To) != 1 || sender.req.To[0] != "ann@example.com" {
		t.Fatalf("request not forwarded: %+v", sender.req)
	}
	if sender.req.Subject != "Hi" || sender.req.Type != types.EmailType("TRANSACTIONAL") {
		t.Errorf("request fields = %+v", sender.req)
	}
	if !sender.opts.DryRun || sender.opts.MaxRetries != 2 || sender.opts.UseQueue != nil {
		t.Errorf("opts = %+v", sender.opts)
	}

	var got email.SendResult
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.MessageID != "m-1" || got.JobID != "j-1" {
		t.Errorf("result = %+v", got)
	}
}

func TestSendHandler_HandleSend_Queued(t *testing.T) {
	sender := &fakeSender{res: &email.SendResult{Success: true, JobID: "j-2", Queued: true}}
	h := newSendHandler(sender)

	rec := serve(h.RegisterRoutes, http.MethodPost, "/email/send", `{"to":["ann@example.com"],"text":"x","useQueue":true}`)

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
	if sender.opts.UseQueue == nil || !*sender.opts.UseQueue {
		t.Errorf("UseQueue = %v, want true", sender.opts.UseQueue)
	}
}

func TestSendHandler_HandleSend_FailureStatus(t *testing.T) {
	tests := []struct {
		name       string
		code       types.ErrorCode
		wantStatus int
	}{
		{"validation", types.ErrCodeValidationMissingRecipient, http.StatusBadRequest},
		{"no provider", types.ErrCodeUpstreamNoProvider, http.StatusServiceUnavailable},
		{"unknown", "", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{res: &email.SendResult{Success: false, Error: "refused", ErrorCode: tt.code}}
			h := newSendHandler(sender)

			rec := serve(h.RegisterRoutes, http.MethodPost, "/email/send", `{"to":[]}`)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var got email.SendResult
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Success || got.Error != "refused" {
				t.Errorf("result = %+v", got)
			}
		})
	}
}

func TestSendHandler_HandleSend_RejectsBadPayload(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode types.ErrorCode
	}{
		{"malformed json", `{"to":`, types.ErrCodeValidationInvalidJSON},
		{"unknown field", `{"to":["a@b.co"],"bogus":1}`, types.ErrCodeValidationInvalidJSON},
		{"retries out of range", `{"to":["a@b.co"],"maxRetries":50}`, types.ErrCodeValidationInvalidField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{}
			h := newSendHandler(sender)

			rec := serve(h.RegisterRoutes, http.MethodPost, "/email/send", tt.body)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if got := decodeError(t, rec); got.Code != string(tt.wantCode) {
				t.Errorf("code = %q, want %q", got.Code, tt.wantCode)
			}
			if sender.req != nil {
				t.Error("sender should not be called")
			}
		})
	}
}
