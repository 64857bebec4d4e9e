package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"courier/internal/core"
	"courier/internal/notifications/email"
)

// EmailSender runs one logical send.
type EmailSender interface {
	Send(ctx context.Context, req *email.SendRequest, opts email.SendOptions) *email.SendResult
}

// sendRequest is the POST /v1/email/send body: the send itself plus the
// per-call dispatch options.
type sendRequest struct {
	email.SendRequest
	DryRun     bool  `json:"dryRun,omitempty"`
	UseQueue   *bool `json:"useQueue,omitempty"`
	MaxRetries int   `json:"maxRetries,omitempty" validate:"min=0,max=20"`
}

// SendHandler exposes the dispatcher to internal callers.
type SendHandler struct {
	sender    EmailSender
	validator *core.Validator
	logger    *slog.Logger
}

func NewSendHandler(sender EmailSender, val *core.Validator, logger *slog.Logger) *SendHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SendHandler{sender: sender, validator: val, logger: logger}
}

// RegisterRoutes mounts POST /email/send. Authentication is applied by the
// /v1 group.
func (h *SendHandler) RegisterRoutes(r chi.Router) {
	r.Post("/email/send", h.HandleSend)
}

// HandleSend decodes the payload and dispatches it. The body is always the
// SendResult; the status is 200 for a direct send, 202 when queued and the
// status of the error code when the send was refused.
func (h *SendHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	res := h.sender.Send(r.Context(), &req.SendRequest, email.SendOptions{
		DryRun:     req.DryRun,
		UseQueue:   req.UseQueue,
		MaxRetries: req.MaxRetries,
	})

	status := http.StatusOK
	switch {
	case !res.Success:
		status = res.ErrorCode.HTTPStatus()
	case res.Queued:
		status = http.StatusAccepted
	}
	core.JSON(w, r, status, res)
}
