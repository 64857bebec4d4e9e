// Package handlers contains the HTTP handlers of the courier API:
//   - provider webhooks and unsubscribe links (public, under /webhooks/email)
//   - the internal send API, integration administration and the metrics
//     overview (under /v1, bearer authenticated)
//   - the Prometheus scrape endpoint
package handlers

import (
	"context"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"courier/internal/core"
	"courier/internal/notifications/email"
	"courier/internal/types"
)

// maxWebhookBodySize caps provider webhook payloads.
const maxWebhookBodySize = 256 * 1024

// WebhookIngestor verifies and records a provider webhook.
type WebhookIngestor interface {
	Ingest(ctx context.Context, segment string, body []byte, headers http.Header) (*email.WebhookOutcome, error)
}

// Unsubscriber opts out the recipient owning an unsubscribe token.
type Unsubscriber interface {
	Unsubscribe(ctx context.Context, token, method string) (*types.RecipientReputation, error)
}

// EmailWebhookHandler serves the public /webhooks/email routes.
type EmailWebhookHandler struct {
	ingestor WebhookIngestor
	unsub    Unsubscriber
	logger   *slog.Logger
}

func NewEmailWebhookHandler(ingestor WebhookIngestor, unsub Unsubscriber, logger *slog.Logger) *EmailWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailWebhookHandler{ingestor: ingestor, unsub: unsub, logger: logger}
}

// RegisterRoutes mounts the webhook and unsubscribe endpoints. The static
// unsubscribe segment wins over the provider parameter.
func (h *EmailWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Route("/webhooks/email", func(r chi.Router) {
		r.Get("/unsubscribe/{token}", h.HandleUnsubscribePage)
		r.Post("/unsubscribe/{token}", h.HandleOneClickUnsubscribe)
		r.Post("/{provider}", h.HandleProviderWebhook)
	})
}

// HandleProviderWebhook handles POST /webhooks/email/{provider}. Accepted,
// duplicate, unrecognised and malformed events all answer 200; signature
// failures 401;
// a provider without an active integration 404. Storage failures answer 500
// so the provider redelivers.
func (h *EmailWebhookHandler) HandleProviderWebhook(w http.ResponseWriter, r *http.Request) {
	segment := chi.URLParam(r, "provider")

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "provider", segment, "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationPayloadTooLarge, "webhook body could not be read", err))
		return
	}

	out, err := h.ingestor.Ingest(r.Context(), segment, body, r.Header)
	if types.HasCode(err, types.ErrCodeValidationInvalidEvent) {
		// Signed but unparseable; a provider retry would fail the same way.
		h.logger.WarnContext(r.Context(), "malformed webhook payload ignored", "provider", segment, "error", err)
		core.JSON(w, r, http.StatusOK, webhookResponse{Received: true, WebhookOutcome: &email.WebhookOutcome{Ignored: true}})
		return
	}
	if err != nil {
		if types.CodeOf(err).HTTPStatus() >= http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "webhook processing failed", "provider", segment, "error", err)
		} else {
			h.logger.WarnContext(r.Context(), "webhook rejected", "provider", segment, "code", types.CodeOf(err))
		}
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, webhookResponse{Received: true, WebhookOutcome: out})
}

type webhookResponse struct {
	Received bool `json:"received"`
	*email.WebhookOutcome
}

// HandleOneClickUnsubscribe handles the RFC 8058 one-click POST that mail
// clients send for List-Unsubscribe-Post.
func (h *EmailWebhookHandler) HandleOneClickUnsubscribe(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	if _, err := h.unsub.Unsubscribe(r.Context(), token, email.UnsubscribeOneClick); err != nil {
		if !types.HasCode(err, types.ErrCodeNotFoundToken) {
			h.logger.ErrorContext(r.Context(), "one-click unsubscribe failed", "error", err)
		}
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, map[string]bool{"success": true})
}

// HandleUnsubscribePage handles the link in the email footer. Following the
// link opts the recipient out and renders a confirmation page.
func (h *EmailWebhookHandler) HandleUnsubscribePage(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	rep, err := h.unsub.Unsubscribe(r.Context(), token, email.UnsubscribeLink)
	switch {
	case err == nil:
		h.renderPage(w, r, http.StatusOK, unsubscribePage{
			Title:   "You have been unsubscribed",
			Message: "You will no longer receive marketing emails at",
			Email:   email.RedactEmail(rep.Email),
		})
	case types.HasCode(err, types.ErrCodeNotFoundToken):
		h.renderPage(w, r, http.StatusNotFound, unsubscribePage{
			Title:   "Link not recognised",
			Message: "This unsubscribe link is invalid or has expired.",
		})
	default:
		h.logger.ErrorContext(r.Context(), "unsubscribe failed", "error", err)
		h.renderPage(w, r, http.StatusInternalServerError, unsubscribePage{
			Title:   "Something went wrong",
			Message: "We could not process your request. Please try again later.",
		})
	}
}

type unsubscribePage struct {
	Title   string
	Message string
	Email   string
}

var unsubscribeTemplate = template.Must(template.New("unsubscribe").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="robots" content="noindex">
<title>{{.Title}}</title>
</head>
<body style="font-family: sans-serif; max-width: 32rem; margin: 4rem auto; text-align: center;">
<h1>{{.Title}}</h1>
<p>{{.Message}}{{if .Email}} <strong>{{.Email}}</strong>.{{end}}</p>
</body>
</html>
`))

func (h *EmailWebhookHandler) renderPage(w http.ResponseWriter, r *http.Request, status int, page unsubscribePage) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := unsubscribeTemplate.Execute(w, page); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.ErrorContext(r.Context(), "failed to render unsubscribe page", "error", err)
	}
}
