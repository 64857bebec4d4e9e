package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"courier/internal/core"
	"courier/internal/notifications/email"
)

// IntegrationAdministrator is the operator surface over provider
// integrations. *email.IntegrationAdmin implements it.
type IntegrationAdministrator interface {
	List(ctx context.Context) ([]*email.IntegrationView, error)
	Create(ctx context.Context, in *email.IntegrationInput) (*email.IntegrationView, error)
	Update(ctx context.Context, id string, in *email.IntegrationInput) (*email.IntegrationView, error)
	SetPrimary(ctx context.Context, id string) (*email.IntegrationView, error)
	Reload(ctx context.Context) (int, error)
	Check(ctx context.Context, id string) (*email.HealthResult, error)
	SendTest(ctx context.Context, id, to string) (*email.TestSendResult, error)
}

// IntegrationHandler serves /v1/integrations.
type IntegrationHandler struct {
	admin     IntegrationAdministrator
	validator *core.Validator
	logger    *slog.Logger
}

func NewIntegrationHandler(admin IntegrationAdministrator, val *core.Validator, logger *slog.Logger) *IntegrationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntegrationHandler{admin: admin, validator: val, logger: logger}
}

// RegisterRoutes mounts the integration endpoints.
func (h *IntegrationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/integrations", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/", h.HandleCreate)
		r.Post("/reload", h.HandleReload)
		r.Put("/{id}", h.HandleUpdate)
		r.Post("/{id}/primary", h.HandleSetPrimary)
		r.Post("/{id}/check", h.HandleCheck)
		r.Post("/{id}/test", h.HandleSendTest)
	})
}

type integrationList struct {
	Integrations []*email.IntegrationView `json:"integrations"`
}

// HandleList handles GET /v1/integrations. Secrets are masked.
func (h *IntegrationHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	views, err := h.admin.List(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if views == nil {
		views = []*email.IntegrationView{}
	}
	core.JSON(w, r, http.StatusOK, integrationList{Integrations: views})
}

// HandleCreate handles POST /v1/integrations.
func (h *IntegrationHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decodeInput(w, r)
	if !ok {
		return
	}

	view, err := h.admin.Create(r.Context(), in)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "integration created", "integration_id", view.ID, "provider", view.Provider)
	core.JSON(w, r, http.StatusCreated, view)
}

// HandleUpdate handles PUT /v1/integrations/{id}. Secret fields sent back as
// the mask keep their stored value.
func (h *IntegrationHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decodeInput(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	view, err := h.admin.Update(r.Context(), id, in)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "integration updated", "integration_id", id)
	core.JSON(w, r, http.StatusOK, view)
}

// HandleSetPrimary handles POST /v1/integrations/{id}/primary.
func (h *IntegrationHandler) HandleSetPrimary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	view, err := h.admin.SetPrimary(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "primary integration changed", "integration_id", id)
	core.JSON(w, r, http.StatusOK, view)
}

// HandleReload handles POST /v1/integrations/reload.
func (h *IntegrationHandler) HandleReload(w http.ResponseWriter, r *http.Request) {
	n, err := h.admin.Reload(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, map[string]int{"loaded": n})
}

// HandleCheck handles POST /v1/integrations/{id}/check. An unhealthy result
// is still a 200: the check itself succeeded.
func (h *IntegrationHandler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	res, err := h.admin.Check(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, res)
}

type testSendRequest struct {
	To string `json:"to" validate:"omitempty,email"`
}

// HandleSendTest handles POST /v1/integrations/{id}/test. The body is
// optional; without a recipient one is detected from the integration.
func (h *IntegrationHandler) HandleSendTest(w http.ResponseWriter, r *http.Request) {
	var req testSendRequest
	if r.ContentLength != 0 {
		if err := core.DecodeJSON(w, r, &req); err != nil {
			core.Error(w, r, err)
			return
		}
		if err := h.validator.ValidateStruct(&req); err != nil {
			core.Error(w, r, err)
			return
		}
	}

	res, err := h.admin.SendTest(r.Context(), chi.URLParam(r, "id"), req.To)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, res)
}

func (h *IntegrationHandler) decodeInput(w http.ResponseWriter, r *http.Request) (*email.IntegrationInput, bool) {
	var in email.IntegrationInput
	if err := core.DecodeJSON(w, r, &in); err != nil {
		core.Error(w, r, err)
		return nil, false
	}
	if err := h.validator.ValidateStruct(&in); err != nil {
		core.Error(w, r, err)
		return nil, false
	}
	return &in, true
}
