package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"courier/internal/core"
	"courier/internal/types"
)

const maxMetricsWindowDays = 365

// MetricsReader serves the delivery metrics window.
type MetricsReader interface {
	Aggregated(ctx context.Context, days int) (*types.AggregatedMetrics, error)
}

// MetricsHandler serves GET /v1/metrics/email.
type MetricsHandler struct {
	reader      MetricsReader
	defaultDays int
	logger      *slog.Logger
}

func NewMetricsHandler(reader MetricsReader, defaultDays int, logger *slog.Logger) *MetricsHandler {
	if defaultDays <= 0 {
		defaultDays = 7
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MetricsHandler{reader: reader, defaultDays: defaultDays, logger: logger}
}

func (h *MetricsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/metrics/email", h.HandleEmailMetrics)
}

// HandleEmailMetrics returns overview and per-provider metrics for the last
// ?days=N days, merged from persisted rollups and live counters.
func (h *MetricsHandler) HandleEmailMetrics(w http.ResponseWriter, r *http.Request) {
	days := h.defaultDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxMetricsWindowDays {
			core.Error(w, r, types.NewAppErrorWithDetails(
				types.ErrCodeValidationInvalidField,
				"days must be an integer between 1 and 365",
				nil,
				map[string]any{"field": "days"},
			))
			return
		}
		days = n
	}

	m, err := h.reader.Aggregated(r.Context(), days)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "metrics aggregation failed", "days", days, "error", err)
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, m)
}

// PrometheusRoute mounts the scrape endpoint at /metrics. It is public so
// the scraper needs no API key; deployments keep it off the public ingress.
func PrometheusRoute(g prometheus.Gatherer) core.RouteRegistrar {
	h := promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	return func(r chi.Router) {
		r.Method(http.MethodGet, "/metrics", h)
	}
}
