package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handler struct {
	registry *prometheus.Registry
}

func NewHandler(registry *prometheus.Registry) *Handler {
	return &Handler{registry: registry}
}

// GetMetrics serves the Prometheus exposition document.
// GET /metrics
func (h *Handler) GetMetrics() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
}
