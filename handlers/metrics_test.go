package handlers

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ip-traffic-agent/models"
	"ip-traffic-agent/services"
)

func newTestApp(t *testing.T) (*fiber.App, *services.TrafficAggregator) {
	t.Helper()

	agg := services.NewTrafficAggregator()
	geo, err := services.NewGeoCache("")
	require.NoError(t, err)
	t.Cleanup(geo.Close)

	collector := services.NewTrafficCollector(agg, geo, nil, models.DefaultExportThreshold)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	app := fiber.New()
	app.Get("/metrics", NewHandler(registry).GetMetrics())
	return app, agg
}

func TestGetMetrics(t *testing.T) {
	app, agg := newTestApp(t)
	agg.Apply(models.TrafficDelta{RemoteIP: "8.8.8.8", TxBytes: 2_000_000, RxBytes: 500})

	resp, err := app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get(fiber.HeaderContentType), "text/plain; version=0.0.4")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "# TYPE ip_traffic_tx_bytes_total counter")
	assert.Contains(t, string(body), `remote_ip="8.8.8.8"`)
	assert.Contains(t, string(body), `country="Unknown"`)
}

func TestGetMetricsEmpty(t *testing.T) {
	app, _ := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "ip_traffic")
}
