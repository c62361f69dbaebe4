package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careflow/careflow/internal/config"
	"github.com/careflow/careflow/internal/platform/websocket"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		CORSOrigins:        []string{"http://localhost:3000"},
		OutboxPollInterval: time.Second,
		OutboxBatchSize:    10,
		OutboxMaxAttempts:  3,
	}
}

func findCommand(t *testing.T, root *cobra.Command, path ...string) *cobra.Command {
	t.Helper()
	cmd, rest, err := root.Find(path)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, path[len(path)-1], cmd.Name())
	return cmd
}

func TestRootCmd_Tree(t *testing.T) {
	root := rootCmd()
	assert.Equal(t, "careflow-server", root.Use)

	findCommand(t, root, "serve")
	up := findCommand(t, root, "migrate", "up")
	status := findCommand(t, root, "migrate", "status")
	findCommand(t, root, "outbox", "stats")
	retry := findCommand(t, root, "outbox", "retry")

	for _, c := range []*cobra.Command{up, status} {
		f := c.Flags().Lookup("dir")
		require.NotNil(t, f, c.Name())
		assert.Equal(t, "./migrations", f.DefValue)
	}
	kind := retry.Flags().Lookup("kind")
	require.NotNil(t, kind)
	assert.Equal(t, "", kind.DefValue)
}

func TestPrintStats_Sorted(t *testing.T) {
	cmd := &cobra.Command{}
	var buf bytes.Buffer
	cmd.SetOut(&buf)

	printStats(cmd, map[string]int64{"pending": 3, "abandoned": 1, "delivered": 12})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[1], "abandoned"))
	assert.True(t, strings.HasPrefix(lines[2], "delivered"))
	assert.True(t, strings.HasPrefix(lines[3], "pending"))
	assert.Contains(t, lines[3], "3")
}

func TestNewServer_RegistersRoutes(t *testing.T) {
	hub := websocket.NewHub()
	srv := newServer(testConfig(), nil, hub, hub, zerolog.Nop())

	routes := map[string]bool{}
	for _, r := range srv.echo.Routes() {
		routes[r.Method+" "+r.Path] = true
	}

	expected := []string{
		"GET /health",
		"GET /health/db",
		"GET /metrics",
		"POST /api/v1/lifecycles",
		"PATCH /api/v1/lifecycles/:id/status",
		"POST /api/v1/lab-orders",
		"POST /api/v1/lab-orders/:id/route",
		"POST /api/v1/imaging-orders",
		"POST /api/v1/prescriptions/:id/route",
		"DELETE /api/v1/prescriptions/:id/route",
		"POST /api/v1/pharmacies/:pharmacyId/orders/:id/dispense",
		"POST /api/v1/labs/:labId/orders/:id/complete",
		"GET /api/v1/notifications",
		"GET /api/v1/audit/:resourceType/:resourceId",
		"GET /api/v1/ws",
	}
	for _, route := range expected {
		assert.True(t, routes[route], "missing route %s", route)
	}
}

func TestNewServer_HealthAndMetrics(t *testing.T) {
	hub := websocket.NewHub()
	srv := newServer(testConfig(), nil, hub, hub, zerolog.Nop())

	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "careflow_http_requests_total")
}

func TestNewServer_DispatcherUsesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.OutboxPollInterval = 3 * time.Second
	cfg.OutboxBatchSize = 7
	hub := websocket.NewHub()

	srv := newServer(cfg, nil, hub, hub, zerolog.Nop())

	assert.Equal(t, 3*time.Second, srv.dispatcher.PollInterval)
	assert.Equal(t, 7, srv.dispatcher.BatchSize)
}
