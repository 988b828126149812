package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/gridagent/internal/config"
	"github.com/mbd888/gridagent/internal/health"
	"github.com/mbd888/gridagent/internal/status"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	config.Normalize(cfg)
	cfg.Server.LogLevel = "error"
	return cfg
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *status.Bus, string) {
	t.Helper()
	bus := status.NewBus()
	configPath := filepath.Join(t.TempDir(), "config.json")
	raw := []byte(`{}`)
	require.NoError(t, os.WriteFile(configPath, raw, 0o644))
	s := New(testConfig(), configPath, raw, bus, opts...)
	return s, bus, configPath
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestSnapshotEndpoint(t *testing.T) {
	s, bus, _ := newTestServer(t)

	w := doJSON(t, s, "GET", "/api/ui/snapshot", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "no snapshot before the first collect")

	bus.Publish(&status.Snapshot{Characters: []status.CharacterStatus{{Name: "Sable", HP: 80}}})

	w = doJSON(t, s, "GET", "/api/ui/snapshot", "")
	require.Equal(t, http.StatusOK, w.Code)
	var snap status.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	require.Len(t, snap.Characters, 1)
	assert.Equal(t, "Sable", snap.Characters[0].Name)
}

func TestHealthzWithoutRegistry(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := doJSON(t, s, "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthzDegraded(t *testing.T) {
	reg := health.NewRegistry()
	reg.Register("game-api", func(context.Context) health.Status {
		return health.Status{Name: "game-api", Healthy: false, Detail: "connection refused"}
	})
	s, _, _ := newTestServer(t, WithHealth(reg))

	w := doJSON(t, s, "GET", "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp struct {
		Status string          `json:"status"`
		Checks []health.Status `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "connection refused", resp.Checks[0].Detail)
}

func TestReadyzBeforeRun(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := doJSON(t, s, "GET", "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready until Run marks it")
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := doJSON(t, s, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gridagent")
}

func TestGetConfig(t *testing.T) {
	s, _, configPath := newTestServer(t)

	w := doJSON(t, s, "GET", "/api/config", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp configResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, `{}`, resp.RawJSON)
	assert.Equal(t, config.Hash([]byte(`{}`)), resp.IfMatchHash)
	assert.Equal(t, configPath, resp.ConfigPath)
}

func TestPostConfigApplies(t *testing.T) {
	var applied *config.Config
	s, _, configPath := newTestServer(t, WithConfigApplied(func(cfg *config.Config) {
		applied = cfg
	}))

	edited := `{"characters":{"Sable":{"rest":{"triggerPct":40,"targetPct":95}}}}`
	body, _ := json.Marshal(configUpdateRequest{
		RawJSON:     edited,
		IfMatchHash: config.Hash([]byte(`{}`)),
	})

	w := doJSON(t, s, "POST", "/api/config", string(body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp configResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, config.Hash([]byte(edited)), resp.IfMatchHash)

	onDisk, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, edited, string(onDisk))

	require.NotNil(t, applied)
	assert.Equal(t, 40, applied.Characters["Sable"].Rest.TriggerPct)
}

func TestPostConfigStaleHash(t *testing.T) {
	s, _, _ := newTestServer(t)

	body, _ := json.Marshal(configUpdateRequest{
		RawJSON:     `{}`,
		IfMatchHash: "not-the-current-hash",
	})
	w := doJSON(t, s, "POST", "/api/config", string(body))
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), config.Hash([]byte(`{}`)))
}

func TestPostConfigValidationErrors(t *testing.T) {
	s, _, configPath := newTestServer(t)

	body, _ := json.Marshal(configUpdateRequest{
		RawJSON:     `{"server":{"logLevel":"loud"}}`,
		IfMatchHash: config.Hash([]byte(`{}`)),
	})
	w := doJSON(t, s, "POST", "/api/config", string(body))
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp struct {
		Errors []config.FieldError `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Errors)
	assert.Equal(t, "server.logLevel", resp.Errors[0].Path)

	// A rejected edit never reaches the file.
	onDisk, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(onDisk))
}

func TestEventsStreamSendsSnapshotOnConnect(t *testing.T) {
	s, bus, _ := newTestServer(t)
	bus.Publish(&status.Snapshot{Characters: []status.CharacterStatus{{Name: "Rook", HP: 70}}})

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/ui/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	require.NotEmpty(t, data, "expected a snapshot event on connect")

	var snap status.Snapshot
	require.NoError(t, json.Unmarshal([]byte(data), &snap))
	require.Len(t, snap.Characters, 1)
	assert.Equal(t, "Rook", snap.Characters[0].Name)
}
