package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskloom/poolmgr/workerpool"
)

func writeEchoScript(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.sh")
	script := "#!/bin/sh\n" +
		"while IFS= read -r line; do\n" +
		`  type=$(printf '%s' "$line" | sed -n 's/.*"type":"\([^"]*\)".*/\1/p')` + "\n" +
		`  id=$(printf '%s' "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')` + "\n" +
		`  case "$type" in
    INIT) printf '{"id":"%s","type":"INIT_DONE","ok":true,"data":{"pid":%d}}\n' "$id" "$$" ;;
    WORK) printf '{"id":"%s","type":"WORK_DONE","ok":true,"data":{"echoed":true}}\n' "$id" ;;
    TERMINATE) exit 0 ;;
  esac
` +
		"done\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestApp(t *testing.T, control *workerpool.Control) *fiber.App {
	app := fiber.New()
	h := NewHandler(control, zap.NewNop(), 5*time.Second)
	Setup(app, h)
	return app
}

func TestSubmitPoolUnknownPoolReturns404(t *testing.T) {
	control := workerpool.NewControl()
	app := newTestApp(t, control)

	body, _ := json.Marshal(map[string]any{"poolName": "nope", "workerTask": map[string]int{"n": 1}})
	req := httptest.NewRequest("POST", "/example/pool", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestSubmitPoolSuccess(t *testing.T) {
	control := workerpool.NewControl()
	require.NoError(t, control.InitPools([]workerpool.PoolConfig{{PoolName: "p1", WorkerScript: writeEchoScript(t), WorkerCount: 1}}))
	app := newTestApp(t, control)

	body, _ := json.Marshal(map[string]any{"poolName": "p1", "workerTask": map[string]int{"n": 1}})
	req := httptest.NewRequest("POST", "/example/pool", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var parsed envelope
	require.NoError(t, json.Unmarshal(raw, &parsed))
	require.True(t, parsed.OK)
}

func TestStatsEndpoint(t *testing.T) {
	control := workerpool.NewControl()
	require.NoError(t, control.InitPools([]workerpool.PoolConfig{{PoolName: "p1", WorkerScript: writeEchoScript(t), WorkerCount: 2}}))
	app := newTestApp(t, control)

	req := httptest.NewRequest("GET", "/example/stats?poolName=p1", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}
