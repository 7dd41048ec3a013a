package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/klauspost/compress/zip"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eztheme/builder/internal/app"
	"github.com/eztheme/builder/internal/archive"
	"github.com/eztheme/builder/internal/artifact"
	"github.com/eztheme/builder/internal/asset"
	"github.com/eztheme/builder/internal/auth"
	"github.com/eztheme/builder/internal/billing"
	"github.com/eztheme/builder/internal/joblock"
	"github.com/eztheme/builder/internal/metrics"
	"github.com/eztheme/builder/internal/pipeline"
	"github.com/eztheme/builder/internal/service"
	"github.com/eztheme/builder/internal/store"
	"github.com/eztheme/builder/internal/substitute"
	"github.com/eztheme/builder/internal/toolchain"
	ws "github.com/eztheme/builder/internal/websocket"
	"github.com/eztheme/builder/internal/worker"
)

const (
	testJWTSecret = "test-secret-for-e2e"
	testUser      = "test-user-123"
	otherUser     = "other-user-456"
	pricePerBuild = 10

	configTarget = "src/config/index.js"
	logoPath     = "public/images/logo.png"
	failMarker   = "FAIL_BUILD"
)

// testApp is the router wired to in-memory backends. Queued builds run
// synchronously inside the enqueue call.
type testApp struct {
	app       *fiber.App
	store     *store.Memory
	ledger    *billing.Memory
	artifacts string
}

// workspaceMaterializer creates a minimal project per build
type workspaceMaterializer struct {
	root string
}

func (m *workspaceMaterializer) Materialize(_ context.Context, jobID string) (string, error) {
	dir := filepath.Join(m.root, jobID)
	if err := os.MkdirAll(filepath.Join(dir, "src", "config"), 0o755); err != nil {
		return "", err
	}
	return dir, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"name":"ez-theme"}`), 0o644)
}

// stubBuilder stands in for npm: it copies the rendered config and logo to
// dist, and fails when the config carries the fail marker.
type stubBuilder struct{}

func (stubBuilder) Build(_ context.Context, workspace string) (*toolchain.Result, error) {
	cfg, err := os.ReadFile(filepath.Join(workspace, configTarget))
	if err != nil {
		return nil, err
	}
	if bytes.Contains(cfg, []byte(failMarker)) {
		return nil, &toolchain.ExitError{Line: "npm run build", ExitCode: 1, Stderr: "ERROR in ./src/config/index.js"}
	}

	dist := filepath.Join(workspace, "dist")
	if err := os.MkdirAll(filepath.Join(dist, "images"), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dist, "index.html"), []byte("<html></html>"), 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dist, "config.js"), cfg, 0o644); err != nil {
		return nil, err
	}
	if logo, err := os.ReadFile(filepath.Join(workspace, logoPath)); err == nil {
		if err := os.WriteFile(filepath.Join(dist, "images", "logo.png"), logo, 0o644); err != nil {
			return nil, err
		}
	}
	return &toolchain.Result{Duration: time.Millisecond}, nil
}

// inlineQueue runs each queued build through the worker before returning
type inlineQueue struct {
	worker *worker.BuildWorker
}

func (q *inlineQueue) Enqueue(task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	_ = q.worker.ProcessTask(context.Background(), task)
	return &asynq.TaskInfo{Queue: service.QueueBuilds}, nil
}

func setupApp(t *testing.T) *testApp {
	t.Helper()

	root := t.TempDir()
	artifactsDir := filepath.Join(root, "builds")

	st := store.NewMemory()
	ledger := billing.NewMemory()
	artifacts := artifact.NewStore(artifactsDir)
	hub := ws.NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	engine, err := substitute.NewEngine("", configTarget)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	controller := pipeline.New(pipeline.Deps{
		Store:        st,
		Locker:       joblock.NewLocal(),
		Materializer: &workspaceMaterializer{root: filepath.Join(root, "temp")},
		Renderer:     engine,
		Injector:     asset.NewInjector(logoPath),
		Builder:      stubBuilder{},
		Archiver:     archive.NewZipper(artifactsDir),
		Artifacts:    artifacts,
		Observer:     pipeline.Observers{hub, m},
		OutputDir:    "dist",
	})

	queue := &inlineQueue{worker: worker.NewBuildWorker(controller, nil)}
	svc := service.NewBuildService(st, ledger, controller, queue, artifacts, nil, service.Options{
		PricePerBuild: pricePerBuild,
		MaxAssetSize:  1024 * 1024,
		TaskTimeout:   time.Minute,
	})

	router := app.NewRouter(app.RouterDeps{
		Service:       svc,
		Hub:           hub,
		Authenticator: auth.NewAuthenticator(nil, testJWTSecret),
		Gatherer:      reg,
		MaxAssetSize:  1024 * 1024,
	})

	ctx := context.Background()
	if err := ledger.Credit(ctx, testUser, 100); err != nil {
		t.Fatalf("failed to grant credits: %v", err)
	}
	if err := ledger.Credit(ctx, otherUser, 100); err != nil {
		t.Fatalf("failed to grant credits: %v", err)
	}

	return &testApp{app: router, store: st, ledger: ledger, artifacts: artifactsDir}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueLegacyToken(userID, userID+"@example.com", testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return token
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs a request as userID.
func doAuthRequest(t *testing.T, app *fiber.App, userID, method, path, body string) *http.Response {
	t.Helper()
	resp, err := doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + generateToken(t, userID),
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

// readBody reads and returns the response body.
func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return b
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// assertErrorCode checks the code of an error envelope.
func assertErrorCode(t *testing.T, body map[string]interface{}, expected string) {
	t.Helper()
	errObj, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error envelope, got %v", body)
	}
	if errObj["code"] != expected {
		t.Errorf("expected error code %s, got %v", expected, errObj["code"])
	}
}

// createBuild posts a JSON build request and returns the build id.
func createBuild(t *testing.T, ta *testApp, userID, body string) string {
	t.Helper()
	resp := doAuthRequest(t, ta.app, userID, http.MethodPost, "/api/builds", body)
	assertStatus(t, resp, http.StatusAccepted)
	result := parseJSON(t, resp)
	id, _ := result["buildId"].(string)
	if id == "" {
		t.Fatalf("expected buildId in response, got %v", result)
	}
	return id
}

// zipEntries reads a zip archive into a name → content map.
func zipEntries(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("invalid zip: %v", err)
	}
	out := make(map[string]string)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		out[f.Name] = string(b)
	}
	return out
}
