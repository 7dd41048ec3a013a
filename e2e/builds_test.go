package e2e

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eztheme/builder/internal/model"
)

const acmeBuild = `{"config":{"SITE_CONFIG":{"siteName":"Acme","showLogo":true},"DEFAULT_CONFIG":{"enableLandingPage":false}}}`

func getBuild(t *testing.T, ta *testApp, userID, id string) map[string]interface{} {
	t.Helper()
	resp := doAuthRequest(t, ta.app, userID, http.MethodGet, "/api/builds/"+id, "")
	assertStatus(t, resp, http.StatusOK)
	return parseJSON(t, resp)
}

func balance(t *testing.T, ta *testApp, userID string) int64 {
	t.Helper()
	b, err := ta.ledger.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

func TestCreateBuild_CompletesAndDownloads(t *testing.T) {
	ta := setupApp(t)

	id := createBuild(t, ta, testUser, acmeBuild)

	build := getBuild(t, ta, testUser, id)
	if build["status"] != string(model.BuildStatusCompleted) {
		t.Fatalf("expected completed build, got %v (error: %v)", build["status"], build["error"])
	}
	if build["downloadUrl"] != "/api/builds/"+id+"/download" {
		t.Errorf("unexpected downloadUrl %v", build["downloadUrl"])
	}
	if got := balance(t, ta, testUser); got != 100-pricePerBuild {
		t.Errorf("expected balance %d, got %d", 100-pricePerBuild, got)
	}

	resp := doAuthRequest(t, ta.app, testUser, http.MethodGet, "/api/builds/"+id+"/download", "")
	assertStatus(t, resp, http.StatusOK)
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "ez-theme-"+id+".zip") {
		t.Errorf("unexpected Content-Disposition %q", cd)
	}

	entries := zipEntries(t, readBody(t, resp))
	if _, ok := entries["index.html"]; !ok {
		t.Errorf("expected index.html in archive, got %v", entries)
	}
	cfg := entries["config.js"]
	if !strings.Contains(cfg, "siteName: 'Acme'") {
		t.Errorf("expected substituted siteName, got:\n%s", cfg)
	}
	if !strings.Contains(cfg, "enableLandingPage: false") {
		t.Errorf("expected substituted enableLandingPage, got:\n%s", cfg)
	}
}

func TestCreateBuild_JSONLogo(t *testing.T) {
	ta := setupApp(t)
	logo := []byte("\x89PNG\r\n\x1a\nlogo")

	body := fmt.Sprintf(`{"config":{"SITE_CONFIG":{"siteName":"Acme"}},"logo":%q}`, base64.StdEncoding.EncodeToString(logo))
	id := createBuild(t, ta, testUser, body)

	resp := doAuthRequest(t, ta.app, testUser, http.MethodGet, "/api/builds/"+id+"/download", "")
	assertStatus(t, resp, http.StatusOK)
	if got := zipEntries(t, readBody(t, resp))["images/logo.png"]; got != string(logo) {
		t.Errorf("expected injected logo in archive, got %q", got)
	}
}

func TestCreateBuild_Multipart(t *testing.T) {
	ta := setupApp(t)
	logo := []byte("\x89PNG\r\n\x1a\nmultipart")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("config", `{"SITE_CONFIG":{"siteName":"Multi"}}`); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile("logo", "logo.png")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(logo)
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, "/api/builds", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+generateToken(t, testUser))
	resp, err := ta.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)
	id := parseJSON(t, resp)["buildId"].(string)

	resp = doAuthRequest(t, ta.app, testUser, http.MethodGet, "/api/builds/"+id+"/download", "")
	assertStatus(t, resp, http.StatusOK)
	entries := zipEntries(t, readBody(t, resp))
	if entries["images/logo.png"] != string(logo) {
		t.Error("expected multipart logo in archive")
	}
	if !strings.Contains(entries["config.js"], "siteName: 'Multi'") {
		t.Error("expected multipart config to be substituted")
	}
}

func TestCreateBuild_Validation(t *testing.T) {
	ta := setupApp(t)

	cases := map[string]string{
		"missing config": `{}`,
		"empty config":   `{"config":{}}`,
		"null value":     `{"config":{"SITE_CONFIG":{"siteName":null}}}`,
		"bad logo":       `{"config":{"A":"b"},"logo":"***"}`,
		"not json":       `{"config":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp := doAuthRequest(t, ta.app, testUser, http.MethodPost, "/api/builds", body)
			assertStatus(t, resp, http.StatusBadRequest)
			assertErrorCode(t, parseJSON(t, resp), "VALIDATION_ERROR")
		})
	}

	if got := balance(t, ta, testUser); got != 100 {
		t.Errorf("rejected requests must not be charged, balance %d", got)
	}
}

func TestCreateBuild_InsufficientCredits(t *testing.T) {
	ta := setupApp(t)

	resp := doAuthRequest(t, ta.app, "broke-user", http.MethodPost, "/api/builds", acmeBuild)
	assertStatus(t, resp, http.StatusPaymentRequired)
	assertErrorCode(t, parseJSON(t, resp), "INSUFFICIENT_CREDITS")

	resp = doAuthRequest(t, ta.app, "broke-user", http.MethodGet, "/api/builds", "")
	assertStatus(t, resp, http.StatusOK)
	pagination := parseJSON(t, resp)["pagination"].(map[string]interface{})
	if pagination["total"] != float64(0) {
		t.Errorf("expected no builds, got %v", pagination["total"])
	}
}

func TestFailedBuild_ReportsErrorAndCannotDownload(t *testing.T) {
	ta := setupApp(t)

	id := createBuild(t, ta, testUser, fmt.Sprintf(`{"config":{"SITE_CONFIG":{"siteName":%q}}}`, failMarker))

	build := getBuild(t, ta, testUser, id)
	if build["status"] != string(model.BuildStatusFailed) {
		t.Fatalf("expected failed build, got %v", build["status"])
	}
	if msg, _ := build["error"].(string); !strings.Contains(msg, "build tool failed") {
		t.Errorf("expected build tool failure, got %q", msg)
	}
	if _, ok := build["downloadUrl"]; ok {
		t.Error("failed build must not expose a download URL")
	}

	resp := doAuthRequest(t, ta.app, testUser, http.MethodGet, "/api/builds/"+id+"/download", "")
	assertStatus(t, resp, http.StatusBadRequest)
	assertErrorCode(t, parseJSON(t, resp), "NOT_COMPLETED")
}

func TestRetry_RebuildsAndCharges(t *testing.T) {
	ta := setupApp(t)
	id := createBuild(t, ta, testUser, acmeBuild)

	resp := doAuthRequest(t, ta.app, testUser, http.MethodPost, "/api/builds/"+id+"/retry", "")
	assertStatus(t, resp, http.StatusAccepted)

	build := getBuild(t, ta, testUser, id)
	if build["status"] != string(model.BuildStatusCompleted) {
		t.Errorf("expected completed after retry, got %v", build["status"])
	}
	if build["attempts"] != float64(2) {
		t.Errorf("expected 2 attempts, got %v", build["attempts"])
	}
	if got := balance(t, ta, testUser); got != 100-2*pricePerBuild {
		t.Errorf("expected two charges, balance %d", got)
	}
}

func TestRetry_ProcessingIsConflict(t *testing.T) {
	ta := setupApp(t)
	id := createBuild(t, ta, testUser, acmeBuild)

	ctx := context.Background()
	if _, err := ta.store.UpdateStatus(ctx, id, model.StatusUpdate{Status: model.BuildStatusProcessing}); err != nil {
		t.Fatal(err)
	}

	resp := doAuthRequest(t, ta.app, testUser, http.MethodPost, "/api/builds/"+id+"/retry", "")
	assertStatus(t, resp, http.StatusConflict)
	assertErrorCode(t, parseJSON(t, resp), "JOB_NOT_RETRYABLE")
}

func TestBuilds_AreScopedToOwner(t *testing.T) {
	ta := setupApp(t)
	id := createBuild(t, ta, testUser, acmeBuild)

	for _, path := range []string{"/api/builds/" + id, "/api/builds/" + id + "/download"} {
		resp := doAuthRequest(t, ta.app, otherUser, http.MethodGet, path, "")
		assertStatus(t, resp, http.StatusNotFound)
	}
	resp := doAuthRequest(t, ta.app, otherUser, http.MethodPost, "/api/builds/"+id+"/retry", "")
	assertStatus(t, resp, http.StatusNotFound)
}

func TestListBuilds_Paginates(t *testing.T) {
	ta := setupApp(t)
	for i := 0; i < 3; i++ {
		createBuild(t, ta, testUser, acmeBuild)
	}

	resp := doAuthRequest(t, ta.app, testUser, http.MethodGet, "/api/builds?page=1&limit=2", "")
	assertStatus(t, resp, http.StatusOK)
	body := parseJSON(t, resp)

	builds := body["builds"].([]interface{})
	if len(builds) != 2 {
		t.Errorf("expected 2 builds on page 1, got %d", len(builds))
	}
	pagination := body["pagination"].(map[string]interface{})
	if pagination["total"] != float64(3) || pagination["pages"] != float64(2) {
		t.Errorf("unexpected pagination %v", pagination)
	}
}

func TestDownload_MissingArtifactIsDataIntegrityError(t *testing.T) {
	ta := setupApp(t)
	id := createBuild(t, ta, testUser, acmeBuild)

	if err := os.Remove(filepath.Join(ta.artifacts, id+".zip")); err != nil {
		t.Fatalf("remove artifact: %v", err)
	}

	resp := doAuthRequest(t, ta.app, testUser, http.MethodGet, "/api/builds/"+id+"/download", "")
	assertStatus(t, resp, http.StatusInternalServerError)
	assertErrorCode(t, parseJSON(t, resp), "DATA_INTEGRITY")
}

func TestCredits(t *testing.T) {
	ta := setupApp(t)

	resp := doAuthRequest(t, ta.app, testUser, http.MethodGet, "/api/credits", "")
	assertStatus(t, resp, http.StatusOK)
	body := parseJSON(t, resp)
	if body["balance"] != float64(100) || body["pricePerBuild"] != float64(pricePerBuild) {
		t.Errorf("unexpected credits %v", body)
	}
}

func TestGetBuild_Unknown(t *testing.T) {
	ta := setupApp(t)

	resp := doAuthRequest(t, ta.app, testUser, http.MethodGet, "/api/builds/does-not-exist", "")
	assertStatus(t, resp, http.StatusNotFound)
	assertErrorCode(t, parseJSON(t, resp), "NOT_FOUND")
}
