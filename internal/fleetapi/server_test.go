package fleetapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/basket/fleetcore/internal/config"
	"github.com/basket/fleetcore/internal/fleetapi"
	"github.com/basket/fleetcore/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s := fleetapi.NewServer(fleetapi.Config{
		Store:   db,
		App:     config.Config{BindAddr: "127.0.0.1:0", RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000}},
		Version: "test",
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, db
}

func postJSON(t *testing.T, url string, body any, token string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

func authenticate(t *testing.T, baseURL, handle, team, agentType string) (uid, token string) {
	t.Helper()
	resp := postJSON(t, baseURL+"/auth", map[string]string{
		"handle": handle, "teamName": team, "agentType": agentType,
	}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("auth: expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		UID   string `json:"uid"`
		Token string `json:"token"`
	}
	decodeBody(t, resp, &out)
	if out.UID == "" || out.Token == "" {
		t.Fatalf("expected uid and token, got %+v", out)
	}
	return out.UID, out.Token
}

func TestHealthReportsWorkerCounts(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get /health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		Status  string `json:"status"`
		Workers struct {
			Total int `json:"total"`
		} `json:"workers"`
	}
	decodeBody(t, resp, &out)
	if out.Status != "ok" {
		t.Fatalf("expected status ok, got %q", out.Status)
	}
}

func TestAuthIssuesTokenAndRejectsMissingBearerOnMutatingRoute(t *testing.T) {
	ts, _ := newTestServer(t)
	_, token := authenticate(t, ts.URL, "lead", "team-a", "team-lead")
	if token == "" {
		t.Fatal("expected a non-empty token")
	}

	resp := postJSON(t, ts.URL+"/tasks", map[string]any{"title": "x"}, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing bearer token, got %d", resp.StatusCode)
	}
}

// TestSpawnAndCompleteTask exercises spec §8 scenario (S1): auth as a lead,
// create a task, and progress it through in_progress to resolved.
func TestSpawnAndCompleteTask(t *testing.T) {
	ts, _ := newTestServer(t)
	_, token := authenticate(t, ts.URL, "lead", "team-a", "team-lead")
	authenticate(t, ts.URL, "w", "team-a", "worker")

	resp := postJSON(t, ts.URL+"/tasks", map[string]any{
		"title":       "Implement user authentication",
		"description": "JWT",
		"assignedTo":  "w",
	}, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create task: expected 200, got %d", resp.StatusCode)
	}
	var task struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decodeBody(t, resp, &task)
	if task.ID == "" {
		t.Fatal("expected a created task id")
	}

	req, _ := http.NewRequest(http.MethodPatch, ts.URL+"/tasks/"+task.ID, bytes.NewReader([]byte(`{"status":"in_progress"}`)))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("patch to in_progress: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch to in_progress: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	req, _ = http.NewRequest(http.MethodPatch, ts.URL+"/tasks/"+task.ID, bytes.NewReader([]byte(`{"status":"resolved"}`)))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("patch to resolved: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch to resolved: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get /health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAuthRejectsMismatchedTeamToken(t *testing.T) {
	ts, _ := newTestServer(t)
	_, token := authenticate(t, ts.URL, "lead", "team-a", "team-lead")

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/teams/team-b/agents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get agents: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for cross-team token, got %d", resp.StatusCode)
	}
}
