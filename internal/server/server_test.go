package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"draftline/internal/config"
	"draftline/internal/db"
	"draftline/internal/engine"
	"draftline/internal/migrate"
	"draftline/internal/model"
	"draftline/internal/server"
)

type stubModel struct{ doc string }

func (s stubModel) Invoke(ctx context.Context, req model.Request) (json.RawMessage, error) {
	return json.RawMessage(s.doc), nil
}

func newTestServer(t *testing.T) (*httptest.Server, engine.Engine) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(), stubModel{doc: `{"summary":"ok","requirements":["r1"]}`}, nil)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Dispatch = func(f func()) { f() }

	ctx := context.Background()
	for key, user := range map[string]string{
		"rfp.analysis":       "analyze {{rfp_text}}",
		"concept.evaluation": "evaluate {{concept_text}}",
		"outline.generation": "outline {{concept_text}}",
		"draft.generation":   "draft {{sections_json}}",
	} {
		if _, err := eng.ImportTemplate(ctx, key, "sys", user, true, "tester"); err != nil {
			t.Fatalf("seed template %s: %v", key, err)
		}
	}

	handler, err := server.New(server.Config{Engine: eng})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, eng
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/v0"

	resp, _ := doJSON(t, http.MethodPut, base+"/proposals/prop-1/artifacts/rfp", map[string]any{"content": "Build a bridge."})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put artifact status = %d", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodPost, base+"/proposals/prop-1/tasks/rfp_analysis", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d body = %v", resp.StatusCode, body)
	}
	if body["status"] != "pending" {
		t.Fatalf("accepted body status = %v", body["status"])
	}

	resp, body = doJSON(t, http.MethodGet, base+"/proposals/prop-1/tasks/rfp_analysis", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll status = %d", resp.StatusCode)
	}
	if body["status"] != "completed" {
		t.Fatalf("polled status = %v (error: %v)", body["status"], body["error"])
	}
	result, ok := body["result"].(map[string]any)
	if !ok || result["summary"] != "ok" {
		t.Fatalf("polled result = %v", body["result"])
	}

	resp, body = doJSON(t, http.MethodGet, base+"/proposals/prop-1/artifacts/rfp_analysis", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get generated artifact = %d", resp.StatusCode)
	}
	if body["kind"] != "rfp_analysis" {
		t.Fatalf("artifact kind = %v", body["kind"])
	}
}

func TestStartConflictAndRegenerate(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/v0"

	doJSON(t, http.MethodPut, base+"/proposals/prop-1/artifacts/rfp", map[string]any{"content": "doc"})
	resp, _ := doJSON(t, http.MethodPost, base+"/proposals/prop-1/tasks/rfp_analysis", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodPost, base+"/proposals/prop-1/tasks/rfp_analysis", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second start status = %d, want 409", resp.StatusCode)
	}
	errBody, _ := body["error"].(map[string]any)
	if errBody["code"] != "conflict" {
		t.Fatalf("error code = %v", errBody["code"])
	}

	resp, _ = doJSON(t, http.MethodPost, base+"/proposals/prop-1/tasks/rfp_analysis/regenerate", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("regenerate status = %d", resp.StatusCode)
	}
}

func TestErrorEnvelopes(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/v0"

	resp, body := doJSON(t, http.MethodPost, base+"/proposals/prop-1/tasks/summary_generation", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown type status = %d, want 400", resp.StatusCode)
	}
	errBody, _ := body["error"].(map[string]any)
	if errBody["code"] != "invalid_input" {
		t.Fatalf("error code = %v", errBody["code"])
	}

	resp, body = doJSON(t, http.MethodPost, base+"/proposals/prop-1/tasks/concept_evaluation", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("prerequisite status = %d, want 422", resp.StatusCode)
	}
	errBody, _ = body["error"].(map[string]any)
	if errBody["code"] != "prerequisite_incomplete" {
		t.Fatalf("error code = %v", errBody["code"])
	}

	resp, _ = doJSON(t, http.MethodGet, base+"/proposals/prop-1/tasks/rfp_analysis", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing task status = %d, want 404", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodPut, base+"/proposals/prop-1/artifacts/outline", map[string]any{"sections": []string{}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("generated kind put status = %d, want 400", resp.StatusCode)
	}
}

func TestListEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/v0"

	doJSON(t, http.MethodPut, base+"/proposals/prop-1/artifacts/rfp", map[string]any{"content": "doc"})
	doJSON(t, http.MethodPost, base+"/proposals/prop-1/tasks/rfp_analysis", nil)

	for _, path := range []string{
		"/proposals/prop-1/tasks",
		"/proposals/prop-1/artifacts",
		"/proposals/prop-1/events",
		"/templates?section_key=rfp.analysis",
	} {
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatal(err)
		}
		var items []map[string]any
		if decodeErr := json.NewDecoder(resp.Body).Decode(&items); decodeErr != nil {
			t.Fatalf("%s: decode: %v", path, decodeErr)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", path, resp.StatusCode)
		}
		if len(items) == 0 {
			t.Fatalf("%s returned no items", path)
		}
	}

	resp, err := http.Get(fmt.Sprintf("%s/health", base))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
}
