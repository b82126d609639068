package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lei/fletch-ci/internal/config"
	"github.com/lei/fletch-ci/internal/models"
	"github.com/lei/fletch-ci/pkg/logger"
)

type staticSource struct {
	inv models.Invocation
}

func (s staticSource) Snapshot() models.Invocation {
	return s.inv
}

func testInvocation() models.Invocation {
	return models.Invocation{
		RunID:   "9a1c",
		Builder: "fletch-linux-debug-x86",
		Shape:   "normal",
		Steps: []models.Step{
			{Index: 0, Name: "GYP", Status: models.StatusSucceeded},
			{Index: 1, Name: "Test DebugIA32-full", Status: models.StatusFailed, Error: "exit status 1"},
			{Index: 2, Name: "Fletch daemon log warnings.", Status: models.StatusWarnings, Warnings: []string{"12: Crash (a)", "40: Crash (b)"}},
		},
	}
}

func newTestRouter(keys []config.APIKey) http.Handler {
	return NewServer(config.StatusConfig{APIKeys: keys}, staticSource{testInvocation()}, logger.Discard()).Handler()
}

func get(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	w := get(t, newTestRouter([]config.APIKey{{Name: "dash", Key: "k"}}), "/health", "")

	if w.Code != http.StatusOK {
		t.Errorf("Health() status = %d, want %d", w.Code, http.StatusOK)
	}
	want := "{\"status\":\"ok\"}\n"
	if w.Body.String() != want {
		t.Errorf("Health() body = %q, want %q", w.Body.String(), want)
	}
}

func TestAuthentication(t *testing.T) {
	router := newTestRouter([]config.APIKey{{Name: "dashboard", Key: "secret"}})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"valid key", "Bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/steps", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestNoKeysAllowsAll(t *testing.T) {
	if w := get(t, newTestRouter(nil), "/v1/steps", ""); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 without configured keys", w.Code)
	}
}

func TestListSteps(t *testing.T) {
	router := newTestRouter(nil)

	tests := []struct {
		query string
		code  int
		want  int
	}{
		{"", http.StatusOK, 3},
		{"?status=failed", http.StatusOK, 1},
		{"?has_warnings=true", http.StatusOK, 1},
		{"?has_warnings=false", http.StatusOK, 2},
		{"?status=warnings&has_warnings=true", http.StatusOK, 1},
		{"?status=bogus", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := get(t, router, "/v1/steps"+tt.query, "")
			if w.Code != tt.code {
				t.Fatalf("status = %d, want %d", w.Code, tt.code)
			}
			if tt.code != http.StatusOK {
				return
			}
			var body struct {
				RunID string        `json:"run_id"`
				Steps []models.Step `json:"steps"`
			}
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.RunID != "9a1c" || len(body.Steps) != tt.want {
				t.Errorf("got run %q with %d steps, want %d", body.RunID, len(body.Steps), tt.want)
			}
		})
	}
}

func TestGetStep(t *testing.T) {
	router := newTestRouter(nil)

	w := get(t, router, "/v1/steps/1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var step models.Step
	json.NewDecoder(w.Body).Decode(&step)
	if step.Name != "Test DebugIA32-full" || step.Status != models.StatusFailed {
		t.Errorf("step = %+v", step)
	}

	for path, want := range map[string]int{
		"/v1/steps/3":  http.StatusNotFound,
		"/v1/steps/-1": http.StatusBadRequest,
		"/v1/steps/x":  http.StatusBadRequest,
	} {
		if w := get(t, router, path, ""); w.Code != want {
			t.Errorf("GET %s status = %d, want %d", path, w.Code, want)
		}
	}
}

func TestListWarnings(t *testing.T) {
	w := get(t, newTestRouter(nil), "/v1/warnings", "")

	var body struct {
		Warnings []struct {
			Step string `json:"step"`
			Line string `json:"line"`
		} `json:"warnings"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Warnings) != 2 || body.Warnings[1].Line != "40: Crash (b)" || body.Warnings[0].Step != "Fletch daemon log warnings." {
		t.Errorf("warnings = %+v", body.Warnings)
	}
}

func TestGetInvocation(t *testing.T) {
	passing := testInvocation()
	passing.Success = true
	passing.Steps = passing.Steps[:1]

	tests := []struct {
		name        string
		inv         models.Invocation
		wantSuccess bool
		wantFailed  float64
	}{
		{"failed step", testInvocation(), false, 1},
		{"all passed", passing, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewServer(config.StatusConfig{}, staticSource{tt.inv}, logger.Discard()).Handler()
			w := get(t, router, "/v1/invocation", "")

			var body map[string]interface{}
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			success, ok := body["success"].(bool)
			if !ok {
				t.Fatalf("invocation has no boolean success field: %v", body)
			}
			if success != tt.wantSuccess {
				t.Errorf("success = %v, want %v", success, tt.wantSuccess)
			}
			if body["builder"] != "fletch-linux-debug-x86" || body["failed_steps"] != tt.wantFailed {
				t.Errorf("invocation = %v", body)
			}
		})
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(config.StatusConfig{}, staticSource{testInvocation()}, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}
