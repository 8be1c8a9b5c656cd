package platform

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"log/slog"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(srv.URL, "secret-token", 2*time.Second, log)
}

func TestCreateApplicationSetsEnvInBulk(t *testing.T) {
	var (
		appBody map[string]any
		envBody map[string]any
		gotAuth string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/applications/public", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&appBody)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "app-9"})
	})
	mux.HandleFunc("/applications/app-9/envs/bulk", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&envBody)
		w.WriteHeader(http.StatusOK)
	})
	c := testClient(t, mux)

	appID, err := c.CreateApplication(context.Background(), CreateApplicationRequest{
		ProjectID: "pp-1",
		ServerID:  "plat-srv-1",
		Name:      "acme",
		Domain:    "acme.apps.test",
		ImageRef:  "hostkit/instance:stable",
		Env: BootstrapEnv{
			ProjectID:      "proj-1",
			MarketplaceURL: "https://marketplace.test",
			Modules:        []string{"shop", "blog"},
		},
	})
	if err != nil {
		t.Fatalf("create application failed: %v", err)
	}
	if appID != "app-9" {
		t.Fatalf("app id = %q, want app-9", appID)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("authorization header = %q", gotAuth)
	}

	domains, _ := appBody["domains"].([]any)
	if len(domains) != 1 || domains[0] != "https://acme.apps.test" {
		t.Fatalf("domains = %v, want the https-prefixed domain", appBody["domains"])
	}
	if appBody["force_https"] != true {
		t.Fatalf("force_https not set")
	}

	envs, _ := envBody["envs"].([]any)
	if len(envs) != 3 {
		t.Fatalf("env vars = %v, want 3 entries", envBody["envs"])
	}
	modules := envs[2].(map[string]any)
	if modules["key"] != "ENABLED_MODULES" || modules["value"] != "shop,blog" {
		t.Fatalf("modules env = %v, want comma-joined list", modules)
	}
}

func TestGetStatusMapping(t *testing.T) {
	cases := []struct {
		remote string
		want   AppStatus
	}{
		{"running", AppRunning},
		{"stopped", AppStopped},
		{"failed", AppFailed},
		{"error", AppFailed},
		{"building", AppDeploying},
	}
	for _, tc := range cases {
		remote := tc.remote
		c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]string{"status": remote})
		}))
		got, err := c.GetStatus(context.Background(), "app-1")
		if err != nil {
			t.Fatalf("%s: %v", tc.remote, err)
		}
		if got != tc.want {
			t.Fatalf("status %q mapped to %s, want %s", tc.remote, got, tc.want)
		}
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		check  func(error) bool
		name   string
	}{
		{http.StatusUnauthorized, func(err error) bool {
			var e *AuthError
			return errors.As(err, &e)
		}, "auth"},
		{http.StatusForbidden, func(err error) bool {
			var e *AuthError
			return errors.As(err, &e)
		}, "auth"},
		{http.StatusNotFound, func(err error) bool {
			var e *NotFoundError
			return errors.As(err, &e)
		}, "not found"},
		{http.StatusBadGateway, func(err error) bool {
			var e *TransientError
			return errors.As(err, &e)
		}, "transient"},
		{http.StatusUnprocessableEntity, func(err error) bool {
			var e *ValidationError
			return errors.As(err, &e)
		}, "validation"},
	}
	for _, tc := range cases {
		status := tc.status
		c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "nope"})
		}))
		_, err := c.GetStatus(context.Background(), "app-1")
		if err == nil {
			t.Fatalf("HTTP %d: expected error", tc.status)
		}
		if !tc.check(err) {
			t.Fatalf("HTTP %d classified as %T, want %s error", tc.status, err, tc.name)
		}
	}
}

func TestTransientNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(srv.URL, "tok", time.Second, log)

	_, err := c.GetStatus(context.Background(), "app-1")
	if !IsTransient(err) {
		t.Fatalf("network failure classified as %T, want transient", err)
	}
}

func TestErrorMessageExtraction(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "domain already in use"})
	}))
	_, err := c.CreateApplication(context.Background(), CreateApplicationRequest{Domain: "dup.test"})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if ve.Message != "domain already in use" {
		t.Fatalf("message = %q, want the platform message field", ve.Message)
	}
}
