package provision

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPProberAcceptsAny2xx(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	prober := NewHTTPProber(time.Second)
	if err := prober.Probe(context.Background(), srv.URL+"/health"); err != nil {
		t.Fatalf("probe failed against healthy endpoint: %v", err)
	}
}

func TestHTTPProberToleratesSelfSignedCertificates(t *testing.T) {
	// httptest TLS servers use a self-signed certificate, so this passing at
	// all proves verification is off.
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	prober := NewHTTPProber(time.Second)
	if err := prober.Probe(context.Background(), srv.URL+"/health"); err != nil {
		t.Fatalf("probe must tolerate self-signed certificates: %v", err)
	}
}

func TestHTTPProberRejectsServerError(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boot in progress", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	prober := NewHTTPProber(time.Second)
	err := prober.Probe(context.Background(), srv.URL+"/health")
	if err == nil {
		t.Fatalf("expected error for 503 response")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Fatalf("error %q should carry the status code", err)
	}
}
