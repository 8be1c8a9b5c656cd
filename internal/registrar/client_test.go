package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/hostkit/provisiond/internal/domain"
)

// fakeRegistrarServer speaks just enough of the JSON-RPC dialect for the
// client: a login handshake, domain calls and record management.
type fakeRegistrarServer struct {
	mu            sync.Mutex
	srv           *httptest.Server
	sessions      map[string]bool
	loginCalls    int
	available     bool
	domainStatus  string
	records       []map[string]any
	nextRecordID  int
	domainCreates int
}

func newFakeRegistrarServer(t *testing.T) *fakeRegistrarServer {
	t.Helper()
	f := &fakeRegistrarServer{
		sessions:     make(map[string]bool),
		available:    true,
		domainStatus: "OK",
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRegistrarServer) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req struct {
		Method  string         `json:"method"`
		Params  map[string]any `json:"params"`
		Session string         `json:"session"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	respond := func(code int, msg string, resData any) {
		payload := map[string]any{"code": code, "msg": msg}
		if resData != nil {
			payload["resData"] = resData
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload)
	}

	if req.Method == "account.login" {
		f.loginCalls++
		session := "sess-1"
		if f.loginCalls > 1 {
			session = "sess-2"
		}
		f.sessions[session] = true
		respond(CodeOK, "ok", map[string]any{"session": session})
		return
	}

	if !f.sessions[req.Session] {
		respond(CodeAuthFailed, "session expired", nil)
		return
	}
	switch req.Method {
	case "domain.check":
		avail := 0
		if f.available {
			avail = 1
		}
		respond(CodeOK, "ok", map[string]any{
			"domain": []map[string]any{{"domain": req.Params["domain"], "avail": avail, "price": 12.5, "currency": "EUR"}},
		})
	case "domain.create":
		f.domainCreates++
		respond(CodeOK, "ok", map[string]any{"roId": 4711})
	case "domain.info":
		respond(CodeOK, "ok", map[string]any{"status": f.domainStatus})
	case "nameserver.createRecord":
		f.nextRecordID++
		rec := map[string]any{
			"id":      f.nextRecordID,
			"domain":  req.Params["domain"],
			"type":    req.Params["type"],
			"name":    req.Params["name"],
			"content": req.Params["content"],
			"ttl":     req.Params["ttl"],
		}
		f.records = append(f.records, rec)
		respond(CodeOK, "ok", map[string]any{"id": f.nextRecordID})
	case "nameserver.deleteRecord":
		respond(CodeOK, "ok", nil)
	default:
		respond(CodeInvalidParam, "unknown method "+req.Method, nil)
	}
}

func newTestClient(t *testing.T, f *fakeRegistrarServer) *Client {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(f.srv.URL, "user", "pass", 2*time.Second, 300, log)
}

func TestRegisterRefusesUnavailableDomain(t *testing.T) {
	f := newFakeRegistrarServer(t)
	f.available = false
	c := newTestClient(t, f)

	_, err := c.Register(context.Background(), "taken.com", Contact{Name: "Ops"}, nil)
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("err = %v, want UnavailableError", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.domainCreates != 0 {
		t.Fatalf("domain.create must never be attempted for a taken name")
	}
}

func TestRegisterReturnsRegistrarID(t *testing.T) {
	f := newFakeRegistrarServer(t)
	c := newTestClient(t, f)

	id, err := c.Register(context.Background(), "fresh.com", Contact{Name: "Ops"}, nil)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if id != "4711" {
		t.Fatalf("registrar id = %q, want 4711", id)
	}
}

func TestSessionReloginOnExpiry(t *testing.T) {
	f := newFakeRegistrarServer(t)
	c := newTestClient(t, f)

	// First call logs in.
	if _, err := c.CheckAvailability(context.Background(), "a.com"); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	// Kill the session server-side; the next call must re-login once and
	// succeed transparently.
	f.mu.Lock()
	f.sessions = make(map[string]bool)
	f.mu.Unlock()

	if _, err := c.CheckAvailability(context.Background(), "b.com"); err != nil {
		t.Fatalf("call after session expiry failed: %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginCalls != 2 {
		t.Fatalf("login calls = %d, want 2", f.loginCalls)
	}
}

func TestSetupProjectDNSSubdomainRecordNames(t *testing.T) {
	f := newFakeRegistrarServer(t)
	c := newTestClient(t, f)

	ids, err := c.SetupProjectDNS(context.Background(), "acme.apps.test", "203.0.113.10",
		true, "apps.test", domain.RecordIDs{})
	if err != nil {
		t.Fatalf("dns setup failed: %v", err)
	}
	if ids.A == "" || ids.WWW == "" {
		t.Fatalf("record ids missing: %+v", ids)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) != 2 {
		t.Fatalf("records created = %d, want 2", len(f.records))
	}
	a, www := f.records[0], f.records[1]
	if a["domain"] != "apps.test" || a["type"] != "A" || a["name"] != "acme" || a["content"] != "203.0.113.10" {
		t.Fatalf("A record misplaced: %+v", a)
	}
	if www["domain"] != "apps.test" || www["type"] != "CNAME" || www["name"] != "www.acme" || www["content"] != "acme.apps.test" {
		t.Fatalf("www record misplaced: %+v", www)
	}
	if ttl, ok := a["ttl"].(float64); !ok || int(ttl) != 300 {
		t.Fatalf("A record ttl = %v, want 300", a["ttl"])
	}
}

func TestSetupProjectDNSRootDomainRecordNames(t *testing.T) {
	f := newFakeRegistrarServer(t)
	c := newTestClient(t, f)

	if _, err := c.SetupProjectDNS(context.Background(), "acme-shop.com", "203.0.113.10",
		false, "apps.test", domain.RecordIDs{}); err != nil {
		t.Fatalf("dns setup failed: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	a, www := f.records[0], f.records[1]
	if a["domain"] != "acme-shop.com" || a["name"] != "" {
		t.Fatalf("root A record misplaced: %+v", a)
	}
	if www["domain"] != "acme-shop.com" || www["name"] != "www" {
		t.Fatalf("root www record misplaced: %+v", www)
	}
}

func TestSetupProjectDNSSkipsExistingRecords(t *testing.T) {
	f := newFakeRegistrarServer(t)
	c := newTestClient(t, f)

	ids, err := c.SetupProjectDNS(context.Background(), "acme.apps.test", "203.0.113.10",
		true, "apps.test", domain.RecordIDs{A: "keep-1"})
	if err != nil {
		t.Fatalf("dns setup failed: %v", err)
	}
	if ids.A != "keep-1" {
		t.Fatalf("existing A record replaced: %+v", ids)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) != 1 {
		t.Fatalf("records created = %d, want only the missing www", len(f.records))
	}
}

func TestTransferStatusMapping(t *testing.T) {
	f := newFakeRegistrarServer(t)
	c := newTestClient(t, f)

	cases := []struct {
		remote string
		want   TransferState
	}{
		{"OK", TransferCompleted},
		{"ACTIVE", TransferCompleted},
		{"TRANSFER_FAILED", TransferFailed},
		{"TRANSFER_IN_PROGRESS", TransferPending},
	}
	for _, tc := range cases {
		f.mu.Lock()
		f.domainStatus = tc.remote
		f.mu.Unlock()
		got, err := c.TransferStatus(context.Background(), "x.com")
		if err != nil {
			t.Fatalf("%s: %v", tc.remote, err)
		}
		if got != tc.want {
			t.Fatalf("status %s mapped to %s, want %s", tc.remote, got, tc.want)
		}
	}
}
