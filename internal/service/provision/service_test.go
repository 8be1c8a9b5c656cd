package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/hostkit/provisiond/internal/domain"
	"github.com/hostkit/provisiond/internal/platform"
	"github.com/hostkit/provisiond/internal/registrar"
	"github.com/hostkit/provisiond/internal/repository"
	"github.com/hostkit/provisiond/internal/service/audit"
	"github.com/hostkit/provisiond/pkg/config"
)

// fakeStore is an in-memory stand-in for the postgres repository. It mimics
// the guarded-update semantics: status transitions conditioned on the current
// status fail with ErrConflict when the guard does not hold.
type fakeStore struct {
	mu       sync.Mutex
	projects map[string]*domain.Project
	domains  map[string]*domain.Domain
	servers  map[string]*domain.Server
	entries  []domain.AuditEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		projects: make(map[string]*domain.Project),
		domains:  make(map[string]*domain.Domain),
		servers:  make(map[string]*domain.Server),
	}
}

func (f *fakeStore) CreateProject(_ context.Context, p *domain.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.projects[p.ID] = &cp
	return nil
}

func (f *fakeStore) GetProjectByID(_ context.Context, id string) (*domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) TransitionStatus(_ context.Context, id string, from, to domain.ProvisioningStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return repository.ErrNotFound
	}
	if p.Status != from {
		return repository.ErrConflict
	}
	p.Status = to
	return nil
}

func (f *fakeStore) MarkProjectError(_ context.Context, id string, from domain.ProvisioningStatus, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return repository.ErrNotFound
	}
	if p.Status != from {
		return repository.ErrConflict
	}
	before := from
	p.StatusBeforeError = &before
	p.Status = domain.StatusError
	p.LastError = message
	p.RetryCount++
	return nil
}

func (f *fakeStore) ClearProjectError(_ context.Context, id string, resumeTo domain.ProvisioningStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return repository.ErrNotFound
	}
	if p.Status != domain.StatusError {
		return repository.ErrConflict
	}
	p.Status = resumeTo
	p.LastError = ""
	return nil
}

func (f *fakeStore) SetProjectStarted(_ context.Context, id string, startedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return repository.ErrNotFound
	}
	if p.StartedAt == nil {
		p.StartedAt = &startedAt
	}
	return nil
}

func (f *fakeStore) MarkProjectActive(_ context.Context, id string, completedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return repository.ErrNotFound
	}
	if p.Status != domain.StatusBootstrapping {
		return repository.ErrConflict
	}
	p.Status = domain.StatusActive
	p.Enabled = true
	p.CompletedAt = &completedAt
	return nil
}

func (f *fakeStore) AssignServer(_ context.Context, id, serverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return repository.ErrNotFound
	}
	if p.ServerID != nil {
		return repository.ErrConflict
	}
	p.ServerID = &serverID
	return nil
}

func (f *fakeStore) SetPlatformRefs(_ context.Context, id, platformProjectID, platformAppID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.PlatformProjectID = platformProjectID
	p.PlatformAppID = platformAppID
	return nil
}

func (f *fakeStore) ListProjectsInErrorSince(_ context.Context, before time.Time) ([]domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Project
	for _, p := range f.projects {
		if p.Status == domain.StatusError && p.UpdatedAt.Before(before) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateDomain(_ context.Context, d *domain.Domain) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *d
	f.domains[d.ID] = &cp
	return nil
}

func (f *fakeStore) GetDomainByID(_ context.Context, id string) (*domain.Domain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.domains[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeStore) GetPrimaryDomain(_ context.Context, projectID string) (*domain.Domain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.domains {
		if d.ProjectID == projectID && d.Primary {
			cp := *d
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) UpdateDomainStatus(_ context.Context, id string, status domain.DomainStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.domains[id]
	if !ok {
		return repository.ErrNotFound
	}
	d.Status = status
	return nil
}

func (f *fakeStore) SetDomainRegistration(_ context.Context, id, registrarDomainID string, expiresAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.domains[id]
	if !ok {
		return repository.ErrNotFound
	}
	d.RegistrarDomainID = registrarDomainID
	d.ExpiresAt = expiresAt
	return nil
}

func (f *fakeStore) SetDomainRecords(_ context.Context, id string, records domain.RecordIDs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.domains[id]
	if !ok {
		return repository.ErrNotFound
	}
	d.Records = records
	return nil
}

func (f *fakeStore) ListDomainsByStatus(_ context.Context, status domain.DomainStatus) ([]domain.Domain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Domain
	for _, d := range f.domains {
		if d.Status == status {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateServer(_ context.Context, s *domain.Server) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.servers[s.ID] = &cp
	return nil
}

func (f *fakeStore) GetServerByID(_ context.Context, id string) (*domain.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) ListServers(_ context.Context) ([]domain.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Server
	for _, s := range f.servers {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeStore) ListEligibleServers(_ context.Context) ([]domain.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Server
	for _, s := range f.servers {
		if s.Eligible() {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeStore) ClaimServerSlot(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if !s.AcceptingNew || s.Status != domain.ServerActive || s.CurrentCount >= s.MaxProjects {
		return false, nil
	}
	s.CurrentCount++
	return true, nil
}

func (f *fakeStore) ReleaseServerSlot(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[id]
	if !ok {
		return repository.ErrNotFound
	}
	if s.CurrentCount > 0 {
		s.CurrentCount--
	}
	return nil
}

func (f *fakeStore) AppendAudit(_ context.Context, entry *domain.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.ID = int64(len(f.entries) + 1)
	f.entries = append(f.entries, *entry)
	return nil
}

func (f *fakeStore) ListAuditByProject(_ context.Context, projectID string, limit, offset int) ([]domain.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range f.entries {
		if e.ProjectID == projectID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) auditActions(projectID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var actions []string
	for _, e := range f.entries {
		if e.ProjectID == projectID {
			actions = append(actions, e.Action)
		}
	}
	return actions
}

// fakeRegistrar simulates the registrar's asynchronous behavior.
type fakeRegistrar struct {
	mu            sync.Mutex
	unavailable   map[string]bool
	infoStates    []registrar.TransferState
	registerCalls int
	transferCalls int
	dnsCalls      int
	failWWWOnce   bool
	nextRecord    int
}

func (f *fakeRegistrar) Register(_ context.Context, domainName string, _ registrar.Contact, _ []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls++
	if f.unavailable[domainName] {
		return "", &registrar.UnavailableError{Domain: domainName}
	}
	return fmt.Sprintf("ro-%d", f.registerCalls), nil
}

func (f *fakeRegistrar) InitiateTransfer(_ context.Context, _, _ string, _ registrar.Contact) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transferCalls++
	return fmt.Sprintf("tr-%d", f.transferCalls), nil
}

func (f *fakeRegistrar) TransferStatus(_ context.Context, _ string) (registrar.TransferState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.infoStates) == 0 {
		return registrar.TransferCompleted, nil
	}
	state := f.infoStates[0]
	if len(f.infoStates) > 1 {
		f.infoStates = f.infoStates[1:]
	}
	return state, nil
}

func (f *fakeRegistrar) setTransferState(states ...registrar.TransferState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infoStates = states
}

func (f *fakeRegistrar) SetupProjectDNS(_ context.Context, domainName, _ string, _ bool, _ string, existing domain.RecordIDs) (domain.RecordIDs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dnsCalls++
	ids := existing
	if ids.A == "" {
		f.nextRecord++
		ids.A = fmt.Sprintf("rec-%d", f.nextRecord)
	}
	if ids.WWW == "" {
		if f.failWWWOnce {
			f.failWWWOnce = false
			return ids, fmt.Errorf("create www CNAME for %s: registrar unavailable", domainName)
		}
		f.nextRecord++
		ids.WWW = fmt.Sprintf("rec-%d", f.nextRecord)
	}
	return ids, nil
}

// fakePlatform simulates the deployment platform. Like the real client,
// CreateApplication can report a created app id alongside an error when the
// env upload part of the call fails.
type fakePlatform struct {
	mu             sync.Mutex
	statuses       []platform.AppStatus
	projectCalls   int
	appCalls       int
	deployCalls    int
	envCalls       int
	lastEnv        []platform.EnvVar
	createAppError error
	failEnvOnce    bool
}

func (f *fakePlatform) CreateProject(_ context.Context, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projectCalls++
	return fmt.Sprintf("pp-%d", f.projectCalls), nil
}

func (f *fakePlatform) CreateApplication(_ context.Context, req platform.CreateApplicationRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appCalls++
	if f.createAppError != nil {
		return "", f.createAppError
	}
	appID := fmt.Sprintf("app-%d", f.appCalls)
	if f.failEnvOnce {
		f.failEnvOnce = false
		return appID, &platform.TransientError{
			Op:  "set environment variables",
			Err: errors.New("bulk env upload failed"),
		}
	}
	f.envCalls++
	f.lastEnv = req.Env.Vars()
	return appID, nil
}

func (f *fakePlatform) SetEnvVars(_ context.Context, _ string, vars []platform.EnvVar) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envCalls++
	f.lastEnv = vars
	return nil
}

func (f *fakePlatform) Deploy(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deployCalls++
	return fmt.Sprintf("dep-%d", f.deployCalls), nil
}

func (f *fakePlatform) GetStatus(_ context.Context, _ string) (platform.AppStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return platform.AppRunning, nil
	}
	st := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return st, nil
}

func (f *fakePlatform) setStatuses(statuses ...platform.AppStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = statuses
}

// fakeAllocator hands out a preset server.
type fakeAllocator struct {
	store    *fakeStore
	serverID string
	released []string
}

func (f *fakeAllocator) Allocate(ctx context.Context) (*domain.Server, error) {
	if f.serverID == "" {
		return nil, nil
	}
	claimed, err := f.store.ClaimServerSlot(ctx, f.serverID)
	if err != nil || !claimed {
		return nil, err
	}
	return f.store.GetServerByID(ctx, f.serverID)
}

func (f *fakeAllocator) Release(ctx context.Context, serverID string) error {
	f.released = append(f.released, serverID)
	return f.store.ReleaseServerSlot(ctx, serverID)
}

// fakeNotifier records notifications.
type fakeNotifier struct {
	mu        sync.Mutex
	completed []string
	failed    []string
	alerts    []string
}

func (f *fakeNotifier) ProvisioningCompleted(_ context.Context, projectID, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, projectID)
}

func (f *fakeNotifier) ProvisioningFailed(_ context.Context, projectID, step, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, projectID+":"+step)
}

func (f *fakeNotifier) SupportAlert(_ context.Context, projectID, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, projectID)
}

// fakeProber succeeds after a configured number of failed probes.
type fakeProber struct {
	mu           sync.Mutex
	failuresLeft int
	probes       int
}

func (f *fakeProber) Probe(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return errors.New("connection refused")
	}
	return nil
}

type fixture struct {
	svc       *Service
	store     *fakeStore
	registrar *fakeRegistrar
	platform  *fakePlatform
	alloc     *fakeAllocator
	notifier  *fakeNotifier
	prober    *fakeProber
}

func testConfig() config.APIConfig {
	return config.APIConfig{
		BaseDomain:               "apps.test",
		MarketplaceURL:           "https://marketplace.test",
		DeployImage:              "hostkit/instance:test",
		RegistrationPollInterval: time.Millisecond,
		RegistrationPollMax:      5,
		DeployPollInterval:       time.Millisecond,
		DeployPollMax:            5,
		HealthPollInterval:       time.Millisecond,
		HealthPollMax:            3,
		MaxRetries:               3,
		RegistrantName:           "Test Ops",
		RegistrantEmail:          "ops@test",
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newFakeStore()
	reg := &fakeRegistrar{unavailable: make(map[string]bool)}
	// A freshly created application reports stopped until deployed.
	plat := &fakePlatform{statuses: []platform.AppStatus{platform.AppStopped, platform.AppRunning}}
	alloc := &fakeAllocator{store: store, serverID: "srv-1"}
	notifier := &fakeNotifier{}
	prober := &fakeProber{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := New(store, store, store, reg, plat, alloc,
		audit.New(store, nil, log), notifier, prober, log, testConfig())
	svc.now = func() time.Time { return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC) }
	svc.sleep = func(context.Context, time.Duration) error { return nil }

	store.servers["srv-1"] = &domain.Server{
		ID:           "srv-1",
		PlatformID:   "plat-srv-1",
		IP:           "203.0.113.10",
		Status:       domain.ServerActive,
		MaxProjects:  10,
		AcceptingNew: true,
	}
	return &fixture{svc: svc, store: store, registrar: reg, platform: plat,
		alloc: alloc, notifier: notifier, prober: prober}
}

func (fx *fixture) seedProject(t *testing.T, domainType domain.DomainType) (*domain.Project, *domain.Domain) {
	t.Helper()
	var (
		name         = "acme.apps.test"
		domainStatus = domain.DomainPendingDNS
	)
	switch domainType {
	case domain.DomainRegistered:
		name = "acme-shop.com"
		domainStatus = domain.DomainPendingRegistration
	case domain.DomainTransferred:
		name = "acme-legacy.com"
		domainStatus = domain.DomainPendingTransfer
	case domain.DomainExternal:
		name = "byo.example.com"
	}
	p := &domain.Project{
		ID:         "proj-1",
		Name:       "acme",
		DomainName: name,
		Status:     domain.StatusDraft,
		Modules:    []string{"shop", "blog"},
	}
	d := &domain.Domain{
		ID:        "dom-1",
		ProjectID: p.ID,
		Name:      name,
		Type:      domainType,
		Status:    domainStatus,
		Primary:   true,
	}
	fx.store.projects[p.ID] = p
	fx.store.domains[d.ID] = d
	return p, d
}

func TestProvisionHappyPathSubdomain(t *testing.T) {
	fx := newFixture(t)
	fx.seedProject(t, domain.DomainSubdomain)

	if err := fx.svc.Provision(context.Background(), "proj-1"); err != nil {
		t.Fatalf("Provision returned error: %v", err)
	}

	p := fx.store.projects["proj-1"]
	if p.Status != domain.StatusActive {
		t.Fatalf("status = %s, want active", p.Status)
	}
	if !p.Enabled {
		t.Fatalf("project not enabled after provisioning")
	}
	if p.ServerID == nil || *p.ServerID != "srv-1" {
		t.Fatalf("server not assigned: %v", p.ServerID)
	}
	if p.PlatformProjectID == "" || p.PlatformAppID == "" {
		t.Fatalf("platform refs missing: %q %q", p.PlatformProjectID, p.PlatformAppID)
	}
	if p.CompletedAt == nil {
		t.Fatalf("completed_at not stamped")
	}

	d := fx.store.domains["dom-1"]
	if d.Status != domain.DomainActive {
		t.Fatalf("domain status = %s, want active", d.Status)
	}
	if d.Records.A == "" || d.Records.WWW == "" {
		t.Fatalf("dns records not persisted: %+v", d.Records)
	}

	if fx.registrar.registerCalls != 0 {
		t.Fatalf("subdomain must not hit domain registration, got %d calls", fx.registrar.registerCalls)
	}
	if len(fx.notifier.completed) != 1 {
		t.Fatalf("expected one completion notification, got %d", len(fx.notifier.completed))
	}

	actions := fx.store.auditActions("proj-1")
	wantOrder := []string{"payment_confirmed", "domain_acquisition_started", "server_assigned",
		"dns_records_created", "platform_setup_started", "platform_project_created",
		"platform_application_created", "deployment_started", "deployment_triggered",
		"health_check_passed", "provisioning_completed"}
	if len(actions) != len(wantOrder) {
		t.Fatalf("audit actions = %v, want %v", actions, wantOrder)
	}
	for i, want := range wantOrder {
		if actions[i] != want {
			t.Fatalf("audit action[%d] = %s, want %s (full: %v)", i, actions[i], want, actions)
		}
	}
}

func TestProvisionRegisteredDomain(t *testing.T) {
	fx := newFixture(t)
	fx.seedProject(t, domain.DomainRegistered)
	fx.registrar.setTransferState(registrar.TransferPending, registrar.TransferCompleted)

	if err := fx.svc.Provision(context.Background(), "proj-1"); err != nil {
		t.Fatalf("Provision returned error: %v", err)
	}
	if fx.registrar.registerCalls != 1 {
		t.Fatalf("register calls = %d, want 1", fx.registrar.registerCalls)
	}
	d := fx.store.domains["dom-1"]
	if d.RegistrarDomainID != "ro-1" {
		t.Fatalf("registrar domain id = %q, want ro-1", d.RegistrarDomainID)
	}
	if d.Status != domain.DomainActive {
		t.Fatalf("domain status = %s, want active", d.Status)
	}
}

func TestProvisionUnavailableDomainFails(t *testing.T) {
	fx := newFixture(t)
	fx.seedProject(t, domain.DomainRegistered)
	fx.registrar.unavailable["acme-shop.com"] = true

	err := fx.svc.Provision(context.Background(), "proj-1")
	if err == nil {
		t.Fatalf("expected error for unavailable domain")
	}

	p := fx.store.projects["proj-1"]
	if p.Status != domain.StatusError {
		t.Fatalf("status = %s, want error", p.Status)
	}
	if !strings.Contains(p.LastError, "not available") {
		t.Fatalf("last error = %q, want availability message", p.LastError)
	}
	if p.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", p.RetryCount)
	}
	if p.StatusBeforeError == nil || *p.StatusBeforeError != domain.StatusPendingDomain {
		t.Fatalf("status before error = %v, want pending_domain", p.StatusBeforeError)
	}
	if len(fx.notifier.failed) != 1 {
		t.Fatalf("expected one failure notification, got %d", len(fx.notifier.failed))
	}
}

func TestProvisionTransferParksAndResumes(t *testing.T) {
	fx := newFixture(t)
	fx.seedProject(t, domain.DomainTransferred)
	fx.registrar.setTransferState(registrar.TransferPending)

	if err := fx.svc.Provision(context.Background(), "proj-1"); err != nil {
		t.Fatalf("parked run must not error: %v", err)
	}

	p := fx.store.projects["proj-1"]
	if p.Status != domain.StatusPendingDomain {
		t.Fatalf("status = %s, want pending_domain while transfer pends", p.Status)
	}
	d := fx.store.domains["dom-1"]
	if d.Status != domain.DomainPendingTransfer {
		t.Fatalf("domain status = %s, want pending_transfer", d.Status)
	}
	if fx.registrar.transferCalls != 1 {
		t.Fatalf("transfer initiations = %d, want 1", fx.registrar.transferCalls)
	}
	found := false
	for _, action := range fx.store.auditActions("proj-1") {
		if action == "domain_transfer_pending" {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing domain_transfer_pending audit entry")
	}

	// The registrar finishes the transfer; the next run completes end to end.
	fx.registrar.setTransferState(registrar.TransferCompleted)
	if err := fx.svc.Provision(context.Background(), "proj-1"); err != nil {
		t.Fatalf("resumed run failed: %v", err)
	}
	if fx.registrar.transferCalls != 1 {
		t.Fatalf("transfer must not be re-initiated, got %d calls", fx.registrar.transferCalls)
	}
	if got := fx.store.projects["proj-1"].Status; got != domain.StatusActive {
		t.Fatalf("status = %s, want active after resume", got)
	}
}

func TestProvisionNoServerAvailable(t *testing.T) {
	fx := newFixture(t)
	fx.seedProject(t, domain.DomainSubdomain)
	fx.alloc.serverID = ""

	err := fx.svc.Provision(context.Background(), "proj-1")
	if err == nil {
		t.Fatalf("expected error when no server is available")
	}
	p := fx.store.projects["proj-1"]
	if p.Status != domain.StatusError {
		t.Fatalf("status = %s, want error", p.Status)
	}
	if !strings.Contains(p.LastError, "no server") {
		t.Fatalf("last error = %q, want no-server message", p.LastError)
	}
}

func TestProvisionDeploymentFailure(t *testing.T) {
	fx := newFixture(t)
	fx.seedProject(t, domain.DomainSubdomain)
	fx.platform.setStatuses(platform.AppDeploying, platform.AppDeploying, platform.AppFailed)

	err := fx.svc.Provision(context.Background(), "proj-1")
	if err == nil {
		t.Fatalf("expected deployment failure")
	}
	p := fx.store.projects["proj-1"]
	if p.Status != domain.StatusError {
		t.Fatalf("status = %s, want error", p.Status)
	}
	if !strings.Contains(p.LastError, "failed with status") {
		t.Fatalf("last error = %q, want deployment status message", p.LastError)
	}
	if p.StatusBeforeError == nil || *p.StatusBeforeError != domain.StatusBootstrapping {
		t.Fatalf("status before error = %v, want bootstrapping", p.StatusBeforeError)
	}
}

func TestProvisionHealthCheckExhaustion(t *testing.T) {
	fx := newFixture(t)
	fx.seedProject(t, domain.DomainSubdomain)
	fx.prober.failuresLeft = 100

	err := fx.svc.Provision(context.Background(), "proj-1")
	if err == nil {
		t.Fatalf("expected health check exhaustion")
	}
	if fx.prober.probes != testConfig().HealthPollMax {
		t.Fatalf("probes = %d, want %d", fx.prober.probes, testConfig().HealthPollMax)
	}
	if got := fx.store.projects["proj-1"].Status; got != domain.StatusError {
		t.Fatalf("status = %s, want error", got)
	}
}

func TestProvisionPartialDNSPersistedAndResumed(t *testing.T) {
	fx := newFixture(t)
	fx.seedProject(t, domain.DomainSubdomain)
	fx.registrar.failWWWOnce = true

	if err := fx.svc.Provision(context.Background(), "proj-1"); err == nil {
		t.Fatalf("expected dns setup failure")
	}
	d := fx.store.domains["dom-1"]
	if d.Records.A == "" {
		t.Fatalf("partial A record must be persisted")
	}
	if d.Records.WWW != "" {
		t.Fatalf("www record should not exist yet")
	}
	firstA := d.Records.A

	if err := fx.svc.Retry(context.Background(), "proj-1", "operator"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	d = fx.store.domains["dom-1"]
	if d.Records.A != firstA {
		t.Fatalf("A record recreated on retry: %q -> %q", firstA, d.Records.A)
	}
	if d.Records.WWW == "" {
		t.Fatalf("www record missing after retry")
	}
	if got := fx.store.projects["proj-1"].Status; got != domain.StatusActive {
		t.Fatalf("status = %s, want active after retry", got)
	}
}

func TestRetryResumesFromFailedState(t *testing.T) {
	fx := newFixture(t)
	fx.seedProject(t, domain.DomainSubdomain)
	fx.platform.setStatuses(platform.AppFailed)

	if err := fx.svc.Provision(context.Background(), "proj-1"); err == nil {
		t.Fatalf("expected deployment failure")
	}
	projectCallsBefore := fx.platform.projectCalls
	appCallsBefore := fx.platform.appCalls

	fx.platform.setStatuses(platform.AppDeploying, platform.AppRunning)
	if err := fx.svc.Retry(context.Background(), "proj-1", "operator"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}

	p := fx.store.projects["proj-1"]
	if p.Status != domain.StatusActive {
		t.Fatalf("status = %s, want active", p.Status)
	}
	if p.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1 (never reset)", p.RetryCount)
	}
	if fx.platform.projectCalls != projectCallsBefore || fx.platform.appCalls != appCallsBefore {
		t.Fatalf("platform objects recreated on retry")
	}
}

func TestRetryReappliesBootstrapEnvAfterPartialPlatformSetup(t *testing.T) {
	fx := newFixture(t)
	fx.seedProject(t, domain.DomainSubdomain)
	fx.platform.failEnvOnce = true

	if err := fx.svc.Provision(context.Background(), "proj-1"); err == nil {
		t.Fatalf("expected platform setup failure")
	}
	p := fx.store.projects["proj-1"]
	if p.PlatformAppID != "app-1" {
		t.Fatalf("platform app id = %q, want the partially created app persisted", p.PlatformAppID)
	}
	if fx.platform.envCalls != 0 {
		t.Fatalf("env applications before retry = %d, want 0", fx.platform.envCalls)
	}

	if err := fx.svc.Retry(context.Background(), "proj-1", "operator"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if got := fx.store.projects["proj-1"].Status; got != domain.StatusActive {
		t.Fatalf("status = %s, want active after retry", got)
	}
	if fx.platform.appCalls != 1 {
		t.Fatalf("application recreated on retry, got %d create calls", fx.platform.appCalls)
	}
	if fx.platform.envCalls != 1 {
		t.Fatalf("bootstrap env not applied on retry, got %d env calls", fx.platform.envCalls)
	}
	found := false
	for _, v := range fx.platform.lastEnv {
		if v.Key == "PROJECT_ID" && v.Value == "proj-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("re-applied env missing PROJECT_ID: %+v", fx.platform.lastEnv)
	}
}

func TestRetryAuditRecordsOperatorActor(t *testing.T) {
	fx := newFixture(t)
	fx.seedProject(t, domain.DomainSubdomain)
	fx.platform.setStatuses(platform.AppFailed)

	if err := fx.svc.Provision(context.Background(), "proj-1"); err == nil {
		t.Fatalf("expected deployment failure")
	}
	fx.platform.setStatuses(platform.AppDeploying, platform.AppRunning)
	if err := fx.svc.Retry(context.Background(), "proj-1", "operator:alice"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}

	var retryEntry *domain.AuditEntry
	fx.store.mu.Lock()
	for i := range fx.store.entries {
		if fx.store.entries[i].Action == "retry_requested" {
			retryEntry = &fx.store.entries[i]
		}
	}
	fx.store.mu.Unlock()
	if retryEntry == nil {
		t.Fatalf("missing retry_requested audit entry")
	}
	if retryEntry.Actor != "operator:alice" {
		t.Fatalf("retry actor = %q, want operator:alice", retryEntry.Actor)
	}
}

func TestRetryFromPreTransitionFailureStartsOver(t *testing.T) {
	fx := newFixture(t)
	p, _ := fx.seedProject(t, domain.DomainSubdomain)
	// A failure captured before the first transition persisted leaves draft
	// behind, which is not a declared resume target.
	before := domain.StatusDraft
	p.Status = domain.StatusError
	p.StatusBeforeError = &before
	p.RetryCount = 1

	if err := fx.svc.Retry(context.Background(), "proj-1", "operator"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if got := fx.store.projects["proj-1"].Status; got != domain.StatusActive {
		t.Fatalf("status = %s, want active after retry", got)
	}

	fx.store.mu.Lock()
	defer fx.store.mu.Unlock()
	for _, e := range fx.store.entries {
		if e.Action != "retry_requested" {
			continue
		}
		if e.NewStatus == nil || *e.NewStatus != domain.StatusPendingPayment {
			t.Fatalf("retry resumed at %v, want pending_payment", e.NewStatus)
		}
		return
	}
	t.Fatalf("missing retry_requested audit entry")
}

func TestRetryRejectedWhenNotInError(t *testing.T) {
	fx := newFixture(t)
	fx.seedProject(t, domain.DomainSubdomain)

	if err := fx.svc.Retry(context.Background(), "proj-1", "operator"); !errors.Is(err, ErrNotInError) {
		t.Fatalf("err = %v, want ErrNotInError", err)
	}
}

func TestRetryExhausted(t *testing.T) {
	fx := newFixture(t)
	p, _ := fx.seedProject(t, domain.DomainSubdomain)
	before := domain.StatusBootstrapping
	p.Status = domain.StatusError
	p.StatusBeforeError = &before
	p.RetryCount = testConfig().MaxRetries

	if err := fx.svc.Retry(context.Background(), "proj-1", "operator"); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("err = %v, want ErrRetriesExhausted", err)
	}
}

func TestRetriesExhaustedTriggersSupportAlert(t *testing.T) {
	fx := newFixture(t)
	p, _ := fx.seedProject(t, domain.DomainSubdomain)
	p.RetryCount = testConfig().MaxRetries - 1
	fx.platform.setStatuses(platform.AppFailed)

	if err := fx.svc.Provision(context.Background(), "proj-1"); err == nil {
		t.Fatalf("expected deployment failure")
	}
	if len(fx.notifier.alerts) != 1 {
		t.Fatalf("expected support alert after exhausting retries, got %d", len(fx.notifier.alerts))
	}
}

func TestProvisionActiveProjectIsNoOp(t *testing.T) {
	fx := newFixture(t)
	p, _ := fx.seedProject(t, domain.DomainSubdomain)
	p.Status = domain.StatusActive

	if err := fx.svc.Provision(context.Background(), "proj-1"); err != nil {
		t.Fatalf("active project must be a no-op, got %v", err)
	}
	if fx.platform.deployCalls != 0 {
		t.Fatalf("no-op run must not deploy")
	}
}

func TestProvisionErrorStateRequiresRetry(t *testing.T) {
	fx := newFixture(t)
	p, _ := fx.seedProject(t, domain.DomainSubdomain)
	p.Status = domain.StatusError

	if err := fx.svc.Provision(context.Background(), "proj-1"); !errors.Is(err, ErrProjectInError) {
		t.Fatalf("err = %v, want ErrProjectInError", err)
	}
}

func TestProvisionMissingPrimaryDomain(t *testing.T) {
	fx := newFixture(t)
	fx.store.projects["proj-1"] = &domain.Project{ID: "proj-1", Status: domain.StatusDraft}

	if err := fx.svc.Provision(context.Background(), "proj-1"); !errors.Is(err, ErrNoPrimaryDomain) {
		t.Fatalf("err = %v, want ErrNoPrimaryDomain", err)
	}
}

func TestProvisionInflightGuard(t *testing.T) {
	fx := newFixture(t)
	fx.seedProject(t, domain.DomainSubdomain)

	if !fx.svc.begin("proj-1") {
		t.Fatalf("begin should succeed on idle project")
	}
	defer fx.svc.end("proj-1")

	if err := fx.svc.Provision(context.Background(), "proj-1"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
}
