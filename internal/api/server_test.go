package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tableside/auth-core/internal/audit"
	"github.com/tableside/auth-core/internal/auth"
	"github.com/tableside/auth-core/internal/events"
	"github.com/tableside/auth-core/internal/identity"
	"github.com/tableside/auth-core/internal/infrastructure/config"
	"github.com/tableside/auth-core/internal/infrastructure/database"
	"github.com/tableside/auth-core/internal/infrastructure/logging"
	"github.com/tableside/auth-core/internal/infrastructure/metrics"
	"github.com/tableside/auth-core/internal/ratelimit"
	"github.com/tableside/auth-core/migrations"
)

const (
	testRestaurant  = "rest-harbor"
	otherRestaurant = "rest-quay"
	testRemoteAddr  = "192.0.2.10:51000"
	testUserAgent   = "tableside-kds/2.4"
)

var testSecrets = auth.Secrets{
	Password: "password-secret-0123456789abcdef0123456789",
	PIN:      "pin-secret-0123456789abcdef0123456789abcdef",
	Station:  "station-secret-0123456789abcdef0123456789ab",
	Demo:     "demo-secret-0123456789abcdef0123456789abcde",
}

// fakeClock is a settable clock shared by every component of a fixture.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fixture is a fully wired Server over a temporary SQLite database.
type fixture struct {
	t        *testing.T
	srv      *Server
	cfg      *config.Config
	db       *database.DB
	clock    *fakeClock
	issuer   *auth.Issuer
	verifier *auth.CredentialVerifier
	members  *auth.SQLiteMembershipRepository
	stations *auth.SQLiteStationRepository
	users    *identity.SQLiteUserRepository
	audit    *audit.SQLiteRepository
	limiter  *ratelimit.Limiter
	events   *events.Dispatcher

	stopEvents context.CancelFunc
}

// newFixture builds a development-mode server with the global throttle off.
// mutate runs on the config before anything is wired.
func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.Service.Environment = config.EnvDevelopment
	cfg.API.RateLimit.Enabled = false
	cfg.Security.Demo.Enabled = true
	for _, m := range mutate {
		m(cfg)
	}

	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "api-test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(t.Context(), migrations.FS); err != nil {
		t.Fatalf("applying migrations: %v", err)
	}

	clock := &fakeClock{now: time.Now().UTC().Truncate(time.Second)}
	logger := logging.Discard()
	m := metrics.New()

	hasher, err := auth.NewPINHasher(map[int]string{1: "pepper-one-for-tests"}, 1)
	if err != nil {
		t.Fatalf("NewPINHasher() error = %v", err)
	}
	binding, err := auth.NewDeviceBinding("fingerprint-salt-for-tests")
	if err != nil {
		t.Fatalf("NewDeviceBinding() error = %v", err)
	}

	scopes := auth.NewScopeResolver(auth.DefaultRoleScopes())
	f := &fixture{
		t:        t,
		cfg:      cfg,
		db:       db,
		clock:    clock,
		issuer:   auth.NewIssuer(cfg.Security.Tokens.Issuer, testSecrets, auth.TTLs{}, clock.Now),
		members:  auth.NewMembershipRepository(db.DB),
		stations: auth.NewStationRepository(db.DB),
		users:    identity.NewUserRepository(db.DB),
		audit:    audit.NewSQLiteRepository(db.DB),
	}
	f.verifier = auth.NewCredentialVerifier(auth.NewCredentialRepository(db.DB), hasher, scopes,
		auth.WithClock(clock.Now))
	f.limiter = ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.ConfigFrom(cfg.RateLimit),
		ratelimit.WithClock(clock.Now))
	revocations := auth.NewRevocationList(db.DB)

	f.events = events.NewDispatcher(events.Deps{
		Audit:   f.audit,
		Metrics: m,
		Logger:  logger,
		Now:     clock.Now,
	})
	evCtx, cancel := context.WithCancel(context.Background())
	f.stopEvents = cancel
	go f.events.Run(evCtx) //nolint:errcheck // Run only returns nil
	t.Cleanup(f.flushEvents)

	provider := identity.NewLocalProvider(identity.LocalDeps{
		Users:   f.users,
		Tokens:  identity.NewRefreshTokenRepository(db.DB),
		Members: f.members,
		Issuer:  f.issuer,
		Now:     clock.Now,
	})

	f.srv, err = New(Deps{
		Config:   cfg,
		Logger:   logger,
		Verifier: f.verifier,
		Issuer:   f.issuer,
		Validator: auth.NewValidator(auth.ValidatorDeps{
			Secrets:     testSecrets,
			Stations:    f.stations,
			Revocations: revocations,
			Binding:     binding,
			Scopes:      scopes,
			Now:         clock.Now,
		}),
		Access:      auth.NewRestaurantAccessResolver(f.members, scopes, cfg.Security.Tokens.StrictTenant),
		Binding:     binding,
		Stations:    f.stations,
		Members:     f.members,
		Revocations: revocations,
		Identity:    provider,
		Limiter:     f.limiter,
		Events:      f.events,
		Metrics:     m,
		Audit:       f.audit,
		Database:    db,
		Now:         clock.Now,
		Version:     "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return f
}

// flushEvents stops the dispatcher and waits until queued events are written.
// It is safe to call more than once.
func (f *fixture) flushEvents() {
	f.stopEvents()
	f.events.Wait()
}

// request describes one call against the fixture's handler.
type request struct {
	method  string
	path    string
	token   string
	body    any
	headers map[string]string
	remote  string
	agent   string
}

func (f *fixture) do(req request) *httptest.ResponseRecorder {
	f.t.Helper()

	var body bytes.Buffer
	switch b := req.body.(type) {
	case nil:
	case string:
		body.WriteString(b)
	default:
		if err := json.NewEncoder(&body).Encode(b); err != nil {
			f.t.Fatalf("encoding request body: %v", err)
		}
	}

	r := httptest.NewRequest(req.method, req.path, &body)
	r.RemoteAddr = testRemoteAddr
	if req.remote != "" {
		r.RemoteAddr = req.remote
	}
	r.Header.Set("User-Agent", testUserAgent)
	if req.agent != "" {
		r.Header.Set("User-Agent", req.agent)
	}
	if req.body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if req.token != "" {
		r.Header.Set("Authorization", "Bearer "+req.token)
	}
	for k, v := range req.headers {
		r.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, r)
	return rec
}

func (f *fixture) post(path, token string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	return f.do(request{method: http.MethodPost, path: path, token: token, body: body})
}

func (f *fixture) get(path, token string) *httptest.ResponseRecorder {
	f.t.Helper()
	return f.do(request{method: http.MethodGet, path: path, token: token})
}

// addStaff grants userID a membership in restaurantID and sets their PIN.
func (f *fixture) addStaff(userID, restaurantID string, role auth.Role, pin string) {
	f.t.Helper()
	if err := f.members.Upsert(f.t.Context(), &auth.Membership{
		UserID: userID, RestaurantID: restaurantID, Role: role, IsActive: true,
	}); err != nil {
		f.t.Fatalf("Upsert membership %s: %v", userID, err)
	}
	if pin == "" {
		return
	}
	if _, err := f.verifier.SetPin(f.t.Context(), userID, restaurantID, role, pin); err != nil {
		f.t.Fatalf("SetPin(%s) error = %v", userID, err)
	}
}

// addUser creates a password account.
func (f *fixture) addUser(email, password string, role auth.Role) *identity.User {
	f.t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		f.t.Fatalf("HashPassword() error = %v", err)
	}
	u := &identity.User{Email: email, DisplayName: email, PasswordHash: hash, Role: role, IsActive: true}
	if err := f.users.Create(f.t.Context(), u); err != nil {
		f.t.Fatalf("creating user %s: %v", email, err)
	}
	return u
}

// pinLogin signs in with pin and returns the token.
func (f *fixture) pinLogin(restaurantID, pin string) string {
	f.t.Helper()
	rec := f.post("/auth/pin-login", "", map[string]string{"restaurant_id": restaurantID, "pin": pin})
	if rec.Code != http.StatusOK {
		f.t.Fatalf("pin-login status = %d, body = %s", rec.Code, rec.Body.String())
	}
	return decode[tokenResponse](f.t, rec).Token
}

// manager adds a manager to testRestaurant and returns their PIN token.
func (f *fixture) manager() string {
	f.t.Helper()
	f.addStaff("mgr-ada", testRestaurant, auth.RoleManager, "4829")
	return f.pinLogin(testRestaurant, "4829")
}

// stationLogin issues a station token from the fixture's default device.
func (f *fixture) stationLogin(managerToken string, stationType auth.StationType, name string) (string, *auth.StationToken) {
	f.t.Helper()
	rec := f.post("/auth/station-login", managerToken, map[string]string{
		"station_type": string(stationType),
		"station_name": name,
	})
	if rec.Code != http.StatusCreated {
		f.t.Fatalf("station-login status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token   string            `json:"token"`
		Station auth.StationToken `json:"station"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		f.t.Fatalf("decoding station-login response: %v", err)
	}
	return resp.Token, &resp.Station
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return v
}

// assertError checks status and the error envelope.
func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, code, message string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	body := decode[errorBody](t, rec)
	if body.Error.Code != code {
		t.Errorf("error.code = %q, want %q", body.Error.Code, code)
	}
	if message != "" && body.Error.Message != message {
		t.Errorf("error.message = %q, want %q", body.Error.Message, message)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Deps{Config: config.Default(), Logger: logging.Discard()})
	if err == nil {
		t.Fatal("New() with missing collaborators should fail")
	}
}

func TestNewRejectsBadTrustedProxy(t *testing.T) {
	f := newFixture(t)
	cfg := *f.cfg
	cfg.API.TrustedProxies = []string{"not-an-ip"}

	deps := Deps{
		Config:      &cfg,
		Logger:      logging.Discard(),
		Verifier:    f.verifier,
		Issuer:      f.issuer,
		Validator:   f.srv.validator,
		Access:      f.srv.access,
		Binding:     f.srv.binding,
		Stations:    f.stations,
		Members:     f.members,
		Revocations: f.srv.revocations,
		Identity:    f.srv.identity,
		Limiter:     f.limiter,
		Database:    f.db,
	}
	if _, err := New(deps); err == nil {
		t.Fatal("New() should reject an unparseable trusted proxy")
	}
}

func TestServerHealthCheckBeforeStart(t *testing.T) {
	f := newFixture(t)
	if err := f.srv.HealthCheck(t.Context()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if err := f.srv.Close(); err != nil {
		t.Errorf("Close() before Start = %v, want nil", err)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.get("/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode[healthResponse](t, rec)
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.Components["database"].Status != "ok" {
		t.Errorf("database = %+v, want ok", body.Components["database"])
	}
	if body.Version != "test" {
		t.Errorf("version = %q, want test", body.Version)
	}
}

type failingChecker struct{}

func (failingChecker) HealthCheck(context.Context) error { return context.DeadlineExceeded }

func TestHealthDegradedComponentHidesDetailFromAnonymous(t *testing.T) {
	f := newFixture(t)
	f.srv.components = map[string]HealthChecker{"redis": failingChecker{}}

	rec := f.get("/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode[healthResponse](t, rec)
	if body.Status != "degraded" {
		t.Errorf("status = %q, want degraded", body.Status)
	}
	if got := body.Components["redis"]; got.Status != "error" || got.Error != "" {
		t.Errorf("redis = %+v, want error without detail", got)
	}
}

func TestHealthDatabaseDown(t *testing.T) {
	f := newFixture(t)
	f.srv.database = failingChecker{}

	rec := f.get("/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if body := decode[healthResponse](t, rec); body.Status != "unavailable" {
		t.Errorf("status = %q, want unavailable", body.Status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.get("/health", "")

	rec := f.get("/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("tableside_auth_http_requests_total")) {
		t.Error("metrics output missing tableside_auth_http_requests_total")
	}
}

func TestUnknownRouteUsesEnvelope(t *testing.T) {
	f := newFixture(t)
	assertError(t, f.get("/nope", ""), http.StatusNotFound, ErrCodeNotFound, "")
}
