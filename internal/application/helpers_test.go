package application_test

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/nestfind/internal/adapter/driven/memory"
	"github.com/ericfisherdev/nestfind/internal/application"
	"github.com/ericfisherdev/nestfind/internal/domain/model"
	"github.com/ericfisherdev/nestfind/internal/domain/port/driven"
)

var tokenSeq atomic.Int64

// signedToken returns a unique HS256 JWT expiring at exp.
func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   "u1",
		ID:        strconv.FormatInt(tokenSeq.Add(1), 10),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

var errNotStubbed = errors.New("not stubbed")

// --- Mock implementations ---

type mockAuthAPI struct {
	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32

	refresh   func(ctx context.Context, refreshToken string) (model.CredentialPair, error)
	login     func(ctx context.Context, email, password string) (driven.Grant, error)
	register  func(ctx context.Context, in driven.RegisterInput) (driven.Grant, error)
	sendOTP   func(ctx context.Context, phone string) error
	verifyOTP func(ctx context.Context, phone, otp string) (driven.Grant, error)
	logout    func(ctx context.Context, refreshToken string) error
	me        func(ctx context.Context) (model.Principal, error)
}

func (m *mockAuthAPI) Refresh(ctx context.Context, refreshToken string) (model.CredentialPair, error) {
	m.refreshCalls.Add(1)
	if m.refresh == nil {
		return model.CredentialPair{}, errNotStubbed
	}
	return m.refresh(ctx, refreshToken)
}

func (m *mockAuthAPI) Login(ctx context.Context, email, password string) (driven.Grant, error) {
	if m.login == nil {
		return driven.Grant{}, errNotStubbed
	}
	return m.login(ctx, email, password)
}

func (m *mockAuthAPI) Register(ctx context.Context, in driven.RegisterInput) (driven.Grant, error) {
	if m.register == nil {
		return driven.Grant{}, errNotStubbed
	}
	return m.register(ctx, in)
}

func (m *mockAuthAPI) SendOTP(ctx context.Context, phone string) error {
	if m.sendOTP == nil {
		return errNotStubbed
	}
	return m.sendOTP(ctx, phone)
}

func (m *mockAuthAPI) VerifyOTP(ctx context.Context, phone, otp string) (driven.Grant, error) {
	if m.verifyOTP == nil {
		return driven.Grant{}, errNotStubbed
	}
	return m.verifyOTP(ctx, phone, otp)
}

func (m *mockAuthAPI) Logout(ctx context.Context, refreshToken string) error {
	m.logoutCalls.Add(1)
	if m.logout == nil {
		return nil
	}
	return m.logout(ctx, refreshToken)
}

func (m *mockAuthAPI) Me(ctx context.Context) (model.Principal, error) {
	if m.me == nil {
		return model.Principal{}, errNotStubbed
	}
	return m.me(ctx)
}

// rotatingRefresh returns a refresh func issuing a new pair valid for ttl.
func rotatingRefresh(t *testing.T, ttl time.Duration) func(context.Context, string) (model.CredentialPair, error) {
	return func(context.Context, string) (model.CredentialPair, error) {
		return model.CredentialPair{
			AccessToken:  signedToken(t, time.Now().Add(ttl)),
			RefreshToken: "refresh-" + strconv.FormatInt(tokenSeq.Add(1), 10),
		}, nil
	}
}

type mockCache struct {
	purges atomic.Int32
}

func (m *mockCache) Purge() { m.purges.Add(1) }

type logoutLog struct {
	mu     sync.Mutex
	events []model.LogoutEvent
}

func (l *logoutLog) record(ev model.LogoutEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *logoutLog) all() []model.LogoutEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.LogoutEvent(nil), l.events...)
}

// --- Harness ---

// harness wires one execution context over a shared memory backend.
type harness struct {
	backend *memory.Backend
	store   *memory.Store
	api     *mockAuthAPI
	cache   *mockCache
	session *application.SessionService
	coord   *application.RefreshCoordinator
	logouts *logoutLog
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testRefreshConfig() application.RefreshConfig {
	return application.RefreshConfig{
		Timeout:    time.Second,
		Retries:    1,
		RetryDelay: time.Millisecond,
	}
}

func newHarness(t *testing.T, backend *memory.Backend, api *mockAuthAPI) *harness {
	t.Helper()

	if backend == nil {
		backend = memory.NewBackend()
	}
	if api == nil {
		api = &mockAuthAPI{}
	}

	h := &harness{
		backend: backend,
		store:   backend.View(quietLogger()),
		api:     api,
		cache:   &mockCache{},
		logouts: &logoutLog{},
	}
	h.session = application.NewSessionService(h.store, api, h.cache, "/login", quietLogger(), nil)
	h.coord = application.NewRefreshCoordinator(h.store, api, h.session.ForceLogout, testRefreshConfig(), quietLogger(), nil)
	t.Cleanup(h.session.OnLogout(h.logouts.record))
	return h
}

// login stores a session directly and syncs the projection.
func (h *harness) login(t *testing.T, accessExp time.Time) model.CredentialPair {
	t.Helper()

	pair := model.CredentialPair{
		AccessToken:  signedToken(t, accessExp),
		RefreshToken: "refresh-initial",
	}
	ctx := context.Background()
	require.NoError(t, h.store.WriteSession(ctx, pair, model.Principal{ID: "u1", Name: "Ada", Email: "ada@example.com"}))
	state, err := h.session.Sync(ctx)
	require.NoError(t, err)
	require.True(t, state.Authenticated)
	return pair
}

func (h *harness) read(t *testing.T) model.Session {
	t.Helper()
	sess, err := h.store.Read(context.Background())
	require.NoError(t, err)
	return sess
}
