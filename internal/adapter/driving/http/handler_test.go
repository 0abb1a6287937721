package httphandler_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/ericfisherdev/nestfind/internal/adapter/driven/api"
	"github.com/ericfisherdev/nestfind/internal/adapter/driven/memory"
	httphandler "github.com/ericfisherdev/nestfind/internal/adapter/driving/http"
	"github.com/ericfisherdev/nestfind/internal/application"
	"github.com/ericfisherdev/nestfind/internal/domain/model"
	"github.com/ericfisherdev/nestfind/internal/metrics"
)

// --- Fake listing API ---

// listingAPI is an httptest-backed stand-in for the listing API. Exactly one
// access credential is valid at a time; refresh with "r1" rotates it to "a2".
type listingAPI struct {
	server *httptest.Server

	validAccess  atomic.Value // string
	logoutCalls  atomic.Int32
	refreshCalls atomic.Int32

	mu       sync.Mutex
	lastAuth string
	lastPath string
}

func newListingAPI(t *testing.T) *listingAPI {
	t.Helper()

	l := &listingAPI{}
	l.validAccess.Store("a1")

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["email"] != "ada@example.com" || in["password"] != "pw" {
			apiJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"message": "Invalid email or password"}})
			return
		}
		apiJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"accessToken":  "a1",
			"refreshToken": "r1",
			"user":         map[string]any{"id": "u1", "name": "Ada", "email": "ada@example.com"},
		}})
	})
	mux.HandleFunc("POST /api/v1/auth/verify-otp", func(w http.ResponseWriter, r *http.Request) {
		apiJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": "Invalid OTP"}})
	})
	mux.HandleFunc("POST /api/v1/auth/register", func(w http.ResponseWriter, r *http.Request) {
		apiJSON(w, http.StatusInternalServerError, map[string]any{"error": map[string]any{"message": "database down"}})
	})
	mux.HandleFunc("POST /api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		l.refreshCalls.Add(1)
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["refreshToken"] != "r1" {
			apiJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"message": "Invalid refresh token"}})
			return
		}
		l.validAccess.Store("a2")
		apiJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"accessToken": "a2", "refreshToken": "r2"}})
	})
	mux.HandleFunc("POST /api/v1/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		l.logoutCalls.Add(1)
		apiJSON(w, http.StatusOK, map[string]any{"data": nil})
	})
	mux.HandleFunc("GET /api/v1/auth/me", func(w http.ResponseWriter, r *http.Request) {
		if !l.authorized(r) {
			apiJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"message": "Unauthorized"}})
			return
		}
		apiJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"user": map[string]any{"id": "u1", "name": "Ada Lovelace", "email": "ada@example.com"},
		}})
	})
	mux.HandleFunc("/api/v1/listings/", func(w http.ResponseWriter, r *http.Request) {
		l.mu.Lock()
		l.lastAuth = r.Header.Get("Authorization")
		l.lastPath = r.URL.RequestURI()
		l.mu.Unlock()
		if !l.authorized(r) {
			apiJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"message": "Unauthorized"}})
			return
		}
		apiJSON(w, http.StatusOK, map[string]any{"data": []string{"loft", "cabin"}})
	})

	l.server = httptest.NewServer(mux)
	t.Cleanup(l.server.Close)
	return l
}

func (l *listingAPI) authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+l.validAccess.Load().(string)
}

func apiJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// --- Agent under test ---

type agent struct {
	api     *listingAPI
	store   *memory.Store
	session *application.SessionService
	handler http.Handler
}

type agentOption func(*agentOptions)

type agentOptions struct {
	tokens httphandler.TokenProvider
}

func withTokens(tp httphandler.TokenProvider) agentOption {
	return func(o *agentOptions) { o.tokens = tp }
}

func newAgent(t *testing.T, opts ...agentOption) *agent {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	listing := newListingAPI(t)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	store := memory.NewStore(logger)
	client := api.NewClient(listing.server.URL+"/api/v1", listing.server.Client(), 0)
	session := application.NewSessionService(store, client, nil, "/login", logger, m)
	coord := application.NewRefreshCoordinator(store, client, session.ForceLogout,
		application.RefreshConfig{Timeout: time.Second}, logger, m)
	pipeline := application.NewPipeline(listing.server.Client().Transport, store, coord, session.ForceLogout, logger, m)
	client.UseAuthenticatedClient(pipeline.Client())

	o := agentOptions{tokens: application.NewTokenSource(store, coord, time.Minute)}
	for _, opt := range opts {
		opt(&o)
	}

	proxy, err := httphandler.NewAPIProxy(listing.server.URL+"/api/v1", pipeline, logger)
	require.NoError(t, err)

	h := httphandler.NewHandler(session, o.tokens, "/login", logger)
	return &agent{
		api:     listing,
		store:   store,
		session: session,
		handler: httphandler.NewServeMux(h, proxy, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), logger),
	}
}

func (a *agent) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *agent) login(t *testing.T) {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/session/login", `{"email":"ada@example.com","password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// --- Tests ---

func TestHealth(t *testing.T) {
	a := newAgent(t)

	rec := a.do(t, http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decode[httphandler.HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, resp.Time)
}

func TestGetSession_Unauthenticated(t *testing.T) {
	a := newAgent(t)

	rec := a.do(t, http.MethodGet, "/api/session", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	resp := decode[httphandler.SessionResponse](t, rec)
	assert.False(t, resp.Authenticated)
	assert.Nil(t, resp.Principal)
	assert.Equal(t, "/login", resp.LoginPath)
}

func TestLogin_Success(t *testing.T) {
	a := newAgent(t)

	a.login(t)

	rec := a.do(t, http.MethodGet, "/api/session", "")
	resp := decode[httphandler.SessionResponse](t, rec)
	assert.True(t, resp.Authenticated)
	require.NotNil(t, resp.Principal)
	assert.Equal(t, "Ada", resp.Principal.Name)

	sess, err := a.store.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.CredentialPair{AccessToken: "a1", RefreshToken: "r1"}, sess.Pair)
}

func TestLogin_WrongPassword(t *testing.T) {
	a := newAgent(t)

	rec := a.do(t, http.MethodPost, "/api/session/login", `{"email":"ada@example.com","password":"nope"}`)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid email or password", decode[map[string]string](t, rec)["error"])
	assert.False(t, a.session.State().Authenticated)
}

func TestLogin_BadRequests(t *testing.T) {
	a := newAgent(t)

	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"malformed", `{"email":`},
		{"unknown field", `{"email":"a@b.c","password":"x","remember":true}`},
		{"missing password", `{"email":"ada@example.com"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(t, http.MethodPost, "/api/session/login", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestVerifyOTP_UpstreamClientErrorIsForwarded(t *testing.T) {
	a := newAgent(t)

	rec := a.do(t, http.MethodPost, "/api/session/otp/verify", `{"phone":"+15550100","otp":"000000"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid OTP", decode[map[string]string](t, rec)["error"])
}

func TestRegister_UpstreamServerErrorIsBadGateway(t *testing.T) {
	a := newAgent(t)

	rec := a.do(t, http.MethodPost, "/api/session/register", `{"name":"Ada","email":"ada@example.com","password":"pw"}`)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "database down")
}

func TestLogout_RevokesAndClears(t *testing.T) {
	a := newAgent(t)
	a.login(t)

	rec := a.do(t, http.MethodPost, "/api/session/logout", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decode[httphandler.LogoutResponse](t, rec)
	assert.True(t, resp.RemoteRevoked)
	assert.Equal(t, "/login", resp.LoginPath)
	assert.Equal(t, int32(1), a.api.logoutCalls.Load())
	assert.False(t, a.session.State().Authenticated)
}

func TestLogout_WithoutSessionSkipsRemote(t *testing.T) {
	a := newAgent(t)

	rec := a.do(t, http.MethodPost, "/api/session/logout", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[httphandler.LogoutResponse](t, rec).RemoteRevoked)
	assert.Zero(t, a.api.logoutCalls.Load())
}

func TestUpdatePrincipal(t *testing.T) {
	a := newAgent(t)

	rec := a.do(t, http.MethodPatch, "/api/session/principal", `{"name":"Ada L."}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	a.login(t)
	rec = a.do(t, http.MethodPatch, "/api/session/principal", `{"name":"Ada L.","extra":{"plan":"pro"}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[httphandler.SessionResponse](t, rec)
	require.NotNil(t, resp.Principal)
	assert.Equal(t, "Ada L.", resp.Principal.Name)
	assert.Equal(t, "ada@example.com", resp.Principal.Email)
	assert.Equal(t, "pro", resp.Principal.Extra["plan"])
}

func TestRefreshPrincipal_UsesPipeline(t *testing.T) {
	a := newAgent(t)
	a.login(t)
	a.api.validAccess.Store("a2") // a1 now rejected; the pipeline must refresh

	rec := a.do(t, http.MethodGet, "/api/session/me", "")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[httphandler.SessionResponse](t, rec)
	assert.Equal(t, "Ada Lovelace", resp.Principal.Name)
	assert.Equal(t, int32(1), a.api.refreshCalls.Load())
}

func TestGetToken(t *testing.T) {
	a := newAgent(t)

	rec := a.do(t, http.MethodGet, "/api/session/token", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	a.login(t)
	rec = a.do(t, http.MethodGet, "/api/session/token", "")

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[httphandler.TokenResponse](t, rec)
	assert.Equal(t, "a1", resp.AccessToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.NotContains(t, rec.Body.String(), "r1")
}

type tokenFunc func(ctx context.Context) (*oauth2.Token, error)

func (f tokenFunc) TokenContext(ctx context.Context) (*oauth2.Token, error) { return f(ctx) }

func TestGetToken_IncludesExpiry(t *testing.T) {
	exp := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	a := newAgent(t, withTokens(tokenFunc(func(context.Context) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "jwt", TokenType: "Bearer", Expiry: exp}, nil
	})))

	rec := a.do(t, http.MethodGet, "/api/session/token", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2026-10-17T12:00:00Z", decode[httphandler.TokenResponse](t, rec).Expiry)
}

func TestRecoveryMiddleware(t *testing.T) {
	a := newAgent(t, withTokens(tokenFunc(func(context.Context) (*oauth2.Token, error) {
		panic("boom")
	})))

	rec := a.do(t, http.MethodGet, "/api/session/token", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", decode[map[string]string](t, rec)["error"])
}

func TestProxy_AttachesSessionCredential(t *testing.T) {
	a := newAgent(t)
	a.login(t)

	rec := a.do(t, http.MethodGet, "/proxy/listings/?city=austin", "", "Authorization", "Bearer caller-token")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	a.api.mu.Lock()
	defer a.api.mu.Unlock()
	assert.Equal(t, "Bearer a1", a.api.lastAuth)
	assert.Equal(t, "/api/v1/listings/?city=austin", a.api.lastPath)
}

func TestProxy_RefreshesOnUnauthorized(t *testing.T) {
	a := newAgent(t)
	a.login(t)
	a.api.validAccess.Store("a2")

	rec := a.do(t, http.MethodGet, "/proxy/listings/", "")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int32(1), a.api.refreshCalls.Load())

	sess, err := a.store.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.CredentialPair{AccessToken: "a2", RefreshToken: "r2"}, sess.Pair)
}

func TestProxy_FailedRefreshLogsOutAndReturns401(t *testing.T) {
	a := newAgent(t)
	require.NoError(t, a.store.WriteSession(context.Background(),
		model.CredentialPair{AccessToken: "stale", RefreshToken: "revoked"},
		model.Principal{ID: "u1"}))
	_, err := a.session.Sync(context.Background())
	require.NoError(t, err)
	require.True(t, a.session.State().Authenticated)

	rec := a.do(t, http.MethodGet, "/proxy/listings/", "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, a.session.State().Authenticated)
	assert.Zero(t, a.api.logoutCalls.Load())
}

func TestMetricsEndpoint(t *testing.T) {
	a := newAgent(t)
	a.login(t)

	rec := a.do(t, http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "nestfind_session_authenticated 1")
}
