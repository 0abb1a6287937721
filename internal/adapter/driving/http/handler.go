// Package httphandler is the agent's HTTP driving adapter. It exposes the
// session to local UIs and proxies their API calls through the request
// pipeline.
package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/ericfisherdev/nestfind/internal/application"
	"github.com/ericfisherdev/nestfind/internal/domain/model"
	"github.com/ericfisherdev/nestfind/internal/domain/port/driven"
)

// maxBodyBytes caps request bodies accepted by the session endpoints.
const maxBodyBytes = 64 << 10

// TokenProvider returns the current access credential, refreshing it when it
// is about to expire. *application.TokenSource implements it.
type TokenProvider interface {
	TokenContext(ctx context.Context) (*oauth2.Token, error)
}

// Handler serves the session endpoints.
type Handler struct {
	session   *application.SessionService
	tokens    TokenProvider
	loginPath string
	logger    *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(
	session *application.SessionService,
	tokens TokenProvider,
	loginPath string,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		session:   session,
		tokens:    tokens,
		loginPath: loginPath,
		logger:    logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware. proxy and metrics may be nil.
func NewServeMux(h *Handler, proxy, metrics http.Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /api/session", h.GetSession)
	mux.HandleFunc("GET /api/session/me", h.RefreshPrincipal)
	mux.HandleFunc("GET /api/session/token", h.GetToken)
	mux.HandleFunc("POST /api/session/login", h.Login)
	mux.HandleFunc("POST /api/session/register", h.Register)
	mux.HandleFunc("POST /api/session/otp", h.SendOTP)
	mux.HandleFunc("POST /api/session/otp/verify", h.VerifyOTP)
	mux.HandleFunc("POST /api/session/logout", h.Logout)
	mux.HandleFunc("PATCH /api/session/principal", h.UpdatePrincipal)

	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	if proxy != nil {
		mux.Handle("/proxy/", http.StripPrefix("/proxy", proxy))
	}

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// Health reports that the agent is serving.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// GetSession returns the current projection.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.toSessionResponse(h.session.State()))
}

// RefreshPrincipal reloads the principal from the API.
func (h *Handler) RefreshPrincipal(w http.ResponseWriter, r *http.Request) {
	state, err := h.session.CurrentUser(r.Context())
	if err != nil {
		h.writeSessionError(w, "failed to fetch current user", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toSessionResponse(state))
}

// GetToken returns a usable access credential for local tools. The refresh
// credential never leaves the agent.
func (h *Handler) GetToken(w http.ResponseWriter, r *http.Request) {
	tok, err := h.tokens.TokenContext(r.Context())
	if err != nil {
		if errors.Is(err, driven.ErrNoCredential) {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		h.logger.Warn("token request failed", "error", err)
		writeError(w, http.StatusUnauthorized, "session expired")
		return
	}

	resp := TokenResponse{
		AccessToken: tok.AccessToken,
		TokenType:   tok.Type(),
	}
	if !tok.Expiry.IsZero() {
		resp.Expiry = tok.Expiry.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Login signs in with email and password.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	state, err := h.session.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeSessionError(w, "login failed", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toSessionResponse(state))
}

// Register creates an account and signs in.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	state, err := h.session.Register(r.Context(), driven.RegisterInput{
		Name:     strings.TrimSpace(req.Name),
		Email:    strings.TrimSpace(req.Email),
		Phone:    strings.TrimSpace(req.Phone),
		Password: req.Password,
	})
	if err != nil {
		h.writeSessionError(w, "registration failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.toSessionResponse(state))
}

// SendOTP asks the API to send a one-time code.
func (h *Handler) SendOTP(w http.ResponseWriter, r *http.Request) {
	var req OTPRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Phone) == "" {
		writeError(w, http.StatusBadRequest, "phone is required")
		return
	}

	if err := h.session.SendOTP(r.Context(), strings.TrimSpace(req.Phone)); err != nil {
		h.writeSessionError(w, "send otp failed", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// VerifyOTP signs in with a one-time code.
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req OTPRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Phone) == "" || req.OTP == "" {
		writeError(w, http.StatusBadRequest, "phone and otp are required")
		return
	}

	state, err := h.session.VerifyOTP(r.Context(), strings.TrimSpace(req.Phone), req.OTP)
	if err != nil {
		h.writeSessionError(w, "otp verification failed", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toSessionResponse(state))
}

// Logout ends the session. Local state is cleared even when the remote
// revoke fails; the response says which happened.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	event, err := h.session.Logout(r.Context())
	if err != nil {
		h.logger.Error("logout failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, LogoutResponse{
		RemoteRevoked: event.RemoteRevoked,
		LoginPath:     event.LoginPath,
	})
}

// UpdatePrincipal merges profile fields into the stored principal.
func (h *Handler) UpdatePrincipal(w http.ResponseWriter, r *http.Request) {
	var req PrincipalRequest
	if !decodeBody(w, r, &req) {
		return
	}

	state, err := h.session.UpdatePrincipal(r.Context(), req.toModel())
	if err != nil {
		h.writeSessionError(w, "failed to update principal", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toSessionResponse(state))
}

// upstreamError is implemented by API errors that carry a status and a
// message meant for the user.
type upstreamError interface {
	HTTPStatus() int
	UserMessage() string
}

func (h *Handler) writeSessionError(w http.ResponseWriter, msg string, err error) {
	var up upstreamError
	switch {
	case errors.Is(err, application.ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, "not authenticated")
	case errors.Is(err, driven.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, userMessage(err, "invalid credentials"))
	case errors.As(err, &up) && up.HTTPStatus() >= 400 && up.HTTPStatus() < 500:
		writeError(w, up.HTTPStatus(), userMessage(err, http.StatusText(up.HTTPStatus())))
	default:
		h.logger.Error(msg, "error", err)
		writeError(w, http.StatusBadGateway, msg)
	}
}

func userMessage(err error, fallback string) string {
	var up upstreamError
	if errors.As(err, &up) && up.UserMessage() != "" {
		return up.UserMessage()
	}
	return fallback
}

// decodeBody decodes a JSON request body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "request body is required")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (h *Handler) toSessionResponse(state model.SessionState) SessionResponse {
	return SessionResponse{
		Authenticated: state.Authenticated,
		Principal:     toPrincipalResponse(state.Principal),
		LoginPath:     h.loginPath,
	}
}
