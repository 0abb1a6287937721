// Package api implements the AuthAPI port against the listing API's /auth
// endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ericfisherdev/nestfind/internal/domain/model"
	"github.com/ericfisherdev/nestfind/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.AuthAPI = (*Client)(nil)

// Login payload constants sent with every email/password login.
const (
	loginDevice = "web"
	loginPortal = "client"
)

// Error is a non-2xx response. Message comes from the error envelope when the
// server sent one.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api status %d", e.Status)
	}
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

// HTTPStatus returns the response status.
func (e *Error) HTTPStatus() int { return e.Status }

// UserMessage returns the server's message, safe to show to the user.
func (e *Error) UserMessage() string { return e.Message }

// Is lets callers match a 401 with driven.ErrUnauthorized.
func (e *Error) Is(target error) bool {
	return target == driven.ErrUnauthorized && e.Status == http.StatusUnauthorized
}

// Client talks to the auth endpoints. Unauthenticated endpoints, including
// refresh and logout, use the plain client; Me uses the authenticated one so
// that it travels through the request pipeline.
type Client struct {
	baseURL string
	plain   *http.Client
	authed  *http.Client
}

// NewClient creates a Client for baseURL (for example
// "http://localhost:5000/api/v1"). A nil httpClient gets a client with
// timeout; the same client serves authenticated calls until
// UseAuthenticatedClient is called.
func NewClient(baseURL string, httpClient *http.Client, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		plain:   httpClient,
		authed:  httpClient,
	}
}

// UseAuthenticatedClient sets the client used for authenticated calls. It is
// called once during wiring, after the pipeline exists.
func (c *Client) UseAuthenticatedClient(h *http.Client) {
	c.authed = h
}

// grantData is the data object of login, register, OTP and refresh responses.
type grantData struct {
	AccessToken  string         `json:"accessToken"`
	RefreshToken string         `json:"refreshToken"`
	User         map[string]any `json:"user"`
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Login exchanges email and password for a grant.
func (c *Client) Login(ctx context.Context, email, password string) (driven.Grant, error) {
	payload := map[string]string{
		"email":    email,
		"password": password,
		"device":   loginDevice,
		"portal":   loginPortal,
	}
	grant, err := c.grant(ctx, "/auth/login", payload)
	if err != nil {
		return driven.Grant{}, fmt.Errorf("login: %w", err)
	}
	return grant, nil
}

// Register creates an account and returns its grant.
func (c *Client) Register(ctx context.Context, in driven.RegisterInput) (driven.Grant, error) {
	grant, err := c.grant(ctx, "/auth/register", in)
	if err != nil {
		return driven.Grant{}, fmt.Errorf("register: %w", err)
	}
	return grant, nil
}

// SendOTP asks the server to text a one-time code to phone.
func (c *Client) SendOTP(ctx context.Context, phone string) error {
	if _, err := c.post(ctx, c.plain, "/auth/send-otp", map[string]string{"phone": phone}); err != nil {
		return fmt.Errorf("send otp: %w", err)
	}
	return nil
}

// VerifyOTP exchanges a one-time code for a grant.
func (c *Client) VerifyOTP(ctx context.Context, phone, otp string) (driven.Grant, error) {
	grant, err := c.grant(ctx, "/auth/verify-otp", map[string]string{"phone": phone, "otp": otp})
	if err != nil {
		return driven.Grant{}, fmt.Errorf("verify otp: %w", err)
	}
	return grant, nil
}

// Refresh exchanges the refresh credential for a new pair. Rejections (400,
// 401, 403 and other 4xx except 429) wrap ErrRefreshEndpointFailure; transport
// errors, timeouts, 429 and 5xx wrap ErrRefreshEndpointUnreachable.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (model.CredentialPair, error) {
	data, err := c.post(ctx, c.plain, "/auth/refresh", map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return model.CredentialPair{}, classifyRefresh(err)
	}

	var g grantData
	if err := json.Unmarshal(data, &g); err != nil {
		return model.CredentialPair{}, fmt.Errorf("%w: decode refresh response: %w", driven.ErrRefreshEndpointFailure, err)
	}
	return model.CredentialPair{AccessToken: g.AccessToken, RefreshToken: g.RefreshToken}, nil
}

func classifyRefresh(err error) error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= http.StatusInternalServerError {
			return fmt.Errorf("%w: %w", driven.ErrRefreshEndpointUnreachable, err)
		}
		return fmt.Errorf("%w: %w", driven.ErrRefreshEndpointFailure, err)
	}
	var decodeErr *decodeError
	if errors.As(err, &decodeErr) {
		return fmt.Errorf("%w: %w", driven.ErrRefreshEndpointFailure, err)
	}
	return fmt.Errorf("%w: %w", driven.ErrRefreshEndpointUnreachable, err)
}

// Logout revokes refreshToken. It uses the plain client: logout must never
// wait on a refresh.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	if _, err := c.post(ctx, c.plain, "/auth/logout", map[string]string{"refreshToken": refreshToken}); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Me fetches the current principal through the authenticated client.
func (c *Client) Me(ctx context.Context) (model.Principal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/me", nil)
	if err != nil {
		return model.Principal{}, fmt.Errorf("build me request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	data, err := c.do(c.authed, req)
	if err != nil {
		return model.Principal{}, fmt.Errorf("me: %w", err)
	}

	var wrapped struct {
		User map[string]any `json:"user"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.User != nil {
		return PrincipalFromWire(wrapped.User), nil
	}
	var user map[string]any
	if err := json.Unmarshal(data, &user); err != nil {
		return model.Principal{}, fmt.Errorf("me: %w", &decodeError{err: err})
	}
	if user == nil {
		return model.Principal{}, fmt.Errorf("me: %w", &decodeError{err: errors.New("response carries no user")})
	}
	return PrincipalFromWire(user), nil
}

func (c *Client) grant(ctx context.Context, path string, payload any) (driven.Grant, error) {
	data, err := c.post(ctx, c.plain, path, payload)
	if err != nil {
		return driven.Grant{}, err
	}

	var g grantData
	if err := json.Unmarshal(data, &g); err != nil {
		return driven.Grant{}, &decodeError{err: err}
	}
	if g.AccessToken == "" {
		return driven.Grant{}, &decodeError{err: errors.New("response carries no access token")}
	}
	return driven.Grant{
		Pair:      model.CredentialPair{AccessToken: g.AccessToken, RefreshToken: g.RefreshToken},
		Principal: PrincipalFromWire(g.User),
	}, nil
}

func (c *Client) post(ctx context.Context, h *http.Client, path string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return c.do(h, req)
}

// do sends req and returns the data member of the response envelope.
func (c *Client) do(h *http.Client, req *http.Request) (json.RawMessage, error) {
	resp, err := h.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode}
		if decodeErr == nil && env.Error != nil {
			apiErr.Message = env.Error.Message
		}
		return nil, apiErr
	}
	if decodeErr != nil {
		return nil, &decodeError{err: decodeErr}
	}
	return env.Data, nil
}

// decodeError marks a 2xx response whose body could not be understood.
type decodeError struct {
	err error
}

func (e *decodeError) Error() string { return "decode response: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// PrincipalFromWire lifts the known profile fields out of a user object and
// keeps the rest in Extra.
func PrincipalFromWire(user map[string]any) model.Principal {
	var p model.Principal
	if user == nil {
		return p
	}

	take := func(keys ...string) string {
		for _, k := range keys {
			s, ok := user[k].(string)
			if !ok {
				continue
			}
			delete(user, k)
			if s != "" {
				return s
			}
		}
		return ""
	}

	p.ID = take("id", "_id")
	p.Name = take("name")
	p.Email = take("email")
	p.Phone = take("phone")
	p.Avatar = take("avatar")
	if len(user) > 0 {
		p.Extra = user
	}
	return p
}
