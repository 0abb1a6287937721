package application

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/ericfisherdev/nestfind/internal/domain/model"
	"github.com/ericfisherdev/nestfind/internal/domain/port/driven"
	"github.com/ericfisherdev/nestfind/internal/metrics"
)

// HeaderRequestID carries the id of one logical call. The retry after a
// refresh reuses it.
const HeaderRequestID = "X-Request-ID"

// CredentialRefresher obtains a fresh credential pair, joining any refresh
// already in flight. *RefreshCoordinator implements it.
type CredentialRefresher interface {
	Refresh(ctx context.Context) (model.CredentialPair, error)
	InFlight() bool
}

// Pipeline is the http.RoundTripper every authenticated outbound call goes
// through. It attaches the stored access credential and, on a 401, refreshes
// through the coordinator and resends the request exactly once.
type Pipeline struct {
	base        http.RoundTripper
	store       driven.CredentialStore
	refresher   CredentialRefresher
	forceLogout ForceLogoutFunc
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewPipeline wraps base. A nil base uses http.DefaultTransport.
func NewPipeline(
	base http.RoundTripper,
	store driven.CredentialStore,
	refresher CredentialRefresher,
	forceLogout ForceLogoutFunc,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Pipeline {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		base:        base,
		store:       store,
		refresher:   refresher,
		forceLogout: forceLogout,
		logger:      logger,
		metrics:     m,
	}
}

// Client returns an *http.Client whose transport is the pipeline.
func (p *Pipeline) Client() *http.Client {
	return &http.Client{Transport: p}
}

// AccessToken returns the stored access credential, or ErrNoCredential when
// there is none.
func (p *Pipeline) AccessToken(ctx context.Context) (string, error) {
	sess, err := p.store.Read(ctx)
	if err != nil {
		return "", fmt.Errorf("read credential store: %w", err)
	}
	if !sess.Pair.HasAccess() {
		return "", driven.ErrNoCredential
	}
	return sess.Pair.AccessToken, nil
}

// Recover handles a rejected credential. Without a refresh credential it
// forces logout and returns ErrNoRefreshCredential without calling the
// refresh endpoint. Otherwise it joins or starts a refresh.
func (p *Pipeline) Recover(ctx context.Context) (model.CredentialPair, error) {
	sess, err := p.store.Read(ctx)
	if err == nil && !sess.Pair.HasRefresh() && !p.refresher.InFlight() {
		if p.forceLogout != nil {
			p.forceLogout(context.WithoutCancel(ctx), driven.ErrNoRefreshCredential)
		}
		return model.CredentialPair{}, driven.ErrNoRefreshCredential
	}
	return p.refresher.Refresh(ctx)
}

// RoundTrip implements http.RoundTripper.
func (p *Pipeline) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	getBody, err := replayableBody(req)
	if err != nil {
		return nil, fmt.Errorf("buffer request body: %w", err)
	}

	id := req.Header.Get(HeaderRequestID)
	if id == "" {
		id = uuid.NewString()
	}

	token, err := p.AccessToken(ctx)
	if err != nil && !errors.Is(err, driven.ErrNoCredential) {
		p.logger.Warn("sending request without credential", "request_id", id, "error", err)
	}

	return p.send(req, outbound{id: id, getBody: getBody}, token, false)
}

// outbound is the immutable part of one logical call shared by its attempts.
type outbound struct {
	id      string
	getBody func() (io.ReadCloser, error)
}

func (p *Pipeline) send(req *http.Request, call outbound, token string, retried bool) (*http.Response, error) {
	resp, err := p.attempt(req, call, token)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || retried {
		return resp, err
	}

	ctx := req.Context()
	p.logger.Info("unauthorized response, recovering",
		"request_id", call.id,
		"method", req.Method,
		"path", req.URL.Path,
	)

	pair, err := p.Recover(ctx)
	if err != nil {
		p.metrics.PipelineRetry(metrics.RetryFailed)
		p.logger.Warn("credential recovery failed",
			"request_id", call.id,
			"error", err,
		)
		return resp, nil
	}

	drain(resp)
	p.metrics.PipelineRetry(metrics.RetryRecovered)
	p.logger.Debug("retrying request with refreshed credential",
		"request_id", call.id,
		"access_token", fingerprint(pair.AccessToken),
	)
	return p.send(req, call, pair.AccessToken, true)
}

// attempt sends a fresh copy of req so the caller's request is never mutated.
func (p *Pipeline) attempt(req *http.Request, call outbound, token string) (*http.Response, error) {
	out := req.Clone(req.Context())
	if call.getBody != nil {
		body, err := call.getBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		out.Body = body
		out.GetBody = call.getBody
	}
	out.Header.Set(HeaderRequestID, call.id)
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	}
	return p.base.RoundTrip(out)
}

// replayableBody returns a func producing fresh copies of the request body,
// or nil when there is no body. The original body is consumed and closed.
func replayableBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		_ = req.Body.Close()
		return req.GetBody, nil
	}

	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, err
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
