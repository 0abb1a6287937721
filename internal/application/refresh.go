package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ericfisherdev/nestfind/internal/domain/model"
	"github.com/ericfisherdev/nestfind/internal/domain/port/driven"
	"github.com/ericfisherdev/nestfind/internal/metrics"
)

// ForceLogoutFunc performs the local effects of a forced logout.
type ForceLogoutFunc func(ctx context.Context, reason error)

// RefreshConfig bounds a single refresh ticket.
type RefreshConfig struct {
	// Timeout applies to each endpoint call.
	Timeout time.Duration
	// Retries is the number of extra calls made after a transient failure.
	Retries int
	// RetryDelay separates consecutive calls.
	RetryDelay time.Duration
}

// DefaultRefreshConfig returns one retry after a second and a ten second
// timeout per attempt.
func DefaultRefreshConfig() RefreshConfig {
	return RefreshConfig{
		Timeout:    10 * time.Second,
		Retries:    1,
		RetryDelay: time.Second,
	}
}

// refreshTicket is the single in-flight refresh. pair and err are written
// once, before done is closed, and only read after.
type refreshTicket struct {
	done    chan struct{}
	pair    model.CredentialPair
	err     error
	started time.Time
}

// RefreshCoordinator guarantees at most one refresh endpoint call sequence per
// execution context. Concurrent callers join the outstanding ticket and all
// observe the same result.
type RefreshCoordinator struct {
	store     driven.CredentialStore
	refresher driven.TokenRefresher
	onFailure ForceLogoutFunc
	cfg       RefreshConfig
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	current *refreshTicket
	settled map[int]func(error)
	nextID  int
}

// NewRefreshCoordinator creates a coordinator. onFailure runs before waiters
// are released, after the store has been cleared unless the failure wraps
// ErrExternalSessionLoss; it may be nil.
func NewRefreshCoordinator(
	store driven.CredentialStore,
	refresher driven.TokenRefresher,
	onFailure ForceLogoutFunc,
	cfg RefreshConfig,
	logger *slog.Logger,
	m *metrics.Metrics,
) *RefreshCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRefreshConfig().Timeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &RefreshCoordinator{
		store:     store,
		refresher: refresher,
		onFailure: onFailure,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		settled:   make(map[int]func(error)),
	}
}

// OnSettled registers fn to run after every ticket settles, with the
// ticket's error. It runs on the refresh goroutine once waiters have been
// released. The returned func unregisters fn.
func (c *RefreshCoordinator) OnSettled(fn func(err error)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.settled[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.settled, id)
	}
}

// Refresh starts a refresh, or joins the one in flight, and waits for its
// result. If ctx ends first the caller stops waiting; the refresh itself
// keeps running for the other waiters.
func (c *RefreshCoordinator) Refresh(ctx context.Context) (model.CredentialPair, error) {
	c.mu.Lock()
	t := c.current
	if t == nil {
		t = &refreshTicket{done: make(chan struct{}), started: time.Now()}
		c.current = t
		c.mu.Unlock()

		c.logger.Debug("refresh started")
		go c.run(t)
	} else {
		c.mu.Unlock()

		c.metrics.RefreshJoined()
		c.logger.Debug("refresh joined")
	}

	select {
	case <-t.done:
		return t.pair, t.err
	case <-ctx.Done():
		return model.CredentialPair{}, ctx.Err()
	}
}

// InFlight reports whether a ticket is outstanding.
func (c *RefreshCoordinator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// run drives one ticket to settlement. The context is detached from every
// caller so that no single waiter can cancel the shared refresh.
func (c *RefreshCoordinator) run(t *refreshTicket) {
	ctx := context.Background()

	pair, attempts, err := c.obtain(ctx)

	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeFailure
		switch {
		case errors.Is(err, driven.ErrNoRefreshCredential):
			outcome = metrics.OutcomeNoRefreshCredential
		case errors.Is(err, driven.ErrExternalSessionLoss):
			// Another context already ended the session; the store is
			// left as it found it.
			outcome = metrics.OutcomeSessionLost
		}

		if outcome != metrics.OutcomeSessionLost {
			if clearErr := c.store.Clear(ctx); clearErr != nil {
				c.logger.Error("clear store after failed refresh", "error", clearErr)
			}
		}
		if c.onFailure != nil {
			c.onFailure(ctx, err)
		}
	}

	c.mu.Lock()
	t.pair, t.err = pair, err
	c.current = nil
	close(t.done)
	listeners := make([]func(error), 0, len(c.settled))
	for _, fn := range c.settled {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	defer func() {
		for _, fn := range listeners {
			fn(err)
		}
	}()

	elapsed := time.Since(t.started)
	c.metrics.RefreshSettled(outcome, elapsed)
	if err != nil {
		c.logger.Warn("refresh failed",
			"outcome", outcome,
			"attempts", attempts,
			"duration", elapsed.Round(time.Millisecond),
			"error", err,
		)
		return
	}
	c.logger.Info("refresh succeeded",
		"attempts", attempts,
		"duration", elapsed.Round(time.Millisecond),
		"access_token", fingerprint(pair.AccessToken),
	)
}

// obtain reads the refresh credential, calls the endpoint with bounded retry,
// and writes the new pair. It returns the number of endpoint calls made.
func (c *RefreshCoordinator) obtain(ctx context.Context) (model.CredentialPair, int, error) {
	sess, err := c.store.Read(ctx)
	if err != nil {
		return model.CredentialPair{}, 0, fmt.Errorf("read credential store: %w", err)
	}
	if !sess.Pair.HasRefresh() {
		return model.CredentialPair{}, 0, driven.ErrNoRefreshCredential
	}

	var (
		attempts int
		lastErr  error
	)
	for attempts < 1+c.cfg.Retries {
		if attempts > 0 && c.cfg.RetryDelay > 0 {
			time.Sleep(c.cfg.RetryDelay)
		}
		attempts++

		pair, err := c.call(ctx, sess.Pair.RefreshToken)
		if err == nil {
			// Servers that do not rotate omit the refresh credential; the old
			// one stays valid and the pair is still written as a whole.
			if pair.RefreshToken == "" {
				pair.RefreshToken = sess.Pair.RefreshToken
			}
			err := c.store.SwapPair(ctx, sess.Pair.RefreshToken, pair)
			if errors.Is(err, driven.ErrCredentialsChanged) {
				pair, err = c.superseded(ctx)
				return pair, attempts, err
			}
			if err != nil {
				return model.CredentialPair{}, attempts, fmt.Errorf("store refreshed pair: %w", err)
			}
			return pair, attempts, nil
		}

		lastErr = err
		if !errors.Is(err, driven.ErrRefreshEndpointUnreachable) {
			break
		}
		c.logger.Debug("refresh attempt failed", "attempt", attempts, "error", err)
	}

	return model.CredentialPair{}, attempts, lastErr
}

// superseded settles a ticket whose write was refused because the stored
// refresh credential changed while the endpoint call was running. A complete
// session stored meanwhile, e.g. by another context's refresh, is adopted.
// Anything else means the session ended elsewhere and nothing is written.
func (c *RefreshCoordinator) superseded(ctx context.Context) (model.CredentialPair, error) {
	sess, err := c.store.Read(ctx)
	if err != nil {
		return model.CredentialPair{}, fmt.Errorf("read credential store: %w", err)
	}
	if sess.Pair.HasAccess() && sess.Pair.HasRefresh() && sess.Principal != nil {
		c.logger.Info("refreshed pair superseded by another context",
			"access_token", fingerprint(sess.Pair.AccessToken),
		)
		return sess.Pair, nil
	}
	return model.CredentialPair{}, fmt.Errorf("%w: stored credentials changed during refresh", driven.ErrExternalSessionLoss)
}

// call performs a single endpoint call under the per-attempt timeout and
// normalizes the error into the taxonomy.
func (c *RefreshCoordinator) call(ctx context.Context, refreshToken string) (model.CredentialPair, error) {
	c.metrics.EndpointCalled()

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	pair, err := c.refresher.Refresh(attemptCtx, refreshToken)
	if err != nil {
		switch {
		case errors.Is(err, driven.ErrRefreshEndpointFailure),
			errors.Is(err, driven.ErrRefreshEndpointUnreachable):
			return model.CredentialPair{}, err
		case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
			return model.CredentialPair{}, fmt.Errorf("%w: %w", driven.ErrRefreshEndpointUnreachable, err)
		default:
			return model.CredentialPair{}, fmt.Errorf("%w: %w", driven.ErrRefreshEndpointFailure, err)
		}
	}
	if !pair.HasAccess() {
		return model.CredentialPair{}, fmt.Errorf("%w: response carried no access credential", driven.ErrRefreshEndpointFailure)
	}
	return pair, nil
}
