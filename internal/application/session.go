package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/ericfisherdev/nestfind/internal/domain/model"
	"github.com/ericfisherdev/nestfind/internal/domain/port/driven"
	"github.com/ericfisherdev/nestfind/internal/metrics"
)

// ErrNotAuthenticated is returned by operations that need a stored principal.
var ErrNotAuthenticated = errors.New("not authenticated")

// CachePurger discards cached application data on logout.
type CachePurger interface {
	Purge()
}

// SessionService owns this execution context's SessionState projection and
// the login and logout actions. All session mutation funnels through the
// credential store; the projection is recomputed from it.
type SessionService struct {
	store     driven.CredentialStore
	api       driven.AuthAPI
	cache     CachePurger
	loginPath string
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	// notifyMu serializes publish so listeners observe states in order.
	notifyMu sync.Mutex
	// logoutMu serializes the logout paths.
	logoutMu sync.Mutex

	mu              sync.RWMutex
	state           model.SessionState
	changeListeners map[int]func(model.SessionState)
	logoutListeners map[int]func(model.LogoutEvent)
	nextListenerID  int
}

// NewSessionService creates a SessionService. api and cache may be nil when
// the caller only needs the projection and forced logout.
func NewSessionService(
	store driven.CredentialStore,
	api driven.AuthAPI,
	cache CachePurger,
	loginPath string,
	logger *slog.Logger,
	m *metrics.Metrics,
) *SessionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionService{
		store:           store,
		api:             api,
		cache:           cache,
		loginPath:       loginPath,
		logger:          logger,
		metrics:         m,
		now:             time.Now,
		changeListeners: make(map[int]func(model.SessionState)),
		logoutListeners: make(map[int]func(model.LogoutEvent)),
	}
}

// State returns the current projection.
func (s *SessionService) State() model.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// OnChange registers fn to run whenever the projection changes. Listeners run
// synchronously and must not call back into the service. The returned func
// unregisters fn.
func (s *SessionService) OnChange(fn func(model.SessionState)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListenerID
	s.nextListenerID++
	s.changeListeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.changeListeners, id)
	}
}

// OnLogout registers fn to run after every logout, explicit or forced. This is
// where the surrounding application redirects to its login entry point.
// Listeners must not start another logout.
func (s *SessionService) OnLogout(fn func(model.LogoutEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListenerID
	s.nextListenerID++
	s.logoutListeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.logoutListeners, id)
	}
}

// Sync re-reads the store and republishes the projection if it changed.
func (s *SessionService) Sync(ctx context.Context) (model.SessionState, error) {
	sess, err := s.store.Read(ctx)
	if err != nil {
		return s.State(), fmt.Errorf("read credential store: %w", err)
	}
	state := model.Project(sess)
	s.publish(state)
	return state, nil
}

// Login authenticates with email and password and creates the session.
func (s *SessionService) Login(ctx context.Context, email, password string) (model.SessionState, error) {
	grant, err := s.api.Login(ctx, email, password)
	if err != nil {
		return s.State(), fmt.Errorf("login: %w", err)
	}
	return s.establish(ctx, grant)
}

// Register creates an account and signs in with the returned grant.
func (s *SessionService) Register(ctx context.Context, in driven.RegisterInput) (model.SessionState, error) {
	grant, err := s.api.Register(ctx, in)
	if err != nil {
		return s.State(), fmt.Errorf("register: %w", err)
	}
	return s.establish(ctx, grant)
}

// SendOTP asks the API to text a one-time code to phone.
func (s *SessionService) SendOTP(ctx context.Context, phone string) error {
	if err := s.api.SendOTP(ctx, phone); err != nil {
		return fmt.Errorf("send otp: %w", err)
	}
	return nil
}

// VerifyOTP signs in with a one-time code.
func (s *SessionService) VerifyOTP(ctx context.Context, phone, otp string) (model.SessionState, error) {
	grant, err := s.api.VerifyOTP(ctx, phone, otp)
	if err != nil {
		return s.State(), fmt.Errorf("verify otp: %w", err)
	}
	return s.establish(ctx, grant)
}

func (s *SessionService) establish(ctx context.Context, grant driven.Grant) (model.SessionState, error) {
	if err := s.store.WriteSession(ctx, grant.Pair, grant.Principal); err != nil {
		return s.State(), fmt.Errorf("store session: %w", err)
	}
	state, err := s.Sync(ctx)
	if err != nil {
		return state, err
	}
	s.logger.Info("session established", "user_id", grant.Principal.ID)
	return state, nil
}

// UpdatePrincipal merges patch into the stored principal.
func (s *SessionService) UpdatePrincipal(ctx context.Context, patch model.Principal) (model.SessionState, error) {
	sess, err := s.store.Read(ctx)
	if err != nil {
		return s.State(), fmt.Errorf("read credential store: %w", err)
	}
	if sess.Principal == nil {
		return s.State(), ErrNotAuthenticated
	}
	if err := s.store.WritePrincipal(ctx, sess.Principal.Merge(patch)); err != nil {
		return s.State(), fmt.Errorf("store principal: %w", err)
	}
	return s.Sync(ctx)
}

// CurrentUser fetches the current user from the API and stores it.
func (s *SessionService) CurrentUser(ctx context.Context) (model.SessionState, error) {
	p, err := s.api.Me(ctx)
	if err != nil {
		return s.State(), fmt.Errorf("fetch current user: %w", err)
	}
	sess, err := s.store.Read(ctx)
	if err != nil {
		return s.State(), fmt.Errorf("read credential store: %w", err)
	}
	if !sess.Pair.HasAccess() && !sess.Pair.HasRefresh() {
		// Logged out while the call was in flight.
		return s.State(), ErrNotAuthenticated
	}
	if err := s.store.WritePrincipal(ctx, p); err != nil {
		return s.State(), fmt.Errorf("store principal: %w", err)
	}
	return s.Sync(ctx)
}

// Logout is the explicit, user-requested logout. The remote revoke is best
// effort; local state is cleared regardless and the event reports whether
// the revoke went through.
func (s *SessionService) Logout(ctx context.Context) (model.LogoutEvent, error) {
	s.logoutMu.Lock()
	defer s.logoutMu.Unlock()

	remoteRevoked := false

	sess, err := s.store.Read(ctx)
	switch {
	case err != nil:
		s.logger.Warn("read store before logout", "error", err)
	case !sess.Pair.HasRefresh():
		s.logger.Warn("logout without refresh credential, skipping remote revoke")
	default:
		if err := s.api.Logout(ctx, sess.Pair.RefreshToken); err != nil {
			s.logger.Warn("remote logout failed", "error", err)
		} else {
			remoteRevoked = true
		}
	}

	if err := s.store.Clear(ctx); err != nil {
		s.endSession(model.LogoutExplicit, nil, remoteRevoked)
		return model.LogoutEvent{}, fmt.Errorf("clear credential store: %w", err)
	}
	return s.endSession(model.LogoutExplicit, nil, remoteRevoked), nil
}

// ForceLogout clears the session locally. It never calls the remote logout
// endpoint. It matches ForceLogoutFunc. A reason wrapping
// ErrExternalSessionLoss is ignored once the projection is unauthenticated,
// since the session already ended elsewhere.
func (s *SessionService) ForceLogout(ctx context.Context, reason error) {
	s.logoutMu.Lock()
	defer s.logoutMu.Unlock()

	if errors.Is(reason, driven.ErrExternalSessionLoss) && !s.State().Authenticated {
		return
	}
	s.forceLogout(ctx, reason)
}

func (s *SessionService) forceLogout(ctx context.Context, reason error) {
	if err := s.store.Clear(ctx); err != nil {
		s.logger.Error("clear store on forced logout", "error", err)
	}
	s.endSession(model.LogoutForced, reason, false)
}

// ReconcileExternalLoss applies the local effects of a logout after the
// stored credentials disappeared outside this context. It does nothing if
// the projection is already unauthenticated. It reports whether a logout
// was emitted.
func (s *SessionService) ReconcileExternalLoss(ctx context.Context) bool {
	s.logoutMu.Lock()
	defer s.logoutMu.Unlock()

	if !s.State().Authenticated {
		return false
	}
	s.forceLogout(ctx, driven.ErrExternalSessionLoss)
	return true
}

// RepairOrphanedCredentials clears credentials stored without a principal.
// No session path writes that state, so it only arises from tampering or a
// write racing another context's logout. A projection that still claims a
// session gets the local effects of a logout. It reports whether anything
// was repaired.
func (s *SessionService) RepairOrphanedCredentials(ctx context.Context) bool {
	s.logoutMu.Lock()
	defer s.logoutMu.Unlock()

	sess, err := s.store.Read(ctx)
	if err != nil {
		s.logger.Warn("read store for repair", "error", err)
		return false
	}
	if sess.Principal != nil || sess.Pair.IsEmpty() {
		return false
	}

	if s.State().Authenticated {
		s.forceLogout(ctx, fmt.Errorf("%w: credentials stored without principal", driven.ErrExternalSessionLoss))
		return true
	}
	if err := s.store.Clear(ctx); err != nil {
		s.logger.Error("clear orphaned credentials", "error", err)
		return false
	}
	s.logger.Warn("cleared credentials stored without principal")
	return true
}

func (s *SessionService) endSession(mode model.LogoutMode, reason error, remoteRevoked bool) model.LogoutEvent {
	s.publish(model.SessionState{})

	if s.cache != nil {
		s.cache.Purge()
	}

	ev := model.LogoutEvent{
		Mode:          mode,
		Reason:        reason,
		RemoteRevoked: remoteRevoked,
		LoginPath:     s.loginPath,
		At:            s.now(),
	}

	s.metrics.Logout(string(mode))
	s.logger.Info("session ended",
		"mode", mode,
		"reason", reason,
		"remote_revoked", remoteRevoked,
		"login_path", s.loginPath,
	)

	s.mu.RLock()
	listeners := make([]func(model.LogoutEvent), 0, len(s.logoutListeners))
	for _, fn := range s.logoutListeners {
		listeners = append(listeners, fn)
	}
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
	return ev
}

// publish stores state and notifies change listeners when it differs from
// the previous projection.
func (s *SessionService) publish(state model.SessionState) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if reflect.DeepEqual(s.state, state) {
		s.mu.Unlock()
		return
	}
	s.state = state
	listeners := make([]func(model.SessionState), 0, len(s.changeListeners))
	for _, fn := range s.changeListeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	s.metrics.SetAuthenticated(state.Authenticated)
	s.logger.Debug("session projection changed", "authenticated", state.Authenticated)

	for _, fn := range listeners {
		fn(state)
	}
}
