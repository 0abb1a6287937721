package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ericfisherdev/nestfind/internal/domain/model"
	"github.com/ericfisherdev/nestfind/internal/domain/port/driven"
	"github.com/ericfisherdev/nestfind/internal/metrics"
)

// WatcherConfig holds the watcher's timing.
type WatcherConfig struct {
	// CheckInterval is the proactive expiry check period.
	CheckInterval time.Duration
	// TamperInterval is the same-context deletion poll. Zero disables it.
	TamperInterval time.Duration
	// RefreshBuffer is how close to expiry a credential may get before it is
	// refreshed proactively.
	RefreshBuffer time.Duration
}

// DefaultWatcherConfig returns a one minute check, a one second tamper poll
// and a two minute buffer.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		CheckInterval:  time.Minute,
		TamperInterval: time.Second,
		RefreshBuffer:  2 * time.Minute,
	}
}

// SettlingRefresher is a CredentialRefresher that reports when each refresh
// settles. *RefreshCoordinator implements it.
type SettlingRefresher interface {
	CredentialRefresher
	OnSettled(fn func(err error)) func()
}

// Watcher keeps one execution context's session consistent with the shared
// store. It reconciles external store changes and, while the projection is
// authenticated, refreshes the access credential before it expires.
type Watcher struct {
	store     driven.CredentialStore
	session   *SessionService
	refresher SettlingRefresher
	cfg       WatcherConfig
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	// pending marks a reconciliation deferred until the refresh in flight
	// settles.
	pending atomic.Bool

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc // non-nil while armed
	wg      sync.WaitGroup
}

// NewWatcher creates a Watcher. Nothing runs until Start.
func NewWatcher(
	store driven.CredentialStore,
	session *SessionService,
	refresher SettlingRefresher,
	cfg WatcherConfig,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultWatcherConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.TamperInterval < 0 {
		cfg.TamperInterval = 0
	}
	if cfg.RefreshBuffer <= 0 {
		cfg.RefreshBuffer = def.RefreshBuffer
	}
	return &Watcher{
		store:     store,
		session:   session,
		refresher: refresher,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// Start subscribes to store changes and to the projection, then blocks until
// ctx is done. On return every timer has been stopped.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.baseCtx != nil {
		w.mu.Unlock()
		return errors.New("watcher already started")
	}
	w.baseCtx = ctx
	w.mu.Unlock()

	if err := w.store.OnExternalChange(ctx, model.AllStoreKeys, w.handleExternalChange); err != nil {
		return err
	}

	unregister := w.session.OnChange(w.follow)
	defer unregister()

	unsettle := w.refresher.OnSettled(w.afterRefresh)
	defer unsettle()

	if _, err := w.session.Sync(ctx); err != nil {
		w.logger.Warn("initial session sync failed", "error", err)
	}
	w.follow(w.session.State())

	<-ctx.Done()

	w.disarm()
	w.wg.Wait()
	w.logger.Info("session watcher stopped")
	return nil
}

// Armed reports whether the timers are running.
func (w *Watcher) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

// follow arms the watcher iff the projection is authenticated. It runs as a
// projection listener and must not block.
func (w *Watcher) follow(state model.SessionState) {
	if state.Authenticated {
		w.arm()
		return
	}
	w.disarm()
}

func (w *Watcher) arm() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil || w.baseCtx == nil || w.baseCtx.Err() != nil {
		return
	}

	ctx, cancel := context.WithCancel(w.baseCtx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(ctx)

	w.logger.Info("session watcher armed",
		"check_interval", w.cfg.CheckInterval,
		"tamper_interval", w.cfg.TamperInterval,
	)
}

// disarm cancels the current generation without waiting for it. It is called
// from projection listeners, which may run on the loop goroutine itself.
func (w *Watcher) disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel == nil {
		return
	}
	w.cancel()
	w.cancel = nil
	w.logger.Info("session watcher disarmed")
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var last model.CredentialPair
	if sess, err := w.store.Read(ctx); err == nil {
		last = sess.Pair
	}

	w.checkExpiry(ctx)

	check := time.NewTicker(w.cfg.CheckInterval)
	defer check.Stop()

	var tamper <-chan time.Time
	if w.cfg.TamperInterval > 0 {
		t := time.NewTicker(w.cfg.TamperInterval)
		defer t.Stop()
		tamper = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-check.C:
			w.checkExpiry(ctx)
		case <-tamper:
			last = w.checkTamper(ctx, last)
		}
	}
}

// checkExpiry refreshes when the stored access credential expires within the
// buffer window.
func (w *Watcher) checkExpiry(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	sess, err := w.store.Read(ctx)
	if err != nil {
		w.logger.Warn("read store for expiry check", "error", err)
		return
	}
	if !sess.Pair.HasAccess() || !isExpiring(sess.Pair.AccessToken, w.now(), w.cfg.RefreshBuffer) {
		return
	}

	w.metrics.WatcherTriggered(metrics.TriggerProactive)
	w.logger.Info("access credential near expiry, refreshing",
		"access_token", fingerprint(sess.Pair.AccessToken),
	)
	w.refresh(ctx)
}

// checkTamper compares the stored pair against last and reacts to deletions
// made in this context, which the change feed does not report. It returns the
// pair to compare against next time.
func (w *Watcher) checkTamper(ctx context.Context, last model.CredentialPair) model.CredentialPair {
	if ctx.Err() != nil {
		return last
	}

	sess, err := w.store.Read(ctx)
	if err != nil {
		w.logger.Warn("read store for tamper check", "error", err)
		return last
	}
	cur := sess.Pair

	switch {
	case cur.IsEmpty():
		if (last.HasAccess() || last.HasRefresh()) && !w.deferToRefresh() {
			w.metrics.WatcherTriggered(metrics.TriggerTamper)
			w.logger.Warn("stored credentials removed")
			w.session.ReconcileExternalLoss(context.WithoutCancel(ctx))
		}
	case sess.Principal == nil:
		w.metrics.WatcherTriggered(metrics.TriggerTamper)
		w.logger.Warn("stored principal removed, ending session")
		w.session.RepairOrphanedCredentials(context.WithoutCancel(ctx))
	case !cur.HasAccess() && last.HasAccess():
		w.metrics.WatcherTriggered(metrics.TriggerTamper)
		w.logger.Warn("stored access credential removed, refreshing")
		w.refresh(ctx)
	}
	return cur
}

// handleExternalChange reconciles a change made by another context.
func (w *Watcher) handleExternalChange(change model.StoreChange) {
	ctx := w.base()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	w.metrics.WatcherTriggered(metrics.TriggerExternal)
	w.logger.Debug("external store change", "keys", change.Keys, "origin", change.Origin)

	w.reconcile(ctx)
}

// reconcile re-reads the store and repairs the projection against it.
func (w *Watcher) reconcile(ctx context.Context) {
	sess, err := w.store.Read(ctx)
	if err != nil {
		w.logger.Warn("read store for reconciliation", "error", err)
		return
	}

	switch {
	case sess.Pair.IsEmpty():
		if w.deferToRefresh() {
			return
		}
		if w.session.ReconcileExternalLoss(ctx) {
			w.logger.Info("session removed by another context")
		}
		return
	case sess.Principal == nil:
		if w.session.RepairOrphanedCredentials(ctx) {
			w.logger.Info("credentials stored without principal removed")
		}
		return
	case !sess.Pair.HasAccess() && w.session.State().Authenticated:
		w.logger.Info("access credential removed by another context, refreshing")
		w.refresh(ctx)
	}

	if _, err := w.session.Sync(ctx); err != nil {
		w.logger.Warn("sync after external change", "error", err)
	}
}

// deferToRefresh reports whether a session loss must wait for the refresh in
// flight, whose settlement may still change the store. afterRefresh then
// runs the reconciliation.
func (w *Watcher) deferToRefresh() bool {
	w.pending.Store(true)
	if w.refresher.InFlight() {
		return true
	}
	// No ticket: run now, unless afterRefresh already claimed it.
	return !w.pending.Swap(false)
}

// afterRefresh runs when a ticket settles. It replays a deferred
// reconciliation, or re-derives the projection from the store.
func (w *Watcher) afterRefresh(error) {
	ctx := w.base()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	if w.pending.Swap(false) {
		w.reconcile(ctx)
		return
	}
	if _, err := w.session.Sync(ctx); err != nil {
		w.logger.Warn("sync after refresh", "error", err)
	}
}

func (w *Watcher) base() context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.baseCtx
}

// refresh runs a coordinated refresh. Failures already forced a logout inside
// the coordinator, so they are only logged here.
func (w *Watcher) refresh(ctx context.Context) {
	if _, err := w.refresher.Refresh(ctx); err != nil && ctx.Err() == nil {
		w.logger.Warn("watcher refresh failed", "error", err)
	}
}
