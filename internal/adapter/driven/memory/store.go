// Package memory provides an in-process CredentialStore. A Backend plays the
// part of the shared persisted storage; each Store view created from it is one
// execution context with its own origin.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/ericfisherdev/nestfind/internal/domain/model"
	"github.com/ericfisherdev/nestfind/internal/domain/port/driven"
)

// Backend holds the raw serialized values shared by every view.
type Backend struct {
	mu     sync.RWMutex
	values map[model.StoreKey]string
	subs   map[int]*subscriber
	nextID int
}

// NewBackend creates an empty Backend.
func NewBackend() *Backend {
	return &Backend{
		values: make(map[model.StoreKey]string),
		subs:   make(map[int]*subscriber),
	}
}

// View creates a new execution context over the backend.
func (b *Backend) View(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	origin := ulid.Make().String()
	return &Store{
		backend: b,
		origin:  origin,
		logger:  logger.With("store", "memory", "origin", origin),
	}
}

// SetRaw writes value under key verbatim, bypassing serialization. Every view
// is notified. It emulates tampering from outside the application.
func (b *Backend) SetRaw(key model.StoreKey, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = value
	b.notifyLocked("", []model.StoreKey{key})
}

// Raw returns the serialized value under key.
func (b *Backend) Raw(key model.StoreKey) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.values[key]
	return v, ok
}

// apply runs mutate under the write lock and notifies every other origin of
// the keys mutate reports as changed.
func (b *Backend) apply(origin string, mutate func(values map[model.StoreKey]string) []model.StoreKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if changed := mutate(b.values); len(changed) > 0 {
		b.notifyLocked(origin, changed)
	}
}

func (b *Backend) notifyLocked(origin string, keys []model.StoreKey) {
	change := model.StoreChange{Keys: keys, Origin: origin}
	for _, s := range b.subs {
		if s.origin == origin || !change.Touches(s.keys) {
			continue
		}
		s.push(change)
	}
}

func (b *Backend) subscribe(s *subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// subscriber delivers changes in order on its own goroutine so writers never
// block on a slow callback.
type subscriber struct {
	origin string
	keys   []model.StoreKey
	fn     driven.ChangeFunc

	mu    sync.Mutex
	queue []model.StoreChange
	wake  chan struct{}
}

func (s *subscriber) push(c model.StoreChange) {
	s.mu.Lock()
	s.queue = append(s.queue, c)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pop() (model.StoreChange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return model.StoreChange{}, false
	}
	c := s.queue[0]
	s.queue = s.queue[1:]
	return c, true
}

func (s *subscriber) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			for {
				c, ok := s.pop()
				if !ok || ctx.Err() != nil {
					break
				}
				s.fn(c)
			}
		}
	}
}

// Compile-time interface satisfaction check.
var _ driven.CredentialStore = (*Store)(nil)

// Store is one execution context's view of a Backend.
type Store struct {
	backend *Backend
	origin  string
	logger  *slog.Logger
}

// NewStore creates a store over its own private backend.
func NewStore(logger *slog.Logger) *Store {
	return NewBackend().View(logger)
}

// Origin returns this view's origin id.
func (s *Store) Origin() string { return s.origin }

// Read returns a snapshot of all three keys.
func (s *Store) Read(_ context.Context) (model.Session, error) {
	s.backend.mu.RLock()
	access := s.backend.values[model.KeyAccessToken]
	refresh := s.backend.values[model.KeyRefreshToken]
	rawPrincipal, hasPrincipal := s.backend.values[model.KeyPrincipal]
	s.backend.mu.RUnlock()

	sess := model.Session{Pair: model.CredentialPair{AccessToken: access, RefreshToken: refresh}}
	if hasPrincipal {
		var p model.Principal
		if err := json.Unmarshal([]byte(rawPrincipal), &p); err != nil {
			s.logger.Warn("ignoring stored principal", "error", fmt.Errorf("%w: %w", driven.ErrMalformedStoredData, err))
		} else {
			sess.Principal = &p
		}
	}
	return sess, nil
}

// WritePair replaces both credentials under one lock.
func (s *Store) WritePair(_ context.Context, pair model.CredentialPair) error {
	s.backend.apply(s.origin, func(values map[model.StoreKey]string) []model.StoreKey {
		return setPair(values, pair)
	})
	return nil
}

// SwapPair replaces both credentials if the stored refresh credential is
// still oldRefresh. The check and the write happen under one lock.
func (s *Store) SwapPair(_ context.Context, oldRefresh string, pair model.CredentialPair) error {
	swapped := false
	s.backend.apply(s.origin, func(values map[model.StoreKey]string) []model.StoreKey {
		if values[model.KeyRefreshToken] != oldRefresh {
			return nil
		}
		swapped = true
		return setPair(values, pair)
	})
	if !swapped {
		return fmt.Errorf("swap credential pair: %w", driven.ErrCredentialsChanged)
	}
	return nil
}

// WriteSession stores pair and principal together.
func (s *Store) WriteSession(_ context.Context, pair model.CredentialPair, principal model.Principal) error {
	data, err := json.Marshal(principal)
	if err != nil {
		return fmt.Errorf("marshal principal: %w", err)
	}
	s.backend.apply(s.origin, func(values map[model.StoreKey]string) []model.StoreKey {
		changed := setPair(values, pair)
		values[model.KeyPrincipal] = string(data)
		return append(changed, model.KeyPrincipal)
	})
	return nil
}

// WritePrincipal replaces the stored principal.
func (s *Store) WritePrincipal(_ context.Context, principal model.Principal) error {
	data, err := json.Marshal(principal)
	if err != nil {
		return fmt.Errorf("marshal principal: %w", err)
	}
	s.backend.apply(s.origin, func(values map[model.StoreKey]string) []model.StoreKey {
		values[model.KeyPrincipal] = string(data)
		return []model.StoreKey{model.KeyPrincipal}
	})
	return nil
}

// Clear removes all three keys.
func (s *Store) Clear(_ context.Context) error {
	s.backend.apply(s.origin, func(values map[model.StoreKey]string) []model.StoreKey {
		var removed []model.StoreKey
		for _, k := range model.AllStoreKeys {
			if _, ok := values[k]; ok {
				delete(values, k)
				removed = append(removed, k)
			}
		}
		return removed
	})
	return nil
}

// Delete removes a single key.
func (s *Store) Delete(_ context.Context, key model.StoreKey) error {
	if !key.Valid() {
		return fmt.Errorf("delete %q: unknown store key", key)
	}
	s.backend.apply(s.origin, func(values map[model.StoreKey]string) []model.StoreKey {
		if _, ok := values[key]; !ok {
			return nil
		}
		delete(values, key)
		return []model.StoreKey{key}
	})
	return nil
}

// OnExternalChange delivers changes from other views until ctx is done.
func (s *Store) OnExternalChange(ctx context.Context, keys []model.StoreKey, fn driven.ChangeFunc) error {
	sub := &subscriber{
		origin: s.origin,
		keys:   keys,
		fn:     fn,
		wake:   make(chan struct{}, 1),
	}
	unsubscribe := s.backend.subscribe(sub)
	go func() {
		defer unsubscribe()
		sub.run(ctx)
	}()
	return nil
}

// setPair writes both credentials, removing either one that is empty, and
// returns the keys it touched.
func setPair(values map[model.StoreKey]string, pair model.CredentialPair) []model.StoreKey {
	changed := make([]model.StoreKey, 0, 2)
	for _, kv := range []struct {
		key   model.StoreKey
		value string
	}{
		{model.KeyAccessToken, pair.AccessToken},
		{model.KeyRefreshToken, pair.RefreshToken},
	} {
		old, ok := values[kv.key]
		switch {
		case kv.value == "" && ok:
			delete(values, kv.key)
		case kv.value != "" && (!ok || old != kv.value):
			values[kv.key] = kv.value
		default:
			continue
		}
		changed = append(changed, kv.key)
	}
	return changed
}
