// Package redis implements the CredentialStore on Redis so that agents on
// different hosts can share one session. Writes run in MULTI/EXEC and are
// announced on a pub/sub channel after they commit.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ericfisherdev/nestfind/internal/adapter/driven/seal"
	"github.com/ericfisherdev/nestfind/internal/domain/model"
	"github.com/ericfisherdev/nestfind/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CredentialStore = (*Store)(nil)

// changeMessage is the JSON published on the changes channel.
type changeMessage struct {
	Origin string           `json:"origin"`
	Keys   []model.StoreKey `json:"keys"`
}

// Store is one execution context's view of the session under a key prefix.
type Store struct {
	rdb    goredis.UniversalClient
	prefix string
	sealer *seal.Sealer
	origin string
	logger *slog.Logger
}

// NewStore creates a Store with a fresh origin. sealer may be nil.
func NewStore(rdb goredis.UniversalClient, prefix string, sealer *seal.Sealer, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	origin := ulid.Make().String()
	return &Store{
		rdb:    rdb,
		prefix: prefix,
		sealer: sealer,
		origin: origin,
		logger: logger.With("store", "redis", "origin", origin),
	}
}

// NewClient parses a redis:// URL and pings the server.
func NewClient(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// Origin returns this view's origin id.
func (s *Store) Origin() string { return s.origin }

func (s *Store) key(k model.StoreKey) string {
	return s.prefix + ":" + string(k)
}

func (s *Store) channel() string {
	return s.prefix + ":changes"
}

// Read fetches all three keys with one MGET.
func (s *Store) Read(ctx context.Context) (model.Session, error) {
	vals, err := s.rdb.MGet(ctx,
		s.key(model.KeyAccessToken),
		s.key(model.KeyRefreshToken),
		s.key(model.KeyPrincipal),
	).Result()
	if err != nil {
		return model.Session{}, fmt.Errorf("read session: %w", err)
	}

	var sess model.Session
	for i, k := range model.AllStoreKeys {
		raw, ok := vals[i].(string)
		if !ok {
			continue
		}
		value, err := s.sealer.Open(raw)
		if err != nil {
			s.malformed(k, err)
			continue
		}
		switch k {
		case model.KeyAccessToken:
			sess.Pair.AccessToken = value
		case model.KeyRefreshToken:
			sess.Pair.RefreshToken = value
		case model.KeyPrincipal:
			var p model.Principal
			if err := json.Unmarshal([]byte(value), &p); err != nil {
				s.malformed(k, err)
				continue
			}
			sess.Principal = &p
		}
	}
	return sess, nil
}

func (s *Store) malformed(key model.StoreKey, err error) {
	s.logger.Warn("ignoring stored value", "key", key, "error", fmt.Errorf("%w: %w", driven.ErrMalformedStoredData, err))
}

// WritePair replaces both credentials in one transaction.
func (s *Store) WritePair(ctx context.Context, pair model.CredentialPair) error {
	values, err := s.sealPair(pair)
	if err != nil {
		return err
	}
	return s.commit(ctx, "write credential pair", values, nil)
}

// WriteSession stores pair and principal in one transaction.
func (s *Store) WriteSession(ctx context.Context, pair model.CredentialPair, principal model.Principal) error {
	values, err := s.sealPair(pair)
	if err != nil {
		return err
	}
	sealed, err := s.sealPrincipal(principal)
	if err != nil {
		return err
	}
	values[model.KeyPrincipal] = sealed
	return s.commit(ctx, "write session", values, nil)
}

// WritePrincipal replaces the stored principal.
func (s *Store) WritePrincipal(ctx context.Context, principal model.Principal) error {
	sealed, err := s.sealPrincipal(principal)
	if err != nil {
		return err
	}
	return s.commit(ctx, "write principal", map[model.StoreKey]string{model.KeyPrincipal: sealed}, nil)
}

// Clear removes all three keys in one transaction.
func (s *Store) Clear(ctx context.Context) error {
	return s.commit(ctx, "clear session", nil, model.AllStoreKeys)
}

// Delete removes a single key.
func (s *Store) Delete(ctx context.Context, key model.StoreKey) error {
	if !key.Valid() {
		return fmt.Errorf("delete %q: unknown store key", key)
	}
	return s.commit(ctx, "delete "+string(key), nil, []model.StoreKey{key})
}

// sealPair maps the pair to values; an empty credential maps to "" and is
// deleted by commit.
func (s *Store) sealPair(pair model.CredentialPair) (map[model.StoreKey]string, error) {
	values := make(map[model.StoreKey]string, 3)
	for k, v := range map[model.StoreKey]string{
		model.KeyAccessToken:  pair.AccessToken,
		model.KeyRefreshToken: pair.RefreshToken,
	} {
		if v == "" {
			values[k] = ""
			continue
		}
		sealed, err := s.sealer.Seal(v)
		if err != nil {
			return nil, fmt.Errorf("seal %s: %w", k, err)
		}
		values[k] = sealed
	}
	return values, nil
}

func (s *Store) sealPrincipal(p model.Principal) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal principal: %w", err)
	}
	sealed, err := s.sealer.Seal(string(data))
	if err != nil {
		return "", fmt.Errorf("seal principal: %w", err)
	}
	return sealed, nil
}

// queued records the commands of one transaction so the keys it actually
// changed can be told apart after EXEC.
type queued struct {
	set  []model.StoreKey
	dels map[model.StoreKey]*goredis.IntCmd
}

// queue adds SETs for the non-empty values and DELs for the empty values and
// the keys in del.
func (s *Store) queue(ctx context.Context, pipe goredis.Pipeliner, values map[model.StoreKey]string, del []model.StoreKey) queued {
	q := queued{dels: make(map[model.StoreKey]*goredis.IntCmd)}
	for _, k := range model.AllStoreKeys {
		v, ok := values[k]
		switch {
		case ok && v != "":
			pipe.Set(ctx, s.key(k), v, 0)
			q.set = append(q.set, k)
		case ok:
			q.dels[k] = pipe.Del(ctx, s.key(k))
		}
	}
	for _, k := range del {
		q.dels[k] = pipe.Del(ctx, s.key(k))
	}
	return q
}

func (q queued) changed() []model.StoreKey {
	changed := append([]model.StoreKey(nil), q.set...)
	for _, k := range model.AllStoreKeys {
		if cmd, ok := q.dels[k]; ok && cmd.Val() > 0 {
			changed = append(changed, k)
		}
	}
	return changed
}

// commit runs the writes in one MULTI/EXEC, then publishes the keys that
// actually changed.
func (s *Store) commit(ctx context.Context, op string, values map[model.StoreKey]string, del []model.StoreKey) error {
	var q queued
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		q = s.queue(ctx, pipe, values, del)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return s.announce(ctx, op, q.changed())
}

// SwapPair replaces both credentials if the stored refresh credential is
// still oldRefresh. The refresh key is WATCHed, so a write by anyone else
// between the check and EXEC aborts the transaction.
func (s *Store) SwapPair(ctx context.Context, oldRefresh string, pair model.CredentialPair) error {
	const op = "swap credential pair"

	values, err := s.sealPair(pair)
	if err != nil {
		return err
	}

	refreshKey := s.key(model.KeyRefreshToken)
	var q queued
	err = s.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, refreshKey).Result()
		switch {
		case errors.Is(err, goredis.Nil):
			raw = ""
		case err != nil:
			return err
		}

		current := ""
		if raw != "" {
			if current, err = s.sealer.Open(raw); err != nil {
				s.malformed(model.KeyRefreshToken, err)
				current = ""
			}
		}
		if current != oldRefresh {
			return driven.ErrCredentialsChanged
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			q = s.queue(ctx, pipe, values, nil)
			return nil
		})
		return err
	}, refreshKey)
	if errors.Is(err, goredis.TxFailedErr) {
		err = driven.ErrCredentialsChanged
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return s.announce(ctx, op, q.changed())
}

// announce publishes changed keys on the changes channel.
func (s *Store) announce(ctx context.Context, op string, changed []model.StoreKey) error {
	if len(changed) == 0 {
		return nil
	}

	msg, err := json.Marshal(changeMessage{Origin: s.origin, Keys: changed})
	if err != nil {
		return fmt.Errorf("%s: marshal change: %w", op, err)
	}
	if err := s.rdb.Publish(ctx, s.channel(), msg).Err(); err != nil {
		// The data is committed; only the notification is lost.
		s.logger.Warn("publish session change", "op", op, "error", err)
	}
	return nil
}

// OnExternalChange subscribes to the changes channel and delivers messages
// from other origins until ctx is done. The subscription is confirmed before
// it returns.
func (s *Store) OnExternalChange(ctx context.Context, keys []model.StoreKey, fn driven.ChangeFunc) error {
	ps := s.rdb.Subscribe(ctx, s.channel())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe to %s: %w", s.channel(), err)
	}

	go func() {
		defer func() { _ = ps.Close() }()

		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var msg changeMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					s.logger.Warn("ignoring change message", "error", err)
					continue
				}
				change := model.StoreChange{Keys: msg.Keys, Origin: msg.Origin}
				if change.Origin == s.origin || !change.Touches(keys) {
					continue
				}
				fn(change)
			}
		}
	}()
	return nil
}
