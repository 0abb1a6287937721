package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ericfisherdev/nestfind/internal/adapter/driven/seal"
	"github.com/ericfisherdev/nestfind/internal/domain/model"
	"github.com/ericfisherdev/nestfind/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CredentialStore = (*SessionRepo)(nil)

// changeRetention bounds how long change log rows are kept. Subscribers that
// fall further behind than this only miss events, never data.
const changeRetention = time.Hour

// SessionRepo is the SQLite implementation of the CredentialStore port. Each
// SessionRepo is one execution context: every mutation is recorded in
// session_changes under the repo's origin, and the change feed reports rows
// written by other origins, including other processes sharing the file.
type SessionRepo struct {
	db           *DB
	sealer       *seal.Sealer
	origin       string
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewSessionRepo creates a SessionRepo with a fresh origin. sealer may be nil
// to store values in plaintext.
func NewSessionRepo(db *DB, sealer *seal.Sealer, pollInterval time.Duration, logger *slog.Logger) *SessionRepo {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	origin := ulid.Make().String()
	return &SessionRepo{
		db:           db,
		sealer:       sealer,
		origin:       origin,
		pollInterval: pollInterval,
		logger:       logger.With("store", "sqlite", "origin", origin),
	}
}

// Origin returns this repo's origin id.
func (r *SessionRepo) Origin() string { return r.origin }

// Read returns all three keys from a single statement, which SQLite answers
// from one snapshot.
func (r *SessionRepo) Read(ctx context.Context) (model.Session, error) {
	const query = `SELECT key, value FROM session_entries WHERE key IN (?, ?, ?)`

	rows, err := r.db.Reader.QueryContext(ctx, query,
		string(model.KeyAccessToken), string(model.KeyRefreshToken), string(model.KeyPrincipal))
	if err != nil {
		return model.Session{}, fmt.Errorf("read session: %w", err)
	}
	defer rows.Close()

	var sess model.Session
	for rows.Next() {
		var key, stored string
		if err := rows.Scan(&key, &stored); err != nil {
			return model.Session{}, fmt.Errorf("scan session entry: %w", err)
		}

		value, err := r.sealer.Open(stored)
		if err != nil {
			r.malformed(model.StoreKey(key), err)
			continue
		}

		switch model.StoreKey(key) {
		case model.KeyAccessToken:
			sess.Pair.AccessToken = value
		case model.KeyRefreshToken:
			sess.Pair.RefreshToken = value
		case model.KeyPrincipal:
			var p model.Principal
			if err := json.Unmarshal([]byte(value), &p); err != nil {
				r.malformed(model.KeyPrincipal, err)
				continue
			}
			sess.Principal = &p
		}
	}
	if err := rows.Err(); err != nil {
		return model.Session{}, fmt.Errorf("iterate session entries: %w", err)
	}

	return sess, nil
}

func (r *SessionRepo) malformed(key model.StoreKey, err error) {
	r.logger.Warn("ignoring stored value", "key", key, "error", fmt.Errorf("%w: %w", driven.ErrMalformedStoredData, err))
}

// WritePair replaces both credentials in one transaction.
func (r *SessionRepo) WritePair(ctx context.Context, pair model.CredentialPair) error {
	return r.mutate(ctx, "write credential pair", func(tx *sql.Tx) ([]model.StoreKey, error) {
		return r.putPair(ctx, tx, pair)
	})
}

// SwapPair replaces both credentials if the stored refresh credential is
// still oldRefresh. Writer transactions begin IMMEDIATE, so no other writer
// commits between the check and the update. Sealed values carry a random
// nonce, so the comparison is made on the opened value.
func (r *SessionRepo) SwapPair(ctx context.Context, oldRefresh string, pair model.CredentialPair) error {
	return r.mutate(ctx, "swap credential pair", func(tx *sql.Tx) ([]model.StoreKey, error) {
		current, err := r.get(ctx, tx, model.KeyRefreshToken)
		if err != nil {
			return nil, err
		}
		if current != oldRefresh {
			return nil, driven.ErrCredentialsChanged
		}
		return r.putPair(ctx, tx, pair)
	})
}

// WriteSession stores pair and principal in one transaction.
func (r *SessionRepo) WriteSession(ctx context.Context, pair model.CredentialPair, principal model.Principal) error {
	data, err := json.Marshal(principal)
	if err != nil {
		return fmt.Errorf("marshal principal: %w", err)
	}
	return r.mutate(ctx, "write session", func(tx *sql.Tx) ([]model.StoreKey, error) {
		changed, err := r.putPair(ctx, tx, pair)
		if err != nil {
			return nil, err
		}
		if err := r.put(ctx, tx, model.KeyPrincipal, string(data)); err != nil {
			return nil, err
		}
		return append(changed, model.KeyPrincipal), nil
	})
}

// WritePrincipal replaces the stored principal.
func (r *SessionRepo) WritePrincipal(ctx context.Context, principal model.Principal) error {
	data, err := json.Marshal(principal)
	if err != nil {
		return fmt.Errorf("marshal principal: %w", err)
	}
	return r.mutate(ctx, "write principal", func(tx *sql.Tx) ([]model.StoreKey, error) {
		if err := r.put(ctx, tx, model.KeyPrincipal, string(data)); err != nil {
			return nil, err
		}
		return []model.StoreKey{model.KeyPrincipal}, nil
	})
}

// Clear removes all three keys in one transaction.
func (r *SessionRepo) Clear(ctx context.Context) error {
	return r.mutate(ctx, "clear session", func(tx *sql.Tx) ([]model.StoreKey, error) {
		var removed []model.StoreKey
		for _, k := range model.AllStoreKeys {
			ok, err := r.remove(ctx, tx, k)
			if err != nil {
				return nil, err
			}
			if ok {
				removed = append(removed, k)
			}
		}
		return removed, nil
	})
}

// Delete removes a single key.
func (r *SessionRepo) Delete(ctx context.Context, key model.StoreKey) error {
	if !key.Valid() {
		return fmt.Errorf("delete %q: unknown store key", key)
	}
	return r.mutate(ctx, "delete "+string(key), func(tx *sql.Tx) ([]model.StoreKey, error) {
		ok, err := r.remove(ctx, tx, key)
		if err != nil || !ok {
			return nil, err
		}
		return []model.StoreKey{key}, nil
	})
}

// mutate runs fn in a write transaction and records the keys it reports as
// changed in session_changes before committing.
func (r *SessionRepo) mutate(ctx context.Context, op string, fn func(tx *sql.Tx) ([]model.StoreKey, error)) error {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin tx: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	changed, err := fn(tx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if len(changed) > 0 {
		const insert = `INSERT INTO session_changes (keys, origin, changed_at) VALUES (?, ?, ?)`
		if _, err := tx.ExecContext(ctx, insert, joinKeys(changed), r.origin, time.Now().UTC()); err != nil {
			return fmt.Errorf("%s: record change: %w", op, err)
		}

		const prune = `DELETE FROM session_changes WHERE changed_at < ?`
		if _, err := tx.ExecContext(ctx, prune, time.Now().UTC().Add(-changeRetention)); err != nil {
			return fmt.Errorf("%s: prune changes: %w", op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

func (r *SessionRepo) putPair(ctx context.Context, tx *sql.Tx, pair model.CredentialPair) ([]model.StoreKey, error) {
	changed := make([]model.StoreKey, 0, 2)
	for _, kv := range []struct {
		key   model.StoreKey
		value string
	}{
		{model.KeyAccessToken, pair.AccessToken},
		{model.KeyRefreshToken, pair.RefreshToken},
	} {
		if kv.value == "" {
			ok, err := r.remove(ctx, tx, kv.key)
			if err != nil {
				return nil, err
			}
			if ok {
				changed = append(changed, kv.key)
			}
			continue
		}
		if err := r.put(ctx, tx, kv.key, kv.value); err != nil {
			return nil, err
		}
		changed = append(changed, kv.key)
	}
	return changed, nil
}

// get returns the opened value of key inside tx, or "" when it is absent or
// unreadable.
func (r *SessionRepo) get(ctx context.Context, tx *sql.Tx, key model.StoreKey) (string, error) {
	const query = `SELECT value FROM session_entries WHERE key = ?`

	var stored string
	err := tx.QueryRowContext(ctx, query, string(key)).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}

	value, err := r.sealer.Open(stored)
	if err != nil {
		r.malformed(key, err)
		return "", nil
	}
	return value, nil
}

func (r *SessionRepo) put(ctx context.Context, tx *sql.Tx, key model.StoreKey, value string) error {
	sealed, err := r.sealer.Seal(value)
	if err != nil {
		return fmt.Errorf("seal %s: %w", key, err)
	}

	const query = `
		INSERT INTO session_entries (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := tx.ExecContext(ctx, query, string(key), sealed); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (r *SessionRepo) remove(ctx context.Context, tx *sql.Tx, key model.StoreKey) (bool, error) {
	const query = `DELETE FROM session_entries WHERE key = ?`

	result, err := tx.ExecContext(ctx, query, string(key))
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", key, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return rows > 0, nil
}

// OnExternalChange polls session_changes for rows written after the call by
// other origins and delivers them in id order until ctx is done.
func (r *SessionRepo) OnExternalChange(ctx context.Context, keys []model.StoreKey, fn driven.ChangeFunc) error {
	var last int64
	const query = `SELECT COALESCE(MAX(id), 0) FROM session_changes`
	if err := r.db.Reader.QueryRowContext(ctx, query).Scan(&last); err != nil {
		return fmt.Errorf("read change cursor: %w", err)
	}

	go r.follow(ctx, last, keys, fn)
	return nil
}

type changeRow struct {
	id     int64
	change model.StoreChange
}

func (r *SessionRepo) follow(ctx context.Context, last int64, keys []model.StoreKey, fn driven.ChangeFunc) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rows, err := r.changesSince(ctx, last)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("poll session changes", "error", err)
			}
			continue
		}

		for _, row := range rows {
			last = row.id
			if row.change.Origin == r.origin || !row.change.Touches(keys) {
				continue
			}
			fn(row.change)
		}
	}
}

func (r *SessionRepo) changesSince(ctx context.Context, after int64) ([]changeRow, error) {
	const query = `SELECT id, keys, origin FROM session_changes WHERE id > ? ORDER BY id`

	rows, err := r.db.Reader.QueryContext(ctx, query, after)
	if err != nil {
		return nil, fmt.Errorf("query session changes: %w", err)
	}
	defer rows.Close()

	var out []changeRow
	for rows.Next() {
		var (
			row  changeRow
			keys string
		)
		if err := rows.Scan(&row.id, &keys, &row.change.Origin); err != nil {
			return nil, fmt.Errorf("scan session change: %w", err)
		}
		row.change.Keys = splitKeys(keys)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session changes: %w", err)
	}
	return out, nil
}

func joinKeys(keys []model.StoreKey) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = string(k)
	}
	return strings.Join(parts, ",")
}

func splitKeys(s string) []model.StoreKey {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	keys := make([]model.StoreKey, 0, len(parts))
	for _, p := range parts {
		keys = append(keys, model.StoreKey(p))
	}
	return keys
}
