package driven

import (
	"context"

	"github.com/ericfisherdev/nestfind/internal/domain/model"
)

// ChangeFunc receives external store changes.
type ChangeFunc func(model.StoreChange)

// CredentialStore defines the driven port for the persisted session shared by
// every execution context. Each store value is one context's view and carries
// its own origin id; changes it makes are never reported back to itself.
type CredentialStore interface {
	// Read returns a consistent snapshot of the stored session. Unparsable
	// content is treated as absent and never surfaces as an error; only I/O
	// failures do.
	Read(ctx context.Context) (model.Session, error)

	// WritePair replaces both credentials atomically. The principal is untouched.
	WritePair(ctx context.Context, pair model.CredentialPair) error

	// SwapPair replaces both credentials only while the stored refresh
	// credential still equals oldRefresh. Otherwise it writes nothing and
	// returns an error matching ErrCredentialsChanged.
	SwapPair(ctx context.Context, oldRefresh string, pair model.CredentialPair) error

	// WriteSession stores a freshly issued pair together with its principal.
	// This is the only path that creates a session from nothing.
	WriteSession(ctx context.Context, pair model.CredentialPair, principal model.Principal) error

	// WritePrincipal replaces the stored principal.
	WritePrincipal(ctx context.Context, principal model.Principal) error

	// Clear removes all three keys atomically.
	Clear(ctx context.Context) error

	// Delete removes a single key. It exists for administrative tooling and
	// tests that emulate tampering; session code never uses it.
	Delete(ctx context.Context, key model.StoreKey) error

	// OnExternalChange calls fn for every change made by a different origin
	// that touches at least one of keys, until ctx is done.
	OnExternalChange(ctx context.Context, keys []model.StoreKey, fn ChangeFunc) error

	// Origin returns this view's origin id.
	Origin() string
}
