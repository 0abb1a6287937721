package application

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/ericfisherdev/nestfind/internal/domain/port/driven"
)

// TokenSource exposes the stored session as an oauth2.TokenSource. Tokens
// inside the refresh buffer are refreshed through the coordinator, so it
// shares the single in-flight refresh with the pipeline and the watcher.
type TokenSource struct {
	store     driven.CredentialStore
	refresher CredentialRefresher
	buffer    time.Duration
	now       func() time.Time
}

var _ oauth2.TokenSource = (*TokenSource)(nil)

// NewTokenSource creates a TokenSource.
func NewTokenSource(store driven.CredentialStore, refresher CredentialRefresher, buffer time.Duration) *TokenSource {
	return &TokenSource{
		store:     store,
		refresher: refresher,
		buffer:    buffer,
		now:       time.Now,
	}
}

// Token implements oauth2.TokenSource.
func (ts *TokenSource) Token() (*oauth2.Token, error) {
	return ts.TokenContext(context.Background())
}

// TokenContext is Token with a caller context.
func (ts *TokenSource) TokenContext(ctx context.Context) (*oauth2.Token, error) {
	sess, err := ts.store.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read credential store: %w", err)
	}

	pair := sess.Pair
	switch {
	case !pair.HasAccess() && !pair.HasRefresh():
		return nil, driven.ErrNoCredential
	case !pair.HasAccess() || isExpiring(pair.AccessToken, ts.now(), ts.buffer):
		pair, err = ts.refresher.Refresh(ctx)
		if err != nil {
			return nil, fmt.Errorf("refresh credential: %w", err)
		}
	}

	tok := &oauth2.Token{
		AccessToken:  pair.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: pair.RefreshToken,
	}
	if exp, ok := DecodeExpiry(pair.AccessToken); ok {
		tok.Expiry = exp
	}
	return tok, nil
}
