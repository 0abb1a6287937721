package application_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/nestfind/internal/application"
	"github.com/ericfisherdev/nestfind/internal/domain/model"
	"github.com/ericfisherdev/nestfind/internal/domain/port/driven"
)

func grantFor(t *testing.T, id string) driven.Grant {
	return driven.Grant{
		Pair: model.CredentialPair{
			AccessToken:  signedToken(t, time.Now().Add(time.Hour)),
			RefreshToken: "refresh-" + id,
		},
		Principal: model.Principal{ID: id, Name: "Ada", Email: "ada@example.com"},
	}
}

func TestSessionService_LoginStoresSessionAndPublishes(t *testing.T) {
	api := &mockAuthAPI{}
	grant := grantFor(t, "u1")
	api.login = func(_ context.Context, email, password string) (driven.Grant, error) {
		assert.Equal(t, "ada@example.com", email)
		assert.Equal(t, "secret", password)
		return grant, nil
	}
	h := newHarness(t, nil, api)

	var (
		mu     sync.Mutex
		states []model.SessionState
	)
	unregister := h.session.OnChange(func(s model.SessionState) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})
	defer unregister()

	state, err := h.session.Login(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)
	assert.True(t, state.Authenticated)
	assert.Equal(t, "u1", state.Principal.ID)

	sess := h.read(t)
	assert.Equal(t, grant.Pair, sess.Pair)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, states, 1)
	assert.True(t, states[0].Authenticated)
}

func TestSessionService_LoginFailureLeavesStoreUntouched(t *testing.T) {
	api := &mockAuthAPI{}
	api.login = func(context.Context, string, string) (driven.Grant, error) {
		return driven.Grant{}, errors.New("invalid credentials")
	}
	h := newHarness(t, nil, api)

	state, err := h.session.Login(context.Background(), "ada@example.com", "wrong")
	require.Error(t, err)
	assert.False(t, state.Authenticated)
	assert.True(t, h.read(t).Pair.IsEmpty())
}

func TestSessionService_RegisterAndVerifyOTP(t *testing.T) {
	api := &mockAuthAPI{}
	api.register = func(_ context.Context, in driven.RegisterInput) (driven.Grant, error) {
		assert.Equal(t, "Ada", in.Name)
		return grantFor(t, "u-reg"), nil
	}
	var sentTo string
	api.sendOTP = func(_ context.Context, phone string) error {
		sentTo = phone
		return nil
	}
	api.verifyOTP = func(_ context.Context, phone, otp string) (driven.Grant, error) {
		if otp != "123456" {
			return driven.Grant{}, errors.New("bad otp")
		}
		return grantFor(t, "u-otp"), nil
	}
	h := newHarness(t, nil, api)
	ctx := context.Background()

	state, err := h.session.Register(ctx, driven.RegisterInput{Name: "Ada", Email: "ada@example.com", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "u-reg", state.Principal.ID)

	require.NoError(t, h.session.SendOTP(ctx, "+15550100"))
	assert.Equal(t, "+15550100", sentTo)

	_, err = h.session.VerifyOTP(ctx, "+15550100", "000000")
	require.Error(t, err)

	state, err = h.session.VerifyOTP(ctx, "+15550100", "123456")
	require.NoError(t, err)
	assert.Equal(t, "u-otp", state.Principal.ID)
	assert.Equal(t, "refresh-u-otp", h.read(t).Pair.RefreshToken)
}

func TestSessionService_ProjectionRequiresPrincipal(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, h.store.WritePair(ctx, model.CredentialPair{AccessToken: "a", RefreshToken: "r"}))
	state, err := h.session.Sync(ctx)
	require.NoError(t, err)
	assert.False(t, state.Authenticated)
}

func TestSessionService_UpdatePrincipalMerges(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.login(t, time.Now().Add(time.Hour))

	state, err := h.session.UpdatePrincipal(context.Background(), model.Principal{
		Phone: "555-0100",
		Extra: map[string]any{"role": "buyer"},
	})
	require.NoError(t, err)

	require.NotNil(t, state.Principal)
	assert.Equal(t, "Ada", state.Principal.Name)
	assert.Equal(t, "555-0100", state.Principal.Phone)
	assert.Equal(t, "buyer", state.Principal.Extra["role"])
	assert.Equal(t, "555-0100", h.read(t).Principal.Phone)
}

func TestSessionService_UpdatePrincipalWithoutSession(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.session.UpdatePrincipal(context.Background(), model.Principal{Name: "x"})
	require.ErrorIs(t, err, application.ErrNotAuthenticated)
}

func TestSessionService_CurrentUserStoresPrincipal(t *testing.T) {
	api := &mockAuthAPI{}
	api.me = func(context.Context) (model.Principal, error) {
		return model.Principal{ID: "u1", Name: "Ada Lovelace", Avatar: "https://cdn/x.png"}, nil
	}
	h := newHarness(t, nil, api)
	h.login(t, time.Now().Add(time.Hour))

	state, err := h.session.CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", state.Principal.Name)
	assert.Equal(t, "https://cdn/x.png", h.read(t).Principal.Avatar)
}

func TestSessionService_ExplicitLogoutRevokesRemotely(t *testing.T) {
	api := &mockAuthAPI{}
	var revoked string
	api.logout = func(_ context.Context, refreshToken string) error {
		revoked = refreshToken
		return nil
	}
	h := newHarness(t, nil, api)
	pair := h.login(t, time.Now().Add(time.Hour))

	ev, err := h.session.Logout(context.Background())
	require.NoError(t, err)

	assert.Equal(t, pair.RefreshToken, revoked)
	assert.Equal(t, model.LogoutExplicit, ev.Mode)
	assert.True(t, ev.RemoteRevoked)
	assert.Nil(t, ev.Reason)
	assert.False(t, h.session.State().Authenticated)
	assert.True(t, h.read(t).Pair.IsEmpty())
	assert.Equal(t, int32(1), h.cache.purges.Load())
	assert.Len(t, h.logouts.all(), 1)
}

func TestSessionService_ExplicitLogoutClearsLocallyWhenRemoteFails(t *testing.T) {
	api := &mockAuthAPI{}
	api.logout = func(context.Context, string) error {
		return errors.New("connection refused")
	}
	h := newHarness(t, nil, api)
	h.login(t, time.Now().Add(time.Hour))

	ev, err := h.session.Logout(context.Background())
	require.NoError(t, err)
	assert.False(t, ev.RemoteRevoked)
	assert.False(t, h.session.State().Authenticated)
	assert.True(t, h.read(t).Pair.IsEmpty())
}

func TestSessionService_ExplicitLogoutWithoutRefreshSkipsRemote(t *testing.T) {
	api := &mockAuthAPI{}
	h := newHarness(t, nil, api)

	ev, err := h.session.Logout(context.Background())
	require.NoError(t, err)
	assert.False(t, ev.RemoteRevoked)
	assert.Zero(t, api.logoutCalls.Load())
}

func TestSessionService_ForceLogoutNeverCallsRemote(t *testing.T) {
	api := &mockAuthAPI{}
	h := newHarness(t, nil, api)
	h.login(t, time.Now().Add(time.Hour))

	h.session.ForceLogout(context.Background(), driven.ErrRefreshEndpointFailure)

	assert.Zero(t, api.logoutCalls.Load())
	events := h.logouts.all()
	require.Len(t, events, 1)
	assert.Equal(t, model.LogoutForced, events[0].Mode)
	assert.Equal(t, "/login", events[0].LoginPath)
	assert.False(t, events[0].At.IsZero())
	assert.True(t, h.read(t).Pair.IsEmpty())
}

func TestSessionService_ReconcileExternalLossIsIdempotent(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.login(t, time.Now().Add(time.Hour))

	assert.True(t, h.session.ReconcileExternalLoss(context.Background()))
	assert.False(t, h.session.ReconcileExternalLoss(context.Background()))
	assert.Len(t, h.logouts.all(), 1)
}

func TestSessionService_RepairOrphanedCredentials(t *testing.T) {
	ctx := context.Background()

	t.Run("authenticated projection is logged out", func(t *testing.T) {
		api := &mockAuthAPI{}
		h := newHarness(t, nil, api)
		h.login(t, time.Now().Add(time.Hour))
		require.NoError(t, h.store.Delete(ctx, model.KeyPrincipal))

		assert.True(t, h.session.RepairOrphanedCredentials(ctx))
		assert.True(t, h.read(t).Pair.IsEmpty())
		assert.False(t, h.session.State().Authenticated)

		events := h.logouts.all()
		require.Len(t, events, 1)
		assert.ErrorIs(t, events[0].Reason, driven.ErrExternalSessionLoss)
		assert.Zero(t, api.logoutCalls.Load())
	})

	t.Run("unauthenticated projection only clears", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		require.NoError(t, h.store.WritePair(ctx, model.CredentialPair{AccessToken: "a", RefreshToken: "r"}))

		assert.True(t, h.session.RepairOrphanedCredentials(ctx))
		assert.True(t, h.read(t).Pair.IsEmpty())
		assert.Empty(t, h.logouts.all())
	})

	t.Run("complete session is left alone", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		pair := h.login(t, time.Now().Add(time.Hour))

		assert.False(t, h.session.RepairOrphanedCredentials(ctx))
		assert.Equal(t, pair, h.read(t).Pair)
		assert.Empty(t, h.logouts.all())
	})
}

func TestSessionService_ForceLogoutForLostSessionWhenLoggedOut(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.session.ForceLogout(context.Background(), driven.ErrExternalSessionLoss)
	assert.Empty(t, h.logouts.all())

	h.session.ForceLogout(context.Background(), driven.ErrRefreshEndpointFailure)
	assert.Len(t, h.logouts.all(), 1)
}

func TestSessionService_UnregisterListener(t *testing.T) {
	h := newHarness(t, nil, nil)

	calls := 0
	unregister := h.session.OnChange(func(model.SessionState) { calls++ })
	unregister()

	h.login(t, time.Now().Add(time.Hour))
	assert.Zero(t, calls)
}
