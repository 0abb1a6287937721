package driven

import (
	"context"

	"github.com/ericfisherdev/nestfind/internal/domain/model"
)

// Grant is what a successful login, registration, or OTP verification returns.
type Grant struct {
	Pair      model.CredentialPair
	Principal model.Principal
}

// RegisterInput carries the registration form.
type RegisterInput struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone,omitempty"`
	Password string `json:"password"`
}

// TokenRefresher is the refresh endpoint collaborator. Refresh must return an
// error wrapping ErrRefreshEndpointFailure when the credential is invalid or
// expired, and ErrRefreshEndpointUnreachable for transient failures.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (model.CredentialPair, error)
}

// AuthAPI is the listing API's authentication surface.
type AuthAPI interface {
	TokenRefresher

	Login(ctx context.Context, email, password string) (Grant, error)
	Register(ctx context.Context, in RegisterInput) (Grant, error)
	SendOTP(ctx context.Context, phone string) error
	VerifyOTP(ctx context.Context, phone, otp string) (Grant, error)

	// Logout revokes the refresh credential remotely. Best effort.
	Logout(ctx context.Context, refreshToken string) error

	// Me fetches the current principal. It is an authenticated call and must
	// travel through the request pipeline.
	Me(ctx context.Context) (model.Principal, error)
}
