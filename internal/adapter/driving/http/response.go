package httphandler

import (
	"encoding/json"
	"net/http"

	"github.com/ericfisherdev/nestfind/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// SessionResponse is the JSON representation of the session projection.
type SessionResponse struct {
	Authenticated bool               `json:"authenticated"`
	Principal     *PrincipalResponse `json:"principal"`
	LoginPath     string             `json:"login_path"`
}

// PrincipalResponse is the JSON representation of the signed-in user.
type PrincipalResponse struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Email  string         `json:"email"`
	Phone  string         `json:"phone"`
	Avatar string         `json:"avatar"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// TokenResponse carries an access credential for local tools.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Expiry      string `json:"expiry,omitempty"`
}

// LogoutResponse reports the outcome of an explicit logout.
type LogoutResponse struct {
	RemoteRevoked bool   `json:"remote_revoked"`
	LoginPath     string `json:"login_path"`
}

// LoginRequest is the JSON body for the login endpoint.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterRequest is the JSON body for the register endpoint.
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

// OTPRequest is the JSON body for the OTP endpoints. OTP is ignored when
// requesting a code.
type OTPRequest struct {
	Phone string `json:"phone"`
	OTP   string `json:"otp"`
}

// PrincipalRequest is the JSON body for the profile update endpoint. Empty
// fields are left unchanged.
type PrincipalRequest struct {
	Name   string         `json:"name"`
	Email  string         `json:"email"`
	Phone  string         `json:"phone"`
	Avatar string         `json:"avatar"`
	Extra  map[string]any `json:"extra"`
}

func (r PrincipalRequest) toModel() model.Principal {
	return model.Principal{
		Name:   r.Name,
		Email:  r.Email,
		Phone:  r.Phone,
		Avatar: r.Avatar,
		Extra:  r.Extra,
	}
}

// toPrincipalResponse converts a domain Principal to its JSON representation.
func toPrincipalResponse(p *model.Principal) *PrincipalResponse {
	if p == nil {
		return nil
	}
	return &PrincipalResponse{
		ID:     p.ID,
		Name:   p.Name,
		Email:  p.Email,
		Phone:  p.Phone,
		Avatar: p.Avatar,
		Extra:  p.Extra,
	}
}
