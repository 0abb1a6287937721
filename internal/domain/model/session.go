package model

import "time"

// CredentialPair holds the access and refresh credentials issued together by
// the auth API. Both fields are always written and cleared as a unit.
type CredentialPair struct {
	AccessToken  string
	RefreshToken string
}

// HasAccess reports whether an access credential is present.
func (p CredentialPair) HasAccess() bool {
	return p.AccessToken != ""
}

// HasRefresh reports whether a refresh credential is present.
func (p CredentialPair) HasRefresh() bool {
	return p.RefreshToken != ""
}

// IsEmpty reports whether neither credential is present.
func (p CredentialPair) IsEmpty() bool {
	return p.AccessToken == "" && p.RefreshToken == ""
}

// Principal is the authenticated user's profile as returned by the auth API.
// Known fields are lifted out; everything else is kept in Extra so that a
// round trip through the store does not drop fields the client does not model.
type Principal struct {
	ID     string         `json:"id,omitempty"`
	Name   string         `json:"name,omitempty"`
	Email  string         `json:"email,omitempty"`
	Phone  string         `json:"phone,omitempty"`
	Avatar string         `json:"avatar,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// Merge returns a copy of p with every non-empty field of patch applied.
// Extra entries in patch overwrite entries with the same key.
func (p Principal) Merge(patch Principal) Principal {
	out := p
	if patch.ID != "" {
		out.ID = patch.ID
	}
	if patch.Name != "" {
		out.Name = patch.Name
	}
	if patch.Email != "" {
		out.Email = patch.Email
	}
	if patch.Phone != "" {
		out.Phone = patch.Phone
	}
	if patch.Avatar != "" {
		out.Avatar = patch.Avatar
	}
	if len(patch.Extra) > 0 {
		extra := make(map[string]any, len(p.Extra)+len(patch.Extra))
		for k, v := range p.Extra {
			extra[k] = v
		}
		for k, v := range patch.Extra {
			extra[k] = v
		}
		out.Extra = extra
	}
	return out
}

// Session is a consistent snapshot of everything the credential store holds.
// Principal is nil when no (or an unreadable) profile is stored.
type Session struct {
	Pair      CredentialPair
	Principal *Principal
}

// SessionState is the in-memory projection of the store for one execution
// context. It is derived, never authoritative.
type SessionState struct {
	Authenticated bool
	Principal     *Principal
}

// Project derives the SessionState for a stored Session.
func Project(s Session) SessionState {
	if !s.Pair.HasAccess() || s.Principal == nil {
		return SessionState{}
	}
	p := *s.Principal
	return SessionState{Authenticated: true, Principal: &p}
}

// LogoutMode distinguishes user-requested logouts from internal ones.
type LogoutMode string

const (
	// LogoutExplicit is requested by the user and also revokes remotely.
	LogoutExplicit LogoutMode = "explicit"
	// LogoutForced is triggered internally and never calls the remote endpoint.
	LogoutForced LogoutMode = "forced"
)

// LogoutEvent describes a completed logout. Reason is nil for explicit logouts.
type LogoutEvent struct {
	Mode          LogoutMode
	Reason        error
	RemoteRevoked bool
	LoginPath     string
	At            time.Time
}
