package model

// StoreKey names one of the three logical keys the credential store persists.
type StoreKey string

const (
	KeyAccessToken  StoreKey = "accessToken"
	KeyRefreshToken StoreKey = "refreshToken"
	KeyPrincipal    StoreKey = "user"
)

// AllStoreKeys lists every key in persistence order.
var AllStoreKeys = []StoreKey{KeyAccessToken, KeyRefreshToken, KeyPrincipal}

// CredentialKeys are the keys whose changes affect the credential pair.
var CredentialKeys = []StoreKey{KeyAccessToken, KeyRefreshToken}

// Valid reports whether k is one of the known store keys.
func (k StoreKey) Valid() bool {
	switch k {
	case KeyAccessToken, KeyRefreshToken, KeyPrincipal:
		return true
	default:
		return false
	}
}

// StoreChange is delivered to external-change subscribers. Origin identifies
// the execution context that made the change.
type StoreChange struct {
	Keys   []StoreKey
	Origin string
}

// Touches reports whether the change affects any of keys.
func (c StoreChange) Touches(keys []StoreKey) bool {
	for _, changed := range c.Keys {
		for _, k := range keys {
			if changed == k {
				return true
			}
		}
	}
	return false
}
