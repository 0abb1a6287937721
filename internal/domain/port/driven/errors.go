package driven

import "errors"

// Session error taxonomy. Adapters and services wrap these with context;
// callers match with errors.Is.
var (
	// ErrNoCredential means no access credential was present for a call. The
	// call still proceeds unauthenticated.
	ErrNoCredential = errors.New("no access credential")

	// ErrUnauthorized means the server rejected the attached credential.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNoRefreshCredential means a refresh was needed but nothing is stored
	// to refresh with.
	ErrNoRefreshCredential = errors.New("no refresh credential")

	// ErrRefreshEndpointFailure means the refresh endpoint was reached and
	// rejected the refresh credential.
	ErrRefreshEndpointFailure = errors.New("refresh endpoint rejected credential")

	// ErrRefreshEndpointUnreachable means the refresh endpoint could not be
	// reached, timed out, or failed transiently.
	ErrRefreshEndpointUnreachable = errors.New("refresh endpoint unreachable")

	// ErrExternalSessionLoss means the stored credentials vanished outside of
	// this context's own refresh flow.
	ErrExternalSessionLoss = errors.New("session removed externally")

	// ErrCredentialsChanged means a conditional write found a different
	// refresh credential stored than the one it was based on.
	ErrCredentialsChanged = errors.New("stored credentials changed")

	// ErrMalformedStoredData marks unparsable store content. Stores log it and
	// report absence; it is never returned to callers.
	ErrMalformedStoredData = errors.New("malformed stored session data")
)
