/*
Package errs defines the coded application errors shared by the HTTP API and
the real-time presence protocol.

Codes are grouped by range so clients can branch on the class of a failure
without parsing messages.
*/
package errs

// 1xxx: General request handling errors
const (
	// ErrInvalidParams indicates that request parameter validation failed.
	ErrInvalidParams = 1001

	// ErrUnsupportedMediaType indicates that the request Content-Type is not supported.
	ErrUnsupportedMediaType = 1002

	// ErrInvalidJSONFormat indicates a malformed JSON body.
	ErrInvalidJSONFormat = 1003

	// ErrExtraContentInBody indicates trailing data after the JSON document.
	ErrExtraContentInBody = 1004

	// ErrRateLimitExceeded indicates that the caller exceeded its request budget.
	ErrRateLimitExceeded = 1007
)

// 2xxx: Presence protocol errors
const (
	// ErrMalformedEvent indicates a frame that is not a valid event envelope.
	ErrMalformedEvent = 2001

	// ErrUnknownEvent indicates an event type the server does not handle.
	ErrUnknownEvent = 2002

	// ErrInvalidProfile indicates a user profile payload that failed validation.
	ErrInvalidProfile = 2003

	// ErrUserOffline indicates that the target user has no live session.
	ErrUserOffline = 2004
)

// 3xxx: Authentication errors (AuthRejected)
const (
	// ErrTokenMissing indicates that no bearer token was supplied.
	ErrTokenMissing = 3001

	// ErrTokenInvalid indicates a malformed token or a bad signature.
	ErrTokenInvalid = 3002

	// ErrTokenExpired indicates a token whose expiry has passed.
	ErrTokenExpired = 3003

	// ErrUserNotFound indicates that the token subject does not exist.
	ErrUserNotFound = 3004

	// ErrUserInactive indicates that the account exists but is not active.
	ErrUserInactive = 3005

	// ErrInvalidCredentials indicates a failed email/password login.
	ErrInvalidCredentials = 3006

	// ErrUnauthorized indicates a request without a valid identity.
	ErrUnauthorized = 3007

	// ErrForbidden indicates an identity without the required role.
	ErrForbidden = 3008

	// ErrSessionReplaced indicates that a newer connection took over the session.
	ErrSessionReplaced = 3009
)

// 5xxx: Internal system errors
const (
	// ErrUnknown represents an unclassified internal error.
	ErrUnknown = 5000

	// ErrUserStoreUnavailable indicates that the user store could not be queried.
	ErrUserStoreUnavailable = 5001
)
