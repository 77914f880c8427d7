package errs

import "net/http"

// errorMap holds the template error for every known code.
var errorMap = map[int]CustomError{
	// 1xxx
	ErrInvalidParams:        {Code: ErrInvalidParams, Message: "Invalid request parameters.", Status: http.StatusBadRequest},
	ErrUnsupportedMediaType: {Code: ErrUnsupportedMediaType, Message: "Unsupported request format.", Status: http.StatusUnsupportedMediaType},
	ErrInvalidJSONFormat:    {Code: ErrInvalidJSONFormat, Message: "Unsupported request format.", Status: http.StatusBadRequest},
	ErrExtraContentInBody:   {Code: ErrExtraContentInBody, Message: "Request contains unexpected data.", Status: http.StatusBadRequest},
	ErrRateLimitExceeded:    {Code: ErrRateLimitExceeded, Message: "Too many requests. Please try again later.", Status: http.StatusTooManyRequests},

	// 2xxx
	ErrMalformedEvent: {Code: ErrMalformedEvent, Message: "Malformed event."},
	ErrUnknownEvent:   {Code: ErrUnknownEvent, Message: "Unsupported event type: %s."},
	ErrInvalidProfile: {Code: ErrInvalidProfile, Message: "Invalid user profile."},
	ErrUserOffline:    {Code: ErrUserOffline, Message: "User is not connected.", Status: http.StatusNotFound},

	// 3xxx
	ErrTokenMissing:       {Code: ErrTokenMissing, Message: "Authentication token required."},
	ErrTokenInvalid:       {Code: ErrTokenInvalid, Message: "Invalid authentication token."},
	ErrTokenExpired:       {Code: ErrTokenExpired, Message: "Authentication token expired."},
	ErrUserNotFound:       {Code: ErrUserNotFound, Message: "User not found."},
	ErrUserInactive:       {Code: ErrUserInactive, Message: "User account is not active.", Status: http.StatusForbidden},
	ErrInvalidCredentials: {Code: ErrInvalidCredentials, Message: "Incorrect email or password.", Status: http.StatusUnauthorized},
	ErrUnauthorized:       {Code: ErrUnauthorized, Message: "Please sign in to continue.", Status: http.StatusUnauthorized},
	ErrForbidden:          {Code: ErrForbidden, Message: "You do not have access to this resource.", Status: http.StatusForbidden},
	ErrSessionReplaced:    {Code: ErrSessionReplaced, Message: "You were signed in from another tab or device."},

	// 5xxx
	ErrUnknown:              {Code: ErrUnknown, Message: "Something went wrong. Please try again.", Status: http.StatusInternalServerError},
	ErrUserStoreUnavailable: {Code: ErrUserStoreUnavailable, Message: "Authentication service unavailable.", Status: http.StatusServiceUnavailable},
}
