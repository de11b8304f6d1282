package auth

import "errors"

// Sentinel errors returned by the token manager and resolver.
// Callers should use errors.Is for comparison.
var (
	// ErrTokenExpired is returned when a JWT has expired.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or verified.
	ErrTokenInvalid = errors.New("auth: token invalid")

	// ErrNoCredentials is returned when a request carries neither a bearer
	// header nor an access token cookie.
	ErrNoCredentials = errors.New("auth: no credentials")

	// ErrUserDisabled is returned when the token is valid but the account
	// has been deactivated since issuance.
	ErrUserDisabled = errors.New("auth: user account is disabled")

	// ErrRedirectNotAllowed is returned when a redirect target does not
	// resolve inside a trusted base URL.
	ErrRedirectNotAllowed = errors.New("auth: redirect target not allowed")
)
