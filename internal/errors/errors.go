package errors

import "errors"

// Sign-in and session errors.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrNotSignedIn        = errors.New("not signed in")
)

// Uspacy API and wire errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
	ErrProtocol    = errors.New("unexpected protocol frame")
)

// Local state errors.
var (
	ErrSealFormat = errors.New("malformed sealed payload")
)
