package autarco

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection covers network failures, timeouts and non-2xx responses.
	ErrConnection = errors.New("autarco: connection error")
	// ErrAuth is returned when the API rejects the credentials. It also matches ErrConnection.
	ErrAuth = fmt.Errorf("autarco: invalid credentials: %w", ErrConnection)
	// ErrParse is returned when a response does not have the expected shape.
	ErrParse = errors.New("autarco: unexpected response")
	// ErrNoSite is returned when the account has no site to read a public key from.
	ErrNoSite = fmt.Errorf("autarco: no site found for account: %w", ErrConnection)
	// ErrClosed is returned by every call made after Close.
	ErrClosed = fmt.Errorf("autarco: client closed: %w", ErrConnection)
)

func parseError(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrParse)
}
