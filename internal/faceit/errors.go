package faceit

import (
	"errors"
	"fmt"
	"net/http"

	"rankbot/internal/rank"
)

// ErrCircuitOpen is returned while the breaker short-circuits calls.
// It unwraps to rank.ErrProviderUnavailable.
var ErrCircuitOpen = fmt.Errorf("%w: circuit open", rank.ErrProviderUnavailable)

// APIError is a non-2xx response from the FACEIT data API.
//
// 400 and 404 unwrap to rank.ErrNotFound; everything else unwraps to
// rank.ErrProviderUnavailable.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("faceit: HTTP %d", e.Status)
	}
	return fmt.Sprintf("faceit: HTTP %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest, http.StatusNotFound:
		return rank.ErrNotFound
	default:
		return rank.ErrProviderUnavailable
	}
}

// AsAPIError extracts an *APIError from err.
func AsAPIError(err error) (*APIError, bool) {
	var e *APIError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
