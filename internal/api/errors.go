package api

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrSessionInvalid is returned once a 401 could not be recovered by a
// token refresh. Callers should send the user back to login.
var ErrSessionInvalid = errors.New("session invalid")

// ErrMissingRideID covers the backend responding 2xx to a booking call
// without a ride id. Treated as a hard failure, never patched with a
// default.
var ErrMissingRideID = errors.New("ride response has no rideId")

// APIError preserves the backend's status and most specific message so the
// UI can surface it verbatim.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// IsConflict reports a 409-class failure, e.g. the cycle was taken between
// listing and booking.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusConflict
}

func IsAuth(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusUnauthorized
}
