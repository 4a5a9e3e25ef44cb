package backend

import (
	"errors"
	"fmt"
)

// Rejection is a permanent backend rejection of a submission. The numeric
// code and message map onto the client-facing error taxonomy.
type Rejection struct {
	Code    int
	Message string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("backend rejected submission (code %d): %s", r.Code, r.Message)
}

// UnavailableError marks transient transport failures: timeouts, connection
// resets, DNS errors, and 502/503/504 statuses. These are worth retrying.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("backend unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is a transient backend failure.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// AsRejection extracts a permanent rejection from err, if it is one.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
