package domain

import (
	"errors"
)

// ErrStoreUnavailable wraps event-store query failures. Risk scoring is
// fail-closed: callers surface this instead of defaulting to ALLOW.
var ErrStoreUnavailable = errors.New("event store unavailable")
