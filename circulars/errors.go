package circulars

import "errors"

// ErrInvalidConfig wraps every configuration problem. It is the only
// error class that stops the process.
var ErrInvalidConfig = errors.New("circulars: invalid configuration")

// ErrSourceUnavailable is returned by a cycle when no listing page could
// be fetched.
var ErrSourceUnavailable = errors.New("circulars: listing unavailable")
