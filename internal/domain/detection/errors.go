package detection

import "errors"

// ErrDetection marks a failed detection attempt (timeout, roster failure).
// Callers treat it as "no detection" for that cycle.
var ErrDetection = errors.New("detection failed")
