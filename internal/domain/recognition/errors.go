package recognition

import "errors"

// ErrStorage wraps recorder failures. The cooldown reservation is kept.
var ErrStorage = errors.New("attendance storage failed")
