package device

import "errors"

// ErrBadFamily is returned when a device type string does not name a
// supported family.
var ErrBadFamily = errors.New("unknown device family")
