package obd

import "errors"

// ErrShortData is returned by decoders when a reply carries fewer data bytes
// than the PID defines.
var ErrShortData = errors.New("short PID data")
