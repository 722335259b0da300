package webgpu

import "errors"

// ErrUnavailable is returned when no WebGPU adapter can be used.
var ErrUnavailable = errors.New("webgpu: not available")
