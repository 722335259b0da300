//go:build !windows

// Package webgpu implements the WebGPU executor for GPU-accelerated kernels.
// The native bindings are only wired on Windows; elsewhere every entry point
// reports ErrUnavailable.
package webgpu

// Backend is a placeholder on platforms without WebGPU bindings.
type Backend struct{}

// New always fails with ErrUnavailable.
func New() (*Backend, error) {
	return nil, ErrUnavailable
}

// IsAvailable reports false.
func IsAvailable() bool {
	return false
}

// Release is a no-op.
func (b *Backend) Release() {}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "WebGPU"
}

// MatMul returns ErrUnavailable.
func (b *Backend) MatMul(_, _, _ []float32, _, _, _ int) error {
	return ErrUnavailable
}

// ReLU returns ErrUnavailable.
func (b *Backend) ReLU(_, _ []float32) error {
	return ErrUnavailable
}

// Softmax returns ErrUnavailable.
func (b *Backend) Softmax(_, _ []float32, _, _ int) error {
	return ErrUnavailable
}
