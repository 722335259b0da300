// Package cnnl is the op library of the emulated accelerator: tensor and
// operation descriptors plus forward entry points that validate their
// arguments on the caller's goroutine and enqueue the kernel on the handle's
// queue.
package cnnl

import (
	"errors"
	"fmt"

	"github.com/born-ml/cnnlnet/internal/backend/cpu"
	"github.com/born-ml/cnnlnet/internal/logging"
	"github.com/born-ml/cnnlnet/internal/runtime"
	"github.com/born-ml/cnnlnet/internal/tensor"
)

// Status errors returned by the op library.
var (
	// ErrBadParam reports an invalid descriptor, pointer or argument.
	ErrBadParam = errors.New("cnnl: bad parameter")
	// ErrNotSupported reports a valid but unimplemented combination.
	ErrNotSupported = errors.New("cnnl: not supported")
	// ErrExecutionFailed reports a kernel that failed while running on the queue.
	ErrExecutionFailed = errors.New("cnnl: execution failed")
)

// Executor runs the kernels that can be offloaded to an accelerator backend.
// Everything else runs on the CPU reference kernels.
type Executor interface {
	Name() string
	MatMul(a, b, out []float32, m, k, n int) error
	ReLU(in, out []float32) error
	Softmax(in, out []float32, rows, cols int) error
}

// Option configures a Handle.
type Option func(*handleOptions)

type handleOptions struct {
	executor Executor
}

// WithExecutor selects the backend that runs matmul, relu and softmax.
// The default is the CPU backend.
func WithExecutor(e Executor) Option {
	return func(o *handleOptions) {
		o.executor = e
	}
}

// Handle binds the op library to a device and a queue.
type Handle struct {
	dev   *runtime.Device
	queue *runtime.Queue
	exec  Executor
	cpu   *cpu.CPUBackend

	destroyed bool
}

// Create creates a handle on dev. A queue must be bound with SetQueue before
// running ops.
func Create(dev *runtime.Device, opts ...Option) (*Handle, error) {
	if dev == nil {
		return nil, fmt.Errorf("create handle: nil device: %w", ErrBadParam)
	}

	options := &handleOptions{}
	for _, opt := range opts {
		opt(options)
	}

	backend := cpu.New()
	exec := options.executor
	if exec == nil {
		exec = backend
	}

	logging.Logger().Debug("handle created", "device", dev.Ordinal(), "executor", exec.Name())
	return &Handle{dev: dev, exec: exec, cpu: backend}, nil
}

// SetQueue binds the queue that ops are enqueued on.
func (h *Handle) SetQueue(q *runtime.Queue) error {
	if h.destroyed {
		return fmt.Errorf("set queue: destroyed handle: %w", ErrBadParam)
	}
	if q == nil || q.Device() != h.dev {
		return fmt.Errorf("set queue: queue does not belong to device %d: %w", h.dev.Ordinal(), ErrBadParam)
	}
	h.queue = q
	return nil
}

// Queue returns the bound queue, or nil.
func (h *Handle) Queue() *runtime.Queue { return h.queue }

// Device returns the handle's device.
func (h *Handle) Device() *runtime.Device { return h.dev }

// Executor returns the backend that runs offloadable kernels.
func (h *Handle) Executor() Executor { return h.exec }

// Destroy releases the handle. The bound queue is not destroyed.
func (h *Handle) Destroy() error {
	if h.destroyed {
		return fmt.Errorf("destroy handle: %w", ErrBadParam)
	}
	h.destroyed = true
	h.queue = nil
	return nil
}

func (h *Handle) ready(op string) error {
	if h == nil || h.destroyed {
		return fmt.Errorf("%s: invalid handle: %w", op, ErrBadParam)
	}
	if h.queue == nil {
		return fmt.Errorf("%s: handle has no queue: %w", op, ErrBadParam)
	}
	return nil
}

// launch enqueues a kernel. Errors and panics raised by the kernel surface
// from the next queue Sync wrapped in ErrExecutionFailed.
func (h *Handle) launch(op string, kernel func() error) error {
	err := h.queue.Enqueue(op, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s: %w: %v", op, ErrExecutionFailed, r)
			}
		}()
		if kerr := kernel(); kerr != nil {
			return fmt.Errorf("%s: %w: %w", op, ErrExecutionFailed, kerr)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// checkBuffer verifies that p is a live device buffer of at least size bytes.
func (h *Handle) checkBuffer(op, what string, p runtime.Ptr, size int) error {
	if p.IsNil() {
		return fmt.Errorf("%s: nil %s pointer: %w", op, what, ErrBadParam)
	}
	have, err := h.dev.Size(p)
	if err != nil {
		return fmt.Errorf("%s: %s: %w: %w", op, what, ErrBadParam, err)
	}
	if have < size {
		return fmt.Errorf("%s: %s buffer has %d bytes, need %d: %w", op, what, have, size, ErrBadParam)
	}
	return nil
}

// floats returns the float32 view of a device buffer inside a kernel.
func (h *Handle) floats(p runtime.Ptr, n int) []float32 {
	buf, err := h.dev.Bytes(p, n*4)
	if err != nil {
		panic(err.Error())
	}
	return tensor.BytesAsFloat32(buf)
}

// raw returns the byte view of a device buffer inside a kernel.
func (h *Handle) raw(p runtime.Ptr, size int) []byte {
	buf, err := h.dev.Bytes(p, size)
	if err != nil {
		panic(err.Error())
	}
	return buf
}

// requireFloat32 rejects non-float32 descriptors for float-only ops.
func requireFloat32(op string, descs ...*TensorDescriptor) error {
	for _, d := range descs {
		if d != nil && d.dtype != tensor.Float32 {
			return fmt.Errorf("%s: %v data: %w", op, d.dtype, ErrNotSupported)
		}
	}
	return nil
}
