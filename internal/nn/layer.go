// Package nn implements the network: an ordered list of layer wrappers over
// the op library, each owning its descriptors and device buffers.
//
// Layers are built against a handle bound to a queue. Forward enqueues work
// and returns the device pointer of the layer's output buffer without
// waiting; the Net synchronizes the queue once after the last layer.
package nn

import (
	"errors"
	"fmt"
	"time"

	"github.com/born-ml/cnnlnet/internal/cnnl"
	"github.com/born-ml/cnnlnet/internal/logging"
	"github.com/born-ml/cnnlnet/internal/runtime"
	"github.com/born-ml/cnnlnet/internal/tensor"
)

// Errors returned by layers and the Net.
var (
	ErrInputShapeNotSet = errors.New("nn: input shape not set")
	ErrInvalidShape     = errors.New("nn: invalid shape")
	ErrLayerIndex       = errors.New("nn: layer index out of range")
	ErrNotParamLayer    = errors.New("nn: layer has no parameters")
	ErrParamNotLoaded   = errors.New("nn: parameters not loaded")
	ErrParamSize        = errors.New("nn: parameter size mismatch")
	ErrInputNotSet      = errors.New("nn: input data not set")
	ErrClosed           = errors.New("nn: net is closed")
)

// LayerType identifies the kind of a layer.
type LayerType int

const (
	Convolution LayerType = iota
	Mlp
	ReLU
	Softmax
	Pool
	Cast
	Flatten
)

// String returns the layer type name.
func (t LayerType) String() string {
	switch t {
	case Convolution:
		return "convolution"
	case Mlp:
		return "mlp"
	case ReLU:
		return "relu"
	case Softmax:
		return "softmax"
	case Pool:
		return "pool"
	case Cast:
		return "cast"
	case Flatten:
		return "flatten"
	default:
		return fmt.Sprintf("LayerType(%d)", int(t))
	}
}

// Stats holds the timings of a layer's last forward call.
type Stats struct {
	// HardwareTime is the queue time between the notifiers placed around the
	// layer's kernels. Zero until the queue has been synchronized.
	HardwareTime time.Duration
	// InterfaceTime is the host time spent validating and enqueueing.
	InterfaceTime time.Duration
}

// Layer is one stage of the network.
type Layer interface {
	// Forward enqueues the layer's kernels reading from in and returns the
	// pointer holding the result. It does not wait for the queue.
	Forward(in runtime.Ptr) (runtime.Ptr, error)

	// OutputShape returns the shape the layer produces.
	OutputShape() tensor.Shape

	// Stats returns the timings of the last Forward.
	Stats() Stats

	// Destroy releases descriptors first, then device memory.
	Destroy() error
}

// ParamLayer is a layer with a filter and a bias.
type ParamLayer interface {
	Layer
	LoadParams(filter, bias []float32, filterPosition int, filterScale float32) error
}

type destroyer interface{ Destroy() error }

// base carries what every layer shares: the handle, the buffers the layer
// owns and the timing of its last forward.
type base struct {
	h     *cnnl.Handle
	out   tensor.Shape
	descs []destroyer
	owned []runtime.Ptr

	start, end *runtime.Notifier
	iface      time.Duration
}

func (b *base) OutputShape() tensor.Shape { return b.out.Clone() }

func (b *base) Stats() Stats {
	s := Stats{InterfaceTime: b.iface}
	if b.start != nil && b.end != nil {
		if hw, err := runtime.Elapsed(b.start, b.end); err == nil {
			s.HardwareTime = hw
		}
	}
	return s
}

// alloc allocates a zeroed device buffer owned by the layer.
func (b *base) alloc(size int) (runtime.Ptr, error) {
	if size == 0 {
		return 0, nil
	}
	dev := b.h.Device()
	p, err := dev.Malloc(size)
	if err != nil {
		return 0, err
	}
	b.owned = append(b.owned, p)
	if err := dev.Memset(p, 0, size); err != nil {
		return 0, err
	}
	return p, nil
}

// timed brackets fn with queue notifiers and records the host time it took.
func (b *base) timed(fn func() error) error {
	q := b.h.Queue()
	begin := time.Now()

	start, err := q.Place()
	if err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	end, err := q.Place()
	if err != nil {
		return err
	}

	b.start, b.end = start, end
	b.iface = time.Since(begin)
	return nil
}

// track registers a descriptor for release.
func (b *base) track(d destroyer) {
	b.descs = append(b.descs, d)
}

// release destroys the layer's descriptors and then frees every owned buffer.
func (b *base) release() error {
	var errs []error
	for _, d := range b.descs {
		if err := d.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	b.descs = nil
	dev := b.h.Device()
	for _, p := range b.owned {
		if err := dev.Free(p); err != nil {
			errs = append(errs, err)
		}
	}
	b.owned = nil
	return errors.Join(errs...)
}

// copyIn uploads host floats into a device buffer.
func copyIn(dev *runtime.Device, dst runtime.Ptr, data []float32) error {
	return dev.MemcpyHostToDevice(dst, tensor.Float32Bytes(data))
}

func checkRank(what string, shape tensor.Shape, lo, hi int) error {
	if len(shape) < lo || len(shape) > hi {
		return fmt.Errorf("%s: rank %d not in [%d, %d]: %w", what, len(shape), lo, hi, ErrInvalidShape)
	}
	if err := shape.Validate(); err != nil {
		return fmt.Errorf("%s: %w: %w", what, ErrInvalidShape, err)
	}
	return nil
}

func logCreated(t LayerType, out tensor.Shape) {
	logging.Logger().Info("layer created", "type", t.String(), "output_shape", []int(out))
}
