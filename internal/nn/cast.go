package nn

import (
	"fmt"

	"github.com/born-ml/cnnlnet/internal/cnnl"
	"github.com/born-ml/cnnlnet/internal/runtime"
	"github.com/born-ml/cnnlnet/internal/tensor"
)

// CastLayer converts between Float32 and Half.
type CastLayer struct {
	base

	cast cnnl.CastType
	x, y *cnnl.TensorDescriptor
	yPtr runtime.Ptr
}

// NewCastLayer creates a Float32->Half or Half->Float32 conversion over
// tensors of the given shape.
func NewCastLayer(h *cnnl.Handle, shape tensor.Shape, cast cnnl.CastType) (l *CastLayer, err error) {
	if err := checkRank("cast input", shape, 1, cnnl.MaxDims); err != nil {
		return nil, err
	}
	var from, to tensor.DataType
	switch cast {
	case cnnl.CastFloat32ToHalf:
		from, to = tensor.Float32, tensor.Half
	case cnnl.CastHalfToFloat32:
		from, to = tensor.Half, tensor.Float32
	default:
		return nil, fmt.Errorf("cast layer: cast type %d: %w", cast, cnnl.ErrNotSupported)
	}

	l = &CastLayer{base: base{h: h}, cast: cast}
	defer func() {
		if err != nil {
			_ = l.release()
			l = nil
		}
	}()

	if l.x, err = cnnl.NewTensorDescriptor(tensor.Array, from, shape...); err != nil {
		return l, err
	}
	l.track(l.x)
	if l.y, err = cnnl.NewTensorDescriptor(tensor.Array, to, shape...); err != nil {
		return l, err
	}
	l.track(l.y)
	if l.yPtr, err = l.alloc(l.y.SizeInBytes()); err != nil {
		return l, err
	}

	l.out = shape.Clone()
	logCreated(Cast, l.out)
	return l, nil
}

// Forward enqueues the conversion.
func (l *CastLayer) Forward(in runtime.Ptr) (runtime.Ptr, error) {
	err := l.timed(func() error {
		return l.h.CastDataType(l.x, in, l.cast, l.y, l.yPtr)
	})
	if err != nil {
		return 0, err
	}
	return l.yPtr, nil
}

// Destroy releases the layer.
func (l *CastLayer) Destroy() error { return l.release() }

// FlattenLayer collapses [N, ...] into [N, rest]. It owns no device memory
// and passes its input pointer through.
type FlattenLayer struct {
	base
}

// NewFlattenLayer creates a flatten over tensors of the given shape.
func NewFlattenLayer(h *cnnl.Handle, shape tensor.Shape) (*FlattenLayer, error) {
	if err := checkRank("flatten input", shape, 1, cnnl.MaxDims); err != nil {
		return nil, err
	}
	out := tensor.Shape{shape[0], shape.NumElements() / shape[0]}
	logCreated(Flatten, out)
	return &FlattenLayer{base: base{h: h, out: out}}, nil
}

// Forward returns in unchanged.
func (l *FlattenLayer) Forward(in runtime.Ptr) (runtime.Ptr, error) {
	return in, nil
}

// Destroy is a no-op.
func (l *FlattenLayer) Destroy() error { return nil }
