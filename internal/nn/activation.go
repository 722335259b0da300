package nn

import (
	"fmt"

	"github.com/born-ml/cnnlnet/internal/cnnl"
	"github.com/born-ml/cnnlnet/internal/runtime"
	"github.com/born-ml/cnnlnet/internal/tensor"
)

// ReLULayer applies max(0, x) element-wise.
type ReLULayer struct {
	base

	act  *cnnl.ActivationDescriptor
	x, y *cnnl.TensorDescriptor
	yPtr runtime.Ptr
}

// NewReLULayer creates a ReLU over tensors of the given shape (rank 1 to 8).
func NewReLULayer(h *cnnl.Handle, shape tensor.Shape) (l *ReLULayer, err error) {
	if err := checkRank("relu input", shape, 1, cnnl.MaxDims); err != nil {
		return nil, err
	}

	l = &ReLULayer{base: base{h: h}}
	defer func() {
		if err != nil {
			_ = l.release()
			l = nil
		}
	}()

	if l.x, err = cnnl.NewTensorDescriptor(tensor.Array, tensor.Float32, shape...); err != nil {
		return l, err
	}
	l.track(l.x)
	if l.y, err = cnnl.NewTensorDescriptor(tensor.Array, tensor.Float32, shape...); err != nil {
		return l, err
	}
	l.track(l.y)
	if l.act, err = cnnl.NewActivationDescriptor(cnnl.ActivationReLU, cnnl.NotPropagateNaN, 0); err != nil {
		return l, err
	}
	l.track(l.act)
	if l.yPtr, err = l.alloc(l.y.SizeInBytes()); err != nil {
		return l, err
	}

	l.out = shape.Clone()
	logCreated(ReLU, l.out)
	return l, nil
}

// Forward enqueues the activation.
func (l *ReLULayer) Forward(in runtime.Ptr) (runtime.Ptr, error) {
	err := l.timed(func() error {
		return l.h.ActivationForward(l.act, 1, l.x, in, 0, l.y, l.yPtr)
	})
	if err != nil {
		return 0, err
	}
	return l.yPtr, nil
}

// Destroy releases the layer.
func (l *ReLULayer) Destroy() error { return l.release() }

// SoftmaxLayer normalizes along one axis with the accurate algorithm.
type SoftmaxLayer struct {
	base

	mode cnnl.SoftmaxMode
	x, y *cnnl.TensorDescriptor
	yPtr runtime.Ptr
}

// NewSoftmaxLayer creates a softmax over axis of tensors of the given shape.
// A negative axis counts from the end.
func NewSoftmaxLayer(h *cnnl.Handle, shape tensor.Shape, axis int) (l *SoftmaxLayer, err error) {
	if err := checkRank("softmax input", shape, 1, cnnl.MaxDims); err != nil {
		return nil, err
	}
	rank := len(shape)
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return nil, fmt.Errorf("softmax: axis out of range for rank %d: %w", rank, ErrInvalidShape)
	}

	l = &SoftmaxLayer{base: base{h: h}, mode: cnnl.SoftmaxModeForAxis(axis, rank)}
	defer func() {
		if err != nil {
			_ = l.release()
			l = nil
		}
	}()

	if l.x, err = cnnl.NewTensorDescriptor(tensor.Array, tensor.Float32, shape...); err != nil {
		return l, err
	}
	l.track(l.x)
	if l.y, err = cnnl.NewTensorDescriptor(tensor.Array, tensor.Float32, shape...); err != nil {
		return l, err
	}
	l.track(l.y)
	if l.yPtr, err = l.alloc(l.y.SizeInBytes()); err != nil {
		return l, err
	}

	l.out = shape.Clone()
	logCreated(Softmax, l.out)
	return l, nil
}

// Forward enqueues the softmax.
func (l *SoftmaxLayer) Forward(in runtime.Ptr) (runtime.Ptr, error) {
	err := l.timed(func() error {
		return l.h.SoftmaxForward(cnnl.SoftmaxAccurate, l.mode, 1, l.x, in, 0, l.y, l.yPtr)
	})
	if err != nil {
		return 0, err
	}
	return l.yPtr, nil
}

// Destroy releases the layer.
func (l *SoftmaxLayer) Destroy() error { return l.release() }
