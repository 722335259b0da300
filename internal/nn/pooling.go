package nn

import (
	"github.com/born-ml/cnnlnet/internal/cnnl"
	"github.com/born-ml/cnnlnet/internal/runtime"
	"github.com/born-ml/cnnlnet/internal/tensor"
)

// PoolingLayer is an unpadded 2D max pooling. Shapes are NCHW; device data
// is NHWC.
type PoolingLayer struct {
	base

	pool          *cnnl.PoolingDescriptor
	x, y          *cnnl.TensorDescriptor
	yPtr          runtime.Ptr
	workspace     runtime.Ptr
	workspaceSize int
}

// NewPoolingLayer creates a max pooling layer with the given window and
// stride (height, width).
func NewPoolingLayer(h *cnnl.Handle, inputShape tensor.Shape, kernel, stride [2]int) (l *PoolingLayer, err error) {
	if err := checkRank("pooling input", inputShape, 4, 4); err != nil {
		return nil, err
	}

	l = &PoolingLayer{base: base{h: h}}
	defer func() {
		if err != nil {
			_ = l.release()
			l = nil
		}
	}()

	in := tensor.Shape4DFromNCHW(inputShape)
	if l.x, err = cnnl.NewTensorDescriptor(tensor.NHWC, tensor.Float32, in.N, in.H, in.W, in.C); err != nil {
		return l, err
	}
	l.track(l.x)
	if l.pool, err = cnnl.NewPooling2DDescriptor(cnnl.PoolingMax, cnnl.NotPropagateNaN, kernel, [4]int{}, stride); err != nil {
		return l, err
	}
	l.track(l.pool)

	dims, err := l.pool.OutputDims(l.x)
	if err != nil {
		return l, err
	}
	if l.y, err = cnnl.NewTensorDescriptor(tensor.NHWC, tensor.Float32, dims...); err != nil {
		return l, err
	}
	l.track(l.y)

	if l.workspaceSize, err = h.GetPoolingWorkspaceSize(l.pool, l.x); err != nil {
		return l, err
	}
	if l.yPtr, err = l.alloc(l.y.SizeInBytes()); err != nil {
		return l, err
	}
	if l.workspace, err = l.alloc(l.workspaceSize); err != nil {
		return l, err
	}

	l.out = tensor.Shape{dims[0], dims[3], dims[1], dims[2]}
	logCreated(Pool, l.out)
	return l, nil
}

// Forward enqueues the pooling.
func (l *PoolingLayer) Forward(in runtime.Ptr) (runtime.Ptr, error) {
	err := l.timed(func() error {
		return l.h.PoolingForward(l.pool, 1, l.x, in, 0, l.y, l.yPtr, l.workspace, l.workspaceSize)
	})
	if err != nil {
		return 0, err
	}
	return l.yPtr, nil
}

// Destroy releases the layer.
func (l *PoolingLayer) Destroy() error { return l.release() }
