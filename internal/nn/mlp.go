package nn

import (
	"fmt"

	"github.com/born-ml/cnnlnet/internal/cnnl"
	"github.com/born-ml/cnnlnet/internal/runtime"
	"github.com/born-ml/cnnlnet/internal/tensor"
)

// MlpLayer is a fully connected layer: out = in @ weight + bias.
//
// Input, weight and output are rank 2 to 4 with broadcastable batch
// dimensions. The bias has as many elements as the last output dimension.
type MlpLayer struct {
	base

	x, w, bias, y    *cnnl.TensorDescriptor
	wPtr, bPtr, yPtr runtime.Ptr
	workspace        runtime.Ptr
	workspaceSize    int
	batch            int
}

// NewMlpLayer creates the layer's descriptors and allocates its weight, bias
// and output buffers.
func NewMlpLayer(h *cnnl.Handle, inputShape, weightShape, outputShape tensor.Shape) (l *MlpLayer, err error) {
	if err := checkRank("mlp input", inputShape, 2, 4); err != nil {
		return nil, err
	}
	if err := checkRank("mlp weight", weightShape, 2, 4); err != nil {
		return nil, err
	}
	if err := checkRank("mlp output", outputShape, 2, 4); err != nil {
		return nil, err
	}

	l = &MlpLayer{base: base{h: h}, batch: inputShape[0]}
	defer func() {
		if err != nil {
			_ = l.release()
			l = nil
		}
	}()

	if l.x, err = cnnl.NewTensorDescriptor(tensor.Array, tensor.Float32, inputShape...); err != nil {
		return l, err
	}
	l.track(l.x)
	if l.w, err = cnnl.NewTensorDescriptor(tensor.Array, tensor.Float32, weightShape...); err != nil {
		return l, err
	}
	l.track(l.w)
	if l.y, err = cnnl.NewTensorDescriptor(tensor.Array, tensor.Float32, outputShape...); err != nil {
		return l, err
	}
	l.track(l.y)
	if l.bias, err = cnnl.NewTensorDescriptor(tensor.Array, tensor.Float32, outputShape[len(outputShape)-1]); err != nil {
		return l, err
	}
	l.track(l.bias)

	if l.workspaceSize, err = h.GetBiasAddWorkspaceSize(l.bias, l.y); err != nil {
		return l, err
	}
	if l.wPtr, err = l.alloc(l.w.SizeInBytes()); err != nil {
		return l, err
	}
	if l.bPtr, err = l.alloc(l.bias.SizeInBytes()); err != nil {
		return l, err
	}
	if l.yPtr, err = l.alloc(l.y.SizeInBytes()); err != nil {
		return l, err
	}
	if l.workspace, err = l.alloc(l.workspaceSize); err != nil {
		return l, err
	}

	l.out = outputShape.Clone()
	logCreated(Mlp, l.out)
	return l, nil
}

// LoadParams uploads the weight and the bias. A filter holding one batch's
// worth of weights is tiled across every batch of the weight tensor.
func (l *MlpLayer) LoadParams(filter, bias []float32, filterPosition int, filterScale float32) error {
	need := l.w.NumElements()
	weights := filter
	switch {
	case len(filter) == need:
	case l.batch > 1 && len(filter)*l.batch == need:
		weights = make([]float32, 0, need)
		for i := 0; i < l.batch; i++ {
			weights = append(weights, filter...)
		}
	default:
		return fmt.Errorf("mlp: filter has %d values, need %d: %w", len(filter), need, ErrParamSize)
	}
	if len(bias) != l.bias.NumElements() {
		return fmt.Errorf("mlp: bias has %d values, need %d: %w", len(bias), l.bias.NumElements(), ErrParamSize)
	}
	if err := l.w.SetPositionAndScale(filterPosition, filterScale); err != nil {
		return err
	}

	dev := l.h.Device()
	if err := copyIn(dev, l.wPtr, weights); err != nil {
		return fmt.Errorf("mlp: upload weight: %w", err)
	}
	if err := copyIn(dev, l.bPtr, bias); err != nil {
		return fmt.Errorf("mlp: upload bias: %w", err)
	}
	return nil
}

// Forward enqueues the matrix product and the bias add.
func (l *MlpLayer) Forward(in runtime.Ptr) (runtime.Ptr, error) {
	err := l.timed(func() error {
		if err := l.h.BatchMatMul(false, false, l.x, in, l.w, l.wPtr, l.y, l.yPtr); err != nil {
			return err
		}
		return l.h.BiasAdd(1, l.bias, l.bPtr, l.workspace, l.workspaceSize, 1, l.y, l.yPtr)
	})
	if err != nil {
		return 0, err
	}
	return l.yPtr, nil
}

// Destroy releases the layer.
func (l *MlpLayer) Destroy() error { return l.release() }
