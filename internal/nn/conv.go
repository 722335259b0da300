package nn

import (
	"fmt"

	"github.com/born-ml/cnnlnet/internal/cnnl"
	"github.com/born-ml/cnnlnet/internal/runtime"
	"github.com/born-ml/cnnlnet/internal/tensor"
)

// ConvConfig describes a convolution layer.
type ConvConfig struct {
	// InputShape is [N, C, H, W].
	InputShape  tensor.Shape
	OutChannels int
	Kernel      [2]int // height, width
	Stride      [2]int
	Dilation    [2]int
	Pad         [4]int // top, bottom, left, right
	Groups      int    // 0 means 1

	// InputPosition and InputScale are recorded on the input descriptor.
	// A zero scale means 1.
	InputPosition int
	InputScale    float32

	Algo cnnl.ConvolutionForwardAlgo
}

// ConvLayer is a 2D convolution with bias.
//
// Shapes are given NCHW; device data is NHWC and the filter is stored as
// [Co, Kh, Kw, Ci/groups].
type ConvLayer struct {
	base

	conv *cnnl.ConvolutionDescriptor
	algo cnnl.ConvolutionForwardAlgo

	x, w, bias, y    *cnnl.TensorDescriptor
	wPtr, bPtr, yPtr runtime.Ptr
	workspace        runtime.Ptr
	workspaceSize    int
}

// NewConvLayer creates the layer's descriptors and allocates its filter, bias,
// output and workspace buffers.
func NewConvLayer(h *cnnl.Handle, cfg ConvConfig) (l *ConvLayer, err error) {
	if err := checkRank("conv input", cfg.InputShape, 4, 4); err != nil {
		return nil, err
	}
	if cfg.OutChannels <= 0 {
		return nil, fmt.Errorf("conv: output channels %d: %w", cfg.OutChannels, ErrInvalidShape)
	}
	if cfg.Groups == 0 {
		cfg.Groups = 1
	}
	if cfg.InputScale == 0 {
		cfg.InputScale = 1
	}
	if cfg.InputShape[1]%cfg.Groups != 0 {
		return nil, fmt.Errorf("conv: %d input channels in %d groups: %w", cfg.InputShape[1], cfg.Groups, ErrInvalidShape)
	}

	l = &ConvLayer{base: base{h: h}, algo: cfg.Algo}
	defer func() {
		if err != nil {
			_ = l.release()
			l = nil
		}
	}()

	in := tensor.Shape4DFromNCHW(cfg.InputShape)
	if l.x, err = cnnl.NewTensorDescriptor(tensor.NHWC, tensor.Float32, in.N, in.H, in.W, in.C); err != nil {
		return l, err
	}
	l.track(l.x)
	if err = l.x.SetPositionAndScale(cfg.InputPosition, cfg.InputScale); err != nil {
		return l, err
	}

	kh, kw := cfg.Kernel[0], cfg.Kernel[1]
	if l.w, err = cnnl.NewTensorDescriptor(tensor.NHWC, tensor.Float32, cfg.OutChannels, kh, kw, in.C/cfg.Groups); err != nil {
		return l, err
	}
	l.track(l.w)
	if l.bias, err = cnnl.NewTensorDescriptor(tensor.Array, tensor.Float32, cfg.OutChannels); err != nil {
		return l, err
	}
	l.track(l.bias)

	if l.conv, err = cnnl.NewConvolutionDescriptor(cfg.Pad, cfg.Stride, cfg.Dilation, cfg.Groups, tensor.Float32); err != nil {
		return l, err
	}
	l.track(l.conv)

	dims, err := l.conv.OutputDims(l.x, l.w)
	if err != nil {
		return l, err
	}
	if l.y, err = cnnl.NewTensorDescriptor(tensor.NHWC, tensor.Float32, dims...); err != nil {
		return l, err
	}
	l.track(l.y)

	if l.workspaceSize, err = h.GetConvolutionForwardWorkspaceSize(l.x, l.w, l.y, l.conv, l.algo); err != nil {
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

	// Output is tracked NCHW like the input.
	l.out = tensor.Shape{dims[0], dims[3], dims[1], dims[2]}
	logCreated(Convolution, l.out)
	return l, nil
}

// LoadParams uploads the filter and the bias and records the filter's
// quantization parameters on its descriptor.
func (l *ConvLayer) LoadParams(filter, bias []float32, filterPosition int, filterScale float32) error {
	if len(filter) != l.w.NumElements() {
		return fmt.Errorf("conv: filter has %d values, need %d: %w", len(filter), l.w.NumElements(), ErrParamSize)
	}
	if len(bias) != l.bias.NumElements() {
		return fmt.Errorf("conv: bias has %d values, need %d: %w", len(bias), l.bias.NumElements(), ErrParamSize)
	}
	if err := l.w.SetPositionAndScale(filterPosition, filterScale); err != nil {
		return err
	}

	dev := l.h.Device()
	if err := copyIn(dev, l.wPtr, filter); err != nil {
		return fmt.Errorf("conv: upload filter: %w", err)
	}
	if err := copyIn(dev, l.bPtr, bias); err != nil {
		return fmt.Errorf("conv: upload bias: %w", err)
	}
	return nil
}

// Forward enqueues the convolution.
func (l *ConvLayer) Forward(in runtime.Ptr) (runtime.Ptr, error) {
	err := l.timed(func() error {
		return l.h.ConvolutionForward(l.conv, l.algo,
			l.x, in,
			l.w, l.wPtr,
			l.bias, l.bPtr,
			l.workspace, l.workspaceSize,
			l.y, l.yPtr)
	})
	if err != nil {
		return 0, err
	}
	return l.yPtr, nil
}

// Destroy releases the layer.
func (l *ConvLayer) Destroy() error { return l.release() }
