package cnnl

import (
	"fmt"

	"github.com/born-ml/cnnlnet/internal/backend/cpu"
	"github.com/born-ml/cnnlnet/internal/tensor"
)

// NanPropagation selects whether NaN inputs reach the output.
type NanPropagation int

const (
	NotPropagateNaN NanPropagation = iota
	PropagateNaN
)

// ConvolutionDescriptor holds convolution hyperparameters.
type ConvolutionDescriptor struct {
	pad         [4]int // top, bottom, left, right
	stride      [2]int
	dilation    [2]int
	groups      int
	computeType tensor.DataType

	destroyed bool
}

// NewConvolutionDescriptor creates a 2D convolution descriptor. pad is
// top, bottom, left, right; stride and dilation are height, width.
func NewConvolutionDescriptor(pad [4]int, stride, dilation [2]int, groups int, computeType tensor.DataType) (*ConvolutionDescriptor, error) {
	for _, p := range pad {
		if p < 0 {
			return nil, fmt.Errorf("convolution descriptor: negative padding %v: %w", pad, ErrBadParam)
		}
	}
	if stride[0] <= 0 || stride[1] <= 0 {
		return nil, fmt.Errorf("convolution descriptor: stride %v: %w", stride, ErrBadParam)
	}
	if dilation[0] <= 0 || dilation[1] <= 0 {
		return nil, fmt.Errorf("convolution descriptor: dilation %v: %w", dilation, ErrBadParam)
	}
	if groups <= 0 {
		return nil, fmt.Errorf("convolution descriptor: group count %d: %w", groups, ErrBadParam)
	}
	if computeType != tensor.Float32 {
		return nil, fmt.Errorf("convolution descriptor: compute type %v: %w", computeType, ErrNotSupported)
	}
	return &ConvolutionDescriptor{
		pad:         pad,
		stride:      stride,
		dilation:    dilation,
		groups:      groups,
		computeType: computeType,
	}, nil
}

// Destroy invalidates the descriptor.
func (c *ConvolutionDescriptor) Destroy() error {
	if c == nil || c.destroyed {
		return fmt.Errorf("destroy convolution descriptor: %w", ErrBadParam)
	}
	c.destroyed = true
	return nil
}

// PoolingMode selects the pooling reduction.
type PoolingMode int

const (
	PoolingMax PoolingMode = iota
	PoolingAverageCountIncludePadding
	PoolingAverageCountExcludePadding
)

func (m PoolingMode) kernelMode() cpu.PoolMode {
	switch m {
	case PoolingAverageCountIncludePadding:
		return cpu.PoolAvgIncludePad
	case PoolingAverageCountExcludePadding:
		return cpu.PoolAvgExcludePad
	default:
		return cpu.PoolMax
	}
}

// PoolingDescriptor holds 2D pooling hyperparameters.
type PoolingDescriptor struct {
	mode   PoolingMode
	nan    NanPropagation
	window [2]int
	pad    [4]int
	stride [2]int

	destroyed bool
}

// NewPooling2DDescriptor creates a pooling descriptor. window and stride are
// height, width; pad is top, bottom, left, right.
func NewPooling2DDescriptor(mode PoolingMode, nan NanPropagation, window [2]int, pad [4]int, stride [2]int) (*PoolingDescriptor, error) {
	if mode < PoolingMax || mode > PoolingAverageCountExcludePadding {
		return nil, fmt.Errorf("pooling descriptor: unknown mode %d: %w", mode, ErrBadParam)
	}
	if window[0] <= 0 || window[1] <= 0 {
		return nil, fmt.Errorf("pooling descriptor: window %v: %w", window, ErrBadParam)
	}
	if stride[0] <= 0 || stride[1] <= 0 {
		return nil, fmt.Errorf("pooling descriptor: stride %v: %w", stride, ErrBadParam)
	}
	for _, p := range pad {
		if p < 0 {
			return nil, fmt.Errorf("pooling descriptor: negative padding %v: %w", pad, ErrBadParam)
		}
	}
	return &PoolingDescriptor{mode: mode, nan: nan, window: window, pad: pad, stride: stride}, nil
}

// Destroy invalidates the descriptor.
func (p *PoolingDescriptor) Destroy() error {
	if p == nil || p.destroyed {
		return fmt.Errorf("destroy pooling descriptor: %w", ErrBadParam)
	}
	p.destroyed = true
	return nil
}

// OutputDims returns the NHWC output dimensions for an NHWC input descriptor.
func (p *PoolingDescriptor) OutputDims(x *TensorDescriptor) (tensor.Shape, error) {
	params, err := p.params("pooling output dims", x)
	if err != nil {
		return nil, err
	}
	ho, wo := params.OutputSize()
	return tensor.Shape{params.N, ho, wo, params.C}, nil
}

func (p *PoolingDescriptor) params(op string, x *TensorDescriptor) (cpu.PoolParams, error) {
	if p == nil || p.destroyed {
		return cpu.PoolParams{}, fmt.Errorf("%s: invalid pooling descriptor: %w", op, ErrBadParam)
	}
	n, h, w, c, err := x.nhwc(op, "input")
	if err != nil {
		return cpu.PoolParams{}, err
	}
	params := cpu.PoolParams{
		N: n, H: h, W: w, C: c,
		KH: p.window[0], KW: p.window[1],
		PadTop: p.pad[0], PadBottom: p.pad[1], PadLeft: p.pad[2], PadRight: p.pad[3],
		StrideH: p.stride[0], StrideW: p.stride[1],
		Mode:         p.mode.kernelMode(),
		PropagateNaN: p.nan == PropagateNaN,
	}
	if err := params.Validate(); err != nil {
		return cpu.PoolParams{}, fmt.Errorf("%s: %w: %w", op, ErrBadParam, err)
	}
	return params, nil
}

// ActivationMode selects the activation function.
type ActivationMode int

const (
	ActivationReLU ActivationMode = iota
	ActivationReLU6
	ActivationSigmoid
	ActivationTanh
	ActivationHardSigmoid
)

// ActivationDescriptor holds activation parameters.
type ActivationDescriptor struct {
	mode ActivationMode
	nan  NanPropagation
	coef float32

	destroyed bool
}

// NewActivationDescriptor creates an activation descriptor. coef overrides
// the ReLU6 ceiling when positive and is ignored by other modes.
func NewActivationDescriptor(mode ActivationMode, nan NanPropagation, coef float32) (*ActivationDescriptor, error) {
	if mode < ActivationReLU || mode > ActivationHardSigmoid {
		return nil, fmt.Errorf("activation descriptor: unknown mode %d: %w", mode, ErrBadParam)
	}
	return &ActivationDescriptor{mode: mode, nan: nan, coef: coef}, nil
}

// Destroy invalidates the descriptor.
func (a *ActivationDescriptor) Destroy() error {
	if a == nil || a.destroyed {
		return fmt.Errorf("destroy activation descriptor: %w", ErrBadParam)
	}
	a.destroyed = true
	return nil
}

func (a *ActivationDescriptor) kernelMode() cpu.ActivationMode {
	switch a.mode {
	case ActivationReLU6:
		return cpu.ActReLU6
	case ActivationSigmoid:
		return cpu.ActSigmoid
	case ActivationTanh:
		return cpu.ActTanh
	case ActivationHardSigmoid:
		return cpu.ActHardSigmoid
	default:
		return cpu.ActReLU
	}
}
