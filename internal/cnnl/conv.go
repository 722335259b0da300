package cnnl

import (
	"fmt"

	"github.com/born-ml/cnnlnet/internal/backend/cpu"
	"github.com/born-ml/cnnlnet/internal/runtime"
	"github.com/born-ml/cnnlnet/internal/tensor"
)

// ConvolutionForwardAlgo selects the convolution algorithm.
type ConvolutionForwardAlgo int

const (
	// ConvolutionFwdAlgoDirect accumulates each output element directly.
	ConvolutionFwdAlgoDirect ConvolutionForwardAlgo = iota
	// ConvolutionFwdAlgoGEMM lowers the input with im2col into the workspace
	// and multiplies it by the filter matrix.
	ConvolutionFwdAlgoGEMM
)

// String returns the algorithm name.
func (a ConvolutionForwardAlgo) String() string {
	switch a {
	case ConvolutionFwdAlgoDirect:
		return "direct"
	case ConvolutionFwdAlgoGEMM:
		return "gemm"
	default:
		return fmt.Sprintf("ConvolutionForwardAlgo(%d)", int(a))
	}
}

// OutputDims returns the NHWC output dimensions of convolving x with w:
//
//	Ho = (H + pt + pb - ((Kh-1)*dh + 1)) / sh + 1
//	Wo = (W + pl + pr - ((Kw-1)*dw + 1)) / sw + 1
func (c *ConvolutionDescriptor) OutputDims(x, w *TensorDescriptor) (tensor.Shape, error) {
	p, err := c.params("convolution output dims", x, w)
	if err != nil {
		return nil, err
	}
	ho, wo := p.OutputSize()
	return tensor.Shape{p.N, ho, wo, p.CO}, nil
}

func (c *ConvolutionDescriptor) params(op string, x, w *TensorDescriptor) (cpu.ConvParams, error) {
	if c == nil || c.destroyed {
		return cpu.ConvParams{}, fmt.Errorf("%s: invalid convolution descriptor: %w", op, ErrBadParam)
	}
	n, h, wi, ci, err := x.nhwc(op, "input")
	if err != nil {
		return cpu.ConvParams{}, err
	}
	co, kh, kw, cg, err := w.nhwc(op, "filter")
	if err != nil {
		return cpu.ConvParams{}, err
	}
	if cg*c.groups != ci {
		return cpu.ConvParams{}, fmt.Errorf("%s: filter channels %d x %d groups != input channels %d: %w",
			op, cg, c.groups, ci, ErrBadParam)
	}

	p := cpu.ConvParams{
		N: n, H: h, W: wi, C: ci,
		CO: co, KH: kh, KW: kw,
		PadTop: c.pad[0], PadBottom: c.pad[1], PadLeft: c.pad[2], PadRight: c.pad[3],
		StrideH: c.stride[0], StrideW: c.stride[1],
		DilationH: c.dilation[0], DilationW: c.dilation[1],
		Groups: c.groups,
	}
	if err := p.Validate(); err != nil {
		return cpu.ConvParams{}, fmt.Errorf("%s: %w: %w", op, ErrBadParam, err)
	}
	return p, nil
}

// GetConvolutionForwardWorkspaceSize returns the workspace bytes
// ConvolutionForward needs for algo.
func (h *Handle) GetConvolutionForwardWorkspaceSize(x, w, y *TensorDescriptor, conv *ConvolutionDescriptor, algo ConvolutionForwardAlgo) (int, error) {
	const op = "get convolution forward workspace size"
	if h == nil || h.destroyed {
		return 0, fmt.Errorf("%s: invalid handle: %w", op, ErrBadParam)
	}
	p, err := conv.params(op, x, w)
	if err != nil {
		return 0, err
	}
	if err := checkConvOutput(op, p, y); err != nil {
		return 0, err
	}

	switch algo {
	case ConvolutionFwdAlgoDirect:
		return 0, nil
	case ConvolutionFwdAlgoGEMM:
		return p.Im2ColLen() * 4, nil
	default:
		return 0, fmt.Errorf("%s: algorithm %v: %w", op, algo, ErrNotSupported)
	}
}

func checkConvOutput(op string, p cpu.ConvParams, y *TensorDescriptor) error {
	n, ho, wo, co, err := y.nhwc(op, "output")
	if err != nil {
		return err
	}
	eh, ew := p.OutputSize()
	if n != p.N || ho != eh || wo != ew || co != p.CO {
		return fmt.Errorf("%s: output dims [%d %d %d %d], expected [%d %d %d %d]: %w",
			op, n, ho, wo, co, p.N, eh, ew, p.CO, ErrBadParam)
	}
	return nil
}

// ConvolutionForward computes y = conv(x, w) + bias on NHWC data.
//
// bias is optional: pass a nil descriptor and a nil pointer to skip it;
// otherwise it must hold Co elements. The GEMM algorithm needs a workspace of
// at least GetConvolutionForwardWorkspaceSize bytes.
func (h *Handle) ConvolutionForward(
	conv *ConvolutionDescriptor, algo ConvolutionForwardAlgo,
	x *TensorDescriptor, xPtr runtime.Ptr,
	w *TensorDescriptor, wPtr runtime.Ptr,
	bias *TensorDescriptor, biasPtr runtime.Ptr,
	workspace runtime.Ptr, workspaceSize int,
	y *TensorDescriptor, yPtr runtime.Ptr,
) error {
	const op = "convolution forward"
	if err := h.ready(op); err != nil {
		return err
	}
	p, err := conv.params(op, x, w)
	if err != nil {
		return err
	}
	if err := checkConvOutput(op, p, y); err != nil {
		return err
	}
	if err := requireFloat32(op, x, w, bias, y); err != nil {
		return err
	}

	if err := h.checkBuffer(op, "input", xPtr, x.SizeInBytes()); err != nil {
		return err
	}
	if err := h.checkBuffer(op, "filter", wPtr, w.SizeInBytes()); err != nil {
		return err
	}
	if err := h.checkBuffer(op, "output", yPtr, y.SizeInBytes()); err != nil {
		return err
	}

	hasBias := bias != nil
	if hasBias {
		if err := bias.valid(op); err != nil {
			return err
		}
		if bias.NumElements() != p.CO {
			return fmt.Errorf("%s: bias has %d elements, need %d: %w", op, bias.NumElements(), p.CO, ErrBadParam)
		}
		if err := h.checkBuffer(op, "bias", biasPtr, bias.SizeInBytes()); err != nil {
			return err
		}
	}

	switch algo {
	case ConvolutionFwdAlgoDirect:
	case ConvolutionFwdAlgoGEMM:
		need := p.Im2ColLen() * 4
		if workspaceSize < need {
			return fmt.Errorf("%s: workspace of %d bytes, need %d: %w", op, workspaceSize, need, ErrBadParam)
		}
		if err := h.checkBuffer(op, "workspace", workspace, need); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%s: algorithm %v: %w", op, algo, ErrNotSupported)
	}

	return h.launch(op, func() error {
		in := h.floats(xPtr, p.InputLen())
		filter := h.floats(wPtr, p.FilterLen())
		out := h.floats(yPtr, p.OutputLen())
		var b []float32
		if hasBias {
			b = h.floats(biasPtr, p.CO)
		}

		if algo == ConvolutionFwdAlgoGEMM {
			h.cpu.Conv2DIm2Col(out, in, filter, b, h.floats(workspace, p.Im2ColLen()), p)
		} else {
			h.cpu.Conv2DDirect(out, in, filter, b, p)
		}
		return nil
	})
}
