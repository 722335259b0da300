package cnnl

import (
	"fmt"

	"github.com/born-ml/cnnlnet/internal/backend/cpu"
	"github.com/born-ml/cnnlnet/internal/runtime"
)

// blendTarget returns the buffer a kernel should write f(x) into: out itself
// when no blending is needed, otherwise a scratch slice.
func blendTarget(out []float32, alpha, beta float32) []float32 {
	if alpha == 1 && beta == 0 {
		return out
	}
	return make([]float32, len(out))
}

func finishBlend(out, result []float32, alpha, beta float32) {
	if alpha == 1 && beta == 0 {
		return
	}
	cpu.Blend(out, result, alpha, beta)
}

func sameShape(op string, x, y *TensorDescriptor) error {
	if err := x.valid(op); err != nil {
		return err
	}
	if err := y.valid(op); err != nil {
		return err
	}
	if !x.dims.Equal(y.dims) {
		return fmt.Errorf("%s: input dims %v != output dims %v: %w", op, x.dims, y.dims, ErrBadParam)
	}
	return nil
}

// GetBiasAddWorkspaceSize returns the workspace bytes BiasAdd needs.
func (h *Handle) GetBiasAddWorkspaceSize(bias, out *TensorDescriptor) (int, error) {
	const op = "get bias add workspace size"
	if h == nil || h.destroyed {
		return 0, fmt.Errorf("%s: invalid handle: %w", op, ErrBadParam)
	}
	if err := checkBias(op, bias, out); err != nil {
		return 0, err
	}
	return 0, nil
}

func checkBias(op string, bias, out *TensorDescriptor) error {
	if err := bias.valid(op); err != nil {
		return err
	}
	if err := out.valid(op); err != nil {
		return err
	}
	last := out.dims[len(out.dims)-1]
	if bias.NumElements() != last {
		return fmt.Errorf("%s: bias has %d elements, output last dim is %d: %w", op, bias.NumElements(), last, ErrBadParam)
	}
	return nil
}

// BiasAdd computes out = alpha*bias + beta*out, broadcasting bias along the
// last dimension of out.
func (h *Handle) BiasAdd(
	alpha float32,
	bias *TensorDescriptor, biasPtr runtime.Ptr,
	workspace runtime.Ptr, workspaceSize int,
	beta float32,
	out *TensorDescriptor, outPtr runtime.Ptr,
) error {
	const op = "bias add"
	if err := h.ready(op); err != nil {
		return err
	}
	if err := checkBias(op, bias, out); err != nil {
		return err
	}
	if err := requireFloat32(op, bias, out); err != nil {
		return err
	}
	if workspaceSize < 0 || (workspaceSize > 0 && workspace.IsNil()) {
		return fmt.Errorf("%s: workspace %v of %d bytes: %w", op, workspace, workspaceSize, ErrBadParam)
	}
	if err := h.checkBuffer(op, "bias", biasPtr, bias.SizeInBytes()); err != nil {
		return err
	}
	if err := h.checkBuffer(op, "output", outPtr, out.SizeInBytes()); err != nil {
		return err
	}

	return h.launch(op, func() error {
		cpu.BiasAdd(h.floats(outPtr, out.NumElements()), h.floats(biasPtr, bias.NumElements()), alpha, beta)
		return nil
	})
}

// ActivationForward computes y = alpha*f(x) + beta*y element-wise.
func (h *Handle) ActivationForward(
	desc *ActivationDescriptor,
	alpha float32, x *TensorDescriptor, xPtr runtime.Ptr,
	beta float32, y *TensorDescriptor, yPtr runtime.Ptr,
) error {
	const op = "activation forward"
	if err := h.ready(op); err != nil {
		return err
	}
	if desc == nil || desc.destroyed {
		return fmt.Errorf("%s: invalid activation descriptor: %w", op, ErrBadParam)
	}
	if err := sameShape(op, x, y); err != nil {
		return err
	}
	if err := requireFloat32(op, x, y); err != nil {
		return err
	}
	if err := h.checkBuffer(op, "input", xPtr, x.SizeInBytes()); err != nil {
		return err
	}
	if err := h.checkBuffer(op, "output", yPtr, y.SizeInBytes()); err != nil {
		return err
	}

	mode, coef, propagate := desc.kernelMode(), desc.coef, desc.nan == PropagateNaN
	return h.launch(op, func() error {
		in := h.floats(xPtr, x.NumElements())
		out := h.floats(yPtr, y.NumElements())
		dst := blendTarget(out, alpha, beta)

		if mode == cpu.ActReLU && !propagate {
			if err := h.exec.ReLU(in, dst); err != nil {
				return err
			}
		} else {
			h.cpu.Activation(dst, in, mode, coef, propagate)
		}

		finishBlend(out, dst, alpha, beta)
		return nil
	})
}

// GetPoolingWorkspaceSize returns the workspace bytes PoolingForward needs.
func (h *Handle) GetPoolingWorkspaceSize(desc *PoolingDescriptor, x *TensorDescriptor) (int, error) {
	const op = "get pooling workspace size"
	if h == nil || h.destroyed {
		return 0, fmt.Errorf("%s: invalid handle: %w", op, ErrBadParam)
	}
	if _, err := desc.params(op, x); err != nil {
		return 0, err
	}
	return 0, nil
}

// PoolingForward computes y = alpha*pool(x) + beta*y on NHWC data.
func (h *Handle) PoolingForward(
	desc *PoolingDescriptor,
	alpha float32, x *TensorDescriptor, xPtr runtime.Ptr,
	beta float32, y *TensorDescriptor, yPtr runtime.Ptr,
	workspace runtime.Ptr, workspaceSize int,
) error {
	const op = "pooling forward"
	if err := h.ready(op); err != nil {
		return err
	}
	p, err := desc.params(op, x)
	if err != nil {
		return err
	}
	n, ho, wo, c, err := y.nhwc(op, "output")
	if err != nil {
		return err
	}
	if eh, ew := p.OutputSize(); n != p.N || ho != eh || wo != ew || c != p.C {
		return fmt.Errorf("%s: output dims %v, expected [%d %d %d %d]: %w", op, y.dims, p.N, eh, ew, p.C, ErrBadParam)
	}
	if err := requireFloat32(op, x, y); err != nil {
		return err
	}
	if workspaceSize < 0 || (workspaceSize > 0 && workspace.IsNil()) {
		return fmt.Errorf("%s: workspace %v of %d bytes: %w", op, workspace, workspaceSize, ErrBadParam)
	}
	if err := h.checkBuffer(op, "input", xPtr, x.SizeInBytes()); err != nil {
		return err
	}
	if err := h.checkBuffer(op, "output", yPtr, y.SizeInBytes()); err != nil {
		return err
	}

	return h.launch(op, func() error {
		in := h.floats(xPtr, x.NumElements())
		out := h.floats(yPtr, y.NumElements())
		dst := blendTarget(out, alpha, beta)
		h.cpu.Pool2D(dst, in, p)
		finishBlend(out, dst, alpha, beta)
		return nil
	})
}

// SoftmaxAlgorithm selects how softmax is evaluated.
type SoftmaxAlgorithm int

const (
	SoftmaxFast SoftmaxAlgorithm = iota
	SoftmaxAccurate
	SoftmaxLog
)

// SoftmaxMode selects the dimension softmax normalizes over.
type SoftmaxMode int

const (
	// SoftmaxModeLowDimension normalizes over the last dimension.
	SoftmaxModeLowDimension SoftmaxMode = iota
	// SoftmaxModeMediumDimension normalizes over the second-to-last dimension.
	SoftmaxModeMediumDimension
	// SoftmaxModeHighDimension normalizes over the first dimension.
	SoftmaxModeHighDimension
)

// SoftmaxModeForAxis maps an axis of a rank-r tensor onto the mode that
// normalizes over it: the last axis is low, axis 0 is high and any other
// axis is medium.
func SoftmaxModeForAxis(axis, rank int) SoftmaxMode {
	switch {
	case axis == rank-1 || axis == -1:
		return SoftmaxModeLowDimension
	case axis == 0:
		return SoftmaxModeHighDimension
	default:
		return SoftmaxModeMediumDimension
	}
}

func softmaxAxis(mode SoftmaxMode, rank int) (int, bool) {
	switch mode {
	case SoftmaxModeLowDimension:
		return rank - 1, true
	case SoftmaxModeMediumDimension:
		return rank - 2, rank >= 2
	case SoftmaxModeHighDimension:
		return 0, true
	default:
		return 0, false
	}
}

func (a SoftmaxAlgorithm) kernel() (cpu.SoftmaxAlgorithm, bool) {
	switch a {
	case SoftmaxFast:
		return cpu.SoftmaxFast, true
	case SoftmaxAccurate:
		return cpu.SoftmaxAccurate, true
	case SoftmaxLog:
		return cpu.SoftmaxLog, true
	default:
		return 0, false
	}
}

// SoftmaxForward computes y = alpha*softmax(x) + beta*y over the dimension
// selected by mode.
func (h *Handle) SoftmaxForward(
	algo SoftmaxAlgorithm, mode SoftmaxMode,
	alpha float32, x *TensorDescriptor, xPtr runtime.Ptr,
	beta float32, y *TensorDescriptor, yPtr runtime.Ptr,
) error {
	const op = "softmax forward"
	if err := h.ready(op); err != nil {
		return err
	}
	if err := sameShape(op, x, y); err != nil {
		return err
	}
	kalgo, ok := algo.kernel()
	if !ok {
		return fmt.Errorf("%s: algorithm %d: %w", op, algo, ErrBadParam)
	}
	axis, ok := softmaxAxis(mode, len(x.dims))
	if !ok {
		return fmt.Errorf("%s: mode %d on rank %d: %w", op, mode, len(x.dims), ErrBadParam)
	}
	if err := requireFloat32(op, x, y); err != nil {
		return err
	}
	if err := h.checkBuffer(op, "input", xPtr, x.SizeInBytes()); err != nil {
		return err
	}
	if err := h.checkBuffer(op, "output", yPtr, y.SizeInBytes()); err != nil {
		return err
	}

	shape := x.dims.Clone()
	return h.launch(op, func() error {
		in := h.floats(xPtr, x.NumElements())
		out := h.floats(yPtr, y.NumElements())
		dst := blendTarget(out, alpha, beta)

		if kalgo == cpu.SoftmaxAccurate && axis == len(shape)-1 {
			cols := shape[axis]
			if err := h.exec.Softmax(in, dst, len(in)/cols, cols); err != nil {
				return err
			}
		} else {
			h.cpu.SoftmaxAxis(dst, in, shape, axis, kalgo)
		}

		finishBlend(out, dst, alpha, beta)
		return nil
	})
}
