package cpu

import (
	"fmt"
	"math"
)

// ActivationMode selects an element-wise activation function.
type ActivationMode int

const (
	// ActReLU computes max(0, x).
	ActReLU ActivationMode = iota
	// ActReLU6 computes min(max(0, x), ceiling); the ceiling is 6 unless a
	// positive coefficient overrides it.
	ActReLU6
	// ActSigmoid computes 1 / (1 + exp(-x)).
	ActSigmoid
	// ActTanh computes tanh(x).
	ActTanh
	// ActHardSigmoid computes relu6(x + 3) / 6.
	ActHardSigmoid
)

// String returns the mode name.
func (m ActivationMode) String() string {
	switch m {
	case ActReLU:
		return "relu"
	case ActReLU6:
		return "relu6"
	case ActSigmoid:
		return "sigmoid"
	case ActTanh:
		return "tanh"
	case ActHardSigmoid:
		return "hard_sigmoid"
	default:
		return fmt.Sprintf("ActivationMode(%d)", int(m))
	}
}

// Activation applies mode element-wise: out[i] = f(in[i]).
//
// When propagateNaN is false, clamping activations map NaN to zero.
func (cpu *CPUBackend) Activation(out, in []float32, mode ActivationMode, coef float32, propagateNaN bool) {
	if len(out) < len(in) {
		panic(fmt.Sprintf("activation: output has %d elements, need %d", len(out), len(in)))
	}

	ceiling := float32(6)
	if mode == ActReLU6 && coef > 0 {
		ceiling = coef
	}

	for i, x := range in {
		if x != x {
			if propagateNaN || mode == ActSigmoid || mode == ActTanh {
				out[i] = x
			} else {
				out[i] = 0
			}
			continue
		}

		switch mode {
		case ActReLU:
			out[i] = clamp(x, 0, float32(math.Inf(1)))
		case ActReLU6:
			out[i] = clamp(x, 0, ceiling)
		case ActSigmoid:
			out[i] = float32(1.0 / (1.0 + math.Exp(-float64(x))))
		case ActTanh:
			out[i] = float32(math.Tanh(float64(x)))
		case ActHardSigmoid:
			out[i] = clamp(x+3, 0, 6) / 6
		default:
			panic(fmt.Sprintf("activation: unknown mode %v", mode))
		}
	}
}

func clamp(x, lo, hi float32) float32 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// SoftmaxAlgorithm selects how softmax is evaluated.
type SoftmaxAlgorithm int

const (
	// SoftmaxFast exponentiates without subtracting the maximum.
	SoftmaxFast SoftmaxAlgorithm = iota
	// SoftmaxAccurate subtracts the maximum before exponentiating.
	SoftmaxAccurate
	// SoftmaxLog computes log-softmax.
	SoftmaxLog
)

// String returns the algorithm name.
func (a SoftmaxAlgorithm) String() string {
	switch a {
	case SoftmaxFast:
		return "fast"
	case SoftmaxAccurate:
		return "accurate"
	case SoftmaxLog:
		return "log"
	default:
		return fmt.Sprintf("SoftmaxAlgorithm(%d)", int(a))
	}
}

// SoftmaxAxis applies softmax along dimension axis of a row-major tensor.
//
// The tensor is viewed as [outer, dim, inner] where dim = shape[axis];
// every (outer, inner) fibre is normalized independently.
//
//	softmax(x)_i = exp(x_i - max(x)) / sum_j exp(x_j - max(x))
//	log_softmax(x)_i = x_i - max(x) - log(sum_j exp(x_j - max(x)))
func (cpu *CPUBackend) SoftmaxAxis(out, in []float32, shape []int, axis int, algo SoftmaxAlgorithm) {
	if axis < 0 || axis >= len(shape) {
		panic(fmt.Sprintf("softmax: axis %d out of range for rank %d", axis, len(shape)))
	}

	outer, dim, inner := 1, shape[axis], 1
	for _, d := range shape[:axis] {
		outer *= d
	}
	for _, d := range shape[axis+1:] {
		inner *= d
	}
	if total := outer * dim * inner; len(in) < total || len(out) < total {
		panic(fmt.Sprintf("softmax: buffers too small for shape %v", shape))
	}

	for o := 0; o < outer; o++ {
		for j := 0; j < inner; j++ {
			base := o*dim*inner + j

			var maxVal float64
			if algo != SoftmaxFast {
				maxVal = math.Inf(-1)
				for d := 0; d < dim; d++ {
					if v := float64(in[base+d*inner]); v > maxVal {
						maxVal = v
					}
				}
			}

			var sum float64
			for d := 0; d < dim; d++ {
				sum += math.Exp(float64(in[base+d*inner]) - maxVal)
			}

			if algo == SoftmaxLog {
				logSum := math.Log(sum)
				for d := 0; d < dim; d++ {
					idx := base + d*inner
					out[idx] = float32(float64(in[idx]) - maxVal - logSum)
				}
				continue
			}

			for d := 0; d < dim; d++ {
				idx := base + d*inner
				out[idx] = float32(math.Exp(float64(in[idx])-maxVal) / sum)
			}
		}
	}
}
