// Package cpu implements the float32 reference kernels that execute device ops.
//
// All kernels work on flat float32 slices in NHWC order. They panic on
// programmer errors (mismatched lengths); the queue worker turns those panics
// into kernel errors.
package cpu

import (
	"fmt"

	"github.com/born-ml/cnnlnet/internal/parallel"
)

// CPUBackend executes kernels on the host CPU. The zero value runs every
// kernel on the calling goroutine.
type CPUBackend struct {
	par parallel.Config
}

// New creates a CPU backend that splits convolution and pooling rows across
// one worker per CPU.
func New() *CPUBackend {
	return &CPUBackend{par: parallel.DefaultConfig()}
}

// NewWithConfig creates a CPU backend with an explicit parallel config.
func NewWithConfig(cfg parallel.Config) *CPUBackend {
	return &CPUBackend{par: cfg}
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

// MatMul computes out = a @ b for row-major a [m, k] and b [k, n].
func (cpu *CPUBackend) MatMul(a, b, out []float32, m, k, n int) error {
	if len(a) < m*k || len(b) < k*n || len(out) < m*n {
		return fmt.Errorf("matmul: buffers too small for [%d,%d] @ [%d,%d]", m, k, k, n)
	}

	for i := 0; i < m; i++ {
		row := a[i*k : i*k+k]
		dst := out[i*n : i*n+n]
		for j := range dst {
			dst[j] = 0
		}
		// i-k-j order streams through b row by row
		for p, av := range row {
			if av == 0 {
				continue
			}
			src := b[p*n : p*n+n]
			for j, bv := range src {
				dst[j] += av * bv
			}
		}
	}
	return nil
}

// ReLU computes out = max(0, in) element-wise.
func (cpu *CPUBackend) ReLU(in, out []float32) error {
	if len(out) < len(in) {
		return fmt.Errorf("relu: output has %d elements, need %d", len(out), len(in))
	}
	for i, v := range in {
		if v > 0 {
			out[i] = v
		} else {
			out[i] = 0
		}
	}
	return nil
}

// Softmax computes a numerically stable softmax over each row of a
// row-major [rows, cols] matrix.
func (cpu *CPUBackend) Softmax(in, out []float32, rows, cols int) error {
	if len(in) < rows*cols || len(out) < rows*cols {
		return fmt.Errorf("softmax: buffers too small for [%d,%d]", rows, cols)
	}
	cpu.SoftmaxAxis(out[:rows*cols], in[:rows*cols], []int{rows, cols}, 1, SoftmaxAccurate)
	return nil
}

// Transpose2D writes the transpose of row-major src [rows, cols] into dst.
func Transpose2D(dst, src []float32, rows, cols int) {
	if len(src) < rows*cols || len(dst) < rows*cols {
		panic(fmt.Sprintf("transpose2d: buffers too small for [%d,%d]", rows, cols))
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dst[j*rows+i] = src[i*cols+j]
		}
	}
}

// Blend computes out = alpha*result + beta*out. When beta is zero the previous
// contents of out are ignored, so stale NaNs do not leak into the result.
func Blend(out, result []float32, alpha, beta float32) {
	if len(out) != len(result) {
		panic(fmt.Sprintf("blend: length mismatch %d vs %d", len(out), len(result)))
	}
	switch {
	case alpha == 1 && beta == 0:
		copy(out, result)
	case beta == 0:
		for i, v := range result {
			out[i] = alpha * v
		}
	default:
		for i, v := range result {
			out[i] = alpha*v + beta*out[i]
		}
	}
}

// BiasAdd computes out = alpha*bias + beta*out, broadcasting bias along the
// last (channel) dimension of out.
func BiasAdd(out, bias []float32, alpha, beta float32) {
	c := len(bias)
	if c == 0 || len(out)%c != 0 {
		panic(fmt.Sprintf("biasadd: output length %d is not a multiple of bias length %d", len(out), c))
	}
	for i := range out {
		out[i] = alpha*bias[i%c] + beta*out[i]
	}
}
