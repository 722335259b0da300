package cpu

import "fmt"

// MatMuler multiplies two row-major matrices. Both the CPU backend and the
// GPU executors implement it.
type MatMuler interface {
	MatMul(a, b, out []float32, m, k, n int) error
}

// BatchMatMulParams describes a batched matrix multiplication.
//
// A is stored as [ABatch..., M, K], or [ABatch..., K, M] when TransA is set.
// B is stored as [BBatch..., K, N], or [BBatch..., N, K] when TransB is set.
// The batch shapes broadcast against each other NumPy-style.
type BatchMatMulParams struct {
	ABatch, BBatch []int
	M, K, N        int
	TransA, TransB bool
}

// OutputBatch returns the broadcast batch shape of the result.
func (p BatchMatMulParams) OutputBatch() ([]int, error) {
	return BroadcastBatch(p.ABatch, p.BBatch)
}

// BroadcastBatch broadcasts two batch shapes. Shapes are right-aligned and each
// pair of dimensions must be equal or one of them must be 1.
func BroadcastBatch(a, b []int) ([]int, error) {
	ndim := max(len(a), len(b))
	out := make([]int, ndim)
	for i := 0; i < ndim; i++ {
		da, db := 1, 1
		if j := len(a) - ndim + i; j >= 0 {
			da = a[j]
		}
		if j := len(b) - ndim + i; j >= 0 {
			db = b[j]
		}
		switch {
		case da == db:
			out[i] = da
		case da == 1:
			out[i] = db
		case db == 1:
			out[i] = da
		default:
			return nil, fmt.Errorf("batch shapes %v and %v are not broadcastable", a, b)
		}
	}
	return out, nil
}

// BatchMatMul computes out[batch] = op(A[batch]) @ op(B[batch]) for every
// index of the broadcast batch shape, using mm for each matrix product.
//
// Transposed operands are materialized into scratch buffers first.
func BatchMatMul(mm MatMuler, out, a, b []float32, p BatchMatMulParams) error {
	outBatch, err := p.OutputBatch()
	if err != nil {
		return fmt.Errorf("batchmatmul: %w", err)
	}

	aMat, bMat, oMat := p.M*p.K, p.K*p.N, p.M*p.N
	total := product(outBatch)
	if len(a) < product(p.ABatch)*aMat || len(b) < product(p.BBatch)*bMat || len(out) < total*oMat {
		return fmt.Errorf("batchmatmul: buffers too small for %v x [%d,%d] @ [%d,%d]", outBatch, p.M, p.K, p.K, p.N)
	}

	var aT, bT []float32
	if p.TransA {
		aT = make([]float32, aMat)
	}
	if p.TransB {
		bT = make([]float32, bMat)
	}

	aStrides := broadcastStrides(p.ABatch, outBatch)
	bStrides := broadcastStrides(p.BBatch, outBatch)
	idx := make([]int, len(outBatch))

	for batch := 0; batch < total; batch++ {
		ai, bi := 0, 0
		for d, v := range idx {
			ai += v * aStrides[d]
			bi += v * bStrides[d]
		}

		lhs := a[ai*aMat : ai*aMat+aMat]
		if p.TransA {
			Transpose2D(aT, lhs, p.K, p.M)
			lhs = aT
		}
		rhs := b[bi*bMat : bi*bMat+bMat]
		if p.TransB {
			Transpose2D(bT, rhs, p.N, p.K)
			rhs = bT
		}

		if err := mm.MatMul(lhs, rhs, out[batch*oMat:batch*oMat+oMat], p.M, p.K, p.N); err != nil {
			return fmt.Errorf("batchmatmul: batch %d: %w", batch, err)
		}

		// Advance the multi-dimensional batch index.
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < outBatch[d] {
				break
			}
			idx[d] = 0
		}
	}
	return nil
}

// broadcastStrides returns, for each output batch dimension, the matrix stride
// in the operand, or zero where the operand is broadcast.
func broadcastStrides(shape, outBatch []int) []int {
	strides := make([]int, len(outBatch))
	stride := 1
	for i := len(outBatch) - 1; i >= 0; i-- {
		j := len(shape) - len(outBatch) + i
		if j < 0 {
			continue
		}
		if shape[j] != 1 {
			strides[i] = stride
		}
		stride *= shape[j]
	}
	return strides
}

func product(dims []int) int {
	p := 1
	for _, d := range dims {
		p *= d
	}
	return p
}
