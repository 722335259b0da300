package cnnl

import (
	"fmt"

	"github.com/born-ml/cnnlnet/internal/backend/cpu"
	"github.com/born-ml/cnnlnet/internal/runtime"
)

// BatchMatMul computes c = op(a) @ op(b) over rank 2 to 4 tensors, where op
// transposes the last two dimensions when the matching flag is set.
//
// The leading batch dimensions of a and b broadcast against each other (equal
// or 1) and c carries the broadcast batch shape followed by [M, N].
func (h *Handle) BatchMatMul(
	transA, transB bool,
	a *TensorDescriptor, aPtr runtime.Ptr,
	b *TensorDescriptor, bPtr runtime.Ptr,
	c *TensorDescriptor, cPtr runtime.Ptr,
) error {
	const op = "batch matmul"
	if err := h.ready(op); err != nil {
		return err
	}
	for _, d := range []*TensorDescriptor{a, b, c} {
		if err := d.valid(op); err != nil {
			return err
		}
		if r := len(d.dims); r < 2 || r > 4 {
			return fmt.Errorf("%s: rank %d out of range [2, 4]: %w", op, r, ErrBadParam)
		}
	}
	if err := requireFloat32(op, a, b, c); err != nil {
		return err
	}

	ra, rb, rc := len(a.dims), len(b.dims), len(c.dims)
	m, k := a.dims[ra-2], a.dims[ra-1]
	if transA {
		m, k = k, m
	}
	kb, n := b.dims[rb-2], b.dims[rb-1]
	if transB {
		kb, n = n, kb
	}
	if k != kb {
		return fmt.Errorf("%s: inner dimensions %d and %d differ: %w", op, k, kb, ErrBadParam)
	}

	params := cpu.BatchMatMulParams{
		ABatch: a.dims[:ra-2].Clone(),
		BBatch: b.dims[:rb-2].Clone(),
		M:      m, K: k, N: n,
		TransA: transA, TransB: transB,
	}
	outBatch, err := params.OutputBatch()
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrBadParam, err)
	}

	// c may omit leading batch dims of size 1.
	if c.dims[rc-2] != m || c.dims[rc-1] != n || c.NumElements() != product(outBatch)*m*n {
		return fmt.Errorf("%s: output dims %v, expected batch %v x [%d %d]: %w", op, c.dims, outBatch, m, n, ErrBadParam)
	}

	if err := h.checkBuffer(op, "a", aPtr, a.SizeInBytes()); err != nil {
		return err
	}
	if err := h.checkBuffer(op, "b", bPtr, b.SizeInBytes()); err != nil {
		return err
	}
	if err := h.checkBuffer(op, "c", cPtr, c.SizeInBytes()); err != nil {
		return err
	}

	return h.launch(op, func() error {
		return cpu.BatchMatMul(h.exec,
			h.floats(cPtr, c.NumElements()),
			h.floats(aPtr, a.NumElements()),
			h.floats(bPtr, b.NumElements()),
			params)
	})
}

func product(dims []int) int {
	p := 1
	for _, d := range dims {
		p *= d
	}
	return p
}
