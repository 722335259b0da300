package cnnl

import (
	"fmt"

	"github.com/born-ml/cnnlnet/internal/tensor"
)

// MaxDims is the highest tensor rank a descriptor accepts.
const MaxDims = 8

// TensorDescriptor describes the layout, element type, dimensions and
// quantization parameters of a device tensor.
type TensorDescriptor struct {
	layout tensor.Layout
	dtype  tensor.DataType
	dims   tensor.Shape

	position int
	scale    float32
	offset   int

	destroyed bool
}

// NewTensorDescriptor creates a descriptor. dims are given in the layout's
// memory order, for example N, H, W, C for NHWC.
func NewTensorDescriptor(layout tensor.Layout, dtype tensor.DataType, dims ...int) (*TensorDescriptor, error) {
	if len(dims) == 0 || len(dims) > MaxDims {
		return nil, fmt.Errorf("tensor descriptor: rank %d out of range [1, %d]: %w", len(dims), MaxDims, ErrBadParam)
	}
	shape := tensor.Shape(dims).Clone()
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("tensor descriptor: %w: %w", ErrBadParam, err)
	}
	if layout < tensor.NCHW || layout > tensor.Array {
		return nil, fmt.Errorf("tensor descriptor: unknown layout %d: %w", layout, ErrBadParam)
	}
	if dtype < tensor.Float32 || dtype > tensor.Bool {
		return nil, fmt.Errorf("tensor descriptor: unknown data type %d: %w", dtype, ErrBadParam)
	}
	if len(dims) != 4 && layout != tensor.Array {
		return nil, fmt.Errorf("tensor descriptor: %v layout needs 4 dims, got %d: %w", layout, len(dims), ErrBadParam)
	}

	return &TensorDescriptor{
		layout: layout,
		dtype:  dtype,
		dims:   shape,
		scale:  1,
	}, nil
}

// SetPositionAndScale records the quantization parameters of the tensor.
func (d *TensorDescriptor) SetPositionAndScale(position int, scale float32) error {
	if err := d.valid("set position and scale"); err != nil {
		return err
	}
	if scale <= 0 {
		return fmt.Errorf("set position and scale: scale %v must be positive: %w", scale, ErrBadParam)
	}
	d.position, d.scale = position, scale
	return nil
}

// SetOffset records the quantization offset.
func (d *TensorDescriptor) SetOffset(offset int) error {
	if err := d.valid("set offset"); err != nil {
		return err
	}
	d.offset = offset
	return nil
}

// PositionAndScale returns the quantization parameters.
func (d *TensorDescriptor) PositionAndScale() (int, float32) {
	return d.position, d.scale
}

// Offset returns the quantization offset.
func (d *TensorDescriptor) Offset() int { return d.offset }

// Layout returns the memory layout.
func (d *TensorDescriptor) Layout() tensor.Layout { return d.layout }

// DataType returns the element type.
func (d *TensorDescriptor) DataType() tensor.DataType { return d.dtype }

// Dims returns a copy of the dimensions.
func (d *TensorDescriptor) Dims() tensor.Shape { return d.dims.Clone() }

// NumElements returns the product of the dimensions.
func (d *TensorDescriptor) NumElements() int { return d.dims.NumElements() }

// SizeInBytes returns the device buffer size the tensor needs.
func (d *TensorDescriptor) SizeInBytes() int { return d.NumElements() * d.dtype.Size() }

// Destroy invalidates the descriptor.
func (d *TensorDescriptor) Destroy() error {
	if err := d.valid("destroy tensor descriptor"); err != nil {
		return err
	}
	d.destroyed = true
	return nil
}

func (d *TensorDescriptor) valid(op string) error {
	if d == nil || d.destroyed {
		return fmt.Errorf("%s: invalid tensor descriptor: %w", op, ErrBadParam)
	}
	return nil
}

// nhwc returns N, H, W, C of a rank-4 NHWC descriptor.
func (d *TensorDescriptor) nhwc(op, what string) (n, h, w, c int, err error) {
	if err := d.valid(op); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("%s: %w", what, err)
	}
	if d.layout != tensor.NHWC || len(d.dims) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("%s: %s must be 4D NHWC, got %v %v: %w", op, what, d.layout, d.dims, ErrBadParam)
	}
	return d.dims[0], d.dims[1], d.dims[2], d.dims[3], nil
}
