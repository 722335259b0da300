package cnnl

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/born-ml/cnnlnet/internal/quant"
	"github.com/born-ml/cnnlnet/internal/runtime"
	"github.com/born-ml/cnnlnet/internal/tensor"
)

// CastType names a supported data type conversion.
type CastType int

const (
	CastFloat32ToHalf CastType = iota
	CastHalfToFloat32
	CastFloat32ToInt32
	CastInt32ToFloat32
	// CastFloat32ToInt8 quantizes with the output descriptor's position and scale.
	CastFloat32ToInt8
	// CastFloat32ToInt16 quantizes with the output descriptor's position and scale.
	CastFloat32ToInt16
	// CastInt8ToFloat32 dequantizes with the input descriptor's position and scale.
	CastInt8ToFloat32
	// CastInt16ToFloat32 dequantizes with the input descriptor's position and scale.
	CastInt16ToFloat32
)

func (c CastType) types() (from, to tensor.DataType, ok bool) {
	switch c {
	case CastFloat32ToHalf:
		return tensor.Float32, tensor.Half, true
	case CastHalfToFloat32:
		return tensor.Half, tensor.Float32, true
	case CastFloat32ToInt32:
		return tensor.Float32, tensor.Int32, true
	case CastInt32ToFloat32:
		return tensor.Int32, tensor.Float32, true
	case CastFloat32ToInt8:
		return tensor.Float32, tensor.Int8, true
	case CastFloat32ToInt16:
		return tensor.Float32, tensor.Int16, true
	case CastInt8ToFloat32:
		return tensor.Int8, tensor.Float32, true
	case CastInt16ToFloat32:
		return tensor.Int16, tensor.Float32, true
	default:
		return 0, 0, false
	}
}

// CastDataType converts x into y according to castType. Both descriptors must
// hold the same number of elements and carry the cast's source and target
// types.
func (h *Handle) CastDataType(x *TensorDescriptor, xPtr runtime.Ptr, castType CastType, y *TensorDescriptor, yPtr runtime.Ptr) error {
	const op = "cast data type"
	if err := h.ready(op); err != nil {
		return err
	}
	if err := x.valid(op); err != nil {
		return err
	}
	if err := y.valid(op); err != nil {
		return err
	}
	from, to, ok := castType.types()
	if !ok {
		return fmt.Errorf("%s: cast type %d: %w", op, castType, ErrNotSupported)
	}
	if x.dtype != from || y.dtype != to {
		return fmt.Errorf("%s: descriptors are %v -> %v, cast is %v -> %v: %w", op, x.dtype, y.dtype, from, to, ErrBadParam)
	}
	if x.NumElements() != y.NumElements() {
		return fmt.Errorf("%s: element counts %d and %d differ: %w", op, x.NumElements(), y.NumElements(), ErrBadParam)
	}
	if err := h.checkBuffer(op, "input", xPtr, x.SizeInBytes()); err != nil {
		return err
	}
	if err := h.checkBuffer(op, "output", yPtr, y.SizeInBytes()); err != nil {
		return err
	}

	n := x.NumElements()
	xParam := quant.Param{Position: x.position, Scale: x.scale, Offset: x.offset}
	yParam := quant.Param{Position: y.position, Scale: y.scale, Offset: y.offset}

	return h.launch(op, func() error {
		src := h.raw(xPtr, x.SizeInBytes())
		dst := h.raw(yPtr, y.SizeInBytes())

		switch castType {
		case CastFloat32ToHalf:
			for i, v := range tensor.BytesAsFloat32(src) {
				binary.LittleEndian.PutUint16(dst[2*i:], float16.Fromfloat32(v).Bits())
			}
		case CastHalfToFloat32:
			out := tensor.BytesAsFloat32(dst)
			for i := range out {
				out[i] = float16.Frombits(binary.LittleEndian.Uint16(src[2*i:])).Float32()
			}
		case CastFloat32ToInt32:
			for i, v := range tensor.BytesAsFloat32(src) {
				binary.LittleEndian.PutUint32(dst[4*i:], uint32(int32(math.Round(float64(v)))))
			}
		case CastInt32ToFloat32:
			out := tensor.BytesAsFloat32(dst)
			for i := range out {
				out[i] = float32(int32(binary.LittleEndian.Uint32(src[4*i:])))
			}
		case CastFloat32ToInt8:
			for i, v := range tensor.BytesAsFloat32(src) {
				dst[i] = byte(int8(quant.Quantize(v, yParam, tensor.Int8)))
			}
		case CastFloat32ToInt16:
			for i, v := range tensor.BytesAsFloat32(src) {
				binary.LittleEndian.PutUint16(dst[2*i:], uint16(int16(quant.Quantize(v, yParam, tensor.Int16))))
			}
		case CastInt8ToFloat32:
			out := tensor.BytesAsFloat32(dst)
			for i := 0; i < n; i++ {
				out[i] = quant.Dequantize(int32(int8(src[i])), xParam)
			}
		case CastInt16ToFloat32:
			out := tensor.BytesAsFloat32(dst)
			for i := 0; i < n; i++ {
				out[i] = quant.Dequantize(int32(int16(binary.LittleEndian.Uint16(src[2*i:]))), xParam)
			}
		}
		return nil
	})
}
