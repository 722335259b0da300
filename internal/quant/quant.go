// Package quant implements the fixed-point position/scale quantization used to
// move float32 data into Int8, Int16 and Int31 device tensors.
//
// A quantized value q represents the float
//
//	f = q * 2^position / scale
//
// Position is a power-of-two exponent chosen from the absolute maximum of the
// data; scale refines it so that absmax maps onto the largest code.
package quant

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/born-ml/cnnlnet/internal/tensor"
)

// ErrUnsupportedType is returned for data types that have no quantization or
// cast path.
var ErrUnsupportedType = errors.New("quant: unsupported data type")

// Mode selects which quantization parameters are computed.
type Mode int

const (
	// ModePositionOnly computes the position and fixes scale at 1.
	ModePositionOnly Mode = iota
	// ModePositionAndScale computes both position and scale.
	ModePositionAndScale
)

// Param holds the parameters of one quantized tensor.
type Param struct {
	Position int
	Scale    float32
	Offset   int
}

// Identity is the parameter of unquantized data.
var Identity = Param{Scale: 1}

// AbsMax returns max(|x|) over data, or 0 for empty input.
func AbsMax(data []float32) float32 {
	var m float32
	for _, v := range data {
		if v < 0 {
			v = -v
		}
		if v > m {
			m = v
		}
	}
	return m
}

func bitWidth(dt tensor.DataType) (int, error) {
	bw := dt.BitWidth()
	if bw == 0 {
		return 0, fmt.Errorf("%w: %v is not a fixed-point type", ErrUnsupportedType, dt)
	}
	return bw, nil
}

// position returns floor(log2(absmax)) - (bw-2), or 0 when absmax is 0.
func position(absmax float32, bw int) int {
	if absmax == 0 {
		return 0
	}
	return int(math.Floor(math.Log2(float64(absmax)))) - (bw - 2)
}

// Position returns the quantization position for data in the fixed-point
// type dt: floor(log2(absmax)) - (bitwidth - 2).
func Position(data []float32, dt tensor.DataType) (int, error) {
	if len(data) == 0 {
		return 0, errors.New("quant: empty input")
	}
	bw, err := bitWidth(dt)
	if err != nil {
		return 0, err
	}
	return position(AbsMax(data), bw), nil
}

// PositionAndScale returns the position together with
// scale = 2^position * (2^(bitwidth-1) - 1) / absmax. Int31 always uses
// scale 1. Data whose absmax is 0 yields (0, 1).
func PositionAndScale(data []float32, dt tensor.DataType) (int, float32, error) {
	if len(data) == 0 {
		return 0, 0, errors.New("quant: empty input")
	}
	bw, err := bitWidth(dt)
	if err != nil {
		return 0, 0, err
	}

	absmax := AbsMax(data)
	if absmax == 0 {
		return 0, 1, nil
	}
	pos := position(absmax, bw)
	if bw == 31 {
		return pos, 1, nil
	}
	maxCode := math.Pow(2, float64(bw-1)) - 1
	return pos, float32(math.Pow(2, float64(pos)) * maxCode / float64(absmax)), nil
}

// QuantizedParams returns the parameters for casting data to dt. Types that
// are not fixed-point get Identity.
func QuantizedParams(data []float32, dt tensor.DataType, mode Mode) (Param, error) {
	if !dt.IsQuantized() {
		return Identity, nil
	}

	switch mode {
	case ModePositionOnly:
		pos, err := Position(data, dt)
		if err != nil {
			return Param{}, err
		}
		return Param{Position: pos, Scale: 1}, nil
	case ModePositionAndScale:
		pos, scale, err := PositionAndScale(data, dt)
		if err != nil {
			return Param{}, err
		}
		return Param{Position: pos, Scale: scale}, nil
	default:
		return Param{}, fmt.Errorf("quant: unsupported mode %d", mode)
	}
}

// Quantize encodes x as a code of type dt, rounding half away from zero and
// saturating at the type's range.
func Quantize(x float32, p Param, dt tensor.DataType) int32 {
	v := float64(x) * float64(p.Scale) / math.Pow(2, float64(p.Position))
	lo, hi := codeRange(dt)
	v = math.Round(v)
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return int32(v)
}

// Dequantize decodes a code back into float32.
func Dequantize(q int32, p Param) float32 {
	return float32(float64(q) * math.Pow(2, float64(p.Position)) / float64(p.Scale))
}

func codeRange(dt tensor.DataType) (lo, hi float64) {
	switch dt {
	case tensor.Int8:
		return math.MinInt8, math.MaxInt8
	case tensor.Int16:
		return math.MinInt16, math.MaxInt16
	default:
		// Int31 codes span 31 bits.
		return -(1 << 30), 1<<30 - 1
	}
}

// Result is the outcome of Cast.
type Result struct {
	// Raw holds the encoded elements in device byte order.
	Raw []byte
	// Dequantized holds the values the device will see, decoded back to float32.
	Dequantized []float32
	Param       Param
}

// Cast converts src into the device representation of dst.
//
//   - Float32: a byte copy.
//   - Int8, Int16: codes computed with QuantizedParams(src, dst, mode).
//   - Int31: low and high int16 planes with f = (high*2^15 + low) * 2^position.
//   - Half: IEEE 754 binary16.
//   - Int32: values rounded half away from zero.
//
// Dequantized equals src for every type except Int8 and Int16.
func Cast(src []float32, dst tensor.DataType, mode Mode) (Result, error) {
	n := len(src)
	res := Result{
		Raw:         make([]byte, n*dst.Size()),
		Dequantized: make([]float32, n),
		Param:       Identity,
	}
	copy(res.Dequantized, src)

	switch dst {
	case tensor.Float32:
		copy(res.Raw, tensor.Float32Bytes(src))

	case tensor.Int8, tensor.Int16:
		p, err := QuantizedParams(src, dst, mode)
		if err != nil {
			return Result{}, err
		}
		res.Param = p
		for i, v := range src {
			q := Quantize(v, p, dst)
			if dst == tensor.Int8 {
				res.Raw[i] = byte(int8(q))
			} else {
				binary.LittleEndian.PutUint16(res.Raw[2*i:], uint16(int16(q)))
			}
			res.Dequantized[i] = Dequantize(q, p)
		}

	case tensor.Int31:
		p, err := QuantizedParams(src, dst, mode)
		if err != nil {
			return Result{}, err
		}
		res.Param = p
		EncodeInt31(res.Raw, src)

	case tensor.Half:
		for i, v := range src {
			binary.LittleEndian.PutUint16(res.Raw[2*i:], float16.Fromfloat32(v).Bits())
		}

	case tensor.Int32:
		for i, v := range src {
			binary.LittleEndian.PutUint32(res.Raw[4*i:], uint32(int32(math.Round(float64(v)))))
		}

	default:
		return Result{}, fmt.Errorf("%w: cast float32 to %v", ErrUnsupportedType, dst)
	}

	return res, nil
}

// DecodeHalf decodes count little-endian binary16 values from raw.
func DecodeHalf(raw []byte, count int) ([]float32, error) {
	if len(raw) < 2*count {
		return nil, fmt.Errorf("quant: decode half: %d bytes, need %d", len(raw), 2*count)
	}
	out := make([]float32, count)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
	}
	return out, nil
}

// Int31Position returns floor(log2(absmax)) - 29, the exponent used to split
// float32 data into Int31 planes.
func Int31Position(data []float32) int {
	return position(AbsMax(data), 31)
}

// EncodeInt31 writes src as two int16 planes into dst (4*len(src) bytes):
// the low halves first, then the high halves. Each value is rounded to
// t = round(x / 2^position) and split as high = trunc(t / 2^15),
// low = t - high*2^15.
func EncodeInt31(dst []byte, src []float32) int {
	n := len(src)
	pos := Int31Position(src)
	if len(dst) < 4*n {
		panic(fmt.Sprintf("quant: int31 buffer has %d bytes, need %d", len(dst), 4*n))
	}

	scale := math.Pow(2, float64(pos))
	for i, v := range src {
		t := math.Round(float64(v) / scale)
		high := math.Trunc(t / (1 << 15))
		low := t - high*(1<<15)
		binary.LittleEndian.PutUint16(dst[2*i:], uint16(int16(low)))
		binary.LittleEndian.PutUint16(dst[2*(n+i):], uint16(int16(high)))
	}
	return pos
}

// DecodeInt31 reverses EncodeInt31 for n elements at the given position.
func DecodeInt31(dst []float32, src []byte, pos int) {
	n := len(dst)
	scale := math.Pow(2, float64(pos))
	for i := range dst {
		low := int16(binary.LittleEndian.Uint16(src[2*i:]))
		high := int16(binary.LittleEndian.Uint16(src[2*(n+i):]))
		dst[i] = float32((float64(high)*(1<<15) + float64(low)) * scale)
	}
}
