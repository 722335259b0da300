package quant

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/x448/float16"

	"github.com/born-ml/cnnlnet/internal/logging"
	"github.com/born-ml/cnnlnet/internal/tensor"
)

const diffEpsilon = 1e-9

// HasNaNOrInf reports whether data holds a NaN or an infinity.
func HasNaNOrInf(data []float32) bool {
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

// Diff1 returns the relative L1 error of actual against the reference:
// sum|ref-actual| / sum|ref|. It returns math.MaxFloat64 when either input
// holds NaN or Inf.
func Diff1(ref, actual []float32) float64 {
	if HasNaNOrInf(ref) || HasNaNOrInf(actual) {
		logging.Logger().Warn("diff1: found NaN or Inf")
		return math.MaxFloat64
	}
	var num, den float64
	for i := range ref {
		num += math.Abs(float64(ref[i] - actual[i]))
		den += math.Abs(float64(ref[i]))
	}
	return num / (den + diffEpsilon)
}

// Diff2 returns the relative L2 error of actual against the reference:
// sqrt(sum (ref-actual)^2 / sum ref^2). It returns math.MaxFloat64 when either
// input holds NaN or Inf.
func Diff2(ref, actual []float32) float64 {
	if HasNaNOrInf(ref) || HasNaNOrInf(actual) {
		logging.Logger().Warn("diff2: found NaN or Inf")
		return math.MaxFloat64
	}
	var num, den float64
	for i := range ref {
		d := float64(ref[i] - actual[i])
		num += d * d
		den += float64(ref[i]) * float64(ref[i])
	}
	return math.Sqrt(num / (den + diffEpsilon))
}

// WriteFloats writes one value per line.
func WriteFloats(w io.Writer, data []float32) error {
	bw := bufio.NewWriter(w)
	for _, v := range data {
		if _, err := fmt.Fprintln(bw, v); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteHex writes count elements of raw, one per line, as their hexadecimal
// bit pattern followed by the decoded decimal value. Int31 data is written as
// its 2*count int16 plane elements.
func WriteHex(w io.Writer, raw []byte, dt tensor.DataType, count int) error {
	if dt == tensor.Int31 {
		dt, count = tensor.Int16, 2*count
	}
	if need := count * dt.Size(); len(raw) < need {
		return fmt.Errorf("write hex: %d bytes, need %d for %d %v values", len(raw), need, count, dt)
	}

	bw := bufio.NewWriter(w)
	for i := 0; i < count; i++ {
		var hex uint32
		var dec string
		switch dt {
		case tensor.Half:
			bits := binary.LittleEndian.Uint16(raw[2*i:])
			hex, dec = uint32(bits), fmt.Sprint(float16.Frombits(bits).Float32())
		case tensor.Float32:
			bits := binary.LittleEndian.Uint32(raw[4*i:])
			hex, dec = bits, fmt.Sprint(math.Float32frombits(bits))
		case tensor.Int8:
			hex, dec = uint32(raw[i]), fmt.Sprint(int8(raw[i]))
		case tensor.Uint8, tensor.Bool:
			hex, dec = uint32(raw[i]), fmt.Sprint(raw[i])
		case tensor.Int16:
			bits := binary.LittleEndian.Uint16(raw[2*i:])
			hex, dec = uint32(bits), fmt.Sprint(int16(bits))
		case tensor.Int32:
			bits := binary.LittleEndian.Uint32(raw[4*i:])
			hex, dec = bits, fmt.Sprint(int32(bits))
		default:
			return fmt.Errorf("write hex: %w: %v", ErrUnsupportedType, dt)
		}
		if _, err := fmt.Fprintf(bw, "hex: %10x %19s %10s\n", hex, "dec:", dec); err != nil {
			return err
		}
	}
	return bw.Flush()
}
