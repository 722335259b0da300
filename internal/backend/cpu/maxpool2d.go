package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/cnnlnet/internal/parallel"
)

// PoolMode selects the pooling reduction.
type PoolMode int

const (
	// PoolMax takes the maximum of each window.
	PoolMax PoolMode = iota
	// PoolAvgIncludePad averages over the full window, padding counted as zero.
	PoolAvgIncludePad
	// PoolAvgExcludePad averages over the in-bounds elements only.
	PoolAvgExcludePad
)

// String returns the mode name.
func (m PoolMode) String() string {
	switch m {
	case PoolMax:
		return "max"
	case PoolAvgIncludePad:
		return "avg_include_pad"
	case PoolAvgExcludePad:
		return "avg_exclude_pad"
	default:
		return fmt.Sprintf("PoolMode(%d)", int(m))
	}
}

// PoolParams describes a 2D pooling window over NHWC data.
type PoolParams struct {
	N, H, W, C int
	KH, KW     int

	PadTop, PadBottom, PadLeft, PadRight int
	StrideH, StrideW                     int

	Mode PoolMode
	// PropagateNaN makes max pooling return NaN when the window holds one.
	PropagateNaN bool
}

// OutputSize returns the spatial output size.
//
//	HO = (H + pt + pb - KH) / sh + 1
//	WO = (W + pl + pr - KW) / sw + 1
//
// A dimension is 0 when the window does not fit the padded input.
func (p PoolParams) OutputSize() (ho, wo int) {
	ho = windowCount(p.H+p.PadTop+p.PadBottom, p.KH, p.StrideH)
	wo = windowCount(p.W+p.PadLeft+p.PadRight, p.KW, p.StrideW)
	return ho, wo
}

// OutputLen returns the number of output elements.
func (p PoolParams) OutputLen() int {
	ho, wo := p.OutputSize()
	return p.N * ho * wo * p.C
}

// Validate checks that the parameters describe a computable pooling.
func (p PoolParams) Validate() error {
	switch {
	case p.N <= 0 || p.H <= 0 || p.W <= 0 || p.C <= 0:
		return fmt.Errorf("pool2d: invalid input shape [%d,%d,%d,%d]", p.N, p.H, p.W, p.C)
	case p.KH <= 0 || p.KW <= 0:
		return fmt.Errorf("pool2d: invalid window %dx%d", p.KH, p.KW)
	case p.StrideH <= 0 || p.StrideW <= 0:
		return fmt.Errorf("pool2d: invalid stride %dx%d", p.StrideH, p.StrideW)
	case p.PadTop < 0 || p.PadBottom < 0 || p.PadLeft < 0 || p.PadRight < 0:
		return fmt.Errorf("pool2d: negative padding [%d,%d,%d,%d]", p.PadTop, p.PadBottom, p.PadLeft, p.PadRight)
	case p.PadTop >= p.KH || p.PadBottom >= p.KH || p.PadLeft >= p.KW || p.PadRight >= p.KW:
		return fmt.Errorf("pool2d: padding [%d,%d,%d,%d] must be smaller than window %dx%d",
			p.PadTop, p.PadBottom, p.PadLeft, p.PadRight, p.KH, p.KW)
	case p.Mode < PoolMax || p.Mode > PoolAvgExcludePad:
		return fmt.Errorf("pool2d: unknown mode %v", p.Mode)
	}

	ho, wo := p.OutputSize()
	if ho <= 0 || wo <= 0 {
		return fmt.Errorf("pool2d: invalid output dimensions %dx%d (window=%dx%d, input=%dx%d)",
			ho, wo, p.KH, p.KW, p.H, p.W)
	}
	return nil
}

// Pool2D performs 2D pooling.
//
// Input shape:  [N, H, W, C]
// Output shape: [N, HO, WO, C]
//
// Example (2x2 max pool, stride=2, single channel):
//
//	Input: [[1,2,3,4],    Output: [[6,8],
//	        [5,6,7,8],             [14,16]]
//	        [9,10,11,12],
//	        [13,14,15,16]]
func (cpu *CPUBackend) Pool2D(out, in []float32, p PoolParams) {
	if err := p.Validate(); err != nil {
		panic(err.Error())
	}
	if len(in) < p.N*p.H*p.W*p.C {
		panic(fmt.Sprintf("pool2d: input has %d elements, need %d", len(in), p.N*p.H*p.W*p.C))
	}
	if len(out) < p.OutputLen() {
		panic(fmt.Sprintf("pool2d: output has %d elements, need %d", len(out), p.OutputLen()))
	}

	ho, wo := p.OutputSize()
	windowSize := float32(p.KH * p.KW)
	negInf := float32(math.Inf(-1))

	parallel.For2D(p.N, ho, func(n, oh int) {
		for ow := 0; ow < wo; ow++ {
			outBase := ((n*ho+oh)*wo + ow) * p.C
			for c := 0; c < p.C; c++ {
				maxVal := negInf
				var sum float32
				count := 0
				sawNaN := false

				for kh := 0; kh < p.KH; kh++ {
					ih := oh*p.StrideH - p.PadTop + kh
					if ih < 0 || ih >= p.H {
						continue
					}
					for kw := 0; kw < p.KW; kw++ {
						iw := ow*p.StrideW - p.PadLeft + kw
						if iw < 0 || iw >= p.W {
							continue
						}

						v := in[((n*p.H+ih)*p.W+iw)*p.C+c]
						if v != v {
							sawNaN = true
						}
						if v > maxVal {
							maxVal = v
						}
						sum += v
						count++
					}
				}

				var result float32
				switch p.Mode {
				case PoolMax:
					switch {
					case sawNaN && p.PropagateNaN:
						result = float32(math.NaN())
					case count == 0:
						result = 0
					default:
						result = maxVal
					}
				case PoolAvgIncludePad:
					result = sum / windowSize
				case PoolAvgExcludePad:
					if count > 0 {
						result = sum / float32(count)
					}
				}
				out[outBase+c] = result
			}
		}
	}, cpu.par)
}
