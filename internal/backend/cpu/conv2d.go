package cpu

import (
	"fmt"

	"github.com/born-ml/cnnlnet/internal/parallel"
)

// ConvParams describes a 2D convolution over NHWC data.
//
// Input:  [N, H, W, C]
// Filter: [CO, KH, KW, C/Groups]
// Bias:   [CO] (optional)
// Output: [N, HO, WO, CO]
type ConvParams struct {
	N, H, W, C int
	CO, KH, KW int

	PadTop, PadBottom, PadLeft, PadRight int
	StrideH, StrideW                     int
	DilationH, DilationW                 int
	Groups                               int
}

// OutputSize returns the spatial output size.
//
//	HO = (H + pt + pb - ((KH-1)*dh + 1)) / sh + 1
//	WO = (W + pl + pr - ((KW-1)*dw + 1)) / sw + 1
//
// A dimension is 0 when the dilated window does not fit the padded input.
func (p ConvParams) OutputSize() (ho, wo int) {
	expandKH := (p.KH-1)*p.DilationH + 1
	expandKW := (p.KW-1)*p.DilationW + 1
	ho = windowCount(p.H+p.PadTop+p.PadBottom, expandKH, p.StrideH)
	wo = windowCount(p.W+p.PadLeft+p.PadRight, expandKW, p.StrideW)
	return ho, wo
}

// windowCount returns how many windows of size k fit in n with the given
// stride. Integer division truncates toward zero, so a window larger than n
// is handled before dividing.
func windowCount(n, k, stride int) int {
	if stride <= 0 || n < k {
		return 0
	}
	return (n-k)/stride + 1
}

// Validate checks that the parameters describe a computable convolution.
func (p ConvParams) Validate() error {
	switch {
	case p.N <= 0 || p.H <= 0 || p.W <= 0 || p.C <= 0:
		return fmt.Errorf("conv2d: invalid input shape [%d,%d,%d,%d]", p.N, p.H, p.W, p.C)
	case p.CO <= 0 || p.KH <= 0 || p.KW <= 0:
		return fmt.Errorf("conv2d: invalid filter shape [%d,%d,%d]", p.CO, p.KH, p.KW)
	case p.StrideH <= 0 || p.StrideW <= 0:
		return fmt.Errorf("conv2d: invalid stride %dx%d", p.StrideH, p.StrideW)
	case p.DilationH <= 0 || p.DilationW <= 0:
		return fmt.Errorf("conv2d: invalid dilation %dx%d", p.DilationH, p.DilationW)
	case p.PadTop < 0 || p.PadBottom < 0 || p.PadLeft < 0 || p.PadRight < 0:
		return fmt.Errorf("conv2d: negative padding [%d,%d,%d,%d]", p.PadTop, p.PadBottom, p.PadLeft, p.PadRight)
	case p.Groups <= 0 || p.C%p.Groups != 0 || p.CO%p.Groups != 0:
		return fmt.Errorf("conv2d: group count %d must divide input channels %d and output channels %d", p.Groups, p.C, p.CO)
	}

	ho, wo := p.OutputSize()
	if ho <= 0 || wo <= 0 {
		return fmt.Errorf("conv2d: invalid output dimensions: out_h=%d, out_w=%d (check stride/padding/dilation)", ho, wo)
	}
	return nil
}

// InputLen returns the number of input elements.
func (p ConvParams) InputLen() int { return p.N * p.H * p.W * p.C }

// FilterLen returns the number of filter elements.
func (p ConvParams) FilterLen() int { return p.CO * p.KH * p.KW * (p.C / p.Groups) }

// OutputLen returns the number of output elements.
func (p ConvParams) OutputLen() int {
	ho, wo := p.OutputSize()
	return p.N * ho * wo * p.CO
}

// Im2ColLen returns the number of float32 elements the GEMM algorithm needs as
// workspace: one column matrix for a single (batch, group) pair, reused.
func (p ConvParams) Im2ColLen() int {
	ho, wo := p.OutputSize()
	return ho * wo * p.KH * p.KW * (p.C / p.Groups)
}

// Conv2DDirect performs 2D convolution by direct accumulation.
//
// For every output element (n, oh, ow, co) in group g = co / (CO/Groups):
//
//	out = bias[co] + sum_{kh,kw,c} in[n, oh*sh - pt + kh*dh, ow*sw - pl + kw*dw, g*Cg + c] * filter[co, kh, kw, c]
//
// Input positions that fall into the padding contribute zero. bias may be nil.
func (cpu *CPUBackend) Conv2DDirect(out, in, filter, bias []float32, p ConvParams) {
	checkConvBuffers("conv2d", out, in, filter, bias, p)

	ho, wo := p.OutputSize()
	cg := p.C / p.Groups
	coPerGroup := p.CO / p.Groups

	parallel.For2D(p.N, ho, func(n, oh int) {
		for ow := 0; ow < wo; ow++ {
			outBase := ((n*ho+oh)*wo + ow) * p.CO
			for co := 0; co < p.CO; co++ {
				g := co / coPerGroup

				var sum float32
				if bias != nil {
					sum = bias[co]
				}

				for kh := 0; kh < p.KH; kh++ {
					ih := oh*p.StrideH - p.PadTop + kh*p.DilationH
					if ih < 0 || ih >= p.H {
						continue
					}
					for kw := 0; kw < p.KW; kw++ {
						iw := ow*p.StrideW - p.PadLeft + kw*p.DilationW
						if iw < 0 || iw >= p.W {
							continue
						}

						inBase := ((n*p.H+ih)*p.W+iw)*p.C + g*cg
						fBase := ((co*p.KH+kh)*p.KW + kw) * cg
						// Pre-slice both runs: one bounds check each
						src := in[inBase : inBase+cg]
						w := filter[fBase : fBase+cg]
						for c, v := range src {
							sum += v * w[c]
						}
					}
				}

				out[outBase+co] = sum
			}
		}
	}, cpu.par)
}

// Conv2DIm2Col performs 2D convolution using the im2col algorithm.
//
// Algorithm, for every batch n and group g:
//  1. Im2col: gather input patches into col [HO*WO, KH*KW*Cg], zero for padding
//  2. GEMM: out[n, :, :, co] = col @ filter[co]^T + bias[co] for co in group g
//
// The filter rows are already laid out as [CO, KH*KW*Cg], matching the column
// ordering, so no filter repacking is needed. col must hold Im2ColLen elements.
func (cpu *CPUBackend) Conv2DIm2Col(out, in, filter, bias, col []float32, p ConvParams) {
	checkConvBuffers("conv2d_im2col", out, in, filter, bias, p)
	if len(col) < p.Im2ColLen() {
		panic(fmt.Sprintf("conv2d_im2col: workspace has %d elements, need %d", len(col), p.Im2ColLen()))
	}

	ho, wo := p.OutputSize()
	cg := p.C / p.Groups
	coPerGroup := p.CO / p.Groups
	k := p.KH * p.KW * cg

	for n := 0; n < p.N; n++ {
		for g := 0; g < p.Groups; g++ {
			im2colNHWC(col, in, p, n, g, ho, wo)

			for r := 0; r < ho*wo; r++ {
				row := col[r*k : r*k+k]
				outBase := (n*ho*wo + r) * p.CO
				for co := g * coPerGroup; co < (g+1)*coPerGroup; co++ {
					w := filter[co*k : co*k+k]
					var sum float32
					if bias != nil {
						sum = bias[co]
					}
					for i, v := range row {
						sum += v * w[i]
					}
					out[outBase+co] = sum
				}
			}
		}
	}
}

// im2colNHWC fills col with the patches of batch n, group g.
// Row r = oh*WO + ow holds [kh][kw][c] for that output position.
func im2colNHWC(col, in []float32, p ConvParams, n, g, ho, wo int) {
	cg := p.C / p.Groups
	k := p.KH * p.KW * cg

	for oh := 0; oh < ho; oh++ {
		for ow := 0; ow < wo; ow++ {
			bufIdx := (oh*wo + ow) * k
			for kh := 0; kh < p.KH; kh++ {
				ih := oh*p.StrideH - p.PadTop + kh*p.DilationH
				for kw := 0; kw < p.KW; kw++ {
					iw := ow*p.StrideW - p.PadLeft + kw*p.DilationW
					dst := col[bufIdx : bufIdx+cg]
					if ih >= 0 && ih < p.H && iw >= 0 && iw < p.W {
						inBase := ((n*p.H+ih)*p.W+iw)*p.C + g*cg
						copy(dst, in[inBase:inBase+cg])
					} else {
						for i := range dst {
							dst[i] = 0
						}
					}
					bufIdx += cg
				}
			}
		}
	}
}

func checkConvBuffers(op string, out, in, filter, bias []float32, p ConvParams) {
	if err := p.Validate(); err != nil {
		panic(err.Error())
	}
	if len(in) < p.InputLen() {
		panic(fmt.Sprintf("%s: input has %d elements, need %d", op, len(in), p.InputLen()))
	}
	if len(filter) < p.FilterLen() {
		panic(fmt.Sprintf("%s: filter has %d elements, need %d", op, len(filter), p.FilterLen()))
	}
	if len(out) < p.OutputLen() {
		panic(fmt.Sprintf("%s: output has %d elements, need %d", op, len(out), p.OutputLen()))
	}
	if bias != nil && len(bias) < p.CO {
		panic(fmt.Sprintf("%s: bias has %d elements, need %d", op, len(bias), p.CO))
	}
}
