package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/born-ml/cnnlnet/internal/backend/cpu"
	"github.com/born-ml/cnnlnet/internal/cnnl"
	"github.com/born-ml/cnnlnet/internal/quant"
	"github.com/born-ml/cnnlnet/internal/runtime"
	"github.com/born-ml/cnnlnet/internal/tensor"
)

type convFlags struct {
	p       cpu.ConvParams
	hasBias bool
	algo    string

	inputType, weightType, outputType string
	dump                              string
	seed                              uint64
}

func parseConvFlags(args []string) (*convFlags, error) {
	f := &convFlags{}
	fs := flag.NewFlagSet("conv", flag.ContinueOnError)
	fs.IntVar(&f.p.N, "ni", 1, "input batch")
	fs.IntVar(&f.p.H, "hi", 32, "input height")
	fs.IntVar(&f.p.W, "wi", 32, "input width")
	fs.IntVar(&f.p.C, "ci", 16, "input channels")
	fs.IntVar(&f.p.CO, "co", 32, "output channels")
	fs.IntVar(&f.p.KH, "kh", 3, "kernel height")
	fs.IntVar(&f.p.KW, "kw", 3, "kernel width")
	fs.IntVar(&f.p.StrideH, "sh", 1, "stride height")
	fs.IntVar(&f.p.StrideW, "sw", 1, "stride width")
	fs.IntVar(&f.p.DilationH, "dh", 1, "dilation height")
	fs.IntVar(&f.p.DilationW, "dw", 1, "dilation width")
	fs.IntVar(&f.p.PadTop, "pt", 0, "pad top")
	fs.IntVar(&f.p.PadBottom, "pb", 0, "pad bottom")
	fs.IntVar(&f.p.PadLeft, "pl", 0, "pad left")
	fs.IntVar(&f.p.PadRight, "pr", 0, "pad right")
	fs.IntVar(&f.p.Groups, "gc", 1, "group count")
	fs.BoolVar(&f.hasBias, "hb", false, "add a bias")
	fs.StringVar(&f.algo, "algo", "direct", "algorithm: direct or gemm")
	fs.StringVar(&f.inputType, "id", "float32", "input quantization type: float32, half, int8, int16, int31")
	fs.StringVar(&f.weightType, "wd", "float32", "filter quantization type: float32, half, int8, int16, int31")
	fs.StringVar(&f.outputType, "od", "float32", "output type: float32 or half")
	fs.StringVar(&f.dump, "dump", "", "directory to write input, filter and output files to")
	fs.Uint64Var(&f.seed, "seed", 1, "random seed")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := f.p.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// castHost quantizes data to dt and returns the values the device computes
// with along with the encoded bytes.
func castHost(data []float32, dt tensor.DataType) (quant.Result, error) {
	return quant.Cast(data, dt, quant.ModePositionAndScale)
}

func randomFloats(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}

func runConv(args []string) error {
	f, err := parseConvFlags(args)
	if err != nil {
		return err
	}
	inType, err := parseDataType(f.inputType)
	if err != nil {
		return fmt.Errorf("-id: %w", err)
	}
	wType, err := parseDataType(f.weightType)
	if err != nil {
		return fmt.Errorf("-wd: %w", err)
	}
	outType, err := parseDataType(f.outputType)
	if err != nil {
		return fmt.Errorf("-od: %w", err)
	}
	if outType != tensor.Float32 && outType != tensor.Half {
		return fmt.Errorf("-od: output type %v: %w", outType, cnnl.ErrNotSupported)
	}
	algo := cnnl.ConvolutionFwdAlgoDirect
	switch f.algo {
	case "direct":
	case "gemm":
		algo = cnnl.ConvolutionFwdAlgoGEMM
	default:
		return fmt.Errorf("-algo: unknown algorithm %q", f.algo)
	}

	p := f.p
	ho, wo := p.OutputSize()
	fmt.Printf("input  [%d, %d, %d, %d] %v\n", p.N, p.H, p.W, p.C, inType)
	fmt.Printf("filter [%d, %d, %d, %d] %v\n", p.CO, p.KH, p.KW, p.C/p.Groups, wType)
	fmt.Printf("output [%d, %d, %d, %d] %v\n", p.N, ho, wo, p.CO, outType)

	rng := rand.New(rand.NewPCG(f.seed, f.seed))
	input, err := castHost(randomFloats(rng, p.InputLen()), inType)
	if err != nil {
		return fmt.Errorf("cast input: %w", err)
	}
	filter, err := castHost(randomFloats(rng, p.FilterLen()), wType)
	if err != nil {
		return fmt.Errorf("cast filter: %w", err)
	}
	var bias []float32
	if f.hasBias {
		bias = randomFloats(rng, p.CO)
	}
	fmt.Printf("input  position %d scale %g\n", input.Param.Position, input.Param.Scale)
	fmt.Printf("filter position %d scale %g\n", filter.Param.Position, filter.Param.Scale)

	tool := quant.NewTool()
	for _, t := range []struct {
		name string
		data []float32
	}{{"input", input.Dequantized}, {"filter", filter.Dequantized}} {
		common, scaled := tool.Param(t.data, t.name), tool.ScaleParam(t.data, t.name)
		fmt.Printf("%-6s int8 common position %d scale %g, scale mode %g\n", t.name, common.Position, common.Scale, scaled.Scale)
	}

	s, err := newConvSession(p, algo, input.Param, filter.Param, f.hasBias, outType)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(); cerr != nil {
			fmt.Fprintf(os.Stderr, "conv: release: %v\n", cerr)
		}
	}()

	out, raw, hwTime, ifaceTime, err := s.run(input.Dequantized, filter.Dequantized, bias)
	if err != nil {
		return err
	}

	start := time.Now()
	ref := make([]float32, p.OutputLen())
	cpu.New().Conv2DDirect(ref, input.Dequantized, filter.Dequantized, bias, p)
	hostTime := time.Since(start)

	fmt.Printf("hardware time:  %v\n", hwTime)
	fmt.Printf("interface time: %v\n", ifaceTime)
	fmt.Printf("host time:      %v\n", hostTime)
	fmt.Printf("diff1: %.6g\n", quant.Diff1(ref, out))
	fmt.Printf("diff2: %.6g\n", quant.Diff2(ref, out))

	if f.dump == "" {
		return nil
	}
	return dumpConv(f.dump, input, filter, ref, raw, outType)
}

func dumpConv(dir string, input, filter quant.Result, ref []float32, raw []byte, outType tensor.DataType) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	files := []struct {
		name  string
		write func(f *os.File) error
	}{
		{"input.txt", func(f *os.File) error { return quant.WriteFloats(f, input.Dequantized) }},
		{"filter.txt", func(f *os.File) error { return quant.WriteFloats(f, filter.Dequantized) }},
		{"cpu_output.txt", func(f *os.File) error { return quant.WriteFloats(f, ref) }},
		{"device_output_hex.txt", func(f *os.File) error { return quant.WriteHex(f, raw, outType, len(ref)) }},
	}
	for _, file := range files {
		path := filepath.Join(dir, file.name)
		fh, err := os.Create(path) //nolint:gosec // G304: path is built from a user-chosen directory
		if err != nil {
			return err
		}
		werr := file.write(fh)
		cerr := fh.Close()
		if werr != nil {
			return fmt.Errorf("write %s: %w", path, werr)
		}
		if cerr != nil {
			return cerr
		}
	}
	fmt.Printf("dumped to %s\n", dir)
	return nil
}
