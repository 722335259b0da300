package main

import (
	"flag"
	"fmt"
	"math/rand/v2"

	"github.com/born-ml/cnnlnet/internal/nn"
)

func runMlp(args []string) error {
	fs := flag.NewFlagSet("mlp", flag.ContinueOnError)
	hidden := fs.Int("hidden", 32, "hidden units")
	quantize := fs.Bool("quantize", false, "quantize filters to int8")
	webgpu := fs.Bool("webgpu", false, "run kernels on WebGPU when available")
	seed := fs.Uint64("seed", 1, "random seed")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := nn.DefaultConfig()
	cfg.Quantize = *quantize
	var opts []nn.Option
	if *webgpu {
		opts = append(opts, nn.WithWebGPU())
	}
	net, err := nn.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = net.Close() }()

	const in = 784
	h := *hidden
	if err := net.SetInputShape(1, in); err != nil {
		return err
	}
	if err := net.CreateMlpLayer("fc1", []int{1, in}, []int{in, h}, []int{1, h}); err != nil {
		return err
	}
	if err := net.CreateReLULayer("relu1"); err != nil {
		return err
	}
	if err := net.CreateSoftmaxLayer("prob", []int{1, h}, 1); err != nil {
		return err
	}

	rng := rand.New(rand.NewPCG(*seed, *seed))
	if err := net.LoadParams(0, randomFloats(rng, in*h), randomFloats(rng, h)); err != nil {
		return err
	}
	if err := net.SetInputData(randomFloats(rng, in)); err != nil {
		return err
	}
	if err := net.Forward(); err != nil {
		return err
	}

	for i := 0; i < net.Size(); i++ {
		name, _ := net.LayerName(i)
		typ, _ := net.LayerType(i)
		fmt.Printf("layer %d: %-6s %v\n", i, name, typ)
	}
	for _, s := range net.Stats() {
		fmt.Printf("%-6s hardware %v interface %v\n", s.Name, s.HardwareTime, s.InterfaceTime)
	}
	if *quantize {
		p, _ := net.QuantParam(0)
		fmt.Printf("fc1 filter position %d scale %g\n", p.Position, p.Scale)
	}
	fmt.Printf("output %v: %v\n", net.OutputShape(), net.OutputData())
	return nil
}
