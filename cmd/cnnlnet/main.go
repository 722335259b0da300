// Package main provides the cnnlnet CLI.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/born-ml/cnnlnet/internal/backend/webgpu"
	"github.com/born-ml/cnnlnet/internal/logging"
	"github.com/born-ml/cnnlnet/internal/runtime"
	"github.com/born-ml/cnnlnet/internal/tensor"
)

const version = "v0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}

	if os.Getenv("CNNLNET_DEBUG") != "" {
		logging.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("cnnlnet %s\n", version)
	case "devices":
		devices()
	case "conv":
		err = runConv(os.Args[2:])
	case "mlp":
		err = runMlp(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("cnnlnet - layered inference on an accelerator device")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Commands:")
	fmt.Println("  version    Show version")
	fmt.Println("  devices    List devices and GPU executor availability")
	fmt.Println("  conv       Run one convolution and compare it with the host")
	fmt.Println("  mlp        Run a 784-32 fully connected net on random data")
	fmt.Println("")
	fmt.Println("Set CNNLNET_DEBUG=1 for debug logging.")
}

func devices() {
	fmt.Printf("Devices: %d\n", runtime.GetDeviceCount())
	if webgpu.IsAvailable() {
		fmt.Println("WebGPU:  available")
	} else {
		fmt.Println("WebGPU:  not available")
	}
}

// parseDataType maps a flag value to a data type.
func parseDataType(s string) (tensor.DataType, error) {
	switch strings.ToLower(s) {
	case "float32", "float", "f32":
		return tensor.Float32, nil
	case "half", "float16", "f16":
		return tensor.Half, nil
	case "int8":
		return tensor.Int8, nil
	case "int16":
		return tensor.Int16, nil
	case "int31":
		return tensor.Int31, nil
	default:
		return 0, fmt.Errorf("unknown data type %q", s)
	}
}
