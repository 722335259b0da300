// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn builds and runs inference networks on an accelerator device.
//
// # Overview
//
// A Net owns one device, one queue and an ordered list of layers:
//   - Convolution: 2D convolution with bias (NCHW shapes, NHWC device data)
//   - Mlp: batched matrix multiply plus bias
//   - ReLU, Softmax: activations
//   - Pool: 2D max pooling
//   - Cast: Float32 to Half and back
//   - Flatten: [N, ...] to [N, rest]
//
// Each layer writes into its own device buffer. Forward enqueues every layer,
// synchronizes the queue once and copies the last buffer back to the host.
//
// # Basic Usage
//
//	net, err := nn.New(nn.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer net.Close()
//
//	_ = net.SetInputShape(1, 784)
//	_ = net.CreateMlpLayer("fc1", []int{1, 784}, []int{784, 32}, []int{1, 32})
//	_ = net.CreateReLULayer("relu1")
//	_ = net.CreateMlpLayer("fc2", []int{1, 32}, []int{32, 10}, []int{1, 10})
//	_ = net.CreateSoftmaxLayer("prob", []int{1, 10}, 1)
//
//	_ = net.LoadParams(0, w1, b1)
//	_ = net.LoadParams(2, w2, b2)
//	_ = net.SetInputData(image)
//	if err := net.Forward(); err != nil {
//	    return err
//	}
//	probs := net.OutputData()
//
// # Quantization
//
// With Config.Quantize set, LoadParams quantizes every filter to
// Config.QuantType and uploads the dequantized values. QuantParam reports the
// position and scale that were used.
//
// # Logging
//
// Nothing is logged by default. Install a logger with SetLogger:
//
//	nn.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))
package nn
