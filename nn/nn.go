// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package nn

import (
	"log/slog"

	"github.com/born-ml/cnnlnet/internal/cnnl"
	"github.com/born-ml/cnnlnet/internal/logging"
	"github.com/born-ml/cnnlnet/internal/nn"
	"github.com/born-ml/cnnlnet/internal/quant"
	"github.com/born-ml/cnnlnet/internal/tensor"
)

// Net is an ordered list of layers bound to one device queue.
type Net = nn.Net

// Config configures a Net.
type Config = nn.Config

// Option configures optional Net behavior.
type Option = nn.Option

// LayerType identifies the kind of a layer.
type LayerType = nn.LayerType

// Layer types.
const (
	Convolution = nn.Convolution
	Mlp         = nn.Mlp
	ReLU        = nn.ReLU
	Softmax     = nn.Softmax
	Pool        = nn.Pool
	Cast        = nn.Cast
	Flatten     = nn.Flatten
)

// Stats holds the timings of a layer's last forward.
type Stats = nn.Stats

// LayerStats pairs a layer's timings with its name.
type LayerStats = nn.LayerStats

// QuantParam is the fixed-point position, scale and offset of a quantized
// filter.
type QuantParam = quant.Param

// DataType is an element type of device data.
type DataType = tensor.DataType

// Data types accepted as Config.QuantType.
const (
	Int8  = tensor.Int8
	Int16 = tensor.Int16
)

// CastType selects the conversion of a cast layer.
type CastType = cnnl.CastType

// Cast layer conversions.
const (
	CastFloat32ToHalf = cnnl.CastFloat32ToHalf
	CastHalfToFloat32 = cnnl.CastHalfToFloat32
)

// ConvAlgo selects the convolution algorithm.
type ConvAlgo = cnnl.ConvolutionForwardAlgo

// Convolution algorithms.
const (
	ConvAlgoDirect = cnnl.ConvolutionFwdAlgoDirect
	ConvAlgoGEMM   = cnnl.ConvolutionFwdAlgoGEMM
)

// Errors returned by Net.
var (
	ErrInputShapeNotSet = nn.ErrInputShapeNotSet
	ErrInvalidShape     = nn.ErrInvalidShape
	ErrLayerIndex       = nn.ErrLayerIndex
	ErrNotParamLayer    = nn.ErrNotParamLayer
	ErrParamNotLoaded   = nn.ErrParamNotLoaded
	ErrParamSize        = nn.ErrParamSize
	ErrInputNotSet      = nn.ErrInputNotSet
	ErrClosed           = nn.ErrClosed
)

// New opens the configured device and returns an empty net on it.
//
// Example:
//
//	net, err := nn.New(nn.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer net.Close()
func New(cfg Config, opts ...Option) (*Net, error) {
	return nn.New(cfg, opts...)
}

// DefaultConfig returns a config for device 0 without quantization.
func DefaultConfig() Config {
	return nn.DefaultConfig()
}

// WithWebGPU runs matmul, relu and softmax kernels on a WebGPU device when one
// is available.
func WithWebGPU() Option {
	return nn.WithWebGPU()
}

// SetLogger installs l as the logger of the device runtime, the op library
// and every net. Passing nil silences logging again.
func SetLogger(l *slog.Logger) {
	logging.SetLogger(l)
}
