package nn

import (
	"errors"
	"fmt"
	"sync"

	"github.com/born-ml/cnnlnet/internal/backend/webgpu"
	"github.com/born-ml/cnnlnet/internal/cnnl"
	"github.com/born-ml/cnnlnet/internal/logging"
	"github.com/born-ml/cnnlnet/internal/quant"
	"github.com/born-ml/cnnlnet/internal/runtime"
	"github.com/born-ml/cnnlnet/internal/tensor"
)

// Config configures a Net.
type Config struct {
	// Device is the ordinal of the device to open.
	Device int

	// MemoryLimit caps device allocations in bytes. Zero means unlimited.
	MemoryLimit uint64

	// Quantize makes LoadParams quantize filters to QuantType and upload the
	// dequantized values, so the net sees the precision loss of the cast.
	Quantize  bool
	QuantType tensor.DataType

	// ConvAlgo selects the convolution algorithm of every conv layer.
	ConvAlgo cnnl.ConvolutionForwardAlgo
}

// DefaultConfig returns a config for device 0 without quantization.
func DefaultConfig() Config {
	return Config{
		Device:    0,
		QuantType: tensor.Int8,
		ConvAlgo:  cnnl.ConvolutionFwdAlgoDirect,
	}
}

// Option configures optional Net behavior.
type Option func(*options)

type options struct {
	executor cnnl.Executor
	webgpu   bool
}

// WithExecutor runs matmul, relu and softmax kernels on e.
func WithExecutor(e cnnl.Executor) Option {
	return func(o *options) {
		o.executor = e
	}
}

// WithWebGPU runs matmul, relu and softmax kernels on a WebGPU device when one
// is available, and on the CPU otherwise.
func WithWebGPU() Option {
	return func(o *options) {
		o.webgpu = true
	}
}

type entry struct {
	layer  Layer
	name   string
	typ    LayerType
	loaded bool
	param  quant.Param
}

// LayerStats pairs a layer's timings with its name.
type LayerStats struct {
	Name string
	Type LayerType
	Stats
}

// Net is an ordered list of layers bound to one device queue.
//
// At most one inference runs at a time: Forward, SetInputData and LoadParams
// serialize on the net's mutex.
type Net struct {
	mu sync.Mutex

	cfg    Config
	dev    *runtime.Device
	queue  *runtime.Queue
	handle *cnnl.Handle
	gpu    *webgpu.Backend

	layers []*entry

	inputShape  tensor.Shape
	outputShape tensor.Shape
	outputType  tensor.DataType

	inputPtr  runtime.Ptr
	inputSize int
	output    []float32

	closed bool
}

// New opens the configured device, creates a queue and a handle bound to it.
func New(cfg Config, opts ...Option) (n *Net, err error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if cfg.QuantType == 0 && cfg.Quantize {
		cfg.QuantType = tensor.Int8
	}

	dev, err := runtime.Open(cfg.Device, runtime.WithMemoryLimit(cfg.MemoryLimit))
	if err != nil {
		return nil, fmt.Errorf("nn: open device: %w", err)
	}
	n = &Net{cfg: cfg, dev: dev, outputType: tensor.Float32}
	defer func() {
		if err != nil {
			_ = n.teardown()
			n = nil
		}
	}()

	if n.queue, err = dev.NewQueue(); err != nil {
		return n, fmt.Errorf("nn: create queue: %w", err)
	}

	exec := o.executor
	if exec == nil && o.webgpu {
		gpu, gerr := webgpu.New()
		if gerr != nil {
			logging.Logger().Warn("webgpu executor unavailable, using CPU", "err", gerr)
		} else {
			n.gpu = gpu
			exec = gpu
		}
	}
	var hopts []cnnl.Option
	if exec != nil {
		hopts = append(hopts, cnnl.WithExecutor(exec))
	}

	if n.handle, err = cnnl.Create(dev, hopts...); err != nil {
		return n, fmt.Errorf("nn: create handle: %w", err)
	}
	if err = n.handle.SetQueue(n.queue); err != nil {
		return n, fmt.Errorf("nn: bind queue: %w", err)
	}

	logging.Logger().Info("net ready", "device", cfg.Device, "executor", n.handle.Executor().Name())
	return n, nil
}

// Handle returns the op library handle the net's layers run on.
func (n *Net) Handle() *cnnl.Handle { return n.handle }

// SetInputShape sets the input shape (rank 2 or 4) and resets the tracked
// output shape to it.
func (n *Net) SetInputShape(dims ...int) error {
	shape := tensor.Shape(dims).Clone()
	if len(shape) != 2 && len(shape) != 4 {
		return fmt.Errorf("set input shape: rank %d, want 2 or 4: %w", len(shape), ErrInvalidShape)
	}
	if err := shape.Validate(); err != nil {
		return fmt.Errorf("set input shape: %w: %w", ErrInvalidShape, err)
	}
	n.inputShape = shape
	n.outputShape = shape.Clone()
	return nil
}

// SetOutputShape overrides the tracked output shape (rank 2 to 4).
func (n *Net) SetOutputShape(dims ...int) error {
	shape := tensor.Shape(dims).Clone()
	if err := checkRank("set output shape", shape, 2, 4); err != nil {
		return err
	}
	n.outputShape = shape
	return nil
}

// InputShape returns the input shape, or nil when unset.
func (n *Net) InputShape() tensor.Shape { return n.inputShape.Clone() }

// OutputShape returns the tracked output shape.
func (n *Net) OutputShape() tensor.Shape { return n.outputShape.Clone() }

func (n *Net) add(name string, typ LayerType, l Layer) {
	n.layers = append(n.layers, &entry{layer: l, name: name, typ: typ, param: quant.Identity})
	n.outputShape = l.OutputShape()
}

// currentShape is the input of a layer created without an explicit shape:
// the input shape for the first layer, the tracked output shape after that.
func (n *Net) currentShape() (tensor.Shape, error) {
	shape := n.outputShape
	if len(n.layers) == 0 {
		shape = n.inputShape
	}
	if len(shape) == 0 {
		return nil, ErrInputShapeNotSet
	}
	return shape.Clone(), nil
}

// CreateConvLayer appends a square convolution with bias. inputShape is
// [N, C, H, W] and the output is [N, outChannels, Ho, Wo] with
//
//	Ho = (H + 2*pad - ((kernel-1)*dilation + 1)) / stride + 1
func (n *Net) CreateConvLayer(name string, inputShape []int, outChannels, kernel, stride, dilation, pad int) error {
	if err := n.usable(); err != nil {
		return err
	}
	l, err := NewConvLayer(n.handle, ConvConfig{
		InputShape:    tensor.Shape(inputShape).Clone(),
		OutChannels:   outChannels,
		Kernel:        [2]int{kernel, kernel},
		Stride:        [2]int{stride, stride},
		Dilation:      [2]int{dilation, dilation},
		Pad:           [4]int{pad, pad, pad, pad},
		InputPosition: 0,
		InputScale:    1,
		Algo:          n.cfg.ConvAlgo,
	})
	if err != nil {
		return fmt.Errorf("create conv layer %q: %w", name, err)
	}
	n.add(name, Convolution, l)
	return nil
}

// CreateMlpLayer appends a fully connected layer.
func (n *Net) CreateMlpLayer(name string, inputShape, weightShape, outputShape []int) error {
	if err := n.usable(); err != nil {
		return err
	}
	l, err := NewMlpLayer(n.handle, tensor.Shape(inputShape), tensor.Shape(weightShape), tensor.Shape(outputShape))
	if err != nil {
		return fmt.Errorf("create mlp layer %q: %w", name, err)
	}
	n.add(name, Mlp, l)
	return nil
}

// CreateReLULayer appends a ReLU over the current shape.
func (n *Net) CreateReLULayer(name string) error {
	if err := n.usable(); err != nil {
		return err
	}
	shape, err := n.currentShape()
	if err != nil {
		return fmt.Errorf("create relu layer %q: %w", name, err)
	}
	l, err := NewReLULayer(n.handle, shape)
	if err != nil {
		return fmt.Errorf("create relu layer %q: %w", name, err)
	}
	n.add(name, ReLU, l)
	return nil
}

// CreateSoftmaxLayer appends a softmax over axis of inputShape.
func (n *Net) CreateSoftmaxLayer(name string, inputShape []int, axis int) error {
	if err := n.usable(); err != nil {
		return err
	}
	l, err := NewSoftmaxLayer(n.handle, tensor.Shape(inputShape), axis)
	if err != nil {
		return fmt.Errorf("create softmax layer %q: %w", name, err)
	}
	n.add(name, Softmax, l)
	return nil
}

// CreatePoolingLayer appends a square max pooling over inputShape
// ([N, C, H, W]).
func (n *Net) CreatePoolingLayer(name string, inputShape []int, kernel, stride int) error {
	if err := n.usable(); err != nil {
		return err
	}
	l, err := NewPoolingLayer(n.handle, tensor.Shape(inputShape), [2]int{kernel, kernel}, [2]int{stride, stride})
	if err != nil {
		return fmt.Errorf("create pooling layer %q: %w", name, err)
	}
	n.add(name, Pool, l)
	return nil
}

// CreateCastLayer appends a Float32<->Half conversion over the current shape.
func (n *Net) CreateCastLayer(name string, cast cnnl.CastType) error {
	if err := n.usable(); err != nil {
		return err
	}
	shape, err := n.currentShape()
	if err != nil {
		return fmt.Errorf("create cast layer %q: %w", name, err)
	}
	l, err := NewCastLayer(n.handle, shape, cast)
	if err != nil {
		return fmt.Errorf("create cast layer %q: %w", name, err)
	}
	n.add(name, Cast, l)
	if cast == cnnl.CastFloat32ToHalf {
		n.outputType = tensor.Half
	} else {
		n.outputType = tensor.Float32
	}
	return nil
}

// CreateFlattenLayer appends a flatten over the current shape.
func (n *Net) CreateFlattenLayer(name string) error {
	if err := n.usable(); err != nil {
		return err
	}
	shape, err := n.currentShape()
	if err != nil {
		return fmt.Errorf("create flatten layer %q: %w", name, err)
	}
	l, err := NewFlattenLayer(n.handle, shape)
	if err != nil {
		return fmt.Errorf("create flatten layer %q: %w", name, err)
	}
	n.add(name, Flatten, l)
	return nil
}

func (n *Net) layerAt(id int) (*entry, error) {
	if id < 0 || id >= len(n.layers) {
		return nil, fmt.Errorf("layer %d of %d: %w", id, len(n.layers), ErrLayerIndex)
	}
	return n.layers[id], nil
}

// LoadParams copies a filter and a bias into a conv or mlp layer.
func (n *Net) LoadParams(id int, filter, bias []float32) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.usable(); err != nil {
		return err
	}
	e, err := n.layerAt(id)
	if err != nil {
		return fmt.Errorf("load params: %w", err)
	}
	pl, ok := e.layer.(ParamLayer)
	if !ok {
		return fmt.Errorf("load params: layer %q is %v: %w", e.name, e.typ, ErrNotParamLayer)
	}

	param := quant.Identity
	if n.cfg.Quantize {
		res, err := quant.Cast(filter, n.cfg.QuantType, quant.ModePositionAndScale)
		if err != nil {
			return fmt.Errorf("load params: quantize %q: %w", e.name, err)
		}
		filter, param = res.Dequantized, res.Param
	}

	if err := pl.LoadParams(filter, bias, param.Position, param.Scale); err != nil {
		return fmt.Errorf("load params: layer %q: %w", e.name, err)
	}
	e.loaded, e.param = true, param
	logging.Logger().Info("params loaded", "layer", e.name, "position", param.Position, "scale", param.Scale)
	return nil
}

// SetInputData copies data into the device input buffer, reusing the buffer
// when its size is unchanged.
func (n *Net) SetInputData(data []float32) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.usable(); err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("set input data: empty input: %w", ErrInvalidShape)
	}
	if len(n.inputShape) > 0 && len(data) != n.inputShape.NumElements() {
		return fmt.Errorf("set input data: %d values for input shape %v: %w", len(data), n.inputShape, ErrInvalidShape)
	}

	size := len(data) * 4
	if !n.inputPtr.IsNil() && n.inputSize != size {
		if err := n.dev.Free(n.inputPtr); err != nil {
			return fmt.Errorf("set input data: %w", err)
		}
		n.inputPtr, n.inputSize = 0, 0
	}
	if n.inputPtr.IsNil() {
		p, err := n.dev.Malloc(size)
		if err != nil {
			return fmt.Errorf("set input data: %w", err)
		}
		n.inputPtr, n.inputSize = p, size
	}
	if err := copyIn(n.dev, n.inputPtr, data); err != nil {
		return fmt.Errorf("set input data: %w", err)
	}
	return nil
}

// Forward runs every layer in order, synchronizes the queue once and copies
// the final buffer back to the host.
func (n *Net) Forward() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.usable(); err != nil {
		return err
	}
	if n.inputPtr.IsNil() {
		return fmt.Errorf("forward: %w", ErrInputNotSet)
	}

	ptr := n.inputPtr
	for _, e := range n.layers {
		if _, ok := e.layer.(ParamLayer); ok && !e.loaded {
			return fmt.Errorf("forward: layer %q: %w", e.name, ErrParamNotLoaded)
		}
		next, err := e.layer.Forward(ptr)
		if err != nil {
			// Drain whatever was enqueued before the failure.
			_ = n.queue.Sync()
			return fmt.Errorf("forward: layer %q: %w", e.name, err)
		}
		ptr = next
	}

	if err := n.queue.Sync(); err != nil {
		return fmt.Errorf("forward: %w", err)
	}

	count := n.outputShape.NumElements()
	raw := make([]byte, count*n.outputType.Size())
	if err := n.dev.MemcpyDeviceToHost(raw, ptr); err != nil {
		return fmt.Errorf("forward: copy output: %w", err)
	}

	if n.outputType == tensor.Half {
		out, err := quant.DecodeHalf(raw, count)
		if err != nil {
			return fmt.Errorf("forward: %w", err)
		}
		n.output = out
		return nil
	}
	n.output = make([]float32, count)
	copy(n.output, tensor.BytesAsFloat32(raw))
	return nil
}

// OutputData returns a copy of the last Forward's output.
func (n *Net) OutputData() []float32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]float32, len(n.output))
	copy(out, n.output)
	return out
}

// Size returns the number of layers.
func (n *Net) Size() int { return len(n.layers) }

// LayerName returns the name of layer id.
func (n *Net) LayerName(id int) (string, error) {
	e, err := n.layerAt(id)
	if err != nil {
		return "", err
	}
	return e.name, nil
}

// LayerType returns the type of layer id.
func (n *Net) LayerType(id int) (LayerType, error) {
	e, err := n.layerAt(id)
	if err != nil {
		return 0, err
	}
	return e.typ, nil
}

// NeedToBeQuantized reports whether layer id carries parameters.
func (n *Net) NeedToBeQuantized(id int) (bool, error) {
	e, err := n.layerAt(id)
	if err != nil {
		return false, err
	}
	return e.typ == Convolution || e.typ == Mlp, nil
}

// QuantParam returns the filter quantization parameters recorded by the last
// LoadParams of layer id.
func (n *Net) QuantParam(id int) (quant.Param, error) {
	e, err := n.layerAt(id)
	if err != nil {
		return quant.Param{}, err
	}
	return e.param, nil
}

// Stats returns the timings of every layer's last forward.
func (n *Net) Stats() []LayerStats {
	stats := make([]LayerStats, len(n.layers))
	for i, e := range n.layers {
		stats[i] = LayerStats{Name: e.name, Type: e.typ, Stats: e.layer.Stats()}
	}
	return stats
}

func (n *Net) usable() error {
	if n.closed {
		return ErrClosed
	}
	return nil
}

// Close destroys every layer in reverse order, frees the input buffer and
// releases the handle, the queue and the device.
func (n *Net) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrClosed
	}
	err := n.teardown()
	n.closed = true
	return err
}

func (n *Net) teardown() error {
	var errs []error
	for i := len(n.layers) - 1; i >= 0; i-- {
		if err := n.layers[i].layer.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("destroy layer %q: %w", n.layers[i].name, err))
		}
	}
	n.layers = nil

	if !n.inputPtr.IsNil() {
		if err := n.dev.Free(n.inputPtr); err != nil {
			errs = append(errs, err)
		}
		n.inputPtr, n.inputSize = 0, 0
	}
	if n.handle != nil {
		if err := n.handle.Destroy(); err != nil {
			errs = append(errs, err)
		}
		n.handle = nil
	}
	if n.queue != nil {
		if err := n.queue.Destroy(); err != nil {
			errs = append(errs, err)
		}
		n.queue = nil
	}
	if n.gpu != nil {
		n.gpu.Release()
		n.gpu = nil
	}
	if err := n.dev.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
