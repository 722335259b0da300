package cnnl

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/cnnlnet/internal/runtime"
	"github.com/born-ml/cnnlnet/internal/tensor"
)

type fixture struct {
	t     *testing.T
	dev   *runtime.Device
	queue *runtime.Queue
	h     *Handle
	ptrs  []runtime.Ptr
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	dev, err := runtime.Open(0)
	require.NoError(t, err)
	q, err := dev.NewQueue()
	require.NoError(t, err)
	h, err := Create(dev, opts...)
	require.NoError(t, err)
	require.NoError(t, h.SetQueue(q))

	f := &fixture{t: t, dev: dev, queue: q, h: h}
	t.Cleanup(func() {
		for _, p := range f.ptrs {
			assert.NoError(t, dev.Free(p))
		}
		assert.NoError(t, q.Destroy())
		assert.NoError(t, dev.Close())
	})
	return f
}

func (f *fixture) alloc(size int) runtime.Ptr {
	f.t.Helper()
	p, err := f.dev.Malloc(size)
	require.NoError(f.t, err)
	f.ptrs = append(f.ptrs, p)
	return p
}

func (f *fixture) upload(data []float32) runtime.Ptr {
	f.t.Helper()
	p := f.alloc(len(data) * 4)
	require.NoError(f.t, f.dev.MemcpyHostToDevice(p, tensor.Float32Bytes(data)))
	return p
}

func (f *fixture) download(p runtime.Ptr, n int) []float32 {
	f.t.Helper()
	require.NoError(f.t, f.queue.Sync())
	buf := make([]byte, n*4)
	require.NoError(f.t, f.dev.MemcpyDeviceToHost(buf, p))
	return tensor.BytesAsFloat32(buf)
}

func desc(t *testing.T, layout tensor.Layout, dtype tensor.DataType, dims ...int) *TensorDescriptor {
	t.Helper()
	d, err := NewTensorDescriptor(layout, dtype, dims...)
	require.NoError(t, err)
	return d
}

func TestHandleLifecycle(t *testing.T) {
	dev, err := runtime.Open(0)
	require.NoError(t, err)
	defer dev.Close()

	h, err := Create(dev)
	require.NoError(t, err)
	assert.Nil(t, h.Queue())
	assert.Equal(t, "CPU", h.Executor().Name())

	x := desc(t, tensor.Array, tensor.Float32, 4)
	act, err := NewActivationDescriptor(ActivationReLU, NotPropagateNaN, 0)
	require.NoError(t, err)
	err = h.ActivationForward(act, 1, x, runtime.Ptr(1), 0, x, runtime.Ptr(1))
	assert.ErrorIs(t, err, ErrBadParam, "ops need a queue")

	other, err := runtime.Open(0)
	require.NoError(t, err)
	defer other.Close()
	foreign, err := other.NewQueue()
	require.NoError(t, err)
	defer foreign.Destroy()
	assert.ErrorIs(t, h.SetQueue(foreign), ErrBadParam)

	require.NoError(t, h.Destroy())
	assert.ErrorIs(t, h.Destroy(), ErrBadParam)

	_, err = Create(nil)
	assert.ErrorIs(t, err, ErrBadParam)
}

func TestTensorDescriptor(t *testing.T) {
	d := desc(t, tensor.NHWC, tensor.Int8, 1, 2, 3, 4)
	assert.Equal(t, 24, d.NumElements())
	assert.Equal(t, 24, d.SizeInBytes())
	assert.Equal(t, tensor.Shape{1, 2, 3, 4}, d.Dims())

	pos, scale := d.PositionAndScale()
	assert.Equal(t, 0, pos)
	assert.Equal(t, float32(1), scale)

	require.NoError(t, d.SetPositionAndScale(-3, 1.5))
	pos, scale = d.PositionAndScale()
	assert.Equal(t, -3, pos)
	assert.Equal(t, float32(1.5), scale)
	assert.ErrorIs(t, d.SetPositionAndScale(0, 0), ErrBadParam)

	_, err := NewTensorDescriptor(tensor.NHWC, tensor.Float32, 2, 3)
	assert.ErrorIs(t, err, ErrBadParam)
	_, err = NewTensorDescriptor(tensor.Array, tensor.Float32)
	assert.ErrorIs(t, err, ErrBadParam)
	_, err = NewTensorDescriptor(tensor.Array, tensor.Float32, 1, 2, 3, 4, 5, 6, 7, 8, 9)
	assert.ErrorIs(t, err, ErrBadParam)
	_, err = NewTensorDescriptor(tensor.Array, tensor.Float32, 2, 0)
	assert.ErrorIs(t, err, ErrBadParam)

	require.NoError(t, d.Destroy())
	assert.ErrorIs(t, d.Destroy(), ErrBadParam)
}

func TestConvolutionForward(t *testing.T) {
	f := newFixture(t)

	x := desc(t, tensor.NHWC, tensor.Float32, 1, 3, 3, 1)
	w := desc(t, tensor.NHWC, tensor.Float32, 1, 2, 2, 1)
	b := desc(t, tensor.Array, tensor.Float32, 1)
	conv, err := NewConvolutionDescriptor([4]int{}, [2]int{1, 1}, [2]int{1, 1}, 1, tensor.Float32)
	require.NoError(t, err)

	dims, err := conv.OutputDims(x, w)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 2, 2, 1}, dims)
	y := desc(t, tensor.NHWC, tensor.Float32, dims...)

	xPtr := f.upload([]float32{1, 2, 3, 4, 5, 6, 7, 8, 9})
	wPtr := f.upload([]float32{1, 1, 1, 1})
	bPtr := f.upload([]float32{1})

	for _, algo := range []ConvolutionForwardAlgo{ConvolutionFwdAlgoDirect, ConvolutionFwdAlgoGEMM} {
		t.Run(algo.String(), func(t *testing.T) {
			size, err := f.h.GetConvolutionForwardWorkspaceSize(x, w, y, conv, algo)
			require.NoError(t, err)
			var ws runtime.Ptr
			if size > 0 {
				ws = f.alloc(size)
			}
			yPtr := f.alloc(y.SizeInBytes())

			require.NoError(t, f.h.ConvolutionForward(conv, algo, x, xPtr, w, wPtr, b, bPtr, ws, size, y, yPtr))
			assert.Equal(t, []float32{13, 17, 25, 29}, f.download(yPtr, 4))

			require.NoError(t, f.h.ConvolutionForward(conv, algo, x, xPtr, w, wPtr, nil, 0, ws, size, y, yPtr))
			assert.Equal(t, []float32{12, 16, 24, 28}, f.download(yPtr, 4))
		})
	}
}

func TestConvolutionForwardRejects(t *testing.T) {
	f := newFixture(t)

	x := desc(t, tensor.NHWC, tensor.Float32, 1, 4, 4, 2)
	w := desc(t, tensor.NHWC, tensor.Float32, 3, 3, 3, 2)
	conv, err := NewConvolutionDescriptor([4]int{1, 1, 1, 1}, [2]int{1, 1}, [2]int{1, 1}, 1, tensor.Float32)
	require.NoError(t, err)
	xPtr := f.alloc(x.SizeInBytes())
	wPtr := f.alloc(w.SizeInBytes())

	wrong := desc(t, tensor.NHWC, tensor.Float32, 1, 3, 3, 3)
	wrongPtr := f.alloc(wrong.SizeInBytes())
	err = f.h.ConvolutionForward(conv, ConvolutionFwdAlgoDirect, x, xPtr, w, wPtr, nil, 0, 0, 0, wrong, wrongPtr)
	assert.ErrorIs(t, err, ErrBadParam, "output dims")

	y := desc(t, tensor.NHWC, tensor.Float32, 1, 4, 4, 3)
	yPtr := f.alloc(y.SizeInBytes())
	err = f.h.ConvolutionForward(conv, ConvolutionFwdAlgoGEMM, x, xPtr, w, wPtr, nil, 0, 0, 0, y, yPtr)
	assert.ErrorIs(t, err, ErrBadParam, "missing workspace")

	bias := desc(t, tensor.Array, tensor.Float32, 2)
	biasPtr := f.alloc(bias.SizeInBytes())
	err = f.h.ConvolutionForward(conv, ConvolutionFwdAlgoDirect, x, xPtr, w, wPtr, bias, biasPtr, 0, 0, y, yPtr)
	assert.ErrorIs(t, err, ErrBadParam, "bias length")

	half := desc(t, tensor.NHWC, tensor.Half, 1, 4, 4, 2)
	err = f.h.ConvolutionForward(conv, ConvolutionFwdAlgoDirect, half, xPtr, w, wPtr, nil, 0, 0, 0, y, yPtr)
	assert.ErrorIs(t, err, ErrNotSupported)

	err = f.h.ConvolutionForward(conv, ConvolutionFwdAlgoDirect, x, 0, w, wPtr, nil, 0, 0, 0, y, yPtr)
	assert.ErrorIs(t, err, ErrBadParam, "nil input")

	grouped, err := NewConvolutionDescriptor([4]int{}, [2]int{1, 1}, [2]int{1, 1}, 2, tensor.Float32)
	require.NoError(t, err)
	_, err = grouped.OutputDims(x, w)
	assert.ErrorIs(t, err, ErrBadParam, "filter channels times groups must match input")

	_, err = NewConvolutionDescriptor([4]int{}, [2]int{0, 1}, [2]int{1, 1}, 1, tensor.Float32)
	assert.ErrorIs(t, err, ErrBadParam)
	_, err = NewConvolutionDescriptor([4]int{}, [2]int{1, 1}, [2]int{1, 1}, 1, tensor.Half)
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestPoolingForward(t *testing.T) {
	f := newFixture(t)

	x := desc(t, tensor.NHWC, tensor.Float32, 1, 2, 2, 1)
	xPtr := f.upload([]float32{1, 2, 3, 4})

	tests := []struct {
		mode PoolingMode
		want float32
	}{
		{PoolingMax, 4},
		{PoolingAverageCountIncludePadding, 2.5},
		{PoolingAverageCountExcludePadding, 2.5},
	}
	for _, tt := range tests {
		pool, err := NewPooling2DDescriptor(tt.mode, NotPropagateNaN, [2]int{2, 2}, [4]int{}, [2]int{2, 2})
		require.NoError(t, err)
		dims, err := pool.OutputDims(x)
		require.NoError(t, err)
		require.Equal(t, tensor.Shape{1, 1, 1, 1}, dims)

		y := desc(t, tensor.NHWC, tensor.Float32, dims...)
		size, err := f.h.GetPoolingWorkspaceSize(pool, x)
		require.NoError(t, err)
		assert.Zero(t, size)

		yPtr := f.alloc(4)
		require.NoError(t, f.h.PoolingForward(pool, 1, x, xPtr, 0, y, yPtr, 0, 0))
		assert.Equal(t, []float32{tt.want}, f.download(yPtr, 1))
	}
}

func TestActivationForwardBlend(t *testing.T) {
	f := newFixture(t)

	x := desc(t, tensor.Array, tensor.Float32, 4)
	xPtr := f.upload([]float32{-1, 2, -3, 4})
	yPtr := f.upload([]float32{1, 1, 1, 1})

	relu, err := NewActivationDescriptor(ActivationReLU, NotPropagateNaN, 0)
	require.NoError(t, err)
	require.NoError(t, f.h.ActivationForward(relu, 2, x, xPtr, 1, x, yPtr))
	assert.Equal(t, []float32{1, 5, 1, 9}, f.download(yPtr, 4))

	relu6, err := NewActivationDescriptor(ActivationReLU6, NotPropagateNaN, 3)
	require.NoError(t, err)
	require.NoError(t, f.h.ActivationForward(relu6, 1, x, xPtr, 0, x, yPtr))
	assert.Equal(t, []float32{0, 2, 0, 3}, f.download(yPtr, 4))

	other := desc(t, tensor.Array, tensor.Float32, 2, 2)
	assert.ErrorIs(t, f.h.ActivationForward(relu, 1, x, xPtr, 0, other, yPtr), ErrBadParam)
}

func TestSoftmaxForward(t *testing.T) {
	f := newFixture(t)

	x := desc(t, tensor.Array, tensor.Float32, 2, 2)
	xPtr := f.upload([]float32{0, 0, 1, 1})
	yPtr := f.alloc(x.SizeInBytes())

	require.NoError(t, f.h.SoftmaxForward(SoftmaxAccurate, SoftmaxModeLowDimension, 1, x, xPtr, 0, x, yPtr))
	assert.InDeltaSlice(t, []float32{0.5, 0.5, 0.5, 0.5}, f.download(yPtr, 4), 1e-6)

	require.NoError(t, f.h.SoftmaxForward(SoftmaxAccurate, SoftmaxModeHighDimension, 1, x, xPtr, 0, x, yPtr))
	lo := float32(1 / (1 + math.E))
	assert.InDeltaSlice(t, []float32{lo, lo, 1 - lo, 1 - lo}, f.download(yPtr, 4), 1e-6)

	require.NoError(t, f.h.SoftmaxForward(SoftmaxLog, SoftmaxModeLowDimension, 1, x, xPtr, 0, x, yPtr))
	ln2 := float32(-math.Ln2)
	assert.InDeltaSlice(t, []float32{ln2, ln2, ln2, ln2}, f.download(yPtr, 4), 1e-6)

	assert.Equal(t, SoftmaxModeLowDimension, SoftmaxModeForAxis(2, 3))
	assert.Equal(t, SoftmaxModeHighDimension, SoftmaxModeForAxis(0, 3))
	assert.Equal(t, SoftmaxModeMediumDimension, SoftmaxModeForAxis(1, 3))
}

func TestBiasAdd(t *testing.T) {
	f := newFixture(t)

	out := desc(t, tensor.Array, tensor.Float32, 2, 2)
	bias := desc(t, tensor.Array, tensor.Float32, 2)
	outPtr := f.upload([]float32{1, 2, 3, 4})
	biasPtr := f.upload([]float32{10, 20})

	size, err := f.h.GetBiasAddWorkspaceSize(bias, out)
	require.NoError(t, err)
	assert.Zero(t, size)

	require.NoError(t, f.h.BiasAdd(1, bias, biasPtr, 0, 0, 1, out, outPtr))
	assert.Equal(t, []float32{11, 22, 13, 24}, f.download(outPtr, 4))

	long := desc(t, tensor.Array, tensor.Float32, 3)
	_, err = f.h.GetBiasAddWorkspaceSize(long, out)
	assert.ErrorIs(t, err, ErrBadParam)
}

func TestBatchMatMulBroadcast(t *testing.T) {
	f := newFixture(t)

	a := desc(t, tensor.Array, tensor.Float32, 2, 2, 3)
	b := desc(t, tensor.Array, tensor.Float32, 3, 2)
	c := desc(t, tensor.Array, tensor.Float32, 2, 2, 2)

	aPtr := f.upload([]float32{
		1, 2, 3, 4, 5, 6,
		1, 0, 0, 0, 1, 0,
	})
	bPtr := f.upload([]float32{1, 0, 0, 1, 1, 1})
	cPtr := f.alloc(c.SizeInBytes())

	require.NoError(t, f.h.BatchMatMul(false, false, a, aPtr, b, bPtr, c, cPtr))
	assert.Equal(t, []float32{4, 5, 10, 11, 1, 0, 0, 1}, f.download(cPtr, 8))

	// b^T stored as [2, 3].
	bt := desc(t, tensor.Array, tensor.Float32, 2, 3)
	btPtr := f.upload([]float32{1, 0, 1, 0, 1, 1})
	require.NoError(t, f.h.BatchMatMul(false, true, a, aPtr, bt, btPtr, c, cPtr))
	assert.Equal(t, []float32{4, 5, 10, 11, 1, 0, 0, 1}, f.download(cPtr, 8))

	err := f.h.BatchMatMul(false, false, a, aPtr, bt, btPtr, c, cPtr)
	assert.ErrorIs(t, err, ErrBadParam, "inner dimensions")

	vec := desc(t, tensor.Array, tensor.Float32, 3)
	err = f.h.BatchMatMul(false, false, vec, aPtr, b, bPtr, c, cPtr)
	assert.ErrorIs(t, err, ErrBadParam, "rank 1")
}

func TestCastDataType(t *testing.T) {
	f := newFixture(t)

	x := desc(t, tensor.Array, tensor.Float32, 3)
	h := desc(t, tensor.Array, tensor.Half, 3)
	xPtr := f.upload([]float32{0.5, -2, 1024})
	hPtr := f.alloc(h.SizeInBytes())
	backPtr := f.alloc(x.SizeInBytes())

	require.NoError(t, f.h.CastDataType(x, xPtr, CastFloat32ToHalf, h, hPtr))
	require.NoError(t, f.h.CastDataType(h, hPtr, CastHalfToFloat32, x, backPtr))
	assert.Equal(t, []float32{0.5, -2, 1024}, f.download(backPtr, 3))

	q := desc(t, tensor.Array, tensor.Int8, 3)
	require.NoError(t, q.SetPositionAndScale(0, 1))
	qPtr := f.alloc(q.SizeInBytes())
	src := f.upload([]float32{1.4, -3.6, 300})
	require.NoError(t, f.h.CastDataType(x, src, CastFloat32ToInt8, q, qPtr))
	require.NoError(t, f.queue.Sync())
	raw := make([]byte, 3)
	require.NoError(t, f.dev.MemcpyDeviceToHost(raw, qPtr))
	assert.Equal(t, []int8{1, -4, 127}, []int8{int8(raw[0]), int8(raw[1]), int8(raw[2])})

	require.NoError(t, f.h.CastDataType(q, qPtr, CastInt8ToFloat32, x, backPtr))
	assert.Equal(t, []float32{1, -4, 127}, f.download(backPtr, 3))

	err := f.h.CastDataType(x, xPtr, CastHalfToFloat32, x, backPtr)
	assert.ErrorIs(t, err, ErrBadParam, "descriptor types must match the cast")
	err = f.h.CastDataType(x, xPtr, CastType(99), h, hPtr)
	assert.ErrorIs(t, err, ErrNotSupported)
}

type failingExecutor struct{}

func (failingExecutor) Name() string { return "failing" }
func (failingExecutor) MatMul(_, _, _ []float32, _, _, _ int) error { return errors.New("matmul failed") }
func (failingExecutor) ReLU(_, _ []float32) error { return errors.New("relu failed") }
func (failingExecutor) Softmax(_, _ []float32, _, _ int) error { return errors.New("softmax failed") }

func TestKernelErrorsSurfaceOnSync(t *testing.T) {
	f := newFixture(t, WithExecutor(failingExecutor{}))
	assert.Equal(t, "failing", f.h.Executor().Name())

	x := desc(t, tensor.Array, tensor.Float32, 2)
	xPtr := f.upload([]float32{1, 2})
	relu, err := NewActivationDescriptor(ActivationReLU, NotPropagateNaN, 0)
	require.NoError(t, err)

	require.NoError(t, f.h.ActivationForward(relu, 1, x, xPtr, 0, x, xPtr))
	err = f.queue.Sync()
	assert.ErrorIs(t, err, ErrExecutionFailed)
	assert.NoError(t, f.queue.Sync(), "error is reported once")
}
