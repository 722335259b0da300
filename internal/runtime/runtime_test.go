package runtime

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDevice(t *testing.T, opts ...Option) *Device {
	t.Helper()
	dev, err := Open(0, opts...)
	require.NoError(t, err)
	return dev
}

func TestCheckStatus(t *testing.T) {
	tests := []struct {
		status Status
		want   error
	}{
		{Success, nil},
		{InvalidValue, ErrInvalidValue},
		{MemoryAllocation, ErrMemoryAllocation},
		{InvalidPointer, ErrInvalidPointer},
		{QueueDestroyed, ErrQueueDestroyed},
		{DeviceNotFound, ErrDeviceNotFound},
		{NotReady, ErrNotReady},
		{Status(99), ErrSys},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, Check(tt.status))
		})
	}
}

func TestStatusOfRoundTrip(t *testing.T) {
	for _, s := range []Status{Success, InvalidValue, MemoryAllocation, InvalidPointer, QueueDestroyed, DeviceNotFound, NotReady, Sys} {
		assert.Equal(t, s, StatusOf(Check(s)), s.String())
	}
}

func TestGetDeviceCount(t *testing.T) {
	t.Setenv(visibleDevicesEnv, "0,1,2")
	assert.Equal(t, 3, GetDeviceCount())

	t.Setenv(visibleDevicesEnv, "")
	assert.Equal(t, 0, GetDeviceCount())

	_, err := Open(0)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestOpenOutOfRange(t *testing.T) {
	_, err := Open(5)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	_, err = Open(-1)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestMallocAlignedAndZeroed(t *testing.T) {
	dev := openDevice(t)
	defer dev.Close()

	a, err := dev.Malloc(10)
	require.NoError(t, err)
	b, err := dev.Malloc(100)
	require.NoError(t, err)

	assert.Zero(t, uintptr(a)%Alignment)
	assert.Zero(t, uintptr(b)%Alignment)
	assert.NotEqual(t, a, b)

	buf, err := dev.Bytes(a, 10)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 10), buf)

	size, err := dev.Size(b)
	require.NoError(t, err)
	assert.Equal(t, 100, size)

	require.NoError(t, dev.Free(a))
	require.NoError(t, dev.Free(b))
}

func TestMallocInvalidSize(t *testing.T) {
	dev := openDevice(t)
	defer dev.Close()

	_, err := dev.Malloc(0)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestMemoryLimit(t *testing.T) {
	dev := openDevice(t, WithMemoryLimit(128))
	defer dev.Close()

	p, err := dev.Malloc(100)
	require.NoError(t, err)

	_, err = dev.Malloc(64)
	assert.ErrorIs(t, err, ErrMemoryAllocation)

	require.NoError(t, dev.Free(p))
	p, err = dev.Malloc(64)
	require.NoError(t, err)
	require.NoError(t, dev.Free(p))
}

func TestMemcpyRoundTrip(t *testing.T) {
	dev := openDevice(t)
	defer dev.Close()

	src := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	p, err := dev.Malloc(len(src))
	require.NoError(t, err)
	defer dev.Free(p)

	require.NoError(t, dev.MemcpyHostToDevice(p, src))

	q, err := dev.Malloc(len(src))
	require.NoError(t, err)
	defer dev.Free(q)
	require.NoError(t, dev.MemcpyDeviceToDevice(q, p, len(src)))

	dst := make([]byte, len(src))
	require.NoError(t, dev.MemcpyDeviceToHost(dst, q))
	assert.Equal(t, src, dst)

	require.NoError(t, dev.Memset(q, 0xAB, 4))
	require.NoError(t, dev.MemcpyDeviceToHost(dst, q))
	assert.Equal(t, []byte{0xAB, 0xAB, 0xAB, 0xAB, 5, 6, 7, 8}, dst)
}

func TestMemcpyErrors(t *testing.T) {
	dev := openDevice(t)
	defer dev.Close()

	p, err := dev.Malloc(4)
	require.NoError(t, err)
	defer dev.Free(p)

	err = dev.MemcpyHostToDevice(p, make([]byte, 8))
	assert.ErrorIs(t, err, ErrInvalidValue)

	err = dev.MemcpyDeviceToHost(make([]byte, 4), 0)
	assert.ErrorIs(t, err, ErrInvalidPointer)

	err = dev.MemcpyDeviceToHost(make([]byte, 4), p+Alignment)
	assert.ErrorIs(t, err, ErrInvalidPointer)
}

func TestFreeTwice(t *testing.T) {
	dev := openDevice(t)
	defer dev.Close()

	p, err := dev.Malloc(16)
	require.NoError(t, err)
	require.NoError(t, dev.Free(p))
	assert.ErrorIs(t, dev.Free(p), ErrInvalidPointer)
	assert.NoError(t, dev.Free(0))
}

func TestMemoryStats(t *testing.T) {
	dev := openDevice(t)
	defer dev.Close()

	p, err := dev.Malloc(100) // rounds to 128
	require.NoError(t, err)
	q, err := dev.Malloc(64)
	require.NoError(t, err)

	stats := dev.MemoryStats()
	assert.Equal(t, uint64(192), stats.AllocatedBytes)
	assert.Equal(t, 2, stats.ActiveBuffers)
	assert.Equal(t, uint64(2), stats.TotalAllocations)

	require.NoError(t, dev.Free(p))
	require.NoError(t, dev.Free(q))

	stats = dev.MemoryStats()
	assert.Zero(t, stats.AllocatedBytes)
	assert.Zero(t, stats.ActiveBuffers)
	assert.Equal(t, uint64(192), stats.PeakBytes)
}

func TestCloseReportsLeaks(t *testing.T) {
	dev := openDevice(t)

	_, err := dev.Malloc(16)
	require.NoError(t, err)

	err = dev.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 leaked buffers")
	assert.Zero(t, dev.MemoryStats().ActiveBuffers)

	assert.NoError(t, dev.Close())

	_, err = dev.Malloc(16)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestQueueRunsInOrder(t *testing.T) {
	dev := openDevice(t)
	defer dev.Close()

	q, err := dev.NewQueue()
	require.NoError(t, err)
	defer q.Destroy()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, q.Enqueue("append", func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	require.NoError(t, q.Sync())

	require.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestQueueSyncReportsFirstError(t *testing.T) {
	dev := openDevice(t)
	defer dev.Close()

	q, err := dev.NewQueue()
	require.NoError(t, err)
	defer q.Destroy()

	first := errors.New("first")
	ran := false
	require.NoError(t, q.Enqueue("fail", func() error { return first }))
	require.NoError(t, q.Enqueue("fail-again", func() error { return errors.New("second") }))
	require.NoError(t, q.Enqueue("still-runs", func() error { ran = true; return nil }))

	err = q.Sync()
	assert.ErrorIs(t, err, first)
	assert.True(t, ran)

	// Error is cleared after being reported.
	assert.NoError(t, q.Sync())
}

func TestQueueRecoversPanics(t *testing.T) {
	dev := openDevice(t)
	defer dev.Close()

	q, err := dev.NewQueue()
	require.NoError(t, err)
	defer q.Destroy()

	require.NoError(t, q.Enqueue("boom", func() error { panic("bad shape") }))
	err = q.Sync()
	assert.ErrorIs(t, err, ErrKernelPanic)
	assert.Contains(t, err.Error(), "boom")
}

func TestQueueDestroy(t *testing.T) {
	dev := openDevice(t)
	defer dev.Close()

	q, err := dev.NewQueue()
	require.NoError(t, err)

	ran := false
	require.NoError(t, q.Enqueue("late", func() error { ran = true; return nil }))
	require.NoError(t, q.Destroy())
	assert.True(t, ran, "destroy drains pending work")

	assert.ErrorIs(t, q.Enqueue("after", func() error { return nil }), ErrQueueDestroyed)
	assert.NoError(t, q.Destroy())
}

func TestNotifierElapsed(t *testing.T) {
	dev := openDevice(t)
	defer dev.Close()

	q, err := dev.NewQueue()
	require.NoError(t, err)
	defer q.Destroy()

	start, err := q.Place()
	require.NoError(t, err)
	require.NoError(t, q.Enqueue("work", func() error { return nil }))
	end, err := q.Place()
	require.NoError(t, err)

	end.Wait()
	elapsed, err := Elapsed(start, end)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed.Nanoseconds(), int64(0))
}

func TestNotifierNotReady(t *testing.T) {
	start := &Notifier{done: make(chan struct{})}
	end := &Notifier{done: make(chan struct{})}
	_, err := Elapsed(start, end)
	assert.ErrorIs(t, err, ErrNotReady)
}
