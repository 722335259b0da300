//go:build windows

// Package webgpu runs the matmul, relu and softmax kernels of the executor
// on a GPU through go-webgpu. Each call uploads its operands, dispatches one
// compute pass and reads the result back, so the device queue stays the only
// owner of device memory.
package webgpu

import (
	"fmt"
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/born-ml/cnnlnet/internal/logging"
)

// Backend holds one WebGPU device and the pipelines compiled on it.
type Backend struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	name     string

	mu        sync.RWMutex
	shaders   map[string]*wgpu.ShaderModule
	pipelines map[string]*wgpu.ComputePipeline
}

// New opens the high performance adapter. It returns ErrUnavailable when
// no adapter, device or native library can be found.
func New() (b *Backend, err error) {
	b = &Backend{
		shaders:   make(map[string]*wgpu.ShaderModule),
		pipelines: make(map[string]*wgpu.ComputePipeline),
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: native library: %v", ErrUnavailable, r)
		}
		if err != nil {
			b.Release()
			b = nil
		}
	}()

	b.instance = wgpu.CreateInstance(nil)
	if b.adapter, err = b.instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	}); err != nil {
		return b, fmt.Errorf("%w: request adapter: %w", ErrUnavailable, err)
	}
	info := b.adapter.GetInfo()
	b.name = fmt.Sprintf("WebGPU (%s %s)", info.Name, info.VendorName)

	if b.device, err = b.adapter.RequestDevice(nil); err != nil {
		return b, fmt.Errorf("%w: request device: %w", ErrUnavailable, err)
	}
	if b.queue = b.device.GetQueue(); b.queue == nil {
		return b, fmt.Errorf("%w: device has no queue", ErrUnavailable)
	}

	logging.Logger().Info("webgpu executor ready", "adapter", b.name)
	return b, nil
}

// Release drops the cached pipelines and the device. It is safe on a
// partially opened backend.
func (b *Backend) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, p := range b.pipelines {
		p.Release()
		delete(b.pipelines, name)
	}
	for name, s := range b.shaders {
		s.Release()
		delete(b.shaders, name)
	}

	if b.queue != nil {
		b.queue.Release()
	}
	if b.device != nil {
		b.device.Release()
	}
	if b.adapter != nil {
		b.adapter.Release()
	}
	if b.instance != nil {
		b.instance.Release()
	}
	b.queue, b.device, b.adapter, b.instance = nil, nil, nil, nil
}

// Name identifies the adapter.
func (b *Backend) Name() string {
	if b.name == "" {
		return "WebGPU"
	}
	return b.name
}

// IsAvailable reports whether any WebGPU adapter can be requested.
func IsAvailable() (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	instance := wgpu.CreateInstance(nil)
	defer instance.Release()
	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return false
	}
	adapter.Release()
	return true
}
