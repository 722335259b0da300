//go:build windows

package webgpu

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/born-ml/cnnlnet/internal/tensor"
)

// compileShader compiles WGSL shader code into a ShaderModule.
// Results are cached in the Backend's shaders map.
func (b *Backend) compileShader(name, code string) *wgpu.ShaderModule {
	b.mu.RLock()
	if shader, exists := b.shaders[name]; exists {
		b.mu.RUnlock()
		return shader
	}
	b.mu.RUnlock()

	shader := b.device.CreateShaderModuleWGSL(code)

	b.mu.Lock()
	b.shaders[name] = shader
	b.mu.Unlock()
	return shader
}

// pipeline returns the cached compute pipeline for a shader, compiling it on
// first use.
func (b *Backend) pipeline(name, code string) *wgpu.ComputePipeline {
	b.mu.RLock()
	if p, exists := b.pipelines[name]; exists {
		b.mu.RUnlock()
		return p
	}
	b.mu.RUnlock()

	shader := b.compileShader(name, code)
	// Auto layout (nil) derives bind groups from the shader.
	p := b.device.CreateComputePipelineSimple(nil, shader, "main")

	b.mu.Lock()
	b.pipelines[name] = p
	b.mu.Unlock()
	return p
}

// upload creates a storage buffer initialized with data.
func (b *Backend) upload(data []float32) *wgpu.Buffer {
	raw := tensor.Float32Bytes(data)
	size := uint64(len(raw))

	buffer := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mapped := unsafe.Slice((*byte)(buffer.GetMappedRange(0, size)), size)
	copy(mapped, raw)
	buffer.Unmap()
	return buffer
}

// output creates an uninitialized storage buffer for kernel results.
func (b *Backend) output(elems int) (*wgpu.Buffer, uint64) {
	size := uint64(elems) * 4 //nolint:gosec // G115: element counts are non-negative
	return b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		Size:  size,
	}), size
}

// uniforms packs u32 parameters into a 16-byte aligned uniform buffer.
func (b *Backend) uniforms(values ...uint32) *wgpu.Buffer {
	size := uint64(len(values)*4+15) &^ 15 //nolint:gosec // G115: small constant count
	data := make([]byte, size)
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], v)
	}

	buffer := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mapped := unsafe.Slice((*byte)(buffer.GetMappedRange(0, size)), size)
	copy(mapped, data)
	buffer.Unmap()
	return buffer
}

// download copies a GPU buffer back into dst through a staging buffer, since
// storage buffers can't be mapped directly.
func (b *Backend) download(dst []float32, src *wgpu.Buffer, size uint64) error {
	staging := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer staging.Release()

	encoder := b.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(src, 0, staging, 0, size)
	b.queue.Submit(encoder.Finish(nil))

	if err := staging.MapAsync(b.device, wgpu.MapModeRead, 0, size); err != nil {
		return fmt.Errorf("webgpu: map staging buffer: %w", err)
	}
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mapped := unsafe.Slice((*byte)(staging.GetMappedRange(0, size)), size)
	copy(tensor.Float32Bytes(dst), mapped)
	staging.Unmap()
	return nil
}

// dispatch binds buffers in order to bindings 0..n-1 and runs the pipeline.
func (b *Backend) dispatch(p *wgpu.ComputePipeline, buffers []*wgpu.Buffer, sizes []uint64, x, y uint32) {
	entries := make([]wgpu.BindGroupEntry, len(buffers))
	for i, buf := range buffers {
		entries[i] = wgpu.BufferBindingEntry(uint32(i), buf, 0, sizes[i]) //nolint:gosec // G115: few bindings
	}
	bindGroup := b.device.CreateBindGroupSimple(p.GetBindGroupLayout(0), entries)
	defer bindGroup.Release()

	encoder := b.device.CreateCommandEncoder(nil)
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(p)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(x, y, 1)
	pass.End()
	b.queue.Submit(encoder.Finish(nil))
}

// MatMul computes out = a @ b for row-major a [m, k] and b [k, n].
func (b *Backend) MatMul(a, other, out []float32, m, k, n int) error {
	if len(a) < m*k || len(other) < k*n || len(out) < m*n {
		return fmt.Errorf("webgpu: matmul buffers too small for [%d,%d] @ [%d,%d]", m, k, k, n)
	}

	p := b.pipeline("matmul", matmulShader)

	bufA := b.upload(a[:m*k])
	defer bufA.Release()
	bufB := b.upload(other[:k*n])
	defer bufB.Release()
	bufOut, outSize := b.output(m * n)
	defer bufOut.Release()
	//nolint:gosec // G115: matrix dimensions are non-negative
	params := b.uniforms(uint32(m), uint32(k), uint32(n))
	defer params.Release()

	//nolint:gosec // G115: matrix dimensions are non-negative
	b.dispatch(p,
		[]*wgpu.Buffer{bufA, bufB, bufOut, params},
		[]uint64{uint64(m * k * 4), uint64(k * n * 4), outSize, 16},
		uint32((n+tileSize-1)/tileSize), uint32((m+tileSize-1)/tileSize))

	return b.download(out[:m*n], bufOut, outSize)
}

// ReLU computes out = max(0, in) element-wise.
func (b *Backend) ReLU(in, out []float32) error {
	if len(out) < len(in) {
		return fmt.Errorf("webgpu: relu output has %d elements, need %d", len(out), len(in))
	}
	if len(in) == 0 {
		return nil
	}

	p := b.pipeline("relu", reluShader)

	bufIn := b.upload(in)
	defer bufIn.Release()
	bufOut, size := b.output(len(in))
	defer bufOut.Release()
	params := b.uniforms(uint32(len(in))) //nolint:gosec // G115: length is non-negative
	defer params.Release()

	groups := (len(in) + workgroupSize - 1) / workgroupSize
	//nolint:gosec // G115: workgroup count is non-negative
	b.dispatch(p, []*wgpu.Buffer{bufIn, bufOut, params}, []uint64{size, size, 16}, uint32(groups), 1)

	return b.download(out[:len(in)], bufOut, size)
}

// Softmax computes a numerically stable softmax over each row of a
// row-major [rows, cols] matrix. One workgroup reduces one row.
func (b *Backend) Softmax(in, out []float32, rows, cols int) error {
	if len(in) < rows*cols || len(out) < rows*cols {
		return fmt.Errorf("webgpu: softmax buffers too small for [%d,%d]", rows, cols)
	}
	if rows*cols == 0 {
		return nil
	}

	p := b.pipeline("softmax", softmaxShader)

	bufIn := b.upload(in[:rows*cols])
	defer bufIn.Release()
	bufOut, size := b.output(rows * cols)
	defer bufOut.Release()
	params := b.uniforms(uint32(rows), uint32(cols)) //nolint:gosec // G115: dimensions are non-negative
	defer params.Release()

	//nolint:gosec // G115: row count is non-negative
	b.dispatch(p, []*wgpu.Buffer{bufIn, bufOut, params}, []uint64{size, size, 16}, uint32(rows), 1)

	return b.download(out[:rows*cols], bufOut, size)
}
