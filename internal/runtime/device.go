package runtime

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/born-ml/cnnlnet/internal/logging"
)

const (
	// Alignment of every device allocation in bytes.
	Alignment = 64

	// deviceBase is the first address handed out on every device.
	deviceBase Ptr = 0x1_0000_0000

	// visibleDevicesEnv restricts the set of device ordinals, like the vendor
	// runtime's environment variable of the same name.
	visibleDevicesEnv = "MLU_VISIBLE_DEVICES"
)

// Ptr is an opaque device address. The zero value is the nil device pointer.
type Ptr uintptr

// IsNil reports whether p is the nil device pointer.
func (p Ptr) IsNil() bool { return p == 0 }

// String formats the pointer as a hex address.
func (p Ptr) String() string { return fmt.Sprintf("0x%x", uintptr(p)) }

// allocation is one device buffer.
type allocation struct {
	data []byte
	size int // requested size; len(data) is rounded up to Alignment
}

// MemoryStats represents device memory usage statistics.
type MemoryStats struct {
	// Bytes currently allocated
	AllocatedBytes uint64
	// Peak allocated bytes since the device was opened
	PeakBytes uint64
	// Number of live allocations
	ActiveBuffers int
	// Total number of Malloc calls that succeeded
	TotalAllocations uint64
}

// Option configures a Device.
type Option func(*deviceOptions)

type deviceOptions struct {
	memoryLimit uint64
}

// WithMemoryLimit caps the bytes that may be allocated on the device at once.
// Zero means unlimited.
func WithMemoryLimit(bytes uint64) Option {
	return func(o *deviceOptions) {
		o.memoryLimit = bytes
	}
}

// Device is an opened accelerator device.
type Device struct {
	ordinal int
	limit   uint64

	mu     sync.RWMutex
	allocs map[Ptr]*allocation
	next   Ptr
	stats  MemoryStats
	closed bool
}

// GetDeviceCount returns the number of visible devices.
//
// Without MLU_VISIBLE_DEVICES there is a single device. The variable holds a
// comma separated list of ordinals; an empty value hides every device.
func GetDeviceCount() int {
	v, ok := os.LookupEnv(visibleDevicesEnv)
	if !ok {
		return 1
	}
	n := 0
	for _, f := range strings.Split(v, ",") {
		if strings.TrimSpace(f) != "" {
			n++
		}
	}
	return n
}

// Open opens the device with the given ordinal.
func Open(ordinal int, opts ...Option) (*Device, error) {
	if ordinal < 0 || ordinal >= GetDeviceCount() {
		return nil, fmt.Errorf("open device %d (%d visible): %w", ordinal, GetDeviceCount(), ErrDeviceNotFound)
	}

	options := &deviceOptions{}
	for _, opt := range opts {
		opt(options)
	}

	d := &Device{
		ordinal: ordinal,
		limit:   options.memoryLimit,
		allocs:  make(map[Ptr]*allocation),
		next:    deviceBase,
	}
	logging.Logger().Info("device opened", "ordinal", ordinal, "memory_limit", options.memoryLimit)
	return d, nil
}

// Ordinal returns the device ordinal.
func (d *Device) Ordinal() int {
	return d.ordinal
}

// Malloc allocates size bytes of device memory. The memory is zeroed.
func (d *Device) Malloc(size int) (Ptr, error) {
	if size <= 0 {
		return 0, fmt.Errorf("malloc %d bytes: %w", size, ErrInvalidValue)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, fmt.Errorf("malloc on closed device %d: %w", d.ordinal, ErrDeviceNotFound)
	}

	aligned := alignUp(size)
	//nolint:gosec // G115: aligned is positive
	if d.limit > 0 && d.stats.AllocatedBytes+uint64(aligned) > d.limit {
		return 0, fmt.Errorf("malloc %d bytes (%d in use, limit %d): %w",
			size, d.stats.AllocatedBytes, d.limit, ErrMemoryAllocation)
	}

	p := d.next
	//nolint:gosec // G115: aligned is positive
	d.next += Ptr(aligned + Alignment) // guard gap keeps neighbouring buffers apart
	d.allocs[p] = &allocation{data: make([]byte, aligned), size: size}
	d.trackAllocation(uint64(aligned)) //nolint:gosec // G115: aligned is positive

	logging.Logger().Debug("malloc", "ptr", p, "size", size)
	return p, nil
}

// Free releases a buffer returned by Malloc. Freeing the nil pointer is a no-op.
func (d *Device) Free(p Ptr) error {
	if p.IsNil() {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.allocs[p]
	if !ok {
		return fmt.Errorf("free %v: %w", p, ErrInvalidPointer)
	}
	delete(d.allocs, p)
	d.trackRelease(uint64(len(a.data)))

	logging.Logger().Debug("free", "ptr", p, "size", a.size)
	return nil
}

// Memset sets the first size bytes of the buffer to value.
func (d *Device) Memset(p Ptr, value byte, size int) error {
	buf, err := d.lookup(p, size)
	if err != nil {
		return fmt.Errorf("memset: %w", err)
	}
	for i := range buf[:size] {
		buf[i] = value
	}
	return nil
}

// MemcpyHostToDevice copies src into the device buffer dst.
func (d *Device) MemcpyHostToDevice(dst Ptr, src []byte) error {
	buf, err := d.lookup(dst, len(src))
	if err != nil {
		return fmt.Errorf("memcpy host to device: %w", err)
	}
	copy(buf, src)
	return nil
}

// MemcpyDeviceToHost copies len(dst) bytes from the device buffer src into dst.
func (d *Device) MemcpyDeviceToHost(dst []byte, src Ptr) error {
	buf, err := d.lookup(src, len(dst))
	if err != nil {
		return fmt.Errorf("memcpy device to host: %w", err)
	}
	copy(dst, buf)
	return nil
}

// MemcpyDeviceToDevice copies size bytes between two device buffers.
func (d *Device) MemcpyDeviceToDevice(dst, src Ptr, size int) error {
	from, err := d.lookup(src, size)
	if err != nil {
		return fmt.Errorf("memcpy device to device: source: %w", err)
	}
	to, err := d.lookup(dst, size)
	if err != nil {
		return fmt.Errorf("memcpy device to device: destination: %w", err)
	}
	copy(to[:size], from[:size])
	return nil
}

// Bytes returns the memory behind p as a byte slice of the requested size.
// Kernels use it to read and write device buffers; the slice aliases the
// allocation and must not be retained after the buffer is freed.
func (d *Device) Bytes(p Ptr, size int) ([]byte, error) {
	buf, err := d.lookup(p, size)
	if err != nil {
		return nil, err
	}
	return buf[:size], nil
}

// Size returns the requested size of the allocation at p.
func (d *Device) Size(p Ptr) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	a, ok := d.allocs[p]
	if !ok {
		return 0, fmt.Errorf("size of %v: %w", p, ErrInvalidPointer)
	}
	return a.size, nil
}

// MemoryStats returns current device memory usage statistics.
func (d *Device) MemoryStats() MemoryStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stats
}

// Close releases every remaining allocation. Leaked allocations are freed and
// reported as an error listing their addresses.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	if len(d.allocs) == 0 {
		return nil
	}

	leaked := make([]Ptr, 0, len(d.allocs))
	for p := range d.allocs {
		leaked = append(leaked, p)
	}
	sort.Slice(leaked, func(i, j int) bool { return leaked[i] < leaked[j] })

	for _, p := range leaked {
		d.trackRelease(uint64(len(d.allocs[p].data)))
		delete(d.allocs, p)
	}

	logging.Logger().Warn("device closed with live allocations", "ordinal", d.ordinal, "count", len(leaked))
	return fmt.Errorf("close device %d: %d leaked buffers %v: %w", d.ordinal, len(leaked), leaked, ErrInvalidValue)
}

// lookup returns the allocation at p, checking that it holds at least size bytes.
func (d *Device) lookup(p Ptr, size int) ([]byte, error) {
	if p.IsNil() {
		return nil, fmt.Errorf("nil device pointer: %w", ErrInvalidPointer)
	}
	if size < 0 {
		return nil, fmt.Errorf("negative size %d: %w", size, ErrInvalidValue)
	}

	d.mu.RLock()
	a, ok := d.allocs[p]
	d.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%v: %w", p, ErrInvalidPointer)
	}
	if size > a.size {
		return nil, fmt.Errorf("%d bytes exceed buffer %v of %d bytes: %w", size, p, a.size, ErrInvalidValue)
	}
	return a.data, nil
}

// trackAllocation records an allocation in memory statistics. Caller holds d.mu.
func (d *Device) trackAllocation(size uint64) {
	d.stats.AllocatedBytes += size
	d.stats.ActiveBuffers++
	d.stats.TotalAllocations++

	if d.stats.AllocatedBytes > d.stats.PeakBytes {
		d.stats.PeakBytes = d.stats.AllocatedBytes
	}
}

// trackRelease records a release in memory statistics. Caller holds d.mu.
func (d *Device) trackRelease(size uint64) {
	if d.stats.AllocatedBytes >= size {
		d.stats.AllocatedBytes -= size
	}
	d.stats.ActiveBuffers--
}

func alignUp(size int) int {
	return (size + Alignment - 1) &^ (Alignment - 1)
}
