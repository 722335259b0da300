// Package runtime implements the accelerator device runtime: device selection,
// command queues and device memory.
//
// Device memory lives in host memory behind opaque, 64-byte aligned device
// addresses. Work submitted to a Queue runs in FIFO order on that queue's worker
// goroutine; host<->device copies are synchronous and do not wait for queued
// work, so callers Sync a queue before reading results back.
package runtime

import (
	"errors"
	"fmt"
)

// Status is a runtime return code.
type Status int

// Runtime status codes.
const (
	Success Status = iota
	InvalidValue
	MemoryAllocation
	InvalidPointer
	QueueDestroyed
	DeviceNotFound
	NotReady
	Sys
)

// Sentinel errors returned by the runtime. Use errors.Is to test for them.
var (
	ErrInvalidValue     = errors.New("runtime: invalid value")
	ErrMemoryAllocation = errors.New("runtime: device memory allocation failed")
	ErrInvalidPointer   = errors.New("runtime: invalid device pointer")
	ErrQueueDestroyed   = errors.New("runtime: queue destroyed")
	ErrDeviceNotFound   = errors.New("runtime: device not found")
	ErrNotReady         = errors.New("runtime: work not complete")
	ErrSys              = errors.New("runtime: system error")
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case Success:
		return "SUCCESS"
	case InvalidValue:
		return "INVALID_VALUE"
	case MemoryAllocation:
		return "MEMORY_ALLOCATION"
	case InvalidPointer:
		return "INVALID_POINTER"
	case QueueDestroyed:
		return "QUEUE_DESTROYED"
	case DeviceNotFound:
		return "DEVICE_NOT_FOUND"
	case NotReady:
		return "NOT_READY"
	case Sys:
		return "SYS"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Check maps a status code to its sentinel error. Success maps to nil.
func Check(status Status) error {
	switch status {
	case Success:
		return nil
	case InvalidValue:
		return ErrInvalidValue
	case MemoryAllocation:
		return ErrMemoryAllocation
	case InvalidPointer:
		return ErrInvalidPointer
	case QueueDestroyed:
		return ErrQueueDestroyed
	case DeviceNotFound:
		return ErrDeviceNotFound
	case NotReady:
		return ErrNotReady
	}

	// status should not go here.
	return ErrSys
}

// StatusOf returns the status code carried by err.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrInvalidValue):
		return InvalidValue
	case errors.Is(err, ErrMemoryAllocation):
		return MemoryAllocation
	case errors.Is(err, ErrInvalidPointer):
		return InvalidPointer
	case errors.Is(err, ErrQueueDestroyed):
		return QueueDestroyed
	case errors.Is(err, ErrDeviceNotFound):
		return DeviceNotFound
	case errors.Is(err, ErrNotReady):
		return NotReady
	default:
		return Sys
	}
}
