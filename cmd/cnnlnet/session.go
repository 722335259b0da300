package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/born-ml/cnnlnet/internal/backend/cpu"
	"github.com/born-ml/cnnlnet/internal/cnnl"
	"github.com/born-ml/cnnlnet/internal/quant"
	"github.com/born-ml/cnnlnet/internal/runtime"
	"github.com/born-ml/cnnlnet/internal/tensor"
)

// convSession owns everything one device convolution needs.
type convSession struct {
	dev    *runtime.Device
	queue  *runtime.Queue
	handle *cnnl.Handle

	conv          *cnnl.ConvolutionDescriptor
	algo          cnnl.ConvolutionForwardAlgo
	x, w, b, y, o *cnnl.TensorDescriptor

	xPtr, wPtr, bPtr, yPtr, oPtr runtime.Ptr
	workspace                    runtime.Ptr
	workspaceSize                int

	descs []interface{ Destroy() error }
	ptrs  []runtime.Ptr
}

func newConvSession(p cpu.ConvParams, algo cnnl.ConvolutionForwardAlgo, inParam, wParam quant.Param, hasBias bool, outType tensor.DataType) (s *convSession, err error) {
	s = &convSession{algo: algo}
	defer func() {
		if err != nil {
			_ = s.close()
			s = nil
		}
	}()

	if s.dev, err = runtime.Open(0); err != nil {
		return s, err
	}
	if s.queue, err = s.dev.NewQueue(); err != nil {
		return s, err
	}
	if s.handle, err = cnnl.Create(s.dev); err != nil {
		return s, err
	}
	if err = s.handle.SetQueue(s.queue); err != nil {
		return s, err
	}

	if s.x, err = s.desc(tensor.NHWC, tensor.Float32, p.N, p.H, p.W, p.C); err != nil {
		return s, err
	}
	if err = s.x.SetPositionAndScale(inParam.Position, inParam.Scale); err != nil {
		return s, err
	}
	if s.w, err = s.desc(tensor.NHWC, tensor.Float32, p.CO, p.KH, p.KW, p.C/p.Groups); err != nil {
		return s, err
	}
	if err = s.w.SetPositionAndScale(wParam.Position, wParam.Scale); err != nil {
		return s, err
	}
	if hasBias {
		if s.b, err = s.desc(tensor.Array, tensor.Float32, p.CO); err != nil {
			return s, err
		}
	}

	s.conv, err = cnnl.NewConvolutionDescriptor(
		[4]int{p.PadTop, p.PadBottom, p.PadLeft, p.PadRight},
		[2]int{p.StrideH, p.StrideW}, [2]int{p.DilationH, p.DilationW},
		p.Groups, tensor.Float32)
	if err != nil {
		return s, err
	}
	s.descs = append(s.descs, s.conv)

	dims, err := s.conv.OutputDims(s.x, s.w)
	if err != nil {
		return s, err
	}
	if s.y, err = s.desc(tensor.NHWC, tensor.Float32, dims...); err != nil {
		return s, err
	}
	if outType == tensor.Half {
		if s.o, err = s.desc(tensor.NHWC, tensor.Half, dims...); err != nil {
			return s, err
		}
	}

	if s.workspaceSize, err = s.handle.GetConvolutionForwardWorkspaceSize(s.x, s.w, s.y, s.conv, algo); err != nil {
		return s, err
	}
	if s.xPtr, err = s.malloc(s.x.SizeInBytes()); err != nil {
		return s, err
	}
	if s.wPtr, err = s.malloc(s.w.SizeInBytes()); err != nil {
		return s, err
	}
	if s.b != nil {
		if s.bPtr, err = s.malloc(s.b.SizeInBytes()); err != nil {
			return s, err
		}
	}
	if s.yPtr, err = s.malloc(s.y.SizeInBytes()); err != nil {
		return s, err
	}
	if s.o != nil {
		if s.oPtr, err = s.malloc(s.o.SizeInBytes()); err != nil {
			return s, err
		}
	}
	if s.workspaceSize > 0 {
		if s.workspace, err = s.malloc(s.workspaceSize); err != nil {
			return s, err
		}
	}
	return s, nil
}

func (s *convSession) desc(layout tensor.Layout, dt tensor.DataType, dims ...int) (*cnnl.TensorDescriptor, error) {
	d, err := cnnl.NewTensorDescriptor(layout, dt, dims...)
	if err != nil {
		return nil, err
	}
	s.descs = append(s.descs, d)
	return d, nil
}

func (s *convSession) malloc(size int) (runtime.Ptr, error) {
	p, err := s.dev.Malloc(size)
	if err != nil {
		return 0, err
	}
	s.ptrs = append(s.ptrs, p)
	return p, nil
}

// run uploads the operands, runs the convolution and returns the output as
// float32 together with its raw device bytes.
func (s *convSession) run(input, filter, bias []float32) (out []float32, raw []byte, hw, iface time.Duration, err error) {
	if err = s.dev.MemcpyHostToDevice(s.xPtr, tensor.Float32Bytes(input)); err != nil {
		return nil, nil, 0, 0, err
	}
	if err = s.dev.MemcpyHostToDevice(s.wPtr, tensor.Float32Bytes(filter)); err != nil {
		return nil, nil, 0, 0, err
	}
	if s.b != nil {
		if err = s.dev.MemcpyHostToDevice(s.bPtr, tensor.Float32Bytes(bias)); err != nil {
			return nil, nil, 0, 0, err
		}
	}

	startIface := time.Now()
	begin, err := s.queue.Place()
	if err != nil {
		return nil, nil, 0, 0, err
	}
	err = s.handle.ConvolutionForward(s.conv, s.algo, s.x, s.xPtr, s.w, s.wPtr, s.b, s.bPtr, s.workspace, s.workspaceSize, s.y, s.yPtr)
	if err != nil {
		return nil, nil, 0, 0, err
	}
	end, err := s.queue.Place()
	if err != nil {
		return nil, nil, 0, 0, err
	}
	iface = time.Since(startIface)

	src, dt := s.yPtr, tensor.Float32
	if s.o != nil {
		if err = s.handle.CastDataType(s.y, s.yPtr, cnnl.CastFloat32ToHalf, s.o, s.oPtr); err != nil {
			return nil, nil, 0, 0, err
		}
		src, dt = s.oPtr, tensor.Half
	}
	if err = s.queue.Sync(); err != nil {
		return nil, nil, 0, 0, err
	}
	if hw, err = runtime.Elapsed(begin, end); err != nil {
		return nil, nil, 0, 0, err
	}

	count := s.y.NumElements()
	raw = make([]byte, count*dt.Size())
	if err = s.dev.MemcpyDeviceToHost(raw, src); err != nil {
		return nil, nil, 0, 0, err
	}
	if dt == tensor.Half {
		decoded, derr := quant.DecodeHalf(raw, count)
		if derr != nil {
			return nil, nil, 0, 0, derr
		}
		return decoded, raw, hw, iface, nil
	}
	out = make([]float32, count)
	copy(out, tensor.BytesAsFloat32(raw))
	return out, raw, hw, iface, nil
}

func (s *convSession) close() error {
	var errs []error
	for _, p := range s.ptrs {
		if err := s.dev.Free(p); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(s.descs) - 1; i >= 0; i-- {
		if err := s.descs[i].Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.handle != nil {
		if err := s.handle.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.queue != nil {
		if err := s.queue.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.dev != nil {
		if err := s.dev.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close device: %w", err))
		}
	}
	return errors.Join(errs...)
}
