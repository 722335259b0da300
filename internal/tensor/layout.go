package tensor

// Layout describes how the logical N, C, H, W axes of a 4D tensor are ordered
// in device memory.
type Layout int

// Supported layouts.
const (
	NCHW Layout = iota
	NHWC
	HWCN
	// Array marks tensors without image semantics (matmul operands, vectors).
	Array
)

// String returns a human-readable layout name.
func (l Layout) String() string {
	switch l {
	case NCHW:
		return "NCHW"
	case NHWC:
		return "NHWC"
	case HWCN:
		return "HWCN"
	case Array:
		return "ARRAY"
	default:
		return "unknown"
	}
}

// Shape4D is a logical image shape independent of memory layout.
type Shape4D struct {
	N, C, H, W int
}

// Size returns N*C*H*W.
func (s Shape4D) Size() int {
	return s.N * s.C * s.H * s.W
}

// Dims returns the four dimensions in the order the layout stores them.
func (s Shape4D) Dims(layout Layout) (Shape, bool) {
	switch layout {
	case NHWC:
		return Shape{s.N, s.H, s.W, s.C}, true
	case NCHW, Array:
		return Shape{s.N, s.C, s.H, s.W}, true
	case HWCN:
		return Shape{s.H, s.W, s.C, s.N}, true
	default:
		return nil, false
	}
}

// Shape4DFromNCHW builds a Shape4D from a rank-4 NCHW shape.
func Shape4DFromNCHW(s Shape) Shape4D {
	return Shape4D{N: s[0], C: s[1], H: s[2], W: s[3]}
}
