// Package tensor provides the shape, data type and layout vocabulary shared by
// the device runtime, the op library and the network layers.
package tensor

// DataType represents the element type of a device tensor.
type DataType int

// Supported data types for device tensors.
const (
	Float32 DataType = iota
	Half
	Int8
	Int16
	Int31
	Int32
	Uint8
	Bool
)

// Size returns the byte size of one element of the data type.
//
// Int31 is stored as two int16 planes (low half first, then high half), so a
// tensor of n Int31 elements occupies 4*n bytes.
func (dt DataType) Size() int {
	switch dt {
	case Float32, Int31, Int32:
		return 4
	case Half, Int16:
		return 2
	case Int8, Uint8, Bool:
		return 1
	default:
		panic("unknown data type")
	}
}

// BitWidth returns the number of value bits used by fixed-point quantization.
// It returns 0 for types that are not quantized.
func (dt DataType) BitWidth() int {
	switch dt {
	case Int8:
		return 8
	case Int16:
		return 16
	case Int31:
		return 31
	default:
		return 0
	}
}

// IsQuantized reports whether the type is a fixed-point quantized type.
func (dt DataType) IsQuantized() bool {
	return dt.BitWidth() != 0
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Half:
		return "half"
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int31:
		return "int31"
	case Int32:
		return "int32"
	case Uint8:
		return "uint8"
	case Bool:
		return "bool"
	default:
		return "unknown"
	}
}
