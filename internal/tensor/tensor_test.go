package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataTypeSize(t *testing.T) {
	tests := []struct {
		dt        DataType
		size, bw  int
		quantized bool
		name      string
	}{
		{Float32, 4, 0, false, "float32"},
		{Half, 2, 0, false, "half"},
		{Int8, 1, 8, true, "int8"},
		{Int16, 2, 16, true, "int16"},
		{Int31, 4, 31, true, "int31"},
		{Int32, 4, 0, false, "int32"},
		{Uint8, 1, 0, false, "uint8"},
		{Bool, 1, 0, false, "bool"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.size, tt.dt.Size())
			assert.Equal(t, tt.bw, tt.dt.BitWidth())
			assert.Equal(t, tt.quantized, tt.dt.IsQuantized())
			assert.Equal(t, tt.name, tt.dt.String())
		})
	}

	assert.Panics(t, func() { DataType(99).Size() })
	assert.Equal(t, "unknown", DataType(99).String())
}

func TestShape(t *testing.T) {
	s := Shape{2, 3, 4}
	assert.Equal(t, 24, s.NumElements())
	assert.Equal(t, 1, Shape{}.NumElements())
	assert.Equal(t, []int{12, 4, 1}, s.ComputeStrides())
	assert.Empty(t, Shape{}.ComputeStrides())

	require.NoError(t, s.Validate())
	assert.Error(t, Shape{2, 0}.Validate())
	assert.Error(t, Shape{-1}.Validate())

	c := s.Clone()
	assert.True(t, s.Equal(c))
	c[0] = 9
	assert.Equal(t, 2, s[0])
	assert.False(t, s.Equal(c))
	assert.False(t, s.Equal(Shape{2, 3}))
}

func TestShape4DDims(t *testing.T) {
	s := Shape4DFromNCHW(Shape{1, 3, 5, 7})
	assert.Equal(t, Shape4D{N: 1, C: 3, H: 5, W: 7}, s)
	assert.Equal(t, 105, s.Size())

	tests := []struct {
		layout Layout
		want   Shape
	}{
		{NCHW, Shape{1, 3, 5, 7}},
		{NHWC, Shape{1, 5, 7, 3}},
		{HWCN, Shape{5, 7, 3, 1}},
		{Array, Shape{1, 3, 5, 7}},
	}
	for _, tt := range tests {
		got, ok := s.Dims(tt.layout)
		require.True(t, ok, tt.layout.String())
		assert.Equal(t, tt.want, got, tt.layout.String())
	}

	_, ok := s.Dims(Layout(42))
	assert.False(t, ok)
	assert.Equal(t, "unknown", Layout(42).String())
}

func TestFloat32BytesAliases(t *testing.T) {
	data := []float32{1, -2.5}
	raw := Float32Bytes(data)
	require.Len(t, raw, 8)

	back := BytesAsFloat32(raw)
	assert.Equal(t, data, back)

	back[1] = 3
	assert.Equal(t, float32(3), data[1])

	assert.Nil(t, Float32Bytes(nil))
	assert.Nil(t, BytesAsFloat32([]byte{1, 2, 3}))
	assert.Len(t, BytesAsFloat32(make([]byte, 9)), 2)
}
