package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/cnnlnet/internal/tensor"
)

func TestParseDataType(t *testing.T) {
	tests := []struct {
		in   string
		want tensor.DataType
	}{
		{"float32", tensor.Float32},
		{"HALF", tensor.Half},
		{"int8", tensor.Int8},
		{"int16", tensor.Int16},
		{"int31", tensor.Int31},
	}
	for _, tt := range tests {
		got, err := parseDataType(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
	_, err := parseDataType("bfloat16")
	assert.Error(t, err)
}

func TestParseConvFlags(t *testing.T) {
	f, err := parseConvFlags([]string{"-ni", "2", "-hi", "8", "-wi", "6", "-ci", "4", "-co", "2", "-kh", "3", "-kw", "3", "-pt", "1", "-pb", "1", "-gc", "2", "-hb"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.p.N)
	assert.Equal(t, 2, f.p.Groups)
	assert.True(t, f.hasBias)
	ho, wo := f.p.OutputSize()
	assert.Equal(t, 8, ho)
	assert.Equal(t, 4, wo)

	_, err = parseConvFlags([]string{"-sh", "0"})
	assert.Error(t, err)
}

func TestRunConv(t *testing.T) {
	dir := t.TempDir()
	args := []string{"-hi", "6", "-wi", "6", "-ci", "2", "-co", "3", "-hb", "-algo", "gemm", "-wd", "int8", "-od", "half", "-dump", dir}
	require.NoError(t, runConv(args))

	for _, name := range []string{"input.txt", "filter.txt", "cpu_output.txt", "device_output_hex.txt"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Positive(t, info.Size(), name)
	}

	assert.Error(t, runConv([]string{"-od", "int8"}))
	assert.Error(t, runConv([]string{"-algo", "winograd"}))
}

func TestRunMlp(t *testing.T) {
	require.NoError(t, runMlp([]string{"-hidden", "8", "-quantize"}))
}
