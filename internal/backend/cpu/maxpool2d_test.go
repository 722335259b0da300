package cpu

import (
	"math"
	"testing"
)

// TestPool2D_MaxBasicForward tests basic max pooling correctness.
func TestPool2D_MaxBasicForward(t *testing.T) {
	backend := New()

	// Input: [1, 4, 4, 1] with sequential values 1-16
	input := make([]float32, 16)
	for i := range input {
		input[i] = float32(i + 1)
	}

	p := PoolParams{N: 1, H: 4, W: 4, C: 1, KH: 2, KW: 2, StrideH: 2, StrideW: 2, Mode: PoolMax}
	out := make([]float32, p.OutputLen())
	backend.Pool2D(out, input, p)

	expected := []float32{6, 8, 14, 16}
	if !float32SliceEqual(out, expected) {
		t.Errorf("Expected %v, got %v", expected, out)
	}
}

// TestPool2D_MultiChannel tests that channels are pooled independently.
func TestPool2D_MultiChannel(t *testing.T) {
	backend := New()

	// [1, 2, 2, 2]: channel 0 = 1..4, channel 1 = -1..-4
	input := []float32{1, -1, 2, -2, 3, -3, 4, -4}
	p := PoolParams{N: 1, H: 2, W: 2, C: 2, KH: 2, KW: 2, StrideH: 1, StrideW: 1, Mode: PoolMax}
	out := make([]float32, p.OutputLen())
	backend.Pool2D(out, input, p)

	expected := []float32{4, -1}
	if !float32SliceEqual(out, expected) {
		t.Errorf("Expected %v, got %v", expected, out)
	}
}

// TestPool2D_AveragePadding tests include/exclude padding averages.
func TestPool2D_AveragePadding(t *testing.T) {
	backend := New()

	input := []float32{1, 1, 1, 1} // [1, 2, 2, 1]
	base := PoolParams{
		N: 1, H: 2, W: 2, C: 1, KH: 2, KW: 2,
		PadTop: 1, PadBottom: 1, PadLeft: 1, PadRight: 1,
		StrideH: 2, StrideW: 2,
	}

	include := base
	include.Mode = PoolAvgIncludePad
	out := make([]float32, include.OutputLen())
	backend.Pool2D(out, input, include)
	// Each window covers one real element out of four.
	if !float32SliceEqual(out, []float32{0.25, 0.25, 0.25, 0.25}) {
		t.Errorf("Include pad: got %v", out)
	}

	exclude := base
	exclude.Mode = PoolAvgExcludePad
	backend.Pool2D(out, input, exclude)
	if !float32SliceEqual(out, []float32{1, 1, 1, 1}) {
		t.Errorf("Exclude pad: got %v", out)
	}
}

// TestPool2D_NaN tests NaN propagation in max pooling.
func TestPool2D_NaN(t *testing.T) {
	backend := New()

	input := []float32{1, float32(math.NaN()), 3, 2}
	p := PoolParams{N: 1, H: 2, W: 2, C: 1, KH: 2, KW: 2, StrideH: 2, StrideW: 2, Mode: PoolMax}
	out := make([]float32, 1)

	backend.Pool2D(out, input, p)
	if out[0] != 3 {
		t.Errorf("Without propagation expected 3, got %v", out[0])
	}

	p.PropagateNaN = true
	backend.Pool2D(out, input, p)
	if !math.IsNaN(float64(out[0])) {
		t.Errorf("With propagation expected NaN, got %v", out[0])
	}
}

// TestPool2D_Validate tests invalid configurations.
func TestPool2D_Validate(t *testing.T) {
	p := PoolParams{N: 1, H: 4, W: 4, C: 1, KH: 2, KW: 2, StrideH: 2, StrideW: 2}

	bad := p
	bad.PadTop = 2
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for padding >= window")
	}

	bad = p
	bad.StrideW = 0
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for zero stride")
	}

	bad = p
	bad.KH = 5
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for window larger than input")
	}

	// 4 - 5 truncates to 0 under integer division; the window still does not fit.
	bad = p
	bad.KH, bad.KW = 5, 5
	bad.PadTop, bad.PadBottom = 0, 0
	if ho, wo := bad.OutputSize(); ho != 0 || wo != 0 {
		t.Errorf("Expected 0x0 output for oversized window, got %dx%d", ho, wo)
	}
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for 5x5 window over 4x4 input with stride 2")
	}

	bad = p
	bad.Mode = PoolMode(9)
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for unknown mode")
	}
}
