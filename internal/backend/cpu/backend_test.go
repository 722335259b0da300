package cpu

import (
	"math"
	"testing"
)

// Helper to create test backend.
func newTestBackend() *CPUBackend {
	return New()
}

// Helper to check float32 slices are equal within epsilon.
func float32SliceEqual(a, b []float32) bool {
	const epsilon = 1e-5
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		diff := a[i] - b[i]
		if diff < 0 {
			diff = -diff
		}
		if diff > epsilon {
			return false
		}
	}
	return true
}

// sequence returns n deterministic pseudo-random values in [-1, 1).
func sequence(n int, seed uint32) []float32 {
	out := make([]float32, n)
	s := seed
	for i := range out {
		s = s*1664525 + 1013904223
		out[i] = float32(s>>8)/float32(1<<24)*2 - 1
	}
	return out
}

// TestCPUBackend_New tests backend creation.
func TestCPUBackend_New(t *testing.T) {
	backend := New()
	if backend == nil {
		t.Fatal("New() returned nil")
	}
	if backend.Name() != "CPU" {
		t.Errorf("Expected name 'CPU', got '%s'", backend.Name())
	}
}

// TestCPUBackend_MatMul tests 2D matrix multiplication.
func TestCPUBackend_MatMul(t *testing.T) {
	backend := newTestBackend()

	// [2,3] @ [3,2]
	a := []float32{1, 2, 3, 4, 5, 6}
	b := []float32{7, 8, 9, 10, 11, 12}
	out := make([]float32, 4)

	if err := backend.MatMul(a, b, out, 2, 3, 2); err != nil {
		t.Fatalf("MatMul failed: %v", err)
	}

	expected := []float32{58, 64, 139, 154}
	if !float32SliceEqual(out, expected) {
		t.Errorf("MatMul: got %v, expected %v", out, expected)
	}

	if err := backend.MatMul(a, b, out[:2], 2, 3, 2); err == nil {
		t.Error("Expected error for short output buffer")
	}
}

// TestCPUBackend_ReLU tests the executor ReLU entry point.
func TestCPUBackend_ReLU(t *testing.T) {
	backend := newTestBackend()

	in := []float32{-2, -0.5, 0, 0.5, 2}
	out := make([]float32, len(in))
	if err := backend.ReLU(in, out); err != nil {
		t.Fatalf("ReLU failed: %v", err)
	}

	expected := []float32{0, 0, 0, 0.5, 2}
	if !float32SliceEqual(out, expected) {
		t.Errorf("ReLU: got %v, expected %v", out, expected)
	}
}

// TestCPUBackend_Softmax tests row-wise softmax through the executor entry point.
func TestCPUBackend_Softmax(t *testing.T) {
	backend := newTestBackend()

	in := []float32{1, 2, 3, 1000, 1000, 1000}
	out := make([]float32, len(in))
	if err := backend.Softmax(in, out, 2, 3); err != nil {
		t.Fatalf("Softmax failed: %v", err)
	}

	for row := 0; row < 2; row++ {
		var sum float32
		for _, v := range out[row*3 : row*3+3] {
			sum += v
		}
		if math.Abs(float64(sum-1)) > 1e-5 {
			t.Errorf("Row %d sums to %f", row, sum)
		}
	}

	// Large equal logits must not overflow.
	for _, v := range out[3:] {
		if math.Abs(float64(v-1.0/3)) > 1e-5 {
			t.Errorf("Expected 1/3, got %f", v)
		}
	}
}

// TestTranspose2D tests matrix transposition.
func TestTranspose2D(t *testing.T) {
	src := []float32{1, 2, 3, 4, 5, 6} // [2,3]
	dst := make([]float32, 6)
	Transpose2D(dst, src, 2, 3)

	expected := []float32{1, 4, 2, 5, 3, 6}
	if !float32SliceEqual(dst, expected) {
		t.Errorf("Transpose2D: got %v, expected %v", dst, expected)
	}
}

// TestBlend tests alpha/beta output blending.
func TestBlend(t *testing.T) {
	nan := float32(math.NaN())

	out := []float32{nan, nan}
	Blend(out, []float32{1, 2}, 2, 0)
	if !float32SliceEqual(out, []float32{2, 4}) {
		t.Errorf("Blend with beta=0 must overwrite stale values, got %v", out)
	}

	Blend(out, []float32{1, 1}, 1, 0.5)
	if !float32SliceEqual(out, []float32{2, 3}) {
		t.Errorf("Blend: got %v", out)
	}
}

// TestBiasAdd tests channel-wise bias broadcasting.
func TestBiasAdd(t *testing.T) {
	out := []float32{1, 1, 1, 2, 2, 2} // [2,3]
	BiasAdd(out, []float32{10, 20, 30}, 1, 1)

	expected := []float32{11, 21, 31, 12, 22, 32}
	if !float32SliceEqual(out, expected) {
		t.Errorf("BiasAdd: got %v, expected %v", out, expected)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic for mismatched bias length")
		}
	}()
	BiasAdd(out, []float32{1, 2, 3, 4}, 1, 1)
}
