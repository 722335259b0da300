package cpu

import (
	"math"
	"testing"
)

// TestActivation tests each activation mode.
func TestActivation(t *testing.T) {
	backend := New()
	in := []float32{-4, -3, 0, 3, 8}

	tests := []struct {
		mode     ActivationMode
		coef     float32
		expected []float32
	}{
		{ActReLU, 0, []float32{0, 0, 0, 3, 8}},
		{ActReLU6, 0, []float32{0, 0, 0, 3, 6}},
		{ActReLU6, 2, []float32{0, 0, 0, 2, 2}},
		{ActHardSigmoid, 0, []float32{0, 0, 0.5, 1, 1}},
		{ActTanh, 0, []float32{
			float32(math.Tanh(-4)), float32(math.Tanh(-3)), 0, float32(math.Tanh(3)), float32(math.Tanh(8)),
		}},
		{ActSigmoid, 0, []float32{
			float32(1 / (1 + math.Exp(4))), float32(1 / (1 + math.Exp(3))), 0.5,
			float32(1 / (1 + math.Exp(-3))), float32(1 / (1 + math.Exp(-8))),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			out := make([]float32, len(in))
			backend.Activation(out, in, tt.mode, tt.coef, false)
			if !float32SliceEqual(out, tt.expected) {
				t.Errorf("Expected %v, got %v", tt.expected, out)
			}
		})
	}
}

// TestActivation_NaN tests NaN handling.
func TestActivation_NaN(t *testing.T) {
	backend := New()
	in := []float32{float32(math.NaN())}
	out := make([]float32, 1)

	backend.Activation(out, in, ActReLU, 0, false)
	if out[0] != 0 {
		t.Errorf("Expected NaN clamped to 0, got %v", out[0])
	}

	backend.Activation(out, in, ActReLU, 0, true)
	if !math.IsNaN(float64(out[0])) {
		t.Errorf("Expected NaN propagated, got %v", out[0])
	}
}

// TestSoftmaxAxis tests softmax along each axis.
func TestSoftmaxAxis(t *testing.T) {
	backend := New()

	// [2, 3]
	in := []float32{1, 2, 3, 4, 5, 6}

	t.Run("last_axis", func(t *testing.T) {
		out := make([]float32, 6)
		backend.SoftmaxAxis(out, in, []int{2, 3}, 1, SoftmaxAccurate)

		// Rows differ by a constant, so their softmax is identical.
		if !float32SliceEqual(out[:3], out[3:]) {
			t.Errorf("Expected identical rows, got %v", out)
		}
		var sum float32
		for _, v := range out[:3] {
			sum += v
		}
		if math.Abs(float64(sum-1)) > 1e-5 {
			t.Errorf("Row sums to %f", sum)
		}
	})

	t.Run("first_axis", func(t *testing.T) {
		out := make([]float32, 6)
		backend.SoftmaxAxis(out, in, []int{2, 3}, 0, SoftmaxAccurate)

		// Each column has values x and x+3.
		lo := float32(1 / (1 + math.Exp(3)))
		hi := float32(1 / (1 + math.Exp(-3)))
		expected := []float32{lo, lo, lo, hi, hi, hi}
		if !float32SliceEqual(out, expected) {
			t.Errorf("Expected %v, got %v", expected, out)
		}
	})

	t.Run("fast_matches_accurate", func(t *testing.T) {
		fast := make([]float32, 6)
		accurate := make([]float32, 6)
		backend.SoftmaxAxis(fast, in, []int{2, 3}, 1, SoftmaxFast)
		backend.SoftmaxAxis(accurate, in, []int{2, 3}, 1, SoftmaxAccurate)
		if !float32SliceEqual(fast, accurate) {
			t.Errorf("Fast %v differs from accurate %v", fast, accurate)
		}
	})

	t.Run("log", func(t *testing.T) {
		out := make([]float32, 6)
		backend.SoftmaxAxis(out, in, []int{2, 3}, 1, SoftmaxLog)
		var sum float64
		for _, v := range out[:3] {
			if v > 0 {
				t.Errorf("Log-softmax must be <= 0, got %v", v)
			}
			sum += math.Exp(float64(v))
		}
		if math.Abs(sum-1) > 1e-5 {
			t.Errorf("exp(log_softmax) sums to %f", sum)
		}
	})
}

// TestSoftmaxAxis_OutOfRange tests axis validation.
func TestSoftmaxAxis_OutOfRange(t *testing.T) {
	backend := New()
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic for out-of-range axis")
		}
	}()
	backend.SoftmaxAxis(make([]float32, 2), make([]float32, 2), []int{2}, 1, SoftmaxAccurate)
}
