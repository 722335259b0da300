package quant

import (
	"math"
	"sync"
)

// NoPosition marks a Param produced in scale mode, where the position has been
// folded into the scale.
const NoPosition = -999999

// int8Critical is the largest int8 code.
const int8Critical = 127

// Tool computes int8 quantization parameters for named layers, keeping the
// running absolute maximum of every layer across calls so that parameters
// are stable over several input batches.
type Tool struct {
	mu     sync.Mutex
	absMax map[string]float32
}

// NewTool creates a Tool with no recorded layers.
func NewTool() *Tool {
	return &Tool{absMax: make(map[string]float32)}
}

// AbsMax returns the running absolute maximum recorded for layer.
func (t *Tool) AbsMax(layer string) (float32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.absMax[layer]
	return v, ok
}

// observe folds data into the running maximum of layer and returns it.
func (t *Tool) observe(data []float32, layer string) float32 {
	m := AbsMax(data)

	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.absMax[layer]; ok && prev > m {
		return prev
	}
	t.absMax[layer] = m
	return m
}

// Param returns the int8 parameters for data in layer:
//
//	position = trunc(log2(absmax/127)), plus 1 when positive, clamped to [-32, 32]
//	scale    = 127 * 2^position / absmax
//
// absmax is the running maximum for the layer; an all-zero layer gets (0, 1).
func (t *Tool) Param(data []float32, layer string) Param {
	pos, scale := commonParam(t.observe(data, layer))
	return Param{Position: pos, Scale: scale}
}

// ScaleParam returns the parameters in scale mode, where the position is
// folded into the scale: scale' = 2^-position * scale, Position = NoPosition.
func (t *Tool) ScaleParam(data []float32, layer string) Param {
	pos, scale := commonParam(t.observe(data, layer))
	return Param{
		Position: NoPosition,
		Scale:    float32(math.Pow(2, float64(-pos)) * float64(scale)),
	}
}

func commonParam(absmax float32) (int, float32) {
	if absmax == 0 {
		return 0, 1
	}

	p := math.Log2(float64(absmax) / int8Critical)
	if p > 0 {
		p++
	}
	p = math.Max(-32, math.Min(32, p))
	pos := int(p)
	return pos, float32(int8Critical * math.Pow(2, float64(pos)) / float64(absmax))
}
