package pipeline

import (
	"fmt"

	"github.com/mpromonet/tflite-pipeline/engine"
)

const (
	inputMean = 127.5
	inputStd  = 127.5
)

// Dequantizer maps a quantized 8-bit score to a confidence.
type Dequantizer func(uint8) float32

// DefaultDequantize spreads 0..255 over 0..1.
func DefaultDequantize(v uint8) float32 {
	return float32(v) / 255
}

// typedTensor hides the numeric representation of a tensor so that
// preprocessing and decoding are written once per representation.
type typedTensor interface {
	Len() int
	// Fill writes resized pixel values (0..255) into the tensor in the
	// representation the model expects and returns the number written.
	Fill(pixels []float32) int
	// Value returns element i as stored: counts and class ids.
	Value(i int) float32
	// Score returns element i as a confidence or normalized coordinate.
	Score(i int) float32
}

func typed(t engine.Tensor, dequantize Dequantizer) (typedTensor, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: missing tensor", ErrUnavailable)
	}
	switch t.Type() {
	case engine.Float32:
		return float32Tensor(t.Float32s()), nil
	case engine.UInt8:
		if dequantize == nil {
			dequantize = DefaultDequantize
		}
		return quantizedTensor{data: t.UInt8s(), dequantize: dequantize}, nil
	default:
		return nil, fmt.Errorf("%w: %s is %v", ErrUnsupportedType, t.Name(), t.Type())
	}
}

type float32Tensor []float32

func (t float32Tensor) Len() int { return len(t) }

func (t float32Tensor) Fill(pixels []float32) int {
	n := min(len(t), len(pixels))
	for i := 0; i < n; i++ {
		t[i] = (pixels[i] - inputMean) / inputStd
	}
	return n
}

func (t float32Tensor) Value(i int) float32 { return t[i] }
func (t float32Tensor) Score(i int) float32 { return t[i] }

type quantizedTensor struct {
	data       []uint8
	dequantize Dequantizer
}

func (t quantizedTensor) Len() int { return len(t.data) }

func (t quantizedTensor) Fill(pixels []float32) int {
	n := min(len(t.data), len(pixels))
	for i := 0; i < n; i++ {
		v := pixels[i]
		switch {
		case v < 0:
			v = 0
		case v > 255:
			v = 255
		}
		t.data[i] = uint8(v)
	}
	return n
}

func (t quantizedTensor) Value(i int) float32 { return float32(t.data[i]) }
func (t quantizedTensor) Score(i int) float32 { return t.dequantize(t.data[i]) }
