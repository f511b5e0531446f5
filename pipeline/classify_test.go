package pipeline

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpromonet/tflite-pipeline/engine"
)

func floatTensor(name string, values ...float32) *engine.Buffer {
	b := engine.MustBuffer(name, engine.Float32, 1, len(values))
	copy(b.Float32s(), values)
	return b
}

func quantTensor(name string, values ...uint8) *engine.Buffer {
	b := engine.MustBuffer(name, engine.UInt8, 1, len(values))
	copy(b.UInt8s(), values)
	return b
}

func TestDecodeClassification_SingleHit(t *testing.T) {
	scores := make([]float32, 1000)
	scores[7] = 0.9

	got, err := DecodeClassification(floatTensor("scores", scores...), ClassifyOptions{Threshold: 0.3})
	require.NoError(t, err)
	assert.Equal(t, []Prediction{{Class: 7, Confidence: 0.9}}, got)
}

func TestDecodeClassification(t *testing.T) {
	tests := []struct {
		name      string
		scores    []float32
		threshold float32
		want      []Prediction
	}{
		{
			name:      "top five of eight, descending",
			scores:    []float32{0.1, 0.8, 0.3, 0.9, 0.5, 0.7, 0.2, 0.6},
			threshold: 0.05,
			want: []Prediction{
				{Class: 3, Confidence: 0.9},
				{Class: 1, Confidence: 0.8},
				{Class: 5, Confidence: 0.7},
				{Class: 7, Confidence: 0.6},
				{Class: 4, Confidence: 0.5},
			},
		},
		{
			name:      "fewer than five clear the threshold",
			scores:    []float32{0.1, 0.8, 0.3, 0.9},
			threshold: 0.3,
			want: []Prediction{
				{Class: 3, Confidence: 0.9},
				{Class: 1, Confidence: 0.8},
				{Class: 2, Confidence: 0.3},
			},
		},
		{
			name:      "nothing clears the threshold",
			scores:    []float32{0.1, 0.2},
			threshold: 0.5,
			want:      []Prediction{},
		},
		{
			name:      "ties keep index order",
			scores:    []float32{0.4, 0.6, 0.4, 0.6},
			threshold: 0.4,
			want: []Prediction{
				{Class: 1, Confidence: 0.6},
				{Class: 3, Confidence: 0.6},
				{Class: 0, Confidence: 0.4},
				{Class: 2, Confidence: 0.4},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeClassification(floatTensor("scores", tt.scores...), ClassifyOptions{Threshold: tt.threshold})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeClassification_Quantized(t *testing.T) {
	out := quantTensor("scores", 0, 255, 51, 128)

	got, err := DecodeClassification(out, ClassifyOptions{Threshold: 0.3})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Class)
	assert.InDelta(t, 1.0, got[0].Confidence, 1e-6)
	assert.Equal(t, 3, got[1].Class)
	assert.InDelta(t, 128.0/255, got[1].Confidence, 1e-6)

	// a caller supplied transform is applied before the threshold
	halve := func(v uint8) float32 { return float32(v) / 510 }
	got, err = DecodeClassification(out, ClassifyOptions{Threshold: 0.3, Dequantize: halve})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Class)
	assert.InDelta(t, 0.5, got[0].Confidence, 1e-6)
}

func TestDecodeClassification_TopN(t *testing.T) {
	got, err := DecodeClassification(floatTensor("scores", 0.9, 0.8, 0.7), ClassifyOptions{TopN: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestDecodeClassification_UnsupportedType(t *testing.T) {
	out := engine.MustBuffer("scores", engine.Int32, 1, 10)
	_, err := DecodeClassification(out, ClassifyOptions{})
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = DecodeClassification(nil, ClassifyOptions{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestDecodeClassification_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 200; iter++ {
		n := 1 + rng.Intn(50)
		scores := make([]float32, n)
		for i := range scores {
			scores[i] = rng.Float32()
		}
		threshold := rng.Float32()

		got, err := DecodeClassification(floatTensor("scores", scores...), ClassifyOptions{Threshold: threshold})
		require.NoError(t, err)

		above := 0
		for _, s := range scores {
			if s >= threshold {
				above++
			}
		}
		require.Len(t, got, min(above, DefaultTopN))
		for i, p := range got {
			assert.GreaterOrEqual(t, p.Confidence, threshold)
			assert.Equal(t, scores[p.Class], p.Confidence)
			if i > 0 {
				assert.GreaterOrEqual(t, got[i-1].Confidence, p.Confidence)
			}
		}
	}
}
