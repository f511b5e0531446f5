package pipeline

import (
	"sort"

	"github.com/mpromonet/tflite-pipeline/engine"
)

// DefaultTopN is the number of classes reported for a classification model.
const DefaultTopN = 5

type ClassifyOptions struct {
	Threshold  float32
	TopN       int
	Dequantize Dequantizer
}

// Prediction is a class id with its confidence.
type Prediction struct {
	Class      int
	Confidence float32
}

// DecodeClassification returns up to TopN classes whose confidence is at
// least Threshold, highest first. Equal confidences keep index order.
func DecodeClassification(output engine.Tensor, opts ClassifyOptions) ([]Prediction, error) {
	scores, err := typed(output, opts.Dequantize)
	if err != nil {
		return nil, err
	}
	topN := opts.TopN
	if topN <= 0 {
		topN = DefaultTopN
	}

	candidates := []Prediction{}
	for i := 0; i < scores.Len(); i++ {
		if v := scores.Score(i); v >= opts.Threshold {
			candidates = append(candidates, Prediction{Class: i, Confidence: v})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})
	if len(candidates) > topN {
		candidates = candidates[:topN]
	}
	return candidates, nil
}
