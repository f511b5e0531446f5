/* ---------------------------------------------------------------------------
** This software is in the public domain, furnished "as is", without technical
** support, and with no warranty, express or implied, as to its usefulness for
** any purpose.
** -------------------------------------------------------------------------*/

package pipeline

import (
	"fmt"

	"github.com/mpromonet/tflite-pipeline/engine"
)

// Output tensor roles of SSD-style detection models.
const (
	boxesOutput = iota
	classesOutput
	scoresOutput
	countOutput
	numDetectionOutputs
)

type DetectOptions struct {
	Threshold float32
	// ClassOffset is added to the raw class id. A positive offset reserves
	// shifted id 0 for the background: those detections are skipped and
	// labels files start with a placeholder line. With 0 every raw id is a
	// real class.
	ClassOffset int
	// FullScan examines every candidate. When false the decoder stops at the
	// first score under Threshold, which is only correct for models that emit
	// candidates sorted by descending score.
	FullScan   bool
	Dequantize Dequantizer
}

type Detection struct {
	Class      int
	Confidence float32
	Box        Box
}

// DecodeDetections reads boxes, classes, scores and count from the four
// SSD outputs and scales the normalized boxes to a width x height image.
func DecodeDetections(outputs []engine.Tensor, opts DetectOptions, width, height int) ([]Detection, error) {
	if len(outputs) < numDetectionOutputs {
		return nil, fmt.Errorf("%w: detection needs %d output tensors, got %d", ErrUnavailable, numDetectionOutputs, len(outputs))
	}
	var t [numDetectionOutputs]typedTensor
	for i := range t {
		var err error
		if t[i], err = typed(outputs[i], opts.Dequantize); err != nil {
			return nil, fmt.Errorf("cannot handle output type: %w", err)
		}
	}
	boxes, classes, scores, count := t[boxesOutput], t[classesOutput], t[scoresOutput], t[countOutput]
	if count.Len() == 0 {
		return nil, fmt.Errorf("%w: empty detection count", ErrUnavailable)
	}

	n := int(count.Value(0))
	n = min(n, classes.Len(), scores.Len(), boxes.Len()/4)

	w, h := float32(width), float32(height)
	detections := []Detection{}
	for i := 0; i < n; i++ {
		cls := int(classes.Value(i)) + opts.ClassOffset
		if opts.ClassOffset > 0 && cls == 0 {
			continue
		}

		score := scores.Score(i)
		if score < opts.Threshold {
			if opts.FullScan {
				continue
			}
			break
		}

		top := boxes.Score(4*i) * h
		left := boxes.Score(4*i+1) * w
		bottom := boxes.Score(4*i+2) * h
		right := boxes.Score(4*i+3) * w

		detections = append(detections, Detection{
			Class:      cls,
			Confidence: score,
			Box:        Box{X: left, Y: top, Width: right - left, Height: bottom - top},
		})
	}
	return detections, nil
}
