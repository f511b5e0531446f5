/*
 * SPDX-License-Identifier: Unlicense
 *
 * This is free and unencumbered software released into the public domain.
 *
 * Anyone is free to copy, modify, publish, use, compile, sell, or distribute this
 * software, either in source code form or as a compiled binary, for any purpose,
 * commercial or non-commercial, and by any means.
 *
 * For more information, please refer to <http://unlicense.org/>
 */

package pipeline

import (
	"github.com/mpromonet/tflite-pipeline/engine"
)

// frame describes the image a set of outputs was computed from.
type frame struct {
	width, height int
	threshold     float32
}

// PostProcessing turns the output tensors of one run into result items. One
// implementation is picked per model at Init, from its TaskKind.
type PostProcessing interface {
	extractResult(outputs []engine.Tensor, f frame) ([]Item, error)
}

type classifierPostProcessing struct {
	labels     Labels
	topN       int
	dequantize Dequantizer
}

func (p classifierPostProcessing) extractResult(outputs []engine.Tensor, f frame) ([]Item, error) {
	if len(outputs) == 0 {
		return nil, ErrUnavailable
	}
	predictions, err := DecodeClassification(outputs[0], ClassifyOptions{
		Threshold:  f.threshold,
		TopN:       p.topN,
		Dequantize: p.dequantize,
	})
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(predictions))
	for _, pr := range predictions {
		items = append(items, Item{
			Caption:    p.labels.Get(pr.Class),
			Confidence: pr.Confidence,
			Class:      pr.Class,
		})
	}
	return items, nil
}

type ssdPostProcessing struct {
	labels      Labels
	classOffset int
	fullScan    bool
	dequantize  Dequantizer
}

func (p ssdPostProcessing) extractResult(outputs []engine.Tensor, f frame) ([]Item, error) {
	detections, err := DecodeDetections(outputs, DetectOptions{
		Threshold:   f.threshold,
		ClassOffset: p.classOffset,
		FullScan:    p.fullScan,
		Dequantize:  p.dequantize,
	}, f.width, f.height)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(detections))
	for _, d := range detections {
		box := d.Box
		items = append(items, Item{
			Caption:    p.labels.Get(d.Class),
			Confidence: d.Confidence,
			Class:      d.Class,
			Box:        &box,
		})
	}
	return items, nil
}
