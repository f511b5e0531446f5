package pipeline

import (
	"fmt"
	"image"
	"time"
)

// TaskKind is fixed for a loaded model: models with more than one output
// tensor are detectors, everything else is a classifier.
type TaskKind int

const (
	UnknownTask TaskKind = iota
	ClassificationTask
	DetectionTask
)

func taskFromOutputs(n int) TaskKind {
	if n > 1 {
		return DetectionTask
	}
	return ClassificationTask
}

func (k TaskKind) String() string {
	switch k {
	case ClassificationTask:
		return "classification"
	case DetectionTask:
		return "detection"
	default:
		return "unknown"
	}
}

func (k TaskKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *TaskKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "classification":
		*k = ClassificationTask
	case "detection":
		*k = DetectionTask
	case "unknown":
		*k = UnknownTask
	default:
		return fmt.Errorf("unknown task kind %q", b)
	}
	return nil
}

// Box is a rectangle in pixel coordinates of the original image.
type Box struct {
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
}

// Rectangle rounds the box to integer pixel coordinates.
func (b Box) Rectangle() image.Rectangle {
	return image.Rect(int(b.X+0.5), int(b.Y+0.5), int(b.X+b.Width+0.5), int(b.Y+b.Height+0.5))
}

type Item struct {
	Caption    string  `json:"caption"`
	Confidence float32 `json:"confidence"`
	Class      int     `json:"class"`
	Box        *Box    `json:"box,omitempty"`
}

// Result is produced by one Run and never modified afterwards.
type Result struct {
	Task        TaskKind      `json:"task"`
	Items       []Item        `json:"items"`
	Elapsed     time.Duration `json:"elapsed"`
	ImageWidth  int           `json:"image_width"`
	ImageHeight int           `json:"image_height"`
}

func (r *Result) Captions() []string {
	out := make([]string, len(r.Items))
	for i, it := range r.Items {
		out[i] = it.Caption
	}
	return out
}

func (r *Result) Confidences() []float32 {
	out := make([]float32, len(r.Items))
	for i, it := range r.Items {
		out[i] = it.Confidence
	}
	return out
}

// Boxes returns the boxes of the items that have one; classification results
// return an empty slice.
func (r *Result) Boxes() []Box {
	out := []Box{}
	for _, it := range r.Items {
		if it.Box != nil {
			out = append(out, *it.Box)
		}
	}
	return out
}
