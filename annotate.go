/* ---------------------------------------------------------------------------
** This software is in the public domain, furnished "as is", without technical
** support, and with no warranty, express or implied, as to its usefulness for
** any purpose.
** -------------------------------------------------------------------------*/

package main

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/mpromonet/tflite-pipeline/pipeline"
)

var boxColor = color.RGBA{R: 0, G: 255, B: 0, A: 0}

func decodeImage(data []byte) (image.Image, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, err
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, errors.New("unsupported image format")
	}
	return mat.ToImage()
}

// annotateJPEG decodes data, draws res over it and encodes it as JPEG.
func annotateJPEG(data []byte, res *pipeline.Result) ([]byte, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, err
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, errors.New("unsupported image format")
	}

	drawResult(&mat, res)

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

// drawResult draws boxes with their caption, or stacks the captions in the
// top left corner for classification results.
func drawResult(mat *gocv.Mat, res *pipeline.Result) {
	for i, it := range res.Items {
		caption := it.Caption
		if caption == "" {
			caption = fmt.Sprintf("#%d", it.Class)
		}
		text := fmt.Sprintf("%s %.0f%%", caption, it.Confidence*100)

		if it.Box == nil {
			gocv.PutText(mat, text, image.Pt(8, 20*(i+1)), gocv.FontHersheySimplex, 0.6, boxColor, 2)
			continue
		}
		r := it.Box.Rectangle()
		gocv.Rectangle(mat, r, boxColor, 2)
		gocv.PutText(mat, text, image.Pt(r.Min.X, max(r.Min.Y-4, 12)), gocv.FontHersheySimplex, 0.5, boxColor, 1)
	}
}

// writeAnnotated saves img with res drawn over it; the format follows the
// extension of path.
func writeAnnotated(path string, img image.Image, res *pipeline.Result) error {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return err
	}
	defer mat.Close()

	drawResult(&mat, res)
	if !gocv.IMWrite(path, mat) {
		return fmt.Errorf("cannot write %s", path)
	}
	return nil
}
