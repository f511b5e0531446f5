package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mpromonet/tflite-pipeline/engine"
	"github.com/mpromonet/tflite-pipeline/engine/onnxbackend"
	"github.com/mpromonet/tflite-pipeline/engine/tflitebackend"
)

// selectLoader picks the engine from the model file extension: .onnx models
// run on ONNX Runtime, everything else on TensorFlow Lite.
func selectLoader(modelPath string, log logrus.FieldLogger) engine.Loader {
	if strings.EqualFold(filepath.Ext(modelPath), ".onnx") {
		return onnxbackend.Loader{LibraryPath: os.Getenv("ONNXRUNTIME_LIB"), Log: log}
	}
	return tflitebackend.Loader{Log: log}
}

func releaseLoader(loader engine.Loader, log logrus.FieldLogger) {
	if _, ok := loader.(onnxbackend.Loader); !ok {
		return
	}
	if err := onnxbackend.Shutdown(); err != nil {
		log.WithError(err).Warn("ONNX Runtime shutdown")
	}
}
