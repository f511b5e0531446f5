package pipeline

import (
	"fmt"
	"time"

	"github.com/mpromonet/tflite-pipeline/engine"
)

// Invoke runs one forward pass and reports its wall-clock duration. A failed
// pass is never retried: the engine may have left its buffers in a partial
// state, so the next frame has to be prepared again from scratch.
func Invoke(interp engine.Interpreter) (time.Duration, error) {
	start := time.Now()
	if err := interp.Invoke(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %w", ErrInvoke, err)
	}
	return time.Since(start), nil
}
