package pipeline

import "errors"

var (
	// ErrNoModel is returned by Init when neither a model nor a labels path is configured.
	ErrNoModel = errors.New("no model configured")

	ErrModelLoad   = errors.New("model loading failed")
	ErrEngineBuild = errors.New("interpreter build failed")
	ErrAllocate    = errors.New("tensor allocation failed")
	ErrInternal    = errors.New("unexpected failure during initialization")

	ErrNotReady        = errors.New("pipeline not initialized")
	ErrUnsupportedType = errors.New("unsupported tensor type")
	ErrInvoke          = errors.New("inference failed")
	// ErrUnavailable reports model outputs that do not have the expected layout.
	ErrUnavailable = errors.New("outputs unavailable")
	ErrEmptyImage  = errors.New("empty image")

	ErrBusy    = errors.New("inference already in progress")
	ErrStopped = errors.New("worker stopped")
)
