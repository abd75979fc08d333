package tonemap

import "errors"

var (
	// ErrInvalidParameters is returned when a layer has no usable 3D LUT
	ErrInvalidParameters = errors.New("invalid tone-map parameters")

	// ErrAllocationFailure is returned when intermediate buffers cannot be allocated
	ErrAllocationFailure = errors.New("intermediate buffer allocation failed")

	// ErrEngineUnavailable is returned when no tone-map engine can serve a config
	ErrEngineUnavailable = errors.New("tone-map engine unavailable")

	// ErrOutOfMemory is returned when the manager cannot hold another session
	ErrOutOfMemory = errors.New("no room for another tone-map session")

	// ErrFrameFailed wraps any error that invalidated a whole frame
	ErrFrameFailed = errors.New("tone-map frame failed")
)
