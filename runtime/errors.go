package runtime

import "errors"

// Sentinel errors mapped to HTTP statuses by the API layer.
var (
	// ErrBusy means a run is already admitted and not yet released.
	ErrBusy = errors.New("worker is busy")
	// ErrRunNotFound means the run id does not match the current run.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunStopping means the run no longer accepts passes.
	ErrRunStopping = errors.New("run is stopping or stopped")
)

// BadRequestError marks malformed /run/start payloads (400).
type BadRequestError struct {
	Detail string
}

func (e *BadRequestError) Error() string { return e.Detail }

func badRequest(detail string) error { return &BadRequestError{Detail: detail} }
