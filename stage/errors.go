package stage

import "errors"

var (
	ErrStageRunning    = errors.New("stage already running")
	ErrStageNotRunning = errors.New("stage is not running")
	ErrQueueFull       = errors.New("job queue is full")
	ErrPoolShutdown    = errors.New("worker pool is shut down")
	ErrShutdownTimeout = errors.New("shutdown timeout")
	ErrNoDestination   = errors.New("envelope has no destination")
	ErrUnknownRole     = errors.New("unknown role")
	ErrSendFailed      = errors.New("failed to send envelope")
)
