package dispatch

import "errors"

var (
	ErrStopped   = errors.New("dispatch pool stopped")
	ErrStopping  = errors.New("dispatch pool stopping")
	ErrQueueFull = errors.New("dispatch pool queue full")
)
