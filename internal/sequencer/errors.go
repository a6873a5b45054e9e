package sequencer

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotLoaded     = errors.New("slot has no loaded image")
	ErrNoModels      = errors.New("model list is empty")
	ErrBatchReplaced = errors.New("batch replaced before it settled")
	errNotImage      = errors.New("response is not an image")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ThrottledError carries the whole seconds left before another batch may start.
type ThrottledError struct {
	Remaining time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("generation throttled, retry in %s", e.Remaining)
}

func (e *ThrottledError) Seconds() int {
	return int(e.Remaining / time.Second)
}

type FetchError struct {
	Slot int
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("image %d: %v", e.Slot+1, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

type ModelListError struct {
	Err error
}

func (e *ModelListError) Error() string {
	return fmt.Sprintf("loading models: %v", e.Err)
}

func (e *ModelListError) Unwrap() error {
	return e.Err
}

func remaining(cooldown, elapsed time.Duration) time.Duration {
	secs := int64(cooldown/time.Second) - int64(elapsed/time.Second)
	if secs < 0 {
		secs = 0
	}
	return time.Duration(secs) * time.Second
}
