package core

import (
	"errors"
	"fmt"
)

// Status codes returned across the native/script boundary. The values are a
// stable contract with the JS glue: new outcomes get a new negative constant,
// existing ones are never repurposed.
const (
	StatusOK             = 0
	StatusClosed         = -1
	StatusChannelFull    = -2
	StatusReceiverTaken  = -3
	StatusSendError      = -4
	StatusEmpty          = -5
	StatusErrored        = -6
	StatusReaderReleased = -7
)

var (
	// ErrClosed is the expected end-of-data outcome.
	ErrClosed = errors.New("stream closed")
	// ErrChannelFull is returned by synchronous writes when the channel is at
	// its high water mark. The caller retries after the reader drains.
	ErrChannelFull = errors.New("channel full")
	// ErrReceiverTaken is returned when a second reader is acquired.
	ErrReceiverTaken = errors.New("receiver already taken")
	// ErrSendError reports a producer-side failure.
	ErrSendError = errors.New("send failed")
	// ErrEmpty is returned by non-blocking reads when no chunk is ready.
	ErrEmpty = errors.New("no data available")
	// ErrReaderReleased resolves reads that were outstanding when their
	// reader was released.
	ErrReaderReleased = errors.New("reader released")
	// ErrAlreadyLocked is returned by GetReader on a locked stream.
	ErrAlreadyLocked = fmt.Errorf("stream is already locked: %w", ErrReceiverTaken)
)

// StreamError carries the payload passed to error(). The same *StreamError is
// handed to every subsequent read and write so callers observe an identical
// value each time.
type StreamError struct {
	Value any
}

func (e *StreamError) Error() string {
	switch v := e.Value.(type) {
	case nil:
		return "stream errored"
	case error:
		return "stream errored: " + v.Error()
	case string:
		return "stream errored: " + v
	default:
		return fmt.Sprintf("stream errored: %v", v)
	}
}

// Unwrap exposes an error payload to errors.Is/As.
func (e *StreamError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// NewStreamError wraps v unless it already is a *StreamError.
func NewStreamError(v any) *StreamError {
	if se, ok := v.(*StreamError); ok {
		return se
	}
	return &StreamError{Value: v}
}

// StatusOf maps an error to its boundary status code.
func StatusOf(err error) int {
	var se *StreamError
	switch {
	case err == nil:
		return StatusOK
	case errors.As(err, &se):
		return StatusErrored
	case errors.Is(err, ErrClosed):
		return StatusClosed
	case errors.Is(err, ErrChannelFull):
		return StatusChannelFull
	case errors.Is(err, ErrReceiverTaken):
		return StatusReceiverTaken
	case errors.Is(err, ErrEmpty):
		return StatusEmpty
	case errors.Is(err, ErrReaderReleased):
		return StatusReaderReleased
	default:
		return StatusSendError
	}
}

// ErrorOf is the inverse of StatusOf for the payload-free codes.
func ErrorOf(status int) error {
	switch status {
	case StatusOK:
		return nil
	case StatusClosed:
		return ErrClosed
	case StatusChannelFull:
		return ErrChannelFull
	case StatusReceiverTaken:
		return ErrReceiverTaken
	case StatusEmpty:
		return ErrEmpty
	case StatusReaderReleased:
		return ErrReaderReleased
	case StatusErrored:
		return &StreamError{}
	default:
		return ErrSendError
	}
}
