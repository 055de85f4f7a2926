package masjeedsync

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a class of failure in the offline layer.
type ErrorCode string

const (
	CodeNetwork        ErrorCode = "NETWORK_ERROR"
	CodeStorage        ErrorCode = "STORAGE_ERROR"
	CodeSerialization  ErrorCode = "SERIALIZATION_ERROR"
	CodeRetryExhausted ErrorCode = "RETRY_EXHAUSTED"
)

// ErrNotFound is returned by Store.Get for a missing or expired record.
var ErrNotFound = errors.New("record not found")

// NetworkError means the origin was unreachable or answered with a non-2xx status.
type NetworkError struct {
	Method string
	URL    string
	Status int // 0 when the request never got a response
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("[%s] %s %s: status %d", CodeNetwork, e.Method, e.URL, e.Status)
	}
	return fmt.Sprintf("[%s] %s %s: %v", CodeNetwork, e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StorageError wraps a failed store operation.
type StorageError struct {
	Op         string
	Collection Collection
	ID         string
	Quota      bool
	Err        error
}

func (e *StorageError) Error() string {
	target := string(e.Collection)
	if e.ID != "" {
		target += "/" + e.ID
	}
	if e.Quota {
		return fmt.Sprintf("[%s] %s %s: quota exceeded", CodeStorage, e.Op, target)
	}
	return fmt.Sprintf("[%s] %s %s: %v", CodeStorage, e.Op, target, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// SerializationError means a request body could not be captured for replay.
type SerializationError struct {
	URL string
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("[%s] capture body for %s: %v", CodeSerialization, e.URL, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// RetryExhaustedError is attached to failure events, never returned.
type RetryExhaustedError struct {
	ID         string
	RetryCount int
	Last       error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("[%s] request %s gave up after %d retries: %v", CodeRetryExhausted, e.ID, e.RetryCount, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }

// Code reports the ErrorCode carried by err, or "" when none.
func Code(err error) ErrorCode {
	var (
		ne *NetworkError
		se *StorageError
		ze *SerializationError
		re *RetryExhaustedError
	)
	switch {
	case errors.As(err, &re):
		return CodeRetryExhausted
	case errors.As(err, &ze):
		return CodeSerialization
	case errors.As(err, &se):
		return CodeStorage
	case errors.As(err, &ne):
		return CodeNetwork
	}
	return ""
}

func storageErr(op string, c Collection, id string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Collection: c, ID: id, Err: err}
}
