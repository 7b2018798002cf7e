package models

import (
	"errors"
	"fmt"
)

var (
	// ErrRemoteUnavailable matches any failure of a remote listing call.
	ErrRemoteUnavailable = errors.New("remote unavailable")
	// ErrLocalAccess matches any failure reading the local sync folder.
	ErrLocalAccess = errors.New("local access error")
)

// RemoteError is returned when listing a remote path fails.
type RemoteError struct {
	Namespace string
	Path      string
	Err       error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("list %s:%s: %v", e.Namespace, e.Path, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrRemoteUnavailable) hold for every RemoteError.
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemoteUnavailable
}

// AsRemote checks if an error is a RemoteError and returns it.
func AsRemote(err error) (*RemoteError, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// LocalAccessError is returned when the local sync folder cannot be read.
type LocalAccessError struct {
	Path string
	Err  error
}

func (e *LocalAccessError) Error() string {
	return fmt.Sprintf("read local %s: %v", e.Path, e.Err)
}

func (e *LocalAccessError) Unwrap() error {
	return e.Err
}

func (e *LocalAccessError) Is(target error) bool {
	return target == ErrLocalAccess
}
