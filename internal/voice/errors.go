package voice

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned by Start while a session is still live.
	ErrBusy = errors.New("conversation already active")
	// ErrClosedConversation is returned after Close.
	ErrClosedConversation = errors.New("conversation closed")
)

// PermissionError reports that access to the microphone was refused.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("microphone unavailable: %v", e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }
