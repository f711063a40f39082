package server

import (
	"errors"
	"fmt"
)

var (
	// ErrNameTaken indicates a registration with a name that is in use or invalid
	ErrNameTaken = errors.New("name taken")
	// ErrUserNotInitialized indicates an action from a session without a registered name
	ErrUserNotInitialized = errors.New("user not initialized")
	// ErrInvalidRecipient indicates a whisper to a user that is not online
	ErrInvalidRecipient = errors.New("invalid recipient")
)

// NameTakenError carries the rejected name. It matches ErrNameTaken.
type NameTakenError struct {
	Name string
}

func (e *NameTakenError) Error() string {
	return fmt.Sprintf("specified username (%q) already claimed or invalid", e.Name)
}

func (e *NameTakenError) Unwrap() error { return ErrNameTaken }

// InvalidRecipientError carries the unknown whisper target. It matches ErrInvalidRecipient.
type InvalidRecipientError struct {
	Name string
}

func (e *InvalidRecipientError) Error() string {
	return fmt.Sprintf("specified username (%q) invalid", e.Name)
}

func (e *InvalidRecipientError) Unwrap() error { return ErrInvalidRecipient }
