package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrVersionConflict = errors.New("version conflict")
	ErrAddressClaimed  = errors.New("address already belongs to another entity")

	ErrTransientFeed         = errors.New("transient feed error")
	ErrMalformedRecord       = errors.New("malformed record")
	ErrClusteringFailure     = errors.New("clustering failure")
	ErrScoring               = errors.New("scoring error")
	ErrDispatchFailure       = errors.New("dispatch failure")
	ErrFatal                 = errors.New("fatal error")
	ErrGraphStoreUnavailable = fmt.Errorf("%w: graph store unavailable", ErrFatal)
)

// MalformedRecordError describes a transaction that failed validation.
type MalformedRecordError struct {
	TxHash string
	Field  string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed transaction %s: %s %s", e.TxHash, e.Field, e.Reason)
}

func (e *MalformedRecordError) Unwrap() error { return ErrMalformedRecord }

// TransientFeedError wraps a recoverable feed failure.
type TransientFeedError struct {
	Source string
	Err    error
}

func (e *TransientFeedError) Error() string {
	return fmt.Sprintf("feed %s temporarily unavailable: %v", e.Source, e.Err)
}

func (e *TransientFeedError) Unwrap() []error { return []error{ErrTransientFeed, e.Err} }

// DispatchError is returned when an alert could not be delivered.
type DispatchError struct {
	AlertID  string
	Attempts int
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("alert %s not delivered after %d attempts: %v", e.AlertID, e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() []error { return []error{ErrDispatchFailure, e.Err} }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientFeed)
}

// IsFatal reports whether err must halt the pipeline.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
