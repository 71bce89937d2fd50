package detections

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures for the transport layer.
type ErrorKind int

const (
	KindDetectionFailure ErrorKind = iota
	KindBadInput
	KindModelUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindBadInput:
		return "bad_input"
	case KindModelUnavailable:
		return "model_unavailable"
	default:
		return "detection_failure"
	}
}

type ProcessingError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

func badInput(message string, cause error) error {
	return &ProcessingError{Kind: KindBadInput, Message: message, Cause: cause}
}

func modelUnavailable(message string, cause error) error {
	return &ProcessingError{Kind: KindModelUnavailable, Message: message, Cause: cause}
}

func detectionFailure(message string, cause error) error {
	return &ProcessingError{Kind: KindDetectionFailure, Message: message, Cause: cause}
}

// KindOf reports the kind of err. Errors that were never classified count
// as detection failures.
func KindOf(err error) ErrorKind {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindDetectionFailure
}
