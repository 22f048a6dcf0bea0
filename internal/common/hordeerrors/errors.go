// Package hordeerrors contains generic errors returned by code handling API
// requests. The HTTP façade maps these to stable RC strings and status codes.
//
// If multiple errors occur in some function (e.g., several invalid request
// fields), that function should return an error of type multierror.Error from
// package github.com/hashicorp/go-multierror that encapsulates them.
package hordeerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string // Resource type, e.g., "worker" or "request"
	Value   string // Resource id or name
	Message string // An optional message to include in the error message
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// IsNotFound unwraps err and reports whether it is an ErrNotFound.
func IsNotFound(err error) bool {
	var notFound *ErrNotFound
	return errors.As(err, &notFound)
}

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
// See ErrNotFound for more info.
type ErrAlreadyExists struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "width"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrMalformedAgent indicates a bridge agent string that does not follow the
// name:version:contact format.
type ErrMalformedAgent struct {
	Agent string
}

func (err *ErrMalformedAgent) Error() string {
	return fmt.Sprintf("bridge agent %q is malformed; expected name:version:contact", err.Agent)
}

// ErrInsufficientKudos is returned on upfront admission control when the
// requesting user cannot cover the expected cost of a request.
type ErrInsufficientKudos struct {
	Available float64
	Required  float64
	Threshold float64 // The user's min_kudos floor, carried so clients can explain the rejection.
}

func (err *ErrInsufficientKudos) Error() string {
	return fmt.Sprintf("insufficient kudos: %.2f available, %.2f required (floor %.2f)",
		err.Available, err.Required, err.Threshold)
}

// ErrMaintenanceMode is returned when a worker in maintenance attempts an
// operation that maintenance forbids.
type ErrMaintenanceMode struct {
	WorkerName string
}

func (err *ErrMaintenanceMode) Error() string {
	return fmt.Sprintf("worker %q is in maintenance mode", err.WorkerName)
}

// ErrUnknownModels is returned when none of the models a worker offers are
// known to the horde.
type ErrUnknownModels struct {
	Models []string
}

func (err *ErrUnknownModels) Error() string {
	return fmt.Sprintf("none of the offered models are recognised: %v", err.Models)
}

// ErrRateLimited is returned when an operation exceeds its rolling window,
// e.g. reverse kudos transfers inside the transfer window.
type ErrRateLimited struct {
	Operation string
	Message   string
}

func (err *ErrRateLimited) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("operation %q is rate limited", err.Operation)
	}
	return fmt.Sprintf("operation %q is rate limited; %s", err.Operation, err.Message)
}
