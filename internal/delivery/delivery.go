// Package delivery sends rendered reports through an outbound channel and
// classifies failures as retryable or permanent.
package delivery

import (
	"context"
	"errors"

	"outlay/internal/core"
)

// Report is one rendered monthly report addressed to one user.
type Report struct {
	UserID  int64
	To      string
	Period  core.Period
	Subject string
	HTML    string
	Rows    []core.CategoryTotal
	Total   core.Money
}

// Channel delivers a report. A nil error means delivered; failures should
// be *Error values so callers know whether to retry.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, r Report) error
}

type Class string

const (
	ClassRetryable Class = "retryable"
	ClassPermanent Class = "permanent"
)

// Error is a classified delivery failure.
type Error struct {
	Class  Class
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

func Retryable(reason string) *Error {
	return &Error{Class: ClassRetryable, Reason: reason}
}

func Permanent(reason string) *Error {
	return &Error{Class: ClassPermanent, Reason: reason}
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	c := *e
	c.Err = cause
	return &c
}

// Classify returns the class of err. Unclassified errors are retryable.
func Classify(err error) Class {
	var de *Error
	if errors.As(err, &de) {
		return de.Class
	}
	return ClassRetryable
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return err != nil && Classify(err) == ClassPermanent
}
