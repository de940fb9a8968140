// Package services defines the business logic for direct messages,
// announcements, and suggestions. This file centralizes common
// service-level error values so that they can be consistently returned
// by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler/controller layer.
package services

import "errors"

var (
	// ErrEmptyContent is returned when a message or suggestion body is
	// blank after trimming.
	ErrEmptyContent = errors.New("content is empty")

	// ErrTooLong is returned when a message body exceeds the maximum
	// configured length limit.
	ErrTooLong = errors.New("content too long")

	// ErrEmptyReceiver is returned when a direct message names no
	// recipient.
	ErrEmptyReceiver = errors.New("receiver is empty")

	// ErrSelfMessage is returned when sender and receiver are the same
	// user.
	ErrSelfMessage = errors.New("cannot message yourself")

	// ErrMessageNotFound indicates that the requested message does not
	// exist or is not accessible to the current user.
	ErrMessageNotFound = errors.New("message not found")

	// ErrEmptyTitle is returned when an announcement has a blank title.
	ErrEmptyTitle = errors.New("title is empty")

	// ErrEmptyBody is returned when an announcement has a blank body.
	ErrEmptyBody = errors.New("body is empty")
)
