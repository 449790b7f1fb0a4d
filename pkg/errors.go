// Package pkg holds utilities shared across the server packages.
// This file defines the HTTP-facing domain errors.
//
// Services return these (usually wrapped) and handlers map them to status
// codes with Error:
//
//	if errors.Is(err, pkg.ErrNotFound) { ... }
package pkg

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrAlreadyExists = errors.New("already exists")
	ErrBadRequest    = errors.New("bad request")
	ErrInternal      = errors.New("internal error")
	// ErrUnavailable marks an optional collaborator that is not configured.
	ErrUnavailable = errors.New("service unavailable")
)
