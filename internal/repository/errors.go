package repository

import "errors"

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrInvalidArgument indicates the write violated a constraint.
var ErrInvalidArgument = errors.New("invalid argument")
