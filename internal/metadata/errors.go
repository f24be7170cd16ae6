package metadata

import "errors"

var (
	ErrDuplicateName     = errors.New("duplicate name")
	ErrInvalidName       = errors.New("invalid name")
	ErrInvalidConstraint = errors.New("invalid constraint")
	ErrImmutable         = errors.New("immutable")
	ErrAppNotFound       = errors.New("app not found")
	ErrAppInactive       = errors.New("app inactive")
	ErrTableNotFound     = errors.New("table not found")
	ErrColumnNotFound    = errors.New("column not found")
	ErrTypeMismatch      = errors.New("type mismatch")
	ErrConcurrentChange  = errors.New("concurrent change")
)
