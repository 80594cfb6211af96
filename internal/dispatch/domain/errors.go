package domain

import "errors"

// Every failure surfaced by the dispatch core wraps exactly one of these.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidState    = errors.New("invalid state")
	ErrNotFound        = errors.New("not found")
	ErrDuplicateRating = errors.New("duplicate rating")
	ErrNoLocation      = errors.New("no rider location")
)
