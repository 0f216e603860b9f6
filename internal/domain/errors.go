package domain

import "errors"

var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicateKey      = errors.New("duplicate key")
	ErrUnknownCollection = errors.New("unknown collection")
	ErrInvalidInput      = errors.New("invalid input")
)
