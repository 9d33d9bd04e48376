package editsync

import "errors"

// errors.go provides the sentinel errors for the editsync package
//
// error type checking:
//   an error can be checked if it is any of these using errors.Is(err, ErrType)

// used for client lifecycle
var (
	ErrClientClosed = errors.New("edit client closed")
)

// used for the in-memory store
var (
	ErrItemNotFound  = errors.New("item not found")
	ErrEmptyFieldKey = errors.New("field key must not be empty")
)
