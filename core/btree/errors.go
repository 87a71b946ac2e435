package btree

import "errors"

// --- Error Definitions ---

var (
	ErrInvalidNodeKind = errors.New("invalid node kind tag, page corruption suspected")
	ErrBoundsViolation = errors.New("node entry index out of bounds")
	ErrEmptyKey        = errors.New("key must not be empty")
	ErrKeyTooLarge     = errors.New("key exceeds maximum key size")
	ErrValueTooLarge   = errors.New("value exceeds maximum value size")
)
