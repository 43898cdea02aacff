package tree

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("person not found")
	ErrDuplicateRelationship = errors.New("relationship already exists")
	ErrParentSlotFull        = errors.New("person already has two parents")
	ErrSelfRelationship      = errors.New("a person cannot be related to themselves")
	ErrUnknownRelation       = errors.New("unknown relation type")
	ErrUnknownKind           = errors.New("unknown relationship kind")
	ErrStaleDelta            = errors.New("tree changed since the change was prepared; retry")
	ErrNodeAlreadyLinked     = errors.New("person is already linked to an account")
	ErrAccountAlreadyLinked  = errors.New("account is already linked to another person")
	ErrInvariant             = errors.New("relationship change would break tree consistency")
)

// PersistenceError wraps a failure of the backing store. The in-memory graph
// is never modified when one is returned.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
