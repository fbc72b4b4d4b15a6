package repository

import (
	"errors"
	"fmt"
)

// ErrRecordNotFound reports that the addressed record does not exist. It is
// returned by the id lookups when the index query matches nothing, and by the
// conditional delete/update operations when the existence precondition fails.
var ErrRecordNotFound = errors.New("record not found")

// TransactionError reports a rejected transactional write: a condition failed
// on one of the items, or the store refused the transaction (conflict,
// capacity). The cause is available via Unwrap; the write is never retried
// here.
type TransactionError struct {
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("repository: transactional write rejected: %v", e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// DecodeError reports a stored key or attribute that does not match the
// expected schema. It indicates data corruption or a schema-version mismatch
// and is always propagated, never skipped.
type DecodeError struct {
	What  string
	Value string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("repository: malformed %s %q", e.What, e.Value)
	}
	return fmt.Sprintf("repository: malformed %s %q: %v", e.What, e.Value, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
