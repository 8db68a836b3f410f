package db

import "fmt"

// PersistenceError reports a backing-store failure during a ledger read or
// write. The operation it wraps left no partial state behind; the caller
// decides whether to retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistence(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// InvariantViolationError means a transaction references an order without a
// paired fill amount. Transactions are always written with both collections,
// so hitting this indicates inconsistent ledger rows, not a runtime
// condition. Never retried.
type InvariantViolationError struct {
	TransactionID int64
	OrderHash     string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("no fill amount recorded for order %s in transaction %d", e.OrderHash, e.TransactionID)
}
