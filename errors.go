package opalkv

// errors.go defines the error surface of the package.
//
// All fallible operations return explicit errors; there is no silent
// recovery. Base engine failures propagate wrapped, with ErrConflict
// kept distinct so callers can build retry loops around it.

import (
	"errors"

	"github.com/opalkv/opalkv/internal/engine"
)

var (
	// ErrNotFound is returned when a key does not exist in the
	// requested view.
	ErrNotFound = errors.New("opalkv: not found")

	// ErrDBClosed is returned when the database has been closed.
	ErrDBClosed = errors.New("opalkv: database is closed")

	// ErrTransactionDone is returned when an operation is attempted on
	// a transaction that already committed or rolled back.
	ErrTransactionDone = errors.New("opalkv: transaction already committed or rolled back")

	// ErrTransactionReadOnly is returned when trying to write through a
	// read-only transaction (a snapshot's substrate).
	ErrTransactionReadOnly = errors.New("opalkv: transaction is read-only")

	// ErrNoSavePoint is returned by RollbackToSavePoint and
	// PopSavePoint when the savepoint stack is empty.
	ErrNoSavePoint = errors.New("opalkv: no savepoint to rollback to")

	// ErrConflict is returned by Commit when optimistic validation
	// fails: a key this transaction tracked was modified by a commit
	// after the transaction's read point. The transaction is rolled
	// back; retrying means beginning a new transaction. This is the
	// one expected, retryable error - everything else surfaced by the
	// engine is treated as a defect.
	ErrConflict = engine.ErrConflict

	// ErrMergeOperatorMissing is returned when a merge operand is
	// encountered and Options.MergeOperator is nil.
	ErrMergeOperatorMissing = engine.ErrMergeOperatorMissing

	// ErrColumnFamilyNotFound is returned when an operation references
	// a column family name that is not registered.
	ErrColumnFamilyNotFound = errors.New("opalkv: column family not found")

	// ErrColumnFamilyExists is returned when creating a column family
	// whose name is already registered.
	ErrColumnFamilyExists = errors.New("opalkv: column family already exists")

	// ErrColumnFamilyDropped is returned when a previously obtained
	// handle is used after its column family was dropped.
	ErrColumnFamilyDropped = errors.New("opalkv: column family has been dropped")

	// ErrInvalidColumnFamilyHandle is returned when a handle does not
	// belong to this database.
	ErrInvalidColumnFamilyHandle = errors.New("opalkv: invalid column family handle")

	// ErrCannotDropDefaultCF is returned when trying to drop the
	// default column family.
	ErrCannotDropDefaultCF = errors.New("opalkv: cannot drop default column family")

	// ErrMissingColumnFamilyHandle is returned by OpenColumnFamilies
	// when the engine fails to produce a handle for a requested name.
	ErrMissingColumnFamilyHandle = errors.New("opalkv: engine returned no handle for column family")
)
