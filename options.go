package opalkv

// options.go implements database configuration options.

import (
	"github.com/opalkv/opalkv/internal/compression"
	"github.com/opalkv/opalkv/internal/logging"
)

// Logger is an alias for the logging.Logger interface.
// This allows users to pass their own logger implementation.
type Logger = logging.Logger

// CompressionType is an alias for the compression type.
type CompressionType = compression.Type

// Compression type constants. The numbering follows the RocksDB
// CompressionType enum.
const (
	NoCompression     = compression.NoCompression
	SnappyCompression = compression.SnappyCompression
	ZlibCompression   = compression.ZlibCompression
	LZ4Compression    = compression.LZ4Compression
	ZstdCompression   = compression.ZstdCompression
)

// Options contains all configuration options for opening a database.
type Options struct {
	// CreateIfMissing causes Open to create the database if it does not exist.
	CreateIfMissing bool

	// ErrorIfExists causes Open to return an error if the database already exists.
	ErrorIfExists bool

	// Comparator defines the order of keys in the database.
	// If nil, a default bytewise comparator is used.
	Comparator Comparator

	// MergeOperator specifies the merge operator for merge operations.
	// If nil, Merge operations will return an error on read.
	MergeOperator MergeOperator

	// Compression specifies the compression algorithm for log payloads.
	// Default: SnappyCompression
	Compression CompressionType

	// DisableWAL disables the write-ahead log entirely. The database
	// then lives only in memory and nothing survives Close.
	DisableWAL bool

	// Logger is the logger for database operations.
	// If nil, a default logger writing to stderr is used.
	Logger Logger
}

// DefaultOptions returns a new Options with default values.
func DefaultOptions() *Options {
	return &Options{
		CreateIfMissing: false,
		ErrorIfExists:   false,
		Comparator:      nil, // Will use BytewiseComparator
		Compression:     SnappyCompression,
		Logger:          nil, // Will use defaultLogger
	}
}

// ReadOptions contains options for read operations.
type ReadOptions struct {
	// Snapshot provides a consistent view of the database.
	// If nil, the most recent state is used.
	Snapshot *Snapshot
}

// DefaultReadOptions returns ReadOptions with default values.
func DefaultReadOptions() *ReadOptions {
	return &ReadOptions{
		Snapshot: nil,
	}
}

// WriteOptions contains options for write operations.
type WriteOptions struct {
	// Sync causes writes to be flushed to the WAL and fsynced before
	// returning. This provides the strongest durability guarantee but
	// reduces throughput.
	Sync bool
}

// DefaultWriteOptions returns WriteOptions with default values.
func DefaultWriteOptions() *WriteOptions {
	return &WriteOptions{
		Sync: false,
	}
}

// TransactionOptions contains options for beginning a transaction.
type TransactionOptions struct {
	// SetSnapshot pins the transaction's read sequence at begin time,
	// so every read observes the database as of BeginTransaction.
	// Without it each read observes the latest committed state, and the
	// read sequence for conflict tracking is taken per key.
	SetSnapshot bool

	// TrackAllReads makes plain Get calls participate in conflict
	// validation, as if they were GetForUpdate. Writes and GetForUpdate
	// are always tracked.
	TrackAllReads bool
}

// DefaultTransactionOptions returns TransactionOptions with default values.
func DefaultTransactionOptions() *TransactionOptions {
	return &TransactionOptions{
		SetSnapshot:   false,
		TrackAllReads: false,
	}
}
