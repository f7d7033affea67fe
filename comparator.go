package opalkv

// comparator.go implements key comparison.
//
// Comparator defines the total ordering over keys in the database.
// The default is bytewise comparison. Custom comparators enable
// application-specific key ordering.

import "bytes"

// Comparator defines a total ordering over keys.
type Comparator interface {
	// Compare returns a value < 0 if a < b, 0 if a == b, > 0 if a > b.
	Compare(a, b []byte) int

	// Name returns the name of the comparator.
	Name() string
}

// BytewiseComparator is the default comparator that compares keys lexicographically.
type BytewiseComparator struct{}

// Compare compares two keys lexicographically.
func (c BytewiseComparator) Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// Name returns the comparator name.
func (c BytewiseComparator) Name() string {
	return "leveldb.BytewiseComparator"
}

// ReverseBytewiseComparator orders keys in descending lexicographic order.
type ReverseBytewiseComparator struct{}

// Compare compares two keys in reverse lexicographic order.
func (c ReverseBytewiseComparator) Compare(a, b []byte) int {
	return bytes.Compare(b, a)
}

// Name returns the comparator name.
func (c ReverseBytewiseComparator) Name() string {
	return "rocksdb.ReverseBytewiseComparator"
}

// DefaultComparator returns the default bytewise comparator.
func DefaultComparator() Comparator {
	return BytewiseComparator{}
}
