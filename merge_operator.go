package opalkv

// merge_operator.go implements merge operators.
//
// MergeOperator allows users to define custom merge semantics for
// atomic read-modify-write operations like counters and append-only lists.

import "encoding/binary"

// MergeOperator is the interface for user-defined merge operations.
//
// A MergeOperator specifies the semantics of a merge operation, which
// only the client knows. It could be numeric addition, list append,
// string concatenation, or any custom operation. The operator is called
// during reads and iteration to compute the visible value from the base
// value and the pending operands.
type MergeOperator interface {
	// Name returns a unique identifier for this merge operator.
	Name() string

	// FullMerge computes the merged value for key from the existing
	// value (nil if the key does not exist) and the operands, oldest
	// first. If ok is false the merge is treated as an error.
	FullMerge(key []byte, existingValue []byte, operands [][]byte) (newValue []byte, ok bool)
}

// AssociativeMergeOperator is a simplified interface for associative
// operations, where Merge(Merge(a, b), c) == Merge(a, Merge(b, c)).
// Examples: numeric addition, string concatenation, set union.
type AssociativeMergeOperator interface {
	// Name returns a unique identifier for this merge operator.
	Name() string

	// Merge merges a new value with an existing value.
	// If existingValue is nil, treat it as the identity element.
	Merge(key []byte, existingValue, value []byte) ([]byte, bool)
}

// AssociativeMergeOperatorAdapter wraps an AssociativeMergeOperator to
// implement MergeOperator.
type AssociativeMergeOperatorAdapter struct {
	Op AssociativeMergeOperator
}

// Name returns the name of the underlying operator.
func (a *AssociativeMergeOperatorAdapter) Name() string {
	return a.Op.Name()
}

// FullMerge implements MergeOperator by calling Merge repeatedly.
func (a *AssociativeMergeOperatorAdapter) FullMerge(key []byte, existingValue []byte, operands [][]byte) ([]byte, bool) {
	result := existingValue
	for _, op := range operands {
		var ok bool
		result, ok = a.Op.Merge(key, result, op)
		if !ok {
			return nil, false
		}
	}
	return result, true
}

// UInt64AddOperator treats values as little-endian uint64 and adds them.
type UInt64AddOperator struct{}

// Name returns the name of this merge operator.
func (o *UInt64AddOperator) Name() string {
	return "UInt64AddOperator"
}

// FullMerge adds all operands to the existing value.
func (o *UInt64AddOperator) FullMerge(key []byte, existingValue []byte, operands [][]byte) ([]byte, bool) {
	var result uint64
	if existingValue != nil {
		if len(existingValue) != 8 {
			return nil, false
		}
		result = binary.LittleEndian.Uint64(existingValue)
	}
	for _, op := range operands {
		if len(op) != 8 {
			return nil, false
		}
		result += binary.LittleEndian.Uint64(op)
	}
	return binary.LittleEndian.AppendUint64(nil, result), true
}

// StringAppendOperator concatenates values with a delimiter.
type StringAppendOperator struct {
	Delimiter string
}

// Name returns the name of this merge operator.
func (o *StringAppendOperator) Name() string {
	return "StringAppendOperator"
}

// FullMerge concatenates all operands with the delimiter.
func (o *StringAppendOperator) FullMerge(key []byte, existingValue []byte, operands [][]byte) ([]byte, bool) {
	var result []byte
	if existingValue != nil {
		result = append(result, existingValue...)
	}
	for _, op := range operands {
		if len(result) > 0 && len(op) > 0 {
			result = append(result, o.Delimiter...)
		}
		result = append(result, op...)
	}
	return result, true
}
