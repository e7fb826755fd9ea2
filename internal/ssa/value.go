package ssa

import "fmt"

// Value is the identity of an SSA value. Values are allocated densely by
// Function.AllocateValue, so side tables (types, slot offsets, constant payloads)
// are plain slices indexed by Value.
type Value int32

// ValueInvalid is the sentinel for "no value" (e.g. the result of a call
// that returns nothing).
const ValueInvalid Value = -1

// Valid reports whether v refers to an actual value.
func (v Value) Valid() bool { return v != ValueInvalid }

// String implements fmt.Stringer.
func (v Value) String() string {
	if v == ValueInvalid {
		return "v?"
	}
	return fmt.Sprintf("v%d", int32(v))
}
