// Package wasmpvm compiles validated WebAssembly modules ahead-of-time
// into bytecode for the target register VM: a flat instruction stream
// with its jump table, indirect-call dispatch table, and initial data
// images.
//
// The compiler is a pure function: bytes in, program blob out. It runs
// single-threaded, function by function, and byte-identical input
// produces byte-identical output.
package wasmpvm

import "github.com/tomusdrw/wasm-pvm-sub000/internal/backend"

// ImportAction tells the compiler what a call to a named import does:
// trap, nothing, or a host call. Imports without an action (other than
// the built-in "host_call"/"pvm_ptr"/"abort") fail compilation.
type ImportAction = backend.ImportAction

// Import action kinds.
const (
	ImportTrap   = backend.ImportTrap
	ImportNop    = backend.ImportNop
	ImportEcalli = backend.ImportEcalli
)

// CompileOptions toggles the optional compilation passes and supplies
// the import action map.
type CompileOptions struct {
	// RegisterCache enables store-load forwarding in the emitter.
	RegisterCache bool
	// ConstantPropagation skips LoadImm/LoadImm64 instructions that
	// would re-materialize a constant the register already holds.
	ConstantPropagation bool
	// IcmpBranchFusion fuses a single-use comparison with its branch
	// into one conditional-branch instruction.
	IcmpBranchFusion bool
	// ShrinkWrapCalleeSaves saves only the callee-saved registers a
	// function actually uses.
	ShrinkWrapCalleeSaves bool
	// CrossBlockCache propagates register-cache state into blocks with a
	// unique predecessor.
	CrossBlockCache bool
	// RegisterAllocation promotes long-lived values to dedicated
	// physical registers.
	RegisterAllocation bool
	// FallthroughJumps elides jumps to the immediately-following block.
	FallthroughJumps bool
	// DeadStoreElimination removes stack-slot stores that are never
	// loaded back from memory.
	DeadStoreElimination bool
	// Peephole runs the final peephole rewrite pass.
	Peephole bool
	// Inlining permits the IR optimizer to inline small functions.
	Inlining bool

	// ImportMap maps import names to their actions.
	ImportMap map[string]ImportAction

	// StackSize bounds the TVM call stack; zero selects the default.
	StackSize uint32
}

// NewCompileOptions returns the default configuration: every
// peephole-class optimization on, register allocation and inlining off.
func NewCompileOptions() CompileOptions {
	return CompileOptions{
		RegisterCache:         true,
		ConstantPropagation:   true,
		IcmpBranchFusion:      true,
		ShrinkWrapCalleeSaves: true,
		CrossBlockCache:       true,
		FallthroughJumps:      true,
		DeadStoreElimination:  true,
		Peephole:              true,
	}
}

func (o *CompileOptions) backendOptions() backend.Options {
	return backend.Options{
		RegisterCache:         o.RegisterCache,
		ConstantPropagation:   o.ConstantPropagation,
		IcmpBranchFusion:      o.IcmpBranchFusion,
		ShrinkWrapCalleeSaves: o.ShrinkWrapCalleeSaves,
		CrossBlockCache:       o.CrossBlockCache,
		RegisterAllocation:    o.RegisterAllocation,
		FallthroughJumps:      o.FallthroughJumps,
		DeadStoreElimination:  o.DeadStoreElimination,
		Peephole:              o.Peephole,
	}
}
