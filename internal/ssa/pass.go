package ssa

import "fmt"

// OptimizeOptions controls the optional passes.
type OptimizeOptions struct {
	// Inlining permits replacing calls to small single-block functions
	// with the callee's body.
	Inlining bool
}

// Optimize runs the standard pass sequence over every function:
// local-variable promotion (so the backend sees SSA values instead of
// memory traffic), constant folding and branch simplification, and dead
// block removal. fns maps the flattened function-index name
// ("wasm_func_<N>") to its IR; imported functions have no entry.
func Optimize(fns map[string]*Function, opts OptimizeOptions) error {
	for _, f := range fns {
		promoteLocals(f)
		simplify(f)
		f.RemoveDeadBlocks()
	}
	if opts.Inlining {
		inlineSmallFunctions(fns)
		for _, f := range fns {
			simplify(f)
			f.RemoveDeadBlocks()
		}
	}
	for _, f := range fns {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("IR validation after optimization: %w", err)
		}
	}
	return nil
}
