// Package frontend translates WASM function bodies into the typed SSA IR.
//
// Each function is lowered by a flat driver loop over its decoded
// operator sequence, with an explicit operand stack and an explicit
// control stack of Block/Loop/If frames. There is no recursion over the
// structured control tree; the frames carry everything End and Else need
// (merge block, result arity, operand-stack depth at entry).
package frontend

import (
	"fmt"

	"github.com/tomusdrw/wasm-pvm-sub000/errors"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/ssa"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/tvmlog"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/wasm"

	"go.uber.org/zap"
)

// FuncName returns the IR-level name of the function with the given
// flattened index (imports first, then local functions).
func FuncName(funcIdx wasm.Index) string {
	return fmt.Sprintf("wasm_func_%d", funcIdx)
}

// CompileFunctions lowers every local function of m into SSA, returning a
// map keyed by FuncName of the flattened index.
func CompileFunctions(m *wasm.Module) (map[string]*ssa.Function, error) {
	fns := make(map[string]*ssa.Function, len(m.CodeSection))
	for localIdx := range m.CodeSection {
		funcIdx := m.NumImportedFunctions + wasm.Index(localIdx)
		f, err := compileFunction(m, funcIdx)
		if err != nil {
			return nil, err
		}
		fns[f.Name] = f
		tvmlog.L().Debug("lowered function to IR",
			zap.String("func", f.Name),
			zap.Int("blocks", len(f.Blocks)))
	}
	return fns, nil
}

func compileFunction(m *wasm.Module, funcIdx wasm.Index) (*ssa.Function, error) {
	code := &m.CodeSection[m.LocalFunctionIndex(funcIdx)]
	ft := m.FunctionType(funcIdx)
	name := FuncName(funcIdx)

	for _, p := range ft.Params {
		if p.IsFloat() {
			return nil, errors.New(errors.PhaseFrontend, errors.KindFloatUnsupported).
				Func(name).Detail("float parameter").Build()
		}
	}
	for _, lt := range code.LocalTypes {
		if lt.IsFloat() {
			return nil, errors.New(errors.PhaseFrontend, errors.KindFloatUnsupported).
				Func(name).Detail("float local").Build()
		}
	}

	packedReturn := false
	switch len(ft.Results) {
	case 0, 1:
	case 2:
		if !m.ReturnsPtrLen(funcIdx) {
			return nil, errors.Unsupported(errors.PhaseFrontend, "multi-value results outside the packed (i32, i32) entry convention")
		}
		packedReturn = true
	default:
		return nil, errors.Unsupported(errors.PhaseFrontend, "more than two results")
	}

	f := ssa.NewFunction(name, ssa.Signature{
		NumParams:  len(ft.Params),
		HasReturn:  len(ft.Results) > 0,
		ReturnType: ssa.TypeI64,
	})

	ops, err := wasm.DecodeOperators(code.Body)
	if err != nil {
		if e, ok := err.(*errors.Error); ok {
			e.Func = name
		}
		return nil, err
	}

	l := newLowerer(m, f, funcIdx, packedReturn)
	if err := l.run(ops); err != nil {
		if e, ok := err.(*errors.Error); ok && e.Func == "" {
			e.Func = name
		}
		return nil, err
	}
	return f, nil
}
