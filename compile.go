package wasmpvm

import (
	"github.com/tomusdrw/wasm-pvm-sub000/errors"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/assemble"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/backend"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/frontend"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/ssa"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/wasm"
)

// ProgramBlob is the compilation artifact.
type ProgramBlob = assemble.ProgramBlob

// Compile translates a WASM module into a TVM program. Failures are
// fatal for the unit; nothing is retried or recovered.
func Compile(wasmBytes []byte, opts CompileOptions) (*ProgramBlob, error) {
	m, err := wasm.Decode(wasmBytes)
	if err != nil {
		return nil, err
	}
	if err := validateImports(m, opts.ImportMap); err != nil {
		return nil, err
	}

	fns, err := frontend.CompileFunctions(m)
	if err != nil {
		return nil, err
	}
	if err := ssa.Optimize(fns, ssa.OptimizeOptions{Inlining: opts.Inlining}); err != nil {
		return nil, errors.New(errors.PhaseOptimize, errors.KindInternal).Cause(err).Build()
	}

	ctx, err := buildModuleContext(m, &opts)
	if err != nil {
		return nil, err
	}

	callReturnCounter := 0
	translations := make([]*backend.FunctionTranslation, len(m.CodeSection))
	for localIdx := range m.CodeSection {
		funcIdx := m.NumImportedFunctions + wasm.Index(localIdx)
		f, ok := fns[frontend.FuncName(funcIdx)]
		if !ok {
			return nil, errors.Internal(errors.PhaseBackend, "missing IR for %s", frontend.FuncName(funcIdx))
		}
		cfg := funcConfig(m, funcIdx)
		tr, err := backend.LowerFunction(ctx, cfg, f, &callReturnCounter)
		if err != nil {
			return nil, err
		}
		translations[localIdx] = tr
	}

	return assemble.Program(m, translations, &callReturnCounter)
}

// validateImports rejects any imported function whose behavior the user
// did not define. "host_call", "pvm_ptr" and "abort" have built-in
// lowerings.
func validateImports(m *wasm.Module, importMap map[string]ImportAction) error {
	for _, imp := range m.ImportSection {
		switch imp.Name {
		case "host_call", "pvm_ptr", "abort":
			continue
		}
		if _, ok := importMap[imp.Name]; !ok {
			return errors.New(errors.PhaseParse, errors.KindUnresolvedImport).
				Detail("no action supplied for import %s.%s", imp.ModuleName, imp.Name).Build()
		}
	}
	return nil
}

func buildModuleContext(m *wasm.Module, opts *CompileOptions) (*backend.ModuleContext, error) {
	sigOf := func(ft *wasm.FunctionType) backend.FuncSig {
		return backend.FuncSig{NumParams: len(ft.Params), HasReturn: len(ft.Results) > 0}
	}

	funcSigs := make([]backend.FuncSig, m.NumFunctions())
	importNames := make([]string, len(m.ImportSection))
	for i := range funcSigs {
		funcSigs[i] = sigOf(m.FunctionType(wasm.Index(i)))
	}
	for i, imp := range m.ImportSection {
		importNames[i] = imp.Name
	}
	typeSigs := make([]backend.FuncSig, len(m.TypeSection))
	for i := range m.TypeSection {
		typeSigs[i] = sigOf(&m.TypeSection[i])
	}

	layout := assemble.LayoutPassiveSegments(m)
	segLenAddrs := make(map[uint32]int32, len(layout.Ordinal))
	for segIdx, ordinal := range layout.Ordinal {
		segLenAddrs[segIdx] = backend.SegmentLengthAddr(len(m.GlobalSection), ordinal)
	}

	initialPages := uint32(0)
	if m.MemorySection != nil {
		initialPages = m.MemorySection.InitialPages
	}
	stackSize := opts.StackSize
	if stackSize == 0 {
		stackSize = backend.DefaultStackSize
	}

	return &backend.ModuleContext{
		WasmMemoryBase:     m.WasmMemoryBase,
		NumGlobals:         len(m.GlobalSection),
		FunctionSigs:       funcSigs,
		TypeSigs:           typeSigs,
		NumImportedFuncs:   int(m.NumImportedFunctions),
		ImportNames:        importNames,
		InitialMemoryPages: initialPages,
		MaxMemoryPages:     m.MaxMemoryPages,
		StackSize:          stackSize,
		SegmentROOffset:    layout.ROOffset,
		SegmentLength:      layout.Length,
		SegmentLenAddress:  segLenAddrs,
		ImportMap:          opts.ImportMap,
		Opts:               opts.backendOptions(),
	}, nil
}

func funcConfig(m *wasm.Module, funcIdx wasm.Index) backend.FuncConfig {
	isMain := m.EntryFunctionFound && funcIdx == m.EntryFunctionIndex
	isSecondary := m.HasSecondaryEntry && funcIdx == m.SecondaryEntryFunctionIndex
	cfg := backend.FuncConfig{IsEntry: isMain || isSecondary}
	if !cfg.IsEntry {
		return cfg
	}
	if m.ReturnsPtrLen(funcIdx) {
		cfg.EntryReturnsPtrLen = true
		return cfg
	}
	if m.HasLegacyReturn {
		cfg.ResultGlobals = &[2]uint32{m.ResultPtrGlobal, m.ResultLenGlobal}
	}
	return cfg
}
