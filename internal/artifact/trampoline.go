package artifact

import (
	"github.com/tetratelabs/wasmxc/internal/asmx64"
	"github.com/tetratelabs/wasmxc/internal/instance"
	"github.com/tetratelabs/wasmxc/internal/wasm"
)

// buildImportTrampoline assembles the adapter a RelocationDynamicImportTrampoline
// relocation points at: it is CALLed exactly like a local function (args
// already marshaled into SystemVIntegerRegisters/PickableVector per the
// native calling convention, return address on the stack), then shifts
// every integer argument one register to the right and loads the calling
// instance's own VMContext-inline FuncEnv slot for idx into the vacated
// leading slot (RDI), matching the host-function shape
// VMDynamicFunctionContext describes (spec §6): `body(env, arg0, arg1, ...)`.
// A wasm signature with a 6th integer parameter has nowhere to shift to and
// is outside this trampoline's scope, so an import supports at most five
// integer parameters, one fewer than regalloc.NativeCallingConvention's six.
// VMContextRegister itself is never touched: the host body reads/writes
// through env, not through the caller's context.
func buildImportTrampoline(offs *instance.VMOffsets, idx wasm.Index) []byte {
	asm := asmx64.NewAssembler()
	scratch := asmx64.TemporaryGeneralPurpose[0]

	asm.CompileRegisterToRegister(asmx64.MOVQ, asmx64.S64, asmx64.R8, asmx64.R9)
	asm.CompileRegisterToRegister(asmx64.MOVQ, asmx64.S64, asmx64.RCX, asmx64.R8)
	asm.CompileRegisterToRegister(asmx64.MOVQ, asmx64.S64, asmx64.RDX, asmx64.RCX)
	asm.CompileRegisterToRegister(asmx64.MOVQ, asmx64.S64, asmx64.RSI, asmx64.RDX)
	asm.CompileRegisterToRegister(asmx64.MOVQ, asmx64.S64, asmx64.RDI, asmx64.RSI)

	asm.CompileMemoryToRegister(asmx64.MOVQ, asmx64.S64, asmx64.VMContextRegister, int64(offs.ImportedFuncBodyOffset(idx)), scratch)
	asm.CompileMemoryToRegister(asmx64.MOVQ, asmx64.S64, asmx64.VMContextRegister, int64(offs.ImportedFuncEnvOffset(idx)), asmx64.RDI)
	asm.CompileCallRegister(scratch)
	asm.CompileStandAlone(asmx64.RET)

	code, err := asm.Assemble()
	if err != nil {
		// Assemble only fails on an unresolved label, and this stub emits
		// none; a failure here means asmx64 itself regressed.
		panic("artifact: import trampoline failed to assemble: " + err.Error())
	}
	return code
}
