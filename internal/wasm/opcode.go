package wasm

// Opcode is a single-byte Wasm instruction opcode, as it appears in a
// function body's operator stream (wasm.Code.Body). Values match the core
// Wasm 1.0 binary format plus the reference-types/bulk-memory opcodes this
// engine supports; the multi-value proposal's block-type encoding is
// intentionally not given named constants here (Non-goal).
type Opcode byte

const (
	OpcodeUnreachable Opcode = 0x00
	OpcodeNop         Opcode = 0x01
	OpcodeBlock       Opcode = 0x02
	OpcodeLoop        Opcode = 0x03
	OpcodeIf          Opcode = 0x04
	OpcodeElse        Opcode = 0x05
	OpcodeEnd         Opcode = 0x0b
	OpcodeBr          Opcode = 0x0c
	OpcodeBrIf        Opcode = 0x0d
	OpcodeBrTable     Opcode = 0x0e
	OpcodeReturn      Opcode = 0x0f
	OpcodeCall        Opcode = 0x10
	OpcodeCallIndirect Opcode = 0x11

	OpcodeDrop   Opcode = 0x1a
	OpcodeSelect Opcode = 0x1b

	OpcodeLocalGet  Opcode = 0x20
	OpcodeLocalSet  Opcode = 0x21
	OpcodeLocalTee  Opcode = 0x22
	OpcodeGlobalGet Opcode = 0x23
	OpcodeGlobalSet Opcode = 0x24

	OpcodeI32Load Opcode = 0x28
	OpcodeI64Load Opcode = 0x29
	OpcodeI32Store Opcode = 0x36
	OpcodeI64Store Opcode = 0x37

	OpcodeMemorySize Opcode = 0x3f
	OpcodeMemoryGrow Opcode = 0x40

	OpcodeI32Const Opcode = 0x41
	OpcodeI64Const Opcode = 0x42
	OpcodeF32Const Opcode = 0x43
	OpcodeF64Const Opcode = 0x44

	OpcodeI32Eqz Opcode = 0x45
	OpcodeI32Eq  Opcode = 0x46
	OpcodeI32Ne  Opcode = 0x47
	OpcodeI32LtS Opcode = 0x48
	OpcodeI32GtS Opcode = 0x4a
	OpcodeI32LeS Opcode = 0x4c
	OpcodeI32GeS Opcode = 0x4e

	OpcodeI64Eqz Opcode = 0x50
	OpcodeI64Eq  Opcode = 0x51
	OpcodeI64Ne  Opcode = 0x52
	OpcodeI64LtS Opcode = 0x53
	OpcodeI64GtS Opcode = 0x55
	OpcodeI64LeS Opcode = 0x57
	OpcodeI64GeS Opcode = 0x59

	OpcodeF64Eq Opcode = 0x61
	OpcodeF64Lt Opcode = 0x63
	OpcodeF64Gt Opcode = 0x64

	OpcodeI32Add Opcode = 0x6a
	OpcodeI32Sub Opcode = 0x6b
	OpcodeI32Mul Opcode = 0x6c
	OpcodeI32And Opcode = 0x71
	OpcodeI32Or  Opcode = 0x72
	OpcodeI32Xor Opcode = 0x73

	OpcodeI64Add Opcode = 0x7c
	OpcodeI64Sub Opcode = 0x7d
	OpcodeI64Mul Opcode = 0x7e
	OpcodeI64And Opcode = 0x83
	OpcodeI64Or  Opcode = 0x84
	OpcodeI64Xor Opcode = 0x85

	OpcodeF64Add Opcode = 0xa0
	OpcodeF64Sub Opcode = 0xa1
	OpcodeF64Mul Opcode = 0xa2
	OpcodeF64Div Opcode = 0xa3

	// OpcodeRefNull/OpcodeRefFunc/OpcodeRefIsNull are the reference-types
	// instructions spec §4.E names explicitly (funcref/externref as 8-byte
	// pointer-sized values).
	OpcodeRefNull   Opcode = 0xd0
	OpcodeRefIsNull Opcode = 0xd1
	OpcodeRefFunc   Opcode = 0xd2
)

// BlockTypeEmpty is the single-byte block-type encoding for a block with no
// parameters and no results (0x40); this engine's block-type support is
// limited to "empty" and "single value type" forms, matching the Non-goal
// on the multi-value proposal.
const BlockTypeEmpty byte = 0x40
