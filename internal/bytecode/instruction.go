package bytecode

import (
	"fmt"

	"github.com/kern-lang/kernc/internal/klog"
)

// InstructionWidth is the fixed width, in bytes, of every bytecode
// instruction (§4.3): opcode:u8 | arg1:u16 | arg2:u16 | arg3:u16 | flags:u8.
const InstructionWidth = 8

// Instruction is a single fixed-width bytecode instruction.
type Instruction struct {
	Opcode Opcode
	Arg1   uint16
	Arg2   uint16
	Arg3   uint16
	Flags  uint8
}

// NewInstruction builds an instruction from its fields.
func NewInstruction(op Opcode, arg1, arg2, arg3 uint16, flags uint8) Instruction {
	return Instruction{Opcode: op, Arg1: arg1, Arg2: arg2, Arg3: arg3, Flags: flags}
}

func (i Instruction) String() string {
	return fmt.Sprintf("%s %d %d %d (flags=%#02x)", i.Opcode, i.Arg1, i.Arg2, i.Arg3, i.Flags)
}

// LogValue groups the instruction's fields for structured logging instead
// of stringifying the whole thing.
func (i Instruction) LogValue() klog.Value {
	return klog.GroupValue(
		klog.String("op", i.Opcode.String()),
		klog.Uint64("arg1", uint64(i.Arg1)),
		klog.Uint64("arg2", uint64(i.Arg2)),
		klog.Uint64("arg3", uint64(i.Arg3)),
		klog.Uint64("flags", uint64(i.Flags)),
	)
}

// Bytes encodes the instruction to its 8-byte little-endian wire form.
func (i Instruction) Bytes() [InstructionWidth]byte {
	var b [InstructionWidth]byte

	b[0] = uint8(i.Opcode)
	b[1] = byte(i.Arg1)
	b[2] = byte(i.Arg1 >> 8)
	b[3] = byte(i.Arg2)
	b[4] = byte(i.Arg2 >> 8)
	b[5] = byte(i.Arg3)
	b[6] = byte(i.Arg3 >> 8)
	b[7] = i.Flags

	return b
}

// InstructionFromBytes decodes an 8-byte wire-format instruction. It
// returns false if buf is shorter than InstructionWidth.
func InstructionFromBytes(buf []byte) (Instruction, bool) {
	if len(buf) < InstructionWidth {
		return Instruction{}, false
	}

	return Instruction{
		Opcode: Opcode(buf[0]),
		Arg1:   uint16(buf[1]) | uint16(buf[2])<<8,
		Arg2:   uint16(buf[3]) | uint16(buf[4])<<8,
		Arg3:   uint16(buf[5]) | uint16(buf[6])<<8,
		Flags:  buf[7],
	}, true
}
