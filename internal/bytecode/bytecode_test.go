package bytecode

import "testing"

func TestInstructionRoundTrip(tt *testing.T) {
	instr := NewInstruction(Add, 1, 2, 3, 0xaa)

	buf := instr.Bytes()
	if len(buf) != InstructionWidth {
		tt.Fatalf("Bytes() len = %d, want %d", len(buf), InstructionWidth)
	}

	got, ok := InstructionFromBytes(buf[:])
	if !ok {
		tt.Fatalf("InstructionFromBytes: ok = false")
	}

	if got != instr {
		tt.Errorf("InstructionFromBytes(Bytes()) = %+v, want %+v", got, instr)
	}
}

func TestInstructionFromBytesTooShort(tt *testing.T) {
	if _, ok := InstructionFromBytes([]byte{1, 2, 3}); ok {
		tt.Errorf("InstructionFromBytes(short buffer): ok = true, want false")
	}
}

func TestOpcodeValid(tt *testing.T) {
	if !Add.Valid() {
		tt.Errorf("Add.Valid() = false, want true")
	}

	if Opcode(0xff).Valid() {
		tt.Errorf("Opcode(0xff).Valid() = true, want false")
	}
}

func TestOpcodeString(tt *testing.T) {
	if got := Halt.String(); got != "HALT" {
		tt.Errorf("Halt.String() = %q, want HALT", got)
	}

	if got := Opcode(0xff).String(); got == "" {
		tt.Errorf("unknown opcode rendered empty string")
	}
}

func TestRegisterArgPositions(tt *testing.T) {
	tests := []struct {
		op                     Opcode
		arg1, arg2, arg3 bool
	}{
		{LoadNum, true, false, false},
		{Move, true, true, false},
		{Add, true, true, true},
		{Halt, false, false, false},
	}

	for _, test := range tests {
		a1, a2, a3 := RegisterArgPositions(test.op)
		if a1 != test.arg1 || a2 != test.arg2 || a3 != test.arg3 {
			tt.Errorf("RegisterArgPositions(%s) = (%v,%v,%v), want (%v,%v,%v)",
				test.op, a1, a2, a3, test.arg1, test.arg2, test.arg3)
		}
	}
}

func TestModuleSerializeDeserializeRoundTrip(tt *testing.T) {
	instructions := []Instruction{
		NewInstruction(LoadNum, 0, 0, 0, 0),
		NewInstruction(Halt, 0, 0, 0, 0),
	}

	constants := []Constant{{Kind: ConstNum, Num: 42}}
	symbols := []Symbol{{ID: 0, Name: "x"}}
	rules := []RuleEntry{{ID: 0, EntryPC: 1, Name: "r"}}
	graphs := []GraphEntry{{ID: 0, NodeCount: 2, EdgeCount: 1}}

	module := NewModule(instructions, constants, symbols, rules, graphs, []byte("meta"))

	data, err := Serialize(module)
	if err != nil {
		tt.Fatalf("Serialize: %v", err)
	}

	got, err := Deserialize(data)
	if err != nil {
		tt.Fatalf("Deserialize: %v", err)
	}

	if !got.VerifyChecksum() {
		tt.Errorf("VerifyChecksum() = false after round trip")
	}

	if len(got.InstructionStream) != len(instructions) {
		tt.Fatalf("InstructionStream len = %d, want %d", len(got.InstructionStream), len(instructions))
	}

	for i, want := range instructions {
		if got.InstructionStream[i] != want {
			tt.Errorf("InstructionStream[%d] = %+v, want %+v", i, got.InstructionStream[i], want)
		}
	}

	if len(got.RuleTable) != 1 || got.RuleTable[0].Name != "r" || got.RuleTable[0].EntryPC != 1 {
		tt.Errorf("RuleTable = %+v, want one entry {r, entry=1}", got.RuleTable)
	}
}

func TestModuleVerifyChecksumDetectsCorruption(tt *testing.T) {
	module := NewModule(
		[]Instruction{NewInstruction(Halt, 0, 0, 0, 0)},
		nil, nil, nil, nil, nil,
	)

	data, err := Serialize(module)
	if err != nil {
		tt.Fatalf("Serialize: %v", err)
	}

	data[len(data)-1] ^= 0xff

	got, err := Deserialize(data)
	if err != nil {
		tt.Fatalf("Deserialize: %v", err)
	}

	if got.VerifyChecksum() {
		tt.Errorf("VerifyChecksum() = true after corrupting the trailing byte, want false")
	}
}
