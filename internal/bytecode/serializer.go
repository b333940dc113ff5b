package bytecode

import "encoding/binary"

// encodeHeader packs a Header into its 32-byte wire form:
//
//	magic[4] version:u16 instruction_count:u16 offsets[6]:u16 reserved:u32 checksum:u64
//
// Offsets are u16 because a module's sections are addressed within a single
// 64KB image; the asm command never produces anything close to that size.
// It returns an error if any offset or count would overflow that range.
func encodeHeader(h Header) ([HeaderSize]byte, error) {
	var b [HeaderSize]byte

	copy(b[0:4], h.Magic[:])

	if h.Version > 0xffff || h.InstructionCount > 0xffff {
		return b, &errInvalidModule{reason: "version or instruction count exceeds u16 range"}
	}

	offsets := []uint32{
		h.Offsets.InstructionOffset,
		h.Offsets.ConstantPoolOffset,
		h.Offsets.SymbolTableOffset,
		h.Offsets.RuleTableOffset,
		h.Offsets.GraphTableOffset,
		h.Offsets.MetadataOffset,
	}

	for _, off := range offsets {
		if off > 0xffff {
			return b, &errInvalidModule{reason: "section offset exceeds u16 range"}
		}
	}

	binary.LittleEndian.PutUint16(b[4:6], uint16(h.Version))
	binary.LittleEndian.PutUint16(b[6:8], uint16(h.InstructionCount))

	for i, off := range offsets {
		base := 8 + i*2
		binary.LittleEndian.PutUint16(b[base:base+2], uint16(off))
	}

	// bytes [20:24] reserved, left zero.
	binary.LittleEndian.PutUint64(b[24:32], h.Checksum)

	return b, nil
}

func decodeHeader(b []byte) (Header, bool) {
	if len(b) < HeaderSize {
		return Header{}, false
	}

	var h Header

	copy(h.Magic[:], b[0:4])
	h.Version = uint32(binary.LittleEndian.Uint16(b[4:6]))
	h.InstructionCount = uint32(binary.LittleEndian.Uint16(b[6:8]))

	h.Offsets = SectionOffsets{
		InstructionOffset:  uint32(binary.LittleEndian.Uint16(b[8:10])),
		ConstantPoolOffset: uint32(binary.LittleEndian.Uint16(b[10:12])),
		SymbolTableOffset:  uint32(binary.LittleEndian.Uint16(b[12:14])),
		RuleTableOffset:    uint32(binary.LittleEndian.Uint16(b[14:16])),
		GraphTableOffset:   uint32(binary.LittleEndian.Uint16(b[16:18])),
		MetadataOffset:     uint32(binary.LittleEndian.Uint16(b[18:20])),
	}

	h.Checksum = binary.LittleEndian.Uint64(b[24:32])

	return h, h.Magic == Magic
}

// Serialize packs a module to its binary wire format.
func Serialize(m *Module) ([]byte, error) {
	hdr, err := encodeHeader(m.Header)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, m.Header.Offsets.MetadataOffset+uint32(len(m.Metadata)))
	out = append(out, hdr[:]...)

	for _, instr := range m.InstructionStream {
		b := instr.Bytes()
		out = append(out, b[:]...)
	}

	for _, c := range m.ConstantPool {
		b := encodeConstant(c)
		out = append(out, b[:]...)
	}

	for _, s := range m.SymbolTable {
		b := encodeSymbol(s)
		out = append(out, b[:]...)
	}

	for _, r := range m.RuleTable {
		b := encodeRuleEntry(r)
		out = append(out, b[:]...)
	}

	for _, g := range m.GraphTable {
		b := encodeGraphEntry(g)
		out = append(out, b[:]...)
	}

	out = append(out, m.Metadata...)

	return out, nil
}

// Deserialize unpacks a module from its binary wire format. Unlike the
// reference implementation it was ported from -- whose deserialize() never
// populated the constant pool, symbol table, rule table, or graph table --
// this fully reconstructs every section, deriving each section's entry
// count from the gap between its offset and the next section's offset (the
// header carries no separate counts for these sections).
func Deserialize(data []byte) (*Module, error) {
	hdr, ok := decodeHeader(data)
	if !ok {
		return nil, &errInvalidModule{reason: "bad magic or short header"}
	}

	m := &Module{Header: hdr}

	instrEnd := hdr.Offsets.ConstantPoolOffset
	for off := hdr.Offsets.InstructionOffset; off+InstructionWidth <= instrEnd && off+InstructionWidth <= uint32(len(data)); off += InstructionWidth {
		instr, ok := InstructionFromBytes(data[off : off+InstructionWidth])
		if !ok {
			break
		}

		m.InstructionStream = append(m.InstructionStream, instr)
	}

	for off := hdr.Offsets.ConstantPoolOffset; off+ConstantSize <= hdr.Offsets.SymbolTableOffset && off+ConstantSize <= uint32(len(data)); off += ConstantSize {
		m.ConstantPool = append(m.ConstantPool, decodeConstant(data[off:off+ConstantSize]))
	}

	for off := hdr.Offsets.SymbolTableOffset; off+SymbolSize <= hdr.Offsets.RuleTableOffset && off+SymbolSize <= uint32(len(data)); off += SymbolSize {
		m.SymbolTable = append(m.SymbolTable, decodeSymbol(data[off:off+SymbolSize]))
	}

	for off := hdr.Offsets.RuleTableOffset; off+RuleEntrySize <= hdr.Offsets.GraphTableOffset && off+RuleEntrySize <= uint32(len(data)); off += RuleEntrySize {
		m.RuleTable = append(m.RuleTable, decodeRuleEntry(data[off:off+RuleEntrySize]))
	}

	for off := hdr.Offsets.GraphTableOffset; off+GraphEntrySize <= hdr.Offsets.MetadataOffset && off+GraphEntrySize <= uint32(len(data)); off += GraphEntrySize {
		m.GraphTable = append(m.GraphTable, decodeGraphEntry(data[off:off+GraphEntrySize]))
	}

	if int(hdr.Offsets.MetadataOffset) < len(data) {
		m.Metadata = append([]byte(nil), data[hdr.Offsets.MetadataOffset:]...)
	}

	return m, nil
}
