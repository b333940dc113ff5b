package bytecode

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/kern-lang/kernc/internal/klog"
)

// HeaderSize is the fixed size, in bytes, of a module header.
const HeaderSize = 32

// Magic is the four-byte magic number at the start of every module.
var Magic = [4]byte{'K', 'E', 'R', 'N'}

// ModuleVersion is the module format version this package reads and
// writes.
const ModuleVersion = 1

// SectionOffsets records where each section begins, as a byte offset from
// the start of the module. Section lengths are implied by the gap to the
// next section's offset (or, for Metadata, the end of the buffer).
type SectionOffsets struct {
	InstructionOffset  uint32
	ConstantPoolOffset uint32
	SymbolTableOffset  uint32
	RuleTableOffset    uint32
	GraphTableOffset   uint32
	MetadataOffset     uint32
}

// Header is the fixed 32-byte module header.
type Header struct {
	Magic            [4]byte
	Version          uint32
	InstructionCount uint32
	Offsets          SectionOffsets
	Checksum         uint64
}

// ConstantKind tags a constant pool entry's payload.
type ConstantKind uint8

const (
	ConstNum ConstantKind = iota + 1
	ConstBool
	ConstSym
	ConstVec
)

// ConstantSize is the fixed size, in bytes, of a constant pool entry.
const ConstantSize = 16

// Constant is a single constant-pool entry. Vec stores up to
// maxVecIndices indices into the constant pool itself (a small, fixed-width
// vector-of-constants representation).
type Constant struct {
	Kind  ConstantKind
	Num   int64
	Bool  bool
	Sym   string // truncated to 15 bytes on serialization
	Indices []uint8
}

const maxVecIndices = 14

// SymbolSize is the fixed size, in bytes, of a symbol table entry.
const SymbolSize = 64

// Symbol is a single symbol table entry.
type Symbol struct {
	ID   uint32
	Name string // truncated to 60 bytes on serialization
}

// RuleEntrySize is the fixed size, in bytes, of a rule table entry.
const RuleEntrySize = 68

// RuleID identifies a rule table entry, distinct from the register/symbol
// indices elsewhere in a module: it is the value a CALL_RULE's resolved
// target and the rule engine's schedule both refer to a rule by.
type RuleID uint32

// LogValue groups the rule id for structured logging.
func (id RuleID) LogValue() klog.Value {
	return klog.GroupValue(klog.Uint64("rule_id", uint64(id)))
}

// RuleEntry is a single rule table entry: the rule's ID, bytecode entry
// point, and name.
type RuleEntry struct {
	ID      RuleID
	EntryPC uint32
	Name    string // truncated to 60 bytes on serialization
}

// GraphEntrySize is the fixed size, in bytes, of a graph table entry.
const GraphEntrySize = 12

// GraphEntry is a single graph table entry.
type GraphEntry struct {
	ID        uint32
	NodeCount uint32
	EdgeCount uint32
}

// Module is a complete, loadable bytecode module.
type Module struct {
	Header            Header
	InstructionStream []Instruction
	ConstantPool      []Constant
	SymbolTable       []Symbol
	RuleTable         []RuleEntry
	GraphTable        []GraphEntry
	Metadata          []byte
}

// NewModule builds a Module from its sections, computing section offsets
// and the checksum. The header's offsets and checksum are always derived
// from the sections, never set directly: a Module is always internally
// consistent.
func NewModule(instructions []Instruction, constants []Constant, symbols []Symbol, rules []RuleEntry, graphs []GraphEntry, metadata []byte) *Module {
	m := &Module{
		InstructionStream: instructions,
		ConstantPool:      constants,
		SymbolTable:       symbols,
		RuleTable:         rules,
		GraphTable:        graphs,
		Metadata:          metadata,
	}

	instrOffset := uint32(HeaderSize)
	constOffset := instrOffset + uint32(len(instructions))*InstructionWidth
	symOffset := constOffset + uint32(len(constants))*ConstantSize
	ruleOffset := symOffset + uint32(len(symbols))*SymbolSize
	graphOffset := ruleOffset + uint32(len(rules))*RuleEntrySize
	metaOffset := graphOffset + uint32(len(graphs))*GraphEntrySize

	m.Header = Header{
		Magic:            Magic,
		Version:          ModuleVersion,
		InstructionCount: uint32(len(instructions)),
		Offsets: SectionOffsets{
			InstructionOffset:  instrOffset,
			ConstantPoolOffset: constOffset,
			SymbolTableOffset:  symOffset,
			RuleTableOffset:    ruleOffset,
			GraphTableOffset:   graphOffset,
			MetadataOffset:     metaOffset,
		},
	}

	m.Header.Checksum = m.computeChecksum()

	return m
}

// computeChecksum hashes every section except the checksum field itself, so
// tampering with any section is detectable on load.
func (m *Module) computeChecksum() uint64 {
	h := fnv.New64a()

	hdr, _ := encodeHeader(m.Header)
	h.Write(hdr[:HeaderSize-8]) // everything but the trailing checksum field

	for _, instr := range m.InstructionStream {
		b := instr.Bytes()
		h.Write(b[:])
	}

	for _, c := range m.ConstantPool {
		b := encodeConstant(c)
		h.Write(b[:])
	}

	for _, s := range m.SymbolTable {
		b := encodeSymbol(s)
		h.Write(b[:])
	}

	for _, r := range m.RuleTable {
		b := encodeRuleEntry(r)
		h.Write(b[:])
	}

	for _, g := range m.GraphTable {
		b := encodeGraphEntry(g)
		h.Write(b[:])
	}

	h.Write(m.Metadata)

	return h.Sum64()
}

// VerifyChecksum recomputes the checksum and reports whether it matches the header.
func (m *Module) VerifyChecksum() bool {
	return m.computeChecksum() == m.Header.Checksum
}

func encodeConstant(c Constant) [ConstantSize]byte {
	var b [ConstantSize]byte

	b[0] = uint8(c.Kind)

	switch c.Kind {
	case ConstNum:
		binary.LittleEndian.PutUint64(b[1:9], uint64(c.Num))
	case ConstBool:
		if c.Bool {
			b[1] = 1
		}
	case ConstSym:
		n := copy(b[1:16], c.Sym)
		_ = n
	case ConstVec:
		count := len(c.Indices)
		if count > maxVecIndices {
			count = maxVecIndices
		}

		b[1] = uint8(count)
		copy(b[2:2+count], c.Indices[:count])
	}

	return b
}

func decodeConstant(b []byte) Constant {
	c := Constant{Kind: ConstantKind(b[0])}

	switch c.Kind {
	case ConstNum:
		c.Num = int64(binary.LittleEndian.Uint64(b[1:9]))
	case ConstBool:
		c.Bool = b[1] != 0
	case ConstSym:
		end := 1
		for end < 16 && b[end] != 0 {
			end++
		}
		c.Sym = string(b[1:end])
	case ConstVec:
		count := int(b[1])
		if count > maxVecIndices {
			count = maxVecIndices
		}

		c.Indices = append([]uint8(nil), b[2:2+count]...)
	}

	return c
}

func encodeSymbol(s Symbol) [SymbolSize]byte {
	var b [SymbolSize]byte

	binary.LittleEndian.PutUint32(b[0:4], s.ID)

	name := s.Name
	if len(name) > SymbolSize-4 {
		name = name[:SymbolSize-4]
	}

	copy(b[4:4+len(name)], name)

	return b
}

func decodeSymbol(b []byte) Symbol {
	id := binary.LittleEndian.Uint32(b[0:4])

	end := 4
	for end < SymbolSize && b[end] != 0 {
		end++
	}

	return Symbol{ID: id, Name: string(b[4:end])}
}

func encodeRuleEntry(r RuleEntry) [RuleEntrySize]byte {
	var b [RuleEntrySize]byte

	binary.LittleEndian.PutUint32(b[0:4], uint32(r.ID))
	binary.LittleEndian.PutUint32(b[4:8], r.EntryPC)

	name := r.Name
	if len(name) > RuleEntrySize-8 {
		name = name[:RuleEntrySize-8]
	}

	copy(b[8:8+len(name)], name)

	return b
}

func decodeRuleEntry(b []byte) RuleEntry {
	id := binary.LittleEndian.Uint32(b[0:4])
	entryPC := binary.LittleEndian.Uint32(b[4:8])

	end := 8
	for end < RuleEntrySize && b[end] != 0 {
		end++
	}

	return RuleEntry{ID: RuleID(id), EntryPC: entryPC, Name: string(b[8:end])}
}

func encodeGraphEntry(g GraphEntry) [GraphEntrySize]byte {
	var b [GraphEntrySize]byte

	binary.LittleEndian.PutUint32(b[0:4], g.ID)
	binary.LittleEndian.PutUint32(b[4:8], g.NodeCount)
	binary.LittleEndian.PutUint32(b[8:12], g.EdgeCount)

	return b
}

func decodeGraphEntry(b []byte) GraphEntry {
	return GraphEntry{
		ID:        binary.LittleEndian.Uint32(b[0:4]),
		NodeCount: binary.LittleEndian.Uint32(b[4:8]),
		EdgeCount: binary.LittleEndian.Uint32(b[8:12]),
	}
}

// errInvalidModule is returned by Deserialize when the buffer is too short
// or the header is malformed.
type errInvalidModule struct{ reason string }

func (e *errInvalidModule) Error() string { return fmt.Sprintf("bytecode: invalid module: %s", e.reason) }
