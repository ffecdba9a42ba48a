// Package registers holds the static register description of the SAJ H2
// inverter family and the lookups the hub needs on top of it.
package registers

import (
	"fmt"
	"sort"

	"github.com/KevinKickass/SajModbusHub/internal/types"
)

// Max. Anzahl Register pro Read Holding Registers Request
const MaxBlockWords = 125

// Map is an immutable register map. Blocks are polled in slice order.
type Map struct {
	Model  string
	Blocks []types.RegisterBlock

	// Derive adds computed values to a fully staged cycle. May be nil.
	Derive func(values map[string]any)

	byName map[string]types.RegisterSpec
}

// NewMap validates the blocks and indexes them by register name.
func NewMap(model string, blocks []types.RegisterBlock, derive func(map[string]any)) (*Map, error) {
	m := &Map{
		Model:  model,
		Blocks: blocks,
		Derive: derive,
		byName: make(map[string]types.RegisterSpec),
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Map) validate() error {
	if len(m.Blocks) == 0 {
		return fmt.Errorf("register map %s has no blocks", m.Model)
	}

	for bi, block := range m.Blocks {
		if block.Count == 0 || block.Count > MaxBlockWords {
			return fmt.Errorf("block %s: count %d outside 1..%d", block.Name, block.Count, MaxBlockWords)
		}
		if block.End() > 0x10000 {
			return fmt.Errorf("block %s: exceeds address space", block.Name)
		}

		for _, other := range m.Blocks[:bi] {
			if uint32(block.Address) < other.End() && uint32(other.Address) < block.End() {
				return fmt.Errorf("block %s overlaps block %s", block.Name, other.Name)
			}
		}

		regs := append([]types.RegisterSpec(nil), block.Registers...)
		sort.Slice(regs, func(i, j int) bool { return regs[i].Address < regs[j].Address })

		var prevEnd uint32
		for i, reg := range regs {
			if err := validateSpec(reg); err != nil {
				return fmt.Errorf("block %s: %w", block.Name, err)
			}
			if reg.Address < block.Address || reg.End() > block.End() {
				return fmt.Errorf("block %s: register %s at 0x%04X outside block", block.Name, reg.Name, reg.Address)
			}
			if i > 0 && uint32(reg.Address) < prevEnd {
				return fmt.Errorf("block %s: register %s overlaps %s", block.Name, reg.Name, regs[i-1].Name)
			}
			prevEnd = reg.End()

			if _, dup := m.byName[reg.Name]; dup {
				return fmt.Errorf("duplicate register name %s", reg.Name)
			}
			m.byName[reg.Name] = reg
		}
	}

	return nil
}

func validateSpec(reg types.RegisterSpec) error {
	if reg.Name == "" {
		return fmt.Errorf("register at 0x%04X has no name", reg.Address)
	}
	if !reg.Scale.Valid() {
		return fmt.Errorf("register %s: invalid scale %s", reg.Name, reg.Scale)
	}

	switch reg.DataType {
	case types.DataTypeUint, types.DataTypeInt, types.DataTypeBitfield:
		if reg.WordCount < 1 || reg.WordCount > 4 {
			return fmt.Errorf("register %s: %s needs 1..4 words, has %d", reg.Name, reg.DataType, reg.WordCount)
		}
	case types.DataTypeBool, types.DataTypeTime:
		if reg.WordCount != 1 {
			return fmt.Errorf("register %s: %s is a single word", reg.Name, reg.DataType)
		}
	case types.DataTypeASCII:
		if reg.WordCount < 1 {
			return fmt.Errorf("register %s: empty ascii register", reg.Name)
		}
	default:
		return fmt.Errorf("register %s: unknown data type %q", reg.Name, reg.DataType)
	}

	if !reg.Scale.IsIdentity() && !reg.DataType.Numeric() {
		return fmt.Errorf("register %s: scale on non-numeric type %s", reg.Name, reg.DataType)
	}
	if reg.Access != types.AccessTypeReadOnly && reg.Access != types.AccessTypeReadWrite {
		return fmt.Errorf("register %s: unknown access %q", reg.Name, reg.Access)
	}
	return nil
}

// Lookup returns the spec registered under name.
func (m *Map) Lookup(name string) (types.RegisterSpec, bool) {
	spec, ok := m.byName[name]
	return spec, ok
}

// Writable lists all writable registers in poll order.
func (m *Map) Writable() []types.RegisterSpec {
	var out []types.RegisterSpec
	for _, block := range m.Blocks {
		for _, reg := range block.Registers {
			if reg.Writable() {
				out = append(out, reg)
			}
		}
	}
	return out
}

// Registers lists every register in poll order.
func (m *Map) Registers() []types.RegisterSpec {
	var out []types.RegisterSpec
	for _, block := range m.Blocks {
		out = append(out, block.Registers...)
	}
	return out
}
