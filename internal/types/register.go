package types

import (
	"fmt"

	"github.com/google/uuid"
)

// RegisterBlock ist ein zusammenhängender Lesebereich (ein Request pro Zyklus)
type RegisterBlock struct {
	Name      string         `json:"name" yaml:"name"`
	Address   uint16         `json:"address" yaml:"address"`
	Count     uint16         `json:"count" yaml:"count"`
	Static    bool           `json:"static,omitempty" yaml:"static,omitempty"`
	Registers []RegisterSpec `json:"registers" yaml:"registers"`
}

// End returns the first address after the block.
func (b RegisterBlock) End() uint32 {
	return uint32(b.Address) + uint32(b.Count)
}

type RegisterSpec struct {
	Name        string     `json:"name" yaml:"name"`
	Address     uint16     `json:"address" yaml:"address"`
	WordCount   uint16     `json:"word_count" yaml:"word_count"`
	DataType    DataType   `json:"data_type" yaml:"data_type"`
	Scale       Scale      `json:"scale" yaml:"scale"`
	Unit        string     `json:"unit,omitempty" yaml:"unit,omitempty"`
	Access      AccessType `json:"access" yaml:"access"`
	Min         *float64   `json:"min,omitempty" yaml:"min,omitempty"`
	Max         *float64   `json:"max,omitempty" yaml:"max,omitempty"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
}

func (r RegisterSpec) Writable() bool {
	return r.Access == AccessTypeReadWrite
}

func (r RegisterSpec) End() uint32 {
	return uint32(r.Address) + uint32(r.WordCount)
}

type DataType string

const (
	DataTypeUint     DataType = "uint"
	DataTypeInt      DataType = "int"
	DataTypeBitfield DataType = "bitfield"
	DataTypeASCII    DataType = "ascii"
	DataTypeBool     DataType = "bool"
	DataTypeTime     DataType = "time" // high byte hour, low byte minute
)

// Numeric reports whether values of this type carry a scale.
func (d DataType) Numeric() bool {
	return d == DataTypeUint || d == DataTypeInt
}

type AccessType string

const (
	AccessTypeReadOnly  AccessType = "read_only"
	AccessTypeReadWrite AccessType = "read_write"
)

// Scale is the rational factor raw*Num/Den. The zero value means 1.
type Scale struct {
	Num int64 `json:"num" yaml:"num"`
	Den int64 `json:"den" yaml:"den"`
}

// Per returns the scale 1/den, e.g. Per(10) for a resolution of 0.1.
func Per(den int64) Scale {
	return Scale{Num: 1, Den: den}
}

func (s Scale) Normalize() Scale {
	if s.Num == 0 && s.Den == 0 {
		return Scale{Num: 1, Den: 1}
	}
	return s
}

func (s Scale) IsIdentity() bool {
	n := s.Normalize()
	return n.Num == n.Den
}

func (s Scale) Valid() bool {
	n := s.Normalize()
	return n.Num > 0 && n.Den > 0
}

// Resolution is the value of one raw step.
func (s Scale) Resolution() float64 {
	n := s.Normalize()
	return float64(n.Num) / float64(n.Den)
}

func (s Scale) String() string {
	n := s.Normalize()
	if n.Den == 1 {
		return fmt.Sprintf("x%d", n.Num)
	}
	return fmt.Sprintf("x%d/%d", n.Num, n.Den)
}

// Runtime info of a configured inverter
type InverterInfo struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	Host       string    `json:"host,omitempty"`
	Port       int       `json:"port,omitempty"`
	UnitID     uint8     `json:"unit_id"`
	Transport  string    `json:"transport"`
	State      string    `json:"state"`
	Generation uint64    `json:"generation"`
}
