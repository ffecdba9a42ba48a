// Command regmap prints the built-in SAJ H2 register map, or the entity
// descriptions derived from it, as YAML or JSON.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/KevinKickass/SajModbusHub/internal/entities"
	"github.com/KevinKickass/SajModbusHub/internal/registers"
	"github.com/KevinKickass/SajModbusHub/internal/types"
	"gopkg.in/yaml.v3"
)

type document struct {
	Model        string                 `json:"model" yaml:"model"`
	Manufacturer string                 `json:"manufacturer" yaml:"manufacturer"`
	Blocks       []types.RegisterBlock  `json:"blocks,omitempty" yaml:"blocks,omitempty"`
	Entities     []entities.Description `json:"entities,omitempty" yaml:"entities,omitempty"`
}

func build(m *registers.Map, withEntities, writableOnly bool) document {
	doc := document{Model: m.Model, Manufacturer: registers.Manufacturer}

	if withEntities {
		for _, d := range entities.Describe(m) {
			if writableOnly && !d.Writable() {
				continue
			}
			doc.Entities = append(doc.Entities, d)
		}
		return doc
	}

	for _, b := range m.Blocks {
		if writableOnly {
			var regs []types.RegisterSpec
			for _, r := range b.Registers {
				if r.Writable() {
					regs = append(regs, r)
				}
			}
			if len(regs) == 0 {
				continue
			}
			b.Registers = regs
		}
		doc.Blocks = append(doc.Blocks, b)
	}
	return doc
}

func write(w io.Writer, doc document, format string) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}
	return fmt.Errorf("unknown format %q", format)
}

func main() {
	format := flag.String("format", "yaml", "output format: yaml or json")
	withEntities := flag.Bool("entities", false, "print entity descriptions instead of register blocks")
	writableOnly := flag.Bool("writable", false, "only writable registers")
	flag.Parse()

	doc := build(registers.SAJH2(), *withEntities, *writableOnly)
	if err := write(os.Stdout, doc, *format); err != nil {
		log.Fatal(err)
	}
}
