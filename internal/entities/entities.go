// Package entities describes how register values are exposed to a home
// automation frontend: read-only sensors, switches, numbers and text
// fields.
package entities

import (
	"strings"
	"unicode"

	"github.com/KevinKickass/SajModbusHub/internal/codec"
	"github.com/KevinKickass/SajModbusHub/internal/registers"
	"github.com/KevinKickass/SajModbusHub/internal/types"
)

type Kind string

const (
	KindSensor Kind = "sensor"
	KindSwitch Kind = "switch"
	KindNumber Kind = "number"
	KindText   Kind = "text"
)

type Description struct {
	Key              string   `json:"key"`
	Name             string   `json:"name"`
	Kind             Kind     `json:"kind"`
	Unit             string   `json:"unit,omitempty"`
	DeviceClass      string   `json:"device_class,omitempty"`
	StateClass       string   `json:"state_class,omitempty"`
	Min              *float64 `json:"min,omitempty"`
	Max              *float64 `json:"max,omitempty"`
	Step             float64  `json:"step,omitempty"`
	Pattern          string   `json:"pattern,omitempty"`
	MaxLength        int      `json:"max_length,omitempty"`
	EnabledByDefault bool     `json:"enabled_by_default"`
}

func (d Description) Writable() bool {
	return d.Kind != KindSensor
}

// Describe returns one description per register in map order, followed
// by the derived status sensors.
func Describe(m *registers.Map) []Description {
	var out []Description
	for _, block := range m.Blocks {
		for _, reg := range block.Registers {
			out = append(out, describe(block, reg))
		}
	}
	if m.Derive != nil {
		out = append(out,
			Description{Key: registers.KeyDeviceStatus, Name: "Device Status", Kind: KindSensor, EnabledByDefault: true},
			Description{Key: registers.KeyFaultMessage, Name: "Fault Message", Kind: KindSensor, EnabledByDefault: true},
		)
	}
	return out
}

func describe(block types.RegisterBlock, reg types.RegisterSpec) Description {
	d := Description{
		Key:              reg.Name,
		Name:             Humanize(reg.Name),
		Kind:             KindSensor,
		Unit:             reg.Unit,
		EnabledByDefault: !block.Static && reg.DataType != types.DataTypeBitfield && reg.Unit != "kΩ",
	}

	if reg.DataType.Numeric() {
		d.DeviceClass, d.StateClass = classify(reg)
	}

	if !reg.Writable() {
		return d
	}

	d.StateClass = ""
	switch reg.DataType {
	case types.DataTypeBool:
		d.Kind = KindSwitch
	case types.DataTypeTime:
		d.Kind = KindText
		d.Pattern = codec.TimePattern.String()
		d.MaxLength = 5
	case types.DataTypeASCII:
		d.Kind = KindText
		d.MaxLength = 2 * int(reg.WordCount)
	default:
		d.Kind = KindNumber
		d.Min, d.Max = reg.Min, reg.Max
		d.Step = reg.Scale.Resolution()
	}
	return d
}

// classify maps the unit onto a device and state class.
func classify(reg types.RegisterSpec) (deviceClass, stateClass string) {
	switch reg.Unit {
	case "W":
		return "power", "measurement"
	case "V":
		return "voltage", "measurement"
	case "A", "mA":
		return "current", "measurement"
	case "°C":
		return "temperature", "measurement"
	case "kWh":
		return "energy", "total_increasing"
	case "Hz":
		return "frequency", "measurement"
	case "%":
		if strings.Contains(strings.ToLower(reg.Name), "energypercent") {
			return "battery", "measurement"
		}
		return "", "measurement"
	}
	return "", ""
}

// Humanize turns register keys like "bat_today_charge" or "pv1Voltage"
// into display names.
func Humanize(key string) string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}

	runes := []rune(key)
	for i, r := range runes {
		switch {
		case r == '_' || r == '-' || r == ' ':
			flush()
			continue
		case unicode.IsUpper(r) && i > 0 && !unicode.IsUpper(runes[i-1]):
			flush()
		case unicode.IsUpper(r) && i > 0 && i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]):
			flush()
		}
		cur = append(cur, r)
	}
	flush()

	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
