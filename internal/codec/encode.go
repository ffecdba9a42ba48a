package codec

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/KevinKickass/SajModbusHub/internal/types"
)

// TimePattern is the accepted text form of a time register.
var TimePattern = regexp.MustCompile(`^(0[0-9]|1[0-9]|2[0-3]):([0-5][0-9])$`)

// Encode turns value into the words written to spec's address.
//
// Accepted values: numbers (any Go int/uint/float kind or json.Number) for
// uint, int and bitfield registers; bool or 0/1 for bool registers; "HH:MM"
// for time registers; plain ASCII text for ascii registers.
func Encode(spec types.RegisterSpec, value any) ([]uint16, error) {
	if !spec.Writable() {
		return nil, &EncodeError{Register: spec.Name, Kind: ErrNotWritable}
	}

	switch spec.DataType {
	case types.DataTypeUint, types.DataTypeInt:
		return encodeNumber(spec, value)
	case types.DataTypeBitfield:
		return encodeBitfield(spec, value)
	case types.DataTypeBool:
		return encodeBool(spec, value)
	case types.DataTypeTime:
		return encodeTime(spec, value)
	case types.DataTypeASCII:
		return encodeASCII(spec, value)
	}
	return nil, invalid(spec, "unsupported data type %q", spec.DataType)
}

func invalid(spec types.RegisterSpec, format string, args ...any) error {
	return &EncodeError{Register: spec.Name, Kind: ErrInvalidValue, Detail: fmt.Sprintf(format, args...)}
}

func outOfRange(spec types.RegisterSpec, format string, args ...any) error {
	return &EncodeError{Register: spec.Name, Kind: ErrOutOfRange, Detail: fmt.Sprintf(format, args...)}
}

func encodeNumber(spec types.RegisterSpec, value any) ([]uint16, error) {
	v, ok := toFloat(value)
	if !ok {
		return nil, invalid(spec, "expected a number, got %T", value)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, invalid(spec, "%v", v)
	}
	if spec.Min != nil && v < *spec.Min {
		return nil, outOfRange(spec, "%v below minimum %v", v, *spec.Min)
	}
	if spec.Max != nil && v > *spec.Max {
		return nil, outOfRange(spec, "%v above maximum %v", v, *spec.Max)
	}

	s := spec.Scale.Normalize()
	raw := math.Round(v * float64(s.Den) / float64(s.Num))

	// limit is exclusive: 2^64-1 is not representable as float64
	bits := 16 * int(spec.WordCount)
	var lo, limit float64
	if spec.DataType == types.DataTypeInt {
		lo, limit = -math.Ldexp(1, bits-1), math.Ldexp(1, bits-1)
	} else {
		lo, limit = 0, math.Ldexp(1, bits)
	}
	if raw < lo || raw >= limit {
		return nil, outOfRange(spec, "raw %v does not fit %d words", raw, spec.WordCount)
	}

	var u uint64
	if raw < 0 {
		u = uint64(int64(raw))
	} else {
		u = uint64(raw)
	}
	return splitWords(u, int(spec.WordCount)), nil
}

func encodeBitfield(spec types.RegisterSpec, value any) ([]uint16, error) {
	var u uint64
	switch v := value.(type) {
	case uint64:
		u = v
	case uint32:
		u = uint64(v)
	case uint16:
		u = uint64(v)
	default:
		f, ok := toFloat(value)
		if !ok || f < 0 || f != math.Trunc(f) {
			return nil, invalid(spec, "expected a non-negative integer, got %v", value)
		}
		u = uint64(f)
	}
	if spec.WordCount < 4 && u>>(16*uint(spec.WordCount)) != 0 {
		return nil, outOfRange(spec, "0x%X does not fit %d words", u, spec.WordCount)
	}
	return splitWords(u, int(spec.WordCount)), nil
}

func encodeBool(spec types.RegisterSpec, value any) ([]uint16, error) {
	switch v := value.(type) {
	case bool:
		if v {
			return []uint16{1}, nil
		}
		return []uint16{0}, nil
	case string:
		b, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			return nil, invalid(spec, "expected a boolean, got %q", v)
		}
		return encodeBool(spec, b)
	}
	f, ok := toFloat(value)
	if !ok || (f != 0 && f != 1) {
		return nil, invalid(spec, "expected a boolean, got %v", value)
	}
	return []uint16{uint16(f)}, nil
}

func encodeTime(spec types.RegisterSpec, value any) ([]uint16, error) {
	s, ok := value.(string)
	if !ok {
		return nil, invalid(spec, "expected HH:MM, got %T", value)
	}
	m := TimePattern.FindStringSubmatch(s)
	if m == nil {
		return nil, invalid(spec, "expected HH:MM, got %q", s)
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	return []uint16{uint16(hour)<<8 | uint16(minute)}, nil
}

func encodeASCII(spec types.RegisterSpec, value any) ([]uint16, error) {
	s, ok := value.(string)
	if !ok {
		return nil, invalid(spec, "expected text, got %T", value)
	}
	if len(s) > 2*int(spec.WordCount) {
		return nil, outOfRange(spec, "%d characters exceed %d", len(s), 2*spec.WordCount)
	}
	buf := make([]byte, 2*int(spec.WordCount))
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7F {
			return nil, invalid(spec, "non-ASCII text %q", s)
		}
		buf[i] = s[i]
	}
	words := make([]uint16, spec.WordCount)
	for i := range words {
		words[i] = uint16(buf[2*i])<<8 | uint16(buf[2*i+1])
	}
	return words, nil
}

// splitWords is the inverse of joinWords.
func splitWords(u uint64, n int) []uint16 {
	words := make([]uint16, n)
	for i := n - 1; i >= 0; i-- {
		words[i] = uint16(u)
		u >>= 16
	}
	return words
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
