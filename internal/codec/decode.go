// Package codec converts between raw holding-register words and typed values.
package codec

import (
	"fmt"
	"math"
	"strings"

	"github.com/KevinKickass/SajModbusHub/internal/types"
)

// Decode maps every register of block to its value. Words not covered by a
// register are reserved and ignored.
//
// Value types: int64 for unscaled uint/int, float64 for scaled uint/int,
// uint64 for bitfields and for unscaled four-word uints above MaxInt64,
// string for ascii and time, bool for bool.
func Decode(block types.RegisterBlock, words []uint16) (map[string]any, error) {
	if len(words) != int(block.Count) {
		return nil, &DecodeError{Block: block.Name, Want: int(block.Count), Got: len(words)}
	}

	values := make(map[string]any, len(block.Registers))
	for _, spec := range block.Registers {
		off := int(spec.Address) - int(block.Address)
		end := off + int(spec.WordCount)
		if off < 0 || end > len(words) {
			return nil, fmt.Errorf("decode %s: register %s outside block", block.Name, spec.Name)
		}
		v, err := DecodeValue(spec, words[off:end])
		if err != nil {
			return nil, err
		}
		values[spec.Name] = v
	}
	return values, nil
}

// DecodeValue decodes the words of a single register.
func DecodeValue(spec types.RegisterSpec, words []uint16) (any, error) {
	if len(words) != int(spec.WordCount) {
		return nil, &DecodeError{Block: spec.Name, Want: int(spec.WordCount), Got: len(words)}
	}

	switch spec.DataType {
	case types.DataTypeUint:
		return scaleUnsigned(spec.Scale, joinWords(words)), nil
	case types.DataTypeInt:
		return applyScale(spec.Scale, signExtend(joinWords(words), len(words))), nil
	case types.DataTypeBitfield:
		return joinWords(words), nil
	case types.DataTypeBool:
		return words[0] != 0, nil
	case types.DataTypeTime:
		return fmt.Sprintf("%02d:%02d", words[0]>>8, words[0]&0xFF), nil
	case types.DataTypeASCII:
		return decodeASCII(words), nil
	}
	return nil, fmt.Errorf("decode %s: unsupported data type %q", spec.Name, spec.DataType)
}

// joinWords reads big-endian words, high word first.
func joinWords(words []uint16) uint64 {
	var v uint64
	for _, w := range words {
		v = v<<16 | uint64(w)
	}
	return v
}

func signExtend(v uint64, n int) int64 {
	bits := uint(16 * n)
	if bits >= 64 {
		return int64(v)
	}
	shift := 64 - bits
	return int64(v<<shift) >> shift
}

func applyScale(s types.Scale, raw int64) any {
	s = s.Normalize()
	if s.Num == s.Den {
		return raw
	}
	return float64(raw) * float64(s.Num) / float64(s.Den)
}

func scaleUnsigned(s types.Scale, raw uint64) any {
	if raw <= math.MaxInt64 {
		return applyScale(s, int64(raw))
	}
	s = s.Normalize()
	if s.Num == s.Den {
		return raw
	}
	return float64(raw) * float64(s.Num) / float64(s.Den)
}

func decodeASCII(words []uint16) string {
	buf := make([]byte, 0, 2*len(words))
	for _, w := range words {
		buf = append(buf, byte(w>>8), byte(w))
	}
	return strings.TrimRight(string(buf), "\x00 ")
}
