package modbustest

import (
	"encoding/binary"
	"fmt"
)

const mbapHeaderSize = 7

// MBAP Header (7 Bytes) + Function Code + Data
type Frame struct {
	TransactionID uint16 // Request/Response Korrelation
	ProtocolID    uint16 // immer 0x0000 für Modbus
	Length        uint16 // Anzahl folgender Bytes inkl. UnitID
	UnitID        uint8
	FunctionCode  uint8
	Data          []byte
}

const (
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeWriteMultipleRegisters = 0x10
)

// Exception codes
const (
	ExceptionIllegalFunction    = 0x01
	ExceptionIllegalDataAddress = 0x02
	ExceptionIllegalDataValue   = 0x03
	ExceptionDeviceFailure      = 0x04
)

// Encode erstellt das komplette TCP Frame
func (f *Frame) Encode() []byte {
	f.Length = uint16(len(f.Data) + 2) // UnitID + FunctionCode

	frame := make([]byte, mbapHeaderSize+1+len(f.Data))
	binary.BigEndian.PutUint16(frame[0:2], f.TransactionID)
	binary.BigEndian.PutUint16(frame[2:4], f.ProtocolID)
	binary.BigEndian.PutUint16(frame[4:6], f.Length)
	frame[6] = f.UnitID
	frame[7] = f.FunctionCode
	copy(frame[8:], f.Data)

	return frame
}

// DecodeFrame parst ein empfangenes Frame
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < mbapHeaderSize+1 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	f := &Frame{
		TransactionID: binary.BigEndian.Uint16(data[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(data[2:4]),
		Length:        binary.BigEndian.Uint16(data[4:6]),
		UnitID:        data[6],
		FunctionCode:  data[7],
	}
	if f.ProtocolID != 0x0000 {
		return nil, fmt.Errorf("invalid protocol ID: 0x%04X", f.ProtocolID)
	}
	if int(f.Length) != len(data)-6 {
		return nil, fmt.Errorf("length field %d does not match %d bytes", f.Length, len(data)-6)
	}
	f.Data = data[8:]

	return f, nil
}

// Reply builds a response that echoes the request's addressing.
func (f *Frame) Reply(data []byte) *Frame {
	return &Frame{
		TransactionID: f.TransactionID,
		UnitID:        f.UnitID,
		FunctionCode:  f.FunctionCode,
		Data:          data,
	}
}

func (f *Frame) Exception(code byte) *Frame {
	return &Frame{
		TransactionID: f.TransactionID,
		UnitID:        f.UnitID,
		FunctionCode:  f.FunctionCode | 0x80,
		Data:          []byte{code},
	}
}

// RegisterPayload encodes a read response: byte count followed by words.
func RegisterPayload(words []uint16) []byte {
	data := make([]byte, 1+2*len(words))
	data[0] = byte(2 * len(words))
	for i, w := range words {
		binary.BigEndian.PutUint16(data[1+2*i:], w)
	}
	return data
}

// ParseWriteMultiple parses the PDU data of function 0x10.
func ParseWriteMultiple(data []byte) (address uint16, words []uint16, err error) {
	if len(data) < 5 {
		return 0, nil, fmt.Errorf("write request too short")
	}
	address = binary.BigEndian.Uint16(data[0:2])
	quantity := binary.BigEndian.Uint16(data[2:4])
	byteCount := int(data[4])
	if byteCount != 2*int(quantity) || len(data) != 5+byteCount {
		return 0, nil, fmt.Errorf("inconsistent write request")
	}
	words = make([]uint16, quantity)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[5+2*i:])
	}
	return address, words, nil
}
