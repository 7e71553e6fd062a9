package modbusunit

import (
	"encoding/binary"
	"math"
)

// DataType defines the type of Modbus register for encoding/decoding
type DataType string

// Constants of DataType
const (
	U16 DataType = "u16"
	U32 DataType = "u32"
	I16 DataType = "i16"
	I32 DataType = "i32"
	F32 DataType = "f32"
	F64 DataType = "f64"
)

// Endian byte order of Modbus register for encoding/decoding
type Endian string

// Constants of Endian
const (
	LittleEndian Endian = "little"
	BigEndian    Endian = "big"
)

// Register is a value spread over consecutive holding registers
type Register struct {
	Name       string   `json:"Name"`
	Address    uint16   `json:"Address"`
	DataType   DataType `json:"DataType"`
	Endianness Endian   `json:"Endianness"`
}

// size returns the number of u16 registers for the datatype
func (r Register) size() uint16 {
	switch r.DataType {
	case U16, I16:
		return 1
	case U32, I32, F32:
		return 2
	case F64:
		return 4
	}
	return 0
}

// encode converts a float64 into the register byte layout
func (r Register) encode(val float64) []byte {
	bytes := make([]byte, 2*r.size())
	order := r.Endianness.byteOrder()
	switch r.DataType {
	case U16:
		order.PutUint16(bytes, uint16(val))
	case I16:
		order.PutUint16(bytes, uint16(int16(val)))
	case U32:
		order.PutUint32(bytes, uint32(val))
	case I32:
		order.PutUint32(bytes, uint32(int32(val)))
	case F32:
		order.PutUint32(bytes, math.Float32bits(float32(val)))
	case F64:
		order.PutUint64(bytes, math.Float64bits(val))
	}
	return bytes
}

// decode converts register bytes into a float64
func (r Register) decode(bytes []byte) float64 {
	if len(bytes) < int(2*r.size()) {
		return math.NaN()
	}
	order := r.Endianness.byteOrder()
	switch r.DataType {
	case U16:
		return float64(order.Uint16(bytes))
	case I16:
		return float64(int16(order.Uint16(bytes)))
	case U32:
		return float64(order.Uint32(bytes))
	case I32:
		return float64(int32(order.Uint32(bytes)))
	case F32:
		return float64(math.Float32frombits(order.Uint32(bytes)))
	case F64:
		return math.Float64frombits(order.Uint64(bytes))
	}
	return math.NaN()
}

// byteOrder returns the binary.ByteOrder of the endianness, big endian by default
func (e Endian) byteOrder() binary.ByteOrder {
	if e == LittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}
