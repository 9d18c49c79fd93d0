// Package bridge implements the invocation bridge (C6): a host-provided
// invoke(interface, function, params) import that lets an extension call
// another extension's export without compile-time types, by exchanging
// values through ValueEnvelope, a self-describing tagged binary codec kept
// deliberately separate from the engine's own canonical ABI.
package bridge

import (
	"encoding/binary"
	"fmt"
	"math"
)

// formatVersion is written once per encoded sequence. A decoder that sees a
// version it does not recognize fails before interpreting any tag, so the
// tag space itself never needs a reserved bit.
const formatVersion byte = 1

// Kind tags a Value's variant in the wire encoding.
type Kind byte

const (
	KindBool Kind = iota
	KindS8
	KindU8
	KindS16
	KindU16
	KindS32
	KindU32
	KindS64
	KindU64
	KindF32
	KindF64
	KindChar
	KindString
	KindOption
	KindList
	KindTuple
	KindRecord
	KindVariant
	KindFlags
	KindResult
)

// Value is the closed set of ValueEnvelope variants. Each concrete type
// below is a Value; the interface exists only to group them, mirroring the
// engine layer's own closed entity-source enumeration.
type Value interface {
	envelopeKind() Kind
}

type Bool bool
type S8 int8
type U8 uint8
type S16 int16
type U16 uint16
type S32 int32
type U32 uint32
type S64 int64
type U64 uint64
type F32 float32
type F64 float64
type Char rune
type String string

// Option is present iff Value is non-nil.
type Option struct{ Value Value }

type List []Value
type Tuple []Value

type RecordField struct {
	Name  string
	Value Value
}
type Record []RecordField

// Variant is a discriminated case with an optional payload.
type Variant struct {
	Case    string
	Payload Value // nil if the case carries no payload
}

// Flags is the set of flag names that are set.
type Flags []string

// Result is ok/err, each with an optional payload.
type Result struct {
	Ok      bool
	Payload Value // nil if that side carries no payload
}

func (Bool) envelopeKind() Kind    { return KindBool }
func (S8) envelopeKind() Kind      { return KindS8 }
func (U8) envelopeKind() Kind      { return KindU8 }
func (S16) envelopeKind() Kind     { return KindS16 }
func (U16) envelopeKind() Kind     { return KindU16 }
func (S32) envelopeKind() Kind     { return KindS32 }
func (U32) envelopeKind() Kind     { return KindU32 }
func (S64) envelopeKind() Kind     { return KindS64 }
func (U64) envelopeKind() Kind     { return KindU64 }
func (F32) envelopeKind() Kind     { return KindF32 }
func (F64) envelopeKind() Kind     { return KindF64 }
func (Char) envelopeKind() Kind    { return KindChar }
func (String) envelopeKind() Kind  { return KindString }
func (Option) envelopeKind() Kind  { return KindOption }
func (List) envelopeKind() Kind    { return KindList }
func (Tuple) envelopeKind() Kind   { return KindTuple }
func (Record) envelopeKind() Kind  { return KindRecord }
func (Variant) envelopeKind() Kind { return KindVariant }
func (Flags) envelopeKind() Kind   { return KindFlags }
func (Result) envelopeKind() Kind  { return KindResult }

// DecodeError reports a failed decode: an unsupported or unknown tag, a
// truncated buffer, or a version mismatch. It is returned before any engine
// call is attempted, per the bridge's "fail before touching the engine"
// contract for unsupported variants.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "bridge: decode: " + e.Reason }

// EncodeSequence serializes values in order, prefixed by a single format
// version byte.
func EncodeSequence(values []Value) ([]byte, error) {
	buf := []byte{formatVersion}
	for i, v := range values {
		encoded, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("encode value %d: %w", i, err)
		}
		buf = append(buf, encoded...)
	}
	return buf, nil
}

// DecodeSequence parses exactly n self-describing values from data, which
// must begin with the format version byte written by EncodeSequence.
func DecodeSequence(data []byte, n int) ([]Value, error) {
	if len(data) < 1 {
		return nil, &DecodeError{Reason: "empty buffer, missing format version"}
	}
	if data[0] != formatVersion {
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported format version %d", data[0])}
	}
	rest := data[1:]

	values := make([]Value, 0, n)
	for i := 0; i < n; i++ {
		v, consumed, err := decodeValue(rest)
		if err != nil {
			return nil, fmt.Errorf("decode value %d: %w", i, err)
		}
		values = append(values, v)
		rest = rest[consumed:]
	}
	if len(rest) != 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("%d trailing bytes after %d values", len(rest), n)}
	}
	return values, nil
}

func encodeValue(v Value) ([]byte, error) {
	switch val := v.(type) {
	case Bool:
		b := byte(0)
		if val {
			b = 1
		}
		return []byte{byte(KindBool), b}, nil
	case S8:
		return []byte{byte(KindS8), byte(val)}, nil
	case U8:
		return []byte{byte(KindU8), byte(val)}, nil
	case S16:
		return appendFixed(KindS16, uint16(val), 2), nil
	case U16:
		return appendFixed(KindU16, uint16(val), 2), nil
	case S32:
		return appendFixed(KindS32, uint32(val), 4), nil
	case U32:
		return appendFixed(KindU32, uint32(val), 4), nil
	case S64:
		return appendFixed(KindS64, uint64(val), 8), nil
	case U64:
		return appendFixed(KindU64, uint64(val), 8), nil
	case F32:
		return appendFixed(KindF32, uint64(math.Float32bits(float32(val))), 4), nil
	case F64:
		return appendFixed(KindF64, math.Float64bits(float64(val)), 8), nil
	case Char:
		return appendFixed(KindChar, uint32(val), 4), nil
	case String:
		out := []byte{byte(KindString)}
		out = appendUvarint(out, uint64(len(val)))
		out = append(out, []byte(val)...)
		return out, nil
	case Option:
		out := []byte{byte(KindOption)}
		if val.Value == nil {
			return append(out, 0), nil
		}
		inner, err := encodeValue(val.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, 1)
		return append(out, inner...), nil
	case List:
		return encodeValueSlice(KindList, val)
	case Tuple:
		return encodeValueSlice(KindTuple, val)
	case Record:
		out := []byte{byte(KindRecord)}
		out = appendUvarint(out, uint64(len(val)))
		for _, f := range val {
			out = appendUvarint(out, uint64(len(f.Name)))
			out = append(out, []byte(f.Name)...)
			inner, err := encodeValue(f.Value)
			if err != nil {
				return nil, err
			}
			out = append(out, inner...)
		}
		return out, nil
	case Variant:
		out := []byte{byte(KindVariant)}
		out = appendUvarint(out, uint64(len(val.Case)))
		out = append(out, []byte(val.Case)...)
		if val.Payload == nil {
			return append(out, 0), nil
		}
		inner, err := encodeValue(val.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, 1)
		return append(out, inner...), nil
	case Flags:
		out := []byte{byte(KindFlags)}
		out = appendUvarint(out, uint64(len(val)))
		for _, name := range val {
			out = appendUvarint(out, uint64(len(name)))
			out = append(out, []byte(name)...)
		}
		return out, nil
	case Result:
		out := []byte{byte(KindResult)}
		ok := byte(0)
		if val.Ok {
			ok = 1
		}
		out = append(out, ok)
		if val.Payload == nil {
			return append(out, 0), nil
		}
		inner, err := encodeValue(val.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, 1)
		return append(out, inner...), nil
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported value type %T", v)}
	}
}

func encodeValueSlice(kind Kind, values []Value) ([]byte, error) {
	out := []byte{byte(kind)}
	out = appendUvarint(out, uint64(len(values)))
	for _, v := range values {
		inner, err := encodeValue(v)
		if err != nil {
			return nil, err
		}
		out = append(out, inner...)
	}
	return out, nil
}

func appendFixed(kind Kind, v uint64, width int) []byte {
	out := make([]byte, 1, 1+width)
	out[0] = byte(kind)
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return append(out, buf[:width]...)
}

func appendUvarint(out []byte, v uint64) []byte {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, v)
	return append(out, buf[:n]...)
}

// decodeValue decodes one tagged value from data, returning the value and
// the number of bytes consumed.
func decodeValue(data []byte) (Value, int, error) {
	if len(data) < 1 {
		return nil, 0, &DecodeError{Reason: "truncated buffer: missing tag byte"}
	}
	kind := Kind(data[0])
	body := data[1:]

	switch kind {
	case KindBool:
		b, err := readN(body, 1)
		if err != nil {
			return nil, 0, err
		}
		return Bool(b[0] != 0), 2, nil
	case KindS8:
		b, err := readN(body, 1)
		if err != nil {
			return nil, 0, err
		}
		return S8(int8(b[0])), 2, nil
	case KindU8:
		b, err := readN(body, 1)
		if err != nil {
			return nil, 0, err
		}
		return U8(b[0]), 2, nil
	case KindS16:
		v, n, err := readFixed(body, 2)
		if err != nil {
			return nil, 0, err
		}
		return S16(int16(v)), 1 + n, nil
	case KindU16:
		v, n, err := readFixed(body, 2)
		if err != nil {
			return nil, 0, err
		}
		return U16(uint16(v)), 1 + n, nil
	case KindS32:
		v, n, err := readFixed(body, 4)
		if err != nil {
			return nil, 0, err
		}
		return S32(int32(v)), 1 + n, nil
	case KindU32:
		v, n, err := readFixed(body, 4)
		if err != nil {
			return nil, 0, err
		}
		return U32(uint32(v)), 1 + n, nil
	case KindS64:
		v, n, err := readFixed(body, 8)
		if err != nil {
			return nil, 0, err
		}
		return S64(int64(v)), 1 + n, nil
	case KindU64:
		v, n, err := readFixed(body, 8)
		if err != nil {
			return nil, 0, err
		}
		return U64(v), 1 + n, nil
	case KindF32:
		v, n, err := readFixed(body, 4)
		if err != nil {
			return nil, 0, err
		}
		return F32(math.Float32frombits(uint32(v))), 1 + n, nil
	case KindF64:
		v, n, err := readFixed(body, 8)
		if err != nil {
			return nil, 0, err
		}
		return F64(math.Float64frombits(v)), 1 + n, nil
	case KindChar:
		v, n, err := readFixed(body, 4)
		if err != nil {
			return nil, 0, err
		}
		return Char(rune(v)), 1 + n, nil
	case KindString:
		strLen, lenSize, err := readUvarint(body)
		if err != nil {
			return nil, 0, err
		}
		strBytes, err := readN(body[lenSize:], int(strLen))
		if err != nil {
			return nil, 0, err
		}
		return String(strBytes), 1 + lenSize + int(strLen), nil
	case KindOption:
		present, err := readN(body, 1)
		if err != nil {
			return nil, 0, err
		}
		if present[0] == 0 {
			return Option{}, 2, nil
		}
		inner, n, err := decodeValue(body[1:])
		if err != nil {
			return nil, 0, err
		}
		return Option{Value: inner}, 2 + n, nil
	case KindList:
		values, n, err := decodeValueSlice(body)
		if err != nil {
			return nil, 0, err
		}
		return List(values), 1 + n, nil
	case KindTuple:
		values, n, err := decodeValueSlice(body)
		if err != nil {
			return nil, 0, err
		}
		return Tuple(values), 1 + n, nil
	case KindRecord:
		count, off, err := readUvarint(body)
		if err != nil {
			return nil, 0, err
		}
		fields := make(Record, 0, count)
		for i := uint64(0); i < count; i++ {
			name, nameLen, err := readString(body[off:])
			if err != nil {
				return nil, 0, err
			}
			off += nameLen
			val, valLen, err := decodeValue(body[off:])
			if err != nil {
				return nil, 0, err
			}
			off += valLen
			fields = append(fields, RecordField{Name: name, Value: val})
		}
		return fields, 1 + off, nil
	case KindVariant:
		caseName, off, err := readString(body)
		if err != nil {
			return nil, 0, err
		}
		present, err := readN(body[off:], 1)
		if err != nil {
			return nil, 0, err
		}
		off++
		if present[0] == 0 {
			return Variant{Case: caseName}, 1 + off, nil
		}
		payload, n, err := decodeValue(body[off:])
		if err != nil {
			return nil, 0, err
		}
		return Variant{Case: caseName, Payload: payload}, 1 + off + n, nil
	case KindFlags:
		count, off, err := readUvarint(body)
		if err != nil {
			return nil, 0, err
		}
		names := make(Flags, 0, count)
		for i := uint64(0); i < count; i++ {
			name, n, err := readString(body[off:])
			if err != nil {
				return nil, 0, err
			}
			off += n
			names = append(names, name)
		}
		return names, 1 + off, nil
	case KindResult:
		okByte, err := readN(body, 1)
		if err != nil {
			return nil, 0, err
		}
		present, err := readN(body[1:], 1)
		if err != nil {
			return nil, 0, err
		}
		if present[0] == 0 {
			return Result{Ok: okByte[0] != 0}, 3, nil
		}
		payload, n, err := decodeValue(body[2:])
		if err != nil {
			return nil, 0, err
		}
		return Result{Ok: okByte[0] != 0, Payload: payload}, 3 + n, nil
	default:
		return nil, 0, &DecodeError{Reason: fmt.Sprintf("unknown tag 0x%02x", byte(kind))}
	}
}

func decodeValueSlice(body []byte) ([]Value, int, error) {
	count, off, err := readUvarint(body)
	if err != nil {
		return nil, 0, err
	}
	values := make([]Value, 0, count)
	for i := uint64(0); i < count; i++ {
		v, n, err := decodeValue(body[off:])
		if err != nil {
			return nil, 0, err
		}
		off += n
		values = append(values, v)
	}
	return values, off, nil
}

func readString(body []byte) (string, int, error) {
	strLen, lenSize, err := readUvarint(body)
	if err != nil {
		return "", 0, err
	}
	b, err := readN(body[lenSize:], int(strLen))
	if err != nil {
		return "", 0, err
	}
	return string(b), lenSize + int(strLen), nil
}

func readN(data []byte, n int) ([]byte, error) {
	if len(data) < n {
		return nil, &DecodeError{Reason: "truncated buffer"}
	}
	return data[:n], nil
}

func readFixed(data []byte, width int) (uint64, int, error) {
	b, err := readN(data, width)
	if err != nil {
		return 0, 0, err
	}
	buf := make([]byte, 8)
	copy(buf, b)
	return binary.LittleEndian.Uint64(buf), width, nil
}

func readUvarint(data []byte) (uint64, int, error) {
	v, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, 0, &DecodeError{Reason: "truncated or invalid varint"}
	}
	return v, n, nil
}
