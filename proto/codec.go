package proto

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
)

// This file is the jute wire codec proper (spec.md §4.1): every frame is a
// big-endian u32 length prefix followed by a jute record. Encoding and
// decoding walk the exported fields of a request/response struct by
// reflection, the same shape the wider ZooKeeper client ecosystem uses
// (grounded on the encodePacket/decodePacket pair in
// vonwenm-go-zookeeper/conn.go), so new op structs never need
// hand-written (de)serializers.

// customEncoder lets a record outside the fixed-field/vector/struct shape
// this codec reflects over (the multi-op envelope, whose sub-records vary
// by opcode) supply its own wire encoding.
type customEncoder interface {
	EncodeZK(buf []byte) (int, error)
}

// customDecoder is customEncoder's decode counterpart.
type customDecoder interface {
	DecodeZK(buf []byte) (int, error)
}

// EncodePacket serializes rec into buf, returning the number of bytes
// written. rec is a struct (or *struct); every exported field is encoded
// in declaration order. A rec implementing customEncoder is delegated to
// directly instead of being reflected over.
func EncodePacket(buf []byte, rec interface{}) (int, error) {
	if rec == nil {
		return 0, nil
	}
	if enc, ok := rec.(customEncoder); ok {
		return enc.EncodeZK(buf)
	}
	v := reflect.ValueOf(rec)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return 0, fmt.Errorf("zk: nil %s in encode", v.Type())
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return 0, fmt.Errorf("zk: cannot encode %s", v.Type())
	}
	n := 0
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		if !v.Type().Field(i).IsExported() {
			continue
		}
		wrote, err := encodeValue(buf[n:], field)
		if err != nil {
			return n, err
		}
		n += wrote
	}
	return n, nil
}

func encodeValue(buf []byte, v reflect.Value) (int, error) {
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			buf[0] = 1
		} else {
			buf[0] = 0
		}
		return 1, nil
	case reflect.Int32:
		binary.BigEndian.PutUint32(buf, uint32(v.Int()))
		return 4, nil
	case reflect.Int64:
		binary.BigEndian.PutUint64(buf, uint64(v.Int()))
		return 8, nil
	case reflect.String:
		return encodeBuffer(buf, []byte(v.String()))
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			if v.IsNil() {
				binary.BigEndian.PutUint32(buf, math.MaxUint32) // -1 as u32
				return 4, nil
			}
			return encodeBuffer(buf, v.Bytes())
		}
		n := 4
		binary.BigEndian.PutUint32(buf, uint32(v.Len()))
		for i := 0; i < v.Len(); i++ {
			wrote, err := encodeValue(buf[n:], v.Index(i))
			if err != nil {
				return n, err
			}
			n += wrote
		}
		return n, nil
	case reflect.Struct:
		return EncodePacket(buf, v.Addr().Interface())
	default:
		return 0, fmt.Errorf("zk: unsupported kind %s in encode", v.Kind())
	}
}

func encodeBuffer(buf []byte, b []byte) (int, error) {
	binary.BigEndian.PutUint32(buf, uint32(len(b)))
	copy(buf[4:], b)
	return 4 + len(b), nil
}

// DecodePacket deserializes buf into rec (a pointer to struct), returning
// the number of bytes consumed.
func DecodePacket(buf []byte, rec interface{}) (int, error) {
	if rec == nil {
		return 0, nil
	}
	if dec, ok := rec.(customDecoder); ok {
		return dec.DecodeZK(buf)
	}
	v := reflect.ValueOf(rec)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return 0, fmt.Errorf("zk: decode target must be a non-nil pointer, got %T", rec)
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return 0, fmt.Errorf("zk: cannot decode into %s", v.Type())
	}
	n := 0
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		if !v.Type().Field(i).IsExported() {
			continue
		}
		read, err := decodeValue(buf[n:], field)
		if err != nil {
			return n, err
		}
		n += read
	}
	return n, nil
}

func decodeValue(buf []byte, v reflect.Value) (int, error) {
	switch v.Kind() {
	case reflect.Bool:
		if len(buf) < 1 {
			return 0, ErrMarshallingError
		}
		v.SetBool(buf[0] != 0)
		return 1, nil
	case reflect.Int32:
		if len(buf) < 4 {
			return 0, ErrMarshallingError
		}
		v.SetInt(int64(int32(binary.BigEndian.Uint32(buf))))
		return 4, nil
	case reflect.Int64:
		if len(buf) < 8 {
			return 0, ErrMarshallingError
		}
		v.SetInt(int64(binary.BigEndian.Uint64(buf)))
		return 8, nil
	case reflect.String:
		b, n, err := decodeBuffer(buf)
		if err != nil {
			return n, err
		}
		v.SetString(string(b))
		return n, nil
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b, n, err := decodeBuffer(buf)
			if err != nil {
				return n, err
			}
			v.SetBytes(b)
			return n, nil
		}
		if len(buf) < 4 {
			return 0, ErrMarshallingError
		}
		count := int32(binary.BigEndian.Uint32(buf))
		n := 4
		if count < 0 {
			v.Set(reflect.Zero(v.Type()))
			return n, nil
		}
		values := reflect.MakeSlice(v.Type(), int(count), int(count))
		for i := 0; i < int(count); i++ {
			read, err := decodeValue(buf[n:], values.Index(i))
			if err != nil {
				return n, err
			}
			n += read
		}
		v.Set(values)
		return n, nil
	case reflect.Struct:
		return DecodePacket(buf, v.Addr().Interface())
	default:
		return 0, fmt.Errorf("zk: unsupported kind %s in decode", v.Kind())
	}
}

// decodeBuffer reads a jute Buffer: i32 length (-1 = null) then that many bytes.
func decodeBuffer(buf []byte) ([]byte, int, error) {
	if len(buf) < 4 {
		return nil, 0, ErrMarshallingError
	}
	blen := int32(binary.BigEndian.Uint32(buf))
	if blen == -1 {
		return nil, 4, nil
	}
	if blen < 0 || int(blen) > len(buf)-4 {
		return nil, 0, ErrMarshallingError
	}
	return buf[4 : 4+blen], 4 + int(blen), nil
}
