// Package rlp implements the RLP serialization format.
//
// The purpose of RLP (Recursive Linear Prefix) is to encode arbitrarily
// nested arrays of binary data. RLP is the main encoding method used to
// serialize objects on the wire. The only purpose of RLP is to encode
// structure; encoding specific atomic data types (strings, ints, floats)
// is left up to higher-order protocols.
//
// This package deliberately supports a small set of Go types: unsigned
// integers, booleans, strings, byte slices and arrays, big integers,
// slices of the foregoing, and any type implementing the Encoder and
// Decoder interfaces. Protocol messages with fixed shapes implement
// EncodeRLP/DecodeRLP explicitly.
package rlp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/big"
	"reflect"
)

var (
	// EmptyString is the encoding of an empty string.
	EmptyString = []byte{0x80}
	// EmptyList is the encoding of an empty list.
	EmptyList = []byte{0xC0}

	errNegativeBigInt = errors.New("rlp: cannot encode negative big.Int")
)

// Encoder is implemented by types that require custom encoding rules or
// want to encode private fields.
type Encoder interface {
	// EncodeRLP should write the RLP encoding of its receiver to w. If the
	// implementation is a pointer method, it may also be called for nil
	// pointers.
	EncodeRLP(io.Writer) error
}

// Encode writes the RLP encoding of val to w.
func Encode(w io.Writer, val interface{}) error {
	b, err := EncodeToBytes(val)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// EncodeToBytes returns the RLP encoding of val.
func EncodeToBytes(val interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := encodeItem(buf, val); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeItem(buf *bytes.Buffer, val interface{}) error {
	if enc, ok := val.(Encoder); ok {
		return enc.EncodeRLP(buf)
	}
	switch v := val.(type) {
	case uint:
		encodeUint(buf, uint64(v))
	case uint8:
		encodeUint(buf, uint64(v))
	case uint16:
		encodeUint(buf, uint64(v))
	case uint32:
		encodeUint(buf, uint64(v))
	case uint64:
		encodeUint(buf, v)
	case bool:
		if v {
			buf.WriteByte(0x01)
		} else {
			buf.WriteByte(0x80)
		}
	case string:
		encodeBytes(buf, []byte(v))
	case []byte:
		encodeBytes(buf, v)
	case *big.Int:
		if v == nil {
			buf.WriteByte(0x80)
		} else if v.Sign() < 0 {
			return errNegativeBigInt
		} else {
			encodeBytes(buf, v.Bytes())
		}
	case []interface{}:
		return encodeList(buf, len(v), func(i int) interface{} { return v[i] })
	default:
		return encodeReflected(buf, val)
	}
	return nil
}

// encodeReflected handles the remaining supported shapes: arbitrary slices
// and arrays (including byte arrays) and non-nil pointers to supported
// values.
func encodeReflected(buf *bytes.Buffer, val interface{}) error {
	rv := reflect.ValueOf(val)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			encodeBytes(buf, b)
			return nil
		}
		return encodeList(buf, rv.Len(), func(i int) interface{} { return rv.Index(i).Interface() })
	case reflect.Ptr:
		if rv.IsNil() {
			return fmt.Errorf("rlp: cannot encode nil %v", rv.Type())
		}
		return encodeItem(buf, rv.Elem().Interface())
	default:
		return fmt.Errorf("rlp: type %T is not RLP-serializable", val)
	}
}

func encodeList(buf *bytes.Buffer, n int, elem func(int) interface{}) error {
	content := new(bytes.Buffer)
	for i := 0; i < n; i++ {
		if err := encodeItem(content, elem(i)); err != nil {
			return err
		}
	}
	puthead(buf, 0xC0, 0xF7, uint64(content.Len()))
	buf.Write(content.Bytes())
	return nil
}

func encodeBytes(buf *bytes.Buffer, b []byte) {
	if len(b) == 1 && b[0] <= 0x7F {
		buf.WriteByte(b[0])
		return
	}
	puthead(buf, 0x80, 0xB7, uint64(len(b)))
	buf.Write(b)
}

func encodeUint(buf *bytes.Buffer, i uint64) {
	if i == 0 {
		buf.WriteByte(0x80)
	} else if i < 128 {
		buf.WriteByte(byte(i))
	} else {
		b := putint(i)
		buf.WriteByte(0x80 + byte(len(b)))
		buf.Write(b)
	}
}

// puthead writes a list or string header to buf.
func puthead(buf *bytes.Buffer, smalltag, largetag byte, size uint64) {
	if size < 56 {
		buf.WriteByte(smalltag + byte(size))
		return
	}
	sizeb := putint(size)
	buf.WriteByte(largetag + byte(len(sizeb)))
	buf.Write(sizeb)
}

// putint encodes i as a big-endian byte slice without leading zeroes.
func putint(i uint64) []byte {
	b := make([]byte, 8)
	n := 8
	for i > 0 {
		n--
		b[n] = byte(i)
		i >>= 8
	}
	return b[n:]
}

// ListSize returns the encoded size of an RLP list with the given content
// size.
func ListSize(contentSize uint64) uint64 {
	return uint64(headsize(contentSize)) + contentSize
}

func headsize(size uint64) int {
	if size < 56 {
		return 1
	}
	return 1 + intsize(size)
}

func intsize(i uint64) (size int) {
	for size = 1; ; size++ {
		if i >>= 8; i == 0 {
			return size
		}
	}
}
