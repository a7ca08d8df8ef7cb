package rlp

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
)

var (
	// EOL is returned when the end of the current list has been reached
	// during streaming.
	EOL = errors.New("rlp: end of list")

	ErrExpectedString   = errors.New("rlp: expected String or Byte")
	ErrExpectedList     = errors.New("rlp: expected List")
	ErrCanonInt         = errors.New("rlp: non-canonical integer format")
	ErrCanonSize        = errors.New("rlp: non-canonical size information")
	ErrElemTooLarge     = errors.New("rlp: element is larger than containing list")
	ErrValueTooLarge    = errors.New("rlp: value size exceeds available input length")
	ErrMoreThanOneValue = errors.New("rlp: input contains more than one value")

	// internal errors
	errNotInList    = errors.New("rlp: call of ListEnd outside of any list")
	errNotAtEOL     = errors.New("rlp: call of ListEnd not positioned at EOL")
	errUintOverflow = errors.New("rlp: uint overflow")
)

// Decoder is implemented by types that require custom RLP decoding rules
// or need to decode into private fields.
type Decoder interface {
	DecodeRLP(*Stream) error
}

// Decode parses RLP-encoded data from r and stores the result in the value
// pointed to by val. Decode reads exactly one value from r, trailing data
// is left in place.
func Decode(r io.Reader, val interface{}) error {
	return NewStream(r, 0).Decode(val)
}

// DecodeBytes parses RLP data from b into val. The input must contain
// exactly one value and no trailing data.
func DecodeBytes(b []byte, val interface{}) error {
	r := bytes.NewReader(b)
	s := NewStream(r, uint64(len(b)))
	if err := s.Decode(val); err != nil {
		return err
	}
	if r.Len() > 0 {
		return ErrMoreThanOneValue
	}
	return nil
}

// Kind represents the kind of value contained in an RLP stream.
type Kind int8

const (
	Byte Kind = iota
	String
	List
)

func (k Kind) String() string {
	switch k {
	case Byte:
		return "Byte"
	case String:
		return "String"
	case List:
		return "List"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// ByteReader must be implemented by any input reader for a Stream. It is
// implemented by e.g. bufio.Reader and bytes.Reader.
type ByteReader interface {
	io.Reader
	io.ByteReader
}

// Stream can be used for piecemeal decoding of an input stream. This is
// useful if the input is very large or if the decoding rules for a type
// depend on the input structure. Stream does not keep an internal buffer.
// After decoding a value, the input reader will be positioned just before
// the type information for the next value.
//
// Stream is not safe for concurrent use.
type Stream struct {
	r ByteReader

	remaining uint64   // number of bytes remaining to be read from r
	size      uint64   // size of value ahead
	kinderr   error    // error from last readKind
	stack     []uint64 // list sizes
	uintbuf   [8]byte  // auxiliary buffer for integer decoding
	kind      Kind     // kind of value ahead
	byteval   byte     // value of single byte in type tag
	limited   bool     // true if input limit is in effect
}

// NewStream creates a new decoding stream reading from r.
//
// If r implements the ByteReader interface, Stream will not introduce any
// buffering.
//
// For non-toplevel values, Stream returns ErrElemTooLarge for values that
// do not fit into the enclosing list.
//
// Stream supports an optional input limit. If a limit is set, the size of
// any toplevel value will be checked against the remaining input length.
// Stream operations that would exceed the input length return
// ErrValueTooLarge. The limit can be set by passing a non-zero value for
// inputLimit.
func NewStream(r io.Reader, inputLimit uint64) *Stream {
	s := new(Stream)
	s.Reset(r, inputLimit)
	return s
}

// Reset discards any information about the current decoding context and
// starts reading from r. If inputLimit is non-zero, r is assumed to
// contain at most inputLimit bytes.
func (s *Stream) Reset(r io.Reader, inputLimit uint64) {
	if inputLimit > 0 {
		s.remaining = inputLimit
		s.limited = true
	} else {
		// Attempt to automatically discover the limit when reading from a
		// byte slice.
		switch br := r.(type) {
		case *bytes.Reader:
			s.remaining = uint64(br.Len())
			s.limited = true
		case *bytes.Buffer:
			s.remaining = uint64(br.Len())
			s.limited = true
		case *strings.Reader:
			s.remaining = uint64(br.Len())
			s.limited = true
		default:
			s.limited = false
		}
	}
	// Wrap r with a buffer if it doesn't have one.
	bufr, ok := r.(ByteReader)
	if !ok {
		bufr = bufio.NewReader(r)
	}
	s.r = bufr
	// Reset the decoding context.
	s.stack = s.stack[:0]
	s.size = 0
	s.kind = -1
	s.kinderr = nil
	s.byteval = 0
}

// Decode decodes a value into val, which must be a non-nil pointer to one
// of the supported scalar types or a Decoder implementation.
func (s *Stream) Decode(val interface{}) error {
	if dec, ok := val.(Decoder); ok {
		return dec.DecodeRLP(s)
	}
	switch v := val.(type) {
	case *uint:
		x, err := s.uint(64)
		if err != nil {
			return err
		}
		*v = uint(x)
		return nil
	case *uint8:
		x, err := s.uint(8)
		if err != nil {
			return err
		}
		*v = uint8(x)
		return nil
	case *uint16:
		x, err := s.uint(16)
		if err != nil {
			return err
		}
		*v = uint16(x)
		return nil
	case *uint32:
		x, err := s.uint(32)
		if err != nil {
			return err
		}
		*v = uint32(x)
		return nil
	case *uint64:
		x, err := s.Uint64()
		if err != nil {
			return err
		}
		*v = x
		return nil
	case *bool:
		x, err := s.Bool()
		if err != nil {
			return err
		}
		*v = x
		return nil
	case *string:
		b, err := s.Bytes()
		if err != nil {
			return err
		}
		*v = string(b)
		return nil
	case *[]byte:
		b, err := s.Bytes()
		if err != nil {
			return err
		}
		*v = b
		return nil
	case *big.Int:
		return s.decodeBigInt(v)
	case *[]string:
		return s.decodeStringSlice(v)
	default:
		return fmt.Errorf("rlp: type %T is not RLP-serializable", val)
	}
}

func (s *Stream) decodeBigInt(dst *big.Int) error {
	b, err := s.Bytes()
	if err != nil {
		return err
	}
	if len(b) > 0 && b[0] == 0 {
		return ErrCanonInt
	}
	dst.SetBytes(b)
	return nil
}

func (s *Stream) decodeStringSlice(dst *[]string) error {
	if _, err := s.List(); err != nil {
		return err
	}
	var elems []string
	for {
		b, err := s.Bytes()
		if err == EOL {
			break
		}
		if err != nil {
			return err
		}
		elems = append(elems, string(b))
	}
	*dst = elems
	return s.ListEnd()
}

// Bytes reads an RLP string and returns its contents as a byte slice. The
// input must contain an RLP string.
func (s *Stream) Bytes() ([]byte, error) {
	kind, size, err := s.Kind()
	if err != nil {
		return nil, err
	}
	switch kind {
	case Byte:
		s.kind = -1 // rearm Kind
		return []byte{s.byteval}, nil
	case String:
		b := make([]byte, size)
		if err = s.readFull(b); err != nil {
			return nil, err
		}
		if size == 1 && b[0] < 128 {
			return nil, ErrCanonSize
		}
		return b, nil
	default:
		return nil, ErrExpectedString
	}
}

// Uint64 reads an RLP string of up to 8 bytes and returns its contents as
// an unsigned integer. The input must contain an RLP string.
func (s *Stream) Uint64() (uint64, error) {
	return s.uint(64)
}

func (s *Stream) uint(maxbits int) (uint64, error) {
	kind, size, err := s.Kind()
	if err != nil {
		return 0, err
	}
	switch kind {
	case Byte:
		if s.byteval == 0 {
			return 0, ErrCanonInt
		}
		s.kind = -1 // rearm Kind
		return uint64(s.byteval), nil
	case String:
		if size > uint64(maxbits/8) {
			return 0, errUintOverflow
		}
		v, err := s.readUint(byte(size))
		switch {
		case err == ErrCanonSize:
			// Adjust error because we're not reading a size right now.
			return 0, ErrCanonInt
		case err != nil:
			return 0, err
		case size > 0 && v < 128:
			return 0, ErrCanonSize
		default:
			s.kind = -1 // rearm Kind
			return v, nil
		}
	default:
		return 0, ErrExpectedString
	}
}

// Bool reads an RLP string of up to 1 byte and returns its contents as a
// boolean. The input must contain an RLP string.
func (s *Stream) Bool() (bool, error) {
	num, err := s.uint(8)
	if err != nil {
		return false, err
	}
	switch num {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("rlp: invalid boolean value: %d", num)
	}
}

// List starts decoding an RLP list. If the input does not contain a list,
// the returned error will be ErrExpectedList. When the list's end has been
// reached, any Stream operation will return EOL.
func (s *Stream) List() (size uint64, err error) {
	kind, size, err := s.Kind()
	if err != nil {
		return 0, err
	}
	if kind != List {
		return 0, ErrExpectedList
	}

	// Remove the size of the inner list from the outer list before pushing
	// the new size onto the stack. This ensures data reads within the inner
	// list cannot exceed the outer list.
	if inList, limit := s.listLimit(); inList {
		s.stack[len(s.stack)-1] = limit - size
	}
	s.stack = append(s.stack, size)
	s.kind = -1
	s.size = 0
	return size, nil
}

// ListEnd returns to the enclosing list. The input reader must be
// positioned at the end of a list.
func (s *Stream) ListEnd() error {
	// Ensure that no more data is remaining in the current list.
	if inList, listLimit := s.listLimit(); !inList {
		return errNotInList
	} else if listLimit > 0 {
		return errNotAtEOL
	}
	s.stack = s.stack[:len(s.stack)-1] // pop
	s.kind = -1
	s.size = 0
	return nil
}

// MoreDataInList reports whether the current list context contains more
// data to be read.
func (s *Stream) MoreDataInList() bool {
	_, listLimit := s.listLimit()
	return listLimit > 0
}

// Skip consumes the next value without decoding it. This allows tolerating
// additional list elements appended by future protocol versions.
func (s *Stream) Skip() error {
	kind, size, err := s.Kind()
	if err != nil {
		return err
	}
	switch kind {
	case Byte:
		s.kind = -1 // rearm Kind
		return nil
	default:
		// Both strings and lists are skipped as raw content of the
		// declared size. Nested structure does not need to be walked.
		return s.discard(size)
	}
}

func (s *Stream) discard(size uint64) error {
	var scratch [64]byte
	for size > 0 {
		chunk := uint64(len(scratch))
		if size < chunk {
			chunk = size
		}
		if err := s.readFull(scratch[:chunk]); err != nil {
			return err
		}
		size -= chunk
	}
	s.kind = -1
	return nil
}

// Kind returns the kind and size of the next value in the input stream.
//
// The returned size is the number of bytes that make up the value. For
// kind == Byte, the size is zero because the value is contained in the
// type tag.
//
// The first call to Kind will read size information from the input reader
// and leave it positioned at the start of the actual bytes of the value.
// Subsequent calls to Kind (until the value is decoded) will not advance
// the input reader and return cached information.
func (s *Stream) Kind() (kind Kind, size uint64, err error) {
	if s.kind >= 0 {
		return s.kind, s.size, s.kinderr
	}

	// Check for end of list. This needs to be done here because readKind
	// checks against the list size, and would return the wrong error.
	inList, listLimit := s.listLimit()
	if inList && listLimit == 0 {
		return 0, 0, EOL
	}
	// Read the actual size tag.
	s.kind, s.size, s.kinderr = s.readKind()
	if s.kinderr == nil {
		// Check the data size of the value ahead against input limits. This
		// is done here because many decoders require allocating an input
		// buffer matching the value size. Checking it here protects those
		// decoders from inputs declaring very large value size.
		if inList && s.size > listLimit {
			s.kinderr = ErrElemTooLarge
		} else if s.limited && s.size > s.remaining {
			s.kinderr = ErrValueTooLarge
		}
	}
	return s.kind, s.size, s.kinderr
}

func (s *Stream) readKind() (kind Kind, size uint64, err error) {
	b, err := s.readByte()
	if err != nil {
		if len(s.stack) == 0 {
			// At toplevel, adjust the error to actual EOF. io.EOF is used by
			// callers to determine when to stop decoding.
			switch err {
			case io.ErrUnexpectedEOF:
				err = io.EOF
			case ErrValueTooLarge:
				err = io.EOF
			}
		}
		return 0, 0, err
	}
	s.byteval = 0
	switch {
	case b < 0x80:
		// For a single byte whose value is in the [0x00, 0x7F] range, that
		// byte is its own RLP encoding.
		s.byteval = b
		return Byte, 0, nil
	case b < 0xB8:
		// Otherwise, if a string is 0-55 bytes long, the RLP encoding
		// consists of a single byte with value 0x80 plus the length of the
		// string followed by the string. The range of the first byte is thus
		// [0x80, 0xB7].
		return String, uint64(b - 0x80), nil
	case b < 0xC0:
		// If a string is more than 55 bytes long, the RLP encoding consists
		// of a single byte with value 0xB7 plus the length of the length of
		// the string in binary form, followed by the length of the string,
		// followed by the string.
		size, err = s.readUint(b - 0xB7)
		if err == nil && size < 56 {
			err = ErrCanonSize
		}
		return String, size, err
	case b < 0xF8:
		// If the total payload of a list (i.e. the combined length of all
		// its items) is 0-55 bytes long, the RLP encoding consists of a
		// single byte with value 0xC0 plus the length of the list followed
		// by the concatenation of the RLP encodings of the items.
		return List, uint64(b - 0xC0), nil
	default:
		// If the total payload of a list is more than 55 bytes long, the
		// RLP encoding consists of a single byte with value 0xF7 plus the
		// length of the length of the payload in binary form, followed by
		// the length of the payload, followed by the concatenation of the
		// RLP encodings of the items.
		size, err = s.readUint(b - 0xF7)
		if err == nil && size < 56 {
			err = ErrCanonSize
		}
		return List, size, err
	}
}

func (s *Stream) readUint(size byte) (uint64, error) {
	switch size {
	case 0:
		s.kind = -1 // rearm Kind
		return 0, nil
	case 1:
		b, err := s.readByte()
		return uint64(b), err
	default:
		buffer := s.uintbuf[:8]
		for i := range buffer {
			buffer[i] = 0
		}
		start := int(8 - size)
		if err := s.readFull(buffer[start:]); err != nil {
			return 0, err
		}
		if buffer[start] == 0 {
			// Note: readUint is also used to decode integer values. The
			// error needs to be adjusted to become ErrCanonInt in this case.
			return 0, ErrCanonSize
		}
		return binary.BigEndian.Uint64(buffer[:]), nil
	}
}

// readFull reads into buf from the underlying stream.
func (s *Stream) readFull(buf []byte) (err error) {
	if err := s.willRead(uint64(len(buf))); err != nil {
		return err
	}
	var nn, n int
	for n < len(buf) && err == nil {
		nn, err = s.r.Read(buf[n:])
		n += nn
	}
	if err == io.EOF {
		if n < len(buf) {
			err = io.ErrUnexpectedEOF
		} else {
			// Readers are allowed to give EOF even though the read
			// succeeded. In such cases, we discard the EOF, like io.ReadFull
			// does.
			err = nil
		}
	}
	return err
}

// readByte reads a single byte from the underlying stream.
func (s *Stream) readByte() (byte, error) {
	if err := s.willRead(1); err != nil {
		return 0, err
	}
	b, err := s.r.ReadByte()
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return b, err
}

// willRead is called before any read from the underlying stream. It checks
// n against size limits, and updates the limits if n doesn't overflow
// them.
func (s *Stream) willRead(n uint64) error {
	s.kind = -1 // rearm Kind

	if inList, limit := s.listLimit(); inList {
		if n > limit {
			return ErrElemTooLarge
		}
		s.stack[len(s.stack)-1] = limit - n
	}
	if s.limited {
		if n > s.remaining {
			return ErrValueTooLarge
		}
		s.remaining -= n
	}
	return nil
}

// listLimit returns the amount of data remaining in the innermost list.
func (s *Stream) listLimit() (inList bool, limit uint64) {
	if len(s.stack) == 0 {
		return false, 0
	}
	return true, s.stack[len(s.stack)-1]
}
