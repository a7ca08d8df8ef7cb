package rlp

import (
	"bytes"
	"encoding/hex"
	"io"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unhex(s string) []byte {
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		panic("invalid hex: " + s)
	}
	return b
}

func TestEncode(t *testing.T) {
	tests := []struct {
		val    interface{}
		output string
	}{
		// booleans
		{val: true, output: "01"},
		{val: false, output: "80"},

		// integers
		{val: uint32(0), output: "80"},
		{val: uint32(127), output: "7F"},
		{val: uint32(128), output: "8180"},
		{val: uint32(256), output: "820100"},
		{val: uint32(1024), output: "820400"},
		{val: uint32(0xFFFFFF), output: "83FFFFFF"},
		{val: uint64(0xFFFFFFFFFF), output: "85FFFFFFFFFF"},
		{val: uint64(0xFFFFFFFFFFFFFFFF), output: "88FFFFFFFFFFFFFFFF"},

		// big integers
		{val: big.NewInt(0), output: "80"},
		{val: big.NewInt(1), output: "01"},
		{val: big.NewInt(127), output: "7F"},
		{val: big.NewInt(128), output: "8180"},
		{val: big.NewInt(256), output: "820100"},
		{val: (*big.Int)(nil), output: "80"},

		// byte slices
		{val: []byte{}, output: "80"},
		{val: []byte{0x7E}, output: "7E"},
		{val: []byte{0x7F}, output: "7F"},
		{val: []byte{0x80}, output: "8180"},
		{val: []byte{1, 2, 3}, output: "83010203"},

		// strings
		{val: "", output: "80"},
		{val: "\x7E", output: "7E"},
		{val: "\x80", output: "8180"},
		{val: "dog", output: "83646F67"},
		{
			val:    "Lorem ipsum dolor sit amet, consectetur adipisicing eli",
			output: "B74C6F72656D20697073756D20646F6C6F722073697420616D65742C20636F6E7365637465747572206164697069736963696E6720656C69",
		},
		{
			val:    "Lorem ipsum dolor sit amet, consectetur adipisicing elit",
			output: "B8384C6F72656D20697073756D20646F6C6F722073697420616D65742C20636F6E7365637465747572206164697069736963696E6720656C6974",
		},

		// slices
		{val: []uint{}, output: "C0"},
		{val: []uint{1, 2, 3}, output: "C3010203"},
		{val: []interface{}{[]interface{}{}, []interface{}{}}, output: "C2C0C0"},
		{val: []string{"cat", "dog"}, output: "C88363617483646F67"},
	}
	for _, test := range tests {
		b, err := EncodeToBytes(test.val)
		require.NoError(t, err, "value %#v", test.val)
		assert.Equal(t, unhex(test.output), b, "value %#v", test.val)
	}
}

func TestEncodeNegativeBigInt(t *testing.T) {
	_, err := EncodeToBytes(big.NewInt(-1))
	assert.Error(t, err)
}

type encodableReason struct {
	code uint
}

func (r *encodableReason) EncodeRLP(w io.Writer) error {
	return Encode(w, []interface{}{r.code})
}

func TestEncoderInterface(t *testing.T) {
	b, err := EncodeToBytes(&encodableReason{code: 4})
	require.NoError(t, err)
	assert.Equal(t, unhex("C104"), b)
}

func TestDecodeScalars(t *testing.T) {
	var u64 uint64
	require.NoError(t, DecodeBytes(unhex("820400"), &u64))
	assert.Equal(t, uint64(1024), u64)

	require.NoError(t, DecodeBytes(unhex("80"), &u64))
	assert.Equal(t, uint64(0), u64)

	require.NoError(t, DecodeBytes(unhex("07"), &u64))
	assert.Equal(t, uint64(7), u64)

	var s string
	require.NoError(t, DecodeBytes(unhex("83646F67"), &s))
	assert.Equal(t, "dog", s)

	var b []byte
	require.NoError(t, DecodeBytes(unhex("8180"), &b))
	assert.Equal(t, []byte{0x80}, b)

	var flag bool
	require.NoError(t, DecodeBytes(unhex("01"), &flag))
	assert.True(t, flag)
	require.NoError(t, DecodeBytes(unhex("80"), &flag))
	assert.False(t, flag)

	var bi big.Int
	require.NoError(t, DecodeBytes(unhex("820100"), &bi))
	assert.Equal(t, int64(256), bi.Int64())

	var elems []string
	require.NoError(t, DecodeBytes(unhex("C88363617483646F67"), &elems))
	assert.Equal(t, []string{"cat", "dog"}, elems)
}

func TestDecodeCanonicity(t *testing.T) {
	var u64 uint64
	// leading zero byte in integer
	assert.Equal(t, ErrCanonInt, DecodeBytes(unhex("820004"), &u64))
	// single byte below 128 must be encoded directly
	assert.Equal(t, ErrCanonSize, DecodeBytes(unhex("8105"), &u64))
	// zero must be encoded as empty string
	assert.Equal(t, ErrCanonInt, DecodeBytes(unhex("00"), &u64))

	var b []byte
	assert.Equal(t, ErrCanonSize, DecodeBytes(unhex("817F"), &b))

	// long string with size < 56 must use the short form
	var s string
	err := DecodeBytes(append(unhex("B803"), "dog"...), &s)
	assert.Equal(t, ErrCanonSize, err)
}

func TestDecodeErrors(t *testing.T) {
	var u64 uint64
	assert.Equal(t, ErrExpectedString, DecodeBytes(unhex("C0"), &u64))

	var elems []string
	assert.Equal(t, ErrExpectedList, DecodeBytes(unhex("80"), &elems))

	// trailing data after the first value
	var b []byte
	assert.Equal(t, ErrMoreThanOneValue, DecodeBytes(unhex("8180FF"), &b))

	// declared size exceeds input
	assert.Equal(t, ErrValueTooLarge, DecodeBytes(unhex("85646F67"), &b))
}

func TestStreamList(t *testing.T) {
	s := NewStream(bytes.NewReader(unhex("C50183040404")), 0)

	size, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), size)

	v, err := s.Uint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	b, err := s.Bytes()
	require.NoError(t, err)
	assert.Equal(t, unhex("040404"), b)

	_, _, err = s.Kind()
	assert.Equal(t, EOL, err)
	require.NoError(t, s.ListEnd())

	_, _, err = s.Kind()
	assert.Equal(t, io.EOF, err)
}

func TestStreamElemTooLarge(t *testing.T) {
	// list of size 2 declaring a 5-byte string element
	s := NewStream(bytes.NewReader(unhex("C285AABBCCDDEE")), 0)
	_, err := s.List()
	require.NoError(t, err)
	_, err = s.Bytes()
	assert.Equal(t, ErrElemTooLarge, err)
}

func TestStreamSkip(t *testing.T) {
	// ["cat", "dog", 7] with the first two elements skipped
	s := NewStream(bytes.NewReader(unhex("C98363617483646F6707")), 0)
	_, err := s.List()
	require.NoError(t, err)
	require.NoError(t, s.Skip())
	require.NoError(t, s.Skip())
	v, err := s.Uint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), v)
	require.NoError(t, s.ListEnd())
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	vals := []string{"", "a", "dog", strings.Repeat("x", 55), strings.Repeat("y", 56), strings.Repeat("z", 1024)}
	for _, v := range vals {
		enc, err := EncodeToBytes(v)
		require.NoError(t, err)
		var dec string
		require.NoError(t, DecodeBytes(enc, &dec))
		assert.Equal(t, v, dec)
	}
}
