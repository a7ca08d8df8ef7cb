package ecies

import (
	"bytes"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Matthelonianxl/devp2p/crypto"
)

func TestSharedKey(t *testing.T) {
	prv1, err := GenerateKey(rand.Reader, crypto.S256(), nil)
	require.NoError(t, err)
	prv2, err := GenerateKey(rand.Reader, crypto.S256(), nil)
	require.NoError(t, err)

	skLen := MaxSharedKeyLength(&prv1.PublicKey) / 2

	sk1, err := prv1.GenerateShared(&prv2.PublicKey, skLen, skLen)
	require.NoError(t, err)
	sk2, err := prv2.GenerateShared(&prv1.PublicKey, skLen, skLen)
	require.NoError(t, err)

	assert.Equal(t, sk1, sk2)
}

func TestSharedKeyTooBig(t *testing.T) {
	prv1, err := GenerateKey(rand.Reader, crypto.S256(), nil)
	require.NoError(t, err)
	prv2, err := GenerateKey(rand.Reader, crypto.S256(), nil)
	require.NoError(t, err)

	skLen := MaxSharedKeyLength(&prv1.PublicKey)
	_, err = prv1.GenerateShared(&prv2.PublicKey, skLen, skLen)
	assert.Equal(t, ErrSharedKeyTooBig, err)
}

func TestEncryptDecrypt(t *testing.T) {
	prv, err := GenerateKey(rand.Reader, crypto.S256(), nil)
	require.NoError(t, err)

	message := []byte("Hello, world.")
	ct, err := Encrypt(rand.Reader, &prv.PublicKey, message, nil, nil)
	require.NoError(t, err)

	pt, err := prv.Decrypt(ct, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, message, pt)

	// decryption with a different key must fail
	other, err := GenerateKey(rand.Reader, crypto.S256(), nil)
	require.NoError(t, err)
	_, err = other.Decrypt(ct, nil, nil)
	assert.Error(t, err)
}

func TestEncryptDecryptSharedData(t *testing.T) {
	prv, err := GenerateKey(rand.Reader, crypto.S256(), nil)
	require.NoError(t, err)

	message := []byte("payload")
	shared := []byte("shared context")

	ct, err := Encrypt(rand.Reader, &prv.PublicKey, message, nil, shared)
	require.NoError(t, err)

	// decrypting with the wrong shared data must fail the tag check
	_, err = prv.Decrypt(ct, nil, nil)
	assert.Equal(t, ErrInvalidMessage, err)

	pt, err := prv.Decrypt(ct, nil, shared)
	require.NoError(t, err)
	assert.Equal(t, message, pt)
}

func TestDecryptTampered(t *testing.T) {
	prv, err := GenerateKey(rand.Reader, crypto.S256(), nil)
	require.NoError(t, err)

	message := []byte("authenticate me")
	ct, err := Encrypt(rand.Reader, &prv.PublicKey, message, nil, nil)
	require.NoError(t, err)

	// flip one bit in the ciphertext body
	tampered := bytes.Clone(ct)
	tampered[len(tampered)/2] ^= 0x01
	_, err = prv.Decrypt(tampered, nil, nil)
	assert.Error(t, err)

	// truncated input
	_, err = prv.Decrypt(ct[:10], nil, nil)
	assert.Equal(t, ErrInvalidMessage, err)
}

func TestImportExport(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	prv := ImportECDSA(key)
	assert.Equal(t, key.D, prv.ExportECDSA().D)
	assert.True(t, prv.PublicKey.ExportECDSA().Equal(&key.PublicKey))
}

func TestUnsupportedCurve(t *testing.T) {
	prv, err := GenerateKey(rand.Reader, elliptic.P384(), nil)
	require.NoError(t, err)
	_, err = Encrypt(rand.Reader, &prv.PublicKey, []byte("msg"), nil, nil)
	assert.Equal(t, ErrUnsupportedECIESParameters, err)
}
