package rlpx

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"

	"github.com/Matthelonianxl/devp2p/crypto"
	"github.com/Matthelonianxl/devp2p/rlp"
)

func hexb(str string) []byte {
	unspace := strings.NewReplacer("\n", "", "\t", "", " ", "")
	b, err := hex.DecodeString(unspace.Replace(str))
	if err != nil {
		panic(fmt.Sprintf("invalid hex string: %q", str))
	}
	return b
}

func newkey() *ecdsa.PrivateKey {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic("couldn't generate key: " + err.Error())
	}
	return key
}

func createPeers(t *testing.T) (peer1, peer2 *Conn) {
	t.Helper()

	conn1, conn2 := net.Pipe()
	key1, key2 := newkey(), newkey()
	peer1 = NewConn(conn1, &key2.PublicKey) // dialer
	peer2 = NewConn(conn2, nil)             // listener

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		remote, err := peer2.Handshake(key2)
		if err != nil {
			t.Errorf("listener side handshake failed: %v", err)
			return
		}
		if !remote.Equal(&key1.PublicKey) {
			t.Error("listener side returned wrong remote key")
		}
	}()
	remote, err := peer1.Handshake(key1)
	require.NoError(t, err, "dialer side handshake failed")
	assert.True(t, remote.Equal(&key2.PublicKey), "dialer side returned wrong remote key")
	wg.Wait()
	return peer1, peer2
}

func TestHandshake(t *testing.T) {
	peer1, peer2 := createPeers(t)
	peer1.Close()
	peer2.Close()
}

// This test checks that messages can be sent and received through a real
// handshaked connection, with and without snappy compression.
func TestReadWriteMsg(t *testing.T) {
	peer1, peer2 := createPeers(t)
	defer peer1.Close()
	defer peer2.Close()

	testCodec := func(t *testing.T) {
		tests := []struct {
			code uint64
			data []byte
		}{
			{code: 8, data: []byte("test message")},
			{code: 0, data: nil}, // zero-length payload
			{code: 5, data: bytes.Repeat([]byte{0xFF}, 2048)},
		}
		for _, tt := range tests {
			go func() {
				_, err := peer1.WriteMsg(tt.code, uint32(len(tt.data)), bytes.NewReader(tt.data))
				if err != nil {
					t.Errorf("write error: %v", err)
				}
			}()

			peer2.SetReadDeadline(time.Now().Add(5 * time.Second))
			code, size, payload, err := peer2.ReadMsg()
			require.NoError(t, err)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, uint32(len(tt.data)), size)
			body, err := io.ReadAll(payload)
			require.NoError(t, err)
			if len(tt.data) > 0 {
				assert.Equal(t, tt.data, body)
			} else {
				assert.Empty(t, body)
			}
		}
	}

	t.Run("plain", testCodec)

	peer1.SetSnappy(true)
	peer2.SetSnappy(true)
	t.Run("snappy", testCodec)
}

type fakeHash []byte

func (fakeHash) Write(p []byte) (int, error) { return len(p), nil }
func (fakeHash) Reset()                      {}
func (fakeHash) BlockSize() int              { return 0 }

func (h fakeHash) Size() int           { return len(h) }
func (h fakeHash) Sum(b []byte) []byte { return append(b, h...) }

// bufferConn is a net.Conn reading from and writing to a shared buffer.
type bufferConn struct {
	*bytes.Buffer
}

func (bufferConn) Close() error                       { return nil }
func (bufferConn) LocalAddr() net.Addr                { return nil }
func (bufferConn) RemoteAddr() net.Addr               { return nil }
func (bufferConn) SetDeadline(t time.Time) error      { return nil }
func (bufferConn) SetReadDeadline(t time.Time) error  { return nil }
func (bufferConn) SetWriteDeadline(t time.Time) error { return nil }

func TestFrameReadWrite(t *testing.T) {
	buf := new(bytes.Buffer)
	conn := NewConn(bufferConn{buf}, nil)
	hash := fakeHash{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
	conn.InitWithSecrets(Secrets{
		AES:        crypto.Keccak256(),
		MAC:        crypto.Keccak256(),
		IngressMAC: hash,
		EgressMAC:  hash,
	})

	golden := hexb(`
		00828ddae471818bb0bfa6b551d1cb42
		01010101010101010101010101010101
		ba628a4ba590cb43f7848f41c4382885
		01010101010101010101010101010101
	`)
	body := hexb(`C401020304`)

	// Check WriteMsg. This puts a message frame into the buffer.
	_, err := conn.WriteMsg(8, uint32(len(body)), bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, golden, buf.Bytes(), "frame encoding mismatch")

	// Check ReadMsg. It reads the message encoded by WriteMsg, which is
	// equivalent to the golden frame above.
	code, size, payload, err := conn.ReadMsg()
	require.NoError(t, err)
	assert.Equal(t, uint64(8), code)
	assert.Equal(t, uint32(len(body)), size)
	got, err := io.ReadAll(payload)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

// testSecretsPair returns two secrets such that frames written with the first
// can be read with the second.
func testSecretsPair() (Secrets, Secrets) {
	aesSecret := crypto.Keccak256([]byte("aes-secret"))
	macSecret := crypto.Keccak256([]byte("mac-secret"))
	newMAC := func(seed string) (hash.Hash, hash.Hash) {
		a := sha3.NewLegacyKeccak256()
		a.Write([]byte(seed))
		b := sha3.NewLegacyKeccak256()
		b.Write([]byte(seed))
		return a, b
	}
	eg1, in2 := newMAC("mac-a")
	in1, eg2 := newMAC("mac-b")
	s1 := Secrets{AES: aesSecret, MAC: macSecret, EgressMAC: eg1, IngressMAC: in1}
	s2 := Secrets{AES: aesSecret, MAC: macSecret, EgressMAC: eg2, IngressMAC: in2}
	return s1, s2
}

func writeTestFrame(t *testing.T) []byte {
	t.Helper()
	s1, _ := testSecretsPair()
	buf := new(bytes.Buffer)
	sender := NewConn(bufferConn{buf}, nil)
	sender.InitWithSecrets(s1)
	_, err := sender.WriteMsg(2, 3, bytes.NewReader([]byte{0x83, 0x41, 0x42}))
	require.NoError(t, err)
	return buf.Bytes()
}

func readTamperedFrame(t *testing.T, frame []byte) error {
	t.Helper()
	_, s2 := testSecretsPair()
	receiver := NewConn(bufferConn{bytes.NewBuffer(frame)}, nil)
	receiver.InitWithSecrets(s2)
	_, _, _, err := receiver.ReadMsg()
	return err
}

func TestReadUntampered(t *testing.T) {
	frame := writeTestFrame(t)
	require.NoError(t, readTamperedFrame(t, frame))
}

// Flipping a single bit anywhere in the header must fail the header MAC.
func TestHeaderMACMismatch(t *testing.T) {
	frame := writeTestFrame(t)
	frame[3] ^= 0x01
	err := readTamperedFrame(t, frame)
	assert.Equal(t, ErrBadHeaderMAC, err)
}

// Flipping a single bit in the frame body must fail the frame MAC.
func TestFrameMACMismatch(t *testing.T) {
	frame := writeTestFrame(t)
	frame[32] ^= 0x01 // first ciphertext byte after the 32-byte header
	err := readTamperedFrame(t, frame)
	assert.Equal(t, ErrBadFrameMAC, err)
}

// The handshake messages tolerate list elements appended by newer protocol
// versions.
func TestHandshakeForwardCompatibility(t *testing.T) {
	var (
		msg    authMsgV4
		extra  = []byte("extension")
		packet = new(bytes.Buffer)
	)
	msg.Version = 56
	msg.Signature[0] = 0xAA
	msg.InitiatorPubkey[5] = 0xBB
	msg.Nonce[31] = 0xCC

	err := rlp.Encode(packet, []interface{}{
		msg.Signature[:], msg.InitiatorPubkey[:], msg.Nonce[:], msg.Version, extra,
	})
	require.NoError(t, err)

	var decoded authMsgV4
	s := rlp.NewStream(bytes.NewReader(packet.Bytes()), 0)
	require.NoError(t, decoded.DecodeRLP(s))
	if !reflect.DeepEqual(msg, decoded) {
		t.Errorf("decoded message mismatch:\ngot  %+v\nwant %+v", decoded, msg)
	}
}
