// Package rlpx implements the RLPx transport protocol.
package rlpx

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/hmac"
	"errors"
	"hash"
	"io"
	"net"
	"sync"
	"time"

	"github.com/golang/snappy"

	"github.com/Matthelonianxl/devp2p/rlp"
)

const (
	// maxUint24 is the maximum value of a frame length field. Frames and
	// decompressed messages above this size are rejected.
	maxUint24 = ^uint32(0) >> 8
)

var (
	// ErrBadHeaderMAC is returned when the MAC of an incoming frame header does
	// not match the expected ingress MAC state. The connection cannot recover
	// from this and must be torn down.
	ErrBadHeaderMAC = errors.New("rlpx: bad header MAC")

	// ErrBadFrameMAC is returned when the MAC covering an incoming frame body
	// does not match. Like a header MAC mismatch, this is fatal.
	ErrBadFrameMAC = errors.New("rlpx: bad frame MAC")

	// errPlainMessageTooLarge is returned if a decompressed message length exceeds
	// the allowed 24 bits (i.e. length >= 16MB).
	errPlainMessageTooLarge = errors.New("rlpx: message length >= 16MB")

	// errFrameTooLarge is returned from Write when the frame content overflows
	// the 24-bit length field.
	errFrameTooLarge = errors.New("rlpx: message size overflows uint24")

	// this is used in place of actual frame header data.
	zeroHeader = []byte{0xC2, 0x80, 0x80}

	// sixteen zero bytes, used for padding frames to the cipher block size.
	zero16 = make([]byte, 16)
)

// Conn is an RLPx network connection. It wraps a low-level network connection.
// The underlying connection should not be used for other activity when it is
// wrapped by Conn.
//
// Before sending messages, a handshake must be performed by calling the
// Handshake method. This type is not generally safe for concurrent use, but
// reading and writing of messages can happen concurrently.
type Conn struct {
	rmu, wmu sync.Mutex

	dialDest *ecdsa.PublicKey // nil when acting as the listening side
	conn     net.Conn
	session  *sessionState

	// snappy enables snappy compression of message payloads. It is switched
	// on after the protocol handshake when both sides support it.
	snappy bool
}

// sessionState holds the frame cipher and MAC state established by the
// encryption handshake.
type sessionState struct {
	enc cipher.Stream
	dec cipher.Stream

	macCipher  cipher.Block
	egressMAC  hash.Hash
	ingressMAC hash.Hash
}

// NewConn wraps the given network connection. If dialDest is non-nil, the
// connection behaves as the initiator during the handshake.
func NewConn(conn net.Conn, dialDest *ecdsa.PublicKey) *Conn {
	return &Conn{
		dialDest: dialDest,
		conn:     conn,
	}
}

// SetSnappy enables or disables snappy compression of messages. This is
// usually called after the devp2p Hello message exchange when the negotiated
// version indicates that compression is available on both ends of the
// connection.
func (c *Conn) SetSnappy(snappy bool) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.snappy = snappy
}

// SessionEstablished reports whether frame secrets have been installed,
// either through Handshake or InitWithSecrets. ReadMsg and WriteMsg can
// only be used after this returns true.
func (c *Conn) SessionEstablished() bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	return c.session != nil
}

// SetReadDeadline sets the deadline for all future read operations.
func (c *Conn) SetReadDeadline(time time.Time) error {
	return c.conn.SetReadDeadline(time)
}

// SetWriteDeadline sets the deadline for all future write operations.
func (c *Conn) SetWriteDeadline(time time.Time) error {
	return c.conn.SetWriteDeadline(time)
}

// SetDeadline sets the deadline for all future read and write operations.
func (c *Conn) SetDeadline(time time.Time) error {
	return c.conn.SetDeadline(time)
}

// LocalAddr returns the endpoint of the underlying connection.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote endpoint of the underlying connection.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// ReadMsg reads a message from the connection. The returned payload reader is
// only valid until the next call to ReadMsg.
func (c *Conn) ReadMsg() (code uint64, size uint32, payload io.Reader, err error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	// read the header
	headbuf := make([]byte, 32)
	if _, err := io.ReadFull(c.conn, headbuf); err != nil {
		return code, size, payload, err
	}

	// verify header mac
	shouldMAC := updateMAC(c.session.ingressMAC, c.session.macCipher, headbuf[:16])
	if !hmac.Equal(shouldMAC, headbuf[16:]) {
		return code, size, payload, ErrBadHeaderMAC
	}
	c.session.dec.XORKeyStream(headbuf[:16], headbuf[:16]) // first half is now decrypted
	fsize := readInt24(headbuf)
	// ignore protocol type for now

	// read the frame content
	var rsize = fsize // frame size rounded up to 16 byte boundary
	if padding := fsize % 16; padding > 0 {
		rsize += 16 - padding
	}
	framebuf := make([]byte, rsize)
	if _, err := io.ReadFull(c.conn, framebuf); err != nil {
		return code, size, payload, err
	}

	// read and validate frame MAC. we can re-use headbuf for that.
	c.session.ingressMAC.Write(framebuf)
	fmacseed := c.session.ingressMAC.Sum(nil)
	if _, err := io.ReadFull(c.conn, headbuf[:16]); err != nil {
		return code, size, payload, err
	}
	shouldMAC = updateMAC(c.session.ingressMAC, c.session.macCipher, fmacseed)
	if !hmac.Equal(shouldMAC, headbuf[:16]) {
		return code, size, payload, ErrBadFrameMAC
	}

	// decrypt frame content
	c.session.dec.XORKeyStream(framebuf, framebuf)

	// decode message code
	content := bytes.NewReader(framebuf[:fsize])
	if err := rlp.Decode(content, &code); err != nil {
		return code, size, payload, err
	}

	size = uint32(content.Len())
	payload = content

	// if snappy is enabled, verify and decompress message
	if c.snappy {
		payloadBytes, err := io.ReadAll(payload)
		if err != nil {
			return code, size, payload, err
		}
		payloadSize, err := snappy.DecodedLen(payloadBytes)
		if err != nil {
			return code, size, payload, err
		}
		if payloadSize > int(maxUint24) {
			return code, size, payload, errPlainMessageTooLarge
		}
		payloadBytes, err = snappy.Decode(nil, payloadBytes)
		if err != nil {
			return code, size, payload, err
		}
		size, payload = uint32(payloadSize), bytes.NewReader(payloadBytes)
	}
	return code, size, payload, nil
}

// WriteMsg writes a message to the connection. It returns the number of
// payload bytes written to the wire, which can differ from the input size
// when snappy compression is enabled.
func (c *Conn) WriteMsg(code uint64, size uint32, payload io.Reader) (uint32, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	ptype, _ := rlp.EncodeToBytes(code)

	if c.snappy {
		if size > maxUint24 {
			return size, errPlainMessageTooLarge
		}
		size, payload = compress(payload)
	}

	// write header
	headbuf := make([]byte, 32)
	fsize := uint32(len(ptype)) + size
	if fsize > maxUint24 {
		return size, errFrameTooLarge
	}
	putInt24(fsize, headbuf)
	copy(headbuf[3:], zeroHeader)
	c.session.enc.XORKeyStream(headbuf[:16], headbuf[:16]) // first half is now encrypted

	// write header MAC
	copy(headbuf[16:], updateMAC(c.session.egressMAC, c.session.macCipher, headbuf[:16]))
	if _, err := c.conn.Write(headbuf); err != nil {
		return size, err
	}

	// write encrypted frame, updating the egress MAC hash with
	// the data written to conn.
	tee := cipher.StreamWriter{S: c.session.enc, W: io.MultiWriter(c.conn, c.session.egressMAC)}
	if _, err := tee.Write(ptype); err != nil {
		return size, err
	}
	if _, err := io.Copy(tee, payload); err != nil {
		return size, err
	}
	if padding := fsize % 16; padding > 0 {
		if _, err := tee.Write(zero16[:16-padding]); err != nil {
			return size, err
		}
	}

	// write frame MAC. egress MAC hash is up to date because
	// frame content was written to it as well.
	fmacseed := c.session.egressMAC.Sum(nil)
	mac := updateMAC(c.session.egressMAC, c.session.macCipher, fmacseed)

	_, err := c.conn.Write(mac)
	return size, err
}

func compress(payload io.Reader) (uint32, io.Reader) {
	data, _ := io.ReadAll(payload)
	data = snappy.Encode(nil, data)

	return uint32(len(data)), bytes.NewReader(data)
}

func readInt24(b []byte) uint32 {
	return uint32(b[2]) | uint32(b[1])<<8 | uint32(b[0])<<16
}

func putInt24(v uint32, b []byte) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

// updateMAC reseeds the given hash with encrypted seed.
// it returns the first 16 bytes of the hash sum after seeding.
func updateMAC(mac hash.Hash, block cipher.Block, seed []byte) []byte {
	aesbuf := make([]byte, aes.BlockSize)
	block.Encrypt(aesbuf, mac.Sum(nil))
	for i := range aesbuf {
		aesbuf[i] ^= seed[i]
	}
	mac.Write(aesbuf)
	return mac.Sum(nil)[:16]
}

// Handshake performs the encryption handshake on the connection. On the
// dialing side, the remote static key given to NewConn is authenticated. The
// remote's public key is returned on success.
func (c *Conn) Handshake(prv *ecdsa.PrivateKey) (*ecdsa.PublicKey, error) {
	var (
		sec Secrets
		err error
	)
	if c.dialDest != nil {
		sec, err = initiatorEncHandshake(c.conn, prv, c.dialDest)
	} else {
		sec, err = receiverEncHandshake(c.conn, prv)
	}
	if err != nil {
		return nil, err
	}
	c.InitWithSecrets(sec)
	return sec.remote, nil
}

// InitWithSecrets injects connection secrets as if a handshake had
// been performed. This cannot be called after the handshake.
func (c *Conn) InitWithSecrets(sec Secrets) {
	if c.session != nil {
		panic("can't handshake twice")
	}
	macc, err := aes.NewCipher(sec.MAC)
	if err != nil {
		panic("invalid MAC secret: " + err.Error())
	}
	encc, err := aes.NewCipher(sec.AES)
	if err != nil {
		panic("invalid AES secret: " + err.Error())
	}
	// we use an all-zeroes IV for AES because the key used
	// for encryption is ephemeral.
	iv := make([]byte, encc.BlockSize())
	c.session = &sessionState{
		enc:        cipher.NewCTR(encc, iv),
		dec:        cipher.NewCTR(encc, iv),
		macCipher:  macc,
		egressMAC:  sec.EgressMAC,
		ingressMAC: sec.IngressMAC,
	}
}

// Close closes the underlying network connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
