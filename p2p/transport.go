package p2p

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Matthelonianxl/devp2p/p2p/rlpx"
	"github.com/Matthelonianxl/devp2p/rlp"
)

const (
	// total timeout for encryption handshake and protocol
	// handshake in both directions.
	handshakeTimeout = 5 * time.Second

	// This is the timeout for sending the disconnect reason.
	// This is shorter than the usual timeout because we don't want
	// to wait if the connection is known to be bad anyway.
	discWriteTimeout = 1 * time.Second
)

var (
	// Timeouts are package variables so session tests can shorten them.
	frameReadTimeout  = 30 * time.Second
	frameWriteTimeout = 20 * time.Second
)

// transport is the session's wire interface. It is implemented by
// rlpxTransport in production and stubbed out in server tests.
type transport interface {
	// The two handshakes.
	doEncHandshake(prv *ecdsa.PrivateKey) (*ecdsa.PublicKey, error)
	doProtoHandshake(our *protoHandshake) (*protoHandshake, error)
	// The MsgReadWriter can only be used after the encryption
	// handshake has completed. The code tracks this through conn.node,
	// which is set to a non-nil value after the encryption handshake.
	MsgReadWriter
	// transports must provide Close because we use MsgPipe in some of
	// the tests. Closing the actual network connection doesn't do
	// anything in those tests because MsgPipe doesn't use it.
	close(err error)
}

// rlpxTransport is the transport used by actual (non-test) connections.
// It wraps an RLPx frame codec with locks and read/write deadlines.
type rlpxTransport struct {
	rmu, wmu sync.Mutex
	conn     *rlpx.Conn
}

func newRLPX(conn net.Conn, dialDest *ecdsa.PublicKey) transport {
	return &rlpxTransport{conn: rlpx.NewConn(conn, dialDest)}
}

func (t *rlpxTransport) ReadMsg() (Msg, error) {
	t.rmu.Lock()
	defer t.rmu.Unlock()

	t.conn.SetReadDeadline(time.Now().Add(frameReadTimeout))
	code, size, payload, err := t.conn.ReadMsg()
	if err != nil {
		return Msg{}, err
	}
	return Msg{
		Code:       code,
		Size:       size,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}, nil
}

func (t *rlpxTransport) WriteMsg(msg Msg) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(frameWriteTimeout))
	_, err := t.conn.WriteMsg(msg.Code, msg.Size, msg.Payload)
	return err
}

func (t *rlpxTransport) close(err error) {
	t.wmu.Lock()
	defer t.wmu.Unlock()

	// Tell the remote end why we're disconnecting if possible.
	// We only bother doing this if the underlying connection supports
	// setting a timeout tough.
	if t.conn != nil && t.conn.SessionEstablished() {
		if r, ok := err.(DiscReason); ok && r != DiscNetworkError {
			deadline := time.Now().Add(discWriteTimeout)
			if err := t.conn.SetWriteDeadline(deadline); err == nil {
				pkt, _ := rlp.EncodeToBytes(r)
				t.conn.WriteMsg(discMsg, uint32(len(pkt)), bytes.NewReader(pkt))
			}
		}
	}
	t.conn.Close()
}

func (t *rlpxTransport) doEncHandshake(prv *ecdsa.PrivateKey) (*ecdsa.PublicKey, error) {
	t.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	return t.conn.Handshake(prv)
}

func (t *rlpxTransport) doProtoHandshake(our *protoHandshake) (their *protoHandshake, err error) {
	// Writing our handshake happens concurrently, we prefer
	// returning the handshake read error. If the remote side
	// disconnects us early with a valid reason, we should return it
	// as the error so it can be tracked elsewhere.
	werr := make(chan error, 1)
	go func() { werr <- Send(t, handshakeMsg, our) }()
	if their, err = readProtocolHandshake(t); err != nil {
		<-werr // make sure the write terminates too
		return nil, err
	}
	if err := <-werr; err != nil {
		return nil, fmt.Errorf("write error: %v", err)
	}
	// If the protocol version supports Snappy encoding, upgrade immediately
	t.conn.SetSnappy(their.Version >= snappyProtocolVersion)

	return their, nil
}

func readProtocolHandshake(rw MsgReader) (*protoHandshake, error) {
	msg, err := rw.ReadMsg()
	if err != nil {
		return nil, err
	}
	if msg.Size > baseProtocolMaxMsgSize {
		return nil, fmt.Errorf("message too big")
	}
	if msg.Code == discMsg {
		// A disconnect reason may arrive instead of the handshake.
		// We also send one ourselves when the post-handshake checks
		// fail.
		var reason DiscReason
		rlp.Decode(msg.Payload, &reason)
		return nil, reason
	}
	if msg.Code != handshakeMsg {
		return nil, fmt.Errorf("expected handshake, got %x", msg.Code)
	}
	var hs protoHandshake
	if err := msg.Decode(&hs); err != nil {
		return nil, err
	}
	if len(hs.ID) != 64 || allZero(hs.ID) {
		return nil, DiscInvalidIdentity
	}
	return &hs, nil
}

func allZero(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}
