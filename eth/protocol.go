// Package eth bundles a minimal version of the Ethereum wire protocol as
// the example capability run over devp2p sessions. It exchanges the
// status handshake and forwards announced blocks and transactions to an
// event mux; chain state itself lives outside this module.
package eth

import (
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/Matthelonianxl/devp2p/rlp"
)

// Official protocol name and supported versions.
const (
	ProtocolName    = "eth"
	ProtocolVersion = 63

	// ProtocolLength is the number of message codes reserved by the
	// protocol.
	ProtocolLength = 8
)

// eth protocol message codes
const (
	StatusMsg          = 0x00
	NewBlockHashesMsg  = 0x01
	TransactionsMsg    = 0x02
	GetBlockHeadersMsg = 0x03
	BlockHeadersMsg    = 0x04
	GetBlockBodiesMsg  = 0x05
	BlockBodiesMsg     = 0x06
	NewBlockMsg        = 0x07
)

const (
	ErrMsgTooLarge = iota
	ErrDecode
	ErrInvalidMsgCode
	ErrProtocolVersionMismatch
	ErrNetworkIDMismatch
	ErrGenesisMismatch
	ErrNoStatusMsg
	ErrExtraStatusMsg
)

var errorToString = map[int]string{
	ErrMsgTooLarge:             "Message too long",
	ErrDecode:                  "Invalid message",
	ErrInvalidMsgCode:          "Invalid message code",
	ErrProtocolVersionMismatch: "Protocol version mismatch",
	ErrNetworkIDMismatch:       "Network ID mismatch",
	ErrGenesisMismatch:         "Genesis block mismatch",
	ErrNoStatusMsg:             "No status message",
	ErrExtraStatusMsg:          "Extra status message",
}

func errResp(code int, format string, v ...interface{}) error {
	return fmt.Errorf("%v - %v", errorToString[code], fmt.Sprintf(format, v...))
}

// Hash identifies blocks and transactions on the wire.
type Hash [32]byte

func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// EncodeRLP implements rlp.Encoder.
func (h Hash) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, h[:])
}

// DecodeRLP implements rlp.Decoder.
func (h *Hash) DecodeRLP(s *rlp.Stream) error {
	b, err := s.Bytes()
	if err != nil {
		return err
	}
	if len(b) != len(h) {
		return errors.New("eth: invalid hash length")
	}
	copy(h[:], b)
	return nil
}

// StatusData is the network packet for the status message.
type StatusData struct {
	ProtocolVersion uint32
	NetworkID       uint64
	TD              *big.Int
	Head            Hash
	Genesis         Hash
}

// EncodeRLP implements rlp.Encoder.
func (s *StatusData) EncodeRLP(w io.Writer) error {
	td := s.TD
	if td == nil {
		td = new(big.Int)
	}
	return rlp.Encode(w, []interface{}{uint64(s.ProtocolVersion), s.NetworkID, td, s.Head, s.Genesis})
}

// DecodeRLP implements rlp.Decoder.
func (sd *StatusData) DecodeRLP(s *rlp.Stream) error {
	if _, err := s.List(); err != nil {
		return err
	}
	v, err := s.Uint64()
	if err != nil {
		return err
	}
	sd.ProtocolVersion = uint32(v)
	if sd.NetworkID, err = s.Uint64(); err != nil {
		return err
	}
	sd.TD = new(big.Int)
	if err := s.Decode(sd.TD); err != nil {
		return err
	}
	if err := s.Decode(&sd.Head); err != nil {
		return err
	}
	if err := s.Decode(&sd.Genesis); err != nil {
		return err
	}
	// tolerate fields added by newer protocol versions
	for {
		if err := s.Skip(); err != nil {
			break
		}
	}
	return s.ListEnd()
}

// BlockAnnounce is one entry of the new block hashes message.
type BlockAnnounce struct {
	Hash   Hash
	Number uint64
}

// EncodeRLP implements rlp.Encoder.
func (a BlockAnnounce) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, []interface{}{a.Hash, a.Number})
}

// DecodeRLP implements rlp.Decoder.
func (a *BlockAnnounce) DecodeRLP(s *rlp.Stream) error {
	if _, err := s.List(); err != nil {
		return err
	}
	if err := s.Decode(&a.Hash); err != nil {
		return err
	}
	var err error
	if a.Number, err = s.Uint64(); err != nil {
		return err
	}
	return s.ListEnd()
}
