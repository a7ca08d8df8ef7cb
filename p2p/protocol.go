package p2p

import (
	"fmt"
	"io"

	"github.com/Matthelonianxl/devp2p/p2p/enode"
	"github.com/Matthelonianxl/devp2p/rlp"
)

// Protocol represents a P2P subprotocol implementation.
type Protocol struct {
	// Name should contain the official protocol name,
	// often a three-letter word.
	Name string

	// Version should contain the version number of the protocol.
	Version uint

	// Length should contain the number of message codes used
	// by the protocol.
	Length uint64

	// Run is called in a new goroutine when the protocol has been
	// negotiated with a peer. It should read and write messages from
	// rw. The Payload for each message must be fully consumed.
	//
	// The peer connection is closed when Start returns. It should return
	// any protocol-level error (such as an I/O error) that is
	// encountered.
	Run func(peer *Peer, rw MsgReadWriter) error

	// NodeInfo is an optional helper method to retrieve protocol specific metadata
	// about the host node.
	NodeInfo func() interface{}

	// PeerInfo is an optional helper method to retrieve protocol specific metadata
	// about a certain peer in the network. If an info retrieval function is set,
	// but returns nil, it is assumed that the protocol handshake is still running.
	PeerInfo func(id enode.ID) interface{}
}

func (p Protocol) cap() Cap {
	return Cap{p.Name, p.Version}
}

// Cap is the structure of a peer capability.
type Cap struct {
	Name    string
	Version uint
}

func (cap Cap) String() string {
	return fmt.Sprintf("%s/%d", cap.Name, cap.Version)
}

// EncodeRLP implements rlp.Encoder.
func (cap Cap) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, []interface{}{cap.Name, uint64(cap.Version)})
}

// DecodeRLP implements rlp.Decoder.
func (cap *Cap) DecodeRLP(s *rlp.Stream) error {
	if _, err := s.List(); err != nil {
		return err
	}
	name, err := s.Bytes()
	if err != nil {
		return err
	}
	version, err := s.Uint64()
	if err != nil {
		return err
	}
	cap.Name = string(name)
	cap.Version = uint(version)
	return s.ListEnd()
}

// Less defines the canonical sorting order of capabilities, by name
// first and version second.
func (cap Cap) Less(other Cap) bool {
	if cap.Name == other.Name {
		return cap.Version < other.Version
	}
	return cap.Name < other.Name
}
