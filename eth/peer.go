package eth

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/Matthelonianxl/devp2p/p2p"
)

const (
	// protocolMaxMsgSize is the maximum cap on the size of a protocol message.
	protocolMaxMsgSize = 10 * 1024 * 1024

	handshakeTimeout = 5 * time.Second

	// maxKnownTxs is the maximum transactions hashes to keep in the known list
	// before starting to randomly evict them.
	maxKnownTxs = 32768

	// maxKnownBlocks is the maximum block hashes to keep in the known list
	// before starting to randomly evict them.
	maxKnownBlocks = 1024
)

type peer struct {
	id string

	*p2p.Peer
	rw p2p.MsgReadWriter

	td   *big.Int
	head Hash
	lock sync.RWMutex

	knownTxs    mapset.Set[Hash] // Set of transaction hashes known to be known by this peer
	knownBlocks mapset.Set[Hash] // Set of block hashes known to be known by this peer
}

func newPeer(p *p2p.Peer, rw p2p.MsgReadWriter) *peer {
	return &peer{
		Peer:        p,
		rw:          rw,
		id:          p.ID().TerminalString(),
		knownTxs:    mapset.NewSet[Hash](),
		knownBlocks: mapset.NewSet[Hash](),
	}
}

// Head retrieves the best advertised head of the peer.
func (p *peer) Head() (hash Hash, td *big.Int) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	return p.head, new(big.Int).Set(p.td)
}

// SetHead updates the head and total difficulty of the peer.
func (p *peer) SetHead(hash Hash, td *big.Int) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.head = hash
	p.td = td
}

// MarkBlock marks a block as known for the peer, ensuring that the block will
// never be propagated to this particular peer.
func (p *peer) MarkBlock(hash Hash) {
	for p.knownBlocks.Cardinality() >= maxKnownBlocks {
		p.knownBlocks.Pop()
	}
	p.knownBlocks.Add(hash)
}

// MarkTransaction marks a transaction as known for the peer, ensuring that it
// will never be propagated to this particular peer.
func (p *peer) MarkTransaction(hash Hash) {
	for p.knownTxs.Cardinality() >= maxKnownTxs {
		p.knownTxs.Pop()
	}
	p.knownTxs.Add(hash)
}

// KnowsBlock reports whether the peer is known to already have the block.
func (p *peer) KnowsBlock(hash Hash) bool {
	return p.knownBlocks.Contains(hash)
}

// handshake executes the eth protocol handshake, negotiating network ID,
// difficulties, head and genesis blocks.
func (p *peer) handshake(network uint64, td *big.Int, head Hash, genesis Hash) error {
	// Send out own handshake in a new thread
	errc := make(chan error, 2)
	var status StatusData
	go func() {
		errc <- p2p.Send(p.rw, StatusMsg, &StatusData{
			ProtocolVersion: ProtocolVersion,
			NetworkID:       network,
			TD:              td,
			Head:            head,
			Genesis:         genesis,
		})
	}()
	go func() {
		errc <- p.readStatus(network, &status, genesis)
	}()
	timeout := time.NewTimer(handshakeTimeout)
	defer timeout.Stop()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errc:
			if err != nil {
				return err
			}
		case <-timeout.C:
			return p2p.DiscReadTimeout
		}
	}
	p.td, p.head = status.TD, status.Head
	return nil
}

func (p *peer) readStatus(network uint64, status *StatusData, genesis Hash) error {
	msg, err := p.rw.ReadMsg()
	if err != nil {
		return err
	}
	if msg.Code != StatusMsg {
		return errResp(ErrNoStatusMsg, "first msg has code %x (!= %x)", msg.Code, StatusMsg)
	}
	if msg.Size > protocolMaxMsgSize {
		return errResp(ErrMsgTooLarge, "%v > %v", msg.Size, protocolMaxMsgSize)
	}
	if err := msg.Decode(status); err != nil {
		return errResp(ErrDecode, "msg %v: %v", msg, err)
	}
	if status.Genesis != genesis {
		return errResp(ErrGenesisMismatch, "%x (!= %x)", status.Genesis[:8], genesis[:8])
	}
	if status.NetworkID != network {
		return errResp(ErrNetworkIDMismatch, "%d (!= %d)", status.NetworkID, network)
	}
	if status.ProtocolVersion != ProtocolVersion {
		return errResp(ErrProtocolVersionMismatch, "%d (!= %d)", status.ProtocolVersion, ProtocolVersion)
	}
	return nil
}

// String implements fmt.Stringer.
func (p *peer) String() string {
	return fmt.Sprintf("Peer %s [%s]", p.id, fmt.Sprintf("eth/%d", ProtocolVersion))
}
