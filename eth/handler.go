package eth

import (
	"errors"
	"io"
	"math/big"
	"sync"

	"github.com/Matthelonianxl/devp2p/event"
	"github.com/Matthelonianxl/devp2p/log"
	"github.com/Matthelonianxl/devp2p/p2p"
	"github.com/Matthelonianxl/devp2p/p2p/enode"
	"github.com/Matthelonianxl/devp2p/rlp"
)

var errPeerAlreadyRegistered = errors.New("peer already registered")

// Config holds the chain facts advertised during the status handshake.
// The chain itself lives outside this module.
type Config struct {
	NetworkID uint64
	Genesis   Hash
	Head      Hash
	TD        *big.Int
}

// NewBlockHashesEvent is posted on the event mux when a peer announces
// new blocks.
type NewBlockHashesEvent struct {
	Peer      enode.ID
	Announces []BlockAnnounce
}

// NewBlockEvent is posted when a peer propagates a full block. The body
// is the raw RLP payload of the message.
type NewBlockEvent struct {
	Peer enode.ID
	Body []byte
}

// TransactionsEvent is posted when a peer relays transactions. The
// payload is the raw RLP list of transactions.
type TransactionsEvent struct {
	Peer enode.ID
	Body []byte
}

// Service speaks the eth protocol on top of devp2p sessions. Incoming
// announcements are forwarded to the event mux for whatever chain logic
// sits behind it.
type Service struct {
	config Config
	mux    *event.TypeMux
	log    log.Logger

	lock  sync.RWMutex
	peers map[string]*peer
}

func New(config Config, mux *event.TypeMux) *Service {
	if config.TD == nil {
		config.TD = new(big.Int)
	}
	return &Service{
		config: config,
		mux:    mux,
		log:    log.New("protocol", ProtocolName),
		peers:  make(map[string]*peer),
	}
}

// Protocol returns the p2p.Protocol to register with the server.
func (s *Service) Protocol() p2p.Protocol {
	return p2p.Protocol{
		Name:    ProtocolName,
		Version: ProtocolVersion,
		Length:  ProtocolLength,
		Run: func(p *p2p.Peer, rw p2p.MsgReadWriter) error {
			return s.runPeer(newPeer(p, rw))
		},
		NodeInfo: func() interface{} {
			return &struct {
				Network uint64 `json:"network"`
				Genesis string `json:"genesis"`
				Head    string `json:"head"`
			}{s.config.NetworkID, s.config.Genesis.String(), s.config.Head.String()}
		},
		PeerInfo: func(id enode.ID) interface{} {
			s.lock.RLock()
			defer s.lock.RUnlock()
			if p, ok := s.peers[id.TerminalString()]; ok {
				head, td := p.Head()
				return &struct {
					Version    uint     `json:"version"`
					Difficulty *big.Int `json:"difficulty"`
					Head       string   `json:"head"`
				}{ProtocolVersion, td, head.String()}
			}
			return nil
		},
	}
}

// PeerCount returns the number of peers past the status handshake.
func (s *Service) PeerCount() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.peers)
}

func (s *Service) register(p *peer) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.peers[p.id]; ok {
		return errPeerAlreadyRegistered
	}
	s.peers[p.id] = p
	return nil
}

func (s *Service) unregister(p *peer) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.peers, p.id)
}

func (s *Service) runPeer(p *peer) error {
	if err := p.handshake(s.config.NetworkID, s.config.TD, s.config.Head, s.config.Genesis); err != nil {
		s.log.Debug("Status handshake failed", "peer", p.id, "err", err)
		return err
	}
	if err := s.register(p); err != nil {
		return err
	}
	defer s.unregister(p)
	s.log.Debug("Peer connected", "peer", p.id, "head", p.head)

	for {
		if err := s.handleMsg(p); err != nil {
			s.log.Debug("Message handling failed", "peer", p.id, "err", err)
			return err
		}
	}
}

// handleMsg reads and processes a single inbound message.
func (s *Service) handleMsg(p *peer) error {
	msg, err := p.rw.ReadMsg()
	if err != nil {
		return err
	}
	if msg.Size > protocolMaxMsgSize {
		return errResp(ErrMsgTooLarge, "%v > %v", msg.Size, protocolMaxMsgSize)
	}
	defer msg.Discard()

	switch msg.Code {
	case StatusMsg:
		// Status messages should never arrive after the handshake
		return errResp(ErrExtraStatusMsg, "uncontrolled status message")

	case NewBlockHashesMsg:
		announces, err := decodeAnnounces(msg)
		if err != nil {
			return errResp(ErrDecode, "%v: %v", msg, err)
		}
		for _, a := range announces {
			p.MarkBlock(a.Hash)
		}
		s.mux.Post(NewBlockHashesEvent{Peer: p.ID(), Announces: announces})

	case NewBlockMsg:
		body, err := io.ReadAll(msg.Payload)
		if err != nil {
			return errResp(ErrDecode, "%v: %v", msg, err)
		}
		s.mux.Post(NewBlockEvent{Peer: p.ID(), Body: body})

	case TransactionsMsg:
		body, err := io.ReadAll(msg.Payload)
		if err != nil {
			return errResp(ErrDecode, "%v: %v", msg, err)
		}
		s.mux.Post(TransactionsEvent{Peer: p.ID(), Body: body})

	case GetBlockHeadersMsg:
		// No chain data behind this service, answer with an empty set.
		return p2p.SendItems(p.rw, BlockHeadersMsg)

	case GetBlockBodiesMsg:
		return p2p.SendItems(p.rw, BlockBodiesMsg)

	case BlockHeadersMsg, BlockBodiesMsg:
		// Responses to requests we never send.

	default:
		return errResp(ErrInvalidMsgCode, "%v", msg.Code)
	}
	return nil
}

// AnnounceBlock relays a block announcement to all peers that are not
// known to have it. Queue overflow on a slow peer skips that peer
// rather than blocking the others.
func (s *Service) AnnounceBlock(hash Hash, number uint64) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	for _, p := range s.peers {
		if p.KnowsBlock(hash) {
			continue
		}
		err := p2p.SendNoWait(p.rw, NewBlockHashesMsg, []BlockAnnounce{{Hash: hash, Number: number}})
		switch err {
		case nil:
			p.MarkBlock(hash)
		case p2p.ErrBackpressure:
			s.log.Trace("Skipping busy peer for announce", "peer", p.id)
		default:
			s.log.Trace("Block announce failed", "peer", p.id, "err", err)
		}
	}
}

func decodeAnnounces(msg p2p.Msg) ([]BlockAnnounce, error) {
	s := rlp.NewStream(msg.Payload, uint64(msg.Size))
	if _, err := s.List(); err != nil {
		return nil, err
	}
	var announces []BlockAnnounce
	for {
		var a BlockAnnounce
		if err := s.Decode(&a); err != nil {
			if errors.Is(err, rlp.EOL) {
				break
			}
			return nil, err
		}
		announces = append(announces, a)
	}
	return announces, s.ListEnd()
}
