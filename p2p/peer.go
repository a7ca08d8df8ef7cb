package p2p

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Matthelonianxl/devp2p/event"
	"github.com/Matthelonianxl/devp2p/log"
	"github.com/Matthelonianxl/devp2p/p2p/enode"
	"github.com/Matthelonianxl/devp2p/rlp"
)

var (
	ErrShuttingDown = errors.New("shutting down")

	// ErrBackpressure is returned by non-blocking sends when the
	// session's outbound queue is full.
	ErrBackpressure = errors.New("p2p: outbound queue full")
)

const (
	baseProtocolVersion    = 5
	baseProtocolLength     = uint64(16)
	baseProtocolMaxMsgSize = 2 * 1024

	snappyProtocolVersion = 5

	pingInterval = 15 * time.Second

	// defaultMaxQueuedMsgs bounds the per-session outbound queue.
	defaultMaxQueuedMsgs = 64
)

const (
	// devp2p message codes
	handshakeMsg = 0x00
	discMsg      = 0x01
	pingMsg      = 0x02
	pongMsg      = 0x03
)

// protoHandshake is the RLP structure of the protocol handshake.
type protoHandshake struct {
	Version    uint64
	Name       string
	Caps       []Cap
	ListenPort uint64
	ID         []byte // secp256k1 public key
}

// EncodeRLP implements rlp.Encoder.
func (h *protoHandshake) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, []interface{}{h.Version, h.Name, h.Caps, h.ListenPort, h.ID})
}

// DecodeRLP implements rlp.Decoder. Additional list elements are
// ignored for forward compatibility.
func (h *protoHandshake) DecodeRLP(s *rlp.Stream) error {
	if _, err := s.List(); err != nil {
		return err
	}
	var err error
	if h.Version, err = s.Uint64(); err != nil {
		return err
	}
	name, err := s.Bytes()
	if err != nil {
		return err
	}
	h.Name = string(name)
	if _, err := s.List(); err != nil {
		return err
	}
	h.Caps = nil
	for {
		var c Cap
		if err := s.Decode(&c); err != nil {
			if errors.Is(err, rlp.EOL) {
				break
			}
			return err
		}
		h.Caps = append(h.Caps, c)
	}
	if err := s.ListEnd(); err != nil {
		return err
	}
	if h.ListenPort, err = s.Uint64(); err != nil {
		return err
	}
	if h.ID, err = s.Bytes(); err != nil {
		return err
	}
	// skip anything a newer client may have appended
	for {
		if err := s.Skip(); err != nil {
			break
		}
	}
	return s.ListEnd()
}

// PeerState describes where a session is in its lifecycle. States
// before Active belong to connection setup and are only ever observed
// through server logs and connection errors; a Peer object exists from
// the end of capability negotiation onwards.
type PeerState int32

const (
	PeerStateConnecting PeerState = iota
	PeerStateHandshaking
	PeerStateNegotiating
	PeerStateActive
	PeerStateDisconnecting
	PeerStateClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerStateConnecting:
		return "connecting"
	case PeerStateHandshaking:
		return "handshaking"
	case PeerStateNegotiating:
		return "negotiating"
	case PeerStateActive:
		return "active"
	case PeerStateDisconnecting:
		return "disconnecting"
	case PeerStateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// PeerEventType is the type of peer events emitted by a p2p.Server.
type PeerEventType string

const (
	// PeerEventTypeAdd is the type of event emitted when a peer is added
	// to a p2p.Server
	PeerEventTypeAdd PeerEventType = "add"

	// PeerEventTypeDrop is the type of event emitted when a peer is
	// dropped from a p2p.Server
	PeerEventTypeDrop PeerEventType = "drop"

	// PeerEventTypeMsgSend is the type of event emitted when a
	// message is accepted into a peer's outbound queue. The frame may
	// reach the wire slightly later because the session writer drains
	// the queue asynchronously.
	PeerEventTypeMsgSend PeerEventType = "msgsend"

	// PeerEventTypeMsgRecv is the type of event emitted when a
	// message is received from a peer
	PeerEventTypeMsgRecv PeerEventType = "msgrecv"
)

// PeerEvent is an event emitted when peers are either added or dropped from
// a p2p.Server or when a message is sent or received on a peer connection
type PeerEvent struct {
	Type          PeerEventType `json:"type"`
	Peer          enode.ID      `json:"peer"`
	Error         string        `json:"error,omitempty"`
	Protocol      string        `json:"protocol,omitempty"`
	MsgCode       *uint64       `json:"msg_code,omitempty"`
	MsgSize       *uint32       `json:"msg_size,omitempty"`
	LocalAddress  string        `json:"local,omitempty"`
	RemoteAddress string        `json:"remote,omitempty"`
}

// Peer represents a connected remote node.
type Peer struct {
	rw      *conn
	running map[string]*protoRW
	log     log.Logger
	created time.Time
	state   int32 // PeerState, accessed atomically

	out      chan Msg
	wg       sync.WaitGroup
	protoErr chan error
	closed   chan struct{}
	disc     chan DiscReason

	// events receives message send / receive events if set
	events   *event.FeedOf[*PeerEvent]
	testPipe *MsgPipeRW // for testing
}

// NewPeer returns a peer for testing purposes.
func NewPeer(id enode.ID, name string, caps []Cap) *Peer {
	// Generate a fake set of local protocols to match as running caps. Almost
	// no fields needs to be meaningful here as we're only using it to cross-
	// check with the "remote" caps array.
	protos := make([]Protocol, len(caps))
	for i, cap := range caps {
		protos[i].Name = cap.Name
		protos[i].Version = cap.Version
	}
	pipe, _ := net.Pipe()
	node := enode.New(id, nil, 0)
	conn := &conn{fd: pipe, node: node, caps: caps, name: name}
	peer := newPeer(log.Root(), conn, protos)
	close(peer.closed) // ensures Disconnect doesn't block
	return peer
}

// NewPeerPipe creates a peer for testing purposes.
// The message pipe given as the last parameter is closed when
// Disconnect is called on the peer.
func NewPeerPipe(id enode.ID, name string, caps []Cap, pipe *MsgPipeRW) *Peer {
	p := NewPeer(id, name, caps)
	p.testPipe = pipe
	return p
}

// ID returns the node's public key.
func (p *Peer) ID() enode.ID {
	return p.rw.node.ID()
}

// Node returns the peer's node descriptor.
func (p *Peer) Node() *enode.Node {
	return p.rw.node
}

// Name returns an abbreviated form of the name
func (p *Peer) Name() string {
	s := p.rw.name
	if len(s) > 20 {
		return s[:20] + "..."
	}
	return s
}

// Fullname returns the node name that the remote node advertised.
func (p *Peer) Fullname() string {
	return p.rw.name
}

// Caps returns the capabilities (supported subprotocols) of the remote peer.
func (p *Peer) Caps() []Cap {
	// TODO: maybe return copy
	return p.rw.caps
}

// RunningCap returns true if the peer is actively connected using any of the
// enumerated versions of a specific protocol, meaning that at least one of the
// versions is negotiated for this session.
func (p *Peer) RunningCap(protocol string, versions []uint) bool {
	if proto, ok := p.running[protocol]; ok {
		for _, ver := range versions {
			if proto.negotiated == ver {
				return true
			}
		}
	}
	return false
}

// RemoteAddr returns the remote address of the network connection.
func (p *Peer) RemoteAddr() net.Addr {
	return p.rw.fd.RemoteAddr()
}

// LocalAddr returns the local address of the network connection.
func (p *Peer) LocalAddr() net.Addr {
	return p.rw.fd.LocalAddr()
}

// State returns the current lifecycle state of the session.
func (p *Peer) State() PeerState {
	return PeerState(atomic.LoadInt32(&p.state))
}

func (p *Peer) setState(s PeerState) {
	atomic.StoreInt32(&p.state, int32(s))
}

// Disconnect terminates the peer connection with the given reason.
// It returns immediately and does not wait until the connection is closed.
func (p *Peer) Disconnect(reason DiscReason) {
	if p.testPipe != nil {
		p.testPipe.Close()
	}
	select {
	case p.disc <- reason:
	case <-p.closed:
	}
}

// String implements fmt.Stringer.
func (p *Peer) String() string {
	id := p.ID()
	return fmt.Sprintf("Peer %x %v", id[:8], p.RemoteAddr())
}

// Inbound returns true if the peer is an inbound connection
func (p *Peer) Inbound() bool {
	return p.rw.is(inboundConn)
}

func newPeer(logger log.Logger, conn *conn, protocols []Protocol) *Peer {
	maxQueued := conn.maxQueued
	if maxQueued < 1 {
		maxQueued = defaultMaxQueuedMsgs
	}
	p := &Peer{
		rw:       conn,
		created:  time.Now(),
		state:    int32(PeerStateNegotiating),
		out:      make(chan Msg, maxQueued),
		disc:     make(chan DiscReason),
		protoErr: make(chan error, len(protocols)+1), // protocols + pingLoop
		closed:   make(chan struct{}),
		log:      logger.New("id", conn.node.ID(), "conn", conn.flags),
	}
	p.running = matchProtocols(protocols, conn.caps, peerWriter{p}, baseProtocolLength)
	return p
}

func (p *Peer) Log() log.Logger {
	return p.log
}

func (p *Peer) run() (remoteRequested bool, err error) {
	readErr := make(chan error, 1)

	p.setState(PeerStateActive)
	p.wg.Add(3)
	go p.readLoop(readErr)
	go p.pingLoop()
	go p.writeLoop()

	p.startProtocols()

	// Wait for an error or disconnect.
	var reason DiscReason
loop:
	for {
		select {
		case err = <-readErr:
			if r, ok := err.(DiscReason); ok {
				remoteRequested = true
				reason = r
				break loop
			}
			if neterr, ok := err.(net.Error); ok && neterr.Timeout() {
				err = DiscReadTimeout
				reason = DiscReadTimeout
				break loop
			}
			reason = DiscNetworkError
			break loop
		case err = <-p.protoErr:
			reason = discReasonForError(err)
			break loop
		case err = <-p.disc:
			reason = discReasonForError(err)
			break loop
		}
	}

	p.setState(PeerStateDisconnecting)
	close(p.closed)
	p.rw.close(reason)
	p.wg.Wait()
	p.setState(PeerStateClosed)
	return remoteRequested, err
}

func (p *Peer) pingLoop() {
	defer p.wg.Done()

	ping := time.NewTimer(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ping.C:
			if err := SendItems(peerWriter{p}, pingMsg); err != nil {
				p.protoErr <- err
				return
			}
			ping.Reset(pingInterval)
		case <-p.closed:
			return
		}
	}
}

// writeLoop is the only goroutine writing to the transport. It drains
// the outbound queue until the session closes or a write fails.
func (p *Peer) writeLoop() {
	defer p.wg.Done()
	for {
		select {
		case msg := <-p.out:
			if err := p.rw.WriteMsg(msg); err != nil {
				select {
				case p.protoErr <- err:
				case <-p.closed:
				}
				return
			}
		case <-p.closed:
			return
		}
	}
}

// enqueue places msg on the outbound queue, blocking while the queue
// is full. It fails once the session starts closing.
func (p *Peer) enqueue(msg Msg) error {
	select {
	case p.out <- msg:
		return nil
	case <-p.closed:
		return ErrShuttingDown
	}
}

// enqueueNoWait is like enqueue but returns ErrBackpressure instead of
// blocking when the queue is full.
func (p *Peer) enqueueNoWait(msg Msg) error {
	select {
	case <-p.closed:
		return ErrShuttingDown
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.closed:
		return ErrShuttingDown
	default:
		return ErrBackpressure
	}
}

// peerWriter adapts the session's outbound queue to the MsgWriter
// interface used by the base protocol and by subprotocol writers.
type peerWriter struct {
	p *Peer
}

func (w peerWriter) WriteMsg(msg Msg) error {
	return w.p.enqueue(msg)
}

func (w peerWriter) WriteMsgNoWait(msg Msg) error {
	return w.p.enqueueNoWait(msg)
}

func (p *Peer) readLoop(errc chan<- error) {
	defer p.wg.Done()
	for {
		msg, err := p.rw.ReadMsg()
		if err != nil {
			errc <- err
			return
		}
		msg.ReceivedAt = time.Now()
		if err = p.handle(msg); err != nil {
			errc <- err
			return
		}
	}
}

func (p *Peer) handle(msg Msg) error {
	switch {
	case msg.Code == pingMsg:
		msg.Discard()
		go SendItems(peerWriter{p}, pongMsg)
	case msg.Code == discMsg:
		// This is the last message. We don't need to discard or
		// check errors because the connection will be closed after it.
		var reason DiscReason
		rlp.Decode(msg.Payload, &reason)
		return reason
	case msg.Code < baseProtocolLength:
		// ignore other base protocol messages
		return msg.Discard()
	default:
		// it's a subprotocol message
		proto, err := p.getProto(msg.Code)
		if err != nil {
			return fmt.Errorf("msg code out of range: %v", msg.Code)
		}
		select {
		case proto.in <- msg:
			return nil
		case <-p.closed:
			return io.EOF
		}
	}
	return nil
}

// matchProtocols creates structures for matching named subprotocols.
// A capability is shared when its name is registered locally and
// advertised by the remote side. The negotiated version is the higher
// of the two advertisements and the highest registered protocol for the
// name handles the session. Message code ranges are assigned in name
// order, as running sums of each handler's Length starting at
// baseOffset.
func matchProtocols(protocols []Protocol, caps []Cap, rw MsgWriter, baseOffset uint64) map[string]*protoRW {
	best := make(map[string]Protocol)
	for _, proto := range protocols {
		if cur, ok := best[proto.Name]; !ok || proto.Version > cur.Version {
			best[proto.Name] = proto
		}
	}
	remote := make(map[string]uint)
	for _, cap := range caps {
		if cap.Version > remote[cap.Name] {
			remote[cap.Name] = cap.Version
		}
	}
	shared := make([]string, 0, len(remote))
	for name := range remote {
		if _, ok := best[name]; ok {
			shared = append(shared, name)
		}
	}
	sort.Strings(shared)

	offset := baseOffset
	result := make(map[string]*protoRW, len(shared))
	for _, name := range shared {
		proto := best[name]
		version := proto.Version
		if remote[name] > version {
			version = remote[name]
		}
		result[name] = &protoRW{Protocol: proto, negotiated: version, offset: offset, in: make(chan Msg), w: rw}
		offset += proto.Length
	}
	return result
}

func (p *Peer) startProtocols() {
	p.wg.Add(len(p.running))
	for _, proto := range p.running {
		proto := proto
		proto.closed = p.closed
		p.log.Trace(fmt.Sprintf("Starting protocol %s/%d", proto.Name, proto.Version))
		var rw MsgReadWriter = proto
		if p.events != nil {
			rw = newMsgEventer(rw, p.events, p.ID(), proto.Name, p.RemoteAddr().String(), p.LocalAddr().String())
		}
		go func() {
			defer p.wg.Done()
			err := proto.Run(p, rw)
			if err == nil {
				p.log.Trace(fmt.Sprintf("Protocol %s/%d returned", proto.Name, proto.Version))
				err = errProtocolReturned
			} else if !errors.Is(err, io.EOF) {
				p.log.Trace(fmt.Sprintf("Protocol %s/%d failed", proto.Name, proto.Version), "err", err)
			}
			select {
			case p.protoErr <- err:
			case <-p.closed:
			}
		}()
	}
}

// getProto finds the protocol responsible for handling
// the given message code.
func (p *Peer) getProto(code uint64) (*protoRW, error) {
	for _, proto := range p.running {
		if code >= proto.offset && code < proto.offset+proto.Length {
			return proto, nil
		}
	}
	return nil, newPeerError(errInvalidMsgCode, "%d", code)
}

type protoRW struct {
	Protocol
	negotiated uint // version agreed with the remote side
	in         chan Msg
	closed     <-chan struct{}
	offset     uint64
	w          MsgWriter
}

func (rw *protoRW) WriteMsg(msg Msg) error {
	if msg.Code >= rw.Length {
		return newPeerError(errInvalidMsgCode, "not handled")
	}
	msg.Code += rw.offset
	return rw.w.WriteMsg(msg)
}

// WriteMsgNoWait queues the message without blocking, returning
// ErrBackpressure when the session's outbound queue is full.
func (rw *protoRW) WriteMsgNoWait(msg Msg) error {
	if msg.Code >= rw.Length {
		return newPeerError(errInvalidMsgCode, "not handled")
	}
	msg.Code += rw.offset
	if nw, ok := rw.w.(interface{ WriteMsgNoWait(Msg) error }); ok {
		return nw.WriteMsgNoWait(msg)
	}
	return rw.w.WriteMsg(msg)
}

func (rw *protoRW) ReadMsg() (Msg, error) {
	select {
	case msg := <-rw.in:
		msg.Code -= rw.offset
		return msg, nil
	case <-rw.closed:
		return Msg{}, io.EOF
	}
}

// SendNoWait writes an RLP-encoded message without blocking on the
// outbound queue. It returns ErrBackpressure if the queue is full and
// falls back to a blocking send when w has no non-blocking path.
func SendNoWait(w MsgWriter, msgcode uint64, data interface{}) error {
	enc, err := rlp.EncodeToBytes(data)
	if err != nil {
		return err
	}
	msg := Msg{Code: msgcode, Size: uint32(len(enc)), Payload: bytes.NewReader(enc)}
	if nw, ok := w.(interface{ WriteMsgNoWait(Msg) error }); ok {
		return nw.WriteMsgNoWait(msg)
	}
	return w.WriteMsg(msg)
}

// PeerInfo represents a short summary of the information known about a connected
// peer. Sub-protocol independent fields are contained and initialized here, with
// protocol specifics delegated to all connected sub-protocols.
type PeerInfo struct {
	Enode   string   `json:"enode"` // Node URL
	ID      string   `json:"id"`    // Unique node identifier
	Name    string   `json:"name"`  // Name of the node, including client type, version, OS, custom data
	State   string   `json:"state"` // Session lifecycle state
	Caps    []string `json:"caps"`  // Protocols advertised by this peer
	Network struct {
		LocalAddress  string `json:"localAddress"`  // Local endpoint of the TCP data connection
		RemoteAddress string `json:"remoteAddress"` // Remote endpoint of the TCP data connection
		Inbound       bool   `json:"inbound"`
		Static        bool   `json:"static"`
	} `json:"network"`
	Protocols map[string]interface{} `json:"protocols"` // Sub-protocol specific metadata fields
}

// Info gathers and returns a collection of metadata known about a peer.
func (p *Peer) Info() *PeerInfo {
	// Gather the protocol capabilities
	var caps []string
	for _, cap := range p.Caps() {
		caps = append(caps, cap.String())
	}
	// Assemble the generic peer metadata
	info := &PeerInfo{
		Enode:     p.Node().String(),
		ID:        p.ID().String(),
		Name:      p.Fullname(),
		State:     p.State().String(),
		Caps:      caps,
		Protocols: make(map[string]interface{}),
	}
	info.Network.LocalAddress = p.LocalAddr().String()
	info.Network.RemoteAddress = p.RemoteAddr().String()
	info.Network.Inbound = p.rw.is(inboundConn)
	info.Network.Static = p.rw.is(staticDialedConn)

	// Gather all the running protocol infos
	for _, proto := range p.running {
		protoInfo := interface{}("unknown")
		if query := proto.Protocol.PeerInfo; query != nil {
			if metadata := query(p.ID()); metadata != nil {
				protoInfo = metadata
			} else {
				protoInfo = "handshake"
			}
		}
		info.Protocols[proto.Name] = protoInfo
	}
	return info
}
