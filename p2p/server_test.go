package p2p

import (
	"crypto/ecdsa"
	"errors"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/Matthelonianxl/devp2p/crypto"
	"github.com/Matthelonianxl/devp2p/log"
	"github.com/Matthelonianxl/devp2p/p2p/enode"
	"github.com/Matthelonianxl/devp2p/p2p/rlpx"
	"golang.org/x/crypto/sha3"
)

// testTransport replaces the handshakes with preset results, but keeps
// the real frame codec underneath by initializing it with zero secrets.
type testTransport struct {
	*rlpxTransport
	rpub     *ecdsa.PublicKey
	closeErr error
}

func newTestTransport(rpub *ecdsa.PublicKey, fd net.Conn, dialDest *ecdsa.PublicKey) transport {
	wrapped := newRLPX(fd, dialDest).(*rlpxTransport)
	wrapped.conn.InitWithSecrets(rlpx.Secrets{
		AES:        make([]byte, 16),
		MAC:        make([]byte, 16),
		EgressMAC:  sha3.NewLegacyKeccak256(),
		IngressMAC: sha3.NewLegacyKeccak256(),
	})
	return &testTransport{rpub: rpub, rlpxTransport: wrapped}
}

func (c *testTransport) doEncHandshake(prv *ecdsa.PrivateKey) (*ecdsa.PublicKey, error) {
	return c.rpub, nil
}

func (c *testTransport) doProtoHandshake(our *protoHandshake) (*protoHandshake, error) {
	pubkey := crypto.FromECDSAPub(c.rpub)[1:]
	return &protoHandshake{ID: pubkey, Name: "test"}, nil
}

func (c *testTransport) close(err error) {
	c.conn.Close()
	c.closeErr = err
}

func startTestServer(t *testing.T, remoteKey *ecdsa.PublicKey, pf func(*Peer)) *Server {
	config := Config{
		Name:       "test",
		MaxPeers:   10,
		ListenAddr: "127.0.0.1:0",
		PrivateKey: newkey(),
		Logger:     log.Root(),
	}
	server := &Server{
		Config:      config,
		newPeerHook: pf,
		newTransport: func(fd net.Conn, dialDest *ecdsa.PublicKey) transport {
			return newTestTransport(remoteKey, fd, dialDest)
		},
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Could not start server: %v", err)
	}
	return server
}

func TestServerListen(t *testing.T) {
	// start the test server
	connected := make(chan *Peer)
	remid := &newkey().PublicKey
	srv := startTestServer(t, remid, func(p *Peer) {
		if p.ID() != enode.PubkeyID(remid) {
			t.Error("peer func called with wrong node id")
		}
		connected <- p
	})
	defer close(connected)
	defer srv.Stop()

	// dial the test server
	conn, err := net.DialTimeout("tcp", srv.ListenAddr, 5*time.Second)
	if err != nil {
		t.Fatalf("could not dial: %v", err)
	}
	defer conn.Close()

	select {
	case peer := <-connected:
		if peer.LocalAddr().String() != conn.RemoteAddr().String() {
			t.Errorf("peer started with wrong conn: got %v, want %v",
				peer.LocalAddr(), conn.RemoteAddr())
		}
		peers := srv.Peers()
		if !reflect.DeepEqual(srv.PeerCount(), 1) || len(peers) != 1 || peers[0].ID() != peer.ID() {
			t.Errorf("Peers mismatch: %v, %v", srv.PeerCount(), peers)
		}
	case <-time.After(1 * time.Second):
		t.Error("server did not accept within one second")
	}
}

func TestServerDial(t *testing.T) {
	// run a one-shot TCP server to handle the connection.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("could not setup listener: %v", err)
	}
	defer listener.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	// start the server
	connected := make(chan *Peer)
	remid := &newkey().PublicKey
	srv := startTestServer(t, remid, func(p *Peer) { connected <- p })
	defer close(connected)
	defer srv.Stop()

	// tell the server to connect
	tcpAddr := listener.Addr().(*net.TCPAddr)
	node := enode.New(enode.PubkeyID(remid), tcpAddr.IP, uint16(tcpAddr.Port))
	srv.AddPeer(node)

	select {
	case conn := <-accepted:
		defer conn.Close()

		select {
		case peer := <-connected:
			if peer.ID() != enode.PubkeyID(remid) {
				t.Errorf("peer has wrong id")
			}
			if peer.Name() != "test" {
				t.Errorf("peer has wrong name")
			}
			if peer.RemoteAddr().String() != conn.LocalAddr().String() {
				t.Errorf("peer started with wrong conn: got %v, want %v",
					peer.RemoteAddr(), conn.LocalAddr())
			}
			// Test AddPeer/RemovePeer and static dialing.
			// The peer is in the static pool now, so removing it
			// disconnects the session.
			srv.RemovePeer(node)
			if srv.PeerCount() > 0 {
				t.Error("removed peer still connected")
			}
		case <-time.After(1 * time.Second):
			t.Error("server did not launch peer within one second")
		}

	case <-time.After(1 * time.Second):
		t.Error("server did not connect within one second")
	}
}

func TestServerAtCap(t *testing.T) {
	srv := &Server{
		Config: Config{
			PrivateKey: newkey(),
			MaxPeers:   10,
			NoDial:     true,
			Logger:     log.Root(),
		},
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("could not start: %v", err)
	}
	defer srv.Stop()

	newconn := func(id enode.ID) *conn {
		fd, _ := net.Pipe()
		key := newkey()
		tx := newTestTransport(&key.PublicKey, fd, nil)
		return &conn{fd: fd, transport: tx, flags: inboundConn, node: enode.New(id, nil, 0), cont: make(chan error)}
	}

	// Inject a connection from ourselves. It must be rejected.
	c := newconn(srv.Self().ID())
	if err := srv.checkpoint(c, srv.checkpointPostHandshake); !errors.Is(err, DiscSelf) {
		t.Errorf("wrong error for self connect: %v", err)
	}

	// Fill up all but one peer slot.
	for i := 0; i < 9; i++ {
		c := newconn(uintID(uint16(i)))
		if err := srv.checkpoint(c, srv.checkpointAddPeer); err != nil {
			t.Fatalf("could not add conn %d: %v", i, err)
		}
	}

	// A connection with an already connected id must be rejected.
	c = newconn(uintID(0))
	if err := srv.checkpoint(c, srv.checkpointAddPeer); !errors.Is(err, DiscAlreadyConnected) {
		t.Errorf("wrong error for duplicate conn: %v", err)
	}

	// Fill the last slot, then try one more.
	c = newconn(uintID(9))
	if err := srv.checkpoint(c, srv.checkpointAddPeer); err != nil {
		t.Fatalf("could not add conn 9: %v", err)
	}
	c = newconn(uintID(10))
	if err := srv.checkpoint(c, srv.checkpointAddPeer); !errors.Is(err, DiscTooManyPeers) {
		t.Errorf("wrong error for conn over cap: %v", err)
	}
}

func TestServerUselessPeer(t *testing.T) {
	srv := &Server{
		Config: Config{
			PrivateKey: newkey(),
			MaxPeers:   10,
			NoDial:     true,
			Protocols:  []Protocol{discard},
			Logger:     log.Root(),
		},
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("could not start: %v", err)
	}
	defer srv.Stop()

	// A connection advertising no matching capability must be rejected
	// at the addpeer stage.
	fd, _ := net.Pipe()
	key := newkey()
	tx := newTestTransport(&key.PublicKey, fd, nil)
	c := &conn{fd: fd, transport: tx, flags: inboundConn, node: enode.New(uintID(1), nil, 0), cont: make(chan error)}
	c.caps = []Cap{{Name: "unknown", Version: 42}}
	if err := srv.checkpoint(c, srv.checkpointAddPeer); !errors.Is(err, DiscUselessPeer) {
		t.Errorf("wrong error for useless peer: %v", err)
	}
}

func TestServerSetupConn(t *testing.T) {
	var (
		clientkey, srvkey = newkey(), newkey()
		clientpub         = &clientkey.PublicKey
		srvpub            = &srvkey.PublicKey
	)
	tests := []struct {
		dontstart bool
		tt        *setupTransport
		flags     connFlag
		dialDest  *enode.Node

		wantCloseErr error
		wantCalls    string
	}{
		{
			dontstart:    true,
			tt:           &setupTransport{pubkey: clientpub},
			wantCalls:    "close,",
			wantCloseErr: errServerStopped,
		},
		{
			tt:           &setupTransport{pubkey: clientpub, encHandshakeErr: errors.New("read error")},
			flags:        inboundConn,
			wantCalls:    "doEncHandshake,close,",
			wantCloseErr: errors.New("read error"),
		},
		{
			tt:           &setupTransport{pubkey: clientpub, phs: protoHandshake{ID: randomID().Bytes()}},
			dialDest:     enode.New(enode.PubkeyID(clientpub), nil, 0),
			flags:        dynDialedConn,
			wantCalls:    "doEncHandshake,doProtoHandshake,close,",
			wantCloseErr: DiscUnexpectedIdentity,
		},
		{
			tt:           &setupTransport{pubkey: clientpub, protoHandshakeErr: errors.New("foo")},
			dialDest:     enode.New(enode.PubkeyID(clientpub), nil, 0),
			flags:        dynDialedConn,
			wantCalls:    "doEncHandshake,doProtoHandshake,close,",
			wantCloseErr: errors.New("foo"),
		},
		{
			tt:           &setupTransport{pubkey: srvpub, phs: protoHandshake{ID: crypto.FromECDSAPub(srvpub)[1:]}},
			flags:        inboundConn,
			wantCalls:    "doEncHandshake,close,",
			wantCloseErr: DiscSelf,
		},
		{
			tt:           &setupTransport{pubkey: clientpub, phs: protoHandshake{ID: crypto.FromECDSAPub(clientpub)[1:]}},
			flags:        inboundConn,
			wantCalls:    "doEncHandshake,doProtoHandshake,close,",
			wantCloseErr: DiscUselessPeer,
		},
	}

	for i, test := range tests {
		srv := &Server{
			Config: Config{
				PrivateKey: srvkey,
				MaxPeers:   10,
				NoDial:     true,
				Protocols:  []Protocol{discard},
				Logger:     log.Root(),
			},
			newTransport: func(fd net.Conn, dialDest *ecdsa.PublicKey) transport { return test.tt },
		}
		if !test.dontstart {
			if err := srv.Start(); err != nil {
				t.Fatalf("test %d: could not start server: %v", i, err)
			}
			defer srv.Stop()
		}
		p1, _ := net.Pipe()
		srv.SetupConn(p1, test.flags, test.dialDest)
		if !reflect.DeepEqual(test.tt.closeErr, test.wantCloseErr) {
			t.Errorf("test %d: close error mismatch: got %q, want %q", i, test.tt.closeErr, test.wantCloseErr)
		}
		if test.tt.calls != test.wantCalls {
			t.Errorf("test %d: calls mismatch: got %q, want %q", i, test.tt.calls, test.wantCalls)
		}
	}
}

// TestServerSetupConnStates checks that a failed connection records the
// setup stage it reached, as reported in the failure logs.
func TestServerSetupConnStates(t *testing.T) {
	clientkey := newkey()
	clientpub := &clientkey.PublicKey
	srv := &Server{
		Config: Config{
			PrivateKey: newkey(),
			MaxPeers:   10,
			NoDial:     true,
			Logger:     log.Root(),
		},
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("could not start: %v", err)
	}
	defer srv.Stop()

	// Encryption handshake failure.
	p1, _ := net.Pipe()
	c := &conn{fd: p1, transport: &setupTransport{pubkey: clientpub, encHandshakeErr: errors.New("read error")}, flags: inboundConn, cont: make(chan error)}
	if err := srv.setupConn(c, nil); err == nil {
		t.Fatal("setupConn did not fail")
	}
	if s := c.peerState(); s != PeerStateHandshaking {
		t.Errorf("state after enc handshake failure: got %v, want %v", s, PeerStateHandshaking)
	}

	// Protocol handshake failure.
	p2, _ := net.Pipe()
	c = &conn{fd: p2, transport: &setupTransport{pubkey: clientpub, protoHandshakeErr: errors.New("foo")}, flags: inboundConn, cont: make(chan error)}
	if err := srv.setupConn(c, nil); err == nil {
		t.Fatal("setupConn did not fail")
	}
	if s := c.peerState(); s != PeerStateNegotiating {
		t.Errorf("state after proto handshake failure: got %v, want %v", s, PeerStateNegotiating)
	}
}

// setupTransport is used to check the handshake rejection paths of
// Server.SetupConn. It records the calls made on it.
type setupTransport struct {
	pubkey            *ecdsa.PublicKey
	encHandshakeErr   error
	phs               protoHandshake
	protoHandshakeErr error

	calls    string
	closeErr error
}

func (c *setupTransport) doEncHandshake(prv *ecdsa.PrivateKey) (*ecdsa.PublicKey, error) {
	c.calls += "doEncHandshake,"
	return c.pubkey, c.encHandshakeErr
}

func (c *setupTransport) doProtoHandshake(our *protoHandshake) (*protoHandshake, error) {
	c.calls += "doProtoHandshake,"
	if c.protoHandshakeErr != nil {
		return nil, c.protoHandshakeErr
	}
	return &c.phs, nil
}

func (c *setupTransport) close(err error) {
	c.calls += "close,"
	c.closeErr = err
}

// setupConn shouldn't write to/read from the connection.
func (c *setupTransport) WriteMsg(Msg) error {
	panic("WriteMsg called on setupTransport")
}

func (c *setupTransport) ReadMsg() (Msg, error) {
	panic("ReadMsg called on setupTransport")
}

func newkey() *ecdsa.PrivateKey {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic("couldn't generate key: " + err.Error())
	}
	return key
}
