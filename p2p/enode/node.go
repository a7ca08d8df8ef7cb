// Package enode represents hosts on the peer-to-peer network.
package enode

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/Matthelonianxl/devp2p/crypto"
)

// ID is a unique identifier for each node. It is the 64-byte uncompressed
// secp256k1 public key of the node, without the 0x04 format prefix.
type ID [64]byte

// Bytes returns a byte slice representation of the ID.
func (id ID) Bytes() []byte {
	return id[:]
}

// ID prints as a long hexadecimal number.
func (id ID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// GoString returns the Go syntax representation of a ID is a call to HexID.
func (id ID) GoString() string {
	return fmt.Sprintf("enode.HexID(\"%x\")", id[:])
}

// TerminalString returns a shortened hex string for terminal logging.
func (id ID) TerminalString() string {
	return hex.EncodeToString(id[:8])
}

// MarshalText implements the encoding.TextMarshaler interface.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(id[:])), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (id *ID) UnmarshalText(text []byte) error {
	decoded, err := parseID(string(text))
	if err != nil {
		return err
	}
	*id = decoded
	return nil
}

// HexID converts a hex string to an ID.
// The string may be prefixed with 0x.
// It panics if the string is not a valid ID.
func HexID(in string) ID {
	id, err := parseID(in)
	if err != nil {
		panic(err)
	}
	return id
}

func parseID(in string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(strings.TrimPrefix(in, "0x"))
	if err != nil {
		return id, err
	} else if len(b) != len(id) {
		return id, fmt.Errorf("wrong length, want %d hex chars", len(id)*2)
	}
	copy(id[:], b)
	return id, nil
}

// PubkeyID returns a marshaled representation of the given public key.
func PubkeyID(pub *ecdsa.PublicKey) ID {
	var id ID
	pbytes := crypto.FromECDSAPub(pub)
	if len(pbytes)-1 != len(id) {
		panic(fmt.Errorf("need %d bit pubkey, got %d bits", (len(id)+1)*8, len(pbytes)))
	}
	copy(id[:], pbytes[1:])
	return id
}

// Pubkey returns the public key represented by the node ID.
// It returns an error if the ID is not a point on the curve.
func (id ID) Pubkey() (*ecdsa.PublicKey, error) {
	p := &ecdsa.PublicKey{Curve: crypto.S256(), X: new(big.Int), Y: new(big.Int)}
	half := len(id) / 2
	p.X.SetBytes(id[:half])
	p.Y.SetBytes(id[half:])
	if !p.Curve.IsOnCurve(p.X, p.Y) {
		return nil, errors.New("id is invalid secp256k1 curve point")
	}
	return p, nil
}

// Node represents a host on the network.
// The fields of Node may not be modified.
type Node struct {
	id  ID
	ip  net.IP
	tcp uint16
}

// New creates a new node. It is mostly meant to be used for
// testing purposes.
func New(id ID, ip net.IP, tcp uint16) *Node {
	if ipv4 := ip.To4(); ipv4 != nil {
		ip = ipv4
	}
	return &Node{id: id, ip: ip, tcp: tcp}
}

// ID returns the node identifier.
func (n *Node) ID() ID {
	return n.id
}

// IP returns the IP address of the node.
func (n *Node) IP() net.IP {
	return n.ip
}

// TCP returns the TCP port of the node.
func (n *Node) TCP() int {
	return int(n.tcp)
}

// Addr returns the TCP address of the node, or nil if the node has no
// known endpoint.
func (n *Node) Addr() *net.TCPAddr {
	if n.ip == nil {
		return nil
	}
	return &net.TCPAddr{IP: n.ip, Port: int(n.tcp)}
}

// Incomplete reports whether the node has no known network endpoint.
func (n *Node) Incomplete() bool {
	return n.ip == nil
}

// Pubkey returns the public key of the node.
func (n *Node) Pubkey() (*ecdsa.PublicKey, error) {
	return n.id.Pubkey()
}

// String returns the URL representation of the node.
func (n *Node) String() string {
	u := url.URL{Scheme: "enode"}
	if n.Incomplete() {
		u.Host = fmt.Sprintf("%x", n.id[:])
	} else {
		addr := net.TCPAddr{IP: n.ip, Port: int(n.tcp)}
		u.User = url.User(fmt.Sprintf("%x", n.id[:]))
		u.Host = addr.String()
	}
	return u.String()
}

var incompleteNodeURL = regexp.MustCompile("(?i)^(?:enode://)?([0-9a-f]+)$")

// Parse parses a node designator.
//
// There are two basic forms of node designators
//   - incomplete nodes, which only have the public key (node ID)
//   - complete nodes, which contain the public key and an IP/Port pair
//
// For incomplete nodes, the designator must look like
//
//	enode://<hex node id>
//	<hex node id>
//
// For complete nodes, the node ID is encoded in the username portion of the
// URL, separated from the host by an @ sign. The hostname can only be given
// as an IP address, DNS domain names are not allowed. The port in the host
// name section is the TCP listening port.
//
//	enode://<hex node id>@10.3.58.6:30303
func Parse(rawurl string) (*Node, error) {
	if m := incompleteNodeURL.FindStringSubmatch(rawurl); m != nil {
		id, err := parseID(m[1])
		if err != nil {
			return nil, fmt.Errorf("invalid public key (%v)", err)
		}
		return New(id, nil, 0), nil
	}
	return parseComplete(rawurl)
}

func parseComplete(rawurl string) (*Node, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "enode" {
		return nil, errors.New("invalid URL scheme, want \"enode\"")
	}
	// Parse the Node ID from the user portion.
	if u.User == nil {
		return nil, errors.New("does not contain node ID")
	}
	id, err := parseID(u.User.String())
	if err != nil {
		return nil, fmt.Errorf("invalid public key (%v)", err)
	}
	// Ensure the ID is a valid curve point before accepting the node.
	if _, err := id.Pubkey(); err != nil {
		return nil, err
	}
	// Parse the IP address.
	ip := net.ParseIP(u.Hostname())
	if ip == nil {
		return nil, errors.New("invalid IP address")
	}
	// Parse the port numbers.
	tcp, err := strconv.ParseUint(u.Port(), 10, 16)
	if err != nil {
		return nil, errors.New("invalid port")
	}
	return New(id, ip, uint16(tcp)), nil
}

// MustParse parses a node URL. It panics if the URL is not valid.
func MustParse(rawurl string) *Node {
	n, err := Parse(rawurl)
	if err != nil {
		panic("invalid node URL: " + err.Error())
	}
	return n
}
