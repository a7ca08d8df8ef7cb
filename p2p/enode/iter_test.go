package enode

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Matthelonianxl/devp2p/crypto"
)

func makeNodes(t *testing.T, n int) []*Node {
	t.Helper()
	var nodes []*Node
	for i := 0; i < n; i++ {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		nodes = append(nodes, New(PubkeyID(&key.PublicKey), net.IP{10, 0, 0, byte(i)}, uint16(30000+i)))
	}
	return nodes
}

func TestIterNodesEnds(t *testing.T) {
	nodes := makeNodes(t, 1)

	it := IterNodes(nodes)
	assert.True(t, it.Next())
	assert.Equal(t, nodes[0], it.Node())
	assert.False(t, it.Next())
	assert.Nil(t, it.Node())
}

func TestIterNodesClose(t *testing.T) {
	it := IterNodes(makeNodes(t, 3))
	assert.True(t, it.Next())
	it.Close()
	assert.False(t, it.Next())
}

func TestFilterIter(t *testing.T) {
	nodes := makeNodes(t, 4)
	it := Filter(IterNodes(nodes), func(n *Node) bool {
		return n.TCP()%2 == 0
	})
	var kept []*Node
	for it.Next() {
		kept = append(kept, it.Node())
	}
	assert.Len(t, kept, 2)
}

func TestFairMixDrainsSources(t *testing.T) {
	nodes := makeNodes(t, 3)
	mix := NewFairMix(-1)
	mix.AddSource(IterNodes(nodes[:2]))
	mix.AddSource(IterNodes(nodes[2:]))

	seen := make(map[ID]bool)
	for len(seen) < 3 && mix.Next() {
		seen[mix.Node().ID()] = true
	}
	assert.Len(t, seen, 3)
	mix.Close()
}

// stuckIter delivers nothing until it is closed.
type stuckIter struct {
	closed chan struct{}
}

func (it *stuckIter) Next() bool  { <-it.closed; return false }
func (it *stuckIter) Node() *Node { return nil }
func (it *stuckIter) Close()      { close(it.closed) }

func TestFairMixStalledSource(t *testing.T) {
	nodes := makeNodes(t, 2)
	mix := NewFairMix(10 * time.Millisecond)
	mix.AddSource(&stuckIter{closed: make(chan struct{})})
	mix.AddSource(IterNodes(nodes))

	// The stuck source loses its turn after the timeout and the live
	// source still gets through.
	seen := make(map[ID]bool)
	for len(seen) < 2 && mix.Next() {
		seen[mix.Node().ID()] = true
	}
	assert.Len(t, seen, 2)
	mix.Close()
}

func TestFairMixClosedAddSource(t *testing.T) {
	mix := NewFairMix(-1)
	mix.Close()

	// Adding a source after Close must not start a pump.
	mix.AddSource(IterNodes(makeNodes(t, 1)))
	assert.False(t, mix.Next())
}
