package enode

import (
	"sync"
	"time"
)

// Iterator is a stream of dial candidates. Next blocks until another node
// is available or the iterator is closed, Node returns the node Next moved
// to. Close may be called from another goroutine and unblocks Next.
type Iterator interface {
	Next() bool
	Node() *Node
	Close()
}

// IterNodes returns an iterator over a fixed node list. It ends after the
// last node has been returned.
func IterNodes(nodes []*Node) Iterator {
	return &listIter{nodes: nodes}
}

type listIter struct {
	mu    sync.Mutex
	nodes []*Node
	cur   *Node
}

func (it *listIter) Next() bool {
	it.mu.Lock()
	defer it.mu.Unlock()

	if len(it.nodes) == 0 {
		it.cur = nil
		return false
	}
	it.cur, it.nodes = it.nodes[0], it.nodes[1:]
	return true
}

func (it *listIter) Node() *Node {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.cur
}

func (it *listIter) Close() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.nodes = nil
}

// Filter skips nodes for which check returns false. The candidate feed
// uses this to drop nodes that cannot be dialed at all.
func Filter(it Iterator, check func(*Node) bool) Iterator {
	return &filterIter{it, check}
}

type filterIter struct {
	Iterator
	check func(*Node) bool
}

func (f *filterIter) Next() bool {
	for f.Iterator.Next() {
		if f.check(f.Node()) {
			return true
		}
	}
	return false
}

// FairMix combines several candidate sources into one iterator. The mix
// does not end on its own, it keeps delivering until Close is called.
// Sources that end are dropped from the rotation.
//
// Next cycles through the sources so that each contributes about equally.
// A source that cannot deliver within the timeout loses its turn and the
// mix falls back to whichever source has a node ready.
type FairMix struct {
	wg       sync.WaitGroup
	overflow chan *Node
	timeout  time.Duration
	cur      *Node

	mu     sync.Mutex
	closed chan struct{}
	feeds  []*mixFeed
	cursor int
}

type mixFeed struct {
	it      Iterator
	ready   chan *Node
	timeout time.Duration
}

// NewFairMix creates an empty mix. The timeout bounds how long Next waits
// on the source whose turn it is. A negative timeout disables the
// fallback, making the rotation strict.
func NewFairMix(timeout time.Duration) *FairMix {
	return &FairMix{
		overflow: make(chan *Node),
		closed:   make(chan struct{}),
		timeout:  timeout,
	}
}

// AddSource adds a candidate source to the mix.
func (m *FairMix) AddSource(it Iterator) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed == nil {
		return
	}
	feed := &mixFeed{it, make(chan *Node), m.timeout}
	m.feeds = append(m.feeds, feed)
	m.wg.Add(1)
	go m.pump(m.closed, feed)
}

// Close shuts down the mix and all of its sources. It must be called to
// release the pump goroutines.
func (m *FairMix) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed == nil {
		return
	}
	for _, f := range m.feeds {
		f.it.Close()
	}
	close(m.closed)
	m.wg.Wait()
	close(m.overflow)
	m.feeds = nil
	m.closed = nil
}

// Next moves to the next node in the mix.
func (m *FairMix) Next() bool {
	m.cur = nil

	for {
		feed := m.takeTurn()
		if feed == nil {
			return m.nextFromAny()
		}

		var expired <-chan time.Time
		var timer *time.Timer
		if feed.timeout >= 0 {
			timer = time.NewTimer(feed.timeout)
			expired = timer.C
		}
		select {
		case n, ok := <-feed.ready:
			if timer != nil {
				timer.Stop()
			}
			if !ok {
				m.dropFeed(feed)
				continue
			}
			// The source delivered in time, restore its full timeout.
			feed.timeout = m.timeout
			m.cur = n
			return true
		case <-expired:
			// Halve the allowance of a stalling source so it wastes
			// less of the rotation next time.
			feed.timeout /= 2
			return m.nextFromAny()
		}
	}
}

// Node returns the current node.
func (m *FairMix) Node() *Node {
	return m.cur
}

// nextFromAny takes a node from whichever pump delivers first. It is used
// when no source is registered or the chosen source stalls.
func (m *FairMix) nextFromAny() bool {
	n, ok := <-m.overflow
	if ok {
		m.cur = n
	}
	return ok
}

// takeTurn picks the source whose turn it is, in rotation order.
func (m *FairMix) takeTurn() *mixFeed {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.feeds) == 0 {
		return nil
	}
	m.cursor = (m.cursor + 1) % len(m.feeds)
	return m.feeds[m.cursor]
}

func (m *FairMix) dropFeed(feed *mixFeed) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, f := range m.feeds {
		if f == feed {
			copy(m.feeds[i:], m.feeds[i+1:])
			m.feeds[len(m.feeds)-1] = nil
			m.feeds = m.feeds[:len(m.feeds)-1]
			return
		}
	}
}

// pump drains one source. Nodes are offered to the source's own turn
// channel and to the shared overflow channel at the same time, so a node
// is never lost when the rotation has moved on.
func (m *FairMix) pump(closed chan struct{}, feed *mixFeed) {
	defer m.wg.Done()
	defer close(feed.ready)
	for feed.it.Next() {
		n := feed.it.Node()
		select {
		case feed.ready <- n:
		case m.overflow <- n:
		case <-closed:
			return
		}
	}
}
