package p2p

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/Matthelonianxl/devp2p/log"
	"github.com/Matthelonianxl/devp2p/p2p/enode"
)

// refusingDialer records every dial attempt and fails it, so no
// connection setup runs.
type refusingDialer struct {
	dialed chan *enode.Node
}

func (d *refusingDialer) Dial(ctx context.Context, n *enode.Node) (net.Conn, error) {
	select {
	case d.dialed <- n:
	case <-ctx.Done():
	}
	return nil, errors.New("connection refused")
}

func testNode(i uint16) *enode.Node {
	return enode.New(uintID(i), net.IP{127, 0, 0, 1}, 30000+i)
}

func startTestDialScheduler(it enode.Iterator) (*dialScheduler, *refusingDialer) {
	dialer := &refusingDialer{dialed: make(chan *enode.Node, 16)}
	config := dialConfig{
		self:         uintID(0),
		maxDialPeers: 10,
		dialer:       dialer,
		log:          log.Root(),
	}
	sched := newDialScheduler(config, it, func(net.Conn, connFlag, *enode.Node) error {
		panic("setup called with failing dialer")
	})
	return sched, dialer
}

func waitForDials(t *testing.T, dialer *refusingDialer, want map[enode.ID]bool) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for len(want) > 0 {
		select {
		case n := <-dialer.dialed:
			if !want[n.ID()] {
				t.Fatalf("dialed unexpected node %v", n.ID().TerminalString())
			}
			delete(want, n.ID())
		case <-timeout:
			t.Fatalf("timed out waiting for dials, %d outstanding", len(want))
		}
	}
}

func TestDialSchedDynDials(t *testing.T) {
	nodes := []*enode.Node{testNode(1), testNode(2), testNode(3)}
	sched, dialer := startTestDialScheduler(enode.IterNodes(nodes))
	defer sched.stop()

	waitForDials(t, dialer, map[enode.ID]bool{
		uintID(1): true, uintID(2): true, uintID(3): true,
	})
}

func TestDialSchedStaticDial(t *testing.T) {
	sched, dialer := startTestDialScheduler(enode.IterNodes(nil))
	defer sched.stop()

	sched.addStatic(testNode(5))
	waitForDials(t, dialer, map[enode.ID]bool{uintID(5): true})
}

func TestDialSchedRemoveStatic(t *testing.T) {
	sched, dialer := startTestDialScheduler(enode.IterNodes(nil))
	defer sched.stop()

	// The node is dialed once, fails, and is then removed from the
	// static set. After the history entry expires nothing must redial it.
	sched.addStatic(testNode(7))
	waitForDials(t, dialer, map[enode.ID]bool{uintID(7): true})
	sched.removeStatic(testNode(7))

	select {
	case n := <-dialer.dialed:
		t.Fatalf("removed static node %v was dialed again", n.ID().TerminalString())
	case <-time.After(100 * time.Millisecond):
	}
}

func newTestCheckDialScheduler(self enode.ID) *dialScheduler {
	hist, _ := lru.New(dialHistorySize)
	return &dialScheduler{
		dialConfig: dialConfig{self: self, log: log.Root()},
		dialing:    make(map[enode.ID]*dialTask),
		peers:      make(map[enode.ID]connFlag),
		history:    hist,
	}
}

func TestDialSchedCheckDial(t *testing.T) {
	d := newTestCheckDialScheduler(uintID(1))

	if err := d.checkDial(testNode(1)); !errors.Is(err, errSelf) {
		t.Errorf("self: got %v, want %v", err, errSelf)
	}
	if err := d.checkDial(enode.New(uintID(2), net.IP{127, 0, 0, 1}, 0)); !errors.Is(err, errNoPort) {
		t.Errorf("no port: got %v, want %v", err, errNoPort)
	}

	d.dialing[uintID(3)] = newDialTask(testNode(3), dynDialedConn)
	if err := d.checkDial(testNode(3)); !errors.Is(err, errAlreadyDialing) {
		t.Errorf("dialing: got %v, want %v", err, errAlreadyDialing)
	}

	d.peers[uintID(4)] = dynDialedConn
	if err := d.checkDial(testNode(4)); !errors.Is(err, errAlreadyConnected) {
		t.Errorf("connected: got %v, want %v", err, errAlreadyConnected)
	}

	d.history.Add(uintID(5), time.Now().Add(dialHistoryExpiration))
	if err := d.checkDial(testNode(5)); !errors.Is(err, errRecentlyDialed) {
		t.Errorf("recent: got %v, want %v", err, errRecentlyDialed)
	}

	if err := d.checkDial(testNode(6)); err != nil {
		t.Errorf("clean candidate: got %v, want nil", err)
	}
}

func TestDialSchedHistoryExpiry(t *testing.T) {
	d := newTestCheckDialScheduler(uintID(1))

	// An expired history entry does not block the dial and is evicted.
	d.history.Add(uintID(2), time.Now().Add(-time.Second))
	if err := d.checkDial(testNode(2)); err != nil {
		t.Errorf("expired entry blocked dial: %v", err)
	}
	if d.history.Contains(uintID(2)) {
		t.Error("expired entry was not removed")
	}
}
