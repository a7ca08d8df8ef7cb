// Contains the meters and timers used by the networking layer.

package p2p

import (
	"net"

	"github.com/rcrowley/go-metrics"
)

var (
	ingressConnectMeter = metrics.NewRegisteredMeter("p2p/InboundConnects", metrics.DefaultRegistry)
	ingressTrafficMeter = metrics.NewRegisteredMeter("p2p/InboundTraffic", metrics.DefaultRegistry)
	egressConnectMeter  = metrics.NewRegisteredMeter("p2p/OutboundConnects", metrics.DefaultRegistry)
	egressTrafficMeter  = metrics.NewRegisteredMeter("p2p/OutboundTraffic", metrics.DefaultRegistry)
	activePeerGauge     = metrics.NewRegisteredGauge("p2p/Peers", metrics.DefaultRegistry)
)

// meteredConn is a wrapper around a net.Conn that meters both the
// inbound and outbound network traffic.
type meteredConn struct {
	net.Conn
}

// newMeteredConn creates a new metered connection and bumps the ingress or
// egress connection meter.
func newMeteredConn(conn net.Conn, ingress bool) net.Conn {
	if ingress {
		ingressConnectMeter.Mark(1)
	} else {
		egressConnectMeter.Mark(1)
	}
	return &meteredConn{Conn: conn}
}

// Read delegates a network read to the underlying connection, bumping the
// ingress traffic meter along the way.
func (c *meteredConn) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	ingressTrafficMeter.Mark(int64(n))
	return
}

// Write delegates a network write to the underlying connection, bumping the
// egress traffic meter along the way.
func (c *meteredConn) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	egressTrafficMeter.Mark(int64(n))
	return
}
