// devp2p runs a standalone transport node: it listens for RLPx
// connections, dials static and discovered peers and speaks the bundled
// eth status protocol with everyone it meets.
package main

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/Matthelonianxl/devp2p/crypto"
	"github.com/Matthelonianxl/devp2p/eth"
	"github.com/Matthelonianxl/devp2p/event"
	"github.com/Matthelonianxl/devp2p/log"
	"github.com/Matthelonianxl/devp2p/p2p"
	"github.com/Matthelonianxl/devp2p/p2p/enode"
)

var (
	nodekeyFlag = &cli.StringFlag{
		Name:  "nodekey",
		Usage: "P2P node key file",
	}
	nodekeyHexFlag = &cli.StringFlag{
		Name:  "nodekeyhex",
		Usage: "P2P node key as hex (for testing)",
	}
	listenAddrFlag = &cli.StringFlag{
		Name:  "addr",
		Usage: "Network listening address",
		Value: ":30303",
	}
	maxPeersFlag = &cli.IntFlag{
		Name:  "maxpeers",
		Usage: "Maximum number of network peers",
		Value: 25,
	}
	noDialFlag = &cli.BoolFlag{
		Name:  "nodial",
		Usage: "Disable outbound connections",
	}
	staticNodesFlag = &cli.StringSliceFlag{
		Name:  "static",
		Usage: "Comma separated enode URLs for static peers",
	}
	networkIDFlag = &cli.Uint64Flag{
		Name:  "networkid",
		Usage: "Network identifier advertised in the status handshake",
		Value: 1,
	}
	nameFlag = &cli.StringFlag{
		Name:  "name",
		Usage: "Client name advertised in the devp2p handshake",
		Value: "devp2p-node",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	vmoduleFlag = &cli.StringFlag{
		Name:  "vmodule",
		Usage: "Per-module verbosity: comma-separated list of <pattern>=<level>",
	}
)

func main() {
	app := &cli.App{
		Name:   "devp2p",
		Usage:  "RLPx transport node",
		Action: run,
		Flags: []cli.Flag{
			nodekeyFlag,
			nodekeyHexFlag,
			listenAddrFlag,
			maxPeersFlag,
			noDialFlag,
			staticNodesFlag,
			networkIDFlag,
			nameFlag,
			verbosityFlag,
			vmoduleFlag,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(ctx *cli.Context) error {
	glogger := log.NewGlogHandler(log.StreamHandler(os.Stderr, log.TerminalFormat(false)))
	glogger.Verbosity(log.Lvl(ctx.Int(verbosityFlag.Name)))
	if vmodule := ctx.String(vmoduleFlag.Name); vmodule != "" {
		if err := glogger.Vmodule(vmodule); err != nil {
			return err
		}
	}
	log.Root().SetHandler(glogger)
	return nil
}

func makeNodeKey(ctx *cli.Context) (*ecdsa.PrivateKey, error) {
	switch {
	case ctx.IsSet(nodekeyFlag.Name):
		return crypto.LoadECDSA(ctx.String(nodekeyFlag.Name))
	case ctx.IsSet(nodekeyHexFlag.Name):
		return crypto.HexToECDSA(ctx.String(nodekeyHexFlag.Name))
	default:
		return crypto.GenerateKey()
	}
}

func run(ctx *cli.Context) error {
	if err := setupLogging(ctx); err != nil {
		return err
	}
	key, err := makeNodeKey(ctx)
	if err != nil {
		return fmt.Errorf("node key: %v", err)
	}
	var static []*enode.Node
	for _, url := range ctx.StringSlice(staticNodesFlag.Name) {
		node, err := enode.Parse(url)
		if err != nil {
			return fmt.Errorf("static node %q: %v", url, err)
		}
		static = append(static, node)
	}

	mux := new(event.TypeMux)
	ethService := eth.New(eth.Config{NetworkID: ctx.Uint64(networkIDFlag.Name)}, mux)

	srv := &p2p.Server{Config: p2p.Config{
		PrivateKey:  key,
		MaxPeers:    ctx.Int(maxPeersFlag.Name),
		Name:        ctx.String(nameFlag.Name),
		ListenAddr:  ctx.String(listenAddrFlag.Name),
		NoDial:      ctx.Bool(noDialFlag.Name),
		StaticNodes: static,
		Protocols:   []p2p.Protocol{ethService.Protocol()},
	}}
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()
	log.Info("Node started", "enode", srv.Self())

	// Report what the wire brings in until interrupted.
	sub := mux.Subscribe(eth.NewBlockHashesEvent{}, eth.NewBlockEvent{}, eth.TransactionsEvent{})
	defer sub.Unsubscribe()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case ev, ok := <-sub.Chan():
			if !ok {
				return nil
			}
			switch data := ev.Data.(type) {
			case eth.NewBlockHashesEvent:
				log.Info("Blocks announced", "peer", data.Peer.TerminalString(), "count", len(data.Announces))
			case eth.NewBlockEvent:
				log.Info("Block propagated", "peer", data.Peer.TerminalString(), "size", len(data.Body))
			case eth.TransactionsEvent:
				log.Info("Transactions relayed", "peer", data.Peer.TerminalString(), "size", len(data.Body))
			}
		case <-interrupt:
			log.Info("Shutting down", "peers", srv.PeerCount())
			return nil
		}
	}
}
