// Command overlaynode wires the core packages into a running node: a small
// cli.App shell around the long-running service. No protocol logic lives
// here; this file only constructs and starts the components the core
// packages provide.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/drep-project/overlay/config"
	"github.com/drep-project/overlay/log"
	"github.com/drep-project/overlay/p2p/addrfilter"
	"github.com/drep-project/overlay/p2p/connmgr"
	pcrypto "github.com/drep-project/overlay/p2p/crypto"
	"github.com/drep-project/overlay/p2p/dht"
	"github.com/drep-project/overlay/p2p/discovery"
	"github.com/drep-project/overlay/p2p/netman"
	"github.com/drep-project/overlay/p2p/routespec"
	"github.com/drep-project/overlay/p2p/routing"
	"github.com/drep-project/overlay/p2p/rpc"
	"github.com/drep-project/overlay/p2p/types"
	"github.com/drep-project/overlay/store"
	"gopkg.in/urfave/cli.v1"
)

func main() {
	app := cli.NewApp()
	app.Name = "overlaynode"
	app.Usage = "run an overlay network node"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "listen", Value: ":5150", Usage: "UDP/TCP listen address"},
		cli.StringFlag{Name: "datadir", Value: "./data", Usage: "directory for the node's leveldb stores"},
		cli.StringSliceFlag{Name: "bootstrap", Usage: "bootstrap TXT record"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := log.New("overlaynode")
	cfg := config.Default()

	kind := pcrypto.VLD0{}
	public, secret, err := kind.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}
	registry := pcrypto.NewRegistry(pcrypto.VLD0{}, pcrypto.SECP{})
	self := kind.Hash(public.Sign)

	backing, err := store.OpenLevelDB(c.String("datadir"))
	if err != nil {
		return fmt.Errorf("open datadir: %w", err)
	}
	defer backing.Close()
	localDescriptors, err := openTable(backing, "local_descriptors")
	if err != nil {
		return err
	}
	localSubkeys, err := openTable(backing, "local_subkeys")
	if err != nil {
		return err
	}
	remoteDescriptors, err := openTable(backing, "remote_descriptors")
	if err != nil {
		return err
	}
	remoteSubkeys, err := openTable(backing, "remote_subkeys")
	if err != nil {
		return err
	}
	offlineWrites, err := openTable(backing, "offline_writes")
	if err != nil {
		return err
	}

	table := routing.New(self, types.VersionRange{Min: 0, Max: 1})
	filter := addrfilter.New(cfg.Network.AddressFilter, logger.WithField("component", "addrfilter"), table)
	conns := connmgr.New(cfg.Network.Connection, filter, nil, logger.WithField("component", "connmgr"))

	rpcProc := rpc.New(rpc.Config{
		Self:       self,
		Table:      table,
		Timeout:    cfg.Network.RPC.TimeoutMS,
		MaxRetries: 3,
		Log:        logger.WithField("component", "rpc"),
	})
	rpcProc.RegisterFindNode(table)

	routes := routespec.New(routespec.Config{
		Self:        self,
		Kind:        kind,
		Source:      table,
		MaxHopCount: cfg.Network.RPC.MaxRouteHopCount,
	})

	netMgr := netman.New(netman.Config{
		Self:     self,
		Kind:     kind,
		Secret:   secret,
		Public:   public,
		Registry: registry,
		Conns:    conns,
		Table:    table,
		Filter:   filter,
		Sink:     rpcProc,
		Routes:   routes,
		MaxSkew:  cfg.Network.RPC.MaxTimestampBehindMS,
		Log:      logger.WithField("component", "netman"),
	})
	rpcProc.SetSender(netMgr)
	routes.SetSender(netMgr)
	conns.SetDeliverer(netMgr)

	dhtMgr := dht.New(dht.Config{
		Self:              self,
		Kind:              kind,
		Finder:            table,
		Client:            rpcProc,
		DHT:               cfg.Network.DHT,
		Log:               logger.WithField("component", "dht"),
		LocalDescriptors:  localDescriptors,
		LocalSubkeys:      localSubkeys,
		RemoteDescriptors: remoteDescriptors,
		RemoteSubkeys:     remoteSubkeys,
		OfflineWrites:     offlineWrites,
	})
	dhtMgr.RegisterHandlers(rpcProc)

	discoveryMgr := discovery.New(discovery.Config{
		Self:       self,
		Finder:     table,
		Client:     rpcProc,
		Observer:   netMgr,
		Prober:     netMgr,
		Restarter:  netMgr,
		ListenPort: 5150,
		Protocol:   types.ProtocolUDP,
		Discovery:  cfg.Network.Discovery,
		DHT:        cfg.Network.DHT,
		Log:        logger.WithField("component", "discovery"),
	})

	conns.Start()
	if err := conns.ListenUDP(c.String("listen")); err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	if err := conns.ListenTCP(c.String("listen")); err != nil {
		return fmt.Errorf("listen tcp: %w", err)
	}

	var bootstrap []routing.BootstrapRecord
	for _, raw := range c.StringSlice("bootstrap") {
		rec, err := routing.ParseBootstrapRecord(raw)
		if err != nil {
			logger.WithError(err).WithField("record", raw).Warn("skipping malformed bootstrap record")
			continue
		}
		bootstrap = append(bootstrap, rec)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				filter.Purge(now)
			}
		}
	}()

	finder := routing.NewDiscoveryLoop(table, rpcProc, cfg.Network.DHT.MinPeerCount)
	if err := finder.Bootstrap(ctx, bootstrap); err != nil {
		logger.WithError(err).Warn("bootstrap did not reach minimum peer count")
	}
	finder.Start(cfg.Network.DHT.MinPeerRefreshTimeMS)

	pings := routing.NewPingValidator(table, rpcProc)
	pings.Start(time.Second)

	discoveryMgr.Start(ctx, time.Minute)

	logger.WithField("node_id", self.Hex()).Info("overlay node running")
	<-ctx.Done()

	discoveryMgr.Stop()
	pings.Stop()
	finder.Stop()
	dhtMgr.Close()
	conns.Stop()
	return nil
}

func openTable(backing *store.LevelDBStore, name string) (store.Table, error) {
	t, err := backing.Table(name)
	if err != nil {
		return nil, fmt.Errorf("open table %s: %w", name, err)
	}
	return t, nil
}
