// Package main provides the diiiscod daemon, a peer-to-peer inference
// marketplace node.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/diiisco/diiisco/internal/api"
	"github.com/diiisco/diiisco/internal/auction"
	"github.com/diiisco/diiisco/internal/config"
	"github.com/diiisco/diiisco/internal/ledger"
	"github.com/diiisco/diiisco/internal/model"
	"github.com/diiisco/diiisco/internal/node"
	"github.com/diiisco/diiisco/internal/processor"
	"github.com/diiisco/diiisco/internal/protocol"
	"github.com/diiisco/diiisco/internal/session"
	"github.com/diiisco/diiisco/internal/storage"
	"github.com/diiisco/diiisco/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "config.yaml", "Config file path")
		logLevel    = flag.String("log-level", "", "Log level override (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// .env is optional; it feeds secrets like the wallet mnemonic.
	godotenv.Load()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("diiiscod %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal("Failed to load config", "error", err, "path", *configFile)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", *configFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	store, err := storage.New(&storage.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()

	// Ledger identity
	mnemonic := cfg.Algorand.Mnemonic
	if mnemonic == "" {
		mnemonic = os.Getenv("DIIISCO_MNEMONIC")
	}
	signer, err := ledger.NewSigner(mnemonic)
	if err != nil {
		log.Fatal("Failed to derive wallet key", "error", err)
	}
	ledgerClient := ledger.NewAlgoClient(
		cfg.Algorand.Client.URL, cfg.Algorand.Client.Token,
		cfg.Algorand.AssetID, cfg.Algorand.AppID, signer)
	log.Info("Wallet ready", "addr", signer.Address(), "network", cfg.Algorand.Network)

	// Bootstrap addresses, aliases resolved through the registry.
	bootstrap, err := resolveBootstrap(ctx, cfg.BootstrapServers, ledgerClient)
	if err != nil {
		log.Fatal("Failed to resolve bootstrap servers", "error", err)
	}

	// Network
	n, err := node.New(ctx, node.Options{
		Config:    cfg,
		KeyPath:   filepath.Join(expandPath(cfg.Storage.DataDir), cfg.Identity.KeyFile),
		Bootstrap: bootstrap,
		Store:     store,
	})
	if err != nil {
		log.Fatal("Failed to create node", "error", err)
	}

	// Transport wiring. The processor is created after the router, so the
	// ingress closure resolves it late.
	var proc *processor.Processor
	ingress := func(env *protocol.Envelope, from peer.ID) {
		if proc == nil {
			return
		}
		msgCtx, msgCancel := context.WithTimeout(ctx, time.Minute)
		defer msgCancel()
		if err := proc.Process(msgCtx, env, from); err != nil {
			log.Debug("Envelope dropped", "role", env.Role, "id", env.ID, "reason", err)
		}
	}
	bus := node.NewBus(n, ingress)
	streams := node.NewStreamHandler(n, ingress)
	router := node.NewRouter(n, bus, streams)

	// Marketplace state
	sessions := session.NewManager()
	events := session.NewRendezvous()
	accum := model.NewAccumulator(cfg.QuoteEngine.WaitDuration(), func(models []protocol.ModelInfo) {
		events.Resolve(api.ModelListKey, models)
	})

	policy, err := auction.NewPolicy(cfg.QuoteEngine.QuoteSelectionFunction, ledgerClient, cfg.Algorand.AssetID)
	if err != nil {
		log.Fatal("Invalid quote selection function", "error", err)
	}
	auctions := auction.NewEngine(cfg.QuoteEngine.WaitDuration(), policy, func(sessionID string, winner auction.Bid) {
		events.Resolve("quote-selected-"+sessionID, winner)
	})

	var modelClient model.Client
	if cfg.Models.Enabled {
		modelClient = model.NewOpenAIClient(cfg.Models.BaseURL, cfg.Models.Port, cfg.Models.APIKey)
		log.Info("Provider mode enabled", "runtime", cfg.Models.BaseURL,
			"rate", cfg.Models.ChargePer1MTokens)
		ensureOptIn(ctx, log, ledgerClient, signer.Address(), cfg.Algorand.AssetID)
	}

	proc = processor.New(processor.Config{
		ProviderEnabled:   cfg.Models.Enabled,
		ChargePer1MTokens: cfg.Models.ChargePer1MTokens,
		AssetID:           cfg.Algorand.AssetID,
		CreationPipeline:  cfg.QuoteEngine.QuoteCreationFunction,
	}, n.ID(), router, ledgerClient, modelClient, accum, auctions, sessions, events)

	// Supervision before start so discovery callbacks land in the records.
	sup := node.NewSupervisor(n)
	if seeded := sup.SeedFromStore(store); seeded > 0 {
		log.Info("Seeded supervisor from peer cache", "peers", seeded)
	}
	keepalive := node.NewKeepAlive(n)

	if err := n.Start(); err != nil {
		log.Fatal("Failed to start node", "error", err)
	}
	if err := bus.Start(); err != nil {
		log.Fatal("Failed to start broadcast bus", "error", err)
	}
	if cfg.DirectMessaging.Enabled {
		if err := streams.Start(); err != nil {
			log.Fatal("Failed to start direct stream handler", "error", err)
		}
	}
	sup.Start()
	keepalive.Start()

	// HTTP facade
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, n, bus, proc, events,
			n.Metrics().Registry(), cfg.QuoteEngine.WaitDuration())
		addr := fmt.Sprintf(":%d", cfg.API.Port)
		if err := apiServer.Start(addr); err != nil {
			log.Fatal("Failed to start API server", "error", err)
		}
	}

	printBanner(log, n, cfg, signer.Address())

	// Peer events feed the supervisor and the WebSocket hub.
	p2pLog := log.Component("p2p")
	n.OnPeerConnected(func(p peer.ID) {
		sup.OnConnect(p)
		p2pLog.Info("Peer connected", "peer", shortID(p), "total", n.PeerCount())
		if apiServer != nil {
			apiServer.WSHub().Broadcast(api.EventPeerConnected, map[string]interface{}{
				"peerId":     p.String(),
				"totalPeers": n.PeerCount(),
			})
		}
	})
	n.OnPeerDisconnected(func(p peer.ID) {
		sup.OnDisconnect(p)
		p2pLog.Info("Peer disconnected", "peer", shortID(p), "total", n.PeerCount())
		if apiServer != nil {
			apiServer.WSHub().Broadcast(api.EventPeerDisconnected, map[string]interface{}{
				"peerId":     p.String(),
				"totalPeers": n.PeerCount(),
			})
		}
	})

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				known, _ := store.PeerCount()
				log.Info("Status", "peers", n.PeerCount(),
					"known", known,
					"mesh", len(bus.MeshPeers()),
					"sessions", sessions.Active(),
					"uptime", n.Uptime().Round(time.Second))
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("Shutting down...")

	// Stop ingress surfaces first, then the timers, then the network.
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			log.Error("Error stopping API server", "error", err)
		}
	}
	keepalive.Stop()
	sup.Stop()
	auctions.Close()
	accum.Close()
	if cfg.DirectMessaging.Enabled {
		streams.Stop()
	}
	bus.Stop()
	cancel()
	if err := n.Stop(); err != nil {
		log.Error("Error stopping node", "error", err)
	}

	log.Info("Goodbye!")
}

// resolveBootstrap turns configured bootstrap entries, aliases included, into
// dialable address infos.
func resolveBootstrap(ctx context.Context, entries []string, lc ledger.Client) ([]peer.AddrInfo, error) {
	infos := make([]peer.AddrInfo, 0, len(entries))
	for _, entry := range entries {
		addr := entry
		if ledger.IsAlias(entry) {
			resolved, err := lc.ResolveAlias(ctx, entry)
			if err != nil {
				return nil, fmt.Errorf("resolve alias %s: %w", entry, err)
			}
			addr = resolved
		}
		if err := ledger.ValidateBootstrapAddr(addr); err != nil {
			return nil, fmt.Errorf("bootstrap entry %s: %w", entry, err)
		}
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("bootstrap entry %s: %w", entry, err)
		}
		pi, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			return nil, fmt.Errorf("bootstrap entry %s: %w", entry, err)
		}
		infos = append(infos, *pi)
	}
	return infos, nil
}

// ensureOptIn opts the provider wallet into the payment asset if needed.
// Failure is logged, not fatal; quotes will be declined until it succeeds.
func ensureOptIn(ctx context.Context, log *logging.Logger, lc ledger.Client, addr string, assetID uint64) {
	status, err := lc.CheckIfOptedInToAsset(ctx, addr, assetID)
	if err != nil {
		log.Warn("Opt-in check failed", "error", err)
		return
	}
	if status.OptedIn {
		return
	}
	if err := lc.OptInToAsset(ctx, addr, assetID); err != nil {
		log.Warn("Asset opt-in failed", "asset", assetID, "error", err)
		return
	}
	log.Info("Opted in to payment asset", "asset", assetID)
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func printBanner(log *logging.Logger, n *node.Node, cfg *config.Config, walletAddr string) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  diiisco node (%s)", cfg.Algorand.Network)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Peer ID: %s", n.ID().String())
	log.Infof("  Wallet:  %s", walletAddr)
	log.Info("")
	log.Info("  Listening on:")
	for _, addr := range n.Addrs() {
		log.Infof("    %s/p2p/%s", addr.String(), n.ID().String())
	}
	log.Info("")
	if cfg.API.Enabled {
		log.Infof("  API: http://127.0.0.1:%d", cfg.API.Port)
		log.Infof("  WS:  ws://127.0.0.1:%d/ws", cfg.API.Port)
	}
	log.Infof("  Provider mode: %v | mDNS: %v | DHT: %v",
		cfg.Models.Enabled, cfg.Network.EnableMDNS, cfg.Network.EnableDHT)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}

func shortID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
