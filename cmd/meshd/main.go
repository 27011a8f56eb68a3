// Command meshd is the mesh file-transfer daemon: it wires identity (C2),
// the session layer (C3), the QUIC radio backend (C4/C5), the mesh router
// (C6), the transfer engine (C7) and the facade (C8) together, then serves
// the control plane of internal/rpc. Grounded on the teacher's daemon/main.go
// for the overall startup sequence (observability first, then storage,
// then transport, then the API servers, then block on a signal).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/meshwire/meshcore/internal/config"
	"github.com/meshwire/meshcore/internal/engine"
	"github.com/meshwire/meshcore/internal/identity"
	"github.com/meshwire/meshcore/internal/keystore"
	"github.com/meshwire/meshcore/internal/meshrouter"
	"github.com/meshwire/meshcore/internal/observability"
	"github.com/meshwire/meshcore/internal/radio"
	"github.com/meshwire/meshcore/internal/rpc"
	"github.com/meshwire/meshcore/internal/transfer"
	"github.com/meshwire/meshcore/internal/transport"
)

func main() {
	cfg := config.DefaultConfig()

	grpcAddr := flag.String("grpc-addr", cfg.GRPCAddress, "gRPC server address")
	restAddr := flag.String("rest-addr", cfg.RESTAddress, "REST server address")
	quicAddr := flag.String("quic-addr", ":4433", "QUIC listener address")
	observAddr := flag.String("observ-addr", "127.0.0.1:9193", "metrics/health server address")
	dataDir := flag.String("data-dir", cfg.DataDirectory, "root directory for identity, transfers, and trust state")
	passphrase := flag.String("passphrase", "", "passphrase protecting the identity keystore")
	flag.Parse()

	cfg.GRPCAddress = *grpcAddr
	cfg.RESTAddress = *restAddr
	cfg.DataDirectory = *dataDir
	cfg.KeysDirectory = filepath.Join(*dataDir, "identity")
	cfg.IncomingDir = filepath.Join(*dataDir, "transfers", "incoming")
	cfg.OutgoingDBPath = filepath.Join(*dataDir, "transfers", "outgoing.db")

	logger := observability.NewLogger("meshd", "0.1.0", os.Stdout)
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker("0.1.0")

	if shutdown, err := observability.InitTracing(context.Background(), "meshd"); err == nil {
		defer shutdown(context.Background())
	}

	logger.Info("meshd starting")

	if err := cfg.EnsureDirectories(); err != nil {
		logger.Fatal(err, "failed to create data directories")
	}

	ks, err := keystore.New(cfg.KeysDirectory, *passphrase)
	if err != nil {
		logger.Fatal(err, "failed to open identity keystore")
	}
	longTerm, err := identity.LoadOrCreateIdentity(ks)
	if err != nil {
		logger.Fatal(err, "failed to load or create identity")
	}
	idMgr, err := identity.NewManager(longTerm)
	if err != nil {
		logger.Fatal(err, "failed to start identity manager")
	}
	logger.Info(fmt.Sprintf("identity ready: fingerprint %s, peer id %s", longTerm.Fingerprint, idMgr.CurrentPeerID()))

	trustDir := filepath.Join(*dataDir, "peer_trust")
	if err := os.MkdirAll(trustDir, 0o700); err != nil {
		logger.Fatal(err, "failed to create peer trust directory")
	}
	fwdQueue, err := meshrouter.OpenStoreForwardQueue(filepath.Join(trustDir, "storeforward.db"))
	if err != nil {
		logger.Fatal(err, "failed to open store-and-forward queue")
	}
	defer fwdQueue.Close()

	store, err := transfer.OpenStore(cfg.OutgoingDBPath)
	if err != nil {
		logger.Fatal(err, "failed to open transfer store")
	}
	defer store.Close()

	eng, err := engine.New(cfg, idMgr, logger, fwdQueue, store)
	if err != nil {
		logger.Fatal(err, "failed to assemble engine")
	}

	quicBackend, err := radio.NewQUIC(idMgr.CurrentPeerID())
	if err != nil {
		logger.Fatal(err, "failed to build quic backend")
	}
	if _, err := quicBackend.Listen(*quicAddr); err != nil {
		logger.Fatal(err, "failed to listen on quic address")
	}
	defer quicBackend.Close()
	eng.RegisterBackend(transport.HighBW, quicBackend)
	logger.Info("quic backend listening on " + *quicAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := quicBackend.StartDiscovery(ctx); err != nil {
		logger.Fatal(err, "failed to start quic discovery")
	}
	eng.Start(ctx)

	health.RegisterCheck("identity", observability.KeystoreCheck(true))
	health.RegisterCheck("transfer_store", observability.DatabaseCheck(cfg.OutgoingDBPath))
	health.RegisterCheck("quic_listener", observability.QUICListenerCheck(*quicAddr))
	go startObservabilityServer(*observAddr, metrics, health, logger)

	rpcServer := rpc.NewServer(eng)
	grpcStop, restStop, err := rpc.StartAPIServers(context.Background(), cfg.GRPCAddress, cfg.RESTAddress, rpcServer)
	if err != nil {
		logger.Fatal(err, "failed to start API servers")
	}
	logger.Info(fmt.Sprintf("API servers started: gRPC on %s, REST on %s", cfg.GRPCAddress, cfg.RESTAddress))

	logger.Info("meshd running, press Ctrl+C to stop")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	eng.Stop()
	cancel()
	grpcStop()
	restStop()
	time.Sleep(100 * time.Millisecond)
	logger.Info("meshd stopped")
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	logger.Info("observability server listening on " + addr + " (metrics, health)")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server error")
	}
}
