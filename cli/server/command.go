package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/hashicorp/go-sockaddr"
	rungroup "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	meridianconfig "github.com/meridianrt/meridian/pkg/config"
	"github.com/meridianrt/meridian/pkg/log"
	"github.com/meridianrt/meridian/server/admin"
	"github.com/meridianrt/meridian/server/config"
	"github.com/meridianrt/meridian/server/flood"
	"github.com/meridianrt/meridian/server/kvstore"
	"github.com/meridianrt/meridian/server/peers"
	"github.com/meridianrt/meridian/server/snapshot"
	syncsvc "github.com/meridianrt/meridian/server/sync"
	"github.com/meridianrt/meridian/server/ttl"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "start a server node",
		Long: `Start a server node.

The node holds a full replica of the store. It accepts peer sessions,
floods local updates to its peers and repairs divergence with periodic
anti-entropy.

Use '--peers.addrs' to configure the addresses of existing nodes to
connect to.

Examples:
  # Start a Meridian node.
  meridian server

  # Start a Meridian node, listening for peer connections on :8100 and
  # admin connections on :8102.
  meridian server --sync.bind-addr :8100 --admin.bind-addr :8102

  # Start a Meridian node and connect to existing nodes.
  meridian server --peers.addrs 10.26.104.14:7100,10.26.104.75:7100
`,
	}

	conf := config.Default()

	var configPath string
	cmd.Flags().StringVar(
		&configPath,
		"config.path",
		"",
		`
YAML config file path.`,
	)

	var configExpandEnv bool
	cmd.Flags().BoolVar(
		&configExpandEnv,
		"config.expand-env",
		false,
		`
Whether to expand environment variables in the config file.

This will replaces references to ${VAR} or $VAR with the corresponding
environment variable. The replacement is case-sensitive.

References to undefined variables will be replaced with an empty string. A
default value can be given using form ${VAR:default}.`,
	)

	// Register flags and set default values.
	conf.RegisterFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			if err := meridianconfig.Load(configPath, conf, configExpandEnv); err != nil {
				fmt.Printf("load config: %s\n", err.Error())
				os.Exit(1)
			}
		}

		if err := conf.Validate(); err != nil {
			fmt.Printf("invalid config: %s\n", err.Error())
			os.Exit(1)
		}

		logger, err := log.NewLogger(conf.Log.Level, conf.Log.Subsystems)
		if err != nil {
			fmt.Printf("failed to setup logger: %s\n", err.Error())
			os.Exit(1)
		}

		if conf.Node.ID == "" {
			nodeID := uuid.New().String()[:8]
			if conf.Node.IDPrefix != "" {
				nodeID = conf.Node.IDPrefix + nodeID
			}
			conf.Node.ID = nodeID
		}

		if conf.Sync.AdvertiseAddr == "" {
			advertiseAddr, err := advertiseAddrFromBindAddr(conf.Sync.BindAddr)
			if err != nil {
				logger.Error("invalid configuration", zap.Error(err))
				os.Exit(1)
			}
			conf.Sync.AdvertiseAddr = advertiseAddr
		}
		if conf.Admin.AdvertiseAddr == "" {
			advertiseAddr, err := advertiseAddrFromBindAddr(conf.Admin.BindAddr)
			if err != nil {
				logger.Error("invalid configuration", zap.Error(err))
				os.Exit(1)
			}
			conf.Admin.AdvertiseAddr = advertiseAddr
		}

		if err := run(conf, logger); err != nil {
			logger.Error("failed to run server", zap.Error(err))
			os.Exit(1)
		}
	}

	return cmd
}

func run(conf *config.Config, logger log.Logger) error {
	logger.Info(
		"starting meridian server",
		zap.String("node-id", conf.Node.ID),
		zap.Strings("areas", conf.Node.Areas),
	)

	registry := prometheus.NewRegistry()

	store := kvstore.NewStore(conf.Node.ID, conf.KvStore, nil)
	store.Metrics().Register(registry)

	adminLn, err := net.Listen("tcp", conf.Admin.BindAddr)
	if err != nil {
		return fmt.Errorf("admin listen: %s: %w", conf.Admin.BindAddr, err)
	}
	adminServer := admin.NewServer(registry, logger)
	adminServer.AddStatus("/kvstore", kvstore.NewStatus(store))

	engine := flood.NewEngine(store, conf.Flood, logger)
	engine.Metrics().Register(registry)
	adminServer.AddStatus("/flood", flood.NewStatus(engine))

	syncMetrics := syncsvc.NewMetrics()
	syncMetrics.Register(registry)

	var manager *peers.Manager

	// Wire accepted sessions into the flood engine and the session
	// tracker for the lifetime of the session.
	onSession := func(sess *syncsvc.Session) func() {
		engine.Register(sess)
		untrack := manager.Track(sess)
		return func() {
			engine.Unregister(sess)
			untrack()
		}
	}
	onDialled := func(sess *syncsvc.Session) func() {
		// The manager tracks its own outbound sessions.
		engine.Register(sess)
		return func() {
			engine.Unregister(sess)
		}
	}

	manager = peers.NewManager(
		store,
		conf.Peers,
		conf.Sync,
		conf.Node.Areas,
		onDialled,
		syncMetrics,
		logger,
	)
	adminServer.AddStatus("/peers", peers.NewStatus(manager))

	syncLn, err := net.Listen("tcp", conf.Sync.BindAddr)
	if err != nil {
		return fmt.Errorf("sync listen: %s: %w", conf.Sync.BindAddr, err)
	}
	syncServer := syncsvc.NewServer(
		store,
		conf.Sync,
		conf.Node.Areas,
		onSession,
		syncMetrics,
		logger,
	)

	ttlManager := ttl.NewManager(store, conf.TTL, nil, logger)

	var snapshotter *snapshot.Snapshotter
	if conf.Snapshot.Enabled {
		snapshotter, err = snapshot.NewSnapshotter(store, conf.Snapshot, logger)
		if err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
		defer snapshotter.Close()

		// Warm-start from the last snapshot. Stale entries are discarded
		// by the merge rule as fresher state arrives from peers.
		if err := snapshotter.Load(); err != nil {
			logger.Warn("failed to load snapshot", zap.Error(err))
		}
	}

	var group rungroup.Group

	// Termination handler.
	signalCtx, signalCancel := context.WithCancel(context.Background())
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	group.Add(func() error {
		select {
		case sig := <-signalCh:
			logger.Info(
				"received shutdown signal",
				zap.String("signal", sig.String()),
			)
			return nil
		case <-signalCtx.Done():
			return nil
		}
	}, func(error) {
		signalCancel()
	})

	// Sync server.
	group.Add(func() error {
		if err := syncServer.Serve(syncLn); err != nil {
			return fmt.Errorf("sync server serve: %w", err)
		}
		return nil
	}, func(error) {
		syncLn.Close()
		syncServer.Shutdown()

		logger.Info("sync server shut down")
	})

	// Peer manager.
	peersCtx, peersCancel := context.WithCancel(context.Background())
	group.Add(func() error {
		manager.Run(peersCtx)
		return nil
	}, func(error) {
		peersCancel()
	})

	// Flood engine.
	floodCtx, floodCancel := context.WithCancel(context.Background())
	group.Add(func() error {
		engine.Run(floodCtx)
		return nil
	}, func(error) {
		floodCancel()
	})

	// TTL bookkeeping.
	ttlCtx, ttlCancel := context.WithCancel(context.Background())
	group.Add(func() error {
		ttlManager.Run(ttlCtx)
		return nil
	}, func(error) {
		ttlCancel()
	})

	// Snapshots.
	if snapshotter != nil {
		snapshotCtx, snapshotCancel := context.WithCancel(context.Background())
		group.Add(func() error {
			return snapshotter.Run(snapshotCtx)
		}, func(error) {
			snapshotCancel()
		})
	}

	// Admin server.
	group.Add(func() error {
		if err := adminServer.Serve(adminLn); err != nil {
			return fmt.Errorf("admin server serve: %w", err)
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			conf.GracePeriod,
		)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to gracefully shutdown admin server", zap.Error(err))
		}

		logger.Info("admin server shut down")
	})

	if err := group.Run(); err != nil {
		return err
	}

	logger.Info("shutdown complete")

	return nil
}

func advertiseAddrFromBindAddr(bindAddr string) (string, error) {
	if strings.HasPrefix(bindAddr, ":") {
		bindAddr = "0.0.0.0" + bindAddr
	}

	host, port, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return "", fmt.Errorf("invalid bind addr: %s: %w", bindAddr, err)
	}

	if host == "0.0.0.0" {
		ip, err := sockaddr.GetPrivateIP()
		if err != nil {
			return "", fmt.Errorf("get interface addr: %w", err)
		}
		if ip == "" {
			return "", fmt.Errorf("no private ip found")
		}
		return ip + ":" + port, nil
	}
	return bindAddr, nil
}
