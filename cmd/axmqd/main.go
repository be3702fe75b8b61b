// Command axmqd runs the broker as a standalone TCP (optionally TLS)
// server: it wires network.Listener/network.Pool to broker.Hub through one
// conn.Task per accepted connection, and exits cleanly on SIGINT/SIGTERM
// after draining in-flight sessions.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/axmq/ax/broker"
	"github.com/axmq/ax/conn"
	"github.com/axmq/ax/encoding"
	"github.com/axmq/ax/network"
	"github.com/axmq/ax/pkg/logger"
	"github.com/axmq/ax/session"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML broker config file (flags below override its listen_addr)")
	listenAddr := flag.String("listen", "", "Override listen_addr, e.g. :1883")
	certFile := flag.String("tls-cert", "", "TLS certificate file; enables TLS when set with -tls-key")
	keyFile := flag.String("tls-key", "", "TLS key file; enables TLS when set with -tls-cert")
	flag.Parse()

	log := logger.NewSlogLogger(slog.LevelInfo, os.Stdout)

	cfg := broker.DefaultConfig()
	if *configPath != "" {
		loaded, err := broker.LoadConfig(*configPath)
		if err != nil {
			log.Error("axmqd: load config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	if err := run(cfg, log, *certFile, *keyFile); err != nil {
		log.Error("axmqd: exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg broker.Config, log *logger.SlogLogger, certFile, keyFile string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The session manager is created before the hub, but the hub is the
	// manager's WillPublisher: the reference goes in once the hub exists.
	sessions := session.NewManager(session.ManagerConfig{
		Store:               session.NewMemoryStore(),
		ExpiryCheckInterval: cfg.SessionExpiryCheckInterval,
		QueueDepth:          cfg.OutboundQueueDepth,
		QueuePolicy:         cfg.Policy(),
	})
	defer sessions.Close()

	hooks, err := cfg.BuildHooks()
	if err != nil {
		return err
	}

	hub := broker.New(sessions, broker.NewMetrics(), log, hooks)
	sessions.SetWillPublisher(hub)

	listenerCfg := network.DefaultListenerConfig(cfg.ListenAddr)
	if certFile != "" && keyFile != "" {
		tlsCfg := network.DefaultTLSConfig()
		tlsCfg.CertFile = certFile
		tlsCfg.KeyFile = keyFile
		built, err := tlsCfg.Build()
		if err != nil {
			return err
		}
		listenerCfg.TLSConfig = built
	}

	pool, err := network.NewPool(network.DefaultPoolConfig())
	if err != nil {
		return err
	}

	listener, err := network.NewListener(listenerCfg, pool)
	if err != nil {
		return err
	}

	taskCfg := conn.DefaultConfig()
	taskCfg.ReceiveMaximum = cfg.ReceiveMaximum
	taskCfg.MaximumQoS = cfg.MaximumQoS

	listener.OnConnection(func(c *network.Connection) error {
		go func() {
			defer pool.Remove(c.ID())
			if err := conn.New(c, hub, log, taskCfg).Run(ctx); err != nil {
				log.Debug("axmqd: connection closed", "conn_id", c.ID(), "error", err)
			}
		}()
		return nil
	})

	if err := listener.Start(); err != nil {
		return err
	}
	log.Info("axmqd: listening", "addr", cfg.ListenAddr, "tls", listenerCfg.TLSConfig != nil)

	<-ctx.Done()
	log.Info("axmqd: shutting down", "drain", cfg.GracefulShutdownTimeout)

	hub.Shutdown(encoding.ReasonServerShuttingDown, cfg.GracefulShutdownTimeout)
	return listener.Close()
}
