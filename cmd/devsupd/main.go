// Command devsupd is the supervisor daemon: it loads configuration,
// wires every component, serves the command surface, and on signal
// force-kills every supervised session's process group. Grounded on the
// teacher's cmd/wtd/main.go shape (cobra root, signal.NotifyContext,
// graceful shutdown on ctx.Done).
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/devsupd/devsupd/internal/clockid"
	"github.com/devsupd/devsupd/internal/command"
	"github.com/devsupd/devsupd/internal/config"
	"github.com/devsupd/devsupd/internal/eventbus"
	"github.com/devsupd/devsupd/internal/kvstore"
	"github.com/devsupd/devsupd/internal/logexport"
	"github.com/devsupd/devsupd/internal/logger"
	"github.com/devsupd/devsupd/internal/logstore"
	"github.com/devsupd/devsupd/internal/ports"
	"github.com/devsupd/devsupd/internal/session"
	"github.com/devsupd/devsupd/internal/supervisor"
	"github.com/devsupd/devsupd/internal/transport"
)

func main() {
	var configPath string
	var logLevel string

	root := &cobra.Command{
		Use:   "devsupd",
		Short: "local development-process supervisor daemon",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default $DEVSUPD_CONFIG or ~/.devsupd/config.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath, logLevel string) error {
	if configPath == "" {
		p, err := config.Path()
		if err != nil {
			return fmt.Errorf("resolve config path: %w", err)
		}
		configPath = p
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := logger.New(logLevel, filepath.Join(cfg.DataDir, "devsupd.log"))
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLog()

	watcher, err := config.WatchPatterns(cfg, log.With("component", "config"))
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	clock := clockid.System()

	kv, err := kvstore.Open(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("open kvstore: %w", err)
	}
	defer kv.Close()

	portReg, err := ports.Open(kv, clock, log.With("component", "ports"))
	if err != nil {
		return fmt.Errorf("open port registry: %w", err)
	}

	logs := logstore.New(clock, logstore.DefaultEntryCap, logstore.DefaultByteCap)
	bus := eventbus.New(eventbus.DefaultSubscriberBound)

	supCfg := supervisor.Config{
		ReadyTimeout: cfg.ReadyTimeout,
		GracePeriod:  cfg.GracePeriod,
		RestartDelay: cfg.RestartDelay,
		MaxRestarts:  cfg.MaxRestarts,
		ReadChunk:    64 * 1024,
	}
	sup := supervisor.New(supCfg, logs, bus, clock, log.With("component", "supervisor"))

	sessCfg := session.DefaultConfig()
	sessCfg.MaxSessions = cfg.MaxSessions
	sessions := session.New(sessCfg, clock, portReg, logs, sup, bus)

	export, err := logexport.Open(filepath.Join(cfg.DataDir, "logs.export.db"))
	if err != nil {
		return fmt.Errorf("open log export database: %w", err)
	}
	defer export.Close()

	surface := command.New(sessions, logs, bus, portReg, export)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	if cfg.Listen.Socket != "" {
		srv := transport.NewServer(surface, cfg.Listen.Socket)
		go func() {
			log.Info("listening", "socket", cfg.Listen.Socket)
			errCh <- srv.ListenAndServe(ctx)
		}()
	}
	if cfg.Listen.HTTP != "" {
		ln, err := net.Listen("tcp", cfg.Listen.HTTP)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Listen.HTTP, err)
		}
		srv := transport.NewServer(surface, "")
		go func() {
			log.Info("listening", "http", cfg.Listen.HTTP)
			errCh <- srv.Serve(ctx, ln)
		}()
	}

	if cfg.GCOrphansOnStartup {
		released := portReg.GCOrphans()
		if len(released) > 0 {
			log.Info("garbage collected orphaned port allocations", "count", len(released), "ports", released)
		}
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down, stopping all sessions")
		stopped, failed := sessions.StopAll(true)
		log.Info("sessions stopped", "stopped", stopped, "failed", failed)
		return nil
	case err := <-errCh:
		return err
	}
}
