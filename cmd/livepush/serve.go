package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/vango-dev/livepush/internal/bridge"
	"github.com/vango-dev/livepush/internal/config"
	"github.com/vango-dev/livepush/internal/console"
	"github.com/vango-dev/livepush/internal/errors"
	"github.com/vango-dev/livepush/internal/provider"
)

type serveFlags struct {
	config    string
	port      int
	address   string
	root      string
	entry     string
	admin     bool
	adminAddr string
	quiet     bool
}

func serveCmd() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge",
		Long: `Start the bridge and serve scripts to connected runtimes.

Configuration is read from livepush.json or livepush.yaml in the
current directory or a parent. Flags override file values. Without
a config file the current directory is served.

Runtime LOG and ERROR output is printed to the terminal. When the
admin server is enabled it also exposes the editor console,
/metrics and a small control API.

Examples:
  livepush serve
  livepush serve --port=9000 --root=./scripts
  livepush serve --admin --admin-addr=127.0.0.1:9001`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServeConfig(cmd, flags)
			if err != nil {
				return err
			}
			return runServe(cfg, flags.quiet)
		},
	}

	cmd.Flags().StringVarP(&flags.config, "config", "c", "", "Config file (default: search from the working directory)")
	cmd.Flags().IntVarP(&flags.port, "port", "p", 0, "Port to listen on (default from config, 8176)")
	cmd.Flags().StringVarP(&flags.address, "address", "a", "", "Address advertised to clients (default: first LAN IPv4)")
	cmd.Flags().StringVarP(&flags.root, "root", "r", "", "Script directory served by the fs source")
	cmd.Flags().StringVarP(&flags.entry, "entry", "e", "", "Entry file (default from config, index.lua)")
	cmd.Flags().BoolVar(&flags.admin, "admin", false, "Enable the admin server")
	cmd.Flags().StringVar(&flags.adminAddr, "admin-addr", "", "Admin server listen address")
	cmd.Flags().BoolVarP(&flags.quiet, "quiet", "q", false, "Do not print runtime output")

	return cmd
}

// loadServeConfig loads the config file, falling back to defaults when none
// exists, and applies command-line overrides.
func loadServeConfig(cmd *cobra.Command, flags serveFlags) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if flags.config != "" {
		cfg, err = config.LoadFile(flags.config)
	} else {
		cfg, err = config.LoadFromWorkingDir()
		if errors.HasCode(err, errors.CodeConfigNotFound) {
			cfg, err = config.New(), nil
		}
	}
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("port") {
		cfg.Port = flags.port
	}
	if flags.address != "" {
		cfg.Address = flags.address
	}
	if flags.root != "" {
		cfg.Source.Kind = config.SourceFS
		cfg.Source.Root = flags.root
	}
	if flags.entry != "" {
		cfg.EntryFile = flags.entry
	}
	if flags.admin {
		cfg.Admin.Enabled = true
	}
	if flags.adminAddr != "" {
		cfg.Admin.Address = flags.adminAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cfg *config.Config, quiet bool) error {
	logger := newLogger(cfg, os.Stderr)
	slog.SetDefault(logger)
	errors.SetJSON(cfg.Log.Format == "json")

	source, closer, err := newProvider(cfg, logger)
	if err != nil {
		return err
	}
	defer closer.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []bridge.Option{
		bridge.WithProvider(provider.NewTraced(source, provider.WithKind(cfg.Source.Kind))),
		bridge.WithPort(cfg.Port),
		bridge.WithEntryFile(cfg.EntryFile),
		bridge.WithOnboardingDelay(cfg.OnboardingDelayDuration()),
		bridge.WithLogger(logger.With("component", "bridge")),
		bridge.WithMetrics(bridge.NewMetrics(bridge.WithRegisterer(reg))),
	}
	if cfg.Address != "" {
		opts = append(opts, bridge.WithAddress(cfg.Address))
	}
	srv, err := bridge.New(opts...)
	if err != nil {
		return err
	}

	hub := console.NewHub(srv)
	hub.SetLogger(logger.With("component", "console"))
	defer hub.Close()
	if quiet {
		hub.Attach(srv)
	} else {
		attachTerminal(srv, hub)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	printBanner()
	fmt.Println()

	if err := srv.Start(ctx); err != nil {
		return err
	}
	success("Bridge listening on %s", srv.Addr())
	info("Entry: %s", srv.EntryURL())
	if cfg.Source.Kind == config.SourceS3 {
		info("Source: s3://%s/%s", cfg.Source.S3.Bucket, cfg.Source.S3.Prefix)
	} else {
		info("Source: %s", cfg.SourceRoot())
	}

	var admin *http.Server
	if cfg.Admin.Enabled {
		admin = &http.Server{
			Addr:              cfg.Admin.Address,
			Handler:           console.NewRouter(srv, hub, reg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errorMsg("Admin server: %v", err)
				cancel()
			}
		}()
		info("Console: ws://%s/console", cfg.Admin.Address)
		info("Metrics: http://%s/metrics", cfg.Admin.Address)
	}
	fmt.Println()

	<-ctx.Done()
	fmt.Println("\n\n  Shutting down...")

	if admin != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		admin.Shutdown(shutdownCtx)
	}
	srv.Stop()
	return nil
}

// newProvider builds the configured script source.
func newProvider(cfg *config.Config, logger *slog.Logger) (provider.CodeProvider, io.Closer, error) {
	switch cfg.Source.Kind {
	case config.SourceS3:
		s3cfg := cfg.Source.S3
		p := provider.NewS3(provider.NewS3Client(s3cfg.Region, s3cfg.Endpoint), provider.S3Options{
			Bucket:       s3cfg.Bucket,
			Prefix:       s3cfg.Prefix,
			PollInterval: cfg.S3PollInterval(),
			Logger:       logger,
		})
		return p, p, nil
	default:
		p, err := provider.NewFS(cfg.SourceRoot(), provider.FSOptions{
			Interval:   cfg.WatchInterval(),
			Ignore:     cfg.Source.Watch.Ignore,
			Extensions: cfg.Source.Watch.Extensions,
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return p, p, nil
	}
}

// attachTerminal echoes runtime events to the terminal and forwards them to
// the console hub.
func attachTerminal(srv *bridge.Server, hub *console.Hub) {
	prefix := func(path string) string {
		if path == "" {
			return ""
		}
		return colored("\033[90m", path) + " "
	}

	srv.OnLog(func(text, path string) {
		fmt.Printf("%s%s\n", prefix(path), text)
		hub.Log(text, path)
	})
	srv.OnError(func(text, path string) {
		errorMsg("%s%s", prefix(path), text)
		hub.Error(text, path)
	})
	srv.OnDevice(func(c bridge.ClientInfo) {
		if c.Device != nil {
			success("Device %s (%s) connected from %s", c.Device.Name, c.Device.Model, c.Remote)
		}
		hub.Device(c)
	})
	srv.OnClient(func(c bridge.ClientInfo, connected bool) {
		if connected {
			info("Client %d connected from %s", c.ID, c.Remote)
		} else {
			warn("Client %d disconnected", c.ID)
		}
		hub.Client(c, connected)
	})
}
