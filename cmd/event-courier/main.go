package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/szibis/event-courier/internal/client"
	"github.com/szibis/event-courier/internal/config"
	"github.com/szibis/event-courier/internal/health"
	"github.com/szibis/event-courier/internal/logging"
	"github.com/szibis/event-courier/internal/receiver"
	"github.com/szibis/event-courier/internal/router"
	"github.com/szibis/event-courier/internal/telemetry"
	"github.com/szibis/event-courier/internal/ticket"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.ParseFlags()

	if cfg.ShowHelp {
		config.PrintUsage(os.Stdout)
		os.Exit(0)
	}
	if cfg.ShowVersion {
		config.PrintVersion()
		os.Exit(0)
	}
	if cfg.ValidatePath != "" {
		result := config.ValidateFile(cfg.ValidatePath)
		fmt.Println(result.JSON())
		if !result.Valid {
			os.Exit(1)
		}
		os.Exit(0)
	}
	if err := cfg.Validate(); err != nil {
		logging.Fatal("invalid configuration", logging.F("error", err.Error()))
	}
	logging.SetVerbosity(logging.ParseLevel(cfg.LogLevel))

	if cfg.MemoryLimitRatio > 0 {
		limit, err := memlimit.SetGoMemLimitWithOpts(
			memlimit.WithRatio(cfg.MemoryLimitRatio),
			memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
		)
		if err != nil {
			logging.Warn("could not set GOMEMLIMIT", logging.F("error", err.Error()))
		} else {
			logging.Info("GOMEMLIMIT set", logging.F("bytes", limit, "ratio", cfg.MemoryLimitRatio))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, cfg.TelemetryConfig(), "event-courier", config.Version())
	if err != nil {
		logging.Fatal("failed to start telemetry", logging.F("error", err.Error()))
	}
	if tel.Enabled() {
		logging.SetHook(tel.NewLogHook())
	}

	var (
		resolver ticket.Resolver
		tickets  *ticket.StaticResolver
	)
	if cfg.TicketFile != "" {
		tickets, err = ticket.LoadFile(cfg.TicketFile)
		if err != nil {
			logging.Fatal("failed to load ticket file", logging.F("error", err.Error(), "path", cfg.TicketFile))
		}
		resolver = tickets
	}

	c, err := client.New(client.Config{
		Dir:                cfg.QueueDir,
		Endpoint:           cfg.Endpoint,
		DeviceID:           cfg.DeviceID,
		Values:             cfg.Runtime,
		Compression:        cfg.CompressionConfig(),
		StorageCompression: cfg.QueueCompress,
		TLS:                cfg.SenderTLSConfig(),
		ForceHTTP2:         cfg.ForceHTTP2,
		Workers:            cfg.Workers,
		TaskQueueSize:      cfg.TaskQueueSize,
		Resolver:           resolver,
	})
	if err != nil {
		logging.Fatal("failed to create client", logging.F("error", err.Error()))
	}
	if err := c.Start(); err != nil {
		logging.Fatal("failed to start client", logging.F("error", err.Error()))
	}

	rcv := receiver.NewHTTP(receiver.Config{
		Addr:   cfg.ListenAddr,
		Server: receiver.ServerConfig{MaxRequestBodySize: cfg.MaxRequestBodySize},
	}, c)

	checker := health.New(2 * time.Second)
	checker.RegisterReadiness("queue_dir", func(context.Context) error {
		return checkQueueDir(c.Store().Dir())
	})
	checker.RegisterReadiness("upload", func(context.Context) error {
		if s := c.State(); s != router.StateRunning {
			return fmt.Errorf("upload is %s", s)
		}
		return nil
	})
	checker.RegisterAdvisory("queue_quota", func(context.Context) error {
		q := c.Store().Quota()
		if q.Available() <= 0 {
			return fmt.Errorf("queue quota exhausted: %d of %d bytes used", q.Used(), q.Limit())
		}
		return nil
	})
	checker.RegisterAdvisory("receiver", func(context.Context) error {
		return rcv.HealthCheck()
	})

	statsMux := http.NewServeMux()
	statsMux.Handle("/metrics", promhttp.Handler())
	statsMux.HandleFunc("/live", checker.LiveHandler())
	statsMux.HandleFunc("/ready", checker.ReadyHandler())
	statsServer := &http.Server{
		Addr:              cfg.StatsAddr,
		Handler:           statsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := rcv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("receiver: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logging.Info("stats endpoint started", logging.F("addr", cfg.StatsAddr, "path", "/metrics"))
		if err := statsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("stats server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		watchReload(gctx, cfg, c, tickets)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("shutting down")
		checker.SetShuttingDown()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(rcv.Stop(sctx), statsServer.Shutdown(sctx))
	})

	logging.Info("event-courier started", logging.F(
		"listen_addr", cfg.ListenAddr,
		"stats_addr", cfg.StatsAddr,
		"endpoint", cfg.Endpoint,
		"queue_dir", cfg.QueueDir,
		"tickets", tickets != nil,
	))

	if err := g.Wait(); err != nil {
		logging.Error("server error", logging.F("error", err.Error()))
	}

	if err := c.Close(); err != nil {
		logging.Error("client shutdown error", logging.F("error", err.Error()))
	}
	sctx, cancel := context.WithTimeout(context.Background(), tel.ShutdownTimeout())
	defer cancel()
	if err := tel.Shutdown(sctx); err != nil {
		logging.Error("telemetry shutdown error", logging.F("error", err.Error()))
	}
	logging.Info("shutdown complete")
}

// watchReload re-reads the config and ticket files on SIGHUP until ctx ends.
func watchReload(ctx context.Context, cfg *config.Config, c *client.Client, tickets *ticket.StaticResolver) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			reload(cfg, c, tickets)
		}
	}
}

func reload(cfg *config.Config, c *client.Client, tickets *ticket.StaticResolver) {
	if tickets != nil {
		if err := tickets.Reload(); err != nil {
			logging.Error("ticket reload failed", logging.F("error", err.Error()))
		} else {
			logging.Info("tickets reloaded", logging.F("path", cfg.TicketFile))
		}
	}
	if cfg.ConfigFile == "" {
		return
	}

	y, err := config.LoadYAML(cfg.ConfigFile)
	if err != nil {
		logging.Error("config reload failed", logging.F("error", err.Error(), "path", cfg.ConfigFile))
		return
	}
	if err := c.Settings().Replace(y.RuntimeValues()); err != nil {
		logging.Error("config reload rejected", logging.F("error", err.Error(), "path", cfg.ConfigFile))
		return
	}
	if y.Sender.Endpoint != "" && y.Sender.Endpoint != cfg.Endpoint {
		if err := c.SetEndpoint(y.Sender.Endpoint); err == nil {
			cfg.Endpoint = y.Sender.Endpoint
		}
	}
	logging.SetVerbosity(logging.ParseLevel(y.Logging.Level))
	logging.Info("config reloaded", logging.F("path", cfg.ConfigFile))
}

func checkQueueDir(dir string) error {
	f, err := os.CreateTemp(dir, ".ready-*")
	if err != nil {
		return fmt.Errorf("queue directory not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
