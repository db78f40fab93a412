// Command cavern runs one live voice session against the configured remote
// agent: microphone in, synthesized speech out, transcript turns and
// incident notices on stdout, until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cavernlabs/cavern/internal/config"
	"github.com/cavernlabs/cavern/internal/dispatch"
	"github.com/cavernlabs/cavern/internal/observe"
	"github.com/cavernlabs/cavern/internal/session"
	"github.com/cavernlabs/cavern/pkg/audio/device"
	"github.com/cavernlabs/cavern/pkg/incident"
	"github.com/cavernlabs/cavern/pkg/incident/postgres"
	"github.com/cavernlabs/cavern/pkg/transport"
	"github.com/cavernlabs/cavern/pkg/transport/gemini"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "cavern.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("cavern exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "cavern",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(sctx); err != nil {
			slog.Warn("metrics shutdown", "error", err)
		}
	}()
	metrics := observe.Default()

	store, closeStore, err := openStore(ctx, cfg.Incidents)
	if err != nil {
		return err
	}
	defer closeStore()

	dispatcher := dispatch.New(metrics)
	if err := dispatcher.Register(dispatch.IncidentTool(store, nil)); err != nil {
		return fmt.Errorf("registering incident tool: %w", err)
	}

	devices, err := device.NewContext()
	if err != nil {
		return fmt.Errorf("initialising audio devices: %w", err)
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := devices.Close(dctx); err != nil {
			slog.Warn("closing audio devices", "error", err)
		}
	}()

	var clientOpts []gemini.Option
	if cfg.Transport.Model != "" {
		clientOpts = append(clientOpts, gemini.WithModel(cfg.Transport.Model))
	}
	if cfg.Transport.BaseURL != "" {
		clientOpts = append(clientOpts, gemini.WithBaseURL(cfg.Transport.BaseURL))
	}
	client := gemini.New(cfg.Transport.APIKey, clientOpts...)

	sess := session.New(session.Config{
		Client:     client,
		Devices:    devices,
		Dispatcher: dispatcher,
		Session: transport.SessionConfig{
			Voice:        cfg.Session.Voice,
			Instructions: cfg.Session.Instructions,
		},
		ConnectTimeout:    cfg.Transport.ConnectTimeout.Std(),
		CaptureQueueDepth: cfg.Audio.CaptureQueueDepth,
		Metrics:           metrics,
	})

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		g.Go(func() error {
			slog.Info("serving metrics", "addr", cfg.Metrics.ListenAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		consumeNotices(gctx, sess)
		return nil
	})

	slog.Info("starting voice session", "version", version, "model", cfg.Transport.Model)
	if err := sess.Start(gctx); err != nil {
		stop()
		if werr := g.Wait(); werr != nil {
			slog.Warn("shutdown", "error", werr)
		}
		return fmt.Errorf("starting session: %w", err)
	}

	<-gctx.Done()
	slog.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sess.Stop(sctx); err != nil {
		slog.Warn("stopping session", "error", err)
	}

	return g.Wait()
}

// openStore builds the configured incident store and its cleanup.
func openStore(ctx context.Context, cfg config.IncidentsConfig) (incident.Store, func(), error) {
	switch cfg.Driver {
	case "postgres":
		store, err := postgres.NewStore(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres incident store: %w", err)
		}
		return store, store.Close, nil
	default:
		return incident.NewMemoryStore(), func() {}, nil
	}
}

// consumeNotices renders session notices for the terminal until ctx ends.
func consumeNotices(ctx context.Context, sess *session.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-sess.Notices():
			switch n := n.(type) {
			case session.StatusChanged:
				slog.Info("session status", "from", n.From, "to", n.To)
			case session.TurnFinal:
				fmt.Printf("[%s] %s\n", n.Turn.Speaker, n.Turn.Text)
				for _, c := range n.Turn.Citations {
					fmt.Printf("    source: %s (%s)\n", c.Title, c.URI)
				}
			case session.IncidentRecorded:
				fmt.Printf("[incident] %s at %s (%s)\n",
					n.Record.Description, n.Record.Location, n.Record.ID)
			case session.FailureNotice:
				slog.Error("session failure", "kind", n.Kind, "message", n.Message)
			}
		}
	}
}
