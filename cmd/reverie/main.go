package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/reverie-audio/reverie/internal/api"
	"github.com/reverie-audio/reverie/internal/builtin"
	"github.com/reverie-audio/reverie/internal/config"
	"github.com/reverie-audio/reverie/internal/engine"
	"github.com/reverie-audio/reverie/internal/listen"
	"github.com/reverie-audio/reverie/internal/metrics"
	"github.com/reverie-audio/reverie/internal/sample"
	"github.com/reverie-audio/reverie/internal/sink"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging (text or json format, configurable level).
	logger := slog.New(cfg.SlogHandler(os.Stderr))
	slog.SetDefault(logger)

	slog.Info("starting reverie",
		"driver", cfg.Driver,
		"rate", cfg.Rate,
		"buffer", cfg.FramesPerBuf,
		"agent", cfg.Agent,
		"listen", cfg.Listen,
	)

	if err := run(cfg, logger); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Extract the embedded default sounds so the test agent has
	// something to play, and put them on the sample search path.
	soundsDir, err := builtin.ExtractSounds(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("extracting builtin sounds: %w", err)
	}
	dirs := append(cfg.SoundDirs(), soundsDir)
	store := sample.NewStore(dirs, logger)

	snk, err := newSink(cfg)
	if err != nil {
		return fmt.Errorf("opening audio driver %s: %w", cfg.Driver, err)
	}
	defer snk.Close()

	var listener engine.EventSource
	if cfg.Listen {
		l, err := listen.New(cfg.ListenPort, logger)
		if err != nil {
			return fmt.Errorf("starting event listener: %w", err)
		}
		listener = l
	}

	eng := engine.New(store, snk, engine.Options{
		MasterVolume:   cfg.MasterVolume,
		Listener:       listener,
		StatsInterval:  cfg.StatsInterval,
		VerboseErrors:  cfg.VerboseErrors,
		TrimThreshold:  cfg.TrimThreshold,
		TrimOffset:     cfg.TrimOffset,
		UnloadInterval: cfg.UnloadInterval,
		UnloadAge:      cfg.UnloadAge,
	}, logger)
	defer eng.Close()

	agentName := cfg.Agent
	if agentName == "" {
		agentName = "builtin.TestSound"
	}
	ag, err := builtin.Create(agentName, cfg.AgentArgs)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}
	if err := eng.Bootstrap(ag); err != nil {
		return fmt.Errorf("scheduling agent %q: %w", agentName, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Admin API: stats, event injection, prometheus scrape.
	if cfg.HTTPPort > 0 {
		srv := &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
			Handler:           api.NewServer(eng, metrics.NewCollector(eng), logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("admin api listening", "port", cfg.HTTPPort)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("admin api failed", "error", err)
			}
		}()
		defer func() {
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shutCancel()
			srv.Shutdown(shutCtx)
		}()
	}

	err = snk.Run(ctx, eng)
	switch {
	case err == nil:
		slog.Info("soundscape finished")
		return nil
	case errors.Is(err, context.Canceled):
		slog.Info("interrupted")
		return nil
	default:
		return err
	}
}

// newSink builds the configured audio driver.
func newSink(cfg *config.Config) (sink.Sink, error) {
	maxFrames := int64(cfg.Duration * float64(cfg.Rate))
	switch cfg.Driver {
	case "portaudio":
		return sink.NewPortAudio(cfg.Rate, cfg.FramesPerBuf)
	case "wav":
		s, err := sink.NewWAV(cfg.Device, cfg.Rate, cfg.FramesPerBuf)
		if err != nil {
			return nil, err
		}
		s.MaxFrames = maxFrames
		return s, nil
	case "raw":
		s, err := sink.NewRaw(cfg.Device, cfg.Rate, cfg.FramesPerBuf)
		if err != nil {
			return nil, err
		}
		s.MaxFrames = maxFrames
		return s, nil
	case "null":
		s := sink.NewNull(cfg.Rate, cfg.FramesPerBuf)
		s.MaxFrames = maxFrames
		return s, nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}
