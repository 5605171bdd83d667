// Package app wires configuration, transport, storage, and the call
// coordinator into a running service.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/velacare/callwire/internal/call"
	"github.com/velacare/callwire/internal/config"
	"github.com/velacare/callwire/internal/history"
	"github.com/velacare/callwire/internal/httpapi"
	"github.com/velacare/callwire/internal/media"
	"github.com/velacare/callwire/internal/observability"
	"github.com/velacare/callwire/internal/peerwire"
	"github.com/velacare/callwire/internal/registry"
	"github.com/velacare/callwire/internal/tones"
)

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	Coordinator *call.Coordinator
	Recorder    history.Recorder
	Metrics     *observability.Metrics

	// Cleanup should be called on shutdown to release external resources
	// (relay connection, DB pool).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	recorder, err := history.NewRecorder(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("history recorder init failed: %w", err)
	}

	transport, err := peerwire.NewTransport(cfg.RelayURL)
	if err != nil {
		_ = recorder.Close()
		return nil, fmt.Errorf("relay transport init failed: %w", err)
	}

	coordinator := call.NewCoordinator(
		cfg.Identity,
		transport,
		registry.NewClient(cfg.RegistryURL),
		&media.DeviceAcquirer{},
		tones.NewPlayer(nil),
		recorder,
		metrics,
		call.Timings{
			NoAnswer:         cfg.NoAnswerTimeout,
			WatchdogInterval: cfg.WatchdogInterval,
			WatchdogGrace:    cfg.WatchdogGrace,
			PostEnd:          cfg.PostEndDelay,
		},
	)
	if err := coordinator.Start(ctx); err != nil {
		_ = transport.Close()
		_ = recorder.Close()
		return nil, fmt.Errorf("call coordinator start failed: %w", err)
	}

	api := httpapi.New(cfg, coordinator, recorder, metrics)

	cleanup := func() error {
		var errs []string
		if err := coordinator.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := transport.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := recorder.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:      cfg,
		API:         api,
		Coordinator: coordinator,
		Recorder:    recorder,
		Metrics:     metrics,
		Cleanup:     cleanup,
	}, nil
}
