package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vyrodovalexey/loggate/internal/config"
	"github.com/vyrodovalexey/loggate/internal/gate"
	"github.com/vyrodovalexey/loggate/internal/jsonapi"
	"github.com/vyrodovalexey/loggate/internal/logging"
	"github.com/vyrodovalexey/loggate/internal/metrics"
	"github.com/vyrodovalexey/loggate/internal/netorigin"
)

// application holds all application components.
type application struct {
	log           *logging.Logger
	registry      *logging.Registry
	hub           *logging.Hub
	settings      *loggerSettings
	dispatcher    *config.Dispatcher
	origin        *netorigin.Origin
	gate          *gate.Gate
	metricsServer *metrics.Server
	watcher       *config.Watcher

	unsubscribe func()
	hubCancel   context.CancelFunc
}

// newApplication wires every component around cfg. configPath may be empty,
// in which case settings are not watched.
func newApplication(cfg *config.Config, registry *logging.Registry, configPath string) (*application, error) {
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(promRegistry)

	hub := logging.NewHub(cfg.Logger.BufferSize, logging.WithHubMetrics(collector))

	origin, err := netorigin.New(cfg.Network)
	if err != nil {
		return nil, fmt.Errorf("network settings: %w", err)
	}

	factory := jsonapi.NewFactory(registry, hub,
		jsonapi.WithVersion(version),
		jsonapi.WithMetrics(collector),
	)
	g := gate.New(gate.ConfigFromSettings(cfg.JSONServer), origin, factory, gate.WithMetrics(collector))

	app := &application{
		log:           registry.Get("LOGGATE"),
		registry:      registry,
		hub:           hub,
		settings:      newLoggerSettings(registry, hub),
		dispatcher:    config.NewDispatcher(cfg),
		origin:        origin,
		gate:          g,
		metricsServer: metrics.NewServer(metrics.ServerConfigFromSettings(cfg.Metrics), promRegistry, nil),
	}

	app.dispatcher.Register(app.settings)
	app.dispatcher.Register(origin)
	app.dispatcher.Register(g)
	app.dispatcher.Register(app.metricsServer)

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, app.dispatcher,
			config.WithLogger(registry.Get("CONFIG")))
		if err != nil {
			app.log.Warningf("Failed to create config watcher: %v", err)
		} else {
			app.watcher = watcher
		}
	}

	return app, nil
}

// start brings every component up. Listener failures are logged and leave
// the rest of the process running.
func (a *application) start(ctx context.Context) {
	a.settings.HandleSettingsUpdate(config.SectionLogger, a.dispatcher.Current())

	a.unsubscribe = a.registry.Subscribe(a.hub)
	hubCtx, cancel := context.WithCancel(context.Background())
	a.hubCancel = cancel
	go func() {
		if err := a.hub.Run(hubCtx); err != nil && hubCtx.Err() == nil {
			a.log.Errorf("Log hub stopped: %v", err)
		}
	}()

	if err := a.gate.Start(); err != nil {
		a.log.Warningf("JSON server is not listening: %v", err)
	}
	if err := a.metricsServer.Start(); err != nil {
		a.log.Warningf("Metrics server is not running: %v", err)
	}

	// The watcher republishes the file, picking up edits made since it was
	// first loaded.
	if a.watcher != nil {
		if err := a.watcher.Start(ctx); err != nil {
			a.log.Warningf("Failed to start config watcher: %v", err)
		}
	}
}

// stop shuts components down in reverse order.
func (a *application) stop(ctx context.Context) {
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.log.Debugf("Config watcher stop: %v", err)
		}
	}

	if err := a.metricsServer.Stop(ctx); err != nil {
		a.log.Errorf("Failed to stop metrics server gracefully: %v", err)
	}

	if err := a.gate.Close(); err != nil {
		a.log.Errorf("Failed to close JSON server: %v", err)
	}

	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	if a.hubCancel != nil {
		a.hubCancel()
		select {
		case <-a.hub.Done():
		case <-ctx.Done():
		}
	}

	a.settings.sync()
}

// teardown runs after stop: it detaches every logger and releases the log
// output configured by the settings.
func (a *application) teardown() {
	a.registry.Close()
	a.settings.close()
}
