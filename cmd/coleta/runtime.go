package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/kingrea/coleta/internal/backend"
	"github.com/kingrea/coleta/internal/collect"
	"github.com/kingrea/coleta/internal/config"
	"github.com/kingrea/coleta/internal/geocode"
	"github.com/kingrea/coleta/internal/httpx"
	"github.com/kingrea/coleta/internal/location"
	"github.com/kingrea/coleta/internal/logbook"
	"github.com/kingrea/coleta/internal/logging"
	"github.com/kingrea/coleta/internal/route"
	"github.com/kingrea/coleta/internal/status"
	"github.com/kingrea/coleta/internal/workflow/engine"
)

// runtime holds everything one session needs.
type runtime struct {
	cfg     *config.Config
	logger  *logging.Logger
	journal *logbook.Logbook
	backend *backend.Client
	engine  *engine.Engine
}

// loadConfig prepares .coleta and opens the log file.
func loadConfig(dir string) (*config.Config, *logging.Logger, error) {
	if err := config.InitDir(dir); err != nil {
		return nil, nil, fmt.Errorf("initialize .coleta directory: %w", err)
	}
	cfg, err := config.NewConfig(dir)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(dir)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newBackend(cfg *config.Config, logger *logging.Logger) (*backend.Client, error) {
	names, err := collect.ParseStatusNames(cfg.Project.Backend.StatusNames)
	if err != nil {
		return nil, fmt.Errorf("backend.status_names: %w", err)
	}
	return backend.New(cfg.Project.Backend.URL, cfg.Project.Backend.Token,
		backend.WithTimeout(cfg.Project.Backend.Timeout),
		backend.WithLogger(logger),
		backend.WithStatusNames(names),
	)
}

func breakerSettings(cfg config.BreakerConfig) httpx.BreakerSettings {
	return httpx.BreakerSettings{
		MaxRequests:  cfg.MaxRequests,
		Interval:     cfg.Interval,
		Timeout:      cfg.Timeout,
		MinRequests:  cfg.MinRequests,
		FailureRatio: cfg.FailureRatio,
	}
}

// bootstrap wires the engine with routes drawn on surface, then loads the
// directories and restores any saved run.
func bootstrap(ctx context.Context, dir string, surface route.Surface) (*runtime, error) {
	cfg, logger, err := loadConfig(dir)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: logger}
	if err := rt.wire(surface); err != nil {
		rt.Close()
		return nil, err
	}
	if err := rt.engine.Start(ctx); err != nil {
		// The lists can be reloaded from the UI.
		logger.WithError(err).Warn("coleta.initial_load_failed")
		rt.journal.Warn("Initial load failed: %v", err)
	}
	if err := rt.engine.Resume(ctx); err != nil && !errors.Is(err, engine.ErrStateNotFound) {
		logger.WithError(err).Warn("coleta.resume_failed")
		rt.journal.Warn("Could not resume the saved run: %v", err)
	}
	return rt, nil
}

func (rt *runtime) wire(surface route.Surface) error {
	cfg := rt.cfg.Project
	log := rt.logger

	journal, err := logbook.New(rt.cfg.JournalPath())
	if err != nil {
		return err
	}
	rt.journal = journal

	client, err := newBackend(rt.cfg, log)
	if err != nil {
		return err
	}
	rt.backend = client

	breakers := breakerSettings(cfg.Breaker)
	nominatim, err := geocode.NewNominatim(cfg.Geocoder.URL,
		geocode.WithUserAgent(cfg.Geocoder.UserAgent),
		geocode.WithEmail(cfg.Geocoder.Email),
		geocode.WithCountryCodes(cfg.Geocoder.CountryCodes),
		geocode.WithHTTPClient(&http.Client{Timeout: cfg.Geocoder.Timeout}),
		geocode.WithBreaker(httpx.NewBreaker("nominatim", breakers, log)),
		geocode.WithClientLogger(log),
	)
	if err != nil {
		return err
	}
	resolver, err := geocode.NewResolver(nominatim,
		geocode.WithCountry(cfg.Geocoder.Country),
		geocode.WithTimeout(cfg.Geocoder.Timeout),
		geocode.WithLogger(log),
	)
	if err != nil {
		return err
	}

	osrm, err := route.NewOSRM(cfg.Routing.URL,
		route.WithProfile(cfg.Routing.Profile),
		route.WithHTTPClient(&http.Client{Timeout: cfg.Routing.Timeout}),
		route.WithBreaker(httpx.NewBreaker("osrm", breakers, log)),
		route.WithEngineLogger(log),
	)
	if err != nil {
		return err
	}
	routes, err := route.NewComputer(surface, osrm,
		route.WithReadyFallback(cfg.Workflow.SurfaceReadyTimeout),
		route.WithLogger(log),
	)
	if err != nil {
		return err
	}

	locator, err := location.FromConfig(cfg.Location, &http.Client{Timeout: cfg.Backend.Timeout}, log)
	if err != nil {
		return err
	}

	var eng *engine.Engine
	syncer, err := status.NewSynchronizer(client,
		status.WithBestEffortTimeout(cfg.Workflow.BestEffortTimeout),
		status.WithWarningHandler(func(o status.Outcome) { eng.HandleWarning(o) }),
		status.WithLogger(log),
	)
	if err != nil {
		return err
	}
	eng, err = engine.New(engine.Deps{
		Directory: client,
		Locator:   locator,
		Geocoder:  resolver,
		Routes:    routes,
		Status:    syncer,
		Poller:    status.NewPoller(cfg.Workflow.PollInterval, status.WithPollerLogger(log)),
		Store:     engine.NewRepository(rt.cfg.StatePath()),
		Journal:   journal,
	}, engine.WithLogger(log))
	if err != nil {
		return err
	}
	rt.engine = eng
	return nil
}

// Close stops the engine, waits for best-effort calls and closes the log.
func (rt *runtime) Close() {
	if rt.engine != nil {
		rt.engine.Close()
		rt.engine.Wait()
	}
	_ = rt.logger.Close()
}
