package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/coleta/internal/bridge"
	"github.com/kingrea/coleta/internal/tui"
)

func runTUI(ctx context.Context, dir string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	surface := tui.NewMapSurface()
	rt, err := bootstrap(ctx, dir, surface)
	if err != nil {
		return err
	}
	defer rt.Close()

	srv, err := bridge.NewServer(bridge.SettingsFromConfig(rt.cfg), rt.engine, bridge.WithLogger(rt.logger))
	if err != nil {
		return err
	}
	switch err := srv.Start(ctx); {
	case err == nil:
		rt.journal.Info("Bridge listening on %s", srv.BaseURL())
		defer shutdownBridge(srv)
	case errors.Is(err, bridge.ErrDisabled):
	default:
		rt.logger.WithError(err).Warn("coleta.bridge_unavailable")
		rt.journal.Warn("Bridge unavailable: %v", err)
	}

	app, err := tui.NewApp(rt.engine, surface, tui.WithLogbook(rt.journal), tui.WithContext(ctx))
	if err != nil {
		return err
	}
	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("run TUI: %w", err)
	}
	return nil
}

func shutdownBridge(srv *bridge.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
