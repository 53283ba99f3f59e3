package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kingrea/coleta/internal/bridge"
	"github.com/kingrea/coleta/internal/tui"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the workflow headless behind the local HTTP bridge",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := bootstrap(ctx, projectDir, tui.NewHeadlessSurface())
		if err != nil {
			return err
		}
		defer rt.Close()

		settings := bridge.SettingsFromConfig(rt.cfg)
		settings.Enabled = true
		if servePort > 0 {
			settings.Port = servePort
		}
		srv, err := bridge.NewServer(settings, rt.engine, bridge.WithLogger(rt.logger))
		if err != nil {
			return err
		}
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer shutdownBridge(srv)
		fmt.Fprintf(cmd.OutOrStdout(), "coleta bridge listening on %s (stage %s)\n", srv.BaseURL(), rt.engine.Stage())
		<-ctx.Done()
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Override the bridge port")
	rootCmd.AddCommand(serveCmd)
}

