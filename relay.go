package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mkoskela/tether/internal/tabs"
)

// newRelayCmd builds the relay server command. The relay is a plain
// websocket fan-out hub: every frame from one instance is rebroadcast
// to all connected instances, which is all the coordination protocol
// needs.
func newRelayCmd() *cobra.Command {
	var flagListen string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the coordination relay server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger()

			listen := flagListen
			if listen == "" {
				listen = cfg.Tabs.RelayListen
			}

			srv := tabs.NewRelayServer(listen, logger)
			if err := srv.Start(); err != nil {
				return fmt.Errorf("starting relay: %w", err)
			}

			statusf(flagQuiet, "Relay listening on %s\n", srv.Addr())

			ctx := shutdownContext(cmd.Context(), logger)
			<-ctx.Done()

			return srv.Stop()
		},
	}

	cmd.Flags().StringVar(&flagListen, "listen", "", "listen address (defaults to tabs.relay_listen)")

	return cmd
}
