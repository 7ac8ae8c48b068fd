package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"finagent/internal/server"
)

// sweeper is the part of the conversation store the janitor needs.
type sweeper interface {
	Sweep() int
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port < 0 || port > 65535 {
				return fmt.Errorf("port override %d must be a valid TCP port", port)
			}

			application, err := opts.buildApp(cmd)
			if err != nil {
				return err
			}
			defer application.Close()

			listen := application.Config.Server.Port
			if port != 0 {
				listen = port
			}

			srv, err := server.New(listen, server.Dependencies{
				Agent:         application.Agent,
				Insights:      application.Insights,
				Conversations: application.Conversations,
				Tools:         application.Tools,
			}, server.WithLogger(application.Logger), server.WithBanner(cmd.OutOrStdout()))
			if err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				return srv.Run(ctx)
			})
			g.Go(func() error {
				runJanitor(ctx, application.Conversations, application.Config.Conversations.SweepInterval, application.Logger)
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Override server port from configuration")
	return cmd
}

// runJanitor sweeps idle conversations every interval until ctx is done. A
// zero interval disables it.
func runJanitor(ctx context.Context, store sweeper, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := store.Sweep(); n > 0 {
				logger.Info("evicted idle conversations", "count", n)
			}
		}
	}
}
