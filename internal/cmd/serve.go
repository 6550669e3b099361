package cmd

import (
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harrison/foreman/internal/monitor"
	"github.com/harrison/foreman/internal/server"
)

// NewServeCommand creates the serve command: the HTTP API plus the
// background sweeps, running until interrupted.
func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the foreman API server and background sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			if problems := rt.cfg.Validate(); len(problems) > 0 {
				for _, p := range problems {
					rt.log.Errorf("config: %s", p)
				}
				return fmt.Errorf("invalid configuration")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Open the database up front so a bad path or a second server
			// instance fails before we start serving.
			if _, err := rt.pool.Get(ctx); err != nil {
				return err
			}
			if err := rt.eng.SeedTaskTypeDefaults(ctx); err != nil {
				return err
			}

			server.Version = Version

			mon := monitor.New(rt.eng, rt.pool, rt.cfg, rt.log)
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				mon.Run(ctx)
			}()

			srv := server.New(rt.eng, rt.cfg, rt.log)
			err = srv.Run(ctx)

			stop()
			wg.Wait()
			return err
		},
	}
}
