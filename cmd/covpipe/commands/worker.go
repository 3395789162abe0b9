package commands

import (
	log "log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/covpipe/covpipe/cassandra"
	"github.com/covpipe/covpipe/pipeline"
	"github.com/covpipe/covpipe/redis"
)

// NewWorkerCommand creates the worker subcommand: consume the broker
// queues and run pipeline tasks until interrupted.
func NewWorkerCommand() *cobra.Command {
	var queues []string
	var concurrency int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume broker queues and run pipeline tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := LoadSettings()
			if err != nil {
				return err
			}
			if len(queues) > 0 {
				s.Worker.Queues = queues
			}
			if concurrency > 0 {
				s.Worker.Concurrency = concurrency
			}

			st, err := buildStack(s)
			if err != nil {
				return err
			}
			defer redis.CloseConnection()
			defer cassandra.CloseConnection()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ex := pipeline.NewExecutor(st.Pipeline.Registry(), st.Cache)
			ex.Runner = st.Pipeline.Runner
			w := pipeline.NewWorker(st.Cache, ex, st.Router, s.Worker.Queues, s.Worker.Concurrency)

			log.Info("worker starting", "queues", s.Worker.Queues, "concurrency", s.Worker.Concurrency)
			return w.Run(ctx)
		},
	}

	cmd.Flags().StringSliceVar(&queues, "queues", nil, "broker queues to consume (overrides config)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "concurrent tasks per worker (overrides config)")
	return cmd
}
