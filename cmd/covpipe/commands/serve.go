package commands

import (
	log "log/slog"

	"github.com/spf13/cobra"

	"github.com/covpipe/covpipe/cassandra"
	"github.com/covpipe/covpipe/redis"
	"github.com/covpipe/covpipe/restapi"
)

// NewServeCommand creates the serve subcommand: run the ops HTTP API
// (health, metrics, commit inspection, upload intake).
func NewServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ops HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := LoadSettings()
			if err != nil {
				return err
			}
			if addr != "" {
				s.API.Addr = addr
			}

			st, err := buildStack(s)
			if err != nil {
				return err
			}
			defer redis.CloseConnection()
			defer cassandra.CloseConnection()

			restapi.Bind(&restapi.Service{
				Pipeline: st.Pipeline,
				Cache:    st.Cache,
				Queues:   s.Worker.Queues,
			})

			log.Info("ops api starting", "addr", s.API.Addr)
			return restapi.Run(s.API.Addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}
