package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"symq/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve queries over HTTP",
		Long: `Serve the symbolication, disassembly and source endpoints over HTTP until
interrupted. Prometheus metrics are exposed at /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen != "" {
				a.cfg.Server.Listen = listen
			}

			p, closeProvider, err := a.provider()
			if err != nil {
				return err
			}
			defer func() {
				if err := closeProvider(); err != nil {
					a.logger.Warn("close provider", "err", err)
				}
			}()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			d, err := a.dispatcher(p, reg)
			if err != nil {
				return err
			}

			srv := server.New(d, server.Options{
				MaxBodyBytes: a.cfg.Server.MaxBodyBytes,
				Gatherer:     reg,
				Logger:       a.logger.Logger,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.ListenAndServe(ctx, a.cfg.Server.Listen)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Address to listen on, overrides server.listen")
	return cmd
}
