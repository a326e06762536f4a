package main

import (
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-align/internal/config"
	"github.com/23skdu/longbow-align/internal/logger"
	"github.com/23skdu/longbow-align/internal/transport"
)

func newSinkCmd(cfg *config.Config) *cobra.Command {
	listen := ":3000"
	if cfg.FlightAddr != "" {
		listen = cfg.FlightAddr
	}

	cmd := &cobra.Command{
		Use:   "sink",
		Short: "Collect alignments over Arrow Flight and serve Prometheus metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSink(listen, cfg.MetricsAddr)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", listen, "Flight listen address")
	cmd.Flags().StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Address to serve Prometheus metrics (empty disables)")
	return cmd
}

func runSink(listen, metricsAddr string) error {
	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Log.Info("metrics serving", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Log.Error("metrics server error", "err", err)
			}
		}()
	}

	sink := transport.NewSink()
	if err := sink.Listen(listen); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Log.Info("interrupt received, shutting down")
		sink.Shutdown()
	}()

	return sink.Serve()
}
