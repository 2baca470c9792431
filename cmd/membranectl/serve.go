package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/joshuapare/membrane/internal/logging"
	"github.com/joshuapare/membrane/internal/metrics"
	"github.com/joshuapare/membrane/membrane"
)

var (
	serveListen   string
	serveInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve <scenario.yaml>",
	Short: "Loop a scenario through the membrane and serve Prometheus metrics",
	Long: `Serve replays the scenario continuously against one membrane
instance and exposes the resulting counters and gauges on /metrics.
Useful for soak runs and for exercising dashboards against known
violation workloads.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, err := loadScenario(args[0])
		if err != nil {
			return err
		}

		logger, err := logging.New("warn", "json")
		if err != nil {
			return err
		}
		defer logger.Sync()

		m := membrane.New(membrane.Options{Mode: sc.level(), Logger: logger})
		reg := prometheus.NewRegistry()
		coll := metrics.New(reg)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		go func() {
			ticker := time.NewTicker(serveInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := runScenario(m, sc, coll.ObserveResult); err != nil {
						logger.Error("replay failed: " + err.Error())
						return
					}
					coll.ObserveAudit(m.AuditTrail())
					coll.Scrape(m.Stats())
				}
			}
		}()

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: serveListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		printInfo("serving metrics on %s\n", serveListen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", ":9464", "Metrics listen address")
	serveCmd.Flags().DurationVar(&serveInterval, "interval", time.Second, "Replay interval")
	rootCmd.AddCommand(serveCmd)
}
