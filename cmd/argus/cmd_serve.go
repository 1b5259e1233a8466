package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	natsconn "github.com/wehubfusion/Argus/internal/nats"
	"github.com/wehubfusion/Argus/internal/tracing"
	"github.com/wehubfusion/Argus/pkg/concurrency"
	"github.com/wehubfusion/Argus/pkg/engine"
	"github.com/wehubfusion/Argus/pkg/metrics"
	"github.com/wehubfusion/Argus/pkg/orchestrator"
	"github.com/wehubfusion/Argus/pkg/service"
	"github.com/wehubfusion/Argus/pkg/storage"
)

// Environment variables enabling the report archive.
const (
	envAzureConnectionString = "ARGUS_AZURE_CONNECTION_STRING"
	envAzureContainer        = "ARGUS_AZURE_CONTAINER"
)

var serveFlags struct {
	pipeline        pipelineFlags
	prefix          string
	queue           string
	requestTimeout  time.Duration
	metricsAddr     string
	shutdownTimeout time.Duration
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve process requests over NATS",
	Long: `Subscribes to <prefix>.process in a queue group and answers every request
with the report of the run. Progress is published on <prefix>.progress.<runId>.

Prometheus metrics are exposed on --metrics-addr. Tracing is enabled when
ARGUS_OTLP_ENDPOINT is set. Reports are archived to Azure Blob Storage when
ARGUS_AZURE_CONNECTION_STRING is set.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	addPipelineFlags(serveCmd, &serveFlags.pipeline)
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.prefix, "prefix", envOr("ARGUS_SUBJECT_PREFIX", service.DefaultPrefix), "Subject prefix for process and progress subjects")
	f.StringVar(&serveFlags.queue, "queue", service.DefaultQueue, "Queue group shared by service instances")
	f.DurationVar(&serveFlags.requestTimeout, "request-timeout", service.DefaultRequestTimeout, "Upper bound of a single run")
	f.StringVar(&serveFlags.metricsAddr, "metrics-addr", envOr("ARGUS_METRICS_ADDR", ":9090"), "Prometheus listen address (empty disables)")
	f.DurationVar(&serveFlags.shutdownTimeout, "shutdown-timeout", 30*time.Second, "Time allowed for in-flight runs on shutdown")
}

func runServe(cmd *cobra.Command, _ []string) error {
	undo := concurrency.InitializeForKubernetes(logger)
	defer undo()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing(ctx)
	if err != nil {
		return err
	}
	defer tracing.ShutdownTracing(shutdownTracing, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewPrometheus(registry)

	conn, err := serveFlags.pipeline.connect(ctx)
	if err != nil {
		return err
	}
	defer natsconn.Close(conn)

	env := concurrency.LoadConfig()
	logger.Info("Concurrency configured", zap.String("config", env.String()))
	limiter := concurrency.NewLimiterWithCircuitBreaker(env.MaxInflight, concurrency.NewCircuitBreaker(10, 30*time.Second))

	pl, err := serveFlags.pipeline.build(conn, engine.WithLimiter(limiter), engine.WithMetrics(recorder))
	if err != nil {
		return err
	}

	orchOpts := []orchestrator.Option{orchestrator.WithMetrics(recorder)}
	archive, err := reportArchive()
	if err != nil {
		return err
	}
	if archive != nil {
		orchOpts = append(orchOpts, orchestrator.WithArchive(archive))
	}

	svc, err := service.New(conn, pl.orchestrator(orchOpts...), service.Config{
		Prefix:         serveFlags.prefix,
		Queue:          serveFlags.queue,
		RequestTimeout: serveFlags.requestTimeout,
		MaxInflight:    env.MaxInflight,
	}, service.WithLogger(logger.Named("service")))
	if err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if serveFlags.metricsAddr != "" {
		metricsSrv = serveMetrics(serveFlags.metricsAddr, registry)
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received, stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serveFlags.shutdownTimeout)
	defer cancel()

	if err := svc.Stop(shutdownCtx); err != nil {
		logger.Warn("Service did not stop cleanly", zap.Error(err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown failed", zap.Error(err))
		}
	}
	return nil
}

func setupTracing(ctx context.Context) (func(context.Context) error, error) {
	cfg, enabled, err := tracing.LoadConfig("argus", version)
	if err != nil {
		return nil, err
	}
	if !enabled {
		logger.Info("Tracing disabled", zap.String("hint", "set "+tracing.EnvEndpoint))
		return nil, nil
	}
	return tracing.SetupTracing(ctx, cfg, logger)
}

func reportArchive() (*storage.ReportArchive, error) {
	connStr := os.Getenv(envAzureConnectionString)
	if connStr == "" {
		return nil, nil
	}
	store, err := storage.NewAzureBlobStore(connStr, envOr(envAzureContainer, "argus-reports"), logger.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("report archive: %w", err)
	}
	return storage.NewReportArchive(store, logger.Named("archive")), nil
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("Serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
