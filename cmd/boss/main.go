// Command boss submits a batch of numbers to a cspool worker pool, squaring each one
// after a delay, and logs the results in either gathering or streaming mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/go-pkgz/cspool"
	"github.com/go-pkgz/cspool/metrics"
	"github.com/go-pkgz/cspool/middleware"
)

func main() {
	cfg, err := setupConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger := setupLogger(cfg.Debug)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func setupConfig(args []string) (config, error) {
	fs := flag.NewFlagSet("boss", flag.ContinueOnError)
	configFile := fs.String("config", "", "yaml config file")
	workers := fs.Int("workers", 0, "number of workers, 0 for cpu count")
	queue := fs.Int("queue", -1, "submission queue capacity, -1 for unbounded")
	mode := fs.String("mode", "", "gather or stream")
	items := fs.Int("items", -1, "number of items to submit")
	delay := fs.Duration("delay", 0, "processing delay per item")
	metricsAddr := fs.String("metrics-addr", "", "serve prometheus metrics on this address")
	debug := fs.Bool("debug", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		return config{}, err
	}

	// explicitly set flags override the file
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "workers":
			cfg.Workers = *workers
		case "queue":
			if *queue < 0 {
				cfg.QueueCapacity = nil
				return
			}
			cfg.QueueCapacity = queue
		case "mode":
			cfg.Mode = *mode
		case "items":
			cfg.Items = *items
		case "delay":
			cfg.Delay = *delay
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "debug":
			cfg.Debug = *debug
		}
	})
	return cfg, cfg.validate()
}

func setupLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func poolOptions(cfg config, logger *slog.Logger, m *metrics.Value) []cspool.Option {
	opts := []cspool.Option{cspool.WithLogger(logger), cspool.WithMetrics(m)}
	if cfg.Workers > 0 {
		opts = append(opts, cspool.WithWorkers(cfg.Workers))
	}
	if cfg.QueueCapacity != nil {
		opts = append(opts, cspool.WithQueueCapacity(*cfg.QueueCapacity))
	}
	return opts
}

func makeWorker(delay time.Duration) cspool.Worker[int, int] {
	return cspool.WorkerFunc[int, int](func(ctx context.Context, v int) (int, error) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(delay):
		}
		return v * v, nil
	})
}

func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	m := metrics.New()
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, m, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	worker := makeWorker(cfg.Delay)
	mw := []cspool.Middleware[int, int]{
		middleware.Logger[int, int](logger),
		middleware.Timeout[int, int](cfg.Delay + time.Second),
	}

	var err error
	switch cfg.Mode {
	case modeStream:
		err = runStream(ctx, cfg, worker, mw, logger, m)
	default:
		err = runGather(ctx, cfg, worker, mw, logger, m)
	}
	if err != nil {
		return err
	}

	st := m.Stats()
	logger.Info("pool finished", "mode", cfg.Mode, "submitted", st.Submitted, "processed", st.Processed,
		"errors", st.Errors, "quits", st.Quits, "total_time", st.TotalTime.String())
	return nil
}

func runGather(ctx context.Context, cfg config, worker cspool.Worker[int, int], mw []cspool.Middleware[int, int],
	logger *slog.Logger, m *metrics.Value) error {
	p, err := cspool.NewGathering[int, int](worker, poolOptions(cfg, logger, m)...)
	if err != nil {
		return fmt.Errorf("make pool: %w", err)
	}
	p.Use(mw...)
	if err := p.Go(ctx); err != nil {
		return fmt.Errorf("start pool: %w", err)
	}

	for i := range cfg.Items {
		if err := p.Submit(ctx, i); err != nil {
			// stop workers, results of accepted items are dropped
			_, finErr := p.Finish(ctx)
			return errors.Join(fmt.Errorf("submit %d: %w", i, err), finErr)
		}
		logger.Debug("sent", "item", i)
	}

	results, err := p.Finish(ctx)
	if err != nil {
		return fmt.Errorf("finish pool: %w", err)
	}
	for _, r := range results {
		logResult(logger, r)
	}
	return nil
}

func runStream(ctx context.Context, cfg config, worker cspool.Worker[int, int], mw []cspool.Middleware[int, int],
	logger *slog.Logger, m *metrics.Value) error {
	s, err := cspool.NewStream[int, int](worker, poolOptions(cfg, logger, m)...)
	if err != nil {
		return fmt.Errorf("make pool: %w", err)
	}
	s.Use(mw...)
	if err := s.Go(ctx); err != nil {
		return fmt.Errorf("start pool: %w", err)
	}

	submitErr := make(chan error, 2)
	go func() {
		defer close(submitErr)
		for i := range cfg.Items {
			if err := s.Submit(ctx, i); err != nil {
				submitErr <- fmt.Errorf("submit %d: %w", i, err)
				break
			}
			logger.Debug("sent", "item", i)
		}
		if err := s.Finish(); err != nil {
			submitErr <- fmt.Errorf("finish pool: %w", err)
		}
	}()

	for r := range s.Results() {
		logResult(logger, r)
	}
	return errors.Join(<-submitErr, <-submitErr)
}

func logResult(logger *slog.Logger, r cspool.Result[int]) {
	if r.Err != nil {
		logger.Warn("result", "worker", r.WorkerID, "error", r.Err)
		return
	}
	logger.Info("result", "worker", r.WorkerID, "value", r.Value)
}

func serveMetrics(addr string, m *metrics.Value, logger *slog.Logger) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector("boss", m))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
