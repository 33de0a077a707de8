package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/sift/config"
	"github.com/migadu/sift/logger"
	serrors "github.com/migadu/sift/pkg/errors"
	"github.com/migadu/sift/pkg/health"
	"github.com/migadu/sift/pkg/metrics"
	"github.com/migadu/sift/relay"
	"github.com/migadu/sift/server/delivery"
	"github.com/migadu/sift/server/httpapi"
	"github.com/migadu/sift/store"
)

// handleServe runs the HTTP API until ctx is cancelled or a server fails,
// and returns the process exit code.
func handleServe(ctx context.Context) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	common := addCommonFlags(fs)
	fs.Usage = func() {
		fmt.Println("Usage: sift serve [--config config.toml]")
		fmt.Println("Runs the HTTP API. SIGHUP reloads the rule files.")
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[2:])
	cfg := common.load()

	errorHandler := serrors.NewErrorHandler()
	logger.Infof("Sift starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Infof("Logging format: %s, level: %s", cfg.Logging.Format, cfg.Logging.Level)

	if !cfg.HTTPAPI.Start {
		errorHandler.ValidationError("http_api.start", errors.New("HTTP API is disabled, nothing to serve"))
		return errorHandler.WaitForExit()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r, err := newRelay(cfg)
	if err != nil {
		errorHandler.ValidationError("relay", err)
		return errorHandler.WaitForExit()
	}
	d, err := newDriver(cfg, r)
	if err != nil {
		errorHandler.ConfigError(*common.configPath, err)
		return errorHandler.WaitForExit()
	}
	if errs := d.Check(); len(errs) > 0 {
		for _, e := range errs {
			logger.Warn("Rule will not run", "rule", e.Rule, "stage", e.Stage, "error", e.Error)
		}
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		d.Close()
		errorHandler.FatalError("open store", err)
		return errorHandler.WaitForExit()
	}
	defer st.Close()

	dl, err := delivery.New(st, d, cfg.Filter)
	if err != nil {
		d.Close()
		errorHandler.ValidationError("filter", err)
		return errorHandler.WaitForExit()
	}
	defer dl.Close()

	collector := metrics.NewCollector(st, 60*time.Second)
	go collector.Start(ctx)
	defer collector.Stop()

	monitor := health.NewMonitor()
	monitor.Register(health.StoreCheck(st.DB()))
	if r != nil {
		monitor.Register(health.BreakerCheck(r.Breaker()))
	}
	monitor.Start(ctx)
	defer monitor.Stop()

	errChan := make(chan error, 2)
	go httpapi.Start(ctx, dl, cfg.HTTPAPI, errChan, httpapi.WithHealth(monitor))
	if cfg.Metrics.Enabled {
		go startMetricsServer(ctx, cfg.Metrics, errChan)
	}
	go watchReload(ctx, cfg, r, dl)

	go func() {
		select {
		case <-ctx.Done():
		case err := <-errChan:
			errorHandler.FatalError("server", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
		// Give the servers time to drain.
		time.Sleep(500 * time.Millisecond)
		return 0
	case code := <-waitExit(errorHandler):
		cancel()
		return code
	}
}

func waitExit(eh *serrors.ErrorHandler) <-chan int {
	ch := make(chan int, 1)
	go func() { ch <- eh.WaitForExit() }()
	return ch
}

// watchReload rebuilds the driver from the rule files on every SIGHUP.
// A rule set that fails to load leaves the running driver in place.
func watchReload(ctx context.Context, cfg config.Config, r *relay.SMTPRelay, dl *delivery.Deliverer) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			d, err := newDriver(cfg, r)
			if err != nil {
				logger.Error("Rule reload failed, keeping current rules", "error", err)
				continue
			}
			broken := len(d.Check())
			dl.SetDriver(d)
			logger.Info("Rules reloaded", "rules", len(d.Rules()), "broken", broken)
		}
	}
}

func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan error) {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Starting metrics server", "addr", cfg.Addr, "path", path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
