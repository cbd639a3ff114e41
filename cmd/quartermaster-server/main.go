// Command quartermaster-server runs the Reservation HTTP API, the
// Reconciliation Scheduler, and (if configured) the TeamCity CI Allocator
// over a shared bbolt store.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/usb-quartermaster/quartermaster/internal/allocator"
	"github.com/usb-quartermaster/quartermaster/internal/api"
	"github.com/usb-quartermaster/quartermaster/internal/ci/teamcity"
	"github.com/usb-quartermaster/quartermaster/internal/communicator"
	"github.com/usb-quartermaster/quartermaster/internal/config"
	"github.com/usb-quartermaster/quartermaster/internal/driverhub"
	"github.com/usb-quartermaster/quartermaster/internal/logging"
	"github.com/usb-quartermaster/quartermaster/internal/metrics"
	"github.com/usb-quartermaster/quartermaster/internal/plugin"
	"github.com/usb-quartermaster/quartermaster/internal/scheduler"
	"github.com/usb-quartermaster/quartermaster/internal/store"
)

func main() {
	fs := pflag.NewFlagSet("quartermaster-server", pflag.ExitOnError)
	config.BindFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
		return
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		os.Exit(1)
		return
	}

	cfg, err := config.Load(v)
	if err != nil {
		os.Exit(1)
		return
	}

	log := logging.New(cfg.Debug)

	registry := plugin.NewRegistry()
	for id, descriptor := range driverhub.Descriptors() {
		registry.Register(plugin.KindHostDriver, id, descriptor, nil)
	}

	hub := driverhub.New(registry, map[string]communicator.Factory{
		communicator.Identifier: communicator.New,
	})

	st, err := store.Open(cfg.DBPath, log)
	if err != nil {
		log.Error(err, "opening store", "path", cfg.DBPath)
		os.Exit(1)
		return
	}
	defer st.Close()

	alloc := allocator.New(st, hub, log)

	var ciAlloc *teamcity.Allocator
	if cfg.TeamCity != nil {
		ciAlloc = teamcity.New(st, alloc, *cfg.TeamCity, http.DefaultClient, log)
	}

	sched := scheduler.New(st, hub, alloc, ciAlloc, scheduler.Config{
		ReservationMax: cfg.ReservationMax,
		CheckinTimeout: cfg.CheckinTimeout,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		log.Error(err, "starting scheduler")
		os.Exit(1)
		return
	}
	defer sched.Stop()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	apiServer := api.New(st, alloc, ciAlloc, cfg.Auth, log)
	mux := http.NewServeMux()
	mux.Handle("/", apiServer.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", "address", cfg.ListenAddress)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error(err, "shutting down HTTP server")
		}
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			log.Error(err, "HTTP server exited")
			os.Exit(1)
			return
		}
	}
}
