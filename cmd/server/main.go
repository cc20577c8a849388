package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"ambulance/internal/api"
	"ambulance/internal/app"
	"ambulance/internal/config"
	"ambulance/internal/logger"
	"ambulance/internal/scheduler"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config (default $CONFIG_FILE or config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.New("ambulance-api", "INFO", false).Fatal(logger.Entry{Action: "startup", Message: "config load failed", Error: logger.Err(err)})
	}
	log := logger.New("ambulance-api", cfg.Log.Level, cfg.Log.Pretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	a, err := app.Build(startCtx, cfg, log)
	cancel()
	if err != nil {
		log.Fatal(logger.Entry{Action: "startup", Message: "wiring failed", Error: logger.Err(err)})
	}
	defer a.Close()

	var wg sync.WaitGroup
	background := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	background(func() { a.Hub.Run(ctx.Done()) })
	background(func() { a.Relay.Run(ctx) })
	background(func() { scheduler.NewRunner(a.Locker, log, a.Jobs()...).Run(ctx) })

	metrics := api.NewMetrics()
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(api.JSONLogger(log, metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	api.AttachRoutes(r, api.Deps{
		Store:    a.Store,
		Bookings: a.Bookings,
		Matcher:  a.Matcher,
		Payments: a.Payments,
		Fleet:    a.Fleet,
		Search:   a.Search,
		Hub:      a.Hub,
		Auth:     a.Auth,
		Metrics:  metrics,
		Health:   a.Health(),
		Log:      log,
	})

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}
	background(func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error(logger.Entry{Action: "shutdown", Message: "http shutdown failed", Error: logger.Err(err)})
		}
	})

	log.Info(logger.Entry{Action: "startup", Message: "ambulance API listening", Additional: map[string]any{
		"addr": cfg.HTTP.Addr, "auth": cfg.Auth.Mode, "bus": cfg.Events.Bus,
	}})
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error(logger.Entry{Action: "startup", Message: "server error", Error: logger.Err(err)})
		stop()
	}
	wg.Wait()
	log.Info(logger.Entry{Action: "shutdown", Message: "stopped"})
}
