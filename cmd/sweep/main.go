// Command sweep runs every periodic job once and drains the outbox, for
// deployments that trigger maintenance from an external cron.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ambulance/internal/app"
	"ambulance/internal/config"
	"ambulance/internal/logger"
	"ambulance/internal/scheduler"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config (default $CONFIG_FILE or config.yaml)")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall deadline")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.New("ambulance-sweep", "INFO", false).Fatal(logger.Entry{Action: "startup", Message: "config load failed", Error: logger.Err(err)})
	}
	log := logger.New("ambulance-sweep", cfg.Log.Level, cfg.Log.Pretty)
	if cfg.Database.URL == "" {
		log.Fatal(logger.Entry{Action: "startup", Message: "sweep needs DATABASE_URL", Error: logger.Err(app.ErrNoDatabase)})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal(logger.Entry{Action: "startup", Message: "wiring failed", Error: logger.Err(err)})
	}
	defer a.Close()

	runErr := scheduler.NewRunner(a.Locker, log, a.Jobs()...).RunOnce(ctx)
	sent, drainErr := a.Relay.Drain(ctx)
	if drainErr != nil {
		log.Error(logger.Entry{Action: "outbox_drain", Message: "outbox drain failed", Error: logger.Err(drainErr)})
	}
	log.Info(logger.Entry{Action: "sweep", Message: "sweep finished", Additional: map[string]any{"outbox_sent": sent}})
	if runErr != nil || drainErr != nil {
		a.Close()
		os.Exit(1)
	}
}
