// Package app assembles the services from configuration. The server and the
// one-shot sweep binary share it so both run the same wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"ambulance/internal/auth"
	"ambulance/internal/booking"
	"ambulance/internal/config"
	"ambulance/internal/dispatch"
	"ambulance/internal/fleet"
	"ambulance/internal/geo"
	"ambulance/internal/logger"
	"ambulance/internal/matching"
	"ambulance/internal/outbox"
	"ambulance/internal/payment"
	"ambulance/internal/scheduler"
	"ambulance/internal/storage"
)

const idempotencyTTL = 24 * time.Hour

type App struct {
	Config config.Config
	Log    *logger.Logger

	Store    dispatch.Store
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Hub      *dispatch.Hub
	Relay    *outbox.Relay
	Fleet    *fleet.Service
	Matcher  *matching.Matcher
	Payments *payment.Orchestrator
	Bookings *booking.Service
	Search   *scheduler.EmergencySearch
	Sweeper  *scheduler.Sweeper
	Auth     *auth.Store
	Locker   scheduler.Locker

	idempotency *storage.IdempotencyStore
	closers     []func()
}

// Build connects to whatever the configuration names. Postgres is required
// when a URL is set; Redis, the event bus and the archive degrade to
// in-process stand-ins with a warning.
func Build(ctx context.Context, cfg config.Config, log *logger.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log, Hub: dispatch.NewHub(log)}

	var (
		idem       dispatch.IdempotencyStore = storage.NewMemoryIdempotency(idempotencyTTL)
		identityDB auth.IdentityDB
	)
	if cfg.Database.URL != "" {
		pool, err := storage.Connect(ctx, cfg.Database.URL, storage.PoolOptions{
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
		}, 10, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		if err := storage.ApplySchema(ctx, pool, log); err != nil {
			a.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
		a.Pool = pool
		a.Store = storage.NewPostgres(pool)
		a.idempotency = storage.NewIdempotencyStore(pool, idempotencyTTL)
		idem = a.idempotency
		identityDB = storage.NewIdentityStore(pool)
		log.Info(logger.Entry{Action: "startup", Message: "using PostgreSQL persistence"})
	} else {
		a.Store = storage.NewMemory()
		log.Warn(logger.Entry{Action: "startup", Message: "DATABASE_URL not set, using in-memory store"})
	}

	var (
		locator  geo.Locator         = geo.NewInMemoryGeo()
		queue    scheduler.TaskQueue = scheduler.NewMemoryQueue()
		notifier dispatch.Notifier   = outbox.NewLogNotifier(log)
	)
	a.Locker = scheduler.NewMemoryLocker()
	if client := a.connectRedis(ctx); client != nil {
		a.Redis = client
		locator = geo.NewIndex(client)
		queue = scheduler.NewRedisQueue(client)
		a.Locker = scheduler.NewRedisLocker(client)
		notifier = outbox.NewRedisNotifier(client)
	}

	publishers := []outbox.Publisher{outbox.NewHubPublisher(a.Hub)}
	if p := a.connectBus(ctx); p != nil {
		publishers = append(publishers, p)
	}
	a.Relay = outbox.NewRelay(a.Store, notifier, outbox.Config{Batch: cfg.Events.RelayBatch, Every: cfg.Events.RelayEvery}, log, publishers...)

	a.Fleet = fleet.New(a.Store, locator, cfg.Dispatch.HeartbeatTTL, log)
	a.Matcher = matching.New(a.Store, a.Fleet, matching.Config{
		RadiusKm:       cfg.Dispatch.RadiusKm,
		Limit:          cfg.Dispatch.CandidateLimit,
		BroadcastLimit: cfg.Dispatch.BroadcastLimit,
		ClaimRetries:   cfg.Dispatch.ClaimRetries,
		AvgSpeedKmh:    cfg.Dispatch.AvgSpeedKmh,
	}, a.Relay, log)

	var gateway payment.Gateway
	if cfg.Payment.GatewayURL != "" {
		gateway = payment.NewHTTPGateway(cfg.Payment.GatewayURL, cfg.Payment.MerchantCode, cfg.Payment.APIKey, cfg.Payment.Timeout)
	} else {
		gateway = payment.NewFakeGateway()
		log.Warn(logger.Entry{Action: "startup", Message: "PAYMENT_GATEWAY_URL not set, using the fake gateway"})
	}
	var archive payment.Archive
	if cfg.Archive.Bucket != "" {
		s3, err := payment.NewS3Archive(cfg.Archive.Region, cfg.Archive.Bucket)
		if err != nil {
			log.Warn(logger.Entry{Action: "startup", Message: "callback archive disabled", Error: logger.Err(err)})
		} else {
			archive = s3
		}
	}
	a.Payments = payment.New(a.Store, gateway, archive, payment.Config{
		MerchantCode: cfg.Payment.MerchantCode,
		APIKey:       cfg.Payment.APIKey,
		CallbackURL:  cfg.Payment.CallbackURL,
		ReturnURL:    cfg.Payment.ReturnURL,
		DefaultTTL:   cfg.Payment.DefaultTTL,
		Prefixes: map[dispatch.PaymentType]string{
			dispatch.PaymentDownpayment: cfg.Payment.PrefixDown,
			dispatch.PaymentFinal:       cfg.Payment.PrefixFinal,
			dispatch.PaymentFull:        cfg.Payment.PrefixFull,
		},
	}, a.Relay, log)

	a.Search = scheduler.NewEmergencySearch(a.Store, queue, a.Matcher, a.Relay, scheduler.EmergencyConfig{
		NearestWindow:   cfg.Scheduler.NearestWindow,
		BroadcastWindow: cfg.Scheduler.BroadcastWindow,
		RetryEvery:      cfg.Scheduler.RetryEvery,
		BatchSize:       cfg.Scheduler.BatchSize,
	}, log)

	var router geo.Router
	if cfg.Routing.URL != "" {
		router = geo.NewHTTPRouter(cfg.Routing.URL, cfg.Routing.APIKey, cfg.Routing.Timeout)
	}
	a.Bookings = booking.New(booking.Deps{
		Store:       a.Store,
		Idempotency: idem,
		Assigner:    a.Matcher,
		Payments:    a.Payments,
		Search:      a.Search,
		Tracker:     a.Fleet,
		Distance:    geo.NewEstimator(router),
		Kicker:      a.Relay,
		Log:         log,
	}, booking.PricingFrom(cfg.Pricing), cfg.Dispatch.AvgSpeedKmh)

	a.Sweeper = scheduler.NewSweeper(a.Store, a.Bookings, a.Payments, notifier, scheduler.SweepConfig{
		PaymentTimeout: cfg.Scheduler.PaymentTimeout,
		ReminderWindow: cfg.Scheduler.ReminderWindow,
		BatchSize:      cfg.Scheduler.BatchSize,
	}, log)

	if cfg.Auth.Mode != "off" {
		store, err := auth.NewStore(cfg.Auth.Secret, cfg.Auth.TokenTTL, identityDB)
		if err != nil {
			a.Close()
			return nil, err
		}
		if cfg.Auth.Secret == config.Default().Auth.Secret {
			log.Warn(logger.Entry{Action: "startup", Message: "JWT_SECRET is the development default"})
		}
		a.Auth = store
		if identities, ok := identityDB.(*storage.IdentityStore); ok {
			seedIdentities(ctx, identities, store, log)
		}
	}
	return a, nil
}

func (a *App) connectRedis(ctx context.Context) *redis.Client {
	if a.Config.Redis.URL == "" {
		return nil
	}
	opt, err := redis.ParseURL(a.Config.Redis.URL)
	if err != nil {
		a.Log.Warn(logger.Entry{Action: "startup", Message: "redis URL parse error, using in-process geo and locks", Error: logger.Err(err)})
		return nil
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		a.Log.Warn(logger.Entry{Action: "startup", Message: "redis unreachable, using in-process geo and locks", Error: logger.Err(err)})
		client.Close()
		return nil
	}
	a.closers = append(a.closers, func() { client.Close() })
	a.Log.Info(logger.Entry{Action: "startup", Message: "using Redis geo index, locks and task queue"})
	return client
}

func (a *App) connectBus(ctx context.Context) outbox.Publisher {
	cfg := a.Config.Events
	switch cfg.Bus {
	case "amqp":
		p, err := outbox.DialAMQP(ctx, cfg.AMQPURL, cfg.Exchange, a.Log)
		if err != nil {
			a.Log.Warn(logger.Entry{Action: "startup", Message: "event bus unavailable, events stay local", Error: logger.Err(err)})
			return nil
		}
		a.closers = append(a.closers, p.Close)
		return p
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			a.Log.Warn(logger.Entry{Action: "startup", Message: "EVENT_BUS=kafka without KAFKA_BROKERS, events stay local"})
			return nil
		}
		p := outbox.NewKafkaPublisher(cfg.KafkaBrokers, a.Log)
		if err := p.EnsureTopics(ctx); err != nil {
			a.Log.Warn(logger.Entry{Action: "startup", Message: "kafka topics not ensured, relying on auto-create", Error: logger.Err(err)})
		}
		a.closers = append(a.closers, func() { p.Close() })
		return p
	}
	return nil
}

func seedIdentities(ctx context.Context, db *storage.IdentityStore, store *auth.Store, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	all, err := db.All(ctx)
	if err != nil {
		log.Warn(logger.Entry{Action: "startup", Message: "failed to preload identities", Error: logger.Err(err)})
		return
	}
	for _, ident := range all {
		store.Seed(ident)
	}
}

// Jobs are the periodic tasks, each leased by name so only one worker runs it.
func (a *App) Jobs() []scheduler.Job {
	sc := a.Config.Scheduler
	jobs := []scheduler.Job{
		scheduler.SweepJob("auto-cancel-unpaid", sc.SweepEvery, a.Sweeper.AutoCancelUnpaid),
		scheduler.SweepJob("overdue-downpayments", sc.SweepEvery, a.Sweeper.AutoCancelOverdueDownpayments),
		scheduler.SweepJob("payment-reminders", sc.ReminderEvery, a.Sweeper.PaymentReminders),
		scheduler.SweepJob("expire-payments", sc.SweepEvery, a.Sweeper.ExpireStalePayments),
		scheduler.SweepJob("emergency-search", sc.EmergencyEvery, a.Search.Tick),
		{Name: "prune-drivers", Every: sc.SweepEvery, Run: func(ctx context.Context) error {
			n, err := a.Fleet.PruneStale(ctx)
			if n > 0 {
				a.Log.Info(logger.Entry{Action: "prune-drivers", Message: "dropped stale drivers from the geo index", Additional: map[string]any{"count": n}})
			}
			return err
		}},
	}
	if a.idempotency != nil {
		jobs = append(jobs, scheduler.Job{Name: "purge-idempotency", Every: time.Hour, Run: func(ctx context.Context) error {
			_, err := a.idempotency.PurgeExpired(ctx, time.Now())
			return err
		}})
	}
	return jobs
}

// Health lists the dependency pings for the readiness probe.
func (a *App) Health() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{}
	if a.Pool != nil {
		checks["postgres"] = a.Pool.Ping
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}
	return checks
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

var ErrNoDatabase = errors.New("a database is required for this command")
