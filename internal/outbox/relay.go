// Package outbox delivers the messages that state changes record in their
// transaction: events go to the bus and the websocket hub, notifications to
// the notification sink.
package outbox

import (
	"context"
	"time"

	"ambulance/internal/dispatch"
	"ambulance/internal/logger"
)

// Publisher puts one event on a transport.
type Publisher interface {
	Publish(ctx context.Context, msg dispatch.OutboxMessage) error
}

type Config struct {
	Batch int
	Every time.Duration
}

// Relay drains the outbox. A failed event stays pending and is retried on
// the next pass; notifications are best effort and are marked sent whether
// or not the sink accepted them.
type Relay struct {
	store      dispatch.Store
	publishers []Publisher
	notifier   dispatch.Notifier
	cfg        Config
	kick       chan struct{}
	log        *logger.Logger
	now        func() time.Time
}

var _ dispatch.Kicker = (*Relay)(nil)

func NewRelay(store dispatch.Store, notifier dispatch.Notifier, cfg Config, log *logger.Logger, publishers ...Publisher) *Relay {
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.Every <= 0 {
		cfg.Every = 2 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Relay{
		store:      store,
		publishers: publishers,
		notifier:   notifier,
		cfg:        cfg,
		kick:       make(chan struct{}, 1),
		log:        log,
		now:        time.Now,
	}
}

// Kick asks for a drain without waiting for the ticker. It never blocks.
func (r *Relay) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run drains on every kick and tick until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Every)
	defer ticker.Stop()
	r.log.Info(logger.Entry{Action: "outbox_relay_started", Message: "relay running",
		Additional: map[string]any{"batch": r.cfg.Batch, "every": r.cfg.Every.String(), "publishers": len(r.publishers)}})
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.kick:
		case <-ticker.C:
		}
		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.log.Error(logger.Entry{Action: "outbox_drain", Message: "drain failed", Error: logger.Err(err)})
		}
	}
}

// Drain delivers pending messages batch by batch and returns how many were
// marked sent. It stops at the first batch that made no progress.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		var (
			fetched int
			sent    []string
		)
		err := r.store.WithTx(ctx, func(tx dispatch.Tx) error {
			msgs, err := tx.PendingOutbox(ctx, r.cfg.Batch)
			if err != nil {
				return err
			}
			fetched = len(msgs)
			sent = sent[:0]
			for _, m := range msgs {
				if r.deliver(ctx, m) {
					sent = append(sent, m.ID)
				}
			}
			return tx.MarkOutboxSent(ctx, sent, r.now())
		})
		if err != nil {
			return total, err
		}
		total += len(sent)
		if fetched < r.cfg.Batch || len(sent) == 0 {
			return total, nil
		}
	}
}

func (r *Relay) deliver(ctx context.Context, m dispatch.OutboxMessage) bool {
	switch m.Channel {
	case dispatch.ChannelNotification:
		if r.notifier == nil {
			return true
		}
		n := dispatch.Notification{
			Kind:      dispatch.NotificationKind(m.Kind),
			Target:    m.Target,
			BookingID: m.BookingID,
			Payload:   m.Payload,
		}
		if err := r.notifier.Notify(ctx, n); err != nil {
			r.log.Warn(logger.Entry{Action: "notify", Message: "notification dropped", BookingID: m.BookingID, Error: logger.Err(err),
				Additional: map[string]any{"kind": m.Kind, "target": m.Target}})
		}
		return true
	default:
		ok := true
		for _, p := range r.publishers {
			if err := p.Publish(ctx, m); err != nil {
				ok = false
				r.log.Error(logger.Entry{Action: "publish_event_failed", Message: "event will be retried", BookingID: m.BookingID, Error: logger.Err(err),
					Additional: map[string]any{"kind": m.Kind, "message_id": m.ID}})
			}
		}
		return ok
	}
}
