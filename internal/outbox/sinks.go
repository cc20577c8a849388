package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"ambulance/internal/dispatch"
	"ambulance/internal/logger"
)

// HubPublisher pushes events to the websocket subscribers of the booking.
type HubPublisher struct {
	hub *dispatch.Hub
}

func NewHubPublisher(hub *dispatch.Hub) *HubPublisher {
	return &HubPublisher{hub: hub}
}

func (h *HubPublisher) Publish(_ context.Context, msg dispatch.OutboxMessage) error {
	if msg.BookingID == "" {
		return nil
	}
	h.hub.Publish(msg.BookingID, msg.Kind, msg.Payload)
	return nil
}

// NotificationChannel is the Redis channel a target listens on.
func NotificationChannel(target string) string {
	return "notifications:" + target
}

// RedisNotifier publishes notifications on notifications:<target>.
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (r *RedisNotifier) Notify(ctx context.Context, n dispatch.Notification) error {
	if n.Target == "" {
		return fmt.Errorf("notification %s has no target", n.Kind)
	}
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, NotificationChannel(n.Target), body).Err()
}

// LogNotifier writes notifications to the log. It is the sink when Redis is
// not configured.
type LogNotifier struct {
	log *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	if log == nil {
		log = logger.Nop()
	}
	return &LogNotifier{log: log}
}

func (l *LogNotifier) Notify(_ context.Context, n dispatch.Notification) error {
	l.log.Info(logger.Entry{Action: "notify", Message: string(n.Kind), BookingID: n.BookingID,
		Additional: map[string]any{"target": n.Target}})
	return nil
}
