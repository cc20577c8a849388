package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ambulance/internal/dispatch"
	"ambulance/internal/storage"
)

type recordingPublisher struct {
	mu   sync.Mutex
	fail error
	got  []string
}

func (p *recordingPublisher) Publish(_ context.Context, msg dispatch.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.got = append(p.got, msg.Kind)
	return nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	fail bool
	got  []dispatch.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note dispatch.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, note)
	if n.fail {
		return errors.New("sink down")
	}
	return nil
}

func seed(t *testing.T, store *storage.Memory, bookingID string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	evt, err := dispatch.NewEvent(dispatch.EventBookingCreated, bookingID, map[string]string{"id": bookingID}, now)
	require.NoError(t, err)
	note, err := dispatch.NewNotification(dispatch.NotifyBookingCreated, "user-1", bookingID, map[string]string{"id": bookingID}, now)
	require.NoError(t, err)
	require.NoError(t, store.WithTx(ctx, func(tx dispatch.Tx) error { return tx.AppendOutbox(ctx, evt, note) }))
}

func pending(t *testing.T, store *storage.Memory) int {
	t.Helper()
	ctx := context.Background()
	var n int
	require.NoError(t, store.WithTx(ctx, func(tx dispatch.Tx) error {
		msgs, err := tx.PendingOutbox(ctx, 0)
		n = len(msgs)
		return err
	}))
	return n
}

func TestDrainDeliversAndMarksSent(t *testing.T) {
	store := storage.NewMemory()
	seed(t, store, "bk-1")
	seed(t, store, "bk-2")
	pub := &recordingPublisher{}
	notes := &recordingNotifier{}
	relay := NewRelay(store, notes, Config{Batch: 3}, nil, pub)

	n, err := relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []string{"booking.created", "booking.created"}, pub.got)
	require.Len(t, notes.got, 2)
	assert.Equal(t, "user-1", notes.got[0].Target)
	assert.Equal(t, dispatch.NotifyBookingCreated, notes.got[0].Kind)
	assert.Zero(t, pending(t, store))

	n, err = relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrainRetriesFailedEvents(t *testing.T) {
	store := storage.NewMemory()
	seed(t, store, "bk-1")
	pub := &recordingPublisher{fail: errors.New("broker down")}
	notes := &recordingNotifier{fail: true}
	relay := NewRelay(store, notes, Config{}, nil, pub)

	n, err := relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the notification is dropped, not retried")
	assert.Equal(t, 1, pending(t, store))

	pub.fail = nil
	n, err = relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"booking.created"}, pub.got)
	assert.Len(t, notes.got, 1)
}

func TestRunDrainsOnKick(t *testing.T) {
	store := storage.NewMemory()
	pub := &recordingPublisher{}
	relay := NewRelay(store, nil, Config{Every: time.Hour}, nil, pub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Run(ctx)

	seed(t, store, "bk-1")
	relay.Kick()
	relay.Kick()
	assert.Eventually(t, func() bool { return pending(t, store) == 0 }, 2*time.Second, 10*time.Millisecond)
}
