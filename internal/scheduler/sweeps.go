// Package scheduler holds the time-boxed jobs: payment sweeps, the
// emergency driver search and the runner that fires them.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"ambulance/internal/booking"
	"ambulance/internal/dispatch"
	"ambulance/internal/logger"
	"ambulance/internal/payment"
)

const (
	ReasonPaymentTimeout     = "payment timeout"
	ReasonOverdueDownpayment = "overdue downpayment"
)

// Canceller is the slice of booking.Service the sweeps need.
type Canceller interface {
	CancelIf(ctx context.Context, id string, req booking.CancelRequest, cond func(dispatch.Booking) bool) (dispatch.Booking, bool, error)
}

type Expirer interface {
	ExpireStale(ctx context.Context, bookingID string) (int, error)
}

type SweepConfig struct {
	PaymentTimeout time.Duration
	ReminderWindow time.Duration
	BatchSize      int
}

// SweepResult counts one pass. Applied counts real mutations or sends, so a
// second pass over the same rows reports zero.
type SweepResult struct {
	Scanned int `json:"scanned"`
	Applied int `json:"applied"`
	Failed  int `json:"failed"`
}

// Sweeper runs the reconciliation sweeps. Each one lists candidates without
// locks and then re-checks every candidate under its booking lock, so
// overlapping runs never cancel twice. A failure on one booking is logged
// and the batch carries on.
type Sweeper struct {
	store    dispatch.Reader
	bookings Canceller
	payments Expirer
	notifier dispatch.Notifier
	cfg      SweepConfig
	log      *logger.Logger
	now      func() time.Time
}

func NewSweeper(store dispatch.Reader, bookings Canceller, payments Expirer, notifier dispatch.Notifier, cfg SweepConfig, log *logger.Logger) *Sweeper {
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = 24 * time.Hour
	}
	if cfg.ReminderWindow <= 0 {
		cfg.ReminderWindow = 6 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Sweeper{store: store, bookings: bookings, payments: payments, notifier: notifier, cfg: cfg, log: log, now: time.Now}
}

// AutoCancelUnpaid cancels pending bookings older than the payment timeout
// that never received a payment.
func (s *Sweeper) AutoCancelUnpaid(ctx context.Context) (SweepResult, error) {
	now := s.now()
	cutoff := now.Add(-s.cfg.PaymentTimeout)
	ids, err := s.store.ListUnpaidPendingBefore(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return SweepResult{}, err
	}
	still := func(b dispatch.Booking) bool {
		return b.Status == dispatch.StatusPending && !b.IsDownpaymentPaid && !b.IsFullyPaid && !b.CreatedAt.After(cutoff)
	}
	return s.cancelEach(ctx, "auto_cancel_unpaid", ids, ReasonPaymentTimeout, still), nil
}

// AutoCancelOverdueDownpayments cancels scheduled bookings whose downpayment
// deadline passed unpaid.
func (s *Sweeper) AutoCancelOverdueDownpayments(ctx context.Context) (SweepResult, error) {
	now := s.now()
	ids, err := s.store.ListOverdueDownpayments(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return SweepResult{}, err
	}
	still := func(b dispatch.Booking) bool {
		return b.Type == dispatch.TypeScheduled && b.Status == dispatch.StatusPending && !b.IsDownpaymentPaid &&
			b.DPPaymentDeadline != nil && b.DPPaymentDeadline.Before(now)
	}
	return s.cancelEach(ctx, "auto_cancel_overdue_downpayment", ids, ReasonOverdueDownpayment, still), nil
}

func (s *Sweeper) cancelEach(ctx context.Context, action string, ids []string, reason string, still func(dispatch.Booking) bool) SweepResult {
	res := SweepResult{Scanned: len(ids)}
	req := booking.CancelRequest{Reason: reason, Actor: dispatch.ActorSystem}
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		_, applied, err := s.bookings.CancelIf(ctx, id, req, still)
		switch {
		case err != nil:
			res.Failed++
			s.log.Error(logger.Entry{Action: action, Message: "cancel failed", BookingID: id, Error: logger.Err(err)})
		case applied:
			res.Applied++
		}
	}
	s.report(action, res)
	return res
}

// PaymentReminders notifies users whose next payment deadline falls inside
// the reminder window. Repeated runs send repeated reminders.
func (s *Sweeper) PaymentReminders(ctx context.Context) (SweepResult, error) {
	now := s.now()
	due, err := s.store.ListReminderCandidates(ctx, now, s.cfg.ReminderWindow, s.cfg.BatchSize)
	if err != nil {
		return SweepResult{}, err
	}
	res := SweepResult{Scanned: len(due)}
	for _, b := range due {
		if s.notifier == nil {
			break
		}
		n, err := reminder(b)
		if err == nil {
			err = s.notifier.Notify(ctx, n)
		}
		if err != nil {
			res.Failed++
			s.log.Warn(logger.Entry{Action: "payment_reminder", Message: "reminder not sent", BookingID: b.ID, Error: logger.Err(err)})
			continue
		}
		res.Applied++
	}
	s.report("payment_reminders", res)
	return res, nil
}

func reminder(b dispatch.Booking) (dispatch.Notification, error) {
	typ, deadline := dispatch.PaymentDownpayment, b.DPPaymentDeadline
	if b.IsDownpaymentPaid {
		typ, deadline = dispatch.PaymentFinal, b.FinalPaymentDeadline
	}
	body, err := json.Marshal(map[string]any{
		"bookingId":   b.ID,
		"code":        b.Code,
		"paymentType": typ,
		"amount":      payment.Amount(b, typ),
		"deadline":    deadline,
	})
	if err != nil {
		return dispatch.Notification{}, err
	}
	return dispatch.Notification{Kind: dispatch.NotifyPaymentReminder, Target: b.UserID, BookingID: b.ID, Payload: body}, nil
}

// ExpireStalePayments marks pending payments past their expiry as expired.
func (s *Sweeper) ExpireStalePayments(ctx context.Context) (SweepResult, error) {
	ids, err := s.store.ListExpiredPayments(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return SweepResult{}, err
	}
	res := SweepResult{Scanned: len(ids)}
	for _, id := range ids {
		n, err := s.payments.ExpireStale(ctx, id)
		if err != nil {
			res.Failed++
			s.log.Error(logger.Entry{Action: "expire_payments", Message: "expire failed", BookingID: id, Error: logger.Err(err)})
			continue
		}
		res.Applied += n
	}
	s.report("expire_payments", res)
	return res, nil
}

func (s *Sweeper) report(action string, res SweepResult) {
	if res.Scanned == 0 {
		return
	}
	s.log.Info(logger.Entry{Action: action, Message: "sweep finished",
		Additional: map[string]any{"scanned": res.Scanned, "applied": res.Applied, "failed": res.Failed}})
}
