package payment

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ambulance/internal/dispatch"
	"ambulance/internal/storage"
)

const (
	testMerchant = "M001"
	testKey      = "s3cret"
)

var base = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	store   *storage.Memory
	gateway *FakeGateway
	orch    *Orchestrator
	clock   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: storage.NewMemory(), gateway: NewFakeGateway(), clock: base}
	h.orch = New(h.store, h.gateway, nil, Config{MerchantCode: testMerchant, APIKey: testKey, CallbackURL: "https://api.local/cb"}, nil, nil)
	h.orch.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) insert(t *testing.T, b dispatch.Booking) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.WithTx(ctx, func(tx dispatch.Tx) error { return tx.InsertBooking(ctx, b) }))
}

func scheduled(id string) dispatch.Booking {
	at := base.Add(48 * time.Hour)
	dp := base.Add(24 * time.Hour)
	final := at.Add(-24 * time.Hour)
	return dispatch.Booking{
		ID: id, Code: "AMB20250101001", Type: dispatch.TypeScheduled, Status: dispatch.StatusPending,
		UserID: "user-1", ContactName: "Sari", ContactPhone: "0812",
		TotalAmount: 100, DownpaymentAmount: 30,
		ScheduledAt: &at, DPPaymentDeadline: &dp, FinalPaymentDeadline: &final,
		CreatedAt: base,
	}
}

func signed(p dispatch.Payment, amount, code string) Callback {
	return Callback{
		MerchantCode:    testMerchant,
		Amount:          amount,
		MerchantOrderID: p.TransactionID,
		Reference:       "REF-" + p.ID[:6],
		ResultCode:      code,
		PaymentCode:     "VA",
		Signature:       CallbackSignature(testMerchant, amount, p.TransactionID, testKey),
	}
}

func paymentOfType(t *testing.T, store *storage.Memory, bookingID string, typ dispatch.PaymentType, status dispatch.PaymentStatus) dispatch.Payment {
	t.Helper()
	ps, err := store.ListPayments(context.Background(), bookingID)
	require.NoError(t, err)
	for _, p := range ps {
		if p.Type == typ && p.Status == status {
			return p
		}
	}
	t.Fatalf("no %s payment in status %s", typ, status)
	return dispatch.Payment{}
}

func TestCallbackSignatureVector(t *testing.T) {
	assert.Equal(t, "73903de2f5060c0e4ef918a4ef273f0d",
		CallbackSignature("M001", "150000", "DP-AMB20250101001-ABCD1234", "s3cret"))

	cb := Callback{MerchantCode: "M001", Amount: "150000", MerchantOrderID: "DP-AMB20250101001-ABCD1234",
		Signature: "73903de2f5060c0e4ef918a4ef273f0d"}
	assert.True(t, VerifyCallback(cb, "M001", "s3cret"))

	tampered := cb
	tampered.Amount = "1"
	assert.False(t, VerifyCallback(tampered, "M001", "s3cret"))
	assert.False(t, VerifyCallback(cb, "OTHER", "s3cret"))
	cb.Signature = ""
	assert.False(t, VerifyCallback(cb, "M001", "s3cret"))
}

func TestCanonicalStatus(t *testing.T) {
	cases := map[string]dispatch.PaymentStatus{
		"success":    dispatch.PaymentPaid,
		"PAID":       dispatch.PaymentPaid,
		"settlement": dispatch.PaymentPaid,
		"capture":    dispatch.PaymentPaid,
		"pending":    dispatch.PaymentPending,
		"failed":     dispatch.PaymentFailed,
		"cancel":     dispatch.PaymentCancelled,
		" expire ":   dispatch.PaymentExpired,
	}
	for raw, want := range cases {
		got, ok := CanonicalStatus(raw)
		require.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
	_, ok := CanonicalStatus("refunded")
	assert.False(t, ok)

	st, ok := CallbackStatus("00")
	require.True(t, ok)
	assert.Equal(t, dispatch.PaymentPaid, st)
	st, ok = CallbackStatus("01")
	require.True(t, ok)
	assert.Equal(t, dispatch.PaymentFailed, st)
	_, ok = CallbackStatus("99")
	assert.False(t, ok)
}

func TestAmountSplit(t *testing.T) {
	b := dispatch.Booking{TotalAmount: 137.5, DownpaymentAmount: 41}
	assert.Equal(t, 41.0, Amount(b, dispatch.PaymentDownpayment))
	assert.Equal(t, 96.5, Amount(b, dispatch.PaymentFinal))
	assert.Equal(t, 137.5, Amount(b, dispatch.PaymentFull))
}

func TestEnsurePaymentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.insert(t, scheduled("bk-1"))

	p, err := h.orch.CreateDownpayment(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, 30.0, p.Amount)
	assert.Equal(t, dispatch.PaymentPending, p.Status)
	assert.Regexp(t, regexp.MustCompile(`^DP-AMB20250101001-[0-9A-F]{8}$`), p.TransactionID)
	require.NotNil(t, p.ExpiresAt)
	assert.Equal(t, base.Add(24*time.Hour), *p.ExpiresAt)

	again, err := h.orch.EnsurePayment(ctx, "bk-1", dispatch.PaymentDownpayment)
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)

	ps, err := h.store.ListPayments(ctx, "bk-1")
	require.NoError(t, err)
	assert.Len(t, ps, 1)
}

func TestEnsurePaymentReplacesExpired(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.insert(t, scheduled("bk-1"))

	first, err := h.orch.CreateDownpayment(ctx, "bk-1")
	require.NoError(t, err)

	h.clock = base.Add(25 * time.Hour)
	second, err := h.orch.CreateDownpayment(ctx, "bk-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	require.NotNil(t, second.ExpiresAt)
	assert.Equal(t, h.clock.Add(24*time.Hour), *second.ExpiresAt, "past deadline falls back to the default TTL")

	old, err := h.store.GetPayment(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, dispatch.PaymentExpired, old.Status)
}

func TestLateCallbackOnReplacedPaymentKeepsOneLive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.insert(t, scheduled("bk-1"))

	first, err := h.orch.CreateDownpayment(ctx, "bk-1")
	require.NoError(t, err)
	h.clock = base.Add(25 * time.Hour)
	second, err := h.orch.CreateDownpayment(ctx, "bk-1")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	// the gateway settles the first order after it was replaced
	got, err := h.orch.HandleCallback(ctx, signed(first, "30", "00"), nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, dispatch.PaymentPaid, got.Status)

	replaced, err := h.store.GetPayment(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, dispatch.PaymentCancelled, replaced.Status)

	ps, err := h.store.ListPayments(ctx, "bk-1")
	require.NoError(t, err)
	liveDP := 0
	for _, p := range ps {
		if p.Type == dispatch.PaymentDownpayment && (p.Status == dispatch.PaymentPending || p.Status == dispatch.PaymentPaid) {
			liveDP++
		}
	}
	assert.Equal(t, 1, liveDP)

	b, err := h.store.GetBooking(ctx, "bk-1")
	require.NoError(t, err)
	assert.True(t, b.IsDownpaymentPaid)
	assert.Equal(t, dispatch.StatusConfirmed, b.Status)
}

func TestEnsurePaymentEligibility(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.insert(t, dispatch.Booking{ID: "std", Code: "AMB1", Type: dispatch.TypeStandard, Status: dispatch.StatusPending, TotalAmount: 80})
	cancelled := scheduled("gone")
	cancelled.Status = dispatch.StatusCancelled
	h.insert(t, cancelled)

	_, err := h.orch.EnsurePayment(ctx, "std", dispatch.PaymentDownpayment)
	assert.ErrorIs(t, err, dispatch.ErrInvalidOperation)
	_, err = h.orch.EnsurePayment(ctx, "gone", dispatch.PaymentDownpayment)
	assert.ErrorIs(t, err, dispatch.ErrInvalidOperation)
	_, err = h.orch.EnsurePayment(ctx, "gone", "weird")
	assert.ErrorIs(t, err, dispatch.ErrInvalidOperation)

	p, err := h.orch.EnsurePayment(ctx, "std", dispatch.PaymentFull)
	require.NoError(t, err)
	assert.Equal(t, 80.0, p.Amount)
	assert.Contains(t, p.TransactionID, "PAY-AMB1-")
}

func TestDownpaymentCallbackConfirmsBooking(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.insert(t, scheduled("bk-1"))
	dp, err := h.orch.CreateDownpayment(ctx, "bk-1")
	require.NoError(t, err)

	h.clock = base.Add(time.Hour)
	got, err := h.orch.HandleCallback(ctx, signed(dp, "30", "00"), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, dispatch.PaymentPaid, got.Status)
	require.NotNil(t, got.PaidAt)
	assert.Equal(t, "VA", got.Method)

	b, err := h.store.GetBooking(ctx, "bk-1")
	require.NoError(t, err)
	assert.True(t, b.IsDownpaymentPaid)
	assert.False(t, b.IsFullyPaid)
	assert.Equal(t, dispatch.StatusConfirmed, b.Status)
	require.NotNil(t, b.ConfirmedAt)

	final := paymentOfType(t, h.store, "bk-1", dispatch.PaymentFinal, dispatch.PaymentPending)
	assert.Equal(t, 70.0, final.Amount)
	assert.Contains(t, final.TransactionID, "FP-AMB20250101001-")

	msgs, err := h.store.ListOutbox(ctx, "bk-1", 0, 0)
	require.NoError(t, err)
	kinds := map[string]int{}
	for _, m := range msgs {
		kinds[m.Kind]++
	}
	assert.Equal(t, 1, kinds[string(dispatch.EventPaymentCompleted)])
	assert.Equal(t, 1, kinds[string(dispatch.EventBookingStatusUpdated)])
	assert.Equal(t, 1, kinds[string(dispatch.NotifyPaymentReceived)])

	// gateways retry callbacks; a replay changes nothing
	again, err := h.orch.HandleCallback(ctx, signed(dp, "30", "00"), nil)
	require.NoError(t, err)
	assert.Equal(t, got.PaidAt, again.PaidAt)
	msgs, err = h.store.ListOutbox(ctx, "bk-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)

	_, err = h.orch.HandleCallback(ctx, signed(final, "70", "00"), nil)
	require.NoError(t, err)
	b, err = h.store.GetBooking(ctx, "bk-1")
	require.NoError(t, err)
	assert.True(t, b.IsFullyPaid)
	assert.Equal(t, dispatch.StatusConfirmed, b.Status)
}

func TestCallbackRejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.insert(t, scheduled("bk-1"))
	dp, err := h.orch.CreateDownpayment(ctx, "bk-1")
	require.NoError(t, err)

	bad := signed(dp, "30", "00")
	bad.Signature = CallbackSignature(testMerchant, "30", dp.TransactionID, "wrong")
	_, err = h.orch.HandleCallback(ctx, bad, nil)
	assert.ErrorIs(t, err, dispatch.ErrSignatureMismatch)

	p, err := h.store.GetPayment(ctx, dp.ID)
	require.NoError(t, err)
	assert.Equal(t, dispatch.PaymentPending, p.Status)

	unknown := signed(dispatch.Payment{ID: "zzzzzzzz", TransactionID: "DP-NOPE-1"}, "30", "00")
	_, err = h.orch.HandleCallback(ctx, unknown, nil)
	assert.ErrorIs(t, err, dispatch.ErrNotFound)

	_, err = h.orch.HandleCallback(ctx, signed(dp, "30", "77"), nil)
	assert.ErrorIs(t, err, dispatch.ErrValidation)
}

func TestFailedDownpaymentAndRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.insert(t, scheduled("bk-1"))
	dp, err := h.orch.CreateDownpayment(ctx, "bk-1")
	require.NoError(t, err)

	_, err = h.orch.HandleCallback(ctx, signed(dp, "30", "01"), nil)
	require.NoError(t, err)
	b, err := h.store.GetBooking(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusPaymentFailed, b.Status)

	retry, err := h.orch.CreateDownpayment(ctx, "bk-1")
	require.NoError(t, err)
	assert.NotEqual(t, dp.ID, retry.ID)
	b, err = h.store.GetBooking(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusPending, b.Status)
}

func TestProcessGatewayFailureLeavesPaymentPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.insert(t, scheduled("bk-1"))
	h.gateway.FailWith(errors.New("connection refused"))

	res, err := h.orch.Process(ctx, "bk-1", dispatch.PaymentDownpayment, "BC", Payer{})
	require.Error(t, err)
	assert.ErrorIs(t, err, dispatch.ErrGatewayFailure)
	assert.NotEmpty(t, res.Instructions)
	assert.Equal(t, dispatch.PaymentPending, res.Payment.Status)
	assert.Equal(t, "BC", res.Payment.Method)
	assert.Empty(t, res.Payment.PaymentURL)

	h.gateway.FailWith(nil)
	res, err = h.orch.Process(ctx, "bk-1", dispatch.PaymentDownpayment, "BC", Payer{Email: "sari@example.com"})
	require.NoError(t, err)
	assert.Empty(t, res.Instructions)
	assert.NotEmpty(t, res.Payment.Reference)
	assert.NotEmpty(t, res.Payment.PaymentURL)

	reqs := h.gateway.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, res.Payment.TransactionID, reqs[0].OrderID)
	assert.Equal(t, 30.0, reqs[0].Amount)
	assert.Equal(t, "Sari", reqs[0].PayerName)
	assert.Equal(t, "https://api.local/cb", reqs[0].CallbackURL)
	assert.Equal(t, 24*time.Hour, reqs[0].Expiry)

	// an open request is reused
	_, err = h.orch.Process(ctx, "bk-1", dispatch.PaymentDownpayment, "", Payer{})
	require.NoError(t, err)
	assert.Len(t, h.gateway.Requests(), 1)
}

func TestCheckStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.insert(t, scheduled("bk-1"))
	res, err := h.orch.Process(ctx, "bk-1", dispatch.PaymentDownpayment, "QR", Payer{})
	require.NoError(t, err)
	p := res.Payment

	got, err := h.orch.CheckStatus(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, dispatch.PaymentPending, got.Status)

	h.gateway.SetStatus(p.TransactionID, "refunded")
	got, err = h.orch.CheckStatus(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, dispatch.PaymentPending, got.Status, "unknown words leave the payment alone")

	h.gateway.SetStatus(p.TransactionID, "settlement")
	got, err = h.orch.CheckStatus(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, dispatch.PaymentPaid, got.Status)
	b, err := h.store.GetBooking(ctx, "bk-1")
	require.NoError(t, err)
	assert.True(t, b.IsDownpaymentPaid)
}

func TestCheckStatusExpiresOverduePending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.insert(t, scheduled("bk-1"))
	res, err := h.orch.Process(ctx, "bk-1", dispatch.PaymentDownpayment, "QR", Payer{})
	require.NoError(t, err)

	h.clock = base.Add(30 * time.Hour)
	got, err := h.orch.CheckStatus(ctx, res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, dispatch.PaymentExpired, got.Status)
}

func TestExpireStaleAndCancelOpen(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.insert(t, scheduled("bk-1"))
	_, err := h.orch.CreateDownpayment(ctx, "bk-1")
	require.NoError(t, err)

	n, err := h.orch.ExpireStale(ctx, "bk-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock = base.Add(24 * time.Hour)
	n, err = h.orch.ExpireStale(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	paymentOfType(t, h.store, "bk-1", dispatch.PaymentDownpayment, dispatch.PaymentExpired)

	_, err = h.orch.CreateDownpayment(ctx, "bk-1")
	require.NoError(t, err)
	require.NoError(t, h.store.WithTx(ctx, func(tx dispatch.Tx) error {
		return h.orch.CancelOpenInTx(ctx, tx, "bk-1")
	}))
	paymentOfType(t, h.store, "bk-1", dispatch.PaymentDownpayment, dispatch.PaymentCancelled)
}

func TestDueType(t *testing.T) {
	b := scheduled("x")
	typ, ok := DueType(b)
	require.True(t, ok)
	assert.Equal(t, dispatch.PaymentDownpayment, typ)

	b.IsDownpaymentPaid = true
	typ, _ = DueType(b)
	assert.Equal(t, dispatch.PaymentFinal, typ)

	b.IsFullyPaid = true
	_, ok = DueType(b)
	assert.False(t, ok)

	em := dispatch.Booking{Type: dispatch.TypeEmergency, Status: dispatch.StatusConfirmed}
	_, ok = DueType(em)
	assert.False(t, ok)
	em.Status = dispatch.StatusArrived
	typ, ok = DueType(em)
	require.True(t, ok)
	assert.Equal(t, dispatch.PaymentFull, typ)
}

func TestRepriceInTx(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.insert(t, dispatch.Booking{ID: "em", Code: "AMB2", Type: dispatch.TypeEmergency, Status: dispatch.StatusArrived, TotalAmount: 110})
	res, err := h.orch.Process(ctx, "em", dispatch.PaymentFull, "", Payer{})
	require.NoError(t, err)
	require.NotEmpty(t, res.Payment.PaymentURL)

	require.NoError(t, h.store.WithTx(ctx, func(tx dispatch.Tx) error {
		b, err := tx.LockBooking(ctx, "em")
		if err != nil {
			return err
		}
		b.TotalAmount = 125
		return h.orch.RepriceInTx(ctx, tx, b)
	}))
	p, err := h.store.GetPayment(ctx, res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, 125.0, p.Amount)
	assert.Empty(t, p.PaymentURL)
}
