// Package payment owns the payment records of a booking and reconciles the
// gateway's view of them back into booking state.
package payment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"ambulance/internal/dispatch"
	"ambulance/internal/logger"
)

type Config struct {
	MerchantCode string
	APIKey       string
	CallbackURL  string
	ReturnURL    string
	// DefaultTTL is the expiry used when the booking carries no usable deadline.
	DefaultTTL time.Duration
	Prefixes   map[dispatch.PaymentType]string
}

func (c Config) withDefaults() Config {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 24 * time.Hour
	}
	prefixes := map[dispatch.PaymentType]string{
		dispatch.PaymentDownpayment: "DP",
		dispatch.PaymentFinal:       "FP",
		dispatch.PaymentFull:        "PAY",
	}
	for k, v := range c.Prefixes {
		if v != "" {
			prefixes[k] = v
		}
	}
	c.Prefixes = prefixes
	return c
}

// Payer is who the gateway bills. Empty fields fall back to the booking contact.
type Payer struct {
	Name  string
	Email string
	Phone string
}

// Result of Process. Instructions is set when the gateway could not be
// reached; the payment then stays pending with the chosen method saved.
type Result struct {
	Payment      dispatch.Payment `json:"payment"`
	Instructions string           `json:"instructions,omitempty"`
}

const manualInstructions = "the payment provider is unavailable; the payment stays open, retry shortly or follow the manual transfer instructions"

type Orchestrator struct {
	store   dispatch.Store
	gateway Gateway
	archive Archive
	cfg     Config
	kicker  dispatch.Kicker
	log     *logger.Logger
	now     func() time.Time
}

func New(store dispatch.Store, gateway Gateway, archive Archive, cfg Config, kicker dispatch.Kicker, log *logger.Logger) *Orchestrator {
	if archive == nil {
		archive = NopArchive
	}
	if kicker == nil {
		kicker = dispatch.NopKicker
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Orchestrator{
		store:   store,
		gateway: gateway,
		archive: archive,
		cfg:     cfg.withDefaults(),
		kicker:  kicker,
		log:     log,
		now:     time.Now,
	}
}

// Amount is what a payment of typ is worth for b.
func Amount(b dispatch.Booking, typ dispatch.PaymentType) float64 {
	switch typ {
	case dispatch.PaymentDownpayment:
		return b.DownpaymentAmount
	case dispatch.PaymentFinal:
		return math.Round((b.TotalAmount-b.DownpaymentAmount)*100) / 100
	}
	return b.TotalAmount
}

// DueType names the payment a booking currently owes, if any.
func DueType(b dispatch.Booking) (dispatch.PaymentType, bool) {
	if b.Status == dispatch.StatusCancelled || b.IsFullyPaid {
		return "", false
	}
	if b.Type == dispatch.TypeScheduled {
		if !b.IsDownpaymentPaid {
			return dispatch.PaymentDownpayment, true
		}
		return dispatch.PaymentFinal, true
	}
	switch b.Status {
	case dispatch.StatusArrived, dispatch.StatusInProgress, dispatch.StatusCompleted:
		return dispatch.PaymentFull, true
	}
	return "", false
}

func (o *Orchestrator) expiry(b dispatch.Booking, typ dispatch.PaymentType, now time.Time) time.Time {
	var deadline *time.Time
	switch typ {
	case dispatch.PaymentDownpayment:
		deadline = b.DPPaymentDeadline
	case dispatch.PaymentFinal:
		deadline = b.FinalPaymentDeadline
	}
	if deadline != nil && deadline.After(now) {
		return *deadline
	}
	return now.Add(o.cfg.DefaultTTL)
}

// TransactionID is {PREFIX}-{bookingCode}-{random}.
func (o *Orchestrator) TransactionID(typ dispatch.PaymentType, b dispatch.Booking) string {
	code := b.Code
	if code == "" {
		code = strings.ToUpper(strings.SplitN(b.ID, "-", 2)[0])
	}
	random := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("%s-%s-%s", o.cfg.Prefixes[typ], code, random)
}

func eligible(b dispatch.Booking, typ dispatch.PaymentType) error {
	if b.Status == dispatch.StatusCancelled {
		return fmt.Errorf("booking %s is cancelled: %w", b.ID, dispatch.ErrInvalidOperation)
	}
	scheduled := b.Type == dispatch.TypeScheduled
	switch typ {
	case dispatch.PaymentDownpayment, dispatch.PaymentFinal:
		if !scheduled {
			return fmt.Errorf("%s only applies to scheduled bookings: %w", typ, dispatch.ErrInvalidOperation)
		}
	case dispatch.PaymentFull:
		if scheduled {
			return fmt.Errorf("scheduled bookings pay by downpayment and final payment: %w", dispatch.ErrInvalidOperation)
		}
	default:
		return dispatch.NewValidationError("paymentType", "unknown payment type")
	}
	return nil
}

// EnsureInTx makes sure b has one live payment of typ and returns it. A paid
// or unexpired pending payment is returned as is; an expired pending one is
// marked expired and replaced. A booking in payment_failed goes back to
// pending once a fresh payment exists. The returned booking is what was
// written.
func (o *Orchestrator) EnsureInTx(ctx context.Context, tx dispatch.Tx, b dispatch.Booking, typ dispatch.PaymentType) (dispatch.Booking, dispatch.Payment, error) {
	if err := eligible(b, typ); err != nil {
		return b, dispatch.Payment{}, err
	}
	now := o.now()
	payments, err := tx.LockPayments(ctx, b.ID)
	if err != nil {
		return b, dispatch.Payment{}, err
	}
	for _, p := range payments {
		if p.Type != typ {
			continue
		}
		if p.Status == dispatch.PaymentPaid || (p.Status == dispatch.PaymentPending && !p.Expired(now)) {
			return b, p, nil
		}
	}
	if typ != dispatch.PaymentDownpayment && b.IsFullyPaid {
		return b, dispatch.Payment{}, fmt.Errorf("booking %s is fully paid: %w", b.ID, dispatch.ErrAlreadyProcessed)
	}
	for _, p := range payments {
		if p.Type == typ && p.Expired(now) {
			p.Status = dispatch.PaymentExpired
			p.UpdatedAt = now
			if err := tx.UpdatePayment(ctx, p); err != nil {
				return b, dispatch.Payment{}, err
			}
		}
	}

	amount := Amount(b, typ)
	if amount <= 0 {
		return b, dispatch.Payment{}, fmt.Errorf("booking %s owes nothing for %s: %w", b.ID, typ, dispatch.ErrInvalidOperation)
	}
	expires := o.expiry(b, typ, now)
	p := dispatch.Payment{
		ID:            uuid.NewString(),
		BookingID:     b.ID,
		Type:          typ,
		Amount:        amount,
		Status:        dispatch.PaymentPending,
		TransactionID: o.TransactionID(typ, b),
		ExpiresAt:     &expires,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.InsertPayment(ctx, p); err != nil {
		return b, dispatch.Payment{}, err
	}

	if b.Status == dispatch.StatusPaymentFailed {
		prev, err := b.Transition(dispatch.StatusPending, now)
		if err != nil {
			return b, dispatch.Payment{}, err
		}
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return b, dispatch.Payment{}, err
		}
		evt, err := dispatch.StatusChanged(b, prev, now)
		if err != nil {
			return b, dispatch.Payment{}, err
		}
		if err := tx.AppendOutbox(ctx, evt); err != nil {
			return b, dispatch.Payment{}, err
		}
	}
	return b, p, nil
}

// EnsurePayment is EnsureInTx in its own transaction.
func (o *Orchestrator) EnsurePayment(ctx context.Context, bookingID string, typ dispatch.PaymentType) (dispatch.Payment, error) {
	var out dispatch.Payment
	err := o.store.WithTx(ctx, func(tx dispatch.Tx) error {
		b, err := tx.LockBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		_, out, err = o.EnsureInTx(ctx, tx, b, typ)
		return err
	})
	if err != nil {
		return dispatch.Payment{}, err
	}
	o.kicker.Kick()
	return out, nil
}

func (o *Orchestrator) CreateDownpayment(ctx context.Context, bookingID string) (dispatch.Payment, error) {
	return o.EnsurePayment(ctx, bookingID, dispatch.PaymentDownpayment)
}

func (o *Orchestrator) CreateFinalPayment(ctx context.Context, bookingID string) (dispatch.Payment, error) {
	return o.EnsurePayment(ctx, bookingID, dispatch.PaymentFinal)
}

// Refresh ensures the payment b currently owes. Viewing a booking calls it,
// so an expired payment is replaced the next time the booking is looked at.
func (o *Orchestrator) Refresh(ctx context.Context, b dispatch.Booking) (dispatch.Payment, bool, error) {
	typ, ok := DueType(b)
	if !ok {
		return dispatch.Payment{}, false, nil
	}
	p, err := o.EnsurePayment(ctx, b.ID, typ)
	if err != nil {
		return dispatch.Payment{}, false, err
	}
	return p, true, nil
}

// CancelOpenInTx cancels every pending payment of a booking being cancelled.
func (o *Orchestrator) CancelOpenInTx(ctx context.Context, tx dispatch.Tx, bookingID string) error {
	payments, err := tx.LockPayments(ctx, bookingID)
	if err != nil {
		return err
	}
	now := o.now()
	for _, p := range payments {
		if p.Status != dispatch.PaymentPending {
			continue
		}
		p.Status = dispatch.PaymentCancelled
		p.UpdatedAt = now
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// RepriceInTx brings open final and full payments in line with the booking
// total after completion pricing. A changed amount drops the gateway request
// so the next Process opens a fresh one.
func (o *Orchestrator) RepriceInTx(ctx context.Context, tx dispatch.Tx, b dispatch.Booking) error {
	payments, err := tx.LockPayments(ctx, b.ID)
	if err != nil {
		return err
	}
	now := o.now()
	for _, p := range payments {
		if p.Status != dispatch.PaymentPending || p.Type == dispatch.PaymentDownpayment {
			continue
		}
		amount := Amount(b, p.Type)
		if amount == p.Amount {
			continue
		}
		p.Amount = amount
		p.Reference, p.PaymentURL, p.VANumber, p.QRString = "", "", "", ""
		p.UpdatedAt = now
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Process opens (or reopens) the gateway request for the payment of typ.
func (o *Orchestrator) Process(ctx context.Context, bookingID string, typ dispatch.PaymentType, method string, payer Payer) (Result, error) {
	p, err := o.EnsurePayment(ctx, bookingID, typ)
	if err != nil {
		return Result{}, err
	}
	if p.Status == dispatch.PaymentPaid {
		return Result{Payment: p}, fmt.Errorf("payment %s: %w", p.TransactionID, dispatch.ErrAlreadyProcessed)
	}
	if p.PaymentURL != "" && (method == "" || method == p.Method) {
		return Result{Payment: p}, nil
	}
	b, err := o.store.GetBooking(ctx, bookingID)
	if err != nil {
		return Result{}, err
	}
	if payer.Name == "" {
		payer.Name = b.ContactName
	}
	if payer.Phone == "" {
		payer.Phone = b.ContactPhone
	}
	req := Request{
		OrderID:     p.TransactionID,
		Amount:      p.Amount,
		Description: fmt.Sprintf("%s for booking %s", describe(typ), b.Code),
		PayerEmail:  payer.Email,
		PayerName:   payer.Name,
		PayerPhone:  payer.Phone,
		Method:      method,
		CallbackURL: o.cfg.CallbackURL,
		ReturnURL:   o.cfg.ReturnURL,
	}
	if p.ExpiresAt != nil {
		req.Expiry = p.ExpiresAt.Sub(o.now())
	}

	resp, gwErr := o.gateway.CreatePaymentRequest(ctx, req)
	if gwErr != nil {
		o.log.Warn(logger.Entry{Action: "payment_process", Message: "gateway request failed, payment left pending",
			BookingID: bookingID, Error: logger.Err(gwErr), Additional: map[string]any{"transaction_id": p.TransactionID}})
	}
	updated, err := o.updatePending(ctx, bookingID, p.ID, func(p *dispatch.Payment) {
		if method != "" {
			p.Method = method
		}
		if gwErr == nil {
			p.Reference = resp.Reference
			p.PaymentURL = resp.PaymentURL
			p.VANumber = resp.VANumber
			p.QRString = resp.QRString
		}
	})
	if err != nil {
		return Result{}, err
	}
	if gwErr != nil {
		if !errors.Is(gwErr, dispatch.ErrGatewayFailure) {
			gwErr = fmt.Errorf("%v: %w", gwErr, dispatch.ErrGatewayFailure)
		}
		return Result{Payment: updated, Instructions: manualInstructions}, gwErr
	}
	return Result{Payment: updated}, nil
}

func describe(typ dispatch.PaymentType) string {
	switch typ {
	case dispatch.PaymentDownpayment:
		return "Downpayment"
	case dispatch.PaymentFinal:
		return "Final payment"
	}
	return "Payment"
}

// updatePending edits a payment that is still pending. Anything else is
// returned untouched; a callback may have settled it meanwhile.
func (o *Orchestrator) updatePending(ctx context.Context, bookingID, paymentID string, edit func(*dispatch.Payment)) (dispatch.Payment, error) {
	var out dispatch.Payment
	err := o.store.WithTx(ctx, func(tx dispatch.Tx) error {
		if _, err := tx.LockBooking(ctx, bookingID); err != nil {
			return err
		}
		payments, err := tx.LockPayments(ctx, bookingID)
		if err != nil {
			return err
		}
		p, ok := findPayment(payments, paymentID)
		if !ok {
			return fmt.Errorf("payment %s: %w", paymentID, dispatch.ErrNotFound)
		}
		out = p
		if p.Status != dispatch.PaymentPending {
			return nil
		}
		edit(&p)
		p.UpdatedAt = o.now()
		out = p
		return tx.UpdatePayment(ctx, p)
	})
	return out, err
}

func findPayment(payments []dispatch.Payment, id string) (dispatch.Payment, bool) {
	for _, p := range payments {
		if p.ID == id {
			return p, true
		}
	}
	return dispatch.Payment{}, false
}

// HandleCallback verifies and applies a gateway callback. raw is archived
// before anything else so rejected callbacks are kept too.
func (o *Orchestrator) HandleCallback(ctx context.Context, cb Callback, raw []byte) (dispatch.Payment, error) {
	now := o.now()
	if err := o.archive.Put(ctx, cb.MerchantOrderID, raw, now); err != nil {
		o.log.Warn(logger.Entry{Action: "payment_callback", Message: "archive callback failed", Error: logger.Err(err)})
	}
	if !VerifyCallback(cb, o.cfg.MerchantCode, o.cfg.APIKey) {
		o.log.Warn(logger.Entry{Action: "payment_callback", Message: "signature mismatch, callback rejected",
			Additional: map[string]any{"merchant_order_id": cb.MerchantOrderID, "reference": cb.Reference}})
		return dispatch.Payment{}, dispatch.ErrSignatureMismatch
	}
	p, err := o.store.FindPayment(ctx, cb.MerchantOrderID)
	if errors.Is(err, dispatch.ErrNotFound) && cb.Reference != "" {
		p, err = o.store.FindPayment(ctx, cb.Reference)
	}
	if err != nil {
		o.log.Warn(logger.Entry{Action: "payment_callback", Message: "callback for unknown payment", Error: logger.Err(err),
			Additional: map[string]any{"merchant_order_id": cb.MerchantOrderID, "reference": cb.Reference}})
		return dispatch.Payment{}, err
	}
	status, ok := CallbackStatus(cb.ResultCode)
	if !ok {
		return p, dispatch.NewValidationError("resultCode", "unknown result code "+cb.ResultCode)
	}
	return o.apply(ctx, p, status, cb.Reference, cb.PaymentCode)
}

// CheckStatus asks the gateway about a pending payment and applies the answer.
// A pending answer past the payment's expiry expires it.
func (o *Orchestrator) CheckStatus(ctx context.Context, paymentID string) (dispatch.Payment, error) {
	p, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		return dispatch.Payment{}, err
	}
	if p.Status != dispatch.PaymentPending {
		return p, nil
	}
	now := o.now()
	res, err := o.gateway.CheckTransactionStatus(ctx, p.TransactionID)
	if err != nil {
		o.log.Warn(logger.Entry{Action: "payment_status", Message: "gateway status check failed", BookingID: p.BookingID,
			Error: logger.Err(err), Additional: map[string]any{"payment_id": p.ID}})
		if p.Expired(now) {
			return o.apply(ctx, p, dispatch.PaymentExpired, "", "")
		}
		if !errors.Is(err, dispatch.ErrGatewayFailure) {
			err = fmt.Errorf("%v: %w", err, dispatch.ErrGatewayFailure)
		}
		return p, err
	}
	status, ok := CanonicalStatus(res.Status)
	if !ok {
		o.log.Warn(logger.Entry{Action: "payment_status", Message: "unknown gateway status", BookingID: p.BookingID,
			Additional: map[string]any{"payment_id": p.ID, "status": res.Status}})
		return p, nil
	}
	if status == dispatch.PaymentPending && p.Expired(now) {
		status = dispatch.PaymentExpired
	}
	return o.apply(ctx, p, status, res.Reference, "")
}

// ExpireStale marks a booking's overdue pending payments expired.
func (o *Orchestrator) ExpireStale(ctx context.Context, bookingID string) (int, error) {
	n := 0
	err := o.store.WithTx(ctx, func(tx dispatch.Tx) error {
		n = 0
		if _, err := tx.LockBooking(ctx, bookingID); err != nil {
			return err
		}
		payments, err := tx.LockPayments(ctx, bookingID)
		if err != nil {
			return err
		}
		now := o.now()
		for _, p := range payments {
			if !p.Expired(now) {
				continue
			}
			p.Status = dispatch.PaymentExpired
			p.UpdatedAt = now
			if err := tx.UpdatePayment(ctx, p); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// apply moves a payment to status under the booking lock and carries the
// consequences into the booking. Paid is final: applying anything to a paid
// payment, or re-applying its current status, changes nothing.
func (o *Orchestrator) apply(ctx context.Context, target dispatch.Payment, status dispatch.PaymentStatus, reference, method string) (dispatch.Payment, error) {
	var (
		out       dispatch.Payment
		booking   dispatch.Booking
		settledDP bool
	)
	err := o.store.WithTx(ctx, func(tx dispatch.Tx) error {
		b, err := tx.LockBooking(ctx, target.BookingID)
		if err != nil {
			return err
		}
		payments, err := tx.LockPayments(ctx, b.ID)
		if err != nil {
			return err
		}
		p, ok := findPayment(payments, target.ID)
		if !ok {
			return fmt.Errorf("payment %s: %w", target.ID, dispatch.ErrNotFound)
		}
		out, booking = p, b
		if p.Status == dispatch.PaymentPaid || p.Status == status || status == dispatch.PaymentPending {
			return nil
		}

		now := o.now()
		prev := b.Status
		p.Status = status
		p.UpdatedAt = now
		if reference != "" && p.Reference == "" {
			p.Reference = reference
		}
		if method != "" {
			p.Method = method
		}

		switch status {
		case dispatch.PaymentPaid:
			p.PaidAt = &now
			if err := supersede(ctx, tx, payments, p, now); err != nil {
				return err
			}
			switch p.Type {
			case dispatch.PaymentDownpayment:
				b.IsDownpaymentPaid = true
				settledDP = true
				err = confirm(&b, now)
			case dispatch.PaymentFinal:
				b.IsFullyPaid = true
			case dispatch.PaymentFull:
				b.IsFullyPaid = true
				err = confirm(&b, now)
			}
			if err != nil {
				return err
			}
			if b.Status == dispatch.StatusCancelled {
				o.log.Warn(logger.Entry{Action: "payment_apply", Message: "payment settled on a cancelled booking", BookingID: b.ID,
					Additional: map[string]any{"payment_id": p.ID, "amount": p.Amount}})
			}
		case dispatch.PaymentFailed:
			if p.Type != dispatch.PaymentFinal && b.Status == dispatch.StatusPending {
				if _, err := b.Transition(dispatch.StatusPaymentFailed, now); err != nil {
					return err
				}
			}
		}
		b.UpdatedAt = now

		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}
		msgs, err := settlementMessages(b, prev, p, now)
		if err != nil {
			return err
		}
		if err := tx.AppendOutbox(ctx, msgs...); err != nil {
			return err
		}
		out, booking = p, b
		return nil
	})
	if err != nil {
		return dispatch.Payment{}, err
	}
	o.kicker.Kick()
	o.log.Info(logger.Entry{Action: "payment_apply", Message: "payment status applied", BookingID: booking.ID,
		Additional: map[string]any{"payment_id": out.ID, "status": out.Status, "booking_status": booking.Status}})

	if settledDP && booking.Type == dispatch.TypeScheduled && booking.Status != dispatch.StatusCancelled {
		if _, err := o.EnsurePayment(ctx, booking.ID, dispatch.PaymentFinal); err != nil {
			o.log.Warn(logger.Entry{Action: "payment_apply", Message: "create final payment failed", BookingID: booking.ID, Error: logger.Err(err)})
		}
	}
	return out, nil
}

// supersede cancels the other open payments of p's type. A late settlement
// of a replaced payment then leaves the settled one as the only live payment.
func supersede(ctx context.Context, tx dispatch.Tx, payments []dispatch.Payment, p dispatch.Payment, now time.Time) error {
	for _, other := range payments {
		if other.ID == p.ID || other.Type != p.Type || other.Status != dispatch.PaymentPending {
			continue
		}
		other.Status = dispatch.PaymentCancelled
		other.UpdatedAt = now
		if err := tx.UpdatePayment(ctx, other); err != nil {
			return err
		}
	}
	return nil
}

// confirm moves a pending or payment_failed booking to confirmed.
func confirm(b *dispatch.Booking, now time.Time) error {
	if b.Status == dispatch.StatusPaymentFailed {
		if _, err := b.Transition(dispatch.StatusPending, now); err != nil {
			return err
		}
	}
	if b.Status != dispatch.StatusPending {
		return nil
	}
	_, err := b.Transition(dispatch.StatusConfirmed, now)
	return err
}

func settlementMessages(b dispatch.Booking, prev dispatch.BookingStatus, p dispatch.Payment, now time.Time) ([]dispatch.OutboxMessage, error) {
	var msgs []dispatch.OutboxMessage
	if p.Status == dispatch.PaymentPaid {
		payload := dispatch.PaymentSettled{Booking: b, Payment: p}
		evt, err := dispatch.NewEvent(dispatch.EventPaymentCompleted, b.ID, payload, now)
		if err != nil {
			return nil, err
		}
		n, err := dispatch.NewNotification(dispatch.NotifyPaymentReceived, b.UserID, b.ID, payload, now)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, evt, n)
	}
	if prev != b.Status {
		evt, err := dispatch.StatusChanged(b, prev, now)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, evt)
	}
	return msgs, nil
}
