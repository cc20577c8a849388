package payment

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"ambulance/internal/dispatch"
)

// FakeGateway answers in process. It backs local runs without a merchant
// account and the tests.
type FakeGateway struct {
	mu       sync.Mutex
	requests []Request
	statuses map[string]string
	fail     error
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{statuses: make(map[string]string)}
}

// FailWith makes every following call return err. nil restores success.
func (f *FakeGateway) FailWith(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

// SetStatus fixes the status word reported for orderID.
func (f *FakeGateway) SetStatus(orderID, status string) {
	f.mu.Lock()
	f.statuses[orderID] = status
	f.mu.Unlock()
}

// Requests returns the payment requests seen so far.
func (f *FakeGateway) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}

func (f *FakeGateway) CreatePaymentRequest(_ context.Context, req Request) (Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return Response{}, f.fail
	}
	f.requests = append(f.requests, req)
	if _, ok := f.statuses[req.OrderID]; !ok {
		f.statuses[req.OrderID] = "pending"
	}
	ref := "REF" + strings.ToUpper(uuid.NewString()[:12])
	return Response{
		Reference:     ref,
		PaymentURL:    "https://pay.local/" + ref,
		VANumber:      "8808" + strings.ToUpper(uuid.NewString()[:8]),
		StatusCode:    "00",
		StatusMessage: "SUCCESS",
	}, nil
}

func (f *FakeGateway) CheckTransactionStatus(_ context.Context, orderID string) (StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return StatusResult{}, f.fail
	}
	status, ok := f.statuses[orderID]
	if !ok {
		return StatusResult{}, dispatch.ErrNotFound
	}
	return StatusResult{Status: status}, nil
}
