package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ambulance/internal/dispatch"
)

// Request asks the gateway to open a payment for one order.
type Request struct {
	OrderID     string
	Amount      float64
	Description string
	PayerEmail  string
	PayerName   string
	PayerPhone  string
	Method      string
	CallbackURL string
	ReturnURL   string
	Expiry      time.Duration
}

// Response is what the gateway hands back for a new payment.
type Response struct {
	Reference     string
	PaymentURL    string
	VANumber      string
	QRString      string
	StatusCode    string
	StatusMessage string
}

// StatusResult is a transaction status lookup. Status is a gateway word,
// translated with CanonicalStatus.
type StatusResult struct {
	Reference string
	Status    string
	Amount    float64
}

type Gateway interface {
	CreatePaymentRequest(ctx context.Context, req Request) (Response, error)
	CheckTransactionStatus(ctx context.Context, orderID string) (StatusResult, error)
}

// Callback is the signed notification the gateway posts back.
type Callback struct {
	MerchantCode    string `json:"merchantCode"`
	Amount          string `json:"amount"`
	MerchantOrderID string `json:"merchantOrderId"`
	Reference       string `json:"reference"`
	ResultCode      string `json:"resultCode"`
	PaymentCode     string `json:"paymentCode"`
	Signature       string `json:"signature"`
}

const (
	inquiryPath = "/webapi/api/merchant/v2/inquiry"
	statusPath  = "/webapi/api/merchant/transactionStatus"
)

// HTTPGateway talks to the gateway's JSON merchant API.
type HTTPGateway struct {
	baseURL      string
	merchantCode string
	apiKey       string
	client       *http.Client
}

func NewHTTPGateway(baseURL, merchantCode, apiKey string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{
		baseURL:      strings.TrimRight(baseURL, "/"),
		merchantCode: merchantCode,
		apiKey:       apiKey,
		client:       &http.Client{Timeout: timeout},
	}
}

type inquiryBody struct {
	MerchantCode    string `json:"merchantCode"`
	PaymentAmount   int64  `json:"paymentAmount"`
	PaymentMethod   string `json:"paymentMethod,omitempty"`
	MerchantOrderID string `json:"merchantOrderId"`
	ProductDetails  string `json:"productDetails"`
	Email           string `json:"email,omitempty"`
	CustomerVaName  string `json:"customerVaName,omitempty"`
	PhoneNumber     string `json:"phoneNumber,omitempty"`
	CallbackURL     string `json:"callbackUrl"`
	ReturnURL       string `json:"returnUrl,omitempty"`
	Signature       string `json:"signature"`
	ExpiryPeriod    int    `json:"expiryPeriod,omitempty"`
}

type inquiryReply struct {
	MerchantCode  string `json:"merchantCode"`
	Reference     string `json:"reference"`
	PaymentURL    string `json:"paymentUrl"`
	VANumber      string `json:"vaNumber"`
	QRString      string `json:"qrString"`
	StatusCode    string `json:"statusCode"`
	StatusMessage string `json:"statusMessage"`
}

func (g *HTTPGateway) CreatePaymentRequest(ctx context.Context, req Request) (Response, error) {
	amount := int64(math.Round(req.Amount))
	body := inquiryBody{
		MerchantCode:    g.merchantCode,
		PaymentAmount:   amount,
		PaymentMethod:   req.Method,
		MerchantOrderID: req.OrderID,
		ProductDetails:  req.Description,
		Email:           req.PayerEmail,
		CustomerVaName:  req.PayerName,
		PhoneNumber:     req.PayerPhone,
		CallbackURL:     req.CallbackURL,
		ReturnURL:       req.ReturnURL,
		Signature:       requestSignature(g.merchantCode, req.OrderID, amount, g.apiKey),
		ExpiryPeriod:    int(req.Expiry / time.Minute),
	}
	var reply inquiryReply
	if err := g.post(ctx, inquiryPath, body, &reply); err != nil {
		return Response{}, err
	}
	if reply.StatusCode != "" && reply.StatusCode != "00" {
		return Response{}, fmt.Errorf("gateway: inquiry %s: %s: %w", reply.StatusCode, reply.StatusMessage, dispatch.ErrGatewayFailure)
	}
	return Response{
		Reference:     reply.Reference,
		PaymentURL:    reply.PaymentURL,
		VANumber:      reply.VANumber,
		QRString:      reply.QRString,
		StatusCode:    reply.StatusCode,
		StatusMessage: reply.StatusMessage,
	}, nil
}

type statusBody struct {
	MerchantCode    string `json:"merchantCode"`
	MerchantOrderID string `json:"merchantOrderId"`
	Signature       string `json:"signature"`
}

type statusReply struct {
	MerchantOrderID string `json:"merchantOrderId"`
	Reference       string `json:"reference"`
	Amount          string `json:"amount"`
	StatusCode      string `json:"statusCode"`
	StatusMessage   string `json:"statusMessage"`
}

func (g *HTTPGateway) CheckTransactionStatus(ctx context.Context, orderID string) (StatusResult, error) {
	body := statusBody{
		MerchantCode:    g.merchantCode,
		MerchantOrderID: orderID,
		Signature:       statusSignature(g.merchantCode, orderID, g.apiKey),
	}
	var reply statusReply
	if err := g.post(ctx, statusPath, body, &reply); err != nil {
		return StatusResult{}, err
	}
	amount, _ := strconv.ParseFloat(reply.Amount, 64)
	return StatusResult{
		Reference: reply.Reference,
		Status:    inquiryWord(reply.StatusCode),
		Amount:    amount,
	}, nil
}

func (g *HTTPGateway) post(ctx context.Context, path string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: %v: %w", err, dispatch.ErrGatewayFailure)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("gateway: status %d: %w", resp.StatusCode, dispatch.ErrGatewayFailure)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("gateway: decode: %v: %w", err, dispatch.ErrGatewayFailure)
	}
	return nil
}
