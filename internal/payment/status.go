package payment

import (
	"strings"

	"ambulance/internal/dispatch"
)

// gatewayStatuses maps the gateway's status words onto payment statuses.
// Every translation from gateway vocabulary goes through this table.
var gatewayStatuses = map[string]dispatch.PaymentStatus{
	"success":    dispatch.PaymentPaid,
	"paid":       dispatch.PaymentPaid,
	"settlement": dispatch.PaymentPaid,
	"capture":    dispatch.PaymentPaid,
	"pending":    dispatch.PaymentPending,
	"process":    dispatch.PaymentPending,
	"failed":     dispatch.PaymentFailed,
	"cancel":     dispatch.PaymentCancelled,
	"cancelled":  dispatch.PaymentCancelled,
	"expire":     dispatch.PaymentExpired,
	"expired":    dispatch.PaymentExpired,
}

// callbackCodes are the resultCode values of a signed callback.
var callbackCodes = map[string]string{
	"00": "success",
	"01": "failed",
}

// inquiryCodes are the statusCode values of a transaction status lookup.
var inquiryCodes = map[string]string{
	"00": "success",
	"01": "pending",
	"02": "failed",
}

// CanonicalStatus translates a gateway status word. ok is false for words
// the table does not know; callers leave the payment untouched then.
func CanonicalStatus(raw string) (dispatch.PaymentStatus, bool) {
	s, ok := gatewayStatuses[strings.ToLower(strings.TrimSpace(raw))]
	return s, ok
}

// CallbackStatus translates a callback result code.
func CallbackStatus(resultCode string) (dispatch.PaymentStatus, bool) {
	word, ok := callbackCodes[strings.TrimSpace(resultCode)]
	if !ok {
		return "", false
	}
	return CanonicalStatus(word)
}

func inquiryWord(statusCode string) string {
	if w, ok := inquiryCodes[strings.TrimSpace(statusCode)]; ok {
		return w
	}
	return statusCode
}
