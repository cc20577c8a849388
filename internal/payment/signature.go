package payment

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
)

// CallbackSignature is md5(merchantCode + amount + merchantOrderId + apiKey),
// hex encoded, as the gateway signs its callbacks.
func CallbackSignature(merchantCode, amount, orderID, apiKey string) string {
	sum := md5.Sum([]byte(merchantCode + amount + orderID + apiKey))
	return hex.EncodeToString(sum[:])
}

// VerifyCallback compares in constant time.
func VerifyCallback(cb Callback, merchantCode, apiKey string) bool {
	if cb.Signature == "" || cb.MerchantCode != merchantCode {
		return false
	}
	want := CallbackSignature(cb.MerchantCode, cb.Amount, cb.MerchantOrderID, apiKey)
	return subtle.ConstantTimeCompare([]byte(want), []byte(cb.Signature)) == 1
}

func requestSignature(merchantCode, orderID string, amount int64, apiKey string) string {
	sum := md5.Sum([]byte(merchantCode + orderID + strconv.FormatInt(amount, 10) + apiKey))
	return hex.EncodeToString(sum[:])
}

func statusSignature(merchantCode, orderID, apiKey string) string {
	sum := md5.Sum([]byte(merchantCode + orderID + apiKey))
	return hex.EncodeToString(sum[:])
}
