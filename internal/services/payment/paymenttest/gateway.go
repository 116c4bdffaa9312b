// Package paymenttest provides a scripted mobile money gateway and callback
// bodies for tests of the payment flow.
package paymenttest

import (
	"context"
	"fmt"
	"sync"

	"ogsolar-core/internal/mpesa"
)

// Gateway hands out checkout ids ws_CO_TEST_1, ws_CO_TEST_2, ... unless
// PushErr is set. OnPush runs before each push is answered.
type Gateway struct {
	mu       sync.Mutex
	PushErr  error
	Attempts int
	Pushes   []mpesa.STKPushRequest
	OnPush   func()

	Query    map[string]*mpesa.QueryResult
	QueryErr error
	Queries  []string
}

func (g *Gateway) InitiateSTKPush(_ context.Context, in mpesa.STKPushRequest) (*mpesa.STKPushResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Pushes = append(g.Pushes, in)
	if g.OnPush != nil {
		g.OnPush()
	}
	if g.PushErr != nil {
		return nil, g.PushErr
	}
	attempts := g.Attempts
	if attempts == 0 {
		attempts = 1
	}
	n := len(g.Pushes)
	return &mpesa.STKPushResult{
		CheckoutRequestID: fmt.Sprintf("ws_CO_TEST_%d", n),
		MerchantRequestID: fmt.Sprintf("29115-%d", n),
		CustomerMessage:   "Success. Request accepted for processing",
		RawResponse:       `{"ResponseCode":"0"}`,
		Attempts:          attempts,
	}, nil
}

func (g *Gateway) QueryStatus(_ context.Context, checkoutRequestID string) (*mpesa.QueryResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Queries = append(g.Queries, checkoutRequestID)
	if g.QueryErr != nil {
		return nil, g.QueryErr
	}
	if res, ok := g.Query[checkoutRequestID]; ok {
		return res, nil
	}
	return &mpesa.QueryResult{Pending: true}, nil
}

// SuccessCallback is a ResultCode 0 envelope. transactionDate is the
// gateway's YYYYMMDDHHMMSS local time.
func SuccessCallback(checkoutID, receipt string, amount int64, transactionDate string) []byte {
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{
		"MerchantRequestID":"29115-1",
		"CheckoutRequestID":%q,
		"ResultCode":0,
		"ResultDesc":"The service request is processed successfully.",
		"CallbackMetadata":{"Item":[
			{"Name":"Amount","Value":%d},
			{"Name":"MpesaReceiptNumber","Value":%q},
			{"Name":"TransactionDate","Value":%s},
			{"Name":"PhoneNumber","Value":254700111222}
		]}}}}`, checkoutID, amount, receipt, transactionDate))
}

func FailureCallback(checkoutID string, code int, desc string) []byte {
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{
		"MerchantRequestID":"29115-1",
		"CheckoutRequestID":%q,
		"ResultCode":%d,
		"ResultDesc":%q}}}`, checkoutID, code, desc))
}
