package mpesa

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ogsolar-core/internal/apperr"
)

// Code decodes a result code sent either as a JSON number or a string.
type Code struct {
	Value int
	Set   bool
}

func (c *Code) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	s := strings.Trim(string(b), `"`)
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("result code %s: %w", b, err)
	}
	c.Value, c.Set = n, true
	return nil
}

type callbackEnvelope struct {
	Body struct {
		StkCallback *struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        Code   `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// Callback is the parsed result of one STK prompt.
type Callback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Result            Result

	// Set only when ResultCode is 0.
	Amount          decimal.Decimal
	ReceiptNumber   string
	TransactionDate time.Time
	PhoneNumber     string
}

// ParseCallback extracts the callback fields from the gateway envelope.
func ParseCallback(body []byte) (*Callback, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrCallbackParse, err)
	}
	cb := env.Body.StkCallback
	if cb == nil || cb.CheckoutRequestID == "" || !cb.ResultCode.Set {
		return nil, fmt.Errorf("%w: missing Body.stkCallback fields", apperr.ErrCallbackParse)
	}

	out := &Callback{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode.Value,
		ResultDesc:        cb.ResultDesc,
		Result:            Classify(cb.ResultCode.Value),
	}
	if out.ResultCode != 0 || cb.CallbackMetadata == nil {
		return out, nil
	}

	for _, item := range cb.CallbackMetadata.Item {
		value := strings.Trim(string(bytes.TrimSpace(item.Value)), `"`)
		switch item.Name {
		case "Amount":
			if d, err := decimal.NewFromString(value); err == nil {
				out.Amount = d
			}
		case "MpesaReceiptNumber":
			out.ReceiptNumber = value
		case "TransactionDate":
			if t, err := time.ParseInLocation(timestampLayout, value, eat); err == nil {
				out.TransactionDate = t.UTC()
			}
		case "PhoneNumber":
			out.PhoneNumber = value
		}
	}
	if out.ReceiptNumber == "" {
		return nil, fmt.Errorf("%w: successful callback without MpesaReceiptNumber", apperr.ErrCallbackParse)
	}
	return out, nil
}

// Response is the acknowledgement body returned to the gateway.
type Response struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

func Accepted() Response { return Response{ResultCode: 0, ResultDesc: "Success"} }

func Rejected(reason string) Response { return Response{ResultCode: 1, ResultDesc: reason} }
