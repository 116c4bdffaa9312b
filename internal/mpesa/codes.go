package mpesa

import "strconv"

type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeCancelled
	OutcomeDeclined
	OutcomeTimedOut
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeDeclined:
		return "declined"
	case OutcomeTimedOut:
		return "timed_out"
	}
	return "failed"
}

// Result is a gateway result code with its customer-facing text.
type Result struct {
	Code    int
	Outcome Outcome
	Message string
}

// UserCancelled is true for the codes where the customer, not the network,
// ended the payment.
func (r Result) UserCancelled() bool { return r.Outcome == OutcomeCancelled }

func (r Result) Success() bool { return r.Outcome == OutcomeCompleted }

func Classify(code int) Result {
	r := Result{Code: code}
	switch code {
	case 0:
		r.Outcome, r.Message = OutcomeCompleted, "Payment completed"
	case 1:
		r.Outcome, r.Message = OutcomeCancelled, "Payment was cancelled: insufficient funds"
	case 17, 26:
		r.Outcome, r.Message = OutcomeCancelled, "Payment was cancelled"
	case 2:
		r.Outcome, r.Message = OutcomeDeclined, "Payment declined: wrong PIN"
	case 3:
		r.Outcome, r.Message = OutcomeDeclined, "Payment declined"
	case 4:
		r.Outcome, r.Message = OutcomeDeclined, "Payment declined: wrong expiry date"
	case 1032:
		r.Outcome, r.Message = OutcomeTimedOut, "Payment timed out"
	case 2001:
		r.Outcome, r.Message = OutcomeFailed, "Payment failed: insufficient balance"
	case 2018:
		r.Outcome, r.Message = OutcomeFailed, "Payment failed: service busy, please retry"
	default:
		r.Outcome, r.Message = OutcomeFailed, "Payment failed"
	}
	return r
}

// ClassifyString handles codes the gateway sends as strings.
func ClassifyString(code string) Result {
	n, err := strconv.Atoi(code)
	if err != nil {
		return Result{Code: -1, Outcome: OutcomeFailed, Message: "Payment failed"}
	}
	return Classify(n)
}

func transientResponseCode(code string) bool {
	switch code {
	case "1", "24", "25":
		return true
	}
	return false
}
