// Package admission implements the pre-trade gates: config presence,
// enablement, rate limiting, wallet balance and per-side exposure.
package admission

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Reason classifies why a candidate trade was declined. Callers branch on
// the Reason value, never on message text.
type Reason string

const (
	ReasonGenErr          Reason = "GEN_ERR"
	ReasonNoConfig        Reason = "NO_CONFIG"
	ReasonDisabled        Reason = "DISABLED"
	ReasonLowProfitPre    Reason = "LOW_PROFIT_PRE"
	ReasonRateTooHigh     Reason = "RATE_TOO_HIGH"
	ReasonLowProfit       Reason = "LOW_PROFIT"
	ReasonLowBalance      Reason = "LOW_BALANCE"
	ReasonMaxLtMin        Reason = "MAX_LT_MIN"
	ReasonValidationFail  Reason = "VALIDATION_FAIL"
	ReasonOptConstrFail   Reason = "OPT_CONSTR_FAIL"
	ReasonTooFrequentSolve Reason = "TOO_FREQUENT_SOLVE"
	ReasonSolValidFail    Reason = "SOL_VALID_FAIL"
	ReasonLowBal          Reason = "LOW_BAL"
	ReasonSideLimit       Reason = "SIDE_LIMIT"
)

var reasonMessages = map[Reason]string{
	ReasonGenErr:          "uncategorized exception",
	ReasonNoConfig:        "missing config",
	ReasonDisabled:        "trade disabled",
	ReasonLowProfitPre:    "low profit (pre)",
	ReasonRateTooHigh:     "opportunity creation rate limit",
	ReasonLowProfit:       "low profit",
	ReasonLowBalance:      "low balance",
	ReasonMaxLtMin:        "calculated capacity max < min",
	ReasonValidationFail:  "failed DTO validation",
	ReasonOptConstrFail:   "optimization failed hard constraint",
	ReasonTooFrequentSolve: "too frequent solver invocation",
	ReasonSolValidFail:    "optimization solution failed validation",
	ReasonLowBal:          "low wallet balance",
	ReasonSideLimit:       "limited due to high trade sum on one side",
}

// Message returns the short human description of the reason.
func (r Reason) Message() string {
	if msg, ok := reasonMessages[r]; ok {
		return msg
	}
	return string(r)
}

// Rejection is an expected, high-frequency admission outcome. It is a
// plain value carrying no stack trace; declined trades are control flow,
// not bugs.
type Rejection struct {
	Reason    Reason
	Value     decimal.Decimal
	Threshold decimal.Decimal
	bounded   bool
}

func (r *Rejection) Error() string {
	if r.bounded {
		return fmt.Sprintf("rejected (%s): %s, value %s vs threshold %s",
			r.Reason, r.Reason.Message(), r.Value, r.Threshold)
	}
	return fmt.Sprintf("rejected (%s): %s", r.Reason, r.Reason.Message())
}

// Reject builds a Rejection for the given reason.
func Reject(reason Reason) error {
	return &Rejection{Reason: reason}
}

// RejectBounded builds a Rejection recording the offending value and the
// threshold it failed against.
func RejectBounded(reason Reason, value, threshold decimal.Decimal) error {
	return &Rejection{Reason: reason, Value: value, Threshold: threshold, bounded: true}
}

// ReasonOf extracts the rejection reason from err, if it is one.
func ReasonOf(err error) (Reason, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

// IsRejection reports whether err is an admission rejection.
func IsRejection(err error) bool {
	_, ok := ReasonOf(err)
	return ok
}

// ValidateAtLeast rejects with reason unless value >= threshold.
func ValidateAtLeast(reason Reason, value, threshold decimal.Decimal) error {
	if value.GreaterThanOrEqual(threshold) {
		return nil
	}
	return RejectBounded(reason, value, threshold)
}
