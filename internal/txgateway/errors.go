package txgateway

import (
	"fmt"
	"strings"
)

// Code classifies a submission failure. Callers branch on the code, never
// on error text: STALE_OBJECT and NO_GAS are retryable after refresh,
// the rest are not.
type Code string

const (
	CodeInvalidInput Code = "INVALID_INPUT"
	CodeStaleObject  Code = "STALE_OBJECT"
	CodeDryRunFailed Code = "DRY_RUN_FAILED"
	CodeSubmitFailed Code = "SUBMIT_FAILED"
	CodeNoGas        Code = "NO_GAS"
)

// Error is the typed failure every gateway operation returns.
type Error struct {
	Code      Code
	RequestID string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("txgateway [%s] %s: %s: %v", e.RequestID, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("txgateway [%s] %s: %s", e.RequestID, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure can succeed on a later attempt
// with refreshed object versions or replenished gas.
func (e *Error) Retryable() bool {
	return e.Code == CodeStaleObject || e.Code == CodeNoGas
}

// staleObjectPatterns are the node error fragments that indicate a
// transaction referenced an outdated object version.
var staleObjectPatterns = []string{
	"ObjectVersionUnavailable",
	"not available for consumption",
	"Object version mismatch",
	"stale object",
}

// noGasPatterns indicate the sender cannot cover gas.
var noGasPatterns = []string{
	"No valid gas coins",
	"GasBalanceTooLow",
	"Cannot find gas coin",
}

func matchesAny(msg string, patterns []string) bool {
	msg = strings.ToLower(msg)
	for _, p := range patterns {
		if strings.Contains(msg, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// classify maps a node error message onto the failure taxonomy, with the
// given fallback when no pattern matches.
func classify(msg string, fallback Code) Code {
	switch {
	case matchesAny(msg, staleObjectPatterns):
		return CodeStaleObject
	case matchesAny(msg, noGasPatterns):
		return CodeNoGas
	default:
		return fallback
	}
}
