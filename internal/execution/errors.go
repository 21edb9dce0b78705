// Package execution places follower orders through the execution wallet and
// settles the proceeds back to each follower's proxy.
package execution

import (
	"errors"
	"fmt"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// Failure codes stored on failed copy trades.
const (
	CodeInsufficientProxyFunds = "INSUFFICIENT_PROXY_FUNDS"
	CodeAllowanceMissing       = "ALLOWANCE_MISSING"
	CodeOrderRejected          = "ORDER_REJECTED"
	CodeRPCFailure             = "RPC_FAILURE"
	CodeInvalidToken           = "INVALID_TOKEN"
	CodeInvalidOrder           = "INVALID_ORDER"

	// CodeTxInFlight marks a transfer that was broadcast but not yet seen
	// mined. The trade is held and the transfer looked up on the next
	// attempt instead of being sent again.
	CodeTxInFlight = "TX_IN_FLIGHT"
	// CodeReconcileRequired marks a transfer whose nonce was consumed by a
	// transaction we never saw. Only an operator can tell what moved.
	CodeReconcileRequired = "RECONCILE_REQUIRED"
	// CodeLedgerUnrecorded is kept on a filled trade whose float
	// reimbursement could not be written.
	CodeLedgerUnrecorded = "LEDGER_UNRECORDED"
)

// Guardrail codes, recorded when a trade is refused before it starts.
const (
	CodeEmergencyPause         = "EMERGENCY_PAUSE"
	CodeMaxTradeExceeded       = "MAX_TRADE_EXCEEDED"
	CodeGlobalDailyCapExceeded = "GLOBAL_DAILY_CAP_EXCEEDED"
	CodeWalletDailyCapExceeded = "WALLET_DAILY_CAP_EXCEEDED"
	CodeMarketDailyCapExceeded = "MARKET_DAILY_CAP_EXCEEDED"
	CodeTradeRateExceeded      = "TRADE_RATE_LIMIT_EXCEEDED"
	CodeGlobalRateLimit        = "GLOBAL_RATE_LIMIT"
	CodeUserRateLimit          = "USER_RATE_LIMIT"
	CodeSignalStale            = "SIGNAL_STALE"
)

// Error classifies an execution failure.
type Error struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "execution: " + e.Code
	}
	return fmt.Sprintf("execution: %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func fail(code string, retryable bool, format string, args ...any) *Error {
	return &Error{Code: code, Retryable: retryable, Err: fmt.Errorf(format, args...)}
}

func rpcFailure(op string, err error) *Error {
	return &Error{Code: CodeRPCFailure, Retryable: true, Err: fmt.Errorf("%s: %w", op, err)}
}

func inFlight(op string, ref domain.TxRef, err error) *Error {
	return &Error{Code: CodeTxInFlight, Retryable: true, Err: fmt.Errorf("%s %s: %w", op, ref.Hash.Hex(), err)}
}

func unprovable(op string, ref domain.TxRef) *Error {
	return fail(CodeReconcileRequired, false, "%s %s: nonce %d consumed by another transaction", op, ref.Hash.Hex(), ref.Nonce)
}

// Classify returns the code and retryability of err. Unclassified errors are
// treated as retryable RPC failures.
func Classify(err error) (string, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, e.Retryable
	}
	return CodeRPCFailure, true
}
