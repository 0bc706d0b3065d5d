package models

import "errors"

// Error taxonomy shared across the engine and its callers. Venue transport errors
// are ordinary wrapped errors; these sentinels classify outcomes the task loops
// need to tell apart.
var (
	// ErrInvalidConfig: bad ladder parameters. Fatal to the call, not the bot.
	ErrInvalidConfig = errors.New("invalid grid configuration")

	// ErrInsufficientFunds: the grid cannot be funded. The triggering operation
	// aborts; the bot keeps running with its prior state.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrRebalanceFailed: the marketable-limit rebalance buy did not complete.
	ErrRebalanceFailed = errors.New("rebalance failed")

	// ErrShiftAborted: a window shift stopped before any state changed.
	ErrShiftAborted = errors.New("window shift aborted")

	// ErrShiftCompensationFailed: the shift failed AND re-placing the canceled
	// bottom order failed. The ladder is narrower than configured; the condition
	// is detectable and needs operator attention, the bot keeps running.
	ErrShiftCompensationFailed = errors.New("window shift compensation failed")

	// ErrStopLossBreached: price crossed the stop loss; the bot is forcibly stopped.
	ErrStopLossBreached = errors.New("stop loss breached")

	// ErrTakeProfitReached: price crossed the take profit; the bot is stopped the
	// same way, the outcome just reads better.
	ErrTakeProfitReached = errors.New("take profit reached")

	// ErrBotNotFound: the referenced bot does not exist in the ledger.
	ErrBotNotFound = errors.New("bot not found")
)
