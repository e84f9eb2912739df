package exception

import "errors"

var (
	ErrOrderInvalidRequest    = errors.New("order: invalid request")
	ErrOrderUnknown           = errors.New("order: not found")
	ErrOrderDuplicate         = errors.New("order: duplicate idempotency key")
	ErrOrderInvalidTransition = errors.New("order: invalid state transition")
	ErrOrderNotCancelable     = errors.New("order: not cancelable in current state")
	ErrOrderRiskRejected      = errors.New("order: rejected by risk validation")
	ErrOrderHalted            = errors.New("order: halted")
	ErrOrderRetriesExhausted  = errors.New("order: broker retries exhausted")
)
