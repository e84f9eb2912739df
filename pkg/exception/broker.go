package exception

import "errors"

var (
	ErrBrokerUnavailable   = errors.New("broker: unavailable")
	ErrBrokerOrderUnknown  = errors.New("broker: order not found")
	ErrBrokerDecodeBody    = errors.New("broker: decode response body")
	ErrBrokerEmptyOrderID  = errors.New("broker: empty response order id")
)
