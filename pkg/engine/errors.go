package engine

import "errors"

var (
	ErrLeverageExceeded     = errors.New("leverage exceeds maximum")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrPositionSizeExceeded = errors.New("position size exceeds maximum")
	ErrPositionLimit        = errors.New("too many open positions")
	ErrPriceUnavailable     = errors.New("price data not available")
	ErrUnauthorized         = errors.New("position belongs to another user")
	ErrUnknownAction        = errors.New("unknown action")
)
