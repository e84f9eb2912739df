package exception

import "errors"

var (
	ErrReservationConflict = errors.New("reservation: conflicting active reservation for symbol")
	ErrReservationUnknown  = errors.New("reservation: token not found")
	ErrReservationExpired  = errors.New("reservation: expired")
	ErrReservationClosed   = errors.New("reservation: already committed or released")
)
