package exception

import "errors"

var (
	ErrPositionFlat = errors.New("position: already flat")
)
