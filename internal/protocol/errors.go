package protocol

// Rejection codes attached to decisions on actions.
const (
	// Payload validation.
	ErrBadRequest = "E_BAD_REQUEST"

	// Target slot state.
	ErrInvalidTarget = "E_INVALID_TARGET"
	ErrStale         = "E_STALE"
	ErrNotRipe       = "E_NOT_RIPE"
	ErrConflict      = "E_CONFLICT"

	// Action routing.
	ErrUnknownAction = "E_UNKNOWN_ACTION"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrBadRequest:    {},
	ErrInvalidTarget: {},
	ErrStale:         {},
	ErrNotRipe:       {},
	ErrConflict:      {},
	ErrUnknownAction: {},
	ErrInternal:      {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
