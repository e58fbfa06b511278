package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrUnauthorized    = "E_UNAUTHORIZED"
	ErrRateLimit       = "E_RATE_LIMIT"

	// Ledger outcomes.
	ErrTransient        = "E_TRANSIENT"
	ErrSimulationFailed = "E_SIMULATION_FAILED"
	ErrStale            = "E_STALE"
	ErrDecode           = "E_DECODE"
	ErrNotFound         = "E_NOT_FOUND"
	ErrInternal         = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:  {},
	ErrUnauthorized:     {},
	ErrRateLimit:        {},
	ErrTransient:        {},
	ErrSimulationFailed: {},
	ErrStale:            {},
	ErrDecode:           {},
	ErrNotFound:         {},
	ErrInternal:         {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
