package domain

import "errors"

// Error is an engine error kind with a stable machine-readable code.
// Callers compare with errors.Is against the sentinels below.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

var (
	ErrPacketNotFound              = &Error{Code: "packet_not_found", Message: "packet not found"}
	ErrPacketNotActive             = &Error{Code: "packet_not_active", Message: "packet is no longer active"}
	ErrPacketExpired               = &Error{Code: "packet_expired", Message: "packet has expired"}
	ErrAlreadyClaimed              = &Error{Code: "already_claimed", Message: "packet already claimed by this account"}
	ErrNoSharesRemaining           = &Error{Code: "no_shares_remaining", Message: "no shares remaining"}
	ErrInvalidPenaltyConfiguration = &Error{Code: "invalid_penalty_configuration", Message: "penalty packets need 5 or 10 shares and a penalty digit between 0 and 9"}
	ErrInsufficientBalance         = &Error{Code: "insufficient_balance", Message: "insufficient balance"}
	ErrInvalidAmountOrShareCount   = &Error{Code: "invalid_amount_or_share_count", Message: "invalid amount or share count"}
	ErrInvalidCurrency             = &Error{Code: "invalid_currency", Message: "unsupported currency"}
	ErrInvalidRequest              = &Error{Code: "invalid_request", Message: "invalid request"}
	ErrClaimNotAttempted           = &Error{Code: "claim_not_attempted", Message: "claim timed out before it was attempted; retry is safe"}
)

// CodeInternal is reported for any error that is not an engine error kind.
const CodeInternal = "internal_error"

// ErrorCode returns the stable code of the first engine error in err's chain.
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
