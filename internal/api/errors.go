package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an API failure so callers can pick a recovery policy
// without string-matching at every call site.
type Kind string

const (
	KindNetwork           Kind = "network"
	KindTimeout           Kind = "timeout"
	KindCooldownActive    Kind = "cooldown_active"
	KindBankLocation      Kind = "bank_location"
	KindBankAvailability  Kind = "bank_availability"
	KindInsufficientSkill Kind = "insufficient_skill"
	KindInventoryFull     Kind = "inventory_full"
	KindNotFound          Kind = "not_found"
	KindUnknown           Kind = "unknown"
)

// Error is a classified game-server failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Code       int // server domain error code, 0 if absent
	Message    string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("api: %s (%d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("api: %s: %s", e.Kind, e.Message)
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}

// Domain error codes documented by the game server.
const (
	codeCooldownActive    = 499
	codeInventoryFull     = 497
	codeMissingItem       = 478
	codeSkillTooLow       = 493
	codeBankFull          = 462
	codeInsufficientGold  = 492
	codeTransactionInFlow = 461
)

// classify maps an HTTP status, server code, and message to an error kind.
// Location faults ("bank not found on this map") are kept distinct from
// availability faults so the withdraw ladder does not invalidate the bank
// cache for a positional mistake.
func classify(status, code int, message string) Kind {
	lower := strings.ToLower(message)

	switch code {
	case codeCooldownActive:
		return KindCooldownActive
	case codeInventoryFull, codeBankFull:
		return KindInventoryFull
	case codeSkillTooLow:
		return KindInsufficientSkill
	}

	if strings.Contains(lower, "bank not found on this map") ||
		strings.Contains(lower, "no bank on this map") {
		return KindBankLocation
	}
	if strings.Contains(lower, "not enough") ||
		strings.Contains(lower, "insufficient") ||
		strings.Contains(lower, "not found in bank") {
		return KindBankAvailability
	}
	if strings.Contains(lower, "skill level") && strings.Contains(lower, "required") {
		return KindInsufficientSkill
	}

	switch {
	case status == http.StatusNotFound || code == codeMissingItem:
		return KindNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindNetwork
	}
	return KindUnknown
}

// Retryable reports whether the error is transient (network or timeout).
func Retryable(err error) bool {
	return IsKind(err, KindNetwork) || IsKind(err, KindTimeout)
}
