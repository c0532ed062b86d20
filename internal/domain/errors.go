package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures so callers can map them to policy
// (HTTP status, retry, tamper alarm) without parsing messages.
type ErrorKind string

const (
	KindInvalidInput           ErrorKind = "invalid_input"
	KindNotOwner               ErrorKind = "not_owner"
	KindNotParticipant         ErrorKind = "not_participant"
	KindSquadronLocked         ErrorKind = "squadron_locked"
	KindCapacityExceeded       ErrorKind = "capacity_exceeded"
	KindAssetAlreadyAssigned   ErrorKind = "asset_already_assigned"
	KindPowerDataUnavailable   ErrorKind = "power_data_unavailable"
	KindBattleNotOpen          ErrorKind = "battle_not_open"
	KindBattleNotInProgress    ErrorKind = "battle_not_in_progress"
	KindSelfJoin               ErrorKind = "self_join"
	KindIntegrityFailure       ErrorKind = "integrity_failure"
	KindConflict               ErrorKind = "conflict"
	KindArbitrationUnavailable ErrorKind = "arbitration_unavailable"
)

// Error carries a kind plus a human-readable reason. It never wraps storage
// detail intended for clients.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return e.Message }

// E builds a kinded error.
func E(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err if it is a domain error, or "".
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
