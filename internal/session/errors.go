package session

import "errors"

var (
	// ErrInsufficientCredit blocks a send; nothing is mutated.
	ErrInsufficientCredit = errors.New("insufficient credit")
	// ErrTurnInFlight rejects a second send on a conversation whose previous
	// turn is still waiting for the tutor.
	ErrTurnInFlight     = errors.New("turn already in flight")
	ErrEmptyMessage     = errors.New("message cannot be empty")
	ErrCanceled         = errors.New("turn canceled")
	ErrTurnDiscarded    = errors.New("turn discarded after state replace")
	ErrNoPendingMission = errors.New("no pending mission for category")
	ErrLessonNotFound   = errors.New("lesson not found")
	ErrInvalidTier      = errors.New("invalid tier")
	ErrInvalidLanguage  = errors.New("invalid language")
	ErrNotCorrection    = errors.New("message is not a tutor correction")
)
