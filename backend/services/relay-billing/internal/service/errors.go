package service

import (
	"errors"
	"fmt"

	"relayrent/backend/services/relay-billing/internal/repository"
)

var (
	// ErrNotFound marks an unknown device, relay, session or promotion reference.
	ErrNotFound = errors.New("billing: not found")
	// ErrRelayBusy is returned by Start when the relay already has an active session.
	ErrRelayBusy = errors.New("billing: relay busy")
	// ErrNoActiveSession is returned when stopping a relay with no active session.
	ErrNoActiveSession = errors.New("billing: no active session")
	// ErrInvalidMode marks rejected start parameters. Nothing is written.
	ErrInvalidMode = errors.New("billing: invalid mode")
	// ErrPhysicalControl marks a failed relay actuation. For stop-like transitions the
	// state change is already committed when this is returned.
	ErrPhysicalControl = errors.New("billing: physical control failure")
	// ErrInvalidState is returned when a transition is not allowed from the current state.
	ErrInvalidState = errors.New("billing: invalid state")
)

// notFound converts a repository miss into ErrNotFound with context, passing other errors through.
func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
	}
	return err
}
