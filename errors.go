package tether

import (
	"github.com/pkg/errors"

	"github.com/outofforest/tether/handshake"
	"github.com/outofforest/tether/tmr"
)

var (
	// ErrProtocol is returned for malformed handshake messages.
	ErrProtocol = handshake.ErrProtocol

	// ErrIllegalState is returned when an operation is not allowed in the current state.
	ErrIllegalState = tmr.ErrIllegalState

	// ErrInternal reports broken internal invariant.
	ErrInternal = errors.New("internal invariant violation")
)
