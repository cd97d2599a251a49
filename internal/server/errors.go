package server

import (
	"context"
	"errors"
	"fmt"

	"zigbee-ws-server/internal/controller"
	"zigbee-ws-server/internal/registry"
)

// Wire error codes.
const (
	errMalformedMessage     = "MalformedMessage"
	errDuplicateCommandID   = "DuplicateCommandId"
	errUnknownCommandType   = "UnknownCommandType"
	errInvalidParameters    = "InvalidParameters"
	errNetworkNotReady      = "NetworkNotReady"
	errNetworkBusy          = "NetworkBusy"
	errRadioOperationFailed = "RadioOperationFailed"
	errTimeout              = "Timeout"
	errInternalError        = "InternalError"
	errDeviceNotFound       = "DeviceNotFound"
	errGroupNotFound        = "GroupNotFound"
	errGroupExists          = "GroupExists"
)

// CommandError is a structured error carried back to the client in a
// response. Handlers return one directly when they already know the wire
// code; everything else goes through toCommandError.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func cmdErrf(code, format string, args ...any) *CommandError {
	return &CommandError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// toCommandError maps internal errors to wire errors at the dispatcher
// boundary. Unrecognized errors become InternalError so handler faults never
// leak raw internals to clients.
func toCommandError(err error) *CommandError {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return cmdErrf(errTimeout, "operation timed out: %v", err)
	}
	if errors.Is(err, controller.ErrBusy) {
		return cmdErrf(errNetworkBusy, "%v", err)
	}

	var stateErr *controller.StateError
	if errors.As(err, &stateErr) {
		return cmdErrf(errNetworkNotReady, "%v", stateErr)
	}
	var radioErr *controller.RadioError
	if errors.As(err, &radioErr) {
		return cmdErrf(errRadioOperationFailed, "%v", radioErr)
	}

	switch {
	case errors.Is(err, registry.ErrDeviceNotFound):
		return cmdErrf(errDeviceNotFound, "%v", err)
	case errors.Is(err, registry.ErrGroupNotFound):
		return cmdErrf(errGroupNotFound, "%v", err)
	case errors.Is(err, registry.ErrGroupExists):
		return cmdErrf(errGroupExists, "%v", err)
	}

	return cmdErrf(errInternalError, "internal error: %v", err)
}
