package goble

import (
	"context"
	"errors"
	"strings"

	"github.com/srg/bleapp/internal/stack"
)

// NormalizeError maps known go-ble error strings to stack error codes. The
// native error is kept as the cause. Errors that already carry a code are
// returned unchanged.
func NormalizeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *stack.Error
	if errors.As(err, &se) {
		return err
	}
	return stack.WrapError(op, classify(err), err)
}

func classify(err error) stack.ErrorCode {
	if errors.Is(err, context.DeadlineExceeded) {
		return stack.CodeStackBusy
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return stack.CodeInternalStackFailure
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return stack.CodeInternalStackFailure
	case containsIgnoreCase(msg, "can't init hci"), containsIgnoreCase(msg, "operation not permitted"):
		return stack.CodeOperationNotPermitted
	case containsIgnoreCase(msg, "device already connected"):
		return stack.CodeInvalidState
	case containsIgnoreCase(msg, "device not connected"), containsIgnoreCase(msg, "disconnected"):
		return stack.CodeInvalidState
	case containsIgnoreCase(msg, "connection is not initialized"):
		return stack.CodeInitializationIncomplete
	case containsIgnoreCase(msg, "not supported"), containsIgnoreCase(msg, "not implemented"):
		return stack.CodeNotImplemented
	default:
		return stack.CodeUnspecified
	}
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
