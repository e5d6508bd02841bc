package main

import (
	"errors"
	"fmt"

	"github.com/srg/bleapp/internal/lua"
	"github.com/srg/bleapp/internal/stack"
	"github.com/srg/bleapp/pkg/bleapp"
	"github.com/srg/bleapp/pkg/config"
)

// ErrScenarioFailed is returned by simulate when an expectation did not hold.
var ErrScenarioFailed = errors.New("scenario failed")

// FormatUserError turns err into a message for the terminal, with a hint
// for the failures a user can do something about.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, config.ErrBothServiceIDs):
		return "use either --service16 or --service128, not both"
	case errors.Is(err, bleapp.ErrAlreadyRunning):
		return "the application is already running"
	case errors.Is(err, ErrScenarioFailed):
		return err.Error()
	}

	var scriptErr *lua.ScriptError
	if errors.As(err, &scriptErr) {
		return scriptErr.Error()
	}

	var stackErr *stack.Error
	if errors.As(err, &stackErr) {
		if hint := stackHint(stackErr.Code); hint != "" {
			return fmt.Sprintf("%s\nhint: %s", err.Error(), hint)
		}
	}
	return err.Error()
}

func stackHint(code stack.ErrorCode) string {
	switch code {
	case stack.CodeInitializationIncomplete, stack.CodeOperationNotPermitted:
		return "check that the Bluetooth adapter is powered on and this process may use it"
	case stack.CodeNotImplemented:
		return "the selected backend does not support this; try another --backend"
	case stack.CodeStackBusy:
		return "the adapter is busy with another operation; try again"
	case stack.CodeBufferOverflow:
		return "the advertising payload is too large; shorten --name or drop the service id"
	}
	return ""
}
