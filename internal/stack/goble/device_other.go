//go:build !linux && !darwin

package goble

import (
	"github.com/srg/bleapp/internal/stack"
)

func newDefaultDevice() (Device, error) {
	return nil, stack.NewError("NewDevice", stack.CodeNotImplemented)
}
