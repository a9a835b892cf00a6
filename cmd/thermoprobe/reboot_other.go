//go:build !linux

package main

import (
	"context"
	"errors"
)

func reboot(context.Context) error {
	return errors.New("reboot: not supported on this platform")
}
