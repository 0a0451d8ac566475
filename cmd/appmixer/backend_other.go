//go:build !darwin || !cgo

package main

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/shaban/appmixer/hal"
)

// newSystem always simulates: process taps need macOS.
func newSystem(ctx context.Context, useSim bool) (hal.System, func(), error) {
	if !useSim {
		logrus.Warn("process taps need macOS, using the simulated audio system")
	}
	return newSimSystem(ctx)
}
