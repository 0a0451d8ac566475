//go:build darwin && cgo

package main

import (
	"context"

	"github.com/shaban/appmixer/hal"
	"github.com/shaban/appmixer/hal/coreaudio"
)

func newSystem(ctx context.Context, useSim bool) (hal.System, func(), error) {
	if useSim {
		return newSimSystem(ctx)
	}
	sys, err := coreaudio.New()
	if err != nil {
		return nil, nil, err
	}
	return sys, sys.Close, nil
}
