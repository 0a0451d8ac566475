package main

import (
	"context"
	"sync"
	"time"

	"github.com/shaban/appmixer/hal"
	"github.com/shaban/appmixer/hal/sim"
)

// demo applications played by the simulated system
var demoApps = []struct {
	pid      int
	bundleID string
	name     string
	freq     float64
}{
	{pid: 4101, bundleID: "com.apple.Music", name: "Music", freq: 440},
	{pid: 4102, bundleID: "com.apple.Safari", name: "Safari", freq: 660},
	{pid: 4103, bundleID: "us.zoom.xos", name: "zoom.us", freq: 330},
}

// newSimSystem starts a simulated system with a render clock.
func newSimSystem(ctx context.Context) (hal.System, func(), error) {
	sys := sim.NewWithDefaults()
	for _, app := range demoApps {
		sys.AddProcess(app.pid, app.bundleID, app.name, app.freq)
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sys.Run(ctx, 5*time.Millisecond, 256)
	}()
	return sys, func() {
		cancel()
		wg.Wait()
	}, nil
}
