// Command appmixer routes, scales and equalizes the audio of individual
// applications.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	"github.com/shaban/appmixer"
	"github.com/shaban/appmixer/config"
	"github.com/shaban/appmixer/hal"
	"github.com/shaban/appmixer/internal/cli"
	"github.com/shaban/appmixer/prefs"
)

var (
	version = "0.1.0"
)

// CLI defines the command-line interface
type CLI struct {
	Version kong.VersionFlag `short:"v" help:"Show version information"`
	Config  string           `short:"c" type:"path" help:"Path to YAML config file (optional)"`
	Prefs   string           `type:"path" help:"Preferences file (defaults to the user config directory)"`
	Sim     bool             `help:"Use the simulated audio system with demo applications"`

	Devices DevicesCmd `cmd:"" help:"List audio devices"`
	Apps    AppsCmd    `cmd:"" help:"List applications producing audio"`
	Run     RunCmd     `cmd:"" default:"withargs" help:"Run the mixer until interrupted"`
	Export  ExportCmd  `cmd:"" help:"Print the mix of running applications as JSON"`
}

// env is what every command runs against.
type env struct {
	cfg    config.Config
	sys    hal.System
	prefs  prefs.Store
	stop   func()
	engine *appmixer.Engine
}

func (c *CLI) open(ctx context.Context) (*env, error) {
	cfg := config.Default()
	if c.Config != "" {
		var err error
		if cfg, err = config.Load(c.Config); err != nil {
			return nil, err
		}
	}
	if err := cfg.Logging.Apply(logrus.StandardLogger()); err != nil {
		return nil, err
	}

	store, err := c.openPrefs(cfg)
	if err != nil {
		return nil, err
	}
	sys, stop, err := newSystem(ctx, c.Sim)
	if err != nil {
		return nil, err
	}

	engine, err := appmixer.NewEngine(appmixer.EngineConfig{
		Name:           "appmixer",
		System:         sys,
		Config:         &cfg,
		Preferences:    store,
		WatchProcesses: true,
		Notifier: appmixer.NotifierFuncs{
			Disconnected: func(n appmixer.DeviceNotice) {
				logrus.WithFields(logrus.Fields{"device": n.Name, "rerouted": n.RoutingChanged}).Warn("output device disconnected")
			},
			Reconnected: func(n appmixer.DeviceNotice) {
				logrus.WithFields(logrus.Fields{"device": n.Name, "rerouted": n.RoutingChanged}).Info("output device reconnected")
			},
		},
	})
	if err != nil {
		stop()
		return nil, err
	}
	return &env{cfg: cfg, sys: sys, prefs: store, stop: stop, engine: engine}, nil
}

func (c *CLI) openPrefs(cfg config.Config) (prefs.Store, error) {
	if c.Sim && c.Prefs == "" {
		return prefs.FromConfig(cfg), nil
	}
	path := c.Prefs
	if path == "" {
		var err error
		if path, err = prefs.DefaultPath(); err != nil {
			return nil, err
		}
	}
	f, err := prefs.OpenFile(path)
	if err != nil {
		return nil, err
	}
	// config entries seed apps the file does not know yet
	for key, app := range cfg.Apps {
		if _, ok := f.Load(key); !ok {
			if err := f.Save(key, prefs.Seed(cfg, app)); err != nil {
				return nil, err
			}
		}
	}
	return f, nil
}

func (e *env) close() {
	_ = e.engine.Close()
	e.stop()
}

// DevicesCmd lists devices.
type DevicesCmd struct {
	Inputs bool `help:"List input devices instead of outputs"`
}

func (d *DevicesCmd) Run(c *CLI) error {
	e, err := c.open(context.Background())
	if err != nil {
		return err
	}
	defer e.close()

	list := e.engine.OutputDevices()
	def, _ := e.engine.DefaultOutput()
	if d.Inputs {
		list = e.engine.InputDevices()
		def.UID = ""
	}
	fmt.Println(cli.DevicesTable(list, def.UID))
	return nil
}

// AppsCmd lists applications once their sessions are up.
type AppsCmd struct {
	Settle time.Duration `default:"300ms" help:"Time to let sessions start before listing"`
}

func (a *AppsCmd) Run(c *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	if err := e.engine.Start(); err != nil {
		return err
	}
	time.Sleep(a.Settle)
	apps, err := e.engine.Applications()
	if err != nil {
		return err
	}
	fmt.Println(cli.AppsTable(apps))
	return nil
}

// RunCmd runs the mixer and prints a status table periodically.
type RunCmd struct {
	Interval time.Duration      `default:"2s" help:"Status refresh interval"`
	For      time.Duration      `help:"Stop after this long (0 runs until interrupted)"`
	Volume   map[string]float32 `help:"Initial volume per application key (key=volume)"`
	Route    map[string]string  `help:"Initial output device per application key (key=uid)"`
}

func (r *RunCmd) Run(c *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if r.For > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, r.For)
		defer stop()
	}

	e, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	for key, v := range r.Volume {
		p := e.preferences(key)
		p.Volume = v
		if err := e.prefs.Save(key, p); err != nil {
			return err
		}
	}
	for key, uid := range r.Route {
		p := e.preferences(key)
		p.DeviceUID = uid
		if err := e.prefs.Save(key, p); err != nil {
			return err
		}
	}

	if err := e.engine.Start(); err != nil {
		return err
	}
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			st, err := e.engine.Status()
			if err != nil {
				return err
			}
			fmt.Println(cli.StatusView(st))
		}
	}
}

func (e *env) preferences(key string) prefs.App {
	if p, ok := e.prefs.Load(key); ok {
		return p
	}
	if app, ok := e.cfg.Apps[key]; ok {
		return prefs.Seed(e.cfg, app)
	}
	return prefs.App{Volume: e.cfg.Volume.Default}
}

// ExportCmd prints the mix of running applications.
type ExportCmd struct {
	Settle time.Duration `default:"300ms" help:"Time to let sessions start before exporting"`
}

func (x *ExportCmd) Run(c *CLI) error {
	e, err := c.open(context.Background())
	if err != nil {
		return err
	}
	defer e.close()

	if err := e.engine.Start(); err != nil {
		return err
	}
	time.Sleep(x.Settle)
	return appmixer.NewSerializer(e.engine).SaveToWriter(os.Stdout)
}

func main() {
	cliArgs := &CLI{}
	ctx := kong.Parse(cliArgs,
		kong.Name("appmixer"),
		kong.Description("Per-application volume, EQ and output routing"),
		kong.UsageOnError(),
		kong.Vars{
			"version": version,
		},
		kong.Help(cli.StyledHelpPrinter("Per-application volume, EQ and output routing")),
	)

	if err := ctx.Run(cliArgs); err != nil {
		cli.PrintError(os.Stderr, err.Error())
		os.Exit(1)
	}
}
