package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bleapp/internal/lua"
	"github.com/srg/bleapp/internal/monitor"
	"github.com/srg/bleapp/internal/stack"
	"github.com/srg/bleapp/internal/stack/goble"
	"github.com/srg/bleapp/internal/stack/sim"
	"github.com/srg/bleapp/internal/stack/tinygo"
	"github.com/srg/bleapp/pkg/bleapp"
	"github.com/srg/bleapp/pkg/config"
)

const monitorShutdownTimeout = 5 * time.Second

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Advertise, scan and connect until interrupted",
	Long: `Starts the BLE stack, then advertises under --name and scans for a
peer advertising --target. The first peer to connect, in either direction,
stops both; advertising and scanning resume when it disconnects.

A Lua script given with --script may define hooks such as on_connect(ev),
on_disconnect(ev), on_write(ev) or on_advertising_report(ev), and may call
ble.set_advertising_name, ble.set_target_name and ble.set_service_id.

With --listen the status, event history and recent logs are served over HTTP,
events are streamed on /ws and PUT /config reconfigures the application.

Examples:
  bleapp run --name sensor-a --target sensor-b
  bleapp run --backend sim --name demo --service16 180d --listen 127.0.0.1:8080`,
	Args: cobra.NoArgs,
	RunE: runApp,
}

func init() {
	f := runCmd.Flags()
	f.String("backend", "goble", "BLE backend (goble, tinygo, sim)")
	f.String("name", "", "Name to advertise")
	f.String("target", "", "Name of the peer to connect to")
	f.String("service16", "", "16-bit service id to advertise, hex (e.g. 180d)")
	f.String("service128", "", "128-bit service id to advertise")
	f.Duration("adv-interval", 40*time.Millisecond, "Advertising interval")
	f.Duration("adv-duration", 10*time.Second, "Advertising round duration (0 for unbounded)")
	f.Duration("scan-duration", 10*time.Second, "Scan round duration (0 for unbounded)")
	f.Duration("connect-timeout", 30*time.Second, "Connection timeout (goble backend)")
	f.String("script", "", "Lua script with event hooks")
	f.String("listen", "", "Serve the monitor on this address (e.g. 127.0.0.1:8080)")
	f.Int("history-size", 256, "Events kept by the monitor")
	f.Bool("verbose", false, "Enable debug logging")
}

func runApp(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, cmd.OutOrStdout(), cmd.ErrOrStderr(), nil)
}

// serve runs the application until ctx is done or it stops on its own.
// ready, if set, runs on the application queue once the configuration and
// the script are applied.
func serve(ctx context.Context, cfg *config.Config, out, errOut io.Writer, ready func(*bleapp.App)) error {
	logger, tail := configureLogger(cfg, errOut)

	st, err := newBackend(cfg, logger)
	if err != nil {
		return err
	}
	app := bleapp.New(st, cfg.ActivityOptions(logger)...)

	printer := NewEventPrinter(out, colorEnabled(out))
	app.AddGapEventHandler(printer)
	app.AddGattServerEventHandler(printer)

	var engine *lua.Engine
	if cfg.Script != "" {
		engine = lua.NewEngine(app, logger)
		defer engine.Close()

		drainer := lua.NewOutputDrainer(ctx, engine.Output().C(), logger, out)
		defer func() {
			drainer.Cancel()
			drainer.Wait()
		}()

		hooks := lua.NewListener(engine)
		app.AddGapEventHandler(hooks)
		app.AddGattServerEventHandler(hooks)
	}

	if cfg.Listen != "" {
		rec := monitor.NewRecorder(cfg.HistorySize, logger)
		app.AddGapEventHandler(rec)
		app.AddGattServerEventHandler(rec)

		srv := monitor.NewServer(app, rec, tail, logger)
		addr, err := srv.Start(cfg.Listen)
		if err != nil {
			return fmt.Errorf("failed to start monitor: %w", err)
		}
		fmt.Fprintf(out, "Monitor on http://%s\n", addr)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), monitorShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				logger.WithError(err).Warn("Monitor shutdown failed")
			}
		}()
	}

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			logger.Info("Received interrupt signal, shutting down...")
			app.Stop()
		case <-finished:
		}
	}()

	// postInit runs on the queue goroutine, the one Start runs on
	var setupErr error
	err = app.Start(func(a *bleapp.App) {
		if err := cfg.Apply(a); err != nil {
			setupErr = err
			a.Stop()
			return
		}
		if engine != nil {
			logger.WithField("file", cfg.Script).Info("Loading Lua script")
			if err := engine.LoadFile(cfg.Script); err != nil {
				setupErr = err
				a.Stop()
				return
			}
		}
		if ready != nil {
			ready(a)
		}
	})

	switch {
	case err != nil:
		return err
	case setupErr != nil:
		return setupErr
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return nil
}

// newBackend creates the stack named by cfg.Backend.
func newBackend(cfg *config.Config, logger *logrus.Logger) (stack.Stack, error) {
	switch cfg.Backend {
	case "goble":
		return goble.New(goble.WithLogger(logger), goble.WithConnectTimeout(cfg.ConnectTimeout)), nil
	case "tinygo":
		return tinygo.New(tinygo.WithLogger(logger)), nil
	case "sim":
		return sim.New(sim.WithLogger(logger), sim.WithTimers(true)), nil
	}
	return nil, errors.New("unknown backend: " + cfg.Backend)
}
