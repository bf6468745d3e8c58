// Command telemetryd decodes vehicle CAN traffic into the parameter store
// of the driver information unit.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"diu-telemetry/config"
	"diu-telemetry/logging"
)

func main() {
	var (
		cfgPath  = flag.String("config", "configs/telemetry.yml", "Path to telemetry.yml")
		logLevel = flag.String("log", "", "trace|debug|info|warn|error|critical (overrides log.level)")
		simulate = flag.Bool("simulate", false, "Enable the simulator regardless of the config file")
		noRecord = flag.Bool("no-record", false, "Disable the SQLite recorder")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("ERROR: config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *simulate {
		cfg.Simulator.Enabled = true
	}
	if *noRecord {
		cfg.Recorder.Enabled = false
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("ERROR: cannot open " + cfg.Log.File + ": " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := NewRunner(ctx, cfg, log)
	if err != nil {
		log.Critical("Startup failed: %v", err)
		os.Exit(1)
	}
	defer runner.Close()

	if err := runner.Run(ctx, hangups(ctx)); err != nil && !errors.Is(err, context.Canceled) {
		log.Critical("Run failed: %v", err)
		os.Exit(1)
	}
}

func newLogger(c config.LogConfig) (*logging.Logger, error) {
	level := logging.ParseLevel(c.Level)
	if c.File == "" {
		return logging.New(level, os.Stdout), nil
	}
	return logging.NewFileLogger(c.File, level, c.Stdout)
}

// hangups turns SIGHUP into schema reload requests.
func hangups(ctx context.Context) <-chan struct{} {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)
	out := make(chan struct{})
	go func() {
		defer signal.Stop(sig)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sig:
				select {
				case out <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
