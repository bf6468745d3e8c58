package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.einride.tech/can"

	"diu-telemetry/config"
	"diu-telemetry/framelog"
	"diu-telemetry/ingest"
	"diu-telemetry/logging"
	"diu-telemetry/store"
)

// simConfig is the shipped config with its hardware buses replaced by a
// loopback bus fed from the frame simulator.
func simConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "telemetry.yml"))
	require.NoError(t, err)

	dir := t.TempDir()
	dbc, err := os.ReadFile(cfg.Schema)
	require.NoError(t, err)
	cfg.Schema = filepath.Join(dir, "vehicle.dbc")
	require.NoError(t, os.WriteFile(cfg.Schema, dbc, 0o644))

	cfg.Buses = []config.BusConfig{{Name: "sim", Transport: config.TransportLoopback}}
	cfg.Simulator = config.SimulatorConfig{Enabled: true, Mode: config.SimFrames, Bus: "sim", RateHz: 50, Seed: 1, Step: 0.05}
	cfg.Recorder.Path = filepath.Join(dir, "telemetry.db")
	cfg.Recorder.FlushInterval = 20 * time.Millisecond
	cfg.StaleAfter = 100 * time.Millisecond
	require.NoError(t, cfg.Validate())
	return cfg
}

func startRunner(t *testing.T, cfg *config.Config) (*Runner, chan struct{}, context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r, err := NewRunner(ctx, cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(r.Close)

	reload := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, reload) }()
	t.Cleanup(cancel)
	return r, reload, cancel, done
}

func TestRunnerFramesEndToEnd(t *testing.T) {
	r, _, cancel, done := startRunner(t, simConfig(t))

	require.Eventually(t, func() bool {
		_, ok := r.st.Lookup("Lowest Cell")
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	soc, ok := r.st.Lookup("SOC")
	require.True(t, ok)
	assert.Equal(t, store.SourceBus, soc.Source)
	assert.Contains(t, []string{"autocross", "acceleration", "endurance", "skidpad"}, r.sel.Active())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.NotZero(t, r.fsim.Sent())
	assert.NotZero(t, r.rec.Written())

	hist, err := r.rec.History(context.Background(), "SOC", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, hist)
}

func TestRunnerReload(t *testing.T) {
	cfg := simConfig(t)
	r, reload, _, _ := startRunner(t, cfg)
	before := r.router.Routes()

	require.NoError(t, r.Reload())
	assert.NotSame(t, before, r.router.Routes())

	// a schema that drops a mapped message is refused and the old one stays
	dbc, err := os.ReadFile(cfg.Schema)
	require.NoError(t, err)
	renamed := strings.Replace(string(dbc), "AMS_SOC:", "AMS_STATE:", 1)
	require.NoError(t, os.WriteFile(cfg.Schema, []byte(renamed), 0o644))
	current := r.router.Routes()
	err = r.Reload()
	require.ErrorIs(t, err, ingest.ErrMapping)
	assert.Same(t, current, r.router.Routes())
	assert.Equal(t, 7, r.reg.Load().Len())

	// SIGHUP path: a failed reload is logged and the runner keeps going
	select {
	case reload <- struct{}{}:
	case <-time.After(time.Second):
		t.Fatal("reload request not accepted")
	}
	require.Eventually(t, func() bool { return r.fsim.Sent() > 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestNewRunnerRejectsUnknownContextKey(t *testing.T) {
	cfg := simConfig(t)
	cfg.Contexts = append(cfg.Contexts, config.ContextConfig{Name: "pit", Keys: []string{"Tyre Pressure"}})
	_, err := NewRunner(context.Background(), cfg, logging.Discard())
	assert.ErrorIs(t, err, store.ErrUnknownKey)
}

// downReader is a bus whose interface has gone away.
type downReader struct{}

func (downReader) ReadFrame(context.Context) (can.Frame, error) {
	return can.Frame{}, errors.New("socketcan receive: network is down")
}

func (downReader) Close() error { return nil }

func TestRunnerKeepsDriversWhenOneFails(t *testing.T) {
	cfg := simConfig(t)
	cfg.Simulator = config.SimulatorConfig{Enabled: true, Mode: config.SimRandom, RateHz: 20, Seed: 1, Step: 0.05}
	cfg.Recorder.Enabled = false
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r, err := NewRunner(ctx, cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	r.listeners = append(r.listeners, ingest.NewListener("control", downReader{}, r.reg, r.router, logging.Discard()))

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, nil) }()

	require.Eventually(t, func() bool { return r.Failures() == 1 }, 2*time.Second, 5*time.Millisecond)
	ticks := r.sim.Ticks()
	require.Eventually(t, func() bool { return r.sim.Ticks() >= ticks+3 }, 2*time.Second, 5*time.Millisecond,
		"simulator stopped with the failed bus")
	select {
	case err := <-done:
		t.Fatalf("runner returned early: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.EqualValues(t, 1, r.Failures())
}

func TestRunnerCaptureThenReplay(t *testing.T) {
	cfg := simConfig(t)
	cfg.Recorder.Enabled = false
	cfg.Capture = config.CaptureConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "frames.log"), FlushInterval: 20 * time.Millisecond}
	require.NoError(t, cfg.Validate())

	r, _, cancel, done := startRunner(t, cfg)
	require.Eventually(t, func() bool { return r.capture.Count() >= 30 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	recs, err := framelog.Load(cfg.Capture.Path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(recs), 30)
	for _, rec := range recs {
		assert.Equal(t, "sim", rec.Bus)
	}

	// play the capture back with nothing else on the bus
	cfg.Capture.Enabled = false
	cfg.Simulator.Enabled = false
	cfg.Replay = config.ReplayConfig{Enabled: true, Path: cfg.Capture.Path, Bus: "sim", Speed: 0, Source: "sim"}
	require.NoError(t, cfg.Validate())

	r, _, cancel, done = startRunner(t, cfg)
	require.Eventually(t, func() bool { return r.replay.Sent() == uint64(len(recs)) }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return r.listeners[0].Stats().Frames == uint64(len(recs)) }, 3*time.Second, 10*time.Millisecond)

	soc, ok := r.st.Lookup("SOC")
	require.True(t, ok)
	assert.Equal(t, store.SourceBus, soc.Source)
	assert.Zero(t, r.Failures())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
