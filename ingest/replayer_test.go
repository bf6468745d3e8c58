package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.einride.tech/can"

	"diu-telemetry/framelog"
	"diu-telemetry/logging"
	"diu-telemetry/store"
	"diu-telemetry/transport"
)

var captured = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func capture(offsets []time.Duration, bus string, frames ...can.Frame) []framelog.Record {
	recs := make([]framelog.Record, len(frames))
	for i, f := range frames {
		recs[i] = framelog.Record{Time: captured.Add(offsets[i]), Bus: bus, Frame: f}
	}
	return recs
}

func TestReplayerFeedsListener(t *testing.T) {
	r := newRig(t, vehicleMapping())
	bus := transport.NewLoopback()
	defer bus.Close()

	l := NewListener("replay", bus.Open(), r.reg, r.router, logging.Discard())
	require.NoError(t, l.Start(context.Background()))
	defer l.Stop()

	recs := capture([]time.Duration{0, 10 * time.Millisecond, 20 * time.Millisecond}, "control",
		frame(0x579, 80, 0, 0, 0, 0, 0, 0, 0),
		frame(819, 170, 160, 150, 165, 165, 165, 165, 165),
		frame(0x579, 79, 0, 0, 0, 0, 0, 0, 0),
	)
	rp, err := NewReplayer(recs, bus.Open(), ReplayOptions{Speed: 1}, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, rp.Run(context.Background()))
	assert.EqualValues(t, 3, rp.Sent())
	assert.EqualValues(t, 1, rp.Passes())

	require.Eventually(t, func() bool { return l.Stats().Decoded == 3 }, 2*time.Second, 5*time.Millisecond)
	soc := r.value(t, "SOC")
	assert.Equal(t, 79.0, soc.Value)
	assert.Equal(t, store.SourceBus, soc.Source)
	assert.Equal(t, map[uint32]uint64{0x579: 2, 819: 1}, l.Stats().ByID)
}

func TestReplayerPacing(t *testing.T) {
	recs := capture([]time.Duration{0, 200 * time.Millisecond}, "can0", frame(0x100, 1), frame(0x100, 2))

	timed := func(speed float64) time.Duration {
		bus := transport.NewLoopback()
		defer bus.Close()
		sink := bus.Open()
		rp, err := NewReplayer(recs, bus.Open(), ReplayOptions{Speed: speed}, logging.Discard())
		require.NoError(t, err)
		begin := time.Now()
		require.NoError(t, rp.Run(context.Background()))
		took := time.Since(begin)
		for i := 0; i < 2; i++ {
			_, err := sink.ReadFrame(context.Background())
			require.NoError(t, err)
		}
		return took
	}

	assert.GreaterOrEqual(t, timed(1), 200*time.Millisecond)
	fast := timed(4)
	assert.GreaterOrEqual(t, fast, 50*time.Millisecond)
	assert.Less(t, fast, 200*time.Millisecond)
	assert.Less(t, timed(0), 50*time.Millisecond)
}

func TestReplayerSortsAndFilters(t *testing.T) {
	recs := append(
		capture([]time.Duration{20 * time.Millisecond, 0}, "control", frame(0x2, 2), frame(0x1, 1)),
		capture([]time.Duration{10 * time.Millisecond}, "logging", frame(0x3, 3))...,
	)
	bus := transport.NewLoopback()
	defer bus.Close()
	sink := bus.Open()

	rp, err := NewReplayer(recs, bus.Open(), ReplayOptions{Bus: "control"}, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, rp.Run(context.Background()))
	assert.EqualValues(t, 2, rp.Sent())

	for _, want := range []uint32{0x1, 0x2} {
		f, err := sink.ReadFrame(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, f.ID)
	}

	_, err = NewReplayer(recs, bus.Open(), ReplayOptions{Bus: "chassis"}, logging.Discard())
	assert.ErrorContains(t, err, "no frames")
	_, err = NewReplayer(nil, bus.Open(), ReplayOptions{}, logging.Discard())
	assert.ErrorContains(t, err, "no frames")
	_, err = NewReplayer(recs, bus.Open(), ReplayOptions{Speed: -1}, logging.Discard())
	assert.ErrorContains(t, err, "speed")
}

func TestReplayerLoopUntilStop(t *testing.T) {
	recs := capture([]time.Duration{0, 5 * time.Millisecond}, "can0", frame(0x100, 1), frame(0x101, 2))
	bus := transport.NewLoopback()
	defer bus.Close()
	sink := bus.Open()
	go func() {
		for {
			if _, err := sink.ReadFrame(context.Background()); err != nil {
				return
			}
		}
	}()

	rp, err := NewReplayer(recs, bus.Open(), ReplayOptions{Speed: 1, Loop: true}, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, rp.Start(context.Background()))
	assert.ErrorIs(t, rp.Start(context.Background()), ErrRunning)
	require.Eventually(t, func() bool { return rp.Passes() >= 3 }, 2*time.Second, 5*time.Millisecond)

	begin := time.Now()
	require.NoError(t, rp.Stop())
	assert.Less(t, time.Since(begin), 100*time.Millisecond)
	assert.False(t, rp.Running())
	assert.GreaterOrEqual(t, rp.Sent(), uint64(6))
}

func TestReplayerEndsWhenTransportCloses(t *testing.T) {
	recs := capture([]time.Duration{0, time.Hour}, "can0", frame(0x100, 1), frame(0x100, 2))
	bus := transport.NewLoopback()
	port := bus.Open()
	require.NoError(t, port.Close())

	rp, err := NewReplayer(recs, port, ReplayOptions{Speed: 0}, logging.Discard())
	require.NoError(t, err)
	assert.NoError(t, rp.Run(context.Background()))
	assert.Zero(t, rp.Sent())
}
