package recorder

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diu-telemetry/logging"
	"diu-telemetry/store"
)

var epoch = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newStore(t *testing.T) (*store.Store, store.Key, store.Key) {
	t.Helper()
	cat := store.NewCatalog()
	soc, err := cat.AddParam("SOC", "%", &store.Bounds{Min: 0, Max: 100})
	require.NoError(t, err)
	cells, err := cat.AddArray("Cell Voltage", "V", 4, nil)
	require.NoError(t, err)
	return store.New(cat, store.WithClock(func() time.Time { return epoch })), soc, cells
}

func openTemp(t *testing.T, opts Options) *Recorder {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "telemetry.db"), opts, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRecordAndHistory(t *testing.T) {
	st, soc, cells := newStore(t)
	r := openTemp(t, Options{FlushInterval: 10 * time.Millisecond})
	require.NoError(t, r.Attach(st))
	assert.ErrorIs(t, r.Attach(st), ErrAttached)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	st.Update(soc, 80, "", store.SourceBus)
	st.Update(soc, 79.5, "", store.SourceSimulation)
	st.UpdateIndexed(cells, 2, 3.71, store.SourceBus)
	require.Eventually(t, func() bool { return r.Written() == 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	hist, err := r.History(context.Background(), "SOC", 10)
	require.NoError(t, err)
	want := []store.Value{
		{Key: "SOC", Index: -1, Value: 80, Unit: "%", Updated: epoch, Source: store.SourceBus},
		{Key: "SOC", Index: -1, Value: 79.5, Unit: "%", Updated: epoch, Source: store.SourceSimulation},
	}
	if diff := cmp.Diff(want, hist, cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })); diff != "" {
		t.Errorf("History(SOC) mismatch (-want +got):\n%s", diff)
	}

	hist, err = r.History(context.Background(), "Cell Voltage[2]", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "Cell Voltage", hist[0].Base)
	assert.Equal(t, 2, hist[0].Index)
	assert.Equal(t, 3.71, hist[0].Value)

	hist, err = r.History(context.Background(), "SOC", 1)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, 79.5, hist[0].Value, "limit keeps the newest rows")
}

func TestFullQueueDropsWithoutBlocking(t *testing.T) {
	st, soc, _ := newStore(t)
	r := openTemp(t, Options{Queue: 2})
	require.NoError(t, r.Attach(st))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			st.Update(soc, float64(i), "", store.SourceBus)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("producer blocked on a full recorder queue")
	}
	assert.EqualValues(t, 8, r.Dropped())
}

func TestRunFlushesQueueOnStop(t *testing.T) {
	st, soc, _ := newStore(t)
	r := openTemp(t, Options{Queue: 16, Batch: 4, FlushInterval: time.Hour})
	require.NoError(t, r.Attach(st))
	for i := 0; i < 10; i++ {
		st.Update(soc, float64(i), "", store.SourceBus)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Run(ctx), context.Canceled)
	assert.EqualValues(t, 10, r.Written())

	hist, err := r.History(context.Background(), "SOC", 100)
	require.NoError(t, err)
	require.Len(t, hist, 10)
	assert.Equal(t, 0.0, hist[0].Value)
	assert.Equal(t, 9.0, hist[9].Value)
}

func TestDetachStopsRecording(t *testing.T) {
	st, soc, _ := newStore(t)
	r := openTemp(t, Options{})
	require.NoError(t, r.Attach(st))
	assert.Equal(t, 1, st.Subscribers())
	r.Detach()
	assert.Zero(t, st.Subscribers())

	st.Update(soc, 50, "", store.SourceBus)
	assert.Empty(t, r.queue)
	require.NoError(t, r.Attach(st), "attach again after detach")
}

func TestReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.db")
	st, soc, _ := newStore(t)

	r, err := Open(path, Options{}, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, r.Attach(st))
	st.Update(soc, 42, "", store.SourceManual)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = r.Run(ctx)
	require.NoError(t, r.Close())

	r, err = Open(path, Options{}, logging.Discard())
	require.NoError(t, err)
	defer r.Close()
	hist, err := r.History(context.Background(), "SOC", 5)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, store.SourceManual, hist[0].Source)
}
