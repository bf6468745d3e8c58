package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, opts ...Option) (*Store, Key, Key) {
	t.Helper()
	cat := NewCatalog()
	soc, err := cat.AddParam("State of Charge", "%", &Bounds{Min: 0, Max: 100})
	require.NoError(t, err)
	cells, err := cat.AddArray("Cell Voltage", "V", 12, &Bounds{Min: 2, Max: 4.55})
	require.NoError(t, err)
	return New(cat, opts...), soc, cells
}

func TestCatalog(t *testing.T) {
	cat := NewCatalog()
	_, err := cat.AddParam("speed", "km/h", nil)
	require.NoError(t, err)

	_, err = cat.AddParam("speed", "", nil)
	assert.ErrorIs(t, err, ErrDuplicateKey)
	_, err = cat.AddArray("speed", "", 4, nil)
	assert.ErrorIs(t, err, ErrDuplicateKey)
	_, err = cat.AddParam(" ", "", nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = cat.AddParam("cells[3]", "", nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = cat.AddArray("cells", "", 0, nil)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = cat.Key("sped")
	assert.ErrorIs(t, err, ErrUnknownKey)

	k, err := cat.Key("speed")
	require.NoError(t, err)
	assert.Equal(t, "speed", k.String())
	assert.True(t, Key{}.IsZero())

	New(cat)
	_, err = cat.AddParam("late", "", nil)
	assert.ErrorIs(t, err, ErrCatalogSealed)
}

func TestUpdateAndGet(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	s, soc, _ := newTestStore(t, WithClock(clk.Now))

	_, ok := s.Get(soc)
	assert.False(t, ok)

	s.Update(soc, 80, "", SourceBus)
	v, ok := s.Get(soc)
	require.True(t, ok)
	assert.Equal(t, Value{
		Key:     "State of Charge",
		Index:   -1,
		Value:   80,
		Unit:    "%",
		Updated: clk.Now(),
		Source:  SourceBus,
	}, v)

	s.UpdateValue(soc, Sample{Value: 140, Unit: "pct", Source: SourceManual, OutOfRange: true})
	v, _ = s.Lookup("State of Charge")
	assert.Equal(t, 140.0, v.Value)
	assert.Equal(t, "pct", v.Unit)
	assert.True(t, v.OutOfRange)
	assert.Equal(t, "manual", v.Source.String())

	_, ok = s.Lookup("nope")
	assert.False(t, ok)
}

func TestUndeclaredKeyIsAnomaly(t *testing.T) {
	s, _, cells := newTestStore(t)
	sub := s.Subscribe(func(string, Value) { t.Error("must not notify") })
	defer s.Unsubscribe(sub)

	s.Update(Key{}, 1, "", SourceBus)
	s.Update(Key{name: "ghost"}, 1, "", SourceBus)
	s.Update(cells, 1, "", SourceBus) // an array base is not a scalar
	assert.EqualValues(t, 3, s.Anomalies())
	assert.Empty(t, s.Snapshot())
}

func TestIndexedCapacity(t *testing.T) {
	s, soc, cells := newTestStore(t)

	n, ok := s.Capacity(cells)
	require.True(t, ok)
	assert.Equal(t, 12, n)
	assert.Equal(t, map[string]int{"Cell Voltage": 12}, s.Arrays())

	assert.True(t, s.UpdateIndexed(cells, 11, 3.7, SourceBus))
	assert.False(t, s.UpdateIndexed(cells, 12, 3.7, SourceBus))
	assert.False(t, s.UpdateIndexed(cells, -1, 3.7, SourceBus))
	assert.False(t, s.UpdateIndexed(soc, 0, 3.7, SourceBus))
	assert.EqualValues(t, 3, s.Anomalies())

	_, ok = s.GetIndexed(cells, 12)
	assert.False(t, ok)
	_, ok = s.GetIndexed(cells, 0)
	assert.False(t, ok, "never written")

	v, ok := s.GetIndexed(cells, 11)
	require.True(t, ok)
	assert.Equal(t, "Cell Voltage[11]", v.Key)
	assert.Equal(t, "Cell Voltage", v.Base)
	assert.Equal(t, 11, v.Index)
	assert.Equal(t, "V", v.Unit)
}

func TestSubscribersRunInOrderAndSurvivePanics(t *testing.T) {
	s, soc, _ := newTestStore(t)

	var calls []string
	s.Subscribe(func(string, Value) { calls = append(calls, "first") })
	s.Subscribe(func(string, Value) { panic("boom") })
	s.Subscribe(func(key string, v Value) {
		calls = append(calls, "third")
		assert.Equal(t, "State of Charge", key)
		assert.Equal(t, 55.0, v.Value)
	})

	assert.NotPanics(t, func() { s.Update(soc, 55, "", SourceBus) })
	assert.Equal(t, []string{"first", "third"}, calls)
	assert.EqualValues(t, 1, s.SubscriberFailures())

	v, ok := s.Get(soc)
	require.True(t, ok)
	assert.Equal(t, 55.0, v.Value)
}

func TestUnsubscribe(t *testing.T) {
	s, soc, _ := newTestStore(t)
	var a, b int
	subA := s.Subscribe(func(string, Value) { a++ })
	subB := s.Subscribe(func(string, Value) { b++ })
	assert.NotEqual(t, subA.ID, subB.ID)
	assert.Equal(t, 2, s.Subscribers())

	s.Update(soc, 1, "", SourceBus)
	s.Unsubscribe(subA)
	s.Unsubscribe(subA)
	s.Unsubscribe(nil)
	s.Update(soc, 2, "", SourceBus)

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
	assert.Equal(t, 1, s.Subscribers())
}

// A subscriber may unsubscribe itself from inside its callback.
func TestUnsubscribeFromCallback(t *testing.T) {
	s, soc, _ := newTestStore(t)
	var n int
	var sub *Subscription
	sub = s.Subscribe(func(string, Value) {
		n++
		s.Unsubscribe(sub)
	})
	s.Update(soc, 1, "", SourceBus)
	s.Update(soc, 2, "", SourceBus)
	assert.Equal(t, 1, n)
}

func TestConcurrentUpdatesConverge(t *testing.T) {
	s, soc, cells := newTestStore(t)

	submitted := map[float64]bool{}
	const writers, perWriter = 8, 500
	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			submitted[float64(w*perWriter+i)] = true
		}
	}

	var notified sync.Map
	s.Subscribe(func(key string, v Value) {
		notified.Store(v.Value, true)
	})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	var readerErr sync.Once
	var badRead float64
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if v, ok := s.Get(soc); ok && !submitted[v.Value] {
					readerErr.Do(func() { badRead = v.Value })
				}
				s.Snapshot()
				s.ArrayStats(cells)
			}
		}()
	}

	var writersWG sync.WaitGroup
	for w := 0; w < writers; w++ {
		writersWG.Add(1)
		go func(w int) {
			defer writersWG.Done()
			for i := 0; i < perWriter; i++ {
				val := float64(w*perWriter + i)
				s.Update(soc, val, "", SourceBus)
				s.UpdateIndexed(cells, i%12, val, SourceBus)
			}
		}(w)
	}
	writersWG.Wait()
	close(stop)
	wg.Wait()

	assert.Zero(t, badRead, "reader observed a value nobody wrote")
	final, ok := s.Get(soc)
	require.True(t, ok)
	assert.True(t, submitted[final.Value])

	count := 0
	notified.Range(func(k, _ any) bool {
		assert.True(t, submitted[k.(float64)])
		count++
		return true
	})
	assert.Equal(t, len(submitted), count, "every accepted write is notified")
	assert.Zero(t, s.Anomalies())
}

func TestAgeAndStale(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	cat := NewCatalog()
	fast, _ := cat.AddParam("fast", "", nil)
	slow, _ := cat.AddParam("slow", "", nil)
	_, _ = cat.AddParam("never", "", nil)
	s := New(cat, WithClock(clk.Now))

	s.Update(slow, 1, "", SourceBus)
	clk.Advance(2 * time.Second)
	s.Update(fast, 1, "", SourceBus)
	clk.Advance(500 * time.Millisecond)

	age, ok := s.Age(slow)
	require.True(t, ok)
	assert.Equal(t, 2500*time.Millisecond, age)

	_, ok = s.Age(Key{name: "never"})
	assert.False(t, ok)

	assert.Equal(t, []string{"slow"}, s.Stale(time.Second))
	assert.Empty(t, s.Stale(time.Minute))
	assert.Equal(t, []string{"fast", "slow"}, s.Stale(100*time.Millisecond))
}

func TestArrayStats(t *testing.T) {
	s, _, cells := newTestStore(t)

	_, ok := s.ArrayStats(cells)
	assert.False(t, ok)
	_, ok = s.ArrayStats(Key{name: "ghost"})
	assert.False(t, ok)

	s.UpdateIndexed(cells, 0, 3.60, SourceBus)
	s.UpdateIndexed(cells, 5, 3.50, SourceBus)
	s.UpdateIndexed(cells, 9, 3.70, SourceBus)

	st, ok := s.ArrayStats(cells)
	require.True(t, ok)
	assert.Equal(t, 3, st.Count)
	assert.Equal(t, 12, st.Capacity)
	assert.Equal(t, 3.50, st.Min)
	assert.Equal(t, 5, st.MinIndex)
	assert.Equal(t, 3.70, st.Max)
	assert.Equal(t, 9, st.MaxIndex)
	assert.InDelta(t, 3.60, st.Mean, 1e-9)
	assert.InDelta(t, 0.1, st.StdDev, 1e-9)
	assert.InDelta(t, 0.2, st.Spread(), 1e-9)
}

func TestSnapshotOrder(t *testing.T) {
	s, soc, cells := newTestStore(t)
	s.UpdateIndexed(cells, 10, 1, SourceSimulation)
	s.UpdateIndexed(cells, 2, 1, SourceSimulation)
	s.Update(soc, 1, "", SourceSimulation)

	var keys []string
	for _, v := range s.Snapshot() {
		keys = append(keys, v.Key)
	}
	assert.Equal(t, []string{"State of Charge", "Cell Voltage[2]", "Cell Voltage[10]"}, keys)
}
