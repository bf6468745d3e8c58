package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"diu-telemetry/logging"
	"diu-telemetry/store"
)

var ErrAttached = errors.New("recorder: already attached to a store")

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS parameter_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		base TEXT,
		idx INTEGER NOT NULL DEFAULT -1,
		value DOUBLE NOT NULL,
		unit TEXT,
		source TEXT NOT NULL,
		out_of_range INTEGER NOT NULL DEFAULT 0,
		updated_ns INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS parameter_log_key ON parameter_log (key, id);
`

type Options struct {
	Queue         int           // pending updates before new ones are dropped
	Batch         int           // rows per transaction
	FlushInterval time.Duration // upper bound on how long a row waits
}

func (o *Options) defaults() {
	if o.Queue <= 0 {
		o.Queue = 1024
	}
	if o.Batch <= 0 {
		o.Batch = 64
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 500 * time.Millisecond
	}
}

// Recorder appends every store update to a SQLite parameter_log table.
// The subscriber callback only enqueues; Run does the writing.
type Recorder struct {
	db    *sql.DB
	opts  Options
	log   *logging.Logger
	queue chan store.Value

	mu  sync.Mutex
	st  *store.Store
	sub *store.Subscription

	written, dropped atomic.Uint64
}

func Open(path string, opts Options, log *logging.Logger) (*Recorder, error) {
	opts.defaults()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// one writer; also keeps ":memory:" databases on a single connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create parameter_log in %s: %w", path, err)
	}
	return &Recorder{
		db:    db,
		opts:  opts,
		log:   log.With("recorder"),
		queue: make(chan store.Value, opts.Queue),
	}, nil
}

// Attach subscribes to st. A full queue drops the update and counts it
// rather than blocking the producer.
func (r *Recorder) Attach(st *store.Store) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return ErrAttached
	}
	r.st = st
	r.sub = st.Subscribe(r.enqueue)
	return nil
}

func (r *Recorder) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub == nil {
		return
	}
	r.st.Unsubscribe(r.sub)
	r.st, r.sub = nil, nil
}

func (r *Recorder) enqueue(_ string, v store.Value) {
	select {
	case r.queue <- v:
	default:
		if r.dropped.Add(1)%1000 == 1 {
			r.log.Warn("queue full, dropped %d updates so far", r.dropped.Load())
		}
	}
}

func (r *Recorder) Written() uint64 { return r.written.Load() }
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Run drains the queue into the database until ctx ends, then writes what
// is still queued.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]store.Value, 0, r.opts.Batch)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := r.write(ctx, batch); err != nil {
			r.log.Error("writing %d rows: %v", len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			final := context.WithoutCancel(ctx)
			for {
				select {
				case v := <-r.queue:
					batch = append(batch, v)
					if len(batch) == r.opts.Batch {
						flush(final)
					}
				default:
					flush(final)
					r.log.Info("stopped. written=%d dropped=%d", r.written.Load(), r.dropped.Load())
					return ctx.Err()
				}
			}
		case v := <-r.queue:
			batch = append(batch, v)
			if len(batch) == r.opts.Batch {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

func (r *Recorder) write(ctx context.Context, vals []store.Value) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO parameter_log
		(key, base, idx, value, unit, source, out_of_range, updated_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, v := range vals {
		var base sql.NullString
		if v.Index >= 0 {
			base = sql.NullString{String: v.Base, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, v.Key, base, v.Index, v.Value, v.Unit,
			v.Source.String(), v.OutOfRange, v.Updated.UnixNano()); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	r.written.Add(uint64(len(vals)))
	return nil
}

// History returns up to n recorded values of key, oldest first. Array
// elements are addressed as "base[i]".
func (r *Recorder) History(ctx context.Context, key string, n int) ([]store.Value, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, base, idx, value, unit, source, out_of_range, updated_ns
		FROM parameter_log WHERE key = ? ORDER BY id DESC LIMIT ?`, key, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Value
	for rows.Next() {
		var (
			v      store.Value
			base   sql.NullString
			unit   sql.NullString
			source string
			ns     int64
		)
		if err := rows.Scan(&v.Key, &base, &v.Index, &v.Value, &unit, &source, &v.OutOfRange, &ns); err != nil {
			return nil, err
		}
		v.Base, v.Unit = base.String, unit.String
		v.Source = parseSource(source)
		v.Updated = time.Unix(0, ns)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func parseSource(s string) store.Source {
	for _, src := range []store.Source{store.SourceBus, store.SourceSimulation, store.SourceManual} {
		if src.String() == s {
			return src
		}
	}
	return store.SourceManual
}

// Close detaches from the store and closes the database. Stop Run first.
func (r *Recorder) Close() error {
	r.Detach()
	return r.db.Close()
}
