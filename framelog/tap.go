package framelog

import (
	"context"
	"sync/atomic"
	"time"

	"go.einride.tech/can"

	"diu-telemetry/logging"
	"diu-telemetry/transport"
)

type tap struct {
	transport.ReadWriter
	bus    string
	w      *Writer
	log    *logging.Logger
	now    func() time.Time
	failed atomic.Bool
}

// Tap copies every frame received through rw to w, tagged with bus.
// Frames written through rw are not captured. A failing log is reported
// once and never disturbs reception.
func Tap(rw transport.ReadWriter, bus string, w *Writer, log *logging.Logger) transport.ReadWriter {
	return &tap{ReadWriter: rw, bus: bus, w: w, log: log.With("capture/" + bus), now: time.Now}
}

func (t *tap) ReadFrame(ctx context.Context) (can.Frame, error) {
	f, err := t.ReadWriter.ReadFrame(ctx)
	if err != nil {
		return f, err
	}
	if werr := t.w.Write(Record{Time: t.now(), Bus: t.bus, Frame: f}); werr != nil && !t.failed.Swap(true) {
		t.log.Error("capture stopped: %v", werr)
	}
	return f, nil
}
