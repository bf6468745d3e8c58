package eventctx

import (
	"math"

	"diu-telemetry/logging"
	"diu-telemetry/store"
)

// Follow switches sel whenever the parameter mode is updated with a value
// found in modes, e.g. the VCU drive mode (0 autocross, 1 acceleration, ...).
// Unmapped or non-integer values leave the context alone. The returned
// subscription stops the behaviour when passed to st.Unsubscribe.
func Follow(st *store.Store, sel *Selector, mode store.Key, modes map[int]string, log *logging.Logger) *store.Subscription {
	log = log.With("follow")
	return st.Subscribe(func(key string, v store.Value) {
		if key != mode.String() {
			return
		}
		if v.Value != math.Trunc(v.Value) {
			log.Debug("%s=%v is not a mode number", key, v.Value)
			return
		}
		name, ok := modes[int(v.Value)]
		if !ok {
			log.Debug("%s=%v has no context", key, v.Value)
			return
		}
		if sel.Active() == name {
			return
		}
		if err := sel.Set(name); err != nil {
			log.Warn("%s=%v: %v", key, v.Value, err)
			return
		}
		log.Info("context switched to %s (%s=%v)", name, key, v.Value)
	})
}
