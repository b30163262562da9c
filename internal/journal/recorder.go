package journal

import (
	"context"
	"sync/atomic"
	"time"

	"fanoutmq/internal/eventbus"
	logx "fanoutmq/pkg/logx"
)

const appendTimeout = 2 * time.Second

// Recorder copies eventbus events into a Store.
type Recorder struct {
	store Store
	log   logx.Logger

	events      <-chan eventbus.Event
	unsubscribe func()

	written atomic.Uint64
	failed  atomic.Uint64
}

// NewRecorder subscribes to bus immediately so nothing published before Run
// starts is missed.
func NewRecorder(store Store, bus eventbus.Bus, buffer int, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	ch, unsub := bus.Subscribe(buffer)
	return &Recorder{store: store, log: log, events: ch, unsubscribe: unsub}
}

// Run appends events until ctx is done, then drains what is already buffered
// and unsubscribes.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.unsubscribe()
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return nil
		case ev, ok := <-r.events:
			if !ok {
				return nil
			}
			r.record(ev)
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				return
			}
			r.record(ev)
		default:
			return
		}
	}
}

func (r *Recorder) record(ev eventbus.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	err := r.store.Append(ctx, Entry{At: ev.Time, Type: ev.Type, Data: ev.Data})
	if err != nil {
		if r.failed.Add(1) == 1 {
			r.log.Warn("journal append failed", logx.String("type", ev.Type), logx.Err(err))
		} else {
			r.log.Debug("journal append failed", logx.String("type", ev.Type), logx.Err(err))
		}
		return
	}
	r.written.Add(1)
}

// Counts returns entries written and appends that failed.
func (r *Recorder) Counts() (written, failed uint64) {
	return r.written.Load(), r.failed.Load()
}
