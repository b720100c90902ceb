package audit

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Overflow selects what Publish does when the queue is full.
type Overflow int

const (
	// Block waits for room, the caller's context or Close.
	Block Overflow = iota
	// Drop discards the event and counts it against its event type.
	Drop
)

// dropLogEvery throttles the per-drop warning once drops are sustained.
const dropLogEvery = 100

// Options configures a Dispatcher.
type Options struct {
	QueueSize int
	Overflow  Overflow
	// DeliveryTimeout bounds a single Sink.Emit call. Zero leaves it
	// unbounded.
	DeliveryTimeout time.Duration
	Logger          *zap.Logger
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, event Event)

func (f SinkFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

// Dispatcher relays authentication events to a Sink on its own goroutine so
// a slow sink never sits on the login path.
type Dispatcher struct {
	sink   Sink
	opts   Options
	logger *zap.Logger

	queue    chan Event
	stop     chan struct{}
	finished chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool

	dropMu  sync.Mutex
	dropped map[string]uint64
	total   atomic.Uint64
}

// Start launches a dispatcher delivering to sink. A nil sink discards.
func Start(sink Sink, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		sink:     sink,
		opts:     opts,
		logger:   logger,
		queue:    make(chan Event, opts.QueueSize),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
		dropped:  make(map[string]uint64),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.finished)

	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-d.stop:
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ev Event) {
	ctx := context.Background()
	if d.opts.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.DeliveryTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("audit sink panicked",
				zap.String("event_type", ev.EventType),
				zap.String("username", ev.Username),
				zap.Any("panic", r),
			)
		}
	}()
	d.sink.Emit(ctx, ev)
}

// Publish queues ev. It reports false when the event was dropped or the
// dispatcher is closed. A zero Timestamp is stamped with the current time.
func (d *Dispatcher) Publish(ctx context.Context, ev Event) bool {
	if d == nil || d.stopped.Load() {
		return false
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if d.opts.Overflow == Drop {
		select {
		case d.queue <- ev:
			return true
		case <-d.stop:
			return false
		default:
			d.recordDrop(ev)
			return false
		}
	}

	select {
	case d.queue <- ev:
		return true
	case <-ctx.Done():
		d.logger.Debug("audit publish abandoned",
			zap.String("event_type", ev.EventType),
			zap.String("username", ev.Username),
			zap.Error(ctx.Err()),
		)
		return false
	case <-d.stop:
		return false
	}
}

func (d *Dispatcher) recordDrop(ev Event) {
	n := d.total.Add(1)

	d.dropMu.Lock()
	d.dropped[ev.EventType]++
	d.dropMu.Unlock()

	if n == 1 || n%dropLogEvery == 0 {
		d.logger.Warn("audit queue full, event dropped",
			zap.String("event_type", ev.EventType),
			zap.String("username", ev.Username),
			zap.String("user_agent", ev.UserAgent),
			zap.Uint64("dropped_total", n),
		)
	}
}

// Close stops intake, delivers what is already queued and logs a summary of
// dropped events. Safe to call more than once.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.stopOnce.Do(func() {
		d.stopped.Store(true)
		close(d.stop)
		<-d.finished

		if n := d.total.Load(); n > 0 {
			byType := d.DroppedByType()
			types := make([]string, 0, len(byType))
			for t := range byType {
				types = append(types, t)
			}
			sort.Strings(types)
			fields := make([]zap.Field, 0, len(types)+1)
			fields = append(fields, zap.Uint64("dropped_total", n))
			for _, t := range types {
				fields = append(fields, zap.Uint64("dropped."+t, byType[t]))
			}
			d.logger.Warn("audit dispatcher closed with dropped events", fields...)
		}
	})
}

// Dropped returns the number of events discarded on a full queue.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.total.Load()
}

// DroppedByType returns a copy of the drop counts keyed by event type.
func (d *Dispatcher) DroppedByType() map[string]uint64 {
	if d == nil {
		return nil
	}
	d.dropMu.Lock()
	defer d.dropMu.Unlock()
	out := make(map[string]uint64, len(d.dropped))
	for k, v := range d.dropped {
		out[k] = v
	}
	return out
}
