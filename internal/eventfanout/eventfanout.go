// Package eventfanout serves one server-push subscription per text_id,
// bridging the Task Monitor's pub/sub channel to a client-facing event
// stream.
package eventfanout

import (
	"context"
	"time"

	"github.com/blueapplecc-ppp/tts-vocl/internal/monitor"
	"github.com/blueapplecc-ppp/tts-vocl/internal/observability/logging"
)

// DefaultIdleCeiling is how long a subscription stays open with no events
// delivered before it self-closes.
const DefaultIdleCeiling = 5 * time.Minute

// DefaultKeepaliveInterval is how often a keepalive event is emitted absent
// real traffic.
const DefaultKeepaliveInterval = 15 * time.Second

// Fanout bridges Monitor subscriptions into client-facing streams.
type Fanout struct {
	mon             monitor.Monitor
	idleCeiling     time.Duration
	keepaliveEvery  time.Duration
	onSubscribeOpen func()
	onUnsubscribe   func()
}

// Option configures a Fanout.
type Option func(*Fanout)

// WithIdleCeiling overrides DefaultIdleCeiling.
func WithIdleCeiling(d time.Duration) Option {
	return func(f *Fanout) { f.idleCeiling = d }
}

// WithKeepaliveInterval overrides DefaultKeepaliveInterval.
func WithKeepaliveInterval(d time.Duration) Option {
	return func(f *Fanout) { f.keepaliveEvery = d }
}

// WithSubscriptionGauge wires hooks for tracking the active-subscription
// count (e.g. a Prometheus gauge).
func WithSubscriptionGauge(onOpen, onClose func()) Option {
	return func(f *Fanout) {
		f.onSubscribeOpen = onOpen
		f.onUnsubscribe = onClose
	}
}

// New constructs a Fanout over mon.
func New(mon monitor.Monitor, opts ...Option) *Fanout {
	f := &Fanout{
		mon:            mon,
		idleCeiling:    DefaultIdleCeiling,
		keepaliveEvery: DefaultKeepaliveInterval,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Subscribe opens a client-facing event stream for textID. It emits the
// current status immediately (read via GetTask), then
// forwards Monitor events until a terminal event, the idle ceiling elapses,
// or ctx is cancelled. The returned channel is closed when the subscription
// ends; the caller should drain it to completion or cancel ctx to stop
// early.
func (f *Fanout) Subscribe(ctx context.Context, textID string) (<-chan monitor.Event, error) {
	log := logging.WithTask(textID)

	// Subscribe before the initial read: a terminal transition landing
	// between the two is then delivered (possibly twice) instead of lost.
	upstream, unsubscribe, err := f.mon.Subscribe(ctx, textID)
	if err != nil {
		return nil, err
	}

	initial, err := f.initialEvent(ctx, textID)
	if err != nil {
		unsubscribe()
		return nil, err
	}

	out := make(chan monitor.Event, 4)
	if f.onSubscribeOpen != nil {
		f.onSubscribeOpen()
	}

	go func() {
		defer close(out)
		defer unsubscribe()
		if f.onUnsubscribe != nil {
			defer f.onUnsubscribe()
		}

		select {
		case out <- initial:
		case <-ctx.Done():
			return
		}
		if initial.Status.IsTerminal() {
			return
		}

		idle := time.NewTimer(f.idleCeiling)
		defer idle.Stop()
		keepalive := time.NewTicker(f.keepaliveEvery)
		defer keepalive.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-idle.C:
				log.Debug().Msg("eventfanout: subscription idle ceiling reached, closing")
				return
			case <-keepalive.C:
				select {
				case out <- monitor.Event{Type: monitor.EventKeepalive, Timestamp: time.Now()}:
				case <-ctx.Done():
					return
				}
			case evt, ok := <-upstream:
				if !ok {
					return
				}
				if !idle.Stop() {
					drainTimer(idle)
				}
				idle.Reset(f.idleCeiling)

				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
				if evt.Status.IsTerminal() {
					return
				}
			}
		}
	}()

	return out, nil
}

func (f *Fanout) initialEvent(ctx context.Context, textID string) (monitor.Event, error) {
	task, err := f.mon.GetTask(ctx, textID)
	if err != nil {
		return monitor.Event{}, err
	}
	return monitor.Event{
		Type:   monitor.EventStarted,
		Status: task.Status,
		Progress: &monitor.Progress{
			SegmentsCompleted: task.SegmentsCompleted,
			SegmentCount:      task.SegmentCount,
		},
		AudioURL:  task.AudioKey,
		Error:     task.ErrorMessage,
		Timestamp: time.Now(),
	}, nil
}

func drainTimer(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}
