// Package dispatch fans a persisted message event out to every connection
// currently subscribed to its topic. Delivery is best-effort at-most-once
// per attempt: a push to a dead connection prunes the directory entry and is
// neither retried nor surfaced to the producer.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/NTitterton/agorusta/internal/telemetry"
	"github.com/NTitterton/agorusta/wire"
)

// ErrConnectionGone is returned by a Pusher when the physical connection no
// longer exists. The dispatcher reacts by deregistering the connection.
var ErrConnectionGone = errors.New("dispatch: connection gone")

// Pusher delivers an encoded push frame to one open connection.
type Pusher interface {
	Push(connID string, payload []byte) error
}

// SubscriberDirectory is the slice of the connection directory the
// dispatcher depends on.
type SubscriberDirectory interface {
	SubscribersOf(topic string) ([]string, error)
	Deregister(connID string) error
}

// Dispatcher resolves subscribers for each event and pushes to them. With
// Workers > 0 events are processed by a pool where same-topic events hash to
// the same worker, preserving per-topic delivery order; with zero workers
// every Dispatch call runs inline on the producer's request path.
type Dispatcher struct {
	directory SubscriberDirectory
	pusher    Pusher
	metrics   *telemetry.Metrics
	log       zerolog.Logger

	queues []chan wire.Event
	wg     sync.WaitGroup
}

// New creates a Dispatcher. workers and queueSize control the optional
// parallel mode; call Start before Dispatch when workers > 0.
func New(directory SubscriberDirectory, pusher Pusher, metrics *telemetry.Metrics, log zerolog.Logger, workers, queueSize int) *Dispatcher {
	d := &Dispatcher{
		directory: directory,
		pusher:    pusher,
		metrics:   metrics,
		log:       log.With().Str("component", "dispatcher").Logger(),
	}
	if workers > 0 {
		if queueSize < 1 {
			queueSize = 1
		}
		d.queues = make([]chan wire.Event, workers)
		for i := range d.queues {
			d.queues[i] = make(chan wire.Event, queueSize)
		}
	}
	return d
}

// Start launches the worker pool. A no-op in synchronous mode.
func (d *Dispatcher) Start() {
	for _, queue := range d.queues {
		d.wg.Add(1)
		go func(queue <-chan wire.Event) {
			defer d.wg.Done()
			for evt := range queue {
				d.deliver(evt)
			}
		}(queue)
	}
}

// Stop drains the queues and waits for the workers to finish. Dispatch must
// not be called after Stop.
func (d *Dispatcher) Stop() {
	for _, queue := range d.queues {
		close(queue)
	}
	d.wg.Wait()
}

// Dispatch hands one event to the fan-out path. In synchronous mode the
// delivery happens before Dispatch returns; in parallel mode the event is
// enqueued to the worker owning its topic. Only events with a topic are
// accepted.
func (d *Dispatcher) Dispatch(ctx context.Context, evt wire.Event) error {
	if evt.Topic == "" {
		return fmt.Errorf("dispatch: event %s has no topic", evt.Message.ID)
	}
	d.metrics.EventsDispatched.WithLabelValues(string(evt.Kind)).Inc()

	if len(d.queues) == 0 {
		d.deliver(evt)
		return nil
	}

	h := fnv.New32a()
	h.Write([]byte(evt.Topic))
	queue := d.queues[h.Sum32()%uint32(len(d.queues))]

	select {
	case queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliver pushes one event to every current subscriber of its topic. Push
// failures that mean the connection is gone deregister the connection; all
// other push failures are logged and dropped.
func (d *Dispatcher) deliver(evt wire.Event) {
	subscribers, err := d.directory.SubscribersOf(evt.Topic)
	if err != nil {
		d.log.Error().Str("topic", evt.Topic).Err(err).Msg("subscriber lookup failed")
		return
	}
	if len(subscribers) == 0 {
		d.log.Debug().Str("topic", evt.Topic).Msg("no subscribers")
		return
	}

	payload, err := evt.Encode()
	if err != nil {
		d.log.Error().Str("topic", evt.Topic).Err(err).Msg("event encoding failed")
		return
	}

	for _, connID := range subscribers {
		err := d.pusher.Push(connID, payload)
		switch {
		case err == nil:
			d.metrics.Pushes.WithLabelValues(telemetry.PushOK).Inc()
		case errors.Is(err, ErrConnectionGone):
			d.metrics.Pushes.WithLabelValues(telemetry.PushGone).Inc()
			d.metrics.StalePruned.Inc()
			d.log.Info().Str("connection_id", connID).Msg("pruning stale connection")
			if err := d.directory.Deregister(connID); err != nil {
				d.log.Error().Str("connection_id", connID).Err(err).Msg("stale prune failed")
			}
		default:
			d.metrics.Pushes.WithLabelValues(telemetry.PushError).Inc()
			d.log.Warn().Str("connection_id", connID).Err(err).Msg("push failed")
		}
	}

	d.log.Debug().Str("topic", evt.Topic).Int("recipients", len(subscribers)).Msg("fan-out complete")
}
