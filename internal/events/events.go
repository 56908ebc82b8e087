// Package events delivers runtime notifications to subscribers.
//
// Events travel over an in-process watermill gochannel as JSON payloads.
// Subscribers receive them on a buffered Go channel. Delivery is at most
// once: when a subscriber's channel is full the event is dropped for that
// subscriber and counted.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	defaults "github.com/xtxerr/hsport/config"
	"github.com/xtxerr/hsport/internal/config"
	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/logging"
)

var log = logging.Component("events")

const topic = "hsport.events"

const metadataType = "type"

// Type names an event kind.
type Type string

const (
	// Session lifecycle
	TypeStateChanged    Type = "session.state"
	TypeConnected       Type = "session.connected"
	TypeDegraded        Type = "session.degraded"
	TypeReconnected     Type = "session.reconnected"
	TypeCatalogMismatch Type = "session.catalog_mismatch"
	TypeSessionClosed   Type = "session.closed"

	// Frame and buffer conditions
	TypeCorruptFrame     Type = "frame.corrupt"
	TypeInvalidTimestamp Type = "frame.invalid_timestamp"
	TypeOverrun          Type = "buffer.overrun"
	TypeBackpressure     Type = "buffer.backpressure"

	// Registry
	TypeClientAdded   Type = "registry.client_added"
	TypeClientRemoved Type = "registry.client_removed"

	// Post-process buffers
	TypeSegmentRolled  Type = "postprocess.segment_rolled"
	TypeSegmentDeleted Type = "postprocess.segment_deleted"

	TypeDeprecated Type = "runtime.deprecated"
)

// Event is one notification.
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	Time       time.Time      `json:"time"`
	Connection int            `json:"connection,omitempty"`
	Endpoint   string         `json:"endpoint,omitempty"`
	Message    string         `json:"message,omitempty"`
	Attrs      map[string]any `json:"attrs,omitempty"`
}

// Publisher accepts events. *Bus implements it; components take the
// interface so tests and callers without a bus can pass Discard.
type Publisher interface {
	Publish(e Event)
}

type discard struct{}

func (discard) Publish(Event) {}

// Discard drops every event.
var Discard Publisher = discard{}

// Bus fans events out to subscribers.
type Bus struct {
	pubsub *gochannel.GoChannel
	buffer int

	closed    atomic.Bool
	published atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64

	wg sync.WaitGroup
}

// Stats holds bus counters.
type Stats struct {
	Published int64
	Dropped   int64
	Failed    int64
}

// NewBus creates a bus. A nil config uses the defaults.
func NewBus(cfg *config.EventsConfig) *Bus {
	buffer := defaults.DefaultEventBuffer
	if cfg != nil && cfg.Buffer > 0 {
		buffer = cfg.Buffer
	}

	pubsub := gochannel.NewGoChannel(gochannel.Config{
		// Subscribers ack right after a non-blocking hand-off, so waiting
		// for the ack is short and keeps events in publish order.
		BlockPublishUntilSubscriberAck: true,
	}, watermill.NewSlogLogger(logging.Component("watermill")))

	return &Bus{
		pubsub: pubsub,
		buffer: buffer,
	}
}

// Publish sends e to all current subscribers. Missing ID and Time are
// filled in. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(e Event) {
	if b.closed.Load() {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	payload, err := sonic.ConfigStd.Marshal(e)
	if err != nil {
		b.failed.Add(1)
		log.Warn("encode event", "type", e.Type, "error", err)
		return
	}

	msg := message.NewMessage(e.ID, payload)
	msg.Metadata.Set(metadataType, string(e.Type))

	if err := b.pubsub.Publish(topic, msg); err != nil {
		b.failed.Add(1)
		log.Debug("publish event", "type", e.Type, "error", err)
		return
	}
	b.published.Add(1)
}

// Subscribe returns a channel receiving events of the given types, or all
// events when none are given. The channel is closed when ctx is done or the
// bus is closed.
func (b *Bus) Subscribe(ctx context.Context, types ...Type) (<-chan Event, error) {
	if b.closed.Load() {
		return nil, errors.ErrAlreadyClosed
	}

	msgs, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe")
	}

	filter := make(map[Type]struct{}, len(types))
	for _, t := range types {
		filter[t] = struct{}{}
	}

	out := make(chan Event, b.buffer)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(out)

		for msg := range msgs {
			if len(filter) > 0 {
				if _, ok := filter[Type(msg.Metadata.Get(metadataType))]; !ok {
					msg.Ack()
					continue
				}
			}

			var e Event
			if err := sonic.ConfigStd.Unmarshal(msg.Payload, &e); err != nil {
				b.failed.Add(1)
				msg.Ack()
				continue
			}

			select {
			case out <- e:
			default:
				b.dropped.Add(1)
			}
			msg.Ack()
		}
	}()

	return out, nil
}

// Stats returns bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
		Failed:    b.failed.Load(),
	}
}

// Close closes the bus and all subscriber channels.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := b.pubsub.Close()
	b.wg.Wait()
	return err
}
