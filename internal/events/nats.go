package events

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/xtxerr/hsport/internal/errors"
)

// Forwarder publishes raw payloads to a subject. *nats.Conn implements it.
type Forwarder interface {
	Publish(subject string, data []byte) error
}

// Bridge copies every event on a bus to a Forwarder under
// "<prefix>.<event type>".
type Bridge struct {
	fwd    Forwarder
	prefix string

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	forwarded int64
	failed    int64
}

// StartBridge subscribes to bus and forwards until Stop or bus close.
func StartBridge(bus *Bus, fwd Forwarder, prefix string) (*Bridge, error) {
	if fwd == nil {
		return nil, errors.NewMissingField("forwarder")
	}

	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := bus.pubsub.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "subscribe bridge")
	}

	br := &Bridge{
		fwd:    fwd,
		prefix: prefix,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(br.done)
		for msg := range msgs {
			subject := br.prefix + "." + msg.Metadata.Get(metadataType)
			err := br.fwd.Publish(subject, msg.Payload)

			br.mu.Lock()
			if err != nil {
				br.failed++
			} else {
				br.forwarded++
			}
			br.mu.Unlock()

			if err != nil {
				log.Debug("forward event", "subject", subject, "error", err)
			}
			msg.Ack()
		}
	}()

	return br, nil
}

// Counts returns forwarded and failed event counts.
func (br *Bridge) Counts() (forwarded, failed int64) {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.forwarded, br.failed
}

// Stop ends forwarding and waits for the worker.
func (br *Bridge) Stop() {
	br.cancel()
	<-br.done
}

// ConnectNATS dials a NATS server for use as a Forwarder. The connection
// reconnects on its own; events published while disconnected are buffered
// by the client library.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrConnectionFailed, "nats %s: %v", url, err)
	}
	return conn, nil
}
