package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/hsport/internal/config"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ch, err := bus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 0; i < 3; i++ {
		bus.Publish(Event{
			Type:       TypeOverrun,
			Connection: i + 1,
			Attrs:      map[string]any{"lost": i},
		})
	}

	for i := 0; i < 3; i++ {
		e := receive(t, ch)
		if e.Connection != i+1 {
			t.Errorf("expected connection %d, got %d", i+1, e.Connection)
		}
		if e.ID == "" || e.Time.IsZero() {
			t.Errorf("expected id and time to be filled: %+v", e)
		}
		if e.Attrs["lost"] != float64(i) {
			t.Errorf("expected attr %d, got %v", i, e.Attrs["lost"])
		}
	}

	if s := bus.Stats(); s.Published != 3 {
		t.Errorf("expected 3 published, got %d", s.Published)
	}
}

func TestBus_Filter(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ch, _ := bus.Subscribe(context.Background(), TypeDegraded, TypeReconnected)

	bus.Publish(Event{Type: TypeOverrun})
	bus.Publish(Event{Type: TypeDegraded, Message: "link lost"})
	bus.Publish(Event{Type: TypeCorruptFrame})
	bus.Publish(Event{Type: TypeReconnected})

	if e := receive(t, ch); e.Type != TypeDegraded || e.Message != "link lost" {
		t.Errorf("unexpected event %+v", e)
	}
	if e := receive(t, ch); e.Type != TypeReconnected {
		t.Errorf("unexpected event %+v", e)
	}
}

func TestBus_DropsWhenFull(t *testing.T) {
	bus := NewBus(&config.EventsConfig{Buffer: 2})
	defer bus.Close()

	ch, _ := bus.Subscribe(context.Background())

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: TypeInvalidTimestamp})
	}

	if s := bus.Stats(); s.Dropped != 3 {
		t.Errorf("expected 3 dropped, got %d", s.Dropped)
	}
	if len(ch) != 2 {
		t.Errorf("expected 2 queued events, got %d", len(ch))
	}
}

func TestBus_CloseClosesSubscribers(t *testing.T) {
	bus := NewBus(nil)
	ch, _ := bus.Subscribe(context.Background())

	if err := bus.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}

	if _, err := bus.Subscribe(context.Background()); err == nil {
		t.Error("expected error subscribing to closed bus")
	}

	// no panic, no count
	bus.Publish(Event{Type: TypeOverrun})
	if s := bus.Stats(); s.Published != 0 {
		t.Errorf("expected nothing published, got %d", s.Published)
	}
}

func TestBus_ContextCancel(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := bus.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

type recordingForwarder struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	fail     bool
}

func (f *recordingForwarder) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("broker down")
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestBridge(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	fwd := &recordingForwarder{}
	br, err := StartBridge(bus, fwd, "plant.hsport")
	if err != nil {
		t.Fatalf("StartBridge: %v", err)
	}

	bus.Publish(Event{Type: TypeConnected, Endpoint: "10.0.0.1/buffer"})
	bus.Publish(Event{Type: TypeSegmentRolled})

	fwd.mu.Lock()
	fwd.fail = true
	fwd.mu.Unlock()
	bus.Publish(Event{Type: TypeSessionClosed})

	br.Stop()

	fwd.mu.Lock()
	defer fwd.mu.Unlock()

	want := []string{"plant.hsport.session.connected", "plant.hsport.postprocess.segment_rolled"}
	if len(fwd.subjects) != len(want) {
		t.Fatalf("expected %d forwarded, got %v", len(want), fwd.subjects)
	}
	for i := range want {
		if fwd.subjects[i] != want[i] {
			t.Errorf("subject %d: expected %s, got %s", i, want[i], fwd.subjects[i])
		}
	}
	if !strings.Contains(string(fwd.payloads[0]), `"endpoint":"10.0.0.1/buffer"`) {
		t.Errorf("unexpected payload %s", fwd.payloads[0])
	}

	forwarded, failed := br.Counts()
	if forwarded != 2 || failed != 1 {
		t.Errorf("expected 2/1, got %d/%d", forwarded, failed)
	}
}

func TestStartBridge_NilForwarder(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	if _, err := StartBridge(bus, nil, "x"); err == nil {
		t.Error("expected error for nil forwarder")
	}
}
