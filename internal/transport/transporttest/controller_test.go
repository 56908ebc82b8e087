package transporttest

import (
	"context"
	"testing"
	"time"

	"github.com/xtxerr/hsport/internal/decoder"
	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/timestamp"
	"github.com/xtxerr/hsport/internal/transport"
)

func collect(t *testing.T, conn transport.Conn) (history, live int) {
	t.Helper()
	cat := Catalog()
	stride := Layout().Stride(cat)

	for {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		b, err := conn.ReadFrames(ctx)
		cancel()
		if err != nil {
			return
		}
		n := len(b.Data) / stride
		if b.History {
			history += n
		} else {
			live += n
		}
	}
}

func TestController_HistoryWindow(t *testing.T) {
	cat := Catalog()
	ctrl := NewController(cat, Layout())
	ctrl.Emit(Ramp(cat, timestamp.Seconds(1), time.Second, 40)...)

	conn, err := ctrl.Dialer().Dial(context.Background(), transport.Endpoint{Address: "fake", Mode: transport.ModeBuffer})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Handshake(context.Background()); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if err := conn.RequestHistory(context.Background(), transport.HistoryRequest{Window: 10 * time.Second}); err != nil {
		t.Fatalf("RequestHistory: %v", err)
	}
	ctrl.Emit(Frame(cat, timestamp.Seconds(41), 41))

	history, live := collect(t, conn)
	if history != 10 || live != 1 {
		t.Errorf("expected 10 history and 1 live frame, got %d and %d", history, live)
	}
}

func TestController_IgnoreWindow(t *testing.T) {
	cat := Catalog()
	ctrl := NewController(cat, Layout(), IgnoreWindow())
	ctrl.Emit(Ramp(cat, timestamp.Seconds(1), time.Second, 40)...)

	conn, _ := ctrl.Dialer().Dial(context.Background(), transport.Endpoint{})
	conn.RequestHistory(context.Background(), transport.HistoryRequest{Window: 10 * time.Second})

	if history, _ := collect(t, conn); history != 40 {
		t.Errorf("expected 40 history frames, got %d", history)
	}
}

func TestController_Drop(t *testing.T) {
	cat := Catalog()
	ctrl := NewController(cat, Layout())

	conn, _ := ctrl.Dialer().Dial(context.Background(), transport.Endpoint{})
	conn.RequestHistory(context.Background(), transport.HistoryRequest{})
	if ctrl.Connections() != 1 {
		t.Fatalf("expected 1 streaming connection, got %d", ctrl.Connections())
	}

	ctrl.Drop()

	_, err := conn.ReadFrames(context.Background())
	if !errors.Is(err, errors.ErrConnectionFailed) {
		t.Errorf("expected ErrConnectionFailed, got %v", err)
	}
	if ctrl.Connections() != 0 {
		t.Errorf("expected no connections after drop")
	}
}

func TestController_DialError(t *testing.T) {
	ctrl := NewController(Catalog(), Layout())
	ctrl.SetDialError(errors.ErrConnectionFailed)

	if _, err := ctrl.Dialer().Dial(context.Background(), transport.Endpoint{}); !errors.Is(err, errors.ErrConnectionFailed) {
		t.Errorf("expected dial error, got %v", err)
	}
	if ctrl.Dials() != 1 {
		t.Errorf("expected 1 dial, got %d", ctrl.Dials())
	}
}

func TestController_Capabilities(t *testing.T) {
	cat := Catalog()
	ctrl := NewController(cat, Layout())
	ctrl.Emit(Frame(cat, timestamp.Seconds(5), 7))

	conn, _ := ctrl.Dialer().Dial(context.Background(), transport.Endpoint{})

	online, ok := conn.(transport.OnlineReader)
	if !ok {
		t.Fatal("expected OnlineReader")
	}
	raw, err := online.ReadOnline(context.Background())
	if err != nil {
		t.Fatalf("ReadOnline: %v", err)
	}
	f, err := decoder.Decode(raw, cat, Layout())
	if err != nil || f.Values[0].Float64() != 7 {
		t.Errorf("unexpected online frame %+v, %v", f, err)
	}

	bare, _ := Bare(ctrl.Dialer()).Dial(context.Background(), transport.Endpoint{})
	if _, ok := bare.(transport.OnlineReader); ok {
		t.Error("bare conn should not expose OnlineReader")
	}
	if _, ok := bare.(transport.Diagnoser); ok {
		t.Error("bare conn should not expose Diagnoser")
	}
}
