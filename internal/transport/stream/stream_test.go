package stream

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/hsport/internal/decoder"
	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/timestamp"
	"github.com/xtxerr/hsport/internal/transport"
	"github.com/xtxerr/hsport/internal/transport/transporttest"
)

func startTCP(t *testing.T, srv *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return ln.Addr().String()
}

func dial(t *testing.T, addr string) *Conn {
	t.Helper()
	d := &Dialer{Timeout: 2 * time.Second}
	conn, err := d.Dial(context.Background(), transport.Endpoint{Address: addr, Mode: transport.ModeBuffer})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn.(*Conn)
}

// readFrames reads until the history marker and wantLive live frames have
// arrived.
func readFrames(t *testing.T, conn *Conn, wantLive int) (history, live int) {
	t.Helper()
	cat := transporttest.Catalog()
	stride := transporttest.Layout().Stride(cat)

	done := false
	for !done || live < wantLive {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		b, err := conn.ReadFrames(ctx)
		cancel()
		if err != nil {
			t.Fatalf("ReadFrames after %d/%d frames: %v", history, live, err)
		}
		switch {
		case b.HistoryDone:
			done = true
		case b.History:
			history += len(b.Data) / stride
		default:
			live += len(b.Data) / stride
		}
	}
	return history, live
}

func TestStream_TCP(t *testing.T) {
	cat := transporttest.Catalog()
	srv := NewServer(cat, transporttest.Layout(), DefaultServerOptions())
	srv.Emit(transporttest.Ramp(cat, timestamp.Seconds(1), time.Second, 20)...)

	conn := dial(t, startTCP(t, srv))
	ctx := context.Background()

	hs, err := conn.Handshake(ctx)
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if !hs.Catalog.Equal(cat) {
		t.Error("catalog should survive the round trip")
	}
	if hs.Layout != transporttest.Layout() || hs.SampleRate != 10 {
		t.Errorf("unexpected handshake %+v", hs)
	}

	if err := conn.RequestHistory(ctx, transport.HistoryRequest{Window: 5 * time.Second}); err != nil {
		t.Fatalf("RequestHistory: %v", err)
	}
	srv.Emit(transporttest.Frame(cat, timestamp.Seconds(21), 21))

	history, live := readFrames(t, conn, 1)
	if history != 5 || live != 1 {
		t.Errorf("expected 5 history + 1 live, got %d + %d", history, live)
	}
}

func TestStream_Requests(t *testing.T) {
	cat := transporttest.Catalog()
	srv := NewServer(cat, transporttest.Layout(), DefaultServerOptions())
	conn := dial(t, startTCP(t, srv))
	ctx := context.Background()

	if _, err := conn.ReadOnline(ctx); !errors.Is(err, errors.ErrNotReady) {
		t.Errorf("expected ErrNotReady before any frame, got %v", err)
	}

	srv.Emit(transporttest.Frame(cat, timestamp.Seconds(3), 42))

	raw, err := conn.ReadOnline(ctx)
	if err != nil {
		t.Fatalf("ReadOnline: %v", err)
	}
	f, err := decoder.Decode(raw, cat, transporttest.Layout())
	if err != nil || f.Values[0].Float64() != 42 || f.Timestamp != timestamp.Seconds(3) {
		t.Errorf("unexpected online frame %+v (%v)", f, err)
	}

	values := []transport.OutputValue{
		{Index: 0, Value: decoder.FromBool(true)},
		{Index: 1, Value: decoder.FromFloat64(cat.Type(4), 1500)},
	}
	if err := conn.WriteOutputs(ctx, values); err != nil {
		t.Fatalf("WriteOutputs: %v", err)
	}
	out := srv.Outputs()
	if len(out) != 1 || len(out[0]) != 2 || out[0][1].Value.Float64() != 1500 || !out[0][0].Value.Bool() {
		t.Errorf("unexpected outputs %+v", out)
	}

	err = conn.WriteOutputs(ctx, []transport.OutputValue{{Index: 9, Value: decoder.FromBool(true)}})
	if errors.StatusOf(err) != errors.StatusIndexError {
		t.Errorf("expected IndexError status, got %v (%v)", errors.StatusOf(err), err)
	}

	d, err := conn.Diagnostic(ctx, transport.DiagController, 0)
	if err != nil || d.Cycles != 1 {
		t.Errorf("unexpected diagnostic %+v (%v)", d, err)
	}

	info, err := conn.DeviceInfo(ctx, transport.DeviceType, 0)
	if err != nil || info.Text != "HS-SIM" {
		t.Errorf("unexpected device type %+v (%v)", info, err)
	}
	info, err = conn.DeviceInfo(ctx, transport.DeviceChannelCount, 0)
	if err != nil || info.Number != 5 {
		t.Errorf("unexpected channel count %+v (%v)", info, err)
	}
	if _, err := conn.DeviceInfo(ctx, transport.DeviceSerialNumber, 0); !errors.Is(err, errors.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}

func TestStream_WebSocket(t *testing.T) {
	cat := transporttest.Catalog()
	srv := NewServer(cat, transporttest.Layout(), DefaultServerOptions())
	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()
	defer srv.Close()

	addr := "ws://" + strings.TrimPrefix(httpSrv.URL, "http://")
	conn := dial(t, addr)
	ctx := context.Background()

	hs, err := conn.Handshake(ctx)
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if hs.Catalog.Len() != cat.Len() {
		t.Errorf("expected %d channels, got %d", cat.Len(), hs.Catalog.Len())
	}

	if err := conn.RequestHistory(ctx, transport.HistoryRequest{}); err != nil {
		t.Fatalf("RequestHistory: %v", err)
	}
	srv.Emit(transporttest.Ramp(cat, timestamp.Seconds(1), time.Second, 3)...)

	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := conn.ReadFrames(rctx)
	if err != nil {
		t.Fatalf("ReadFrames: %v", err)
	}
	if b.History || len(b.Data) != 3*transporttest.Layout().Stride(cat) {
		t.Errorf("unexpected block: history=%v len=%d", b.History, len(b.Data))
	}
}

func TestStream_LinkLoss(t *testing.T) {
	cat := transporttest.Catalog()
	srv := NewServer(cat, transporttest.Layout(), DefaultServerOptions())
	conn := dial(t, startTCP(t, srv))

	if err := conn.RequestHistory(context.Background(), transport.HistoryRequest{}); err != nil {
		t.Fatalf("RequestHistory: %v", err)
	}
	srv.DropPeers()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := conn.ReadFrames(ctx); !errors.Is(err, errors.ErrConnectionFailed) {
		t.Errorf("expected ErrConnectionFailed, got %v", err)
	}
}

func TestStream_CloseUnblocksReader(t *testing.T) {
	cat := transporttest.Catalog()
	srv := NewServer(cat, transporttest.Layout(), DefaultServerOptions())
	conn := dial(t, startTCP(t, srv))

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.ReadFrames(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	conn.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, errors.ErrSessionClosed) {
			t.Errorf("expected ErrSessionClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reader not woken by Close")
	}
}

func TestDialer_Refused(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	ln.Close()

	d := &Dialer{Timeout: time.Second}
	_, err := d.Dial(context.Background(), transport.Endpoint{Address: "tcp://" + addr})
	if !errors.Is(err, errors.ErrConnectionFailed) {
		t.Errorf("expected ErrConnectionFailed, got %v", err)
	}
}
