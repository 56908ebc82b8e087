package hsport

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/hsport/internal/config"
	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/events"
	"github.com/xtxerr/hsport/internal/postprocess"
	"github.com/xtxerr/hsport/internal/recorder"
	testutil "github.com/xtxerr/hsport/internal/testing"
	"github.com/xtxerr/hsport/internal/timestamp"
	"github.com/xtxerr/hsport/internal/transport"
	"github.com/xtxerr/hsport/internal/transport/transporttest"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Session.BufferCapacity = 100
	cfg.Session.ReadTimeout = 50 * time.Millisecond
	cfg.PostProcess.Backend = "memory"
	return cfg
}

func newRuntime(t *testing.T, cfg *config.Config, ctrl *transporttest.Controller) *Runtime {
	t.Helper()

	r, err := New(Options{Config: cfg, Dialer: ctrl.Dialer()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { r.Shutdown(context.Background()) })
	return r
}

func endpoint(addr string) transport.Endpoint {
	return transport.Endpoint{Address: addr, Mode: transport.ModeBuffer}
}

func TestNew_Invalid(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("expected ErrMissingField without dialer, got %v", err)
	}

	cfg := testConfig()
	cfg.Limits.MaxConnections = 0
	ctrl := transporttest.NewController(transporttest.Catalog(), transporttest.Layout())
	if _, err := New(Options{Config: cfg, Dialer: ctrl.Dialer()}); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestRuntime_InitSharesConnection(t *testing.T) {
	ctrl := transporttest.NewController(transporttest.Catalog(), transporttest.Layout())
	r := newRuntime(t, testConfig(), ctrl)
	ctx := context.Background()

	h1, err := r.Init(ctx, endpoint("10.0.0.1"), 0)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	h2, err := r.Init(ctx, endpoint("10.0.0.1"), -5)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	if h1 == h2 {
		t.Error("expected distinct client handles")
	}
	c1, _ := r.Connection(h1)
	c2, _ := r.Connection(h2)
	if c1 != c2 {
		t.Errorf("expected one connection, got %d and %d", c1, c2)
	}
	if r.Connections() != 1 || r.Clients() != 2 {
		t.Errorf("expected 1 connection with 2 clients, got %d/%d", r.Connections(), r.Clients())
	}
	if ctrl.Dials() != 1 {
		t.Errorf("expected 1 dial, got %d", ctrl.Dials())
	}
	if got := len(r.Handles()); got != 2 {
		t.Errorf("expected 2 handles, got %d", got)
	}
}

func TestRuntime_ConnectionLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.MaxConnections = 2
	ctrl := transporttest.NewController(transporttest.Catalog(), transporttest.Layout())
	r := newRuntime(t, cfg, ctrl)
	ctx := context.Background()

	for _, addr := range []string{"10.0.0.1", "10.0.0.2"} {
		if _, err := r.Init(ctx, endpoint(addr), 0); err != nil {
			t.Fatalf("Init %s: %v", addr, err)
		}
	}

	h, err := r.Init(ctx, endpoint("10.0.0.3"), 0)
	if StatusOf(err) != errors.StatusLimitError {
		t.Errorf("expected LimitError, got %s (%v)", StatusOf(err), err)
	}
	if h.Valid() {
		t.Errorf("expected no handle, got %s", h)
	}
}

func TestRuntime_ExplainError(t *testing.T) {
	ctrl := transporttest.NewController(transporttest.Catalog(), transporttest.Layout())
	r := newRuntime(t, testConfig(), ctrl)

	h, err := r.Init(context.Background(), endpoint("10.0.0.1"), 0)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := r.ExplainError(h); got != "" {
		t.Errorf("expected no error text, got %q", got)
	}
	if got := r.ExplainError(Handle{}); !strings.HasPrefix(got, "InitError") {
		t.Errorf("expected InitError text for zero handle, got %q", got)
	}
}

func TestRuntime_WindowOpsUnsupported(t *testing.T) {
	ctrl := transporttest.NewController(transporttest.Catalog(), transporttest.Layout())
	r := newRuntime(t, testConfig(), ctrl)
	ctx := context.Background()

	h, err := r.Init(ctx, endpoint("10.0.0.1"), 0)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	c, _ := r.Client(h)
	s, _ := r.Session(h)

	if _, err := c.ReadBufferWindow(ctx, 0, 2); StatusOf(err) != errors.StatusNotImplemented {
		t.Errorf("expected NotImplemented, got %s", StatusOf(err))
	}
	if _, err := s.ReadOnlineWindow(ctx, 0, 2); StatusOf(err) != errors.StatusNotImplemented {
		t.Errorf("expected NotImplemented, got %s", StatusOf(err))
	}
}

func TestRuntime_AutoSyncDeprecated(t *testing.T) {
	ctrl := transporttest.NewController(transporttest.Catalog(), transporttest.Layout())
	r := newRuntime(t, testConfig(), ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := r.Subscribe(ctx, events.TypeDeprecated)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	r.SetAutoSyncMode(true)
	if !r.AutoSyncMode() {
		t.Error("expected auto sync mode stored")
	}

	e, err := testutil.Receive(ch, 2*time.Second)
	if err != nil {
		t.Fatalf("expected deprecation event: %v", err)
	}
	if e.Attrs["setting"] != "auto_sync" {
		t.Errorf("unexpected attrs %v", e.Attrs)
	}
}

func TestRuntime_PostProcessTable(t *testing.T) {
	ctrl := transporttest.NewController(transporttest.Catalog(), transporttest.Layout())
	r := newRuntime(t, testConfig(), ctrl)

	h1, b1, err := r.CreatePostProcess(r.PostProcessOptions("first"))
	if err != nil {
		t.Fatalf("CreatePostProcess: %v", err)
	}
	h2, _, err := r.CreatePostProcess(r.PostProcessOptions("second"))
	if err != nil {
		t.Fatalf("CreatePostProcess: %v", err)
	}

	if r.PostProcessCount() != 2 {
		t.Errorf("expected 2 buffers, got %d", r.PostProcessCount())
	}
	if hs := r.PostProcessHandles(); len(hs) != 2 || hs[0] != h1 || hs[1] != h2 {
		t.Errorf("unexpected handles %v", hs)
	}

	info, err := r.PostProcessInfo(h1)
	if err != nil {
		t.Fatalf("PostProcessInfo: %v", err)
	}
	if info.Name != "first" || info.State != postprocess.StateDefining || info.Backend != "memory" {
		t.Errorf("unexpected info %+v", info)
	}
	if info.SourceID != b1.SourceID() {
		t.Errorf("expected source id %s, got %s", b1.SourceID(), info.SourceID)
	}

	if err := r.ClosePostProcess(h1); err != nil {
		t.Fatalf("ClosePostProcess: %v", err)
	}
	if r.PostProcessCount() != 1 {
		t.Errorf("expected 1 buffer, got %d", r.PostProcessCount())
	}
	if _, err := r.PostProcessInfo(h1); StatusOf(err) != errors.StatusInitError {
		t.Errorf("expected InitError for closed handle, got %s", StatusOf(err))
	}
	if err := r.ClosePostProcess(h1); StatusOf(err) != errors.StatusInitError {
		t.Errorf("expected InitError on double close, got %s", StatusOf(err))
	}
	if _, err := r.PostProcess(PostProcessHandle{}); StatusOf(err) != errors.StatusInitError {
		t.Errorf("expected InitError for zero handle, got %s", StatusOf(err))
	}

	if _, _, err := r.CreatePostProcess(r.PostProcessOptions("")); !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("expected missing name rejected, got %v", err)
	}
}

func TestRuntime_Record(t *testing.T) {
	cat := transporttest.Catalog()
	ctrl := transporttest.NewController(cat, transporttest.Layout())
	ctrl.Emit(transporttest.Ramp(cat, timestamp.Seconds(1), time.Second, 10)...)
	r := newRuntime(t, testConfig(), ctrl)

	h, err := r.Init(context.Background(), endpoint("10.0.0.1"), 1)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	s, _ := r.Session(h)

	ph, b, err := r.CreatePostProcess(r.PostProcessOptions("record"))
	if err != nil {
		t.Fatalf("CreatePostProcess: %v", err)
	}
	for _, v := range postprocess.VariablesFromCatalog(s.Catalog()) {
		if _, err := b.AddVariable(v); err != nil {
			t.Fatalf("AddVariable: %v", err)
		}
	}
	if err := b.Initialize(0); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	rec, err := r.Record(h, ph, recorder.Options{BatchSize: 4, FlushInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	err = testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		return rec.Stats().FramesRecorded == 10
	})
	if err != nil {
		t.Fatalf("expected 10 frames recorded, got %d", rec.Stats().FramesRecorded)
	}
	if last, ok := b.LastTimestamp(); !ok || last != timestamp.Seconds(10) {
		t.Errorf("expected last 10s, got %v", last)
	}

	if err := r.Close(h); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if rec.Running() {
		t.Error("expected recording stopped with its client")
	}
}

func TestRuntime_Shutdown(t *testing.T) {
	ctrl := transporttest.NewController(transporttest.Catalog(), transporttest.Layout())
	r, err := New(Options{Config: testConfig(), Dialer: ctrl.Dialer()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if _, err := r.Init(ctx, endpoint("10.0.0.1"), 0); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, _, err := r.CreatePostProcess(r.PostProcessOptions("pending")); err != nil {
		t.Fatalf("CreatePostProcess: %v", err)
	}

	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if r.Connections() != 0 || r.PostProcessCount() != 0 {
		t.Errorf("expected everything released, got %d connections and %d buffers", r.Connections(), r.PostProcessCount())
	}
	if err := r.Shutdown(ctx); !errors.Is(err, errors.ErrAlreadyClosed) {
		t.Errorf("expected ErrAlreadyClosed, got %v", err)
	}
	if _, err := r.Init(ctx, endpoint("10.0.0.1"), 0); StatusOf(err) != errors.StatusInitError {
		t.Errorf("expected InitError after shutdown, got %s", StatusOf(err))
	}
}
