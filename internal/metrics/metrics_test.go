package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSessionMetrics(t *testing.T) {
	m := New("")
	s := m.Session("10.0.0.1/buffer")

	s.FrameDecoded()
	s.FrameDecoded()
	s.FrameCorrupt()
	s.InvalidTimestamp()
	s.Overrun(5)
	s.Overrun(0)
	s.Reconnected()
	s.Backfilled(30)
	s.Buffer(100, 0.25, 1)
	s.State(2)

	if got := testutil.ToFloat64(m.framesDecoded.WithLabelValues("10.0.0.1/buffer")); got != 2 {
		t.Errorf("expected 2 decoded, got %v", got)
	}
	if got := testutil.ToFloat64(m.framesOverrun.WithLabelValues("10.0.0.1/buffer")); got != 5 {
		t.Errorf("expected 5 overrun, got %v", got)
	}
	if got := testutil.ToFloat64(m.backfilled.WithLabelValues("10.0.0.1/buffer")); got != 30 {
		t.Errorf("expected 30 backfilled, got %v", got)
	}
	if got := testutil.ToFloat64(m.bufferPending.WithLabelValues("10.0.0.1/buffer")); got != 0.25 {
		t.Errorf("expected pending 0.25, got %v", got)
	}

	s.Forget()
	if n := testutil.CollectAndCount(m.framesDecoded); n != 0 {
		t.Errorf("expected series removed, got %d", n)
	}
}

func TestNilReceivers(t *testing.T) {
	var m *Metrics
	s := m.Session("x")
	if s != nil {
		t.Fatal("expected nil session")
	}

	// none of these may panic
	s.FrameDecoded()
	s.Overrun(3)
	s.Buffer(1, 1, 1)
	s.Forget()
	m.SetRegistry(1, 2)
	m.LimitError()
	m.PostProcess("src").Appended(1, 10)
}

func TestHandler(t *testing.T) {
	m := New("plant")
	m.SetRegistry(3, 7)
	m.LimitError()
	m.PostProcess("line1").Appended(10, 800)
	m.PostProcess("line1").Rolled()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		"plant_registry_connections 3",
		"plant_registry_clients 7",
		"plant_registry_limit_errors_total 1",
		`plant_postprocess_frames_total{source="line1"} 10`,
		`plant_postprocess_segments_rolled_total{source="line1"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected %q in output", want)
		}
	}
}
