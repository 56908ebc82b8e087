package transport

import (
	"testing"
	"time"

	"github.com/xtxerr/hsport/internal/errors"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"online", ModeOnline},
		{"Buffer", ModeBuffer},
		{" logger ", ModeLogger},
		{"diag", ModeDirect},
		{"8", ModePostProcess},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseMode(%q): expected %s, got %s (%v)", tt.in, tt.want, got, err)
		}
	}

	for _, bad := range []string{"", "6", "stream"} {
		if _, err := ParseMode(bad); !errors.Is(err, errors.ErrInvalidArgument) {
			t.Errorf("ParseMode(%q): expected ErrInvalidArgument, got %v", bad, err)
		}
	}
}

func TestMode(t *testing.T) {
	if !ModeBuffer.Streaming() || ModeFiles.Streaming() {
		t.Error("unexpected streaming flags")
	}
	if Mode(6).Valid() {
		t.Error("mode 6 should be invalid")
	}
	if Mode(6).String() != "Mode(6)" {
		t.Errorf("unexpected name %s", Mode(6))
	}
}

func TestEndpoint(t *testing.T) {
	a := Endpoint{Address: "10.0.0.1", Mode: ModeBuffer}
	b := Endpoint{Address: "10.0.0.1", Mode: ModeBuffer, BufferIndex: 1}
	c := Endpoint{Address: "10.0.0.1", Mode: ModeOnline}

	if a.Key() == b.Key() || a.Key() == c.Key() {
		t.Error("keys should differ")
	}
	if a.String() != "10.0.0.1/buffer" {
		t.Errorf("unexpected string %s", a)
	}
	if b.String() != "10.0.0.1/buffer1" {
		t.Errorf("unexpected string %s", b)
	}
}

func TestHistoryRequest_Union(t *testing.T) {
	none := HistoryRequest{}
	w10 := HistoryRequest{Window: 10 * time.Second}
	w30 := HistoryRequest{Window: 30 * time.Second}
	full := HistoryRequest{Full: true}

	if !none.IsZero() || w10.IsZero() {
		t.Error("unexpected IsZero")
	}
	if got := w10.Union(w30); got != w30 {
		t.Errorf("expected 30s window, got %s", got)
	}
	if got := w30.Union(full); !got.Full {
		t.Errorf("expected full, got %s", got)
	}
	if got := none.Union(none); !got.IsZero() {
		t.Errorf("expected none, got %s", got)
	}
	if full.String() != "full" || none.String() != "none" || w10.String() != "last 10s" {
		t.Error("unexpected String")
	}
}

func TestDeviceInfoID_Textual(t *testing.T) {
	if !DeviceSerialNumber.Textual() || DeviceSampleRate.Textual() {
		t.Error("unexpected textual classification")
	}
}
