package snmpinfo

import (
	"context"
	"fmt"
	"testing"

	"github.com/gosnmp/gosnmp"

	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/transport"
	"github.com/xtxerr/hsport/internal/transport/transporttest"
)

type fakeAgent struct {
	values map[string]gosnmp.SnmpPDU
	hosts  []string
	asked  []string
	err    error
}

func (a *fakeAgent) Get(oids []string) (*gosnmp.SnmpPacket, error) {
	if a.err != nil {
		return nil, a.err
	}
	a.asked = append(a.asked, oids...)
	pkt := &gosnmp.SnmpPacket{}
	for _, oid := range oids {
		v, ok := a.values[oid]
		if !ok {
			v = gosnmp.SnmpPDU{Name: oid, Type: gosnmp.NoSuchObject}
		}
		pkt.Variables = append(pkt.Variables, v)
	}
	return pkt, nil
}

func newFakeProber(agent *fakeAgent) *Prober {
	p := New(nil)
	p.connect = func(ctx context.Context, host string) (getter, func() error, error) {
		agent.hosts = append(agent.hosts, host)
		return agent, func() error { return nil }, nil
	}
	return p
}

func testAgent() *fakeAgent {
	return &fakeAgent{values: map[string]gosnmp.SnmpPDU{
		oidSysLocation:           {Type: gosnmp.OctetString, Value: []byte("hall 3 ")},
		oidSysDescr:              {Type: gosnmp.OctetString, Value: []byte("HS-4000")},
		oidSysObjectID:           {Type: gosnmp.ObjectIdentifier, Value: ".1.3.6.1.4.1.9999.1"},
		oidEntSerialNum + ".1":   {Type: gosnmp.OctetString, Value: []byte("SN-42")},
		oidEntSoftwareRev + ".2": {Type: gosnmp.OctetString, Value: []byte("2.1")},
	}}
}

func TestHost(t *testing.T) {
	tests := map[string]string{
		"10.0.0.5":              "10.0.0.5",
		"10.0.0.5:4001":         "10.0.0.5",
		"tcp://plc.local:4001":  "plc.local",
		"ws://plc.local/stream": "plc.local",
	}
	for in, want := range tests {
		got, err := Host(in)
		if err != nil {
			t.Errorf("Host(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("Host(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestProber_DeviceInfo(t *testing.T) {
	agent := testAgent()
	p := newFakeProber(agent)
	ctx := context.Background()

	tests := []struct {
		id    transport.DeviceInfoID
		index int
		want  string
	}{
		{transport.DeviceLocation, 0, "hall 3"},
		{transport.DeviceType, 0, "HS-4000"},
		{transport.DeviceTypeCode, 0, ".1.3.6.1.4.1.9999.1"},
		{transport.DeviceSerialNumber, 0, "SN-42"},
		{transport.DeviceVersion, 1, "2.1"},
	}
	for _, tt := range tests {
		info, err := p.DeviceInfo(ctx, "tcp://10.0.0.5:4001", tt.id, tt.index)
		if err != nil {
			t.Errorf("id %d: %v", tt.id, err)
			continue
		}
		if info.Text != tt.want {
			t.Errorf("id %d: expected %q, got %q", tt.id, tt.want, info.Text)
		}
	}

	if agent.hosts[0] != "10.0.0.5" {
		t.Errorf("expected host 10.0.0.5, got %q", agent.hosts[0])
	}

	// Address is answered locally.
	before := len(agent.asked)
	info, err := p.DeviceInfo(ctx, "10.0.0.5", transport.DeviceAddress, 0)
	if err != nil || info.Text != "10.0.0.5" {
		t.Errorf("address: %+v, %v", info, err)
	}
	if len(agent.asked) != before {
		t.Error("address should not query the agent")
	}
}

func TestProber_Errors(t *testing.T) {
	agent := testAgent()
	p := newFakeProber(agent)
	ctx := context.Background()

	if _, err := p.DeviceInfo(ctx, "10.0.0.5", transport.DeviceSampleRate, 0); !errors.Is(err, errors.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}

	// Module 5 has no serial number.
	if _, err := p.DeviceInfo(ctx, "10.0.0.5", transport.DeviceSerialNumber, 4); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	agent.err = fmt.Errorf("request timeout (after 1 retries)")
	if _, err := p.DeviceInfo(ctx, "10.0.0.5", transport.DeviceLocation, 0); !errors.Is(err, errors.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}

	agent.err = fmt.Errorf("connection refused")
	if _, err := p.DeviceInfo(ctx, "10.0.0.5", transport.DeviceLocation, 0); !errors.Is(err, errors.ErrConnectionFailed) {
		t.Errorf("expected ErrConnectionFailed, got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := p.DeviceInfo(cancelled, "10.0.0.5", transport.DeviceLocation, 0); !errors.Is(err, errors.ErrTimeout) {
		t.Errorf("expected ErrTimeout on cancelled context, got %v", err)
	}
}

func TestConvert_Numbers(t *testing.T) {
	info, err := convert(gosnmp.SnmpPDU{Type: gosnmp.TimeTicks, Value: uint32(12345)})
	if err != nil || info.Number != 12345 {
		t.Errorf("timeticks: %+v, %v", info, err)
	}
	info, err = convert(gosnmp.SnmpPDU{Type: gosnmp.Integer, Value: 7})
	if err != nil || info.Number != 7 {
		t.Errorf("integer: %+v, %v", info, err)
	}
	if _, err := convert(gosnmp.SnmpPDU{Type: gosnmp.IPAddress, Value: "10.0.0.1"}); !errors.Is(err, errors.ErrTypeMismatch) {
		t.Errorf("expected ErrTypeMismatch, got %v", err)
	}
}

func TestWrap(t *testing.T) {
	cat := transporttest.Catalog()
	ctrl := transporttest.NewController(cat, transporttest.Layout())
	agent := testAgent()
	p := newFakeProber(agent)
	ctx := context.Background()

	ep := transport.Endpoint{Address: "10.0.0.5", Mode: transport.ModeBuffer}

	// The fake answers location itself and leaves device type code to SNMP.
	conn, err := Wrap(ctrl.Dialer(), p).Dial(ctx, ep)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	provider := conn.(transport.DeviceInfoProvider)
	info, err := provider.DeviceInfo(ctx, transport.DeviceLocation, 0)
	if err != nil || info.Text != "test bench" {
		t.Errorf("location: %+v, %v", info, err)
	}
	info, err = provider.DeviceInfo(ctx, transport.DeviceTypeCode, 0)
	if err != nil || info.Text != ".1.3.6.1.4.1.9999.1" {
		t.Errorf("type code: %+v, %v", info, err)
	}

	if _, err := conn.(transport.Diagnoser).Diagnostic(ctx, transport.DiagController, 0); err != nil {
		t.Errorf("diagnostic should pass through: %v", err)
	}

	// Without any inner capability everything goes to SNMP.
	bare, err := Wrap(transporttest.Bare(ctrl.Dialer()), p).Dial(ctx, ep)
	if err != nil {
		t.Fatalf("Dial bare: %v", err)
	}
	defer bare.Close()

	info, err = bare.(transport.DeviceInfoProvider).DeviceInfo(ctx, transport.DeviceLocation, 0)
	if err != nil || info.Text != "hall 3" {
		t.Errorf("bare location: %+v, %v", info, err)
	}
	if _, err := bare.(transport.OnlineReader).ReadOnline(ctx); !errors.Is(err, errors.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}
