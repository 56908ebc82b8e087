// Package snmpinfo answers device info requests over SNMP for controllers
// whose stream transport does not carry them.
package snmpinfo

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/xtxerr/hsport/internal/config"
	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/logging"
	"github.com/xtxerr/hsport/internal/transport"
	"github.com/xtxerr/hsport/internal/validation"
)

var log = logging.Component("snmpinfo")

// Well-known objects. Entity MIB objects are indexed by module index + 1.
const (
	oidSysDescr       = ".1.3.6.1.2.1.1.1.0"
	oidSysObjectID    = ".1.3.6.1.2.1.1.2.0"
	oidSysLocation    = ".1.3.6.1.2.1.1.6.0"
	oidEntSoftwareRev = ".1.3.6.1.2.1.47.1.1.1.1.10"
	oidEntSerialNum   = ".1.3.6.1.2.1.47.1.1.1.1.11"
)

// getter is the part of *gosnmp.GoSNMP the prober uses.
type getter interface {
	Get(oids []string) (*gosnmp.SnmpPacket, error)
}

// connectFunc opens a session to host and returns it with its closer.
type connectFunc func(ctx context.Context, host string) (getter, func() error, error)

// Prober queries device properties over SNMP v1/v2c.
type Prober struct {
	cfg     config.SNMPConfig
	connect connectFunc
}

// New creates a prober. A nil config uses the defaults.
func New(cfg *config.SNMPConfig) *Prober {
	if cfg == nil {
		cfg = &config.DefaultConfig().SNMP
	}
	p := &Prober{cfg: *cfg}
	p.connect = p.dial
	return p
}

func (p *Prober) dial(ctx context.Context, host string) (getter, func() error, error) {
	port := p.cfg.Port
	if port == 0 {
		port = 161
	}

	snmp := &gosnmp.GoSNMP{
		Target:    host,
		Port:      port,
		Community: p.cfg.Community,
		Timeout:   time.Duration(p.cfg.TimeoutMs) * time.Millisecond,
		Retries:   p.cfg.Retries,
		Context:   ctx,
	}
	switch p.cfg.Version {
	case "1":
		snmp.Version = gosnmp.Version1
	default:
		snmp.Version = gosnmp.Version2c
	}

	if err := snmp.Connect(); err != nil {
		return nil, nil, fmt.Errorf("snmp connect %s: %v: %w", host, err, errors.ErrConnectionFailed)
	}
	return snmp, snmp.Conn.Close, nil
}

// Host extracts the host part of a controller address.
func Host(address string) (string, error) {
	if strings.Contains(address, "://") {
		u, err := url.Parse(address)
		if err != nil {
			return "", fmt.Errorf("address %q: %w", address, errors.ErrInvalidArgument)
		}
		address = u.Host
	}
	host, _, err := validation.SplitAddress(address, "")
	return host, err
}

func oidFor(id transport.DeviceInfoID, index int) (string, bool) {
	switch id {
	case transport.DeviceLocation:
		return oidSysLocation, true
	case transport.DeviceType:
		return oidSysDescr, true
	case transport.DeviceTypeCode:
		return oidSysObjectID, true
	case transport.DeviceVersion:
		return fmt.Sprintf("%s.%d", oidEntSoftwareRev, index+1), true
	case transport.DeviceSerialNumber:
		return fmt.Sprintf("%s.%d", oidEntSerialNum, index+1), true
	default:
		return "", false
	}
}

// DeviceInfo queries one property of the device at address. Ids without an
// SNMP mapping return ErrUnsupported.
func (p *Prober) DeviceInfo(ctx context.Context, address string, id transport.DeviceInfoID, index int) (transport.DeviceInfo, error) {
	host, err := Host(address)
	if err != nil {
		return transport.DeviceInfo{}, err
	}
	if id == transport.DeviceAddress {
		return transport.DeviceInfo{Text: host}, nil
	}

	oid, ok := oidFor(id, index)
	if !ok {
		return transport.DeviceInfo{}, fmt.Errorf("device info %d over snmp: %w", id, errors.ErrUnsupported)
	}

	if err := ctx.Err(); err != nil {
		return transport.DeviceInfo{}, fmt.Errorf("device info: %w", errors.ErrTimeout)
	}

	g, closeFn, err := p.connect(ctx, host)
	if err != nil {
		return transport.DeviceInfo{}, err
	}
	defer closeFn()

	pkt, err := g.Get([]string{oid})
	if err != nil {
		if isTimeoutError(err) {
			return transport.DeviceInfo{}, fmt.Errorf("snmp get %s: %w", oid, errors.ErrTimeout)
		}
		return transport.DeviceInfo{}, fmt.Errorf("snmp get %s: %v: %w", oid, err, errors.ErrConnectionFailed)
	}
	if len(pkt.Variables) == 0 {
		return transport.DeviceInfo{}, fmt.Errorf("snmp get %s: no variables: %w", oid, errors.ErrNotFound)
	}

	info, err := convert(pkt.Variables[0])
	if err != nil {
		return transport.DeviceInfo{}, fmt.Errorf("snmp get %s: %w", oid, err)
	}
	log.Debug("device info", "host", host, "id", int(id), "oid", oid)
	return info, nil
}

func convert(v gosnmp.SnmpPDU) (transport.DeviceInfo, error) {
	switch v.Type {
	case gosnmp.OctetString:
		b, _ := v.Value.([]byte)
		return transport.DeviceInfo{Text: strings.TrimSpace(string(b))}, nil

	case gosnmp.ObjectIdentifier:
		s, _ := v.Value.(string)
		return transport.DeviceInfo{Text: s}, nil

	case gosnmp.Integer, gosnmp.Counter32, gosnmp.Counter64, gosnmp.Gauge32, gosnmp.Uinteger32, gosnmp.TimeTicks:
		n := gosnmp.ToBigInt(v.Value)
		f, _ := n.Float64()
		return transport.DeviceInfo{Number: f}, nil

	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance:
		return transport.DeviceInfo{}, errors.ErrNotFound

	default:
		return transport.DeviceInfo{}, fmt.Errorf("type %v: %w", v.Type, errors.ErrTypeMismatch)
	}
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(err.Error(), "request timeout")
}
