package snmpinfo

import (
	"context"

	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/transport"
)

// Wrap returns a dialer whose connections answer device info requests,
// asking the inner connection first and falling back to SNMP for ids it
// does not support.
func Wrap(d transport.Dialer, p *Prober) transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context, ep transport.Endpoint) (transport.Conn, error) {
		inner, err := d.Dial(ctx, ep)
		if err != nil {
			return nil, err
		}
		return &probedConn{Conn: inner, address: ep.Address, prober: p}, nil
	})
}

type probedConn struct {
	transport.Conn
	address string
	prober  *Prober
}

func (c *probedConn) DeviceInfo(ctx context.Context, id transport.DeviceInfoID, index int) (transport.DeviceInfo, error) {
	if inner, ok := c.Conn.(transport.DeviceInfoProvider); ok {
		info, err := inner.DeviceInfo(ctx, id, index)
		if !errors.Is(err, errors.ErrUnsupported) {
			return info, err
		}
	}
	return c.prober.DeviceInfo(ctx, c.address, id, index)
}

func (c *probedConn) ReadOnline(ctx context.Context) ([]byte, error) {
	if inner, ok := c.Conn.(transport.OnlineReader); ok {
		return inner.ReadOnline(ctx)
	}
	return nil, errors.ErrUnsupported
}

func (c *probedConn) Diagnostic(ctx context.Context, level transport.DiagLevel, index int) (transport.Diagnostic, error) {
	if inner, ok := c.Conn.(transport.Diagnoser); ok {
		return inner.Diagnostic(ctx, level, index)
	}
	return transport.Diagnostic{}, errors.ErrUnsupported
}
