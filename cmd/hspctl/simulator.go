package main

import (
	"context"
	"math"
	"net"
	"time"

	"github.com/xtxerr/hsport/internal/catalog"
	"github.com/xtxerr/hsport/internal/decoder"
	"github.com/xtxerr/hsport/internal/timestamp"
	"github.com/xtxerr/hsport/internal/transport/stream"
)

// simulator runs a local stream server producing a test bench signal set.
type simulator struct {
	srv  *stream.Server
	cat  *catalog.Catalog
	rate float64
	ln   net.Listener
}

func simulatorCatalog() *catalog.Catalog {
	return catalog.MustNew([]catalog.Channel{
		{Name: "Motor.Speed", Unit: "rpm", Direction: catalog.DirInput, Type: catalog.TypeFloat64, Precision: 1, RangeMin: 0, RangeMax: 3000},
		{Name: "Motor.Temp", Unit: "degC", Direction: catalog.DirInput, Type: catalog.TypeFloat32, Precision: 2, RangeMin: -20, RangeMax: 120},
		{Name: "Cycle", Direction: catalog.DirInput, Type: catalog.TypeInt32},
		{Name: "Brake", Direction: catalog.DirOutput, Type: catalog.TypeBool},
		{Name: "Motor.Setpoint", Unit: "rpm", Direction: catalog.DirInOut, Type: catalog.TypeFloat64, RangeMin: 0, RangeMax: 3000},
	})
}

// startSimulator listens on a loopback port and returns the address to
// dial.
func startSimulator() (*simulator, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	opts := stream.DefaultServerOptions()
	cat := simulatorCatalog()
	s := &simulator{
		srv:  stream.NewServer(cat, decoder.DefaultLayout(), opts),
		cat:  cat,
		rate: opts.SampleRate,
		ln:   ln,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil {
			log.Debug("simulator stopped", "error", err)
		}
	}()
	return s, nil
}

func (s *simulator) addr() string {
	return s.ln.Addr().String()
}

// run emits one frame per sample period until ctx is done.
func (s *simulator) run(ctx context.Context) {
	period := time.Duration(float64(time.Second) / s.rate)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var n int64
	for {
		select {
		case <-ctx.Done():
			s.srv.Close()
			return
		case now := <-ticker.C:
			s.srv.Emit(s.frame(timestamp.FromTime(now), n))
			n++
		}
	}
}

func (s *simulator) frame(ts timestamp.DCTime, n int64) decoder.Frame {
	phase := float64(n) / s.rate
	speed := 1500 + 1200*math.Sin(phase/5)
	temp := 40 + 0.01*float64(n%6000)

	return decoder.Frame{
		Timestamp:      ts,
		TimestampValid: true,
		Values: []decoder.Value{
			decoder.FromFloat64(catalog.TypeFloat64, speed),
			decoder.FromFloat64(catalog.TypeFloat32, temp),
			decoder.FromInt64(catalog.TypeInt32, n),
			decoder.FromBool(speed > 2500),
			decoder.FromFloat64(catalog.TypeFloat64, 1500),
		},
	}
}
