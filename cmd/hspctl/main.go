// hspctl connects to a data-acquisition controller, prints or records its
// frames and offers an interactive shell on a terminal.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/term"

	"github.com/xtxerr/hsport"
	"github.com/xtxerr/hsport/internal/config"
	"github.com/xtxerr/hsport/internal/decoder"
	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/logging"
	"github.com/xtxerr/hsport/internal/postprocess"
	"github.com/xtxerr/hsport/internal/recorder"
	"github.com/xtxerr/hsport/internal/session"
	"github.com/xtxerr/hsport/internal/transport"
	"github.com/xtxerr/hsport/internal/transport/stream"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("hspctl")

type flags struct {
	config        string
	addr          string
	mode          string
	buffer        int
	backTime      float64
	backTimeSet   bool
	record        string
	recordBackend string
	metrics       string
	logLevel      string
	logJSON       bool
}

func main() {
	var f flags
	flag.StringVar(&f.config, "config", "", "config file path (.yaml or .toml)")
	flag.StringVar(&f.addr, "addr", "", "controller address (host[:port] or ws://...); empty starts a local simulator")
	flag.StringVar(&f.mode, "mode", "buffer", "communication mode (online, buffer, logger, direct, ...)")
	flag.IntVar(&f.buffer, "buffer", 0, "buffer index in buffer mode")
	flag.Float64Var(&f.backTime, "backtime", 0, "BackTime in seconds: <= 0 requests the last |n| seconds, > 0 the full history (overrides config)")
	flag.StringVar(&f.record, "record", "", "record frames to a post-process buffer with this name")
	flag.StringVar(&f.recordBackend, "record-backend", "", "post-process backend: memory, segment or parquet (overrides config)")
	flag.StringVar(&f.metrics, "metrics", "", "serve Prometheus metrics on this address")
	flag.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	flag.BoolVar(&f.logJSON, "log-json", false, "log as JSON")
	flag.Parse()

	flag.Visit(func(fl *flag.Flag) {
		if fl.Name == "backtime" {
			f.backTimeSet = true
		}
	})

	if err := run(f); err != nil {
		fmt.Fprintf(os.Stderr, "hspctl: %s: %v\n", hsport.StatusOf(err), err)
		os.Exit(1)
	}
}

func loadConfig(f flags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if f.config != "" {
		loaded, err := config.Load(f.config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logJSON {
		cfg.Logging.JSON = true
	}
	if f.backTimeSet {
		cfg.Session.BackTimeSec = f.backTime
	}
	if f.recordBackend != "" {
		cfg.PostProcess.Backend = f.recordBackend
	}
	if f.metrics != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = f.metrics
	}
	return cfg, cfg.Validate()
}

func run(f flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)
	log.Info("hspctl starting", "version", Version)

	mode, err := transport.ParseMode(f.mode)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := f.addr
	if addr == "" {
		sim, err := startSimulator()
		if err != nil {
			return fmt.Errorf("start simulator: %w", err)
		}
		go sim.run(ctx)
		addr = sim.addr()
		log.Info("simulator running", "addr", addr, "rate_hz", sim.rate)
	}

	rt, err := hsport.New(hsport.Options{
		Config: cfg,
		Dialer: &stream.Dialer{Timeout: cfg.Session.ConnectTimeout},
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown", "error", err)
		}
	}()

	if m := rt.Metrics(); m != nil {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Listen); err != nil {
				log.Error("metrics server", "error", err)
			}
		}()
	}

	ep := transport.Endpoint{Address: addr, Mode: mode, BufferIndex: f.buffer}
	h, err := rt.Init(ctx, ep, cfg.Session.BackTimeSec)
	if err != nil {
		return fmt.Errorf("init %s: %w", ep, err)
	}
	log.Info("connected", "endpoint", ep.String(), "handle", h.ID())

	var rec *recorder.Recorder
	if f.record != "" {
		if rec, err = startRecording(ctx, rt, ep, cfg.Session.BackTimeSec, f.record); err != nil {
			return err
		}
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		return newShell(ctx, rt, h, rec).run()
	}
	return streamJSON(ctx, rt, h, os.Stdout)
}

// startRecording registers a second client on ep and records it into a
// new post-process buffer.
func startRecording(ctx context.Context, rt *hsport.Runtime, ep transport.Endpoint, backTime float64, name string) (*recorder.Recorder, error) {
	h, err := rt.Init(ctx, ep, backTime)
	if err != nil {
		return nil, fmt.Errorf("init recording client: %w", err)
	}
	s, err := rt.Session(h)
	if err != nil {
		return nil, err
	}

	opts := rt.PostProcessOptions(name)
	opts.SampleRate = s.SampleRate()
	ph, buf, err := rt.CreatePostProcess(opts)
	if err != nil {
		return nil, err
	}
	for _, v := range postprocess.VariablesFromCatalog(s.Catalog()) {
		if _, err := buf.AddVariable(v); err != nil {
			return nil, err
		}
	}
	if err := buf.Initialize(0); err != nil {
		return nil, err
	}

	rec, err := rt.Record(h, ph, recorder.DefaultOptions())
	if err != nil {
		return nil, err
	}
	log.Info("recording", "name", name, "backend", opts.Storage.Backend, "source_id", buf.SourceID(), "dir", opts.Dir())
	return rec, nil
}

// =============================================================================
// JSON lines output
// =============================================================================

type frameLine struct {
	Seq    uint64             `json:"seq"`
	Time   string             `json:"time"`
	UnixMs int64              `json:"unix_ms"`
	Valid  bool               `json:"timestamp_valid"`
	Values map[string]float64 `json:"values"`
}

func toLine(s *session.Session, f decoder.Frame) frameLine {
	cat := s.Catalog()
	values := make(map[string]float64, len(f.Values))
	for i, v := range f.Values {
		ch, err := cat.ResolveTotal(i)
		if err != nil {
			continue
		}
		values[ch.Name] = v.Float64()
	}
	return frameLine{
		Seq:    f.Seq,
		Time:   f.Timestamp.String(),
		UnixMs: f.Timestamp.UnixMilli(),
		Valid:  f.TimestampValid,
		Values: values,
	}
}

// streamJSON writes every frame the client reads as one JSON line until
// ctx is done or the session closes.
func streamJSON(ctx context.Context, rt *hsport.Runtime, h hsport.Handle, w io.Writer) error {
	c, err := rt.Client(h)
	if err != nil {
		return err
	}
	s := c.Session()

	for {
		err := c.Wait(ctx, 1, time.Second)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, errors.ErrTimeout), errors.Is(err, errors.ErrNotConnected):
			continue
		default:
			return err
		}

		for {
			f, err := c.Next()
			if errors.Is(err, errors.ErrBufferOverrun) {
				log.Warn("overrun, resyncing")
				if err := c.Resync(); err != nil {
					return err
				}
				continue
			}
			if errors.Is(err, errors.ErrNotReady) || errors.Is(err, errors.ErrNotConnected) {
				break
			}
			if err != nil {
				return err
			}

			data, err := sonic.ConfigStd.Marshal(toLine(s, f))
			if err != nil {
				return err
			}
			if _, err := w.Write(append(data, '\n')); err != nil {
				return err
			}
		}
	}
}
