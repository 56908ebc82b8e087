// Package recorder drains a session client into a post-process buffer.
//
// One goroutine waits on the client's cursor, collects frames into batches
// and appends them to the buffer. Frames older than what the buffer already
// holds are skipped, so a recorder can resume a source that survived a
// restart. An overrun resynchronizes the cursor and continues.
package recorder

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/hsport/internal/decoder"
	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/logging"
	"github.com/xtxerr/hsport/internal/postprocess"
	"github.com/xtxerr/hsport/internal/session"
)

var log = logging.Component("recorder")

// Options configures a Recorder.
type Options struct {
	// BatchSize is the most frames appended in one call.
	// Default: 256
	BatchSize int

	// FlushInterval bounds how long a partial batch waits and how often
	// the buffer is flushed while idle.
	// Default: 1s
	FlushInterval time.Duration
}

// DefaultOptions returns the default recorder options.
func DefaultOptions() Options {
	return Options{
		BatchSize:     256,
		FlushInterval: time.Second,
	}
}

// Stats holds recorder statistics.
type Stats struct {
	FramesRecorded atomic.Int64
	FramesSkipped  atomic.Int64
	Batches        atomic.Int64
	Overruns       atomic.Int64
	Flushes        atomic.Int64
	Errors         atomic.Int64
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	FramesRecorded int64
	FramesSkipped  int64
	Batches        int64
	Overruns       int64
	Flushes        int64
	Errors         int64
	Running        bool
}

// Recorder appends every frame a client reads to a post-process buffer.
type Recorder struct {
	client *session.Client
	buf    *postprocess.Buffer
	opts   Options

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu  sync.Mutex
	err error

	stats Stats
}

// New creates a recorder. The buffer must be initialized.
func New(c *session.Client, buf *postprocess.Buffer, opts Options) (*Recorder, error) {
	if c == nil || buf == nil {
		return nil, fmt.Errorf("recorder needs a client and a buffer: %w", errors.ErrInvalidArgument)
	}
	if st := buf.State(); st != postprocess.StateInitialized && st != postprocess.StateAppending {
		return nil, fmt.Errorf("buffer %s is %s: %w", buf.Name(), st, errors.ErrNotInitialized)
	}

	def := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = def.FlushInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Recorder{
		client: c,
		buf:    buf,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start starts the recording goroutine.
func (r *Recorder) Start() error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("recorder already running: %w", errors.ErrInvalidState)
	}
	if r.ctx.Err() != nil {
		r.running.Store(false)
		return fmt.Errorf("recorder stopped: %w", errors.ErrAlreadyClosed)
	}

	r.wg.Add(1)
	go r.run()

	log.Info("recording started", "source", r.buf.Name(), "endpoint", r.client.Session().Endpoint().String())
	return nil
}

// Stop stops recording, appends what the client has already received and
// flushes the buffer. The buffer stays open.
func (r *Recorder) Stop() error {
	r.cancel()
	r.wg.Wait()
	r.running.Store(false)

	if err := r.buf.Flush(); err != nil && !errors.Is(err, errors.ErrAlreadyClosed) {
		return fmt.Errorf("flush %s: %w", r.buf.Name(), err)
	}
	return nil
}

// Running reports whether the recording goroutine is active.
func (r *Recorder) Running() bool {
	return r.running.Load()
}

// Err returns the error that ended recording, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Stats returns a snapshot of the recorder statistics.
func (r *Recorder) Stats() Snapshot {
	return Snapshot{
		FramesRecorded: r.stats.FramesRecorded.Load(),
		FramesSkipped:  r.stats.FramesSkipped.Load(),
		Batches:        r.stats.Batches.Load(),
		Overruns:       r.stats.Overruns.Load(),
		Flushes:        r.stats.Flushes.Load(),
		Errors:         r.stats.Errors.Load(),
		Running:        r.running.Load(),
	}
}

// =============================================================================
// Loop
// =============================================================================

func (r *Recorder) run() {
	defer r.wg.Done()

	for {
		err := r.client.Wait(r.ctx, 1, r.opts.FlushInterval)
		switch {
		case err == nil:
		case r.ctx.Err() != nil:
			r.drain()
			return
		case errors.Is(err, errors.ErrTimeout), errors.Is(err, errors.ErrNotConnected):
			r.flush()
			continue
		default:
			r.stop(err)
			return
		}

		if err := r.drain(); err != nil {
			r.stop(err)
			return
		}
	}
}

// drain appends batches until the client has nothing left to read.
func (r *Recorder) drain() error {
	for {
		batch, done, err := r.collect()
		if werr := r.write(batch); werr != nil {
			return werr
		}
		if err != nil || done {
			return err
		}
	}
}

// collect reads up to BatchSize frames. done is true when the cursor
// caught up with the producer.
func (r *Recorder) collect() (batch []decoder.Frame, done bool, err error) {
	batch = make([]decoder.Frame, 0, r.opts.BatchSize)
	for len(batch) < r.opts.BatchSize {
		f, err := r.client.Next()
		switch {
		case err == nil:
			batch = append(batch, f)
		case errors.Is(err, errors.ErrBufferOverrun):
			r.stats.Overruns.Add(1)
			log.Warn("client overrun, resyncing", "source", r.buf.Name())
			if err := r.client.Resync(); err != nil {
				return batch, true, err
			}
		case errors.Is(err, errors.ErrNotReady), errors.Is(err, errors.ErrNotConnected):
			return batch, true, nil
		default:
			return batch, true, err
		}
	}
	return batch, false, nil
}

// write appends the frames not older than the buffer's last timestamp.
func (r *Recorder) write(batch []decoder.Frame) error {
	if len(batch) == 0 {
		return nil
	}

	if last, ok := r.buf.LastTimestamp(); ok {
		keep := batch[:0]
		for _, f := range batch {
			if f.Timestamp >= last {
				keep = append(keep, f)
				last = f.Timestamp
			}
		}
		r.stats.FramesSkipped.Add(int64(len(batch) - len(keep)))
		batch = keep
	}
	if len(batch) == 0 {
		return nil
	}

	if err := r.buf.AppendFrames(batch); err != nil {
		r.stats.Errors.Add(1)
		return fmt.Errorf("record %d frames: %w", len(batch), err)
	}
	r.stats.FramesRecorded.Add(int64(len(batch)))
	r.stats.Batches.Add(1)
	return nil
}

func (r *Recorder) flush() {
	if err := r.buf.Flush(); err != nil {
		r.stats.Errors.Add(1)
		log.Warn("flush failed", "source", r.buf.Name(), "error", err)
		return
	}
	r.stats.Flushes.Add(1)
}

func (r *Recorder) stop(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	r.running.Store(false)

	if errors.Is(err, errors.ErrSessionClosed) {
		log.Info("recording ended, session closed", "source", r.buf.Name())
		return
	}
	r.stats.Errors.Add(1)
	log.Error("recording stopped", "source", r.buf.Name(), "error", err)
}
