// Package postprocess implements append-only sinks for decoded frames.
//
// A Buffer is built in two phases. Variables are defined first, then
// Initialize fixes the frame geometry and opens the backend. From then on
// frames are appended either cell by cell through a staging area or as
// pre-encoded raw blocks. Each frame is encoded as
//
//	[u64 DC time][value 0]...[value n-1]
//
// little-endian, with each value in the width of its variable type.
// Timestamps never decrease across the whole stream of a source, including
// segments left behind by an earlier run.
package postprocess

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/hsport/config"
	"github.com/xtxerr/hsport/internal/catalog"
	cfgpkg "github.com/xtxerr/hsport/internal/config"
	"github.com/xtxerr/hsport/internal/decoder"
	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/events"
	"github.com/xtxerr/hsport/internal/logging"
	"github.com/xtxerr/hsport/internal/metrics"
	"github.com/xtxerr/hsport/internal/timestamp"
	"github.com/xtxerr/hsport/internal/validation"
)

var log = logging.Component("postprocess")

// TimestampSize is the width of the leading timestamp of every frame.
const TimestampSize = 8

// =============================================================================
// States
// =============================================================================

// State is the lifecycle state of a Buffer.
type State int32

const (
	StateDefining State = iota
	StateInitialized
	StateAppending
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDefining:
		return "defining"
	case StateInitialized:
		return "initialized"
	case StateAppending:
		return "appending"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// =============================================================================
// Variables
// =============================================================================

// Variable defines one value column of a post-process buffer.
type Variable struct {
	// ID is a unique identifier. A random UUID is assigned when empty.
	ID string `json:"id"`

	Name        string           `json:"name"`
	Unit        string           `json:"unit,omitempty"`
	Type        catalog.DataType `json:"type"`
	Kind        catalog.VarKind  `json:"kind"`
	Precision   int              `json:"precision,omitempty"`
	FieldLength int              `json:"field_length,omitempty"`
	RangeMin    float64          `json:"range_min,omitempty"`
	RangeMax    float64          `json:"range_max,omitempty"`
}

// VariablesFromCatalog returns one variable per channel in total index
// order, matching the values of a decoded frame.
func VariablesFromCatalog(cat *catalog.Catalog) []Variable {
	vars := make([]Variable, 0, cat.Len())
	for i := 0; i < cat.Len(); i++ {
		ch, err := cat.ResolveTotal(i)
		if err != nil {
			continue
		}
		vars = append(vars, Variable{
			Name:        ch.Name,
			Unit:        ch.Unit,
			Type:        ch.Type,
			Kind:        ch.Kind,
			Precision:   ch.Precision,
			FieldLength: ch.FieldLength,
			RangeMin:    ch.RangeMin,
			RangeMax:    ch.RangeMax,
		})
	}
	return vars
}

// =============================================================================
// Options
// =============================================================================

// Options configures a Buffer.
type Options struct {
	// SourceID identifies the stream. A random UUID is assigned when empty.
	SourceID string

	// Name is the human readable source name.
	Name string

	// SampleRate in Hz, informational.
	SampleRate float64

	// DataTypeIdent tags the stream content.
	// Default: "raw"
	DataTypeIdent string

	// Storage selects and sizes the backend.
	Storage cfgpkg.PostProcessConfig

	Events  events.Publisher
	Metrics *metrics.Metrics
}

// DefaultOptions returns options for an in-memory buffer.
func DefaultOptions(name string) Options {
	storage := cfgpkg.DefaultConfig().PostProcess
	storage.Backend = "memory"
	return Options{
		Name:          name,
		DataTypeIdent: config.DefaultDataTypeIdent,
		Storage:       storage,
		Events:        events.Discard,
	}
}

// Dir returns the directory of the source under the storage root.
func (o Options) Dir() string {
	cfg := cfgpkg.Config{PostProcess: o.Storage}
	return cfg.PostProcessDir(o.SourceID)
}

// =============================================================================
// Buffer
// =============================================================================

// Buffer is a post-process buffer writer.
type Buffer struct {
	mu sync.Mutex

	opts    Options
	log     *slog.Logger
	metrics *metrics.PostProcess

	state     State
	variables []Variable
	names     map[string]int

	// Fixed by Initialize.
	stride  int
	offsets []int
	staging []byte
	staged  int // staging frames up to the highest one written
	sink    sink

	last    timestamp.DCTime
	hasLast bool

	stats Stats
}

// Stats holds writer statistics.
type Stats struct {
	FramesAppended int64
	BytesAppended  int64
	Rejected       int64
	Segments       int
	SegmentsRolled int64
	SegmentsPurged int64
}

// Info describes a buffer.
type Info struct {
	SourceID      string
	Name          string
	SampleRate    float64
	DataTypeIdent string
	Backend       string
	State         State
	Variables     int
	Stride        int
	StagingFrames int
	LastTimestamp timestamp.DCTime
	HasTimestamp  bool
}

// New creates a buffer in the Defining state.
func New(opts Options) (*Buffer, error) {
	if opts.Name == "" {
		return nil, errors.NewMissingField("name")
	}
	if err := validation.ValidateSourceName(opts.Name); err != nil {
		return nil, err
	}
	if opts.SourceID == "" {
		opts.SourceID = uuid.NewString()
	} else if _, err := uuid.Parse(opts.SourceID); err != nil {
		return nil, errors.NewValidation("source_id", err.Error())
	}
	if opts.DataTypeIdent == "" {
		opts.DataTypeIdent = config.DefaultDataTypeIdent
	}
	if opts.DataTypeIdent != config.DefaultDataTypeIdent {
		return nil, fmt.Errorf("data type %q: %w", opts.DataTypeIdent, errors.ErrUnsupported)
	}
	if opts.Storage.Backend == "" {
		opts.Storage.Backend = "memory"
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}

	return &Buffer{
		opts:    opts,
		log:     log.With("source", opts.Name, "source_id", opts.SourceID),
		metrics: opts.Metrics.PostProcess(opts.Name),
		names:   make(map[string]int),
	}, nil
}

// SourceID returns the stream identifier.
func (b *Buffer) SourceID() string {
	return b.opts.SourceID
}

// Name returns the source name.
func (b *Buffer) Name() string {
	return b.opts.Name
}

// State returns the current state.
func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// AddVariable appends a variable definition and returns its index.
func (b *Buffer) AddVariable(v Variable) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateDefining:
	case StateClosed:
		return -1, errors.ErrAlreadyClosed
	default:
		return -1, fmt.Errorf("add variable %q: %w", v.Name, errors.ErrAlreadyInitialized)
	}

	if err := validation.ValidateVariableName(v.Name); err != nil {
		return -1, err
	}
	if !v.Type.Known() || v.Type.Size() == 0 {
		return -1, fmt.Errorf("variable %q type %s: %w", v.Name, v.Type, errors.ErrTypeMismatch)
	}
	if _, dup := b.names[v.Name]; dup {
		return -1, fmt.Errorf("variable %q: %w", v.Name, errors.ErrMultiUsed)
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}

	idx := len(b.variables)
	b.variables = append(b.variables, v)
	b.names[v.Name] = idx
	return idx, nil
}

// Variables returns a copy of the variable definitions.
func (b *Buffer) Variables() []Variable {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Variable(nil), b.variables...)
}

// Initialize fixes the frame layout, allocates frameBufferLength staging
// frames and opens the backend. A frameBufferLength of zero uses the
// default.
func (b *Buffer) Initialize(frameBufferLength int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateDefining:
	case StateClosed:
		return errors.ErrAlreadyClosed
	default:
		return errors.ErrAlreadyInitialized
	}

	if len(b.variables) == 0 {
		return fmt.Errorf("no variables defined: %w", errors.ErrNotInitialized)
	}
	if frameBufferLength < 0 {
		return fmt.Errorf("frame buffer length %d: %w", frameBufferLength, errors.ErrInvalidArgument)
	}
	if frameBufferLength == 0 {
		frameBufferLength = config.DefaultFrameBufferLength
	}

	b.offsets = make([]int, len(b.variables))
	b.stride = TimestampSize
	for i, v := range b.variables {
		b.offsets[i] = b.stride
		b.stride += v.Type.Size()
	}
	b.staging = make([]byte, frameBufferLength*b.stride)

	s, err := b.openSink()
	if err != nil {
		return err
	}
	b.sink = s

	if ts, ok := s.recovered(); ok {
		b.last, b.hasLast = ts, true
		b.log.Info("recovered stream", "last_timestamp", ts)
	}

	b.state = StateInitialized
	b.log.Debug("initialized", "variables", len(b.variables), "stride", b.stride, "backend", b.opts.Storage.Backend)
	return nil
}

func (b *Buffer) openSink() (sink, error) {
	geo := geometry{
		stride:    b.stride,
		variables: b.variables,
		offsets:   b.offsets,
	}

	switch b.opts.Storage.Backend {
	case "memory":
		return newMemorySink(geo, b.opts.Storage.BufferSize)
	case "segment", "parquet":
		m := manifest{
			SourceID:      b.opts.SourceID,
			Name:          b.opts.Name,
			SampleRate:    b.opts.SampleRate,
			DataTypeIdent: b.opts.DataTypeIdent,
			Backend:       b.opts.Storage.Backend,
			Stride:        b.stride,
			Variables:     b.variables,
			Created:       time.Now().UTC(),
		}
		files := fileOptions{
			dir:         b.opts.Dir(),
			segmentSize: b.opts.Storage.SegmentSize,
			retention:   b.opts.Storage.Retention,
			syncMode:    b.opts.Storage.SyncMode,
			compression: b.opts.Storage.Compression,
			onRoll:      b.segmentRolled,
			onDelete:    b.segmentDeleted,
		}
		if err := writeManifest(files.dir, m); err != nil {
			return nil, err
		}
		if b.opts.Storage.Backend == "segment" {
			return newSegmentSink(geo, files)
		}
		return newParquetSink(geo, files)
	default:
		return nil, errors.NewValidation("backend", fmt.Sprintf("unknown backend %q", b.opts.Storage.Backend))
	}
}

// Stride returns the encoded frame size, zero before Initialize.
func (b *Buffer) Stride() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stride
}

// StagingFrames returns the number of staging frames.
func (b *Buffer) StagingFrames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stride == 0 {
		return 0
	}
	return len(b.staging) / b.stride
}

func (b *Buffer) checkWritable() error {
	switch b.state {
	case StateInitialized, StateAppending:
		return nil
	case StateClosed:
		return errors.ErrAlreadyClosed
	default:
		return fmt.Errorf("buffer not initialized: %w", errors.ErrNotInitialized)
	}
}

func (b *Buffer) stagingFrame(frame int) ([]byte, error) {
	n := len(b.staging) / b.stride
	if frame < 0 || frame >= n {
		return nil, errors.NewIndexError("frame", frame, n)
	}
	return b.staging[frame*b.stride : (frame+1)*b.stride], nil
}

// WriteValue stores v for variable in staging frame. The value is
// converted to the variable type.
func (b *Buffer) WriteValue(frame, variable int, v float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkWritable(); err != nil {
		return err
	}
	f, err := b.stagingFrame(frame)
	if err != nil {
		return err
	}
	if variable < 0 || variable >= len(b.variables) {
		return errors.NewIndexError("variable", variable, len(b.variables))
	}

	val := decoder.FromFloat64(b.variables[variable].Type, v)
	off := b.offsets[variable]
	decoder.AppendValue(f[off:off], binary.LittleEndian, val)
	b.staged = max(b.staged, frame+1)
	return nil
}

// WriteTimestamp stores the timestamp of staging frame.
func (b *Buffer) WriteTimestamp(frame int, ts timestamp.DCTime) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkWritable(); err != nil {
		return err
	}
	f, err := b.stagingFrame(frame)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(f, uint64(ts))
	b.staged = max(b.staged, frame+1)
	return nil
}

// AppendStaged appends the first n staging frames and clears the staging
// area. n of zero appends the frames up to the highest one written since
// the last append, and does nothing when none was written.
func (b *Buffer) AppendStaged(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkWritable(); err != nil {
		return err
	}
	frames := len(b.staging) / b.stride
	if n == 0 {
		if b.staged == 0 {
			return nil
		}
		n = b.staged
	}
	if n < 0 || n > frames {
		return errors.NewIndexError("frame count", n, frames+1)
	}

	block := b.staging[:n*b.stride]
	if err := b.appendLocked(block); err != nil {
		return err
	}
	clear(b.staging)
	b.staged = 0
	return nil
}

// AppendRaw appends pre-encoded frames. The block length must be a
// multiple of the stride.
func (b *Buffer) AppendRaw(block []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkWritable(); err != nil {
		return err
	}
	if len(block) == 0 || len(block)%b.stride != 0 {
		return fmt.Errorf("block of %d bytes is not a multiple of stride %d: %w", len(block), b.stride, errors.ErrInvalidArgument)
	}
	return b.appendLocked(block)
}

// AppendFrames encodes decoded frames and appends them. Frame values are
// matched to variables by position and converted to the variable type.
func (b *Buffer) AppendFrames(frames []decoder.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkWritable(); err != nil {
		return err
	}
	if len(frames) == 0 {
		return nil
	}

	block := make([]byte, 0, len(frames)*b.stride)
	for i, f := range frames {
		if len(f.Values) < len(b.variables) {
			return fmt.Errorf("frame %d has %d values for %d variables: %w", i, len(f.Values), len(b.variables), errors.ErrInvalidArgument)
		}
		block = binary.LittleEndian.AppendUint64(block, uint64(f.Timestamp))
		for j, v := range b.variables {
			val := f.Values[j]
			if val.Type != v.Type {
				val = decoder.FromFloat64(v.Type, val.Float64())
			}
			block = decoder.AppendValue(block, binary.LittleEndian, val)
		}
	}
	return b.appendLocked(block)
}

// appendLocked checks ordering over the whole block and hands it to the
// sink. Nothing is written when any frame is out of order.
func (b *Buffer) appendLocked(block []byte) error {
	n := len(block) / b.stride
	prev, has := b.last, b.hasLast

	for i := 0; i < n; i++ {
		ts := frameTimestamp(block[i*b.stride:])
		if has && ts < prev {
			b.stats.Rejected++
			b.metrics.Rejected()
			return fmt.Errorf("frame %d at %d after %d: %w", i, int64(ts), int64(prev), errors.ErrOutOfOrderTimestamp)
		}
		prev, has = ts, true
	}

	first := frameTimestamp(block)
	if err := b.sink.append(block, first, prev); err != nil {
		return fmt.Errorf("append %d frames: %w", n, err)
	}

	b.last, b.hasLast = prev, true
	b.state = StateAppending
	b.stats.FramesAppended += int64(n)
	b.stats.BytesAppended += int64(len(block))
	b.metrics.Appended(n, len(block))
	return nil
}

func frameTimestamp(frame []byte) timestamp.DCTime {
	return timestamp.DCTime(binary.LittleEndian.Uint64(frame))
}

// LastTimestamp returns the newest timestamp of the stream. ok is false
// when nothing was ever written.
func (b *Buffer) LastTimestamp() (ts timestamp.DCTime, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.hasLast
}

// Flush pushes buffered data to the backend.
func (b *Buffer) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkWritable(); err != nil {
		return err
	}
	return b.sink.flush()
}

// Close flushes and releases the backend. Later calls fail with
// ErrAlreadyClosed.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateClosed {
		return errors.ErrAlreadyClosed
	}
	b.state = StateClosed
	b.staging = nil

	if b.sink == nil {
		return nil
	}
	if err := b.sink.close(); err != nil {
		return fmt.Errorf("close %s: %w", b.opts.Name, err)
	}
	b.log.Debug("closed", "frames", b.stats.FramesAppended)
	return nil
}

// Info describes the buffer.
func (b *Buffer) Info() Info {
	b.mu.Lock()
	defer b.mu.Unlock()

	info := Info{
		SourceID:      b.opts.SourceID,
		Name:          b.opts.Name,
		SampleRate:    b.opts.SampleRate,
		DataTypeIdent: b.opts.DataTypeIdent,
		Backend:       b.opts.Storage.Backend,
		State:         b.state,
		Variables:     len(b.variables),
		Stride:        b.stride,
		LastTimestamp: b.last,
		HasTimestamp:  b.hasLast,
	}
	if b.stride > 0 {
		info.StagingFrames = len(b.staging) / b.stride
	}
	return info
}

// Stats returns writer statistics.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stats
	if b.sink != nil {
		s.Segments = b.sink.segments()
	}
	return s
}

// Frames returns the frames held by a memory backend, oldest first.
// File backends return ErrUnsupported; use Replay on their directory.
func (b *Buffer) Frames() ([][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sink == nil {
		return nil, errors.ErrNotInitialized
	}
	m, ok := b.sink.(*memorySink)
	if !ok {
		return nil, fmt.Errorf("frames of %s backend: %w", b.opts.Storage.Backend, errors.ErrUnsupported)
	}
	return m.snapshot(), nil
}

// segmentRolled and segmentDeleted run with b.mu held.
func (b *Buffer) segmentRolled(path string, first, last timestamp.DCTime) {
	b.stats.SegmentsRolled++
	b.metrics.Rolled()
	b.log.Debug("segment rolled", "path", path)
	b.opts.Events.Publish(events.Event{
		Type:    events.TypeSegmentRolled,
		Message: path,
		Attrs: map[string]any{
			"source": b.opts.Name,
			"first":  int64(first),
			"last":   int64(last),
		},
	})
}

func (b *Buffer) segmentDeleted(path string, last timestamp.DCTime) {
	b.stats.SegmentsPurged++
	b.log.Info("segment expired", "path", path, "last", last)
	b.opts.Events.Publish(events.Event{
		Type:    events.TypeSegmentDeleted,
		Message: path,
		Attrs:   map[string]any{"source": b.opts.Name, "last": int64(last)},
	})
}
