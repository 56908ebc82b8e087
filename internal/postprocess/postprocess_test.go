package postprocess

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/hsport/internal/catalog"
	"github.com/xtxerr/hsport/internal/decoder"
	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/events"
	"github.com/xtxerr/hsport/internal/timestamp"
	"github.com/xtxerr/hsport/internal/transport/transporttest"
)

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(typ events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func testVariables() []Variable {
	return []Variable{
		{Name: "Voltage", Unit: "V", Type: catalog.TypeFloat64},
		{Name: "Count", Type: catalog.TypeInt32},
	}
}

// stride of testVariables: 8 + 8 + 4
const testStride = 20

func newBuffer(t *testing.T, opts Options) *Buffer {
	t.Helper()

	b, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, v := range testVariables() {
		if _, err := b.AddVariable(v); err != nil {
			t.Fatalf("AddVariable: %v", err)
		}
	}
	if err := b.Initialize(4); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func fileOpts(t *testing.T, backend string) Options {
	opts := DefaultOptions("bench")
	opts.SourceID = uuid.NewString()
	opts.Storage.Backend = backend
	opts.Storage.DataDir = t.TempDir()
	opts.Storage.Retention = 0
	return opts
}

// encode builds raw frames with the test layout.
func encode(ts ...int64) []byte {
	var block []byte
	for i, t := range ts {
		block = binary.LittleEndian.AppendUint64(block, uint64(t))
		block = decoder.AppendValue(block, binary.LittleEndian, decoder.FromFloat64(catalog.TypeFloat64, float64(i)+0.5))
		block = decoder.AppendValue(block, binary.LittleEndian, decoder.FromInt64(catalog.TypeInt32, int64(i)))
	}
	return block
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestBuffer_Lifecycle(t *testing.T) {
	b, err := New(DefaultOptions("bench"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.State() != StateDefining {
		t.Errorf("expected defining, got %s", b.State())
	}
	if _, err := uuid.Parse(b.SourceID()); err != nil {
		t.Errorf("expected generated uuid, got %q", b.SourceID())
	}

	// Appending before Initialize fails.
	if err := b.AppendRaw(encode(1)); errors.StatusOf(err) != errors.StatusInitError {
		t.Errorf("expected InitError, got %v", err)
	}
	if err := b.Initialize(0); !errors.Is(err, errors.ErrNotInitialized) {
		t.Errorf("expected error without variables, got %v", err)
	}

	for _, v := range testVariables() {
		if _, err := b.AddVariable(v); err != nil {
			t.Fatalf("AddVariable: %v", err)
		}
	}
	if _, err := b.AddVariable(Variable{Name: "Count", Type: catalog.TypeInt8}); !errors.Is(err, errors.ErrMultiUsed) {
		t.Errorf("expected ErrMultiUsed for duplicate, got %v", err)
	}
	if _, err := b.AddVariable(Variable{Name: "Nothing", Type: catalog.TypeNone}); !errors.Is(err, errors.ErrTypeMismatch) {
		t.Errorf("expected ErrTypeMismatch, got %v", err)
	}

	if err := b.Initialize(0); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if b.Stride() != testStride {
		t.Errorf("expected stride %d, got %d", testStride, b.Stride())
	}
	if b.StagingFrames() != 10 {
		t.Errorf("expected default 10 staging frames, got %d", b.StagingFrames())
	}

	_, err = b.AddVariable(Variable{Name: "Late", Type: catalog.TypeFloat32})
	if !errors.Is(err, errors.ErrAlreadyInitialized) {
		t.Errorf("expected ErrAlreadyInitialized, got %v", err)
	}
	if err := b.Initialize(1); !errors.Is(err, errors.ErrAlreadyInitialized) {
		t.Errorf("expected ErrAlreadyInitialized, got %v", err)
	}

	if err := b.AppendRaw(encode(1)); err != nil {
		t.Fatalf("AppendRaw: %v", err)
	}
	if b.State() != StateAppending {
		t.Errorf("expected appending, got %s", b.State())
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); !errors.Is(err, errors.ErrAlreadyClosed) {
		t.Errorf("expected ErrAlreadyClosed, got %v", err)
	}
	if err := b.AppendRaw(encode(2)); !errors.Is(err, errors.ErrAlreadyClosed) {
		t.Errorf("expected ErrAlreadyClosed, got %v", err)
	}
	if _, err := b.AddVariable(Variable{Name: "After", Type: catalog.TypeBool}); !errors.Is(err, errors.ErrAlreadyClosed) {
		t.Errorf("expected ErrAlreadyClosed, got %v", err)
	}
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"no name", func(o *Options) { o.Name = "" }},
		{"bad source id", func(o *Options) { o.SourceID = "not-a-uuid" }},
		{"data type", func(o *Options) { o.DataTypeIdent = "udbf" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions("bench")
			tt.mutate(&opts)
			if _, err := New(opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// =============================================================================
// Ordering
// =============================================================================

func TestBuffer_OutOfOrderTimestamp(t *testing.T) {
	b := newBuffer(t, DefaultOptions("bench"))

	if err := b.AppendRaw(encode(100)); err != nil {
		t.Fatalf("append 100: %v", err)
	}
	if err := b.AppendRaw(encode(200)); err != nil {
		t.Fatalf("append 200: %v", err)
	}

	err := b.AppendRaw(encode(150))
	if !errors.Is(err, errors.ErrOutOfOrderTimestamp) {
		t.Fatalf("expected ErrOutOfOrderTimestamp, got %v", err)
	}
	if errors.StatusOf(err) != errors.StatusInvalidTimestamp {
		t.Errorf("expected InvalidTimestamp status, got %s", errors.StatusOf(err))
	}

	last, ok := b.LastTimestamp()
	if !ok || last != 200 {
		t.Errorf("expected last timestamp 200, got %d (%v)", last, ok)
	}

	// Equal timestamps are allowed.
	if err := b.AppendRaw(encode(200)); err != nil {
		t.Errorf("expected equal timestamp to pass, got %v", err)
	}
	if s := b.Stats(); s.FramesAppended != 3 || s.Rejected != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestBuffer_BatchRejectedWhole(t *testing.T) {
	b := newBuffer(t, DefaultOptions("bench"))

	if err := b.AppendRaw(encode(10, 20)); err != nil {
		t.Fatalf("AppendRaw: %v", err)
	}

	// The second frame goes back in time within the batch.
	if err := b.AppendRaw(encode(30, 25, 40)); !errors.Is(err, errors.ErrOutOfOrderTimestamp) {
		t.Fatalf("expected ErrOutOfOrderTimestamp, got %v", err)
	}

	frames, err := b.Frames()
	if err != nil {
		t.Fatalf("Frames: %v", err)
	}
	if len(frames) != 2 {
		t.Errorf("expected 2 frames after rejected batch, got %d", len(frames))
	}
	if last, _ := b.LastTimestamp(); last != 20 {
		t.Errorf("expected last 20, got %d", last)
	}
}

func TestBuffer_AppendRawStride(t *testing.T) {
	b := newBuffer(t, DefaultOptions("bench"))

	for _, n := range []int{0, testStride - 1, testStride + 3} {
		if err := b.AppendRaw(make([]byte, n)); !errors.Is(err, errors.ErrInvalidArgument) {
			t.Errorf("block of %d bytes: expected ErrInvalidArgument, got %v", n, err)
		}
	}
}

// =============================================================================
// Staging
// =============================================================================

func TestBuffer_Staged(t *testing.T) {
	b := newBuffer(t, DefaultOptions("bench"))

	for f := 0; f < 3; f++ {
		if err := b.WriteTimestamp(f, timestamp.DCTime(1000+f)); err != nil {
			t.Fatalf("WriteTimestamp: %v", err)
		}
		if err := b.WriteValue(f, 0, float64(f)*1.5); err != nil {
			t.Fatalf("WriteValue: %v", err)
		}
		if err := b.WriteValue(f, 1, float64(f)+0.9); err != nil {
			t.Fatalf("WriteValue: %v", err)
		}
	}

	if err := b.WriteValue(4, 0, 1); errors.StatusOf(err) != errors.StatusIndexError {
		t.Errorf("expected IndexError for frame 4, got %v", err)
	}
	if err := b.WriteValue(0, 2, 1); errors.StatusOf(err) != errors.StatusIndexError {
		t.Errorf("expected IndexError for variable 2, got %v", err)
	}
	if err := b.AppendStaged(5); errors.StatusOf(err) != errors.StatusIndexError {
		t.Errorf("expected IndexError for 5 frames, got %v", err)
	}

	if err := b.AppendStaged(3); err != nil {
		t.Fatalf("AppendStaged: %v", err)
	}

	frames, _ := b.Frames()
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	f := frames[2]
	if ts := frameTimestamp(f); ts != 1002 {
		t.Errorf("expected ts 1002, got %d", ts)
	}
	if v := decoder.ReadValue(f[8:], binary.LittleEndian, catalog.TypeFloat64).Float64(); v != 3 {
		t.Errorf("expected 3, got %v", v)
	}
	// Integer variables truncate.
	if v := decoder.ReadValue(f[16:], binary.LittleEndian, catalog.TypeInt32).Int64(); v != 2 {
		t.Errorf("expected 2, got %d", v)
	}

	// Staging is cleared: a second append of zeroed frames goes back in time.
	if err := b.AppendStaged(1); !errors.Is(err, errors.ErrOutOfOrderTimestamp) {
		t.Errorf("expected cleared staging to be rejected, got %v", err)
	}
}

func TestBuffer_AppendStagedWritten(t *testing.T) {
	b := newBuffer(t, DefaultOptions("bench"))

	if got := b.StagingFrames(); got != 4 {
		t.Fatalf("expected 4 staging frames, got %d", got)
	}
	if err := b.AppendStaged(0); err != nil {
		t.Fatalf("AppendStaged with nothing written: %v", err)
	}
	if frames, _ := b.Frames(); len(frames) != 0 {
		t.Errorf("expected nothing appended, got %d frames", len(frames))
	}

	// Two of four frames written: only those two are appended, so the
	// untouched zero-timestamp frames never reach the ordering check.
	for round := int64(0); round < 2; round++ {
		for f := 0; f < 2; f++ {
			ts := timestamp.DCTime(1000 + round*10 + int64(f))
			if err := b.WriteTimestamp(f, ts); err != nil {
				t.Fatalf("WriteTimestamp: %v", err)
			}
			if err := b.WriteValue(f, 0, float64(f)); err != nil {
				t.Fatalf("WriteValue: %v", err)
			}
		}
		if err := b.AppendStaged(0); err != nil {
			t.Fatalf("AppendStaged round %d: %v", round, err)
		}
	}

	frames, _ := b.Frames()
	if len(frames) != 4 {
		t.Fatalf("expected 4 frames, got %d", len(frames))
	}
	if last, ok := b.LastTimestamp(); !ok || last != 1011 {
		t.Errorf("expected last 1011, got %v", last)
	}
}

func TestBuffer_AppendFrames(t *testing.T) {
	b := newBuffer(t, DefaultOptions("bench"))

	frames := []decoder.Frame{
		{Timestamp: 5, Values: []decoder.Value{
			decoder.FromFloat64(catalog.TypeFloat32, 2.5),
			decoder.FromInt64(catalog.TypeInt32, 7),
		}},
	}
	if err := b.AppendFrames(frames); err != nil {
		t.Fatalf("AppendFrames: %v", err)
	}

	got, _ := b.Frames()
	if v := decoder.ReadValue(got[0][8:], binary.LittleEndian, catalog.TypeFloat64).Float64(); v != 2.5 {
		t.Errorf("expected converted 2.5, got %v", v)
	}

	short := []decoder.Frame{{Timestamp: 6, Values: []decoder.Value{decoder.FromBool(true)}}}
	if err := b.AppendFrames(short); !errors.Is(err, errors.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestVariablesFromCatalog(t *testing.T) {
	cat := transporttest.Catalog()
	vars := VariablesFromCatalog(cat)

	if len(vars) != cat.Len() {
		t.Fatalf("expected %d variables, got %d", cat.Len(), len(vars))
	}
	if vars[0].Name != "Speed" || vars[0].Type != catalog.TypeFloat64 {
		t.Errorf("unexpected first variable %+v", vars[0])
	}
}

// =============================================================================
// Memory backend
// =============================================================================

func TestMemory_Evicts(t *testing.T) {
	opts := DefaultOptions("bench")
	opts.Storage.BufferSize = 3 * testStride
	b := newBuffer(t, opts)

	if err := b.AppendRaw(encode(1, 2, 3, 4, 5)); err != nil {
		t.Fatalf("AppendRaw: %v", err)
	}

	frames, _ := b.Frames()
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if ts := frameTimestamp(frames[0]); ts != 3 {
		t.Errorf("expected oldest 3, got %d", ts)
	}
	if last, _ := b.LastTimestamp(); last != 5 {
		t.Errorf("expected last 5, got %d", last)
	}
}

// =============================================================================
// Segment backend
// =============================================================================

func TestSegment_RolloverAndRecovery(t *testing.T) {
	rec := &recorder{}
	opts := fileOpts(t, "segment")
	opts.Storage.SegmentSize = segmentHeaderSize + 2*(recordHeaderSize+testStride)
	opts.Events = rec

	b := newBuffer(t, opts)
	for i := int64(1); i <= 5; i++ {
		if err := b.AppendRaw(encode(i * 10)); err != nil {
			t.Fatalf("AppendRaw %d: %v", i, err)
		}
	}

	// Two records per segment: 1-2, 3-4, 5.
	if s := b.Stats(); s.SegmentsRolled != 2 || s.Segments != 3 {
		t.Errorf("unexpected segment stats %+v", s)
	}
	if rec.count(events.TypeSegmentRolled) != 2 {
		t.Errorf("expected 2 roll events, got %d", rec.count(events.TypeSegmentRolled))
	}
	if _, err := b.Frames(); !errors.Is(err, errors.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	dir := opts.Dir()
	var seen []timestamp.DCTime
	err := Replay(dir, func(frame []byte) error {
		seen = append(seen, frameTimestamp(frame))
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(seen) != 5 || seen[4] != 50 {
		t.Errorf("unexpected replay %v", seen)
	}

	vars, stride, err := ReadManifest(dir)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if stride != testStride || len(vars) != 2 || vars[0].ID == "" {
		t.Errorf("unexpected manifest: stride %d, vars %+v", stride, vars)
	}

	// A new writer for the same source continues the stream.
	b2 := newBuffer(t, opts)
	last, ok := b2.LastTimestamp()
	if !ok || last != 50 {
		t.Errorf("expected recovered last 50, got %d (%v)", last, ok)
	}
	if err := b2.AppendRaw(encode(40)); !errors.Is(err, errors.ErrOutOfOrderTimestamp) {
		t.Errorf("expected ErrOutOfOrderTimestamp across runs, got %v", err)
	}
	if err := b2.AppendRaw(encode(60)); err != nil {
		t.Errorf("AppendRaw: %v", err)
	}
}

func TestSegment_Retention(t *testing.T) {
	rec := &recorder{}
	opts := fileOpts(t, "segment")
	opts.Storage.SegmentSize = 1 << 20
	opts.Storage.Retention = 10 * time.Second
	opts.Events = rec

	b := newBuffer(t, opts)
	sec := func(s int64) int64 { return s * int64(time.Second) }

	// Each segment spans at most 10s, so 0..9 and 10..19 roll apart.
	for s := int64(0); s < 25; s++ {
		if err := b.AppendRaw(encode(sec(s))); err != nil {
			t.Fatalf("AppendRaw: %v", err)
		}
	}

	// Newest is 24s: the segment ending at 9s is past the cutoff of 14s,
	// the one ending at 19s is not.
	if rec.count(events.TypeSegmentDeleted) != 1 {
		t.Errorf("expected 1 deleted segment, got %d", rec.count(events.TypeSegmentDeleted))
	}
	files, _ := listSegmentFiles(opts.Dir(), segmentExt)
	if len(files) != 2 {
		t.Errorf("expected 2 segment files, got %d", len(files))
	}
	if s := b.Stats(); s.SegmentsPurged != 1 {
		t.Errorf("expected 1 purged segment, got %d", s.SegmentsPurged)
	}
}

func TestSegment_TornTail(t *testing.T) {
	opts := fileOpts(t, "segment")
	b := newBuffer(t, opts)
	if err := b.AppendRaw(encode(7, 8)); err != nil {
		t.Fatalf("AppendRaw: %v", err)
	}
	b.Close()

	files, _ := listSegmentFiles(opts.Dir(), segmentExt)
	if len(files) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(files))
	}
	f, err := os.OpenFile(files[0].path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.Write([]byte{0xff, 0x00, 0x00, 0x00, 0x01})
	f.Close()

	b2 := newBuffer(t, opts)
	if last, ok := b2.LastTimestamp(); !ok || last != 8 {
		t.Errorf("expected last 8 despite torn tail, got %d (%v)", last, ok)
	}
}

func TestSegment_EmptyRecoveredDeleted(t *testing.T) {
	opts := fileOpts(t, "segment")

	b := newBuffer(t, opts)
	if err := b.AppendRaw(encode(7)); err != nil {
		t.Fatalf("AppendRaw: %v", err)
	}
	b.Close()
	before, _ := listSegmentFiles(opts.Dir(), segmentExt)
	if len(before) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(before))
	}

	// Cut the segment back to its header, as a crash before the first
	// record leaves it.
	if err := os.Truncate(before[0].path, segmentHeaderSize); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	b2 := newBuffer(t, opts)
	after, _ := listSegmentFiles(opts.Dir(), segmentExt)
	if len(after) != 1 {
		t.Fatalf("expected only the open segment, got %d", len(after))
	}
	if after[0].seq <= before[0].seq {
		t.Errorf("expected the empty segment %d replaced, got %d", before[0].seq, after[0].seq)
	}
	if _, ok := b2.LastTimestamp(); ok {
		t.Error("expected no recovered timestamp")
	}
	if err := b2.AppendRaw(encode(5)); err != nil {
		t.Fatalf("AppendRaw: %v", err)
	}
}

func TestReplay_NoFiles(t *testing.T) {
	err := Replay(filepath.Join(t.TempDir(), "missing"), func([]byte) error { return nil })
	if errors.StatusOf(err) != errors.StatusNoFile {
		t.Errorf("expected NoFile, got %v", err)
	}
}

// =============================================================================
// Parquet backend
// =============================================================================

func TestParquet_WriteAndRecover(t *testing.T) {
	opts := fileOpts(t, "parquet")
	opts.Storage.Compression.Algorithm = "zstd"
	opts.Storage.SegmentSize = 3 * testStride

	b := newBuffer(t, opts)
	if err := b.AppendRaw(encode(100, 200, 300)); err != nil {
		t.Fatalf("AppendRaw: %v", err)
	}
	if err := b.AppendRaw(encode(400)); err != nil {
		t.Fatalf("AppendRaw: %v", err)
	}
	if s := b.Stats(); s.SegmentsRolled != 1 {
		t.Errorf("expected 1 roll, got %d", s.SegmentsRolled)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	paths, err := ParquetFiles(opts.Dir())
	if err != nil {
		t.Fatalf("ParquetFiles: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 parquet files, got %d", len(paths))
	}

	rows, err := ReadParquet(paths[0])
	if err != nil {
		t.Fatalf("ReadParquet: %v", err)
	}
	if len(rows) != 6 {
		t.Fatalf("expected 6 rows, got %d", len(rows))
	}
	if rows[0].Variable != "Voltage" || rows[0].Value != 0.5 || rows[0].Timestamp != 100 {
		t.Errorf("unexpected first row %+v", rows[0])
	}
	if rows[5].Variable != "Count" || rows[5].Value != 2 || rows[5].Seq != 2 {
		t.Errorf("unexpected last row %+v", rows[5])
	}

	b2 := newBuffer(t, opts)
	if last, ok := b2.LastTimestamp(); !ok || last != 400 {
		t.Errorf("expected recovered last 400, got %d (%v)", last, ok)
	}
}

func TestParquet_RemovesPartial(t *testing.T) {
	opts := fileOpts(t, "parquet")
	dir := opts.Dir()
	os.MkdirAll(dir, 0755)
	partial := filepath.Join(dir, segmentName(7, parquetExt)+partialSuffix)
	os.WriteFile(partial, []byte("PAR1"), 0644)

	newBuffer(t, opts)
	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Errorf("expected partial file removed, got %v", err)
	}
}
