package postprocess

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/timestamp"
)

// Segment file format:
//   - Header: 8 bytes magic, 4 bytes version, 4 bytes stride
//   - Records: [4 bytes length][4 bytes crc32][frames]
//
// A record holds the whole frames of one append.
const (
	segmentMagic      = 0x4853505345470001 // "HSPSEG" + version 1
	segmentVersion    = 1
	segmentHeaderSize = 16
	recordHeaderSize  = 8
	segmentExt        = ".seg"

	maxRecordSize = 256 * 1024 * 1024
)

const writeBufferSize = 64 * 1024

// segmentSink is the CRC record log backend.
type segmentSink struct {
	geo  geometry
	opts fileOptions

	file   *os.File
	writer *bufio.Writer
	cur    segmentFile
	seq    int64

	retention retention
	last      timestamp.DCTime
	hasLast   bool
}

func newSegmentSink(geo geometry, opts fileOptions) (*segmentSink, error) {
	s := &segmentSink{
		geo:  geo,
		opts: opts,
		retention: retention{
			keep:     opts.retention,
			onDelete: opts.onDelete,
		},
	}

	files, err := listSegmentFiles(opts.dir, segmentExt)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w: %w", errors.ErrFile, err)
	}
	for _, f := range files {
		scanned, err := scanSegment(f)
		if err != nil {
			log.Warn("skip unreadable segment", "path", f.path, "error", err)
			continue
		}
		s.retention.restore(scanned)
	}
	if len(files) > 0 {
		s.seq = files[len(files)-1].seq + 1
	}
	s.last, s.hasLast = s.retention.newest()

	if err := s.rotate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *segmentSink) recovered() (timestamp.DCTime, bool) {
	return s.retention.newest()
}

func (s *segmentSink) append(block []byte, first, last timestamp.DCTime) error {
	recordSize := int64(recordHeaderSize + len(block))

	if !s.cur.empty {
		full := s.opts.segmentSize > 0 && s.cur.size+recordSize > s.opts.segmentSize
		if full || spanExceeded(s.opts.retention, s.cur.first, last) {
			if err := s.roll(); err != nil {
				return err
			}
		}
	}

	if err := s.writeRecord(block); err != nil {
		return fmt.Errorf("write record: %w: %w", errors.ErrFile, err)
	}

	if s.cur.empty {
		s.cur.first = first
		s.cur.empty = false
	}
	s.cur.last = last
	s.last, s.hasLast = last, true

	if s.opts.syncMode == "sync" || s.opts.syncMode == "fsync" {
		if err := s.sync(); err != nil {
			return fmt.Errorf("sync: %w: %w", errors.ErrFile, err)
		}
	}

	s.retention.expire(s.last)
	return nil
}

func (s *segmentSink) writeRecord(payload []byte) error {
	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if _, err := s.writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := s.writer.Write(payload); err != nil {
		return err
	}

	s.cur.size += int64(recordHeaderSize + len(payload))
	return nil
}

func (s *segmentSink) sync() error {
	if err := s.writer.Flush(); err != nil {
		return err
	}
	if s.opts.syncMode == "fsync" {
		return s.file.Sync()
	}
	return nil
}

// roll closes the open segment, hands it to retention and opens the next.
func (s *segmentSink) roll() error {
	closed := s.cur
	if err := s.closeFile(); err != nil {
		return fmt.Errorf("close segment: %w: %w", errors.ErrFile, err)
	}
	s.retention.add(closed)
	if s.opts.onRoll != nil {
		s.opts.onRoll(closed.path, closed.first, closed.last)
	}
	return s.rotate()
}

func (s *segmentSink) rotate() error {
	if err := os.MkdirAll(s.opts.dir, 0755); err != nil {
		return fmt.Errorf("create segment dir: %w: %w", errors.ErrFile, err)
	}

	path := filepath.Join(s.opts.dir, segmentName(s.seq, segmentExt))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create segment %s: %w: %w", path, errors.ErrFile, err)
	}

	var header [segmentHeaderSize]byte
	binary.LittleEndian.PutUint64(header[0:8], segmentMagic)
	binary.LittleEndian.PutUint32(header[8:12], segmentVersion)
	binary.LittleEndian.PutUint32(header[12:16], uint32(s.geo.stride))

	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write header: %w: %w", errors.ErrFile, err)
	}

	s.file = f
	s.writer = bufio.NewWriterSize(f, writeBufferSize)
	s.cur = segmentFile{path: path, seq: s.seq, size: segmentHeaderSize, empty: true}
	s.seq++
	return nil
}

func (s *segmentSink) closeFile() error {
	if s.file == nil {
		return nil
	}
	flushErr := s.writer.Flush()
	closeErr := s.file.Close()
	s.file, s.writer = nil, nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

func (s *segmentSink) flush() error {
	if s.writer == nil {
		return nil
	}
	return s.writer.Flush()
}

func (s *segmentSink) segments() int {
	return len(s.retention.closed) + 1
}

// close flushes the open segment. An open segment without records is
// removed.
func (s *segmentSink) close() error {
	empty, path := s.cur.empty, s.cur.path
	if err := s.closeFile(); err != nil {
		return err
	}
	if empty {
		os.Remove(path)
	}
	return nil
}

// =============================================================================
// Reading
// =============================================================================

// SegmentReader reads frames from one segment file.
type SegmentReader struct {
	path   string
	file   *os.File
	reader *bufio.Reader
	stride int
}

// OpenSegment opens a segment file and checks its header.
func OpenSegment(path string) (*SegmentReader, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, errors.ErrNoFile)
		}
		return nil, fmt.Errorf("open segment: %w: %w", errors.ErrFile, err)
	}

	var header [segmentHeaderSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("read header: %w: %w", errors.ErrFile, err)
	}
	if magic := binary.LittleEndian.Uint64(header[0:8]); magic != segmentMagic {
		f.Close()
		return nil, fmt.Errorf("invalid magic %x: %w", magic, errors.ErrFile)
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != segmentVersion {
		f.Close()
		return nil, fmt.Errorf("unsupported version %d: %w", version, errors.ErrFile)
	}
	stride := int(binary.LittleEndian.Uint32(header[12:16]))
	if stride < TimestampSize {
		f.Close()
		return nil, fmt.Errorf("invalid stride %d: %w", stride, errors.ErrFile)
	}

	return &SegmentReader{
		path:   path,
		file:   f,
		reader: bufio.NewReaderSize(f, writeBufferSize),
		stride: stride,
	}, nil
}

// Stride returns the frame size recorded in the header.
func (r *SegmentReader) Stride() int {
	return r.stride
}

// Next returns the frames of the next record. It returns io.EOF at the end
// of the segment and ErrFile for a torn or corrupt record.
func (r *SegmentReader) Next() ([]byte, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r.reader, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read record header: %w: %w", errors.ErrFile, err)
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expected := binary.LittleEndian.Uint32(header[4:8])
	if length > maxRecordSize || int(length)%r.stride != 0 {
		return nil, fmt.Errorf("record of %d bytes: %w", length, errors.ErrFile)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.reader, payload); err != nil {
		return nil, fmt.Errorf("read payload: %w: %w", errors.ErrFile, err)
	}
	if actual := crc32.ChecksumIEEE(payload); actual != expected {
		return nil, fmt.Errorf("crc mismatch: expected %x, got %x: %w", expected, actual, errors.ErrFile)
	}
	return payload, nil
}

// Close closes the reader.
func (r *SegmentReader) Close() error {
	return r.file.Close()
}

// scanSegment fills in the timestamp range of f. Reading stops at the
// first torn record; the frames before it count.
func scanSegment(f segmentFile) (segmentFile, error) {
	r, err := OpenSegment(f.path)
	if err != nil {
		return f, err
	}
	defer r.Close()

	f.empty = true
	for {
		block, err := r.Next()
		if err == io.EOF {
			return f, nil
		}
		if err != nil {
			log.Warn("torn segment tail", "path", f.path, "error", err)
			return f, nil
		}
		if len(block) == 0 {
			continue
		}
		if f.empty {
			f.first = frameTimestamp(block)
			f.empty = false
		}
		f.last = frameTimestamp(block[len(block)-r.stride:])
	}
}

// Replay calls fn with every frame stored in the segment files of dir, in
// append order. A torn record ends its segment. The frame slice is only
// valid during the call.
func Replay(dir string, fn func(frame []byte) error) error {
	files, err := listSegmentFiles(dir, segmentExt)
	if err != nil {
		return fmt.Errorf("list segments: %w: %w", errors.ErrFile, err)
	}
	if len(files) == 0 {
		return fmt.Errorf("%s: %w", dir, errors.ErrNoFile)
	}

	for _, f := range files {
		if err := replaySegment(f.path, fn); err != nil {
			return err
		}
	}
	return nil
}

func replaySegment(path string, fn func(frame []byte) error) error {
	r, err := OpenSegment(path)
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		block, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			log.Warn("torn segment tail", "path", path, "error", err)
			return nil
		}
		for off := 0; off < len(block); off += r.stride {
			if err := fn(block[off : off+r.stride]); err != nil {
				return err
			}
		}
	}
}
