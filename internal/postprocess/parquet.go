package postprocess

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/hsport/internal/decoder"
	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/timestamp"
)

const (
	parquetExt    = ".parquet"
	partialSuffix = ".partial"
)

// Row is one variable value of one frame in long format.
type Row struct {
	Timestamp int64   `parquet:"ts"`
	Seq       int64   `parquet:"seq"`
	Variable  string  `parquet:"variable,dict"`
	Value     float64 `parquet:"value"`
}

// compressionCodec returns the parquet-go codec for an algorithm name.
func compressionCodec(algorithm string) compress.Codec {
	switch algorithm {
	case "snappy":
		return &parquet.Snappy
	case "zstd":
		return &parquet.Zstd
	case "lz4":
		return &parquet.Lz4Raw
	case "gzip":
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// parquetSink writes one parquet file per segment. The open segment is
// written under a ".partial" name and renamed when it rolls or closes, so
// readers globbing "*.parquet" only see complete files.
type parquetSink struct {
	geo  geometry
	opts fileOptions

	file    *os.File
	writer  *parquet.GenericWriter[Row]
	cur     segmentFile
	seq     int64
	nextRow int64
	rows    []Row

	retention retention
}

func newParquetSink(geo geometry, opts fileOptions) (*parquetSink, error) {
	p := &parquetSink{
		geo:  geo,
		opts: opts,
		retention: retention{
			keep:     opts.retention,
			onDelete: opts.onDelete,
		},
	}

	if err := removePartials(opts.dir); err != nil {
		return nil, err
	}

	files, err := listSegmentFiles(opts.dir, parquetExt)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w: %w", errors.ErrFile, err)
	}
	for _, f := range files {
		scanned, maxSeq, err := scanParquet(f)
		if err != nil {
			log.Warn("skip unreadable parquet segment", "path", f.path, "error", err)
			continue
		}
		p.retention.restore(scanned)
		if maxSeq >= p.nextRow {
			p.nextRow = maxSeq + 1
		}
	}
	if len(files) > 0 {
		p.seq = files[len(files)-1].seq + 1
	}

	if err := p.rotate(); err != nil {
		return nil, err
	}
	return p, nil
}

// removePartials deletes segments a crashed run left unfinished. They have
// no footer and cannot be read.
func removePartials(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w: %w", dir, errors.ErrFile, err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), parquetExt+partialSuffix) {
			path := filepath.Join(dir, e.Name())
			log.Warn("removing unfinished parquet segment", "path", path)
			os.Remove(path)
		}
	}
	return nil
}

func (p *parquetSink) recovered() (timestamp.DCTime, bool) {
	return p.retention.newest()
}

func (p *parquetSink) append(block []byte, first, last timestamp.DCTime) error {
	if !p.cur.empty {
		full := p.opts.segmentSize > 0 && p.cur.size+int64(len(block)) > p.opts.segmentSize
		if full || spanExceeded(p.opts.retention, p.cur.first, last) {
			if err := p.roll(); err != nil {
				return err
			}
		}
	}

	p.rows = p.rows[:0]
	for off := 0; off < len(block); off += p.geo.stride {
		frame := block[off : off+p.geo.stride]
		ts := int64(frameTimestamp(frame))
		for i, v := range p.geo.variables {
			val := decoder.ReadValue(frame[p.geo.offsets[i]:], binary.LittleEndian, v.Type)
			p.rows = append(p.rows, Row{
				Timestamp: ts,
				Seq:       p.nextRow,
				Variable:  v.Name,
				Value:     val.Float64(),
			})
		}
		p.nextRow++
	}

	if _, err := p.writer.Write(p.rows); err != nil {
		return fmt.Errorf("write rows: %w: %w", errors.ErrFile, err)
	}

	if p.cur.empty {
		p.cur.first = first
		p.cur.empty = false
	}
	p.cur.last = last
	p.cur.size += int64(len(block))

	p.retention.expire(last)
	return nil
}

func (p *parquetSink) rotate() error {
	if err := os.MkdirAll(p.opts.dir, 0755); err != nil {
		return fmt.Errorf("create segment dir: %w: %w", errors.ErrFile, err)
	}

	path := filepath.Join(p.opts.dir, segmentName(p.seq, parquetExt))
	f, err := os.Create(path + partialSuffix)
	if err != nil {
		return fmt.Errorf("create segment %s: %w: %w", path, errors.ErrFile, err)
	}

	p.file = f
	p.writer = parquet.NewGenericWriter[Row](f,
		parquet.Compression(compressionCodec(p.opts.compression.Algorithm)),
	)
	p.cur = segmentFile{path: path, seq: p.seq, empty: true}
	p.seq++
	return nil
}

// finish closes the open file and publishes it under its final name. An
// empty segment is discarded.
func (p *parquetSink) finish() error {
	if p.file == nil {
		return nil
	}

	writeErr := p.writer.Close()
	closeErr := p.file.Close()
	partial := p.cur.path + partialSuffix
	p.file, p.writer = nil, nil

	if p.cur.empty {
		os.Remove(partial)
		return nil
	}
	if writeErr != nil {
		return fmt.Errorf("close writer: %w: %w", errors.ErrFile, writeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close file: %w: %w", errors.ErrFile, closeErr)
	}
	if err := os.Rename(partial, p.cur.path); err != nil {
		return fmt.Errorf("publish segment: %w: %w", errors.ErrFile, err)
	}
	return nil
}

func (p *parquetSink) roll() error {
	closed := p.cur
	if err := p.finish(); err != nil {
		return err
	}
	p.retention.add(closed)
	if p.opts.onRoll != nil {
		p.opts.onRoll(closed.path, closed.first, closed.last)
	}
	return p.rotate()
}

func (p *parquetSink) flush() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Flush()
}

func (p *parquetSink) segments() int {
	return len(p.retention.closed) + 1
}

func (p *parquetSink) close() error {
	return p.finish()
}

// scanParquet fills in the timestamp range of a parquet segment and
// returns the highest frame sequence it holds.
func scanParquet(f segmentFile) (segmentFile, int64, error) {
	rows, err := ReadParquet(f.path)
	if err != nil {
		return f, -1, err
	}

	f.empty = len(rows) == 0
	maxSeq := int64(-1)
	for i, r := range rows {
		ts := timestamp.DCTime(r.Timestamp)
		if i == 0 || ts < f.first {
			f.first = ts
		}
		if i == 0 || ts > f.last {
			f.last = ts
		}
		if r.Seq > maxSeq {
			maxSeq = r.Seq
		}
	}
	return f, maxSeq, nil
}

// ReadParquet returns all rows of a parquet segment.
func ReadParquet(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, errors.ErrNoFile)
		}
		return nil, fmt.Errorf("open segment: %w: %w", errors.ErrFile, err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[Row](f)
	defer reader.Close()

	rows := make([]Row, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read rows: %w: %w", errors.ErrFile, err)
	}
	return rows[:n], nil
}

// ParquetFiles returns the complete parquet segments of a source
// directory in append order.
func ParquetFiles(dir string) ([]string, error) {
	files, err := listSegmentFiles(dir, parquetExt)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w: %w", errors.ErrFile, err)
	}
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}
