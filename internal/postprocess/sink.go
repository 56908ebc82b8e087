package postprocess

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	cfgpkg "github.com/xtxerr/hsport/internal/config"
	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/timestamp"
)

// sink is a storage backend. The Buffer serializes all calls.
type sink interface {
	// append stores whole frames. first and last are the timestamps of the
	// first and last frame of block.
	append(block []byte, first, last timestamp.DCTime) error

	// recovered returns the newest timestamp found when the sink opened.
	recovered() (timestamp.DCTime, bool)

	flush() error
	close() error
	segments() int
}

// geometry is the fixed frame layout of an initialized buffer.
type geometry struct {
	stride    int
	variables []Variable
	offsets   []int
}

// fileOptions configures the file backends.
type fileOptions struct {
	dir         string
	segmentSize int64
	retention   time.Duration
	syncMode    string
	compression cfgpkg.CompressionConfig

	onRoll   func(path string, first, last timestamp.DCTime)
	onDelete func(path string, last timestamp.DCTime)
}

// =============================================================================
// Manifest
// =============================================================================

const manifestName = "manifest.json"

// manifest describes the stream stored in a source directory.
type manifest struct {
	SourceID      string     `json:"source_id"`
	Name          string     `json:"name"`
	SampleRate    float64    `json:"sample_rate,omitempty"`
	DataTypeIdent string     `json:"data_type"`
	Backend       string     `json:"backend"`
	Stride        int        `json:"stride"`
	Variables     []Variable `json:"variables"`
	Created       time.Time  `json:"created"`
}

func writeManifest(dir string, m manifest) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create source dir: %w: %w", errors.ErrFile, err)
	}

	data, err := sonic.ConfigStd.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	tmp := filepath.Join(dir, manifestName+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w: %w", errors.ErrFile, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, manifestName)); err != nil {
		return fmt.Errorf("write manifest: %w: %w", errors.ErrFile, err)
	}
	return nil
}

// ReadManifest returns the variable definitions and stride of a source
// directory.
func ReadManifest(dir string) ([]Variable, int, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%s: %w", dir, errors.ErrNoFile)
		}
		return nil, 0, fmt.Errorf("read manifest: %w: %w", errors.ErrFile, err)
	}

	var m manifest
	if err := sonic.ConfigStd.Unmarshal(data, &m); err != nil {
		return nil, 0, fmt.Errorf("decode manifest: %w: %w", errors.ErrFile, err)
	}
	return m.Variables, m.Stride, nil
}

// =============================================================================
// Segment files
// =============================================================================

// segmentFile is one closed or open segment on disk.
type segmentFile struct {
	path  string
	seq   int64
	size  int64
	first timestamp.DCTime
	last  timestamp.DCTime
	empty bool
}

// listSegmentFiles returns the files in dir named "%016d<ext>", ordered by
// sequence number.
func listSegmentFiles(dir, ext string) ([]segmentFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []segmentFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if len(name) != 16+len(ext) || !strings.HasSuffix(name, ext) {
			continue
		}

		var seq int64
		if _, err := fmt.Sscanf(name[:16], "%016d", &seq); err != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		files = append(files, segmentFile{
			path: filepath.Join(dir, name),
			seq:  seq,
			size: info.Size(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].seq < files[j].seq
	})
	return files, nil
}

func segmentName(seq int64, ext string) string {
	return fmt.Sprintf("%016d%s", seq, ext)
}

// =============================================================================
// Retention
// =============================================================================

// retention tracks closed segments and deletes those whose newest frame
// is older than the stream's newest frame minus the retention time.
type retention struct {
	keep     time.Duration
	closed   []segmentFile
	onDelete func(path string, last timestamp.DCTime)
}

func (r *retention) add(f segmentFile) {
	r.closed = append(r.closed, f)
}

// restore adds a segment found on disk when the sink opens. Segments
// without frames are deleted instead.
func (r *retention) restore(f segmentFile) {
	if f.empty {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			log.Warn("delete empty segment", "path", f.path, "error", err)
			r.add(f)
		}
		return
	}
	r.add(f)
}

// expire deletes closed segments that fell out of the window ending at
// newest. Deletion failures are logged and retried on the next call.
func (r *retention) expire(newest timestamp.DCTime) {
	if r.keep <= 0 || len(r.closed) == 0 {
		return
	}

	cutoff := newest - timestamp.DCTime(r.keep)
	kept := r.closed[:0]
	for _, f := range r.closed {
		if !f.empty && f.last >= cutoff {
			kept = append(kept, f)
			continue
		}
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			log.Warn("delete expired segment", "path", f.path, "error", err)
			kept = append(kept, f)
			continue
		}
		if r.onDelete != nil {
			r.onDelete(f.path, f.last)
		}
	}
	r.closed = kept
}

// newest returns the newest timestamp over the closed segments.
func (r *retention) newest() (timestamp.DCTime, bool) {
	var ts timestamp.DCTime
	found := false
	for _, f := range r.closed {
		if f.empty {
			continue
		}
		if !found || f.last > ts {
			ts, found = f.last, true
		}
	}
	return ts, found
}

// spanExceeded reports whether a segment covering first..last should roll
// because of the retention time.
func spanExceeded(keep time.Duration, first, last timestamp.DCTime) bool {
	return keep > 0 && last-first >= timestamp.DCTime(keep)
}
