// Package query runs SQL over the parquet segments of post-process
// sources with an embedded DuckDB.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/hsport/internal/config"
	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/logging"
	"github.com/xtxerr/hsport/internal/postprocess"
	"github.com/xtxerr/hsport/internal/timestamp"
	"github.com/xtxerr/hsport/internal/validation"
)

var log = logging.Component("query")

// Service answers queries over stored parquet segments.
type Service struct {
	mu sync.RWMutex

	cfg  config.QueryConfig
	root string
	db   *sql.DB

	stats Stats
}

// Stats holds query statistics.
type Stats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
}

// RangeQuery selects rows of one source.
type RangeQuery struct {
	SourceID string

	// VariablePrefix restricts the result to variables whose name starts
	// with it. Empty selects all variables.
	VariablePrefix string

	// Start and End bound the timestamps, both inclusive. A zero End has
	// no upper bound.
	Start timestamp.DCTime
	End   timestamp.DCTime

	// Limit caps the number of rows. Zero uses the configured maximum.
	Limit int
}

// Summary aggregates one variable over a range.
type Summary struct {
	Variable string
	Count    int64
	Min      float64
	Max      float64
	Avg      float64
	First    timestamp.DCTime
	Last     timestamp.DCTime
}

// New opens an in-memory DuckDB for the parquet files below dataDir.
func New(cfg config.QueryConfig, dataDir string) (*Service, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w: %w", errors.ErrExternalLibMissing, err)
	}

	if cfg.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", strings.ReplaceAll(cfg.MemoryLimit, "'", "''"))); err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	return &Service{
		cfg:  cfg,
		root: dataDir,
		db:   db,
	}, nil
}

// Close closes the database.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// pattern returns the parquet glob of a source. It fails with ErrNoFile
// when the source has no complete segment yet.
func (s *Service) pattern(sourceID string) (string, error) {
	if _, err := uuid.Parse(sourceID); err != nil {
		return "", errors.NewValidation("source_id", err.Error())
	}

	dir := filepath.Join(s.root, sourceID)
	files, err := postprocess.ParquetFiles(dir)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("no parquet segments for %s: %w", sourceID, errors.ErrNoFile)
	}
	return filepath.Join(dir, "*.parquet"), nil
}

func (s *Service) context(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, s.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

func (s *Service) limit(n int) int {
	if s.cfg.MaxRows > 0 && (n <= 0 || n > s.cfg.MaxRows) {
		return s.cfg.MaxRows
	}
	if n <= 0 {
		return math.MaxInt32
	}
	return n
}

func bounds(q RangeQuery) (int64, int64) {
	end := int64(q.End)
	if end == 0 {
		end = math.MaxInt64
	}
	return int64(q.Start), end
}

func (s *Service) fail(err error) error {
	s.mu.Lock()
	s.stats.Errors++
	s.mu.Unlock()
	return err
}

func (s *Service) done(rows int) {
	s.mu.Lock()
	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(rows)
	s.mu.Unlock()
}

// Rows returns the rows of a source in timestamp order.
func (s *Service) Rows(ctx context.Context, q RangeQuery) ([]postprocess.Row, error) {
	pattern, err := s.pattern(q.SourceID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.context(ctx)
	defer cancel()

	start, end := bounds(q)
	query := `
		SELECT ts, seq, variable, value
		FROM read_parquet($1)
		WHERE ts >= $2
		  AND ts <= $3
		  AND variable LIKE $4 ESCAPE '\'
		ORDER BY ts, seq, variable
		LIMIT $5
	`

	rows, err := s.db.QueryContext(ctx, query,
		pattern,
		start,
		end,
		validation.SafeLikePrefix(q.VariablePrefix),
		s.limit(q.Limit),
	)
	if err != nil {
		return nil, s.fail(queryError(ctx, err))
	}
	defer rows.Close()

	var out []postprocess.Row
	for rows.Next() {
		var r postprocess.Row
		if err := rows.Scan(&r.Timestamp, &r.Seq, &r.Variable, &r.Value); err != nil {
			return nil, s.fail(fmt.Errorf("scan row: %w", err))
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(queryError(ctx, err))
	}

	s.done(len(out))
	return out, nil
}

// Summarize aggregates each selected variable over the range.
func (s *Service) Summarize(ctx context.Context, q RangeQuery) ([]Summary, error) {
	pattern, err := s.pattern(q.SourceID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.context(ctx)
	defer cancel()

	start, end := bounds(q)
	query := `
		SELECT
			variable,
			count(*), min(value), max(value), avg(value),
			min(ts), max(ts)
		FROM read_parquet($1)
		WHERE ts >= $2
		  AND ts <= $3
		  AND variable LIKE $4 ESCAPE '\'
		GROUP BY variable
		ORDER BY variable
	`

	rows, err := s.db.QueryContext(ctx, query,
		pattern,
		start,
		end,
		validation.SafeLikePrefix(q.VariablePrefix),
	)
	if err != nil {
		return nil, s.fail(queryError(ctx, err))
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var r Summary
		var first, last int64
		if err := rows.Scan(&r.Variable, &r.Count, &r.Min, &r.Max, &r.Avg, &first, &last); err != nil {
			return nil, s.fail(fmt.Errorf("scan row: %w", err))
		}
		r.First, r.Last = timestamp.DCTime(first), timestamp.DCTime(last)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(queryError(ctx, err))
	}

	s.done(len(out))
	return out, nil
}

// queryError maps a context deadline to ErrTimeout.
func queryError(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("query: %w", errors.ErrTimeout)
	}
	log.Debug("query failed", "error", err)
	return fmt.Errorf("query: %w", err)
}

// Stats returns query statistics.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
