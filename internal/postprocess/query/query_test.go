package query

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/google/uuid"

	"github.com/xtxerr/hsport/internal/catalog"
	"github.com/xtxerr/hsport/internal/config"
	"github.com/xtxerr/hsport/internal/decoder"
	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/postprocess"
)

// writeSource stores frames at ts 1..n with Motor.Speed = ts*10 and
// Motor.Temp = ts, and returns the source id.
func writeSource(t *testing.T, dataDir string, n int) string {
	t.Helper()

	opts := postprocess.DefaultOptions("line1")
	opts.SourceID = uuid.NewString()
	opts.Storage.Backend = "parquet"
	opts.Storage.DataDir = dataDir
	opts.Storage.Retention = 0

	b, err := postprocess.New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.AddVariable(postprocess.Variable{Name: "Motor.Speed", Type: catalog.TypeFloat64})
	b.AddVariable(postprocess.Variable{Name: "Motor.Temp", Type: catalog.TypeFloat32})
	if err := b.Initialize(0); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var block []byte
	for i := 1; i <= n; i++ {
		block = binary.LittleEndian.AppendUint64(block, uint64(i))
		block = decoder.AppendValue(block, binary.LittleEndian, decoder.FromFloat64(catalog.TypeFloat64, float64(i*10)))
		block = decoder.AppendValue(block, binary.LittleEndian, decoder.FromFloat64(catalog.TypeFloat32, float64(i)))
	}
	if err := b.AppendRaw(block); err != nil {
		t.Fatalf("AppendRaw: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return opts.SourceID
}

func newService(t *testing.T, dataDir string) *Service {
	t.Helper()
	cfg := config.DefaultConfig().Query
	svc, err := New(cfg, dataDir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestService_Rows(t *testing.T) {
	dir := t.TempDir()
	id := writeSource(t, dir, 10)
	svc := newService(t, dir)
	ctx := context.Background()

	rows, err := svc.Rows(ctx, RangeQuery{SourceID: id, Start: 3, End: 5})
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	if len(rows) != 6 {
		t.Fatalf("expected 6 rows, got %d", len(rows))
	}
	if rows[0].Timestamp != 3 || rows[0].Variable != "Motor.Speed" || rows[0].Value != 30 {
		t.Errorf("unexpected first row %+v", rows[0])
	}

	rows, err = svc.Rows(ctx, RangeQuery{SourceID: id, VariablePrefix: "Motor.T", Limit: 4})
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(rows))
	}
	for _, r := range rows {
		if r.Variable != "Motor.Temp" {
			t.Errorf("unexpected variable %q", r.Variable)
		}
	}

	if s := svc.Stats(); s.QueriesExecuted != 2 || s.RowsReturned != 10 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestService_Summarize(t *testing.T) {
	dir := t.TempDir()
	id := writeSource(t, dir, 4)
	svc := newService(t, dir)

	sums, err := svc.Summarize(context.Background(), RangeQuery{SourceID: id})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(sums))
	}

	speed := sums[0]
	if speed.Variable != "Motor.Speed" || speed.Count != 4 {
		t.Errorf("unexpected summary %+v", speed)
	}
	if speed.Min != 10 || speed.Max != 40 || speed.Avg != 25 {
		t.Errorf("unexpected min/max/avg %v/%v/%v", speed.Min, speed.Max, speed.Avg)
	}
	if speed.First != 1 || speed.Last != 4 {
		t.Errorf("unexpected range %d..%d", speed.First, speed.Last)
	}
}

func TestService_Errors(t *testing.T) {
	dir := t.TempDir()
	svc := newService(t, dir)
	ctx := context.Background()

	if _, err := svc.Rows(ctx, RangeQuery{SourceID: "../etc"}); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("expected validation error, got %v", err)
	}
	_, err := svc.Rows(ctx, RangeQuery{SourceID: uuid.NewString()})
	if errors.StatusOf(err) != errors.StatusNoFile {
		t.Errorf("expected NoFile, got %v", err)
	}
}
