package catalog

import (
	"testing"

	"github.com/xtxerr/hsport/internal/errors"
)

func testChannels() []Channel {
	return []Channel{
		{Name: "temp1", Unit: "degC", Direction: DirInput, Type: TypeFloat32, Kind: KindAnalogInput, Precision: 2, FieldLength: 8},
		{Name: "valve", Direction: DirOutput, Type: TypeBool, Kind: KindDigitalOutput},
		{Name: "setp", Unit: "bar", Direction: DirInOut, Type: TypeFloat64, Kind: KindSetpoint, RangeMin: -10, RangeMax: 250},
		{Name: "count", Direction: DirInput, Type: TypeUint32, Kind: KindArithmetic},
		{Name: "cpu", Direction: DirStat, Type: TypeInt16},
	}
}

func TestNew_AssignsIndices(t *testing.T) {
	c, err := New(testChannels())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name       string
		input, out int
		total      int
	}{
		{"temp1", 0, -1, 0},
		{"valve", -1, 0, 1},
		{"setp", 1, 1, 2},
		{"count", 2, -1, 3},
		{"cpu", -1, -1, 4},
	}

	for _, tt := range tests {
		ch, ok := c.Lookup(tt.name)
		if !ok {
			t.Fatalf("Lookup(%q) failed", tt.name)
		}
		if ch.InputIndex != tt.input || ch.OutputIndex != tt.out || ch.TotalIndex != tt.total {
			t.Errorf("%s: expected indices (%d,%d,%d), got (%d,%d,%d)",
				tt.name, tt.input, tt.out, tt.total, ch.InputIndex, ch.OutputIndex, ch.TotalIndex)
		}
	}
}

func TestCount(t *testing.T) {
	c := MustNew(testChannels())

	counts := map[Direction]int{
		DirInput:  3,
		DirOutput: 2,
		DirInOut:  1,
		DirEmpty:  0,
		DirStat:   1,
	}
	for d, want := range counts {
		if got := c.Count(d); got != want {
			t.Errorf("Count(%s): expected %d, got %d", d, want, got)
		}
	}
	if c.Len() != 5 {
		t.Errorf("expected 5 channels, got %d", c.Len())
	}
}

func TestResolve(t *testing.T) {
	c := MustNew(testChannels())

	ch, err := c.Resolve(DirOutput, 1)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ch.Name != "setp" {
		t.Errorf("expected setp, got %s", ch.Name)
	}

	if _, err := c.Resolve(DirInput, 3); !errors.Is(err, errors.ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange, got %v", err)
	}
	if _, err := c.Resolve(DirInput, -1); !errors.Is(err, errors.ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange for -1, got %v", err)
	}
	if _, err := c.ResolveTotal(5); !errors.Is(err, errors.ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange for total 5, got %v", err)
	}

	total, err := c.TotalIndex(DirInput, 2)
	if err != nil || total != 3 {
		t.Errorf("expected total 3, got %d (%v)", total, err)
	}
}

func TestNew_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		channels []Channel
		want     error
	}{
		{
			name:     "unknown type",
			channels: []Channel{{Name: "x", Type: DataType(42)}},
			want:     errors.ErrTypeMismatch,
		},
		{
			name:     "duplicate name",
			channels: []Channel{{Name: "x", Type: TypeBool}, {Name: "x", Type: TypeInt8}},
			want:     errors.ErrMultiUsed,
		},
		{
			name:     "bad direction",
			channels: []Channel{{Name: "x", Type: TypeBool, Direction: Direction(9)}},
			want:     errors.ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.channels)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestInfo(t *testing.T) {
	c := MustNew(testChannels())
	ch, _ := c.ResolveTotal(0)

	strs := map[InfoID]string{
		InfoName:       "temp1",
		InfoUnit:       "degC",
		InfoDirection:  "Input",
		InfoFormat:     "%8.2",
		InfoType:       "FLOAT",
		InfoVarType:    "AIN",
		InfoTotalIndex: "0",
	}
	for id, want := range strs {
		got, err := ch.InfoString(id)
		if err != nil {
			t.Fatalf("InfoString(%d): %v", id, err)
		}
		if got != want {
			t.Errorf("InfoString(%d): expected %q, got %q", id, want, got)
		}
	}

	setp, _ := c.Lookup("setp")
	ints := map[InfoID]int64{
		InfoInputIndex:  1,
		InfoOutputIndex: 1,
		InfoRangeMin:    -10,
		InfoRangeMax:    250,
		InfoTypeIndex:   int64(TypeFloat64),
	}
	for id, want := range ints {
		got, err := setp.InfoInt(id)
		if err != nil {
			t.Fatalf("InfoInt(%d): %v", id, err)
		}
		if got != want {
			t.Errorf("InfoInt(%d): expected %d, got %d", id, want, got)
		}
	}

	if _, err := setp.InfoInt(InfoID(99)); !errors.Is(err, errors.ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestEqual(t *testing.T) {
	a := MustNew(testChannels())
	b := MustNew(testChannels())
	if !a.Equal(b) {
		t.Error("expected identical catalogs to be equal")
	}

	changed := testChannels()
	changed[3].Type = TypeInt32
	if a.Equal(MustNew(changed)) {
		t.Error("expected type change to break equality")
	}

	if a.Equal(MustNew(testChannels()[:4])) {
		t.Error("expected length change to break equality")
	}

	var nilCat *Catalog
	if a.Equal(nilCat) || !nilCat.Equal(nil) {
		t.Error("unexpected nil comparison result")
	}
}

func TestDataType(t *testing.T) {
	sizes := map[DataType]int{
		TypeNone: 0, TypeBool: 1, TypeUint8: 1, TypeInt16: 2,
		TypeFloat32: 4, TypeSet32: 4, TypeFloat64: 8, TypeSet64: 8,
	}
	for typ, want := range sizes {
		if typ.Size() != want {
			t.Errorf("%s: expected size %d, got %d", typ, want, typ.Size())
		}
	}

	if got, ok := ParseDataType("DOUBLE"); !ok || got != TypeFloat64 {
		t.Errorf("expected DOUBLE to parse, got %v %v", got, ok)
	}
	if DataType(16).Known() {
		t.Error("expected 16 to be unknown")
	}
	if KindReference.String() != "REF" || VarKind(12).Known() {
		t.Error("unexpected var kind table")
	}
}
