package stream

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/xtxerr/hsport/internal/catalog"
	"github.com/xtxerr/hsport/internal/decoder"
	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/timestamp"
	"github.com/xtxerr/hsport/internal/transport"
)

// Control operations. Requests carry "op" and "id"; replies echo the id.
const (
	opHello        = "hello"
	opCatalog      = "catalog"
	opHistory      = "history"
	opHistoryBegin = "history_begin"
	opHistoryEnd   = "history_end"
	opWrite        = "write"
	opOnline       = "online"
	opDiag         = "diag"
	opInfo         = "info"
	opOK           = "ok"
	opError        = "error"
)

func deadline() time.Time {
	return time.Now().Add(time.Second)
}

// control packs a control message into an envelope.
func control(fields map[string]any) (*anypb.Any, error) {
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode control: %w", err)
	}
	return anypb.New(st)
}

// blockEnvelope packs a raw frame block into an envelope.
func blockEnvelope(data []byte) (*anypb.Any, error) {
	return anypb.New(wrapperspb.Bytes(data))
}

// unpack returns either the control fields or the raw block of env.
func unpack(env *anypb.Any) (map[string]any, []byte, error) {
	msg, err := env.UnmarshalNew()
	if err != nil {
		return nil, nil, fmt.Errorf("unpack %s: %w", env.GetTypeUrl(), err)
	}
	switch m := msg.(type) {
	case *structpb.Struct:
		return m.AsMap(), nil, nil
	case *wrapperspb.BytesValue:
		return nil, m.GetValue(), nil
	default:
		return nil, nil, fmt.Errorf("unexpected message %s: %w", proto.MessageName(msg), errors.ErrTypeMismatch)
	}
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func num(m map[string]any, key string) float64 {
	f, _ := m[key].(float64)
	return f
}

func integer(m map[string]any, key string) int {
	return int(num(m, key))
}

func flag(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// int64s travel as decimal strings; structpb numbers are doubles.
func int64Field(m map[string]any, key string) int64 {
	n, _ := strconv.ParseInt(str(m, key), 10, 64)
	return n
}

func bytesField(m map[string]any, key string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(str(m, key))
}

// remoteError turns an error reply into an error carrying the remote
// status.
func remoteError(op string, m map[string]any) error {
	status := errors.Status(integer(m, "status"))
	base := errors.ErrorForStatus(status)
	if base == nil {
		base = errors.ErrInternal
	}
	return errors.WithStatus(fmt.Errorf("%s: %s: %w", op, str(m, "message"), base), status)
}

func errorReply(id float64, err error) map[string]any {
	return map[string]any{
		"op":      opError,
		"id":      id,
		"status":  int(errors.StatusOf(err)),
		"message": err.Error(),
	}
}

// =============================================================================
// Catalog and layout
// =============================================================================

func encodeHandshake(hs *transport.Handshake) map[string]any {
	channels := make([]any, 0, hs.Catalog.Len())
	for _, ch := range hs.Catalog.Channels() {
		channels = append(channels, map[string]any{
			"name":         ch.Name,
			"unit":         ch.Unit,
			"direction":    int(ch.Direction),
			"type":         int(ch.Type),
			"kind":         int(ch.Kind),
			"format":       ch.Format,
			"precision":    ch.Precision,
			"field_length": ch.FieldLength,
			"range_min":    ch.RangeMin,
			"range_max":    ch.RangeMax,
			"module":       ch.ModuleIndex,
		})
	}

	l := hs.Layout
	return map[string]any{
		"channels": channels,
		"layout": map[string]any{
			"endian":         int(l.Endian),
			"marker":         int(l.Marker),
			"header_size":    l.HeaderSize,
			"timestamp":      int(l.Timestamp),
			"counter_period": strconv.FormatInt(int64(l.CounterPeriod), 10),
			"counter_base":   strconv.FormatInt(int64(l.CounterBase), 10),
		},
		"sample_rate": hs.SampleRate,
	}
}

func decodeHandshake(m map[string]any) (*transport.Handshake, error) {
	list, _ := m["channels"].([]any)
	channels := make([]catalog.Channel, 0, len(list))
	for i, item := range list {
		c, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("channel %d: %w", i, errors.ErrTypeMismatch)
		}
		channels = append(channels, catalog.Channel{
			Name:        str(c, "name"),
			Unit:        str(c, "unit"),
			Direction:   catalog.Direction(integer(c, "direction")),
			Type:        catalog.DataType(integer(c, "type")),
			Kind:        catalog.VarKind(integer(c, "kind")),
			Format:      str(c, "format"),
			Precision:   integer(c, "precision"),
			FieldLength: integer(c, "field_length"),
			RangeMin:    num(c, "range_min"),
			RangeMax:    num(c, "range_max"),
			ModuleIndex: integer(c, "module"),
		})
	}

	cat, err := catalog.New(channels)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}

	lm, _ := m["layout"].(map[string]any)
	layout := decoder.Layout{
		Endian:        decoder.Endian(integer(lm, "endian")),
		Marker:        uint16(integer(lm, "marker")),
		HeaderSize:    integer(lm, "header_size"),
		Timestamp:     decoder.TimestampKind(integer(lm, "timestamp")),
		CounterPeriod: time.Duration(int64Field(lm, "counter_period")),
		CounterBase:   timestamp.DCTime(int64Field(lm, "counter_base")),
	}
	if err := layout.Validate(); err != nil {
		return nil, fmt.Errorf("layout: %w", err)
	}

	return &transport.Handshake{
		Catalog:    cat,
		Layout:     layout,
		SampleRate: num(m, "sample_rate"),
	}, nil
}

func encodeOutputs(values []transport.OutputValue) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = map[string]any{
			"index": v.Index,
			"type":  int(v.Value.Type),
			"value": v.Value.Float64(),
		}
	}
	return out
}

func decodeOutputs(list []any) ([]transport.OutputValue, error) {
	out := make([]transport.OutputValue, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("output %d: %w", i, errors.ErrTypeMismatch)
		}
		typ := catalog.DataType(integer(m, "type"))
		out = append(out, transport.OutputValue{
			Index: integer(m, "index"),
			Value: decoder.FromFloat64(typ, num(m, "value")),
		})
	}
	return out, nil
}
