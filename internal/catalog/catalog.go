// Package catalog describes the variables of one connection.
//
// A Catalog is built once from the channel list delivered by the transport
// handshake and is read-only afterwards, so any number of goroutines may
// query it without locking.
package catalog

import (
	"fmt"
	"strconv"

	"github.com/xtxerr/hsport/internal/errors"
)

// Channel is the static description of one variable.
type Channel struct {
	Name        string
	Unit        string
	Direction   Direction
	Type        DataType
	Kind        VarKind
	Format      string
	Precision   int
	FieldLength int
	RangeMin    float64
	RangeMax    float64
	ModuleIndex int

	// Indices are assigned by New. InputIndex and OutputIndex are -1 when
	// the channel does not belong to that direction.
	InputIndex  int
	OutputIndex int
	TotalIndex  int
}

// InfoID selects one attribute of a channel.
type InfoID int

// String info ids.
const (
	InfoName      InfoID = 0
	InfoUnit      InfoID = 1
	InfoDirection InfoID = 2
	InfoFormat    InfoID = 3
	InfoType      InfoID = 4
	InfoVarType   InfoID = 33
)

// Integer info ids.
const (
	InfoInputIndex  InfoID = 5
	InfoOutputIndex InfoID = 6
	InfoTotalIndex  InfoID = 7
	InfoPrecision   InfoID = 8
	InfoFieldLength InfoID = 9
	InfoRangeMin    InfoID = 30
	InfoRangeMax    InfoID = 31
	InfoModuleIndex InfoID = 32
	InfoTypeIndex   InfoID = 34
)

// InfoString returns a string attribute of the channel.
func (c Channel) InfoString(id InfoID) (string, error) {
	switch id {
	case InfoName:
		return c.Name, nil
	case InfoUnit:
		return c.Unit, nil
	case InfoDirection:
		return c.Direction.String(), nil
	case InfoFormat:
		if c.Format != "" {
			return c.Format, nil
		}
		return "%" + strconv.Itoa(c.FieldLength) + "." + strconv.Itoa(c.Precision), nil
	case InfoType:
		return c.Type.String(), nil
	case InfoVarType:
		return c.Kind.String(), nil
	}

	// Integer attributes are also available as text.
	v, err := c.InfoInt(id)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(v, 10), nil
}

// InfoInt returns an integer attribute of the channel.
func (c Channel) InfoInt(id InfoID) (int64, error) {
	switch id {
	case InfoInputIndex:
		return int64(c.InputIndex), nil
	case InfoOutputIndex:
		return int64(c.OutputIndex), nil
	case InfoTotalIndex:
		return int64(c.TotalIndex), nil
	case InfoPrecision:
		return int64(c.Precision), nil
	case InfoFieldLength:
		return int64(c.FieldLength), nil
	case InfoRangeMin:
		return int64(c.RangeMin), nil
	case InfoRangeMax:
		return int64(c.RangeMax), nil
	case InfoModuleIndex:
		return int64(c.ModuleIndex), nil
	case InfoTypeIndex, InfoType:
		return int64(c.Type), nil
	case InfoDirection:
		return int64(c.Direction), nil
	default:
		return 0, fmt.Errorf("channel info id %d: %w", id, errors.ErrIndexOutOfRange)
	}
}

// Catalog is the ordered set of channels of a connection.
type Catalog struct {
	channels  []Channel
	byDir     map[Direction][]int
	byName    map[string]int
	valueSize int
}

// New validates channels and assigns input, output and total indices in
// list order.
func New(channels []Channel) (*Catalog, error) {
	c := &Catalog{
		channels: make([]Channel, len(channels)),
		byDir:    make(map[Direction][]int),
		byName:   make(map[string]int, len(channels)),
	}

	verrs := errors.NewValidationErrors()
	in, out := 0, 0

	for i, ch := range channels {
		if !ch.Type.Known() {
			verrs.Add(fmt.Errorf("channel %d (%s): type code %d: %w", i, ch.Name, ch.Type, errors.ErrTypeMismatch))
		}
		if ch.Direction < DirInput || ch.Direction > DirStat {
			verrs.AddField(fmt.Sprintf("channel %d direction", i), strconv.Itoa(int(ch.Direction)))
		}
		if ch.Name != "" {
			if _, dup := c.byName[ch.Name]; dup {
				verrs.Add(fmt.Errorf("channel name %q: %w", ch.Name, errors.ErrMultiUsed))
			}
			c.byName[ch.Name] = i
		}

		ch.TotalIndex = i
		ch.InputIndex = -1
		ch.OutputIndex = -1
		if ch.Direction.Readable() {
			ch.InputIndex = in
			in++
		}
		if ch.Direction.Writable() {
			ch.OutputIndex = out
			out++
		}
		c.channels[i] = ch
		c.valueSize += ch.Type.Size()

		switch ch.Direction {
		case DirInput:
			c.byDir[DirInput] = append(c.byDir[DirInput], i)
		case DirOutput:
			c.byDir[DirOutput] = append(c.byDir[DirOutput], i)
		case DirInOut:
			c.byDir[DirInput] = append(c.byDir[DirInput], i)
			c.byDir[DirOutput] = append(c.byDir[DirOutput], i)
			c.byDir[DirInOut] = append(c.byDir[DirInOut], i)
		default:
			c.byDir[ch.Direction] = append(c.byDir[ch.Direction], i)
		}
	}

	if err := verrs.Err(); err != nil {
		return nil, err
	}
	return c, nil
}

// MustNew is New for statically known channel lists. It panics on error.
func MustNew(channels []Channel) *Catalog {
	c, err := New(channels)
	if err != nil {
		panic(err)
	}
	return c
}

// Count returns the number of channels reachable through direction.
// DirInput counts Input and InOut channels, DirOutput counts Output and
// InOut channels.
func (c *Catalog) Count(d Direction) int {
	return len(c.byDir[d])
}

// Resolve returns the index-th channel of a direction.
func (c *Catalog) Resolve(d Direction, index int) (Channel, error) {
	list := c.byDir[d]
	if index < 0 || index >= len(list) {
		return Channel{}, errors.NewIndexError(d.String(), index, len(list))
	}
	return c.channels[list[index]], nil
}

// ResolveTotal returns the channel at a total index.
func (c *Catalog) ResolveTotal(index int) (Channel, error) {
	if index < 0 || index >= len(c.channels) {
		return Channel{}, errors.NewIndexError("total", index, len(c.channels))
	}
	return c.channels[index], nil
}

// TotalIndex converts a direction-relative index to a total index.
func (c *Catalog) TotalIndex(d Direction, index int) (int, error) {
	ch, err := c.Resolve(d, index)
	if err != nil {
		return -1, err
	}
	return ch.TotalIndex, nil
}

// Lookup finds a channel by name.
func (c *Catalog) Lookup(name string) (Channel, bool) {
	i, ok := c.byName[name]
	if !ok {
		return Channel{}, false
	}
	return c.channels[i], true
}

// Len returns the total number of channels.
func (c *Catalog) Len() int {
	return len(c.channels)
}

// Type returns the data type at a total index. The caller guarantees the
// index is in range.
func (c *Catalog) Type(total int) DataType {
	return c.channels[total].Type
}

// ValueSize returns the encoded size of one value per channel.
func (c *Catalog) ValueSize() int {
	return c.valueSize
}

// Channels returns a copy of all channels in total index order.
func (c *Catalog) Channels() []Channel {
	out := make([]Channel, len(c.channels))
	copy(out, c.channels)
	return out
}

// Equal reports whether two catalogs describe the same variables in the
// same order with the same encoding.
func (c *Catalog) Equal(other *Catalog) bool {
	if c == nil || other == nil {
		return c == other
	}
	if len(c.channels) != len(other.channels) {
		return false
	}
	for i := range c.channels {
		a, b := c.channels[i], other.channels[i]
		if a.Name != b.Name || a.Type != b.Type || a.Direction != b.Direction {
			return false
		}
	}
	return true
}
