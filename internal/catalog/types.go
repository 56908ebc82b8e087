package catalog

import "fmt"

// Direction is the data direction of a channel.
type Direction int

const (
	DirInput  Direction = 0
	DirOutput Direction = 1
	DirInOut  Direction = 2
	DirEmpty  Direction = 3
	DirStat   Direction = 4
)

// String returns the direction name used in channel info strings.
func (d Direction) String() string {
	switch d {
	case DirInput:
		return "Input"
	case DirOutput:
		return "Output"
	case DirInOut:
		return "InOut"
	case DirEmpty:
		return "Empty"
	case DirStat:
		return "Statistic"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Readable reports whether values of this direction appear as inputs.
func (d Direction) Readable() bool {
	return d == DirInput || d == DirInOut
}

// Writable reports whether values of this direction may be written.
func (d Direction) Writable() bool {
	return d == DirOutput || d == DirInOut
}

// DataType is the numeric type code of a channel value.
type DataType int

const (
	TypeNone    DataType = 0
	TypeBool    DataType = 1
	TypeInt8    DataType = 2
	TypeUint8   DataType = 3
	TypeInt16   DataType = 4
	TypeUint16  DataType = 5
	TypeInt32   DataType = 6
	TypeUint32  DataType = 7
	TypeFloat32 DataType = 8
	TypeSet8    DataType = 9
	TypeSet16   DataType = 10
	TypeSet32   DataType = 11
	TypeFloat64 DataType = 12
	TypeInt64   DataType = 13
	TypeUint64  DataType = 14
	TypeSet64   DataType = 15
)

var typeNames = map[DataType]string{
	TypeNone:    "NO",
	TypeBool:    "BOOL",
	TypeInt8:    "SINT8",
	TypeUint8:   "USINT8",
	TypeInt16:   "SINT16",
	TypeUint16:  "USINT16",
	TypeInt32:   "SINT32",
	TypeUint32:  "USINT32",
	TypeFloat32: "FLOAT",
	TypeSet8:    "SET8",
	TypeSet16:   "SET16",
	TypeSet32:   "SET32",
	TypeFloat64: "DOUBLE",
	TypeInt64:   "SINT64",
	TypeUint64:  "USINT64",
	TypeSet64:   "SET64",
}

// String returns the controller type name.
func (t DataType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("DataType(%d)", int(t))
}

// Known reports whether t is a defined type code.
func (t DataType) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// Size returns the encoded width in bytes. TypeNone occupies no bytes.
func (t DataType) Size() int {
	switch t {
	case TypeBool, TypeInt8, TypeUint8, TypeSet8:
		return 1
	case TypeInt16, TypeUint16, TypeSet16:
		return 2
	case TypeInt32, TypeUint32, TypeFloat32, TypeSet32:
		return 4
	case TypeFloat64, TypeInt64, TypeUint64, TypeSet64:
		return 8
	default:
		return 0
	}
}

// Signed reports whether the integer representation is two's complement.
func (t DataType) Signed() bool {
	switch t {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return true
	default:
		return false
	}
}

// Float reports whether t is an IEEE 754 type.
func (t DataType) Float() bool {
	return t == TypeFloat32 || t == TypeFloat64
}

// ParseDataType maps a type name back to its code.
func ParseDataType(name string) (DataType, bool) {
	for t, n := range typeNames {
		if n == name {
			return t, true
		}
	}
	return TypeNone, false
}

// VarKind is the variable kind of a channel.
type VarKind int

const (
	KindEmpty              VarKind = 0
	KindAnalogOutput       VarKind = 1
	KindAnalogInput        VarKind = 2
	KindDigitalOutput      VarKind = 3
	KindDigitalInput       VarKind = 4
	KindArithmetic         VarKind = 5
	KindSetpoint           VarKind = 6
	KindAlarm              VarKind = 7
	KindPIDController      VarKind = 8
	KindSignalConditioning VarKind = 9
	KindRemote             VarKind = 10
	KindReference          VarKind = 11
)

var kindNames = [...]string{
	"EMPTY", "AOU", "AIN", "DOU", "DIN", "ARI", "SET", "ALA", "PID", "SIG", "REM", "REF",
}

// String returns the short variable type tag.
func (k VarKind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("VarKind(%d)", int(k))
}

// Known reports whether k is a defined kind.
func (k VarKind) Known() bool {
	return k >= 0 && int(k) < len(kindNames)
}
