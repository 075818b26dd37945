// Package dtypes defines the element types of device allocations, and their mapping to Go types.
package dtypes

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/x448/float16"
)

// DType is the element type of device memory.
type DType int

const (
	// Invalid (the zero value) represents an invalid (or not set) dtype.
	Invalid DType = iota

	// Bool is stored as one byte.
	Bool

	Int8
	Int16
	Int32
	Int64

	Uint8
	Uint16
	Uint32
	Uint64

	// Float16 is the IEEE 754 half-precision float, represented in Go by float16.Float16.
	Float16
	Float32
	Float64

	// Complex64 is made of two float32.
	Complex64
	Complex128
)

// Aliases.
const (
	F16  = Float16
	F32  = Float32
	F64  = Float64
	C64  = Complex64
	C128 = Complex128
)

type dtypeInfo struct {
	name   string
	abbrev string
	goType reflect.Type
}

var dtypeInfos = map[DType]dtypeInfo{
	Bool:       {"Bool", "pred", reflect.TypeOf(false)},
	Int8:       {"Int8", "s8", reflect.TypeOf(int8(0))},
	Int16:      {"Int16", "s16", reflect.TypeOf(int16(0))},
	Int32:      {"Int32", "s32", reflect.TypeOf(int32(0))},
	Int64:      {"Int64", "s64", reflect.TypeOf(int64(0))},
	Uint8:      {"Uint8", "u8", reflect.TypeOf(uint8(0))},
	Uint16:     {"Uint16", "u16", reflect.TypeOf(uint16(0))},
	Uint32:     {"Uint32", "u32", reflect.TypeOf(uint32(0))},
	Uint64:     {"Uint64", "u64", reflect.TypeOf(uint64(0))},
	Float16:    {"Float16", "f16", reflect.TypeOf(float16.Float16(0))},
	Float32:    {"Float32", "f32", reflect.TypeOf(float32(0))},
	Float64:    {"Float64", "f64", reflect.TypeOf(float64(0))},
	Complex64:  {"Complex64", "c64", reflect.TypeOf(complex64(0))},
	Complex128: {"Complex128", "c128", reflect.TypeOf(complex128(0))},
}

// MapOfNames maps the names of the dtypes to the DType: the name as returned by String, its lower-case version, and
// its abbreviations, in upper and lower case (e.g.: "Float16", "float16", "F16" and "f16").
var MapOfNames = make(map[string]DType)

// goTypeToDType is the reverse of GoType.
var goTypeToDType = make(map[reflect.Type]DType)

func init() {
	for dtype, info := range dtypeInfos {
		MapOfNames[info.name] = dtype
		MapOfNames[strings.ToLower(info.name)] = dtype
		MapOfNames[info.abbrev] = dtype
		MapOfNames[strings.ToUpper(info.abbrev)] = dtype
		goTypeToDType[info.goType] = dtype
	}
	MapOfNames["Invalid"] = Invalid
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if info, found := dtypeInfos[dtype]; found {
		return info.name
	}
	if dtype == Invalid {
		return "Invalid"
	}
	return fmt.Sprintf("DType(%d)", int(dtype))
}

// IsValid returns whether dtype is one of the defined dtypes (and not Invalid).
func (dtype DType) IsValid() bool {
	_, found := dtypeInfos[dtype]
	return found
}

// GoType returns the Go type used to represent the dtype, or nil for Invalid.
func (dtype DType) GoType() reflect.Type {
	return dtypeInfos[dtype].goType
}

// Size returns the number of bytes of one element of the dtype, or 0 for Invalid.
func (dtype DType) Size() int {
	goType := dtype.GoType()
	if goType == nil {
		return 0
	}
	return int(goType.Size())
}

// IsFloat returns whether dtype is a floating point type (not including complex numbers).
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == Float32 || dtype == Float64
}

// FromGoType returns the DType for the given Go type, or Invalid if there isn't one.
func FromGoType(t reflect.Type) DType {
	if dtype, found := goTypeToDType[t]; found {
		return dtype
	}
	return Invalid
}

// FromGenericsType returns the DType for the given generic Go type.
func FromGenericsType[T Supported]() DType {
	var zero T
	return FromGoType(reflect.TypeOf(zero))
}

// Supported lists the Go types that can be stored in device memory.
type Supported interface {
	bool | float16.Float16 | float32 | float64 | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 |
		complex64 | complex128
}

// Float is the constraint of the supported floating point types with native Go arithmetic.
type Float interface {
	float32 | float64
}
