package dtypes

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestMapOfNames(t *testing.T) {
	require.Equal(t, Float16, MapOfNames["Float16"])
	require.Equal(t, Float16, MapOfNames["float16"])
	require.Equal(t, Float16, MapOfNames["F16"])
	require.Equal(t, Float16, MapOfNames["f16"])

	require.Equal(t, Complex128, MapOfNames["Complex128"])
	require.Equal(t, Complex128, MapOfNames["c128"])
	require.Equal(t, Bool, MapOfNames["pred"])
	require.Equal(t, Invalid, MapOfNames["Invalid"])
}

func TestSizesAndGoTypes(t *testing.T) {
	require.Equal(t, 1, Bool.Size())
	require.Equal(t, 2, Float16.Size())
	require.Equal(t, 4, Float32.Size())
	require.Equal(t, 8, Uint64.Size())
	require.Equal(t, 16, Complex128.Size())
	require.Equal(t, 0, Invalid.Size())

	require.Equal(t, Float32, FromGenericsType[float32]())
	require.Equal(t, Float16, FromGenericsType[float16.Float16]())
	require.Equal(t, Invalid, FromGoType(reflect.TypeOf(7))) // int has no fixed size.
	require.Equal(t, Uint16, FromGoType(reflect.TypeOf(uint16(0))))
	require.Equal(t, reflect.TypeOf(complex64(0)), Complex64.GoType())

	require.True(t, Float64.IsFloat())
	require.False(t, Complex64.IsFloat())
	require.False(t, Invalid.IsValid())
	require.Equal(t, "DType(99)", DType(99).String())
}
