package accel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gocu/driver"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func TestModules(t *testing.T) {
	dev, _ := newTestDevice(t)
	require.False(t, dev.HasModule(testModule))
	require.NoError(t, dev.LoadModule(testModule, simImage(), testIncrementFn))
	require.True(t, dev.HasModule(testModule))
	require.True(t, dev.HasFunction(testModule, testIncrementFn))
	require.False(t, dev.HasFunction(testModule, testUnlistedFn))

	// Reloading is a no-op: the image is not even parsed.
	require.NoError(t, dev.LoadModule(testModule, []byte("not an image")))

	inc := must.M1(dev.GetFunction(testModule, testIncrementFn))
	require.Same(t, inc, must.M1(dev.GetFunction(testModule, testIncrementFn)))
	require.Equal(t, testIncrementFn, inc.Name())
	require.Equal(t, testModule, inc.Module())

	// Functions not listed are resolved lazily.
	unlisted := must.M1(dev.GetFunction(testModule, testUnlistedFn))
	require.True(t, dev.HasFunction(testModule, testUnlistedFn))
	require.Same(t, unlisted, must.M1(dev.GetFunction(testModule, testUnlistedFn)))

	_, err := dev.GetFunction(testModule, "unknown")
	require.Equal(t, driver.ErrorNotFound, driver.CodeOf(err))
	_, err = dev.GetFunction("unknown", testIncrementFn)
	require.Error(t, err)

	// Invalid images and unknown listed functions fail, and leave nothing loaded.
	err = dev.LoadModule("invalid", []byte("not an image"))
	require.Equal(t, driver.ErrorInvalidImage, driver.CodeOf(err))
	require.False(t, dev.HasModule("invalid"))
	err = dev.LoadModule("partial", simImage(), testIncrementFn, "unknown")
	require.Equal(t, driver.ErrorNotFound, driver.CodeOf(err))
	require.False(t, dev.HasModule("partial"))

	x := must.M1(AllocFrom(dev, []int32{0, 10, 20, 30, 40}))
	require.NoError(t, inc.Launch(x, x.Len()).
		WithGrid(driver.Dim3{X: 2, Y: 1, Z: 1}).
		WithBlock(driver.Dim3{X: 3, Y: 1, Z: 1}).Done())
	head := x.Slice(To(2))
	require.NoError(t, inc.Launch(head, 2).WithBlock(driver.Dim3{X: 2, Y: 1, Z: 1}).Done())
	require.Equal(t, []int32{2, 12, 21, 31, 41}, must.M1(x.ToHost()))

	// Released views and closed slices can't be used as arguments.
	head.Release()
	err = inc.Launch(head, 2).Done()
	require.ErrorIs(t, err, ErrClosed)
	x.Close()
	require.ErrorIs(t, inc.Launch(x, x.Len()).Done(), ErrClosed)
}

func TestLoadModuleFromFile(t *testing.T) {
	dir1, dir2 := t.TempDir(), t.TempDir()
	modulePath := filepath.Join(dir2, testModule+ModuleExtension)
	require.NoError(t, os.WriteFile(modulePath, simImage(), 0o644))

	t.Setenv(ModulePathsEnv, dir1+"::"+dir2)
	require.Equal(t, []string{dir1, dir2}, ModuleSearchPaths())
	require.Equal(t, map[string]string{testModule: modulePath}, AvailableModules())

	dev, _ := newTestDevice(t)
	require.NoError(t, dev.LoadModuleFromFile(testModule, testIncrementFn))
	require.True(t, dev.HasFunction(testModule, testIncrementFn))
	require.Error(t, dev.LoadModuleFromFile("missing"))

	// Absolute paths are loaded directly.
	require.NoError(t, dev.LoadModuleFromFile(modulePath))
	require.True(t, dev.HasModule(modulePath))
}
