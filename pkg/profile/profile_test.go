package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	p := New("Test Profile")

	assert.NotEmpty(t, p.ID())
	assert.Equal(t, "Test Profile", p.Name())
	assert.Equal(t, Hd, p.DisplayResolution())
	assert.Empty(t, p.DebugAddr())
}

func TestNewGeneratesUniqueIdentity(t *testing.T) {
	a := New("a")
	b := New("b")

	assert.NotEqual(t, a.ID(), b.ID())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.obp")

	p := New("X")
	p.SetDisplayResolution(UltraHd)
	p.SetDisplayDevice("gpu-0")
	require.NoError(t, p.SetDebugAddr("127.0.0.1:1234"))
	require.NoError(t, p.SetKernelArgs(`loglevel=debug root="/dev/vda"`))
	require.NoError(t, p.Save(path))

	got, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, p.ID(), got.ID(), "identity must survive the round trip")
	assert.Equal(t, "X", got.Name())
	assert.Equal(t, UltraHd, got.DisplayResolution())
	assert.Equal(t, "gpu-0", got.DisplayDevice())
	assert.Equal(t, "127.0.0.1:1234", got.DebugAddr())
	assert.Equal(t, []string{"loglevel=debug", "root=/dev/vda"}, got.KernelArgs())
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p.obp")
	require.NoError(t, New("t").Save(path))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "p.obp", entries[0].Name())
}

func TestSaveReplacesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.obp")

	p := New("first")
	require.NoError(t, p.Save(path))

	p.SetName("second")
	p.SetDisplayResolution(FullHd)
	require.NoError(t, p.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Name())
	assert.Equal(t, FullHd, got.DisplayResolution())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.obp"))
	assert.ErrorIs(t, err, ErrReadFile)
}

func TestLoadMalformedData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.obp")
	require.NoError(t, os.WriteFile(path, []byte("not cbor at all"), 0644))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestLoadRejectsUnknownResolution(t *testing.T) {
	data, err := cbor.Marshal(map[string]any{
		"id":                 "5d7f8b0a-3f63-4a62-9a72-54c2d9486273",
		"name":               "bad",
		"display_resolution": 9,
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "bad.obp")
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = Load(path)
	assert.ErrorIs(t, err, ErrInvalidResolution)
}

func TestLoadRejectsBadID(t *testing.T) {
	data, err := cbor.Marshal(map[string]any{
		"id":                 "not-a-uuid",
		"name":               "bad",
		"display_resolution": 0,
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "bad.obp")
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = Load(path)
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestSetDebugAddrValidation(t *testing.T) {
	p := New("t")

	assert.Error(t, p.SetDebugAddr("no-port"))
	assert.NoError(t, p.SetDebugAddr("localhost:0"))
	assert.NoError(t, p.SetDebugAddr(""))
	assert.Empty(t, p.DebugAddr())
}

func TestResolutionDimensions(t *testing.T) {
	tests := []struct {
		res    DisplayResolution
		width  int
		height int
		str    string
	}{
		{Hd, 1280, 720, "1280x720"},
		{FullHd, 1920, 1080, "1920x1080"},
		{UltraHd, 3840, 2160, "3840x2160"},
	}

	for _, tt := range tests {
		t.Run(tt.str, func(t *testing.T) {
			assert.Equal(t, tt.width, tt.res.Width())
			assert.Equal(t, tt.height, tt.res.Height())
			assert.Equal(t, tt.str, tt.res.String())
		})
	}
}

func TestParseResolution(t *testing.T) {
	for _, s := range []string{"720p", "1280x720", "hd"} {
		r, err := ParseResolution(s)
		require.NoError(t, err)
		assert.Equal(t, Hd, r)
	}

	r, err := ParseResolution("2160p")
	require.NoError(t, err)
	assert.Equal(t, UltraHd, r)

	_, err = ParseResolution("480p")
	assert.ErrorIs(t, err, ErrInvalidResolution)
}
