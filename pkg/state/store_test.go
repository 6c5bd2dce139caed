package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testRun(id string) Run {
	return Run{
		ID:        id,
		ProfileID: "6c2a0681-8f8f-4f84-b397-9f0afdbdbffb",
		Profile:   "default",
		Kernel:    "/var/cache/obliteration/kernels/0.5.0/obkrnl",
		DebugAddr: "127.0.0.1:1234",
	}
}

func TestRegisterAndGet(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Register(testRun("run-1")))

	run, err := s.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, "default", run.Profile)
	assert.Equal(t, StatusRunning, run.Status)
	assert.False(t, run.StartedAt.IsZero())
	assert.True(t, run.ExitedAt.IsZero())
}

func TestRegisterDuplicate(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Register(testRun("run-1")))
	err := s.Register(testRun("run-1"))
	require.ErrorIs(t, err, ErrRegister)
}

func TestGetUnknown(t *testing.T) {
	s := openStore(t)

	_, err := s.Get("run-missing")
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestMarkExited(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Register(testRun("run-1")))
	require.NoError(t, s.MarkExited("run-1", false, "vcpu fault"))

	run, err := s.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusExited, run.Status)
	assert.False(t, run.Success)
	assert.Equal(t, "vcpu fault", run.Reason)
	assert.False(t, run.ExitedAt.IsZero())
}

func TestMarkExitedUnknown(t *testing.T) {
	s := openStore(t)

	err := s.MarkExited("run-missing", true, "")
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestListOrder(t *testing.T) {
	s := openStore(t)

	old := testRun("run-old")
	old.StartedAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.Register(old))

	recent := testRun("run-recent")
	recent.StartedAt = time.Now()
	require.NoError(t, s.Register(recent))

	runs, err := s.List()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-recent", runs[0].ID)
	assert.Equal(t, "run-old", runs[1].ID)
}

func TestPruneKeepsRunning(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Register(testRun("run-live")))
	require.NoError(t, s.Register(testRun("run-done")))
	require.NoError(t, s.MarkExited("run-done", true, ""))

	n, err := s.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	runs, err := s.List()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-live", runs[0].ID)
}

func TestOpenCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "runs.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
