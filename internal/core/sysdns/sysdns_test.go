package sysdns

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	apperrors "shadowtun/pkg/errors"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	exit  map[string]int
	err   error
}

func (f *fakeRunner) Run(_ context.Context, argv []string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, argv)
	if f.err != nil {
		return Result{}, f.err
	}
	return Result{ExitCode: f.exit[argv[len(argv)-1]], Stderr: "boom"}, nil
}

func (f *fakeRunner) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

var testCommands = Commands{
	Set:   [][]string{{"networksetup", "-setdnsservers", "Wi-Fi", "127.0.0.1"}},
	Clear: []string{"networksetup", "-setdnsservers", "Wi-Fi", "empty"},
}

var linkCommands = Commands{
	Set: [][]string{
		{"resolvectl", "dns", "shadowtun0", "10.0.0.1"},
		{"resolvectl", "domain", "shadowtun0", "~."},
		{"resolvectl", "default-route", "shadowtun0", "true"},
	},
	Clear: []string{"resolvectl", "revert", "shadowtun0"},
	Link:  "shadowtun0",
}

func stubLinkExists(t *testing.T, exists bool, err error) {
	t.Helper()
	orig := linkExists
	linkExists = func(string) (bool, error) { return exists, err }
	t.Cleanup(func() { linkExists = orig })
}

func TestAcquireRelease(t *testing.T) {
	runner := &fakeRunner{}
	state := filepath.Join(t.TempDir(), "dns.state")

	o, err := Acquire(context.Background(), runner, testCommands, state, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.FileExists(t, state)

	require.NoError(t, o.Release(context.Background()))
	assert.NoFileExists(t, state)

	assert.Equal(t, [][]string{testCommands.Set[0], testCommands.Clear}, runner.Calls())
}

func TestReleaseIsIdempotent(t *testing.T) {
	runner := &fakeRunner{}
	state := filepath.Join(t.TempDir(), "dns.state")

	o, err := Acquire(context.Background(), runner, testCommands, state, zaptest.NewLogger(t))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, o.Release(context.Background()))
		}()
	}
	wg.Wait()

	// Exactly one acquire and one release command.
	assert.Len(t, runner.Calls(), 2)
}

func TestAcquireFailureIsCommandError(t *testing.T) {
	runner := &fakeRunner{exit: map[string]int{"127.0.0.1": 4}}
	state := filepath.Join(t.TempDir(), "dns.state")

	_, err := Acquire(context.Background(), runner, testCommands, state, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrDNSOverride)

	var cerr *apperrors.CommandError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 4, cerr.ExitCode)
	assert.Equal(t, "boom", cerr.Stderr)
	assert.Equal(t, testCommands.Set[0], cerr.Command)

	// Nothing was changed, so there is nothing to recover.
	assert.NoFileExists(t, state)
}

func TestAcquireRunsStepsInOrder(t *testing.T) {
	runner := &fakeRunner{}
	state := filepath.Join(t.TempDir(), "dns.state")

	o, err := Acquire(context.Background(), runner, linkCommands, state, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, o.Release(context.Background()))

	want := append(append([][]string(nil), linkCommands.Set...), linkCommands.Clear)
	assert.Equal(t, want, runner.Calls())
}

func TestAcquirePartialFailureRollsBack(t *testing.T) {
	runner := &fakeRunner{exit: map[string]int{"~.": 1}}
	state := filepath.Join(t.TempDir(), "dns.state")

	_, err := Acquire(context.Background(), runner, linkCommands, state, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, apperrors.ErrDNSOverride)

	assert.Equal(t, [][]string{linkCommands.Set[0], linkCommands.Set[1], linkCommands.Clear}, runner.Calls())
	assert.NoFileExists(t, state)
}

func TestReleaseFailureKeepsState(t *testing.T) {
	runner := &fakeRunner{exit: map[string]int{"empty": 1}}
	state := filepath.Join(t.TempDir(), "dns.state")

	o, err := Acquire(context.Background(), runner, testCommands, state, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = o.Release(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrDNSOverride)
	assert.FileExists(t, state)

	// A second release reports the same failure without rerunning.
	assert.Equal(t, err, o.Release(context.Background()))
	assert.Len(t, runner.Calls(), 2)
}

func TestRunnerErrorIsCommandError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("not found")}
	_, err := Acquire(context.Background(), runner, testCommands, filepath.Join(t.TempDir(), "dns.state"), zaptest.NewLogger(t))

	var cerr *apperrors.CommandError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, -1, cerr.ExitCode)
	assert.ErrorIs(t, err, apperrors.ErrDNSOverride)
}

func TestCleanupIfNeeded(t *testing.T) {
	logger := zaptest.NewLogger(t)
	state := filepath.Join(t.TempDir(), "dns.state")

	cleaned, err := CleanupIfNeeded(context.Background(), &fakeRunner{}, state, logger)
	require.NoError(t, err)
	assert.False(t, cleaned)

	// Simulate a run that acquired the override and never released it.
	_, err = Acquire(context.Background(), &fakeRunner{}, testCommands, state, logger)
	require.NoError(t, err)

	runner := &fakeRunner{}
	cleaned, err = CleanupIfNeeded(context.Background(), runner, state, logger)
	require.NoError(t, err)
	assert.True(t, cleaned)
	assert.Equal(t, [][]string{testCommands.Clear}, runner.Calls())
	assert.NoFileExists(t, state)
}

func TestCleanupDropsStateForVanishedLink(t *testing.T) {
	logger := zaptest.NewLogger(t)
	state := filepath.Join(t.TempDir(), "dns.state")

	// A crashed run: the override was acquired and the tunnel link died
	// with the process.
	_, err := Acquire(context.Background(), &fakeRunner{}, linkCommands, state, logger)
	require.NoError(t, err)
	stubLinkExists(t, false, nil)

	// resolvectl rejects a revert for a link that does not exist.
	runner := &fakeRunner{exit: map[string]int{"shadowtun0": 1}}
	cleaned, err := CleanupIfNeeded(context.Background(), runner, state, logger)
	require.NoError(t, err)
	assert.True(t, cleaned)
	assert.Empty(t, runner.Calls())
	assert.NoFileExists(t, state)

	// Later runs start clean.
	cleaned, err = CleanupIfNeeded(context.Background(), runner, state, logger)
	require.NoError(t, err)
	assert.False(t, cleaned)
}

func TestCleanupRevertsLiveLink(t *testing.T) {
	logger := zaptest.NewLogger(t)
	state := filepath.Join(t.TempDir(), "dns.state")

	_, err := Acquire(context.Background(), &fakeRunner{}, linkCommands, state, logger)
	require.NoError(t, err)

	for _, lookupErr := range []error{nil, errors.New("netlink unavailable")} {
		stubLinkExists(t, true, lookupErr)
		runner := &fakeRunner{exit: map[string]int{"shadowtun0": 1}}
		_, err = CleanupIfNeeded(context.Background(), runner, state, logger)
		assert.ErrorIs(t, err, apperrors.ErrDNSOverride)
		assert.Equal(t, [][]string{linkCommands.Clear}, runner.Calls())
		assert.FileExists(t, state)
	}

	cleaned, err := CleanupIfNeeded(context.Background(), &fakeRunner{}, state, logger)
	require.NoError(t, err)
	assert.True(t, cleaned)
	assert.NoFileExists(t, state)
}

func TestCleanupDiscardsCorruptState(t *testing.T) {
	state := filepath.Join(t.TempDir(), "dns.state")
	require.NoError(t, os.WriteFile(state, []byte("{not json"), 0644))

	runner := &fakeRunner{}
	cleaned, err := CleanupIfNeeded(context.Background(), runner, state, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, cleaned)
	assert.Empty(t, runner.Calls())
	assert.NoFileExists(t, state)
}

func TestExecRunnerExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}

	res, err := ExecRunner{}.Run(context.Background(), []string{"sh", "-c", "echo out; echo err >&2; exit 3"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)

	_, err = ExecRunner{}.Run(context.Background(), nil)
	assert.Error(t, err)
}
