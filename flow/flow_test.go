package flow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreittr/btrsync/model"
	"github.com/andreittr/btrsync/proc"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

func sh(script string) proc.Cmd {
	return proc.Command("sh", "-c", script)
}

func TestRunPipelineToFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.stream")
	f := &Flow{
		Stages: proc.NewPipeline(sh("printf hello"), sh("cat")),
		Sink:   proc.File(out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644),
	}
	res, err := f.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, -1, res.FirstFailed())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	// sink pump tallies the stream
	assert.Equal(t, int64(5), res.Bytes)
}

func TestRunProgressCounting(t *testing.T) {
	var last int64
	f := &Flow{
		Stages:   proc.NewPipeline(sh("head -c 1000000 /dev/zero"), sh("cat >/dev/null")),
		Progress: func(total int64) { last = total },
	}
	res, err := f.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, int64(1000000), res.Bytes)
	assert.Equal(t, int64(1000000), last)
}

func TestRunRefusesOverwrite(t *testing.T) {
	out := filepath.Join(t.TempDir(), "exists.stream")
	require.NoError(t, os.WriteFile(out, []byte("old"), 0o644))

	f := &Flow{
		Stages: proc.NewPipeline(sh("printf new")),
		Sink:   proc.File(out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644),
	}
	_, err := f.Run(context.Background())
	var fsErr *model.FilesystemError
	require.ErrorAs(t, err, &fsErr)
	assert.Equal(t, model.FileExists, fsErr.Kind)

	data, _ := os.ReadFile(out)
	assert.Equal(t, "old", string(data))
}

func TestRunSpawnError(t *testing.T) {
	f := &Flow{
		Stages: proc.NewPipeline(sh("sleep 10"), proc.Command("/nonexistent/bin"), sh("cat")),
		Grace:  time.Second,
	}
	start := time.Now()
	_, err := f.Run(context.Background())
	var spawnErr *model.SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, 1, spawnErr.Stage)
	// the already-started first stage must have been terminated, not waited out
	assert.Less(t, time.Since(start), 5*time.Second)
}

// When an early stage fails and a later stage dies of the resulting broken
// pipe, the earliest failing stage is the primary cause and every stage's
// stderr is retained.
func TestRunFirstFailureReporting(t *testing.T) {
	f := &Flow{
		Stages: proc.NewPipeline(
			sh("echo oops >&2; exit 3"),
			sh("cat >/dev/null; echo downstream >&2; exit 7"),
		),
		Grace: 2 * time.Second,
	}
	res, err := f.Run(context.Background())
	require.NoError(t, err)
	require.False(t, res.OK())

	assert.Equal(t, 0, res.FirstFailed())
	assert.Equal(t, 3, res.Stages[0].ExitCode)
	assert.Equal(t, "oops\n", res.Stages[0].Stderr)
	assert.Equal(t, 7, res.Stages[1].ExitCode)
	assert.Equal(t, "downstream\n", res.Stages[1].Stderr)
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := &Flow{
		Stages: proc.NewPipeline(sh("sleep 30"), sh("cat >/dev/null")),
		Grace:  200 * time.Millisecond,
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	res, err := f.Run(ctx)
	require.ErrorIs(t, err, model.ErrCancelled)
	assert.True(t, res.Cancelled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestTailTruncation(t *testing.T) {
	tl := newTail(8)
	_, _ = tl.Write([]byte("0123456789"))
	assert.Equal(t, "23456789", tl.String())
	assert.True(t, tl.Truncated())

	tl2 := newTail(8)
	_, _ = tl2.Write([]byte("abc"))
	assert.Equal(t, "abc", tl2.String())
	assert.False(t, tl2.Truncated())
}
