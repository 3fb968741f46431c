package journal

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/steward/pkg/tasks"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T, opts ...Option) *Journal {
	t.Helper()
	j, err := Open("", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func task(id string, priority int) tasks.Task {
	return tasks.Task{ID: id, Kind: tasks.KindCommand, Priority: priority, CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestBeginRejectsDuplicates(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()

	fresh, err := j.Begin(ctx, task("t1", 5))
	require.NoError(t, err)
	require.True(t, fresh)

	fresh, err = j.Begin(ctx, task("t1", 5))
	require.NoError(t, err)
	require.False(t, fresh)

	e, err := j.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "command", e.Kind)
	require.Equal(t, 5, e.Priority)
	require.False(t, e.Finished())
}

func TestFinishAndReport(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()
	_, err := j.Begin(ctx, task("ok", 0))
	require.NoError(t, err)
	_, err = j.Begin(ctx, task("bad", 0))
	require.NoError(t, err)

	code := 0
	require.NoError(t, j.Finish(ctx, "ok", tasks.Result{Success: true, ExitCode: &code, DurationMs: 12}))
	require.NoError(t, j.MarkReported(ctx, "ok", nil))

	require.NoError(t, j.Finish(ctx, "bad", tasks.Result{Error: "timeout: task exceeded 1s", ErrorKind: tasks.Timeout, DurationMs: 1000}))
	require.NoError(t, j.MarkReported(ctx, "bad", errors.New("platform unreachable")))

	ok, err := j.Get(ctx, "ok")
	require.NoError(t, err)
	require.True(t, ok.Finished())
	require.True(t, ok.Success)
	require.True(t, ok.Reported)
	require.NotNil(t, ok.ExitCode)
	require.Equal(t, int64(12), ok.DurationMs)

	bad, err := j.Get(ctx, "bad")
	require.NoError(t, err)
	require.False(t, bad.Success)
	require.Equal(t, "timeout", bad.ErrorKind)
	require.False(t, bad.Reported)
	require.Equal(t, "platform unreachable", bad.ReportError)
	require.Nil(t, bad.ExitCode)

	stats, err := j.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Total: 2, Succeeded: 1, Failed: 1, Unreported: 1}, stats)

	require.Error(t, j.Finish(ctx, "missing", tasks.Result{}))
	_, err = j.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRecentAndPrune(t *testing.T) {
	clock := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	j := openTest(t, WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := j.Begin(ctx, task(fmt.Sprintf("t%d", i), 0))
		require.NoError(t, err)
	}

	recent, err := j.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	require.Equal(t, "t9", recent[0].TaskID)
	require.Equal(t, "t7", recent[2].TaskID)

	deleted, err := j.Prune(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, int64(6), deleted)

	all, err := j.Recent(ctx, 100)
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, "t6", all[3].TaskID)

	fresh, err := j.Begin(ctx, task("t9", 0))
	require.NoError(t, err)
	require.False(t, fresh)
}

func TestFileJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	_, err = j.Begin(context.Background(), task("persisted", 1))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()
	fresh, err := j.Begin(context.Background(), task("persisted", 1))
	require.NoError(t, err)
	require.False(t, fresh)
}

func TestMemoryJournalsAreIsolated(t *testing.T) {
	a := openTest(t)
	b := openTest(t)
	_, err := a.Begin(context.Background(), task("shared", 0))
	require.NoError(t, err)
	fresh, err := b.Begin(context.Background(), task("shared", 0))
	require.NoError(t, err)
	require.True(t, fresh)
}
