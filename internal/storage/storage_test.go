package storage

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/quorum/internal/config"
	"github.com/steveyegge/quorum/internal/types"
)

// openBackends returns one Store per backend so behavior is checked on both
func openBackends(t *testing.T) map[string]*Store {
	t.Helper()
	ctx := context.Background()
	out := make(map[string]*Store)
	for _, backend := range []string{"file", "sqlite"} {
		s, err := Open(ctx, config.StorageConfig{Backend: backend, Path: t.TempDir()})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		out[backend] = s
	}
	return out
}

func TestLoadStateDefaults(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			state, err := s.LoadState(context.Background(), "task-1")
			require.NoError(t, err)
			assert.Equal(t, "task-1", state.TaskID)
			assert.Equal(t, types.StagePlanning, state.Phase)
			assert.Equal(t, types.ActorIdle, state.Actor(types.StageCodegen).Status)
		})
	}
}

func TestApplyPatchPersists(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			phase := types.StageCodegen
			status := types.ActorCompleted
			_, err := s.ApplyPatch(ctx, "task-1", types.StatePatch{
				Phase:     &phase,
				Actors:    map[types.Stage]types.ActorPatch{types.StagePlanning: {Status: &status}},
				Artifacts: map[string]json.RawMessage{"plan_review": json.RawMessage(`{"ok":true}`)},
			})
			require.NoError(t, err)

			state, err := s.LoadState(ctx, "task-1")
			require.NoError(t, err)
			assert.Equal(t, types.StageCodegen, state.Phase)
			assert.Equal(t, types.ActorCompleted, state.Actor(types.StagePlanning).Status)
			assert.JSONEq(t, `{"ok":true}`, string(state.Artifacts["plan_review"]))
		})
	}
}

func TestLoadStateRecoversFromCorruption(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"unknown phase", `{"task_id":"task-1","phase":"shipping","actors":{}}`},
		{"bad actor", `{"task_id":"task-1","phase":"codegen","actors":{"codegen":{"status":"busy","round":0}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s, err := Open(ctx, config.StorageConfig{Backend: "file", Path: t.TempDir()})
			require.NoError(t, err)
			require.NoError(t, s.Write(ctx, "task-1", DocState, []byte(tt.data)))

			state, err := s.LoadState(ctx, "task-1")
			require.NoError(t, err)
			assert.Equal(t, types.StagePlanning, state.Phase)
			assert.Equal(t, "task-1", state.TaskID)
		})
	}
}

func TestLoadStateNormalizesLegacyPhase(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.StorageConfig{Backend: "file", Path: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, "task-1", DocState, []byte(`{"task_id":"task-1","phase":"test_run","actors":{}}`)))

	state, err := s.LoadState(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, types.StageTest, state.Phase)
}

func TestInvalidTaskID(t *testing.T) {
	s := openBackends(t)["file"]
	for _, id := range []string{"", "../etc", "a/b", ".hidden"} {
		_, err := s.LoadState(context.Background(), id)
		assert.Error(t, err, id)
	}
}

func TestReadJSONNotFound(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			var v map[string]any
			err := s.ReadJSON(context.Background(), "task-1", DocMeeting, &v)
			assert.True(t, errors.Is(err, ErrNotFound))

			lines, err := s.Lines(context.Background(), "task-1", DocTranscript)
			assert.NoError(t, err)
			assert.Empty(t, lines)
		})
	}
}

func TestSnapshotPlanning(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.WriteJSON(ctx, "task-1", DocMeeting, map[string]int{"rounds": 2}))
			require.NoError(t, s.AppendJSONL(ctx, "task-1", DocTranscript, map[string]string{"text": "brief"}))
			require.NoError(t, s.WriteJSON(ctx, "task-1", DocState, map[string]string{"task_id": "task-1"}))

			require.NoError(t, s.SnapshotPlanning(ctx, "task-1", 1))

			var meeting map[string]int
			require.NoError(t, s.ReadJSON(ctx, "task-1", "planning.round1.meeting.json", &meeting))
			assert.Equal(t, 2, meeting["rounds"])

			lines, err := s.Lines(ctx, "task-1", "planning.round1.transcript.jsonl")
			require.NoError(t, err)
			assert.Len(t, lines, 1)

			_, err = s.Read(ctx, "task-1", "planning.round1.state.json")
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestTaskLock(t *testing.T) {
	root := t.TempDir()

	path, err := AcquireTaskLock(root, "task-1", "quorum")
	require.NoError(t, err)
	assert.FileExists(t, path)

	// Re-acquiring from the same process is allowed
	_, err = AcquireTaskLock(root, "task-1", "quorum")
	require.NoError(t, err)

	require.NoError(t, ReleaseTaskLock(path))
	assert.NoFileExists(t, path)
	assert.NoError(t, ReleaseTaskLock(path))
}

func TestTaskLockHeldByLiveProcess(t *testing.T) {
	root := t.TempDir()
	hostname, err := os.Hostname()
	require.NoError(t, err)

	lock := TaskLock{TaskID: "task-1", Holder: "other", PID: os.Getppid(), Hostname: hostname}
	data, err := json.Marshal(lock)
	require.NoError(t, err)
	path := LockPath(root, "task-1")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = AcquireTaskLock(root, "task-1", "quorum")
	assert.ErrorIs(t, err, ErrTaskLocked)
	assert.Contains(t, err.Error(), "other")
}

func writeLockFile(t *testing.T, root string, data []byte) string {
	t.Helper()
	path := LockPath(root, "task-1")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestTaskLockReplacesStaleLock(t *testing.T) {
	root := t.TempDir()
	hostname, err := os.Hostname()
	require.NoError(t, err)

	data, err := json.Marshal(TaskLock{TaskID: "task-1", Holder: "crashed", PID: math.MaxInt32, Hostname: hostname})
	require.NoError(t, err)
	path := writeLockFile(t, root, data)

	got, err := AcquireTaskLock(root, "task-1", "quorum")
	require.NoError(t, err)
	assert.Equal(t, path, got)

	lock, err := readTaskLock(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), lock.PID)
	assert.Equal(t, "quorum", lock.Holder)
}

func TestTaskLockUnreadableFile(t *testing.T) {
	root := t.TempDir()
	path := writeLockFile(t, root, nil)

	// the holder may still be writing a fresh empty lock
	_, err := AcquireTaskLock(root, "task-1", "quorum")
	assert.ErrorIs(t, err, ErrTaskLocked)

	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(path, old, old))
	_, err = AcquireTaskLock(root, "task-1", "quorum")
	require.NoError(t, err)

	lock, err := readTaskLock(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), lock.PID)
}

func TestLockRoot(t *testing.T) {
	tests := []struct {
		cfg  config.StorageConfig
		want string
	}{
		{config.StorageConfig{Backend: "file", Path: ".quorum"}, ".quorum"},
		{config.StorageConfig{Backend: "sqlite", Path: ".quorum"}, ".quorum"},
		{config.StorageConfig{Backend: "sqlite", Path: "data/tasks.db"}, "data"},
		{config.StorageConfig{Backend: "sqlite", Path: "data/v1.2"}, "data/v1.2"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LockRoot(tt.cfg), tt.cfg.Path)
	}
}

func TestSqliteFile(t *testing.T) {
	assert.Equal(t, filepath.Join(".quorum", "quorum.db"), sqliteFile(".quorum"))
	assert.Equal(t, filepath.Join("data", "v1.2", "quorum.db"), sqliteFile(filepath.Join("data", "v1.2")))
	assert.Equal(t, "data/tasks.db", sqliteFile("data/tasks.db"))
	assert.Equal(t, ":memory:", sqliteFile(":memory:"))
}

func TestOpenSqliteInDotDirectory(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), ".quorum")

	// the file backend created the directory first
	fileStore, err := Open(ctx, config.StorageConfig{Backend: "file", Path: dir})
	require.NoError(t, err)
	require.NoError(t, fileStore.Close())

	s, err := Open(ctx, config.StorageConfig{Backend: "sqlite", Path: dir})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.SaveState(ctx, types.NewTaskState("t1")))

	_, err = os.Stat(filepath.Join(dir, "quorum.db"))
	assert.NoError(t, err)
}
