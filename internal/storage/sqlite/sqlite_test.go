package sqlite

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(context.Background(), filepath.Join(t.TempDir(), "quorum.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReadMissingDocument(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.Read(context.Background(), "task-1", "state.json")
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestWriteUpserts(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.Write(ctx, "task-1", "state.json", []byte(`{"v":1}`)))
	require.NoError(t, s.Write(ctx, "task-1", "state.json", []byte(`{"v":2}`)))

	data, err := s.Read(ctx, "task-1", "state.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(data))
}

func TestLinesPreserveOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	_, err := s.Lines(ctx, "task-1", "planning.transcript.jsonl")
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	for _, l := range []string{`{"i":1}`, `{"i":2}`, `{"i":3}`} {
		require.NoError(t, s.Append(ctx, "task-1", "planning.transcript.jsonl", []byte(l)))
	}
	require.NoError(t, s.Append(ctx, "task-2", "planning.transcript.jsonl", []byte(`{"i":9}`)))

	lines, err := s.Lines(ctx, "task-1", "planning.transcript.jsonl")
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, `{"i":1}`, string(lines[0]))
	assert.Equal(t, `{"i":3}`, string(lines[2]))
}

func TestListAndTasks(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.Write(ctx, "task-b", "state.json", []byte(`{}`)))
	require.NoError(t, s.Write(ctx, "task-a", "planning.meeting.json", []byte(`{}`)))
	require.NoError(t, s.Append(ctx, "task-a", "planning.transcript.jsonl", []byte(`{}`)))

	names, err := s.List(ctx, "task-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"planning.meeting.json", "planning.transcript.jsonl"}, names)

	tasks, err := s.Tasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"task-a", "task-b"}, tasks)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "quorum.db")

	s, err := New(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, "task-1", "state.json", []byte(`{"phase":"codegen"}`)))
	require.NoError(t, s.Close())

	s, err = New(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	data, err := s.Read(ctx, "task-1", "state.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"phase":"codegen"}`, string(data))
}
