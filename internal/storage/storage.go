package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/steveyegge/quorum/internal/config"
	"github.com/steveyegge/quorum/internal/storage/file"
	"github.com/steveyegge/quorum/internal/storage/sqlite"
	"github.com/steveyegge/quorum/internal/types"
)

// ErrNotFound is returned when a document does not exist.
// Backends report missing documents with fs.ErrNotExist, which it aliases.
var ErrNotFound = fs.ErrNotExist

// Document names within a task
const (
	DocState           = "state.json"
	DocTranscript      = "planning.transcript.jsonl"
	DocMeeting         = "planning.meeting.json"
	DocMeetingMarkdown = "planning.meeting.md"
	DocPlanning        = "planning.context.json"
	DocClarifications  = "planning.clarifications.json"
)

// Backend is the raw document store behind Store. Documents are opaque bytes
// addressed by (taskID, name); line documents are append-only.
type Backend interface {
	Read(ctx context.Context, taskID, name string) ([]byte, error)
	Write(ctx context.Context, taskID, name string, data []byte) error
	Append(ctx context.Context, taskID, name string, line []byte) error
	Lines(ctx context.Context, taskID, name string) ([][]byte, error)
	List(ctx context.Context, taskID string) ([]string, error)
	Tasks(ctx context.Context) ([]string, error)
	Close() error
}

// Store layers task state handling and JSON helpers over a Backend.
// Writes to one task must be serialized by the caller (see TaskLock).
type Store struct {
	backend Backend
}

// New wraps a backend
func New(b Backend) *Store {
	return &Store{backend: b}
}

// Open creates the backend selected by cfg
func Open(ctx context.Context, cfg config.StorageConfig) (*Store, error) {
	switch cfg.Backend {
	case "", "file":
		b, err := file.New(cfg.Path)
		if err != nil {
			return nil, err
		}
		return New(b), nil
	case "sqlite":
		b, err := sqlite.New(ctx, sqliteFile(cfg.Path))
		if err != nil {
			return nil, err
		}
		return New(b), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// sqliteFile resolves a storage path to a database file. Paths ending in
// ".db" name the file; any other path is a directory holding quorum.db.
func sqliteFile(path string) string {
	if path == ":memory:" || strings.HasSuffix(path, ".db") {
		return path
	}
	return filepath.Join(path, "quorum.db")
}

// LockRoot returns the directory holding task lock files for cfg
func LockRoot(cfg config.StorageConfig) string {
	if cfg.Backend == "sqlite" && strings.HasSuffix(cfg.Path, ".db") {
		return filepath.Dir(cfg.Path)
	}
	return cfg.Path
}

// Close releases the backend
func (s *Store) Close() error {
	return s.backend.Close()
}

func validateTaskID(taskID string) error {
	if taskID == "" {
		return fmt.Errorf("task id is required")
	}
	if strings.ContainsAny(taskID, `/\`) || taskID == "." || taskID == ".." || strings.HasPrefix(taskID, ".") {
		return fmt.Errorf("invalid task id: %q", taskID)
	}
	return nil
}

// LoadState returns the task's state. A missing state yields the default state;
// an unreadable or invalid one is logged and replaced by the default state.
func (s *Store) LoadState(ctx context.Context, taskID string) (*types.TaskState, error) {
	if err := validateTaskID(taskID); err != nil {
		return nil, err
	}
	data, err := s.backend.Read(ctx, taskID, DocState)
	if errors.Is(err, ErrNotFound) {
		return types.NewTaskState(taskID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state for %s: %w", taskID, err)
	}

	var state types.TaskState
	if err := json.Unmarshal(data, &state); err != nil {
		slog.Warn("task state unreadable, reinitializing", "task", taskID, "error", err)
		return types.NewTaskState(taskID), nil
	}
	if state.TaskID == "" {
		state.TaskID = taskID
	}
	if err := state.Validate(); err != nil {
		slog.Warn("task state invalid, reinitializing", "task", taskID, "error", err)
		return types.NewTaskState(taskID), nil
	}
	if stage, ok := types.NormalizeStage(string(state.Phase)); ok {
		state.Phase = stage
	}
	if state.Actors == nil {
		state.Actors = make(map[types.Stage]types.ActorStatus)
	}
	if state.Artifacts == nil {
		state.Artifacts = make(map[string]json.RawMessage)
	}
	return &state, nil
}

// SaveState persists the state
func (s *Store) SaveState(ctx context.Context, state *types.TaskState) error {
	if err := validateTaskID(state.TaskID); err != nil {
		return err
	}
	if err := state.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid state: %w", err)
	}
	return s.WriteJSON(ctx, state.TaskID, DocState, state)
}

// ApplyPatch loads the state, applies p and saves it. Last writer wins.
func (s *Store) ApplyPatch(ctx context.Context, taskID string, p types.StatePatch) (*types.TaskState, error) {
	state, err := s.LoadState(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := state.ApplyPatch(p); err != nil {
		return nil, fmt.Errorf("failed to apply patch to %s: %w", taskID, err)
	}
	if err := s.SaveState(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// Read returns a raw document
func (s *Store) Read(ctx context.Context, taskID, name string) ([]byte, error) {
	if err := validateTaskID(taskID); err != nil {
		return nil, err
	}
	return s.backend.Read(ctx, taskID, name)
}

// Write stores a raw document
func (s *Store) Write(ctx context.Context, taskID, name string, data []byte) error {
	if err := validateTaskID(taskID); err != nil {
		return err
	}
	return s.backend.Write(ctx, taskID, name, data)
}

// ReadJSON decodes a JSON document into dest
func (s *Store) ReadJSON(ctx context.Context, taskID, name string, dest any) error {
	data, err := s.Read(ctx, taskID, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to decode %s for %s: %w", name, taskID, err)
	}
	return nil
}

// WriteJSON encodes v as indented JSON and stores it
func (s *Store) WriteJSON(ctx context.Context, taskID, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return s.Write(ctx, taskID, name, data)
}

// AppendJSONL appends v as one JSON line
func (s *Store) AppendJSONL(ctx context.Context, taskID, name string, v any) error {
	if err := validateTaskID(taskID); err != nil {
		return err
	}
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s record: %w", name, err)
	}
	return s.backend.Append(ctx, taskID, name, line)
}

// Lines returns the lines of an append-only document in write order.
// A missing document has no lines.
func (s *Store) Lines(ctx context.Context, taskID, name string) ([][]byte, error) {
	if err := validateTaskID(taskID); err != nil {
		return nil, err
	}
	lines, err := s.backend.Lines(ctx, taskID, name)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return lines, err
}

// Tasks lists the known task ids
func (s *Store) Tasks(ctx context.Context) ([]string, error) {
	return s.backend.Tasks(ctx)
}

// SnapshotPlanning copies every current planning document to
// planning.round<N>.<rest> so a redone planning stage keeps its prior output.
func (s *Store) SnapshotPlanning(ctx context.Context, taskID string, round int) error {
	if err := validateTaskID(taskID); err != nil {
		return err
	}
	names, err := s.backend.List(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to list documents for %s: %w", taskID, err)
	}

	prefix := fmt.Sprintf("planning.round%d.", round)
	copied := 0
	for _, name := range names {
		if !strings.HasPrefix(name, "planning.") || strings.HasPrefix(name, "planning.round") {
			continue
		}
		target := prefix + strings.TrimPrefix(name, "planning.")
		if name == DocTranscript {
			lines, err := s.backend.Lines(ctx, taskID, name)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", name, err)
			}
			for _, line := range lines {
				if err := s.backend.Append(ctx, taskID, target, line); err != nil {
					return fmt.Errorf("failed to snapshot %s: %w", name, err)
				}
			}
		} else {
			data, err := s.backend.Read(ctx, taskID, name)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", name, err)
			}
			if err := s.backend.Write(ctx, taskID, target, data); err != nil {
				return fmt.Errorf("failed to snapshot %s: %w", name, err)
			}
		}
		copied++
	}

	slog.Info("planning snapshot taken", "task", taskID, "round", round, "documents", copied)
	return nil
}
