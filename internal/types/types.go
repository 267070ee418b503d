package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Stage names a step in the task pipeline
type Stage string

const (
	StagePlanning          Stage = "planning"
	StagePlanReview        Stage = "plan_review"
	StageCodegen           Stage = "codegen"
	StageCodeReview        Stage = "code_review"
	StageCodeReviewMeeting Stage = "code_review_meeting"
	StageTest              Stage = "test"
	StageAccept            Stage = "accept"
)

// Pipeline is the fixed linear stage order
var Pipeline = []Stage{
	StagePlanning,
	StagePlanReview,
	StageCodegen,
	StageCodeReview,
	StageCodeReviewMeeting,
	StageTest,
	StageAccept,
}

// stageAliases maps legacy stage names onto pipeline stages
var stageAliases = map[string]Stage{
	"test_run": StageTest,
}

// IsValid checks if the stage is one of the pipeline stages
func (s Stage) IsValid() bool {
	for _, p := range Pipeline {
		if s == p {
			return true
		}
	}
	return false
}

// Index returns the position of the stage in Pipeline, or -1
func (s Stage) Index() int {
	for i, p := range Pipeline {
		if s == p {
			return i
		}
	}
	return -1
}

// NormalizeStage maps legacy and "_done" suffixed names back to a pipeline stage.
// The second return value is false if the name does not resolve to a known stage.
func NormalizeStage(name string) (Stage, bool) {
	name = strings.TrimSpace(name)
	name = strings.TrimSuffix(name, "_done")
	if alias, ok := stageAliases[name]; ok {
		return alias, true
	}
	s := Stage(name)
	return s, s.IsValid()
}

// ActorState represents the status of the actor responsible for a stage
type ActorState string

const (
	ActorIdle      ActorState = "idle"
	ActorCompleted ActorState = "completed"
	ActorFailed    ActorState = "failed"
	ActorRedo      ActorState = "redo"
	ActorSkipped   ActorState = "skipped"
)

// IsValid checks if the actor state value is valid
func (a ActorState) IsValid() bool {
	switch a {
	case ActorIdle, ActorCompleted, ActorFailed, ActorRedo, ActorSkipped:
		return true
	}
	return false
}

// ActorStatus tracks one stage's actor. Round increments each time the stage is redone.
type ActorStatus struct {
	Status ActorState `json:"status"`
	Round  int        `json:"round"`
}

// TaskState is the persisted phase-machine state of one task
type TaskState struct {
	TaskID    string                     `json:"task_id"`
	Phase     Stage                      `json:"phase"`
	Actors    map[Stage]ActorStatus      `json:"actors"`
	Artifacts map[string]json.RawMessage `json:"artifacts"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// NewTaskState returns the default state: planning phase, every actor idle
func NewTaskState(taskID string) *TaskState {
	actors := make(map[Stage]ActorStatus, len(Pipeline))
	for _, s := range Pipeline {
		actors[s] = ActorStatus{Status: ActorIdle}
	}
	return &TaskState{
		TaskID:    taskID,
		Phase:     StagePlanning,
		Actors:    actors,
		Artifacts: make(map[string]json.RawMessage),
		UpdatedAt: time.Now(),
	}
}

// Validate checks the state invariants
func (s *TaskState) Validate() error {
	if s.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if _, ok := NormalizeStage(string(s.Phase)); !ok {
		return fmt.Errorf("invalid phase: %s", s.Phase)
	}
	for stage, actor := range s.Actors {
		if !actor.Status.IsValid() {
			return fmt.Errorf("invalid actor status for %s: %s", stage, actor.Status)
		}
		if actor.Round < 0 {
			return fmt.Errorf("actor round for %s cannot be negative", stage)
		}
	}
	return nil
}

// Clone returns a deep copy of the state
func (s *TaskState) Clone() *TaskState {
	out := &TaskState{
		TaskID:    s.TaskID,
		Phase:     s.Phase,
		Actors:    make(map[Stage]ActorStatus, len(s.Actors)),
		Artifacts: make(map[string]json.RawMessage, len(s.Artifacts)),
		UpdatedAt: s.UpdatedAt,
	}
	for k, v := range s.Actors {
		out.Actors[k] = v
	}
	for k, v := range s.Artifacts {
		out.Artifacts[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Actor returns the status for a stage, defaulting to idle
func (s *TaskState) Actor(stage Stage) ActorStatus {
	if a, ok := s.Actors[stage]; ok {
		return a
	}
	return ActorStatus{Status: ActorIdle}
}

// ActorPatch is a partial ActorStatus; nil fields are left untouched
type ActorPatch struct {
	Status *ActorState `json:"status,omitempty"`
	Round  *int        `json:"round,omitempty"`
}

// StatePatch is a partial TaskState update
type StatePatch struct {
	Phase     *Stage                     `json:"phase,omitempty"`
	Actors    map[Stage]ActorPatch       `json:"actors,omitempty"`
	Artifacts map[string]json.RawMessage `json:"artifacts,omitempty"`
}

// ApplyPatch overwrites the phase and deep-merges actors and artifacts.
// Object-valued artifacts are merged key by key; any other value replaces the old one.
func (s *TaskState) ApplyPatch(p StatePatch) error {
	if p.Phase != nil {
		stage, ok := NormalizeStage(string(*p.Phase))
		if !ok {
			return fmt.Errorf("invalid phase in patch: %s", *p.Phase)
		}
		s.Phase = stage
	}

	if s.Actors == nil {
		s.Actors = make(map[Stage]ActorStatus)
	}
	for stage, ap := range p.Actors {
		cur := s.Actor(stage)
		if ap.Status != nil {
			if !ap.Status.IsValid() {
				return fmt.Errorf("invalid actor status for %s: %s", stage, *ap.Status)
			}
			cur.Status = *ap.Status
		}
		if ap.Round != nil {
			cur.Round = *ap.Round
		}
		s.Actors[stage] = cur
	}

	if s.Artifacts == nil {
		s.Artifacts = make(map[string]json.RawMessage)
	}
	for key, val := range p.Artifacts {
		merged, err := MergeJSON(s.Artifacts[key], val)
		if err != nil {
			return fmt.Errorf("failed to merge artifact %s: %w", key, err)
		}
		s.Artifacts[key] = merged
	}

	s.UpdatedAt = time.Now()
	return nil
}

// MergeJSON deep-merges patch into base when both are JSON objects.
// Otherwise patch replaces base.
func MergeJSON(base, patch json.RawMessage) (json.RawMessage, error) {
	if len(base) == 0 {
		return append(json.RawMessage(nil), patch...), nil
	}
	var baseObj, patchObj map[string]any
	if json.Unmarshal(base, &baseObj) != nil || json.Unmarshal(patch, &patchObj) != nil ||
		baseObj == nil || patchObj == nil {
		return append(json.RawMessage(nil), patch...), nil
	}
	mergeMaps(baseObj, patchObj)
	return json.Marshal(baseObj)
}

func mergeMaps(dst, src map[string]any) {
	for k, v := range src {
		srcChild, srcIsMap := v.(map[string]any)
		dstChild, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			mergeMaps(dstChild, srcChild)
			continue
		}
		dst[k] = v
	}
}

// ArtifactAs decodes the named artifact into dest. Returns false if absent.
func (s *TaskState) ArtifactAs(key string, dest any) (bool, error) {
	raw, ok := s.Artifacts[key]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return true, fmt.Errorf("failed to decode artifact %s: %w", key, err)
	}
	return true, nil
}
