package state

import (
	"sync"
	"time"

	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"

	"github.com/onchainlab/utxo-lifecycle/internal/qa"
)

// Stage is one step of the run lifecycle. A run walks the stages in
// order and ends in either PUBLISH or ABORT.
type Stage string

const (
	StageInit           Stage = "INIT"
	StageLinkCreated    Stage = "LINK_CREATED"
	StageLinkSpent      Stage = "LINK_SPENT"
	StageBuildSnapshots Stage = "BUILD_SNAPSHOTS"
	StageValidate       Stage = "VALIDATE"
	StagePublish        Stage = "PUBLISH"
	StageAbort          Stage = "ABORT"
)

// Every stage may abort; forward progress is strictly sequential.
var transitions = map[Stage][]Stage{
	StageInit:           {StageLinkCreated, StageAbort},
	StageLinkCreated:    {StageLinkSpent, StageAbort},
	StageLinkSpent:      {StageBuildSnapshots, StageAbort},
	StageBuildSnapshots: {StageValidate, StageAbort},
	StageValidate:       {StagePublish, StageAbort},
	StagePublish:        {},
	StageAbort:          {},
}

type StageChange struct {
	Stage Stage     `json:"stage"`
	At    time.Time `json:"at"`
}

type RunStatus struct {
	RunID     string        `json:"run_id"`
	Stage     Stage         `json:"stage"`
	StartedAt time.Time     `json:"started_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	History   []StageChange `json:"history"`
	LastError string        `json:"last_error,omitempty"`
}

// RunState tracks the lifecycle of the current run and fans stage
// changes out over the event bus.
type RunState struct {
	EventBus *EventBus

	mu        sync.RWMutex
	runID     string
	stage     Stage
	startedAt time.Time
	updatedAt time.Time
	history   []StageChange
	report    *qa.Report
	lastError string
}

func NewRunState(runID string) *RunState {
	now := time.Now().UTC()
	s := &RunState{
		EventBus:  NewEventBus(),
		runID:     runID,
		stage:     StageInit,
		startedAt: now,
		updatedAt: now,
	}
	s.history = append(s.history, StageChange{Stage: StageInit, At: now})
	return s
}

// Transition advances the run to the next stage. Skipping a stage or
// moving out of a terminal stage is an error.
func (s *RunState) Transition(next Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	allowed := false
	for _, candidate := range transitions[s.stage] {
		if candidate == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.Errorf("illegal stage transition %s -> %s", s.stage, next)
	}

	now := time.Now().UTC()
	s.stage = next
	s.updatedAt = now
	s.history = append(s.history, StageChange{Stage: next, At: now})
	log.Infof("Run %s entered stage %s", s.runID, next)

	s.EventBus.Publish(StageChanged, StageChange{Stage: next, At: now})
	switch next {
	case StagePublish:
		s.EventBus.Publish(RunPublished, s.runID)
	case StageAbort:
		s.EventBus.Publish(RunAborted, s.runID)
	}
	return nil
}

// Abort forces the run into the ABORT stage from wherever it is and
// records the cause. Aborting a finished run is a no-op.
func (s *RunState) Abort(cause error) {
	s.mu.Lock()
	if s.stage == StagePublish || s.stage == StageAbort {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	s.stage = StageAbort
	s.updatedAt = now
	s.history = append(s.history, StageChange{Stage: StageAbort, At: now})
	if cause != nil {
		s.lastError = cause.Error()
	}
	s.mu.Unlock()

	log.Errorf("Run %s aborted: %v", s.runID, cause)
	s.EventBus.Publish(RunAborted, s.runID)
}

func (s *RunState) SetReport(report *qa.Report) {
	s.mu.Lock()
	s.report = report
	s.mu.Unlock()
	s.EventBus.Publish(QACompleted, report)
}

func (s *RunState) Report() *qa.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.report
}

func (s *RunState) Stage() Stage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stage
}

// Status returns a copy safe to serialize while the run progresses.
func (s *RunState) Status() RunStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := make([]StageChange, len(s.history))
	copy(history, s.history)
	return RunStatus{
		RunID:     s.runID,
		Stage:     s.stage,
		StartedAt: s.startedAt,
		UpdatedAt: s.updatedAt,
		History:   history,
		LastError: s.lastError,
	}
}
