package refine

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"k8s.io/utils/clock"
)

// PrimaryScore is the ScoreSet key holding the primary metric. Lower is better.
const PrimaryScore = "primary"

// ScoreSet holds named numeric metrics. Secondary metrics are treated as higher-is-better.
type ScoreSet map[string]float64

// Primary returns the primary score and whether it is present.
func (s ScoreSet) Primary() (float64, bool) {
	v, ok := s[PrimaryScore]
	return v, ok
}

func (s ScoreSet) Clone() ScoreSet {
	if s == nil {
		return nil
	}

	c := make(ScoreSet, len(s))
	for k, v := range s {
		c[k] = v
	}

	return c
}

// TokenUsage is accumulated from stage response metadata.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

func (t *TokenUsage) Add(o TokenUsage) {
	t.PromptTokens += o.PromptTokens
	t.CompletionTokens += o.CompletionTokens
	t.TotalTokens += o.TotalTokens
}

// StageOutput records one stage invocation within an iteration.
type StageOutput struct {
	Stage string `json:"stage"`
	// Group is the parallel group the stage ran in, empty for sequential stages.
	Group        string   `json:"group"`
	OutputLength int      `json:"output_length"`
	Scores       ScoreSet `json:"scores"`
	Attempts     int      `json:"attempts"`
	DurationMs   int64    `json:"duration_ms"`
	Error        string   `json:"error"`
}

// StageFailure describes the fatal stage failure that ended an iteration.
type StageFailure struct {
	Stage    string `json:"stage"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
	// Occurrences counts fatal failures of this stage within the workflow so far.
	Occurrences int `json:"occurrences"`
}

// IterationRecord is one pass through the pipeline.
type IterationRecord struct {
	IterationNumber     int           `json:"iteration_number"`
	AggressionLevelUsed Level         `json:"aggression_level_used"`
	StageOutputs        []StageOutput `json:"stage_outputs"`
	ScoreSet            ScoreSet      `json:"score_set"`
	// ImprovementDelta is previous primary minus current primary. Nil when there is no earlier scored
	// iteration or when the iteration failed.
	ImprovementDelta *float64     `json:"improvement_delta"`
	Failure          *StageFailure `json:"failure"`
	// Retry is true when this iteration re-ran a failed iteration at an escalated level.
	Retry          bool       `json:"retry"`
	Warnings       []string   `json:"warnings"`
	TokenUsage     TokenUsage `json:"token_usage"`
	TimestampStart time.Time  `json:"timestamp_start"`
	TimestampEnd   time.Time  `json:"timestamp_end"`
}

func (r IterationRecord) Failed() bool {
	return r.Failure != nil
}

// InjectionRecord is an operator contribution merged into the document.
type InjectionRecord struct {
	Section   string    `json:"section"`
	Offset    int       `json:"offset"`
	Text      string    `json:"text"`
	Priority  int       `json:"priority"`
	Iteration int       `json:"iteration"`
	AppliedAt time.Time `json:"applied_at"`
}

// PendingInjection is persisted while the workflow waits for operator input so that a resumed run re-enters
// the pause.
type PendingInjection struct {
	Iteration int              `json:"iteration"`
	Points    []InjectionPoint `json:"points"`
}

// Snapshot captures the document at a scored iteration.
type Snapshot struct {
	Iteration int      `json:"iteration"`
	Text      string   `json:"text"`
	Scores    ScoreSet `json:"scores"`
}

// WorkflowState is the single unit of truth for one refinement run. It is owned by one Orchestrator at a time
// and must not be mutated concurrently.
type WorkflowState struct {
	ID           string `json:"id"`
	OriginalText string `json:"original_text"`
	CurrentText  string `json:"current_text"`
	// TextIteration is the iteration that produced CurrentText, zero for the original text.
	TextIteration    int               `json:"text_iteration"`
	CurrentIteration int               `json:"current_iteration"`
	AggressionLevel  Level             `json:"aggression_level"`
	IterationHistory []IterationRecord `json:"iteration_history"`
	Status           Status            `json:"status"`
	Reason           string            `json:"reason"`
	InjectionRecords []InjectionRecord `json:"injection_records"`
	PendingInjection *PendingInjection `json:"pending_injection"`
	// Best is the scored iteration with the lowest primary score so far.
	Best                *Snapshot  `json:"best"`
	EscalationExhausted bool       `json:"escalation_exhausted"`
	AbortRequested      bool       `json:"abort_requested"`
	FinalScores         ScoreSet   `json:"final_scores"`
	TokenUsage          TokenUsage `json:"token_usage"`
	Config              Config     `json:"config"`
	StartedAt           time.Time  `json:"started_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	CompletedAt         *time.Time `json:"completed_at"`
}

// NewWorkflowState validates cfg and creates a RUNNING workflow for text. A nil clock uses the real clock.
func NewWorkflowState(text string, cfg Config, c clock.Clock) (*WorkflowState, error) {
	if c == nil {
		c = clock.RealClock{}
	}

	if text == "" {
		return nil, errors.Wrap(ErrInvalidConfig, "original text is empty")
	}

	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	now := c.Now().UTC()
	return &WorkflowState{
		ID:               uuid.NewString(),
		OriginalText:     text,
		CurrentText:      text,
		AggressionLevel:  cfg.AggressionStart,
		IterationHistory: []IterationRecord{},
		Status:           StatusRunning,
		InjectionRecords: []InjectionRecord{},
		Config:           cfg,
		StartedAt:        now,
		UpdatedAt:        now,
	}, nil
}

func (s *WorkflowState) Terminal() bool {
	return s.Status.Terminal()
}

// LastRecord returns the most recent iteration record.
func (s *WorkflowState) LastRecord() (IterationRecord, bool) {
	if len(s.IterationHistory) == 0 {
		return IterationRecord{}, false
	}

	return s.IterationHistory[len(s.IterationHistory)-1], true
}

// LastScored returns the most recent iteration record that completed without a stage failure.
func (s *WorkflowState) LastScored() (IterationRecord, bool) {
	for i := len(s.IterationHistory) - 1; i >= 0; i-- {
		if !s.IterationHistory[i].Failed() {
			return s.IterationHistory[i], true
		}
	}

	return IterationRecord{}, false
}

// transition moves the workflow into a terminal status. It is the only place Status changes.
func (s *WorkflowState) transition(to Status, reason string, now time.Time) error {
	err := validateStatusTransition(s.Status, to)
	if err != nil {
		return errors.Wrap(err, "", j.MKV{"workflow_id": s.ID})
	}

	s.Status = to
	s.Reason = reason
	s.UpdatedAt = now
	s.CompletedAt = &now
	return nil
}

// appendRecord adds rec to the history and keeps CurrentIteration equal to the history length.
func (s *WorkflowState) appendRecord(rec IterationRecord) {
	s.IterationHistory = append(s.IterationHistory, rec)
	s.CurrentIteration = len(s.IterationHistory)
	s.TokenUsage.Add(rec.TokenUsage)
	s.UpdatedAt = rec.TimestampEnd
}

// Clone returns a deep copy of the state.
func (s *WorkflowState) Clone() (*WorkflowState, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}

	var c WorkflowState
	err = json.Unmarshal(b, &c)
	if err != nil {
		return nil, err
	}

	return &c, nil
}

// ProcessingLogEntry is one line of the per-iteration processing log.
type ProcessingLogEntry struct {
	Iteration       int        `json:"iteration"`
	Timestamp       time.Time  `json:"timestamp"`
	AggressionLevel string     `json:"aggression_level"`
	Scores          ScoreSet   `json:"scores"`
	Stages          []string   `json:"stages"`
	TokenUsage      TokenUsage `json:"token_usage"`
	Errors          []string   `json:"errors"`
	Completed       bool       `json:"completed"`
}

// ProcessingLog returns a condensed audit line per iteration.
func (s *WorkflowState) ProcessingLog() []ProcessingLogEntry {
	entries := make([]ProcessingLogEntry, 0, len(s.IterationHistory))
	for _, rec := range s.IterationHistory {
		e := ProcessingLogEntry{
			Iteration:       rec.IterationNumber,
			Timestamp:       rec.TimestampStart,
			AggressionLevel: rec.AggressionLevelUsed.String(),
			Scores:          rec.ScoreSet,
			TokenUsage:      rec.TokenUsage,
			Completed:       !rec.Failed(),
		}

		for _, out := range rec.StageOutputs {
			e.Stages = append(e.Stages, out.Stage)
			if out.Error != "" {
				e.Errors = append(e.Errors, out.Stage+": "+out.Error)
			}
		}

		entries = append(entries, e)
	}

	return entries
}

// Summary is a compact description of a workflow, as returned by CheckpointStore.List.
type Summary struct {
	WorkflowID       string     `json:"workflow_id"`
	Status           Status     `json:"status"`
	Reason           string     `json:"reason"`
	CurrentIteration int        `json:"current_iteration"`
	MaxIterations    int        `json:"max_iterations"`
	TargetScore      float64    `json:"target_score"`
	AggressionLevel  Level      `json:"aggression_level"`
	CurrentScores    ScoreSet   `json:"current_scores"`
	FinalScores      ScoreSet   `json:"final_scores"`
	Injections       int        `json:"injections"`
	TokenUsage       TokenUsage `json:"token_usage"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at"`
}

func (s *WorkflowState) Summary() Summary {
	sum := Summary{
		WorkflowID:       s.ID,
		Status:           s.Status,
		Reason:           s.Reason,
		CurrentIteration: s.CurrentIteration,
		MaxIterations:    s.Config.MaxIterations,
		TargetScore:      s.Config.TargetScore,
		AggressionLevel:  s.AggressionLevel,
		FinalScores:      s.FinalScores,
		Injections:       len(s.InjectionRecords),
		TokenUsage:       s.TokenUsage,
		StartedAt:        s.StartedAt,
		CompletedAt:      s.CompletedAt,
	}

	if rec, ok := s.LastScored(); ok {
		sum.CurrentScores = rec.ScoreSet
	}

	return sum
}
