package refine

import "fmt"

// Level is an ordered aggression level controlling how strongly transformation stages alter the document.
type Level int

const (
	LevelUnknown    Level = 0
	LevelGentle     Level = 1
	LevelModerate   Level = 2
	LevelAggressive Level = 3
	LevelIntensive  Level = 4
	LevelNuclear    Level = 5

	MinLevel = LevelGentle
	MaxLevel = LevelNuclear
)

func (l Level) String() string {
	switch l {
	case LevelGentle:
		return "gentle"
	case LevelModerate:
		return "moderate"
	case LevelAggressive:
		return "aggressive"
	case LevelIntensive:
		return "intensive"
	case LevelNuclear:
		return "nuclear"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

func (l Level) Valid() bool {
	return l >= MinLevel && l <= MaxLevel
}

// Description returns the expected amount of change at this level.
func (l Level) Description() string {
	switch l {
	case LevelGentle:
		return "5-10% change - light lexical substitution"
	case LevelModerate:
		return "10-20% change - sentence restructuring"
	case LevelAggressive:
		return "20-35% change - extensive rewriting"
	case LevelIntensive:
		return "35-50% change - multi-layered transformation"
	case LevelNuclear:
		return "50-70% change - translation chain"
	default:
		return "unknown level"
	}
}

// ParseLevel accepts either a level name or its number.
func ParseLevel(s string) (Level, error) {
	for l := MinLevel; l <= MaxLevel; l++ {
		if l.String() == s || fmt.Sprint(int(l)) == s {
			return l, nil
		}
	}

	return LevelUnknown, fmt.Errorf("unknown aggression level %q", s)
}

// Escalation describes the decision the AggressionController made for a completed iteration.
type Escalation struct {
	From Level
	To   Level
	// Escalated is true when the level was raised by one.
	Escalated bool
	// Exhausted is true when escalation was due but the level was already at MaxLevel. The quality gate treats
	// this as a stronger stagnation signal.
	Exhausted bool
}

// AggressionController is an escalation-only state machine over the aggression levels. It never lowers the
// level of a workflow.
type AggressionController struct {
	threshold float64
}

func NewAggressionController(escalationThreshold float64) *AggressionController {
	return &AggressionController{threshold: escalationThreshold}
}

// MaybeEscalate raises the level of state by one when the just completed iteration improved the primary
// score by less than the escalation threshold. Failed iterations and iterations without a delta leave the
// level unchanged.
func (c *AggressionController) MaybeEscalate(state *WorkflowState) Escalation {
	e := Escalation{From: state.AggressionLevel, To: state.AggressionLevel}

	last, ok := state.LastRecord()
	if !ok || last.Failed() || last.ImprovementDelta == nil {
		return e
	}

	if *last.ImprovementDelta >= c.threshold {
		return e
	}

	return c.escalate(state)
}

// escalate raises the level by exactly one, or flags exhaustion at MaxLevel.
func (c *AggressionController) escalate(state *WorkflowState) Escalation {
	e := Escalation{From: state.AggressionLevel, To: state.AggressionLevel}
	if state.AggressionLevel >= MaxLevel {
		state.EscalationExhausted = true
		e.Exhausted = true
		return e
	}

	state.AggressionLevel++
	e.To = state.AggressionLevel
	e.Escalated = true
	return e
}
