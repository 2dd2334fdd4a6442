package models

import "fmt"

// PipelineStage is one phase of the customer relationship lifecycle
type PipelineStage string

const (
	StageHook       PipelineStage = "hook"
	StageEngagement PipelineStage = "engagement"
	StageSales      PipelineStage = "sales"
	StageRetention  PipelineStage = "retention"
	StageLost       PipelineStage = "lost"
)

// stageGraph lists the legal targets for every stage. Forward single steps
// only, plus the lost terminal from any open stage.
var stageGraph = map[PipelineStage][]PipelineStage{
	StageHook:       {StageEngagement, StageLost},
	StageEngagement: {StageSales, StageLost},
	StageSales:      {StageRetention, StageLost},
	StageRetention:  {StageLost},
	StageLost:       {},
}

// AllStages returns the stages in lifecycle order
func AllStages() []PipelineStage {
	return []PipelineStage{StageHook, StageEngagement, StageSales, StageRetention, StageLost}
}

func (s PipelineStage) Valid() bool {
	_, ok := stageGraph[s]
	return ok
}

func (s PipelineStage) Terminal() bool {
	return s.Valid() && len(stageGraph[s]) == 0
}

// Next returns the legal target stages of s
func (s PipelineStage) Next() []PipelineStage {
	next := stageGraph[s]
	out := make([]PipelineStage, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether (from, to) is an edge of the stage graph
func CanTransition(from, to PipelineStage) bool {
	for _, s := range stageGraph[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ParseStage converts a raw string into a known stage
func ParseStage(raw string) (PipelineStage, error) {
	s := PipelineStage(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown pipeline stage %q", raw)
	}
	return s, nil
}
