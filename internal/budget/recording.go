package budget

import (
	"context"

	"github.com/quarrylab/quarry/internal/llm"
)

// RecordingGenerator wraps a TextGenerator so every call's usage lands
// in a run's Tracker. The pipeline wraps the shared client once per run;
// phases see a plain TextGenerator.
type RecordingGenerator struct {
	Gen     llm.TextGenerator
	Tracker *Tracker
}

func (g *RecordingGenerator) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResult, error) {
	res, err := g.Gen.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if g.Tracker != nil {
		g.Tracker.Record(Usage{
			InputUnits:  res.Usage.InputUnits,
			OutputUnits: res.Usage.OutputUnits,
			CachedUnits: res.Usage.CachedUnits,
		})
	}
	return res, nil
}
