package flow

import (
	"context"
	"time"
)

// BenchmarkResult is one cell of a BenchmarkMatrix run.
type BenchmarkResult struct {
	StageMode     StageMode
	ExecutionMode ExecutionMode
	Duration      time.Duration
	ByError       map[string]int
	ByStage       map[string]int
}

// BenchmarkMatrix runs build once per (stageMode, executionMode)
// combination in the Cartesian product of stageModes x execModes,
// recording wall-clock time and failure counts for each. It is a
// characterisation tool, not a production path.
func BenchmarkMatrix(
	ctx context.Context,
	build func(stageMode StageMode, execMode ExecutionMode) (*Graph, error),
	stageModes []StageMode,
	execModes []ExecutionMode,
) ([]BenchmarkResult, error) {
	var results []BenchmarkResult
	for _, sm := range stageModes {
		for _, em := range execModes {
			g, err := build(sm, em)
			if err != nil {
				return results, err
			}
			res, err := g.Run(ctx)
			if err != nil {
				return results, err
			}
			results = append(results, BenchmarkResult{
				StageMode:     sm,
				ExecutionMode: em,
				Duration:      res.Duration,
				ByError:       countByErrorKey(res.ByError),
				ByStage:       countByStage(res.ByStage),
			})
		}
	}
	return results, nil
}

func countByErrorKey(m map[ErrorStageKey][]FailRecord) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k.ErrorKind+"|"+k.StageTag] = len(v)
	}
	return out
}

func countByStage(m map[string][]FailRecord) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = len(v)
	}
	return out
}
