package orchestrator

import (
	"fmt"
	"os"

	"github.com/covfuzz-project/covfuzz/internal/crashdir"
	"github.com/covfuzz-project/covfuzz/internal/target"
)

// RegressionSummary reports which previously-recorded crashes still
// reproduce against the current target build (spec §4.6 "Regression mode"):
// a target fix should make entries move from StillCrashing to Fixed across
// runs without the crash directory ever being edited by hand.
type RegressionSummary struct {
	StillCrashing []string
	Fixed         []string
	Total         int
}

// RunRegression replays every recorded crash directly against the target,
// in-process: unlike a fuzzing session, regression mode needs no worker
// subprocess, because a replay that panics is caught by target.Invoke the
// same way a fuzzing round's invocation is.
func RunRegression(cfg Config) (RegressionSummary, error) {
	f, ok := target.Registry[cfg.TargetName]
	if !ok {
		return RegressionSummary{}, fmt.Errorf("orchestrator: unknown target %q", cfg.TargetName)
	}

	dir, err := crashdir.Open(cfg.CrashDir)
	if err != nil {
		return RegressionSummary{}, err
	}
	entries, err := dir.List()
	if err != nil {
		return RegressionSummary{}, err
	}

	var summary RegressionSummary
	summary.Total = len(entries)
	for _, e := range entries {
		payload, err := os.ReadFile(e.Path)
		if err != nil {
			return RegressionSummary{}, fmt.Errorf("orchestrator: reading %s: %w", e.Path, err)
		}
		if target.Invoke(f, payload).Crashed {
			summary.StillCrashing = append(summary.StillCrashing, e.Name)
		} else {
			summary.Fixed = append(summary.Fixed, e.Name)
		}
	}
	return summary, nil
}
