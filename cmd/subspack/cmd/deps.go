package cmd

import (
	"github.com/barysiuk/subspack/internal/core"
)

// deps holds shared dependencies for CLI commands.
type deps struct {
	orchestrator *core.Orchestrator
}

// newDeps creates shared dependencies. Called lazily by commands that need them.
func newDeps() *deps {
	return &deps{
		orchestrator: core.NewOrchestrator(core.NewExecRunner(), core.TimestampKey),
	}
}
