package http

import (
	"context"

	"github.com/fyrsmithlabs/pretestd/internal/integration"
)

// CountCandidates returns the number of changes waiting beyond the cursor
// of workspace without pulling or touching the cursor.
//
// Returns -1 if wf is nil or the repository cannot be queried.
func CountCandidates(ctx context.Context, wf *integration.Workflow, workspace string) int {
	if wf == nil {
		return -1
	}
	ids, err := wf.Candidates(ctx, workspace)
	if err != nil {
		return -1
	}
	return len(ids)
}
