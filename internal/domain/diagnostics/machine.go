package diagnostics

import (
	"github.com/careflow/careflow/internal/platform/apperr"
	"github.com/careflow/careflow/internal/platform/fsm"
)

// Machine governs lab examinations and imaging reports alike.
var Machine = fsm.New("lab", map[Status][]Status{
	StatusOrdered:    {StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled},
	StatusScheduled:  {StatusInProgress, StatusCompleted, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
},
	fsm.Terminal(StatusCompleted, StatusCancelled),
	fsm.AllowSelf(StatusInProgress),
)

// ValidateResults requires a name and a value on every entry.
func ValidateResults(results []Result) error {
	for i, r := range results {
		if r.Name == "" {
			return apperr.Validation("results[%d]: name is required", i)
		}
		if r.Value == nil || r.Value == "" {
			return apperr.Validation("results[%d] (%s): value is required", i, r.Name)
		}
	}
	return nil
}
