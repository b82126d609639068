package api

import (
	"strconv"

	"github.com/lei/fletch-ci/internal/models"
)

// FilterSteps filters steps by status and by whether they carry warnings
func FilterSteps(steps []models.Step, status string, hasWarnings *bool) []models.Step {
	if status == "" && hasWarnings == nil {
		return steps
	}

	filtered := make([]models.Step, 0, len(steps))
	for _, s := range steps {
		if status != "" && string(s.Status) != status {
			continue
		}
		if hasWarnings != nil && (len(s.Warnings) > 0) != *hasWarnings {
			continue
		}
		filtered = append(filtered, s)
	}
	return filtered
}

// parseBoolParam parses an optional boolean query parameter. Empty or
// malformed values yield nil.
func parseBoolParam(value string) *bool {
	if value == "" {
		return nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return nil
	}
	return &b
}
