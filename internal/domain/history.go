// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

// HistoryEntry is one immutable record of a terminal workflow attempt.
// The orchestrator writes one entry per Execute call that reaches a
// terminal outcome; nothing ever updates or deletes them.
type HistoryEntry struct {
	ID                 uuid.UUID `json:"id"`
	WorkflowName       string    `json:"workflow_name"`
	Status             RunStatus `json:"status"`
	Error              string    `json:"error,omitempty"`
	StepsCompleted     int       `json:"steps_completed"`
	CompensationErrors []string  `json:"compensation_errors,omitempty"`
	AttemptedAt        time.Time `json:"attempted_at"`
}
