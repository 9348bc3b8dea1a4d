package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/constants"
)

// Payload is the pipeline queue's payload specialization. Progress is
// encoded in the unit of work itself (currentStage + completedStages), so
// the next worker or a reconciliation sweep can resume without a separate
// state table. CompletedStages is append-only and monotonic for a run.
type Payload struct {
	DocumentID      uuid.UUID         `json:"documentId"`
	ProjectID       uuid.UUID         `json:"projectId"`
	StoragePath     string            `json:"storagePath"`
	OwnerID         string            `json:"ownerId"`
	CurrentStage    constants.Stage   `json:"currentStage"`
	CompletedStages []constants.Stage `json:"completedStages"`
	ForceReprocess  bool              `json:"forceReprocess,omitempty"`
	Priority        int               `json:"priority,omitempty"`
}

// ParsePayload decodes and sanity-checks a pipeline job payload.
func ParsePayload(raw json.RawMessage) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("decode pipeline payload: %w", err)
	}
	if p.DocumentID == uuid.Nil {
		return Payload{}, fmt.Errorf("pipeline payload missing documentId")
	}
	if !constants.IsValidStage(p.CurrentStage) {
		return Payload{}, fmt.Errorf("pipeline payload has unknown stage %q", p.CurrentStage)
	}
	return p, nil
}
