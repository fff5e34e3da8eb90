package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// OutcomeEvent is published after a command's business effect committed.
type OutcomeEvent struct {
	// ID is deterministic per command so redelivery can be deduplicated.
	ID            string          `json:"id"`
	CommandID     string          `json:"commandId"`
	TenantID      string          `json:"tenantId"`
	ActionName    string          `json:"actionName"`
	EntityName    string          `json:"entityName"`
	AggregateKey  string          `json:"aggregateKey"`
	Status        Status          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	MakerID       string          `json:"makerId,omitempty"`
	CheckerID     string          `json:"checkerId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	OccurredAt    time.Time       `json:"occurredAt"`
}

// NewOutcomeEvent derives the published event from a record.
func NewOutcomeEvent(rec *CommandRecord) *OutcomeEvent {
	occurred := rec.CreatedAt
	if rec.CompletedAt != nil {
		occurred = *rec.CompletedAt
	}
	return &OutcomeEvent{
		ID:            GenerateDeterministicEventID(rec.ID, rec.Status),
		CommandID:     rec.ID,
		TenantID:      rec.TenantID,
		ActionName:    rec.ActionName,
		EntityName:    rec.EntityName,
		AggregateKey:  AggregateKey(rec),
		Status:        rec.Status,
		Result:        rec.Result,
		MakerID:       rec.MakerID,
		CheckerID:     rec.CheckerID,
		CorrelationID: rec.CorrelationID,
		OccurredAt:    occurred,
	}
}

// GenerateDeterministicEventID derives an event id from the command id and status.
func GenerateDeterministicEventID(commandID string, status Status) string {
	h := sha256.New()
	h.Write([]byte(fmt.Sprintf("%s:%s", commandID, status)))
	return hex.EncodeToString(h.Sum(nil))[:32]
}
