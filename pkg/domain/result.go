package domain

import (
	"encoding/json"
	"net/http"
)

// HeaderServedFromCache is set on responses replayed from the idempotency cache.
const HeaderServedFromCache = "x-served-from-cache"

// Outcome is what a business handler produces.
type Outcome struct {
	ResourceID    string         `json:"resourceId,omitempty"`
	SubResourceID string         `json:"subResourceId,omitempty"`
	OfficeID      int64          `json:"officeId,omitempty"`
	ClientID      int64          `json:"clientId,omitempty"`
	LoanID        int64          `json:"loanId,omitempty"`
	SavingsID     int64          `json:"savingsId,omitempty"`
	Changes       map[string]any `json:"changes,omitempty"`
}

// CommandResult is returned to the caller of the processing service.
type CommandResult struct {
	CommandID  string
	Status     Status
	ResourceID string

	// Body holds the exact JSON bytes persisted with the record.
	Body json.RawMessage

	// ServedFromCache marks a replay of a previously completed command.
	ServedFromCache bool

	// Attempts is the number of handler attempts made by this call.
	Attempts int
}

// PendingApproval reports whether the command is waiting for a checker.
func (r *CommandResult) PendingApproval() bool {
	return r.Status == StatusAwaitingApproval
}

// StatusCode maps the result to a transport status.
func (r *CommandResult) StatusCode() int {
	if r.PendingApproval() {
		return http.StatusAccepted
	}
	return http.StatusOK
}

// Headers returns transport headers to attach to the response.
func (r *CommandResult) Headers() map[string]string {
	if !r.ServedFromCache {
		return map[string]string{}
	}
	return map[string]string{HeaderServedFromCache: "true"}
}

// ResultFromRecord builds a result from a persisted record.
func ResultFromRecord(rec *CommandRecord, cached bool) *CommandResult {
	res := &CommandResult{
		CommandID:       rec.ID,
		Status:          rec.Status,
		Body:            rec.Result,
		ServedFromCache: cached,
	}
	if len(rec.Result) > 0 {
		var o Outcome
		if err := json.Unmarshal(rec.Result, &o); err == nil {
			res.ResourceID = o.ResourceID
		}
	}
	return res
}
