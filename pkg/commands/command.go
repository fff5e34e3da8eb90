// Package commands routes command envelopes to business handlers and runs
// them under idempotency, maker-checker and retry control.
package commands

import (
	"fmt"

	"github.com/plaenen/commandcore/pkg/domain"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Command is what a handler sees for one attempt.
type Command struct {
	Envelope domain.CommandEnvelope
	Platform domain.PlatformContext

	// RecordID identifies the command record this attempt settles.
	RecordID string

	// RequiresApproval is set when the route is gated by a checker.
	RequiresApproval bool

	// ApprovedByChecker is true when a checker released the command.
	ApprovedByChecker bool

	// Attempt is 1-based.
	Attempt int
}

// Get returns the payload value at path (gjson syntax).
func (c *Command) Get(path string) gjson.Result {
	return gjson.GetBytes(c.Envelope.PayloadBytes(), path)
}

// Has reports whether the payload contains path.
func (c *Command) Has(path string) bool {
	return c.Get(path).Exists()
}

// String returns the string at path, or "".
func (c *Command) String(path string) string {
	return c.Get(path).String()
}

// Int64 returns the integer at path and whether it was present.
func (c *Command) Int64(path string) (int64, bool) {
	v := c.Get(path)
	if !v.Exists() {
		return 0, false
	}
	return v.Int(), true
}

// Int64s returns the integer array at path.
func (c *Command) Int64s(path string) []int64 {
	var out []int64
	for _, v := range c.Get(path).Array() {
		out = append(out, v.Int())
	}
	return out
}

// Bool returns the boolean at path.
func (c *Command) Bool(path string) bool {
	return c.Get(path).Bool()
}

// Decimal parses the number or numeric string at path without going
// through float64.
func (c *Command) Decimal(path string) (decimal.Decimal, error) {
	v := c.Get(path)
	if !v.Exists() {
		return decimal.Zero, domain.Invalid(path, "required", fmt.Sprintf("%s is required", path))
	}
	raw := v.Str
	if v.Type == gjson.Number {
		raw = v.Raw
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, domain.Invalid(path, "invalid_decimal", fmt.Sprintf("%s is not a decimal", path))
	}
	return d, nil
}

// Permission returns the permission that guards this command.
func (c *Command) Permission() string {
	return domain.PermissionName(c.Envelope.ActionName, c.Envelope.EntityName)
}
