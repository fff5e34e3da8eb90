package commands

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/plaenen/commandcore/pkg/domain"
)

// ApprovalPolicy reports whether a permission needs checker approval.
type ApprovalPolicy interface {
	RequiresApproval(ctx context.Context, permission string) (bool, error)
}

// ApprovalFunc adapts a function to ApprovalPolicy.
type ApprovalFunc func(ctx context.Context, permission string) (bool, error)

func (f ApprovalFunc) RequiresApproval(ctx context.Context, permission string) (bool, error) {
	return f(ctx, permission)
}

// StaticApprovals is an in-memory set of gated permissions.
type StaticApprovals struct {
	mu      sync.RWMutex
	enabled bool
	gated   map[string]bool
}

// NewStaticApprovals gates the given permissions. An empty list disables
// maker-checker.
func NewStaticApprovals(permissions ...string) *StaticApprovals {
	a := &StaticApprovals{gated: make(map[string]bool)}
	a.Require(permissions...)
	return a
}

// Require adds permissions to the gated set and enables maker-checker.
func (a *StaticApprovals) Require(permissions ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range permissions {
		a.gated[p] = true
		a.enabled = true
	}
}

// SetEnabled toggles maker-checker globally without forgetting the set.
func (a *StaticApprovals) SetEnabled(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = enabled
}

func (a *StaticApprovals) RequiresApproval(_ context.Context, permission string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled && a.gated[permission], nil
}

// MakerChecker decides when a command must wait for a checker and who
// may release it.
type MakerChecker struct {
	policy            ApprovalPolicy
	allowSelfApproval bool
}

// NewMakerChecker creates a gate over policy. A nil policy gates nothing.
func NewMakerChecker(policy ApprovalPolicy, allowSelfApproval bool) *MakerChecker {
	if policy == nil {
		policy = NewStaticApprovals()
	}
	return &MakerChecker{policy: policy, allowSelfApproval: allowSelfApproval}
}

// RequiresApproval reports whether route is gated.
func (m *MakerChecker) RequiresApproval(ctx context.Context, route Route) (bool, error) {
	gated, err := m.policy.RequiresApproval(ctx, route.Permission)
	if err != nil {
		return false, fmt.Errorf("failed to resolve approval requirement for %s: %w", route.Permission, err)
	}
	return gated, nil
}

// Admit is the first check of every attempt. It fails deterministically
// when the command does not match its route or is gated and unapproved.
func (m *MakerChecker) Admit(route Route, cmd *Command) error {
	if route.Action != cmd.Envelope.ActionName || route.Entity != cmd.Envelope.EntityName {
		return fmt.Errorf("%w: route %s does not serve %s", domain.ErrUnsupportedCommand,
			route.Permission, cmd.Permission())
	}
	if cmd.RequiresApproval && !cmd.ApprovedByChecker {
		return &domain.NotApprovedError{CommandID: cmd.RecordID, Status: domain.StatusAwaitingApproval}
	}
	return nil
}

// CheckChecker refuses an anonymous checker and a checker acting on their
// own command.
func (m *MakerChecker) CheckChecker(rec *domain.CommandRecord, checkerID string) error {
	if strings.TrimSpace(checkerID) == "" {
		return domain.Invalid("checkerId", "required", "checker id is required")
	}
	if m.allowSelfApproval || rec.MakerID == "" {
		return nil
	}
	if checkerID == rec.MakerID {
		return fmt.Errorf("%w: %s on command %s", domain.ErrSelfApproval, checkerID, rec.ID)
	}
	return nil
}
