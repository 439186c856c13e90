package auth

import (
	"fmt"
	"slices"
	"sort"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// OwnershipError reports an action on a record that belongs to another actor.
type OwnershipError struct {
	ActorID string
	OwnerID string
}

func (e OwnershipError) Error() string {
	return fmt.Sprintf("actor %s does not own a record of %s", e.ActorID, e.OwnerID)
}

const (
	RoleCustomer = "customer"
	RoleExecutor = "executor"
	RoleArbiter  = "arbiter"
	RoleOperator = "operator"
)

const (
	PermAssign       = "assignment.assign"
	PermWork         = "assignment.work"
	PermReview       = "assignment.review"
	PermDisputeOpen  = "dispute.open"
	PermArbitrate    = "dispute.arbitrate"
	PermReadExecutor = "executor.read"
	PermReconcile    = "reconcile.run"
	PermDisruption   = "disruption.manage"
	PermReadAll      = "read.all"
)

var rolePermissions = map[string][]string{
	RoleCustomer: {PermAssign, PermReview, PermDisputeOpen, PermReadExecutor},
	RoleExecutor: {PermWork, PermDisputeOpen, PermReadExecutor},
	RoleArbiter:  {PermArbitrate, PermReadExecutor, PermReadAll},
	RoleOperator: {
		PermAssign, PermWork, PermReview, PermDisputeOpen, PermArbitrate,
		PermReadExecutor, PermReconcile, PermDisruption, PermReadAll,
	},
}

// Service resolves permissions from token roles. Explicit permissions in the token are
// added to the ones granted by its roles.
type Service struct{}

func (Service) Permissions(roles, explicit []string) []string {
	seen := map[string]struct{}{}
	for _, r := range roles {
		for _, p := range rolePermissions[r] {
			seen[p] = struct{}{}
		}
	}
	for _, p := range explicit {
		seen[p] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s Service) Require(roles, explicit []string, perm string) error {
	if slices.Contains(s.Permissions(roles, explicit), perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}

// RequireOwner passes operators and the owner itself.
func (Service) RequireOwner(actorID string, roles []string, ownerIDs ...string) error {
	if slices.Contains(roles, RoleOperator) || slices.Contains(ownerIDs, actorID) {
		return nil
	}
	owner := ""
	if len(ownerIDs) > 0 {
		owner = ownerIDs[0]
	}
	return OwnershipError{ActorID: actorID, OwnerID: owner}
}
