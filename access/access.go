// Package access gates webhook events on sender permission and per-sender
// rate limits. All failures are closed: a sender is allowed only when the
// platform positively confirms sufficient permission.
package access

import (
	"context"
	"fmt"
)

// Level is a collaborator permission level.
type Level = string

var permissionRank = map[Level]int{
	"admin":    5,
	"maintain": 4,
	"write":    3,
	"triage":   2,
	"read":     1,
	"none":     0,
}

// Policy controls who may trigger the agent and how often.
type Policy struct {
	MinPermission    Level
	AllowExternal    bool
	RateLimitPerUser int
	RateLimitWindow  int64 // ms
}

// DefaultPolicy is the policy applied when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MinPermission:    "triage",
		AllowExternal:    false,
		RateLimitPerUser: 10,
		RateLimitWindow:  3_600_000,
	}
}

// PermissionFetcher looks up a user's collaborator permission on a
// repository. found is false when the user is not a collaborator.
type PermissionFetcher interface {
	CollaboratorPermission(ctx context.Context, owner, repo, username string) (level Level, found bool, err error)
}

// CheckPermission reports whether username may trigger the agent on
// owner/repo. Transport errors fail closed.
func CheckPermission(ctx context.Context, fetcher PermissionFetcher, owner, repo, username string, policy Policy) (bool, string) {
	level, found, err := fetcher.CollaboratorPermission(ctx, owner, repo, username)
	if err != nil {
		return false, "Permission check failed"
	}
	if !found {
		if policy.AllowExternal {
			return true, ""
		}
		return false, "Not a collaborator"
	}

	if permissionRank[level] >= permissionRank[policy.MinPermission] {
		return true, ""
	}
	if policy.AllowExternal {
		return true, ""
	}
	return false, fmt.Sprintf("Insufficient permissions: %s < %s", level, policy.MinPermission)
}
