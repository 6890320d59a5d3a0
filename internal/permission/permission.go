// Package permission evaluates tool invocations against a rule set and
// surfaces blocking questions when rules demand a decision from the user.
package permission

import (
	"github.com/bmatcuk/doublestar/v4"

	"github.com/coderunner-ai/coderunner/pkg/types"
)

// Level is the outcome of evaluating a rule or a Check call.
type Level string

const (
	Allow Level = "allow"
	Ask   Level = "ask"
	Deny  Level = "deny"
)

// Rule is one entry of the rule set Check evaluates against — the same
// shape persisted on types.Session.Permission and in the store's persistent
// per-project permission table, so a rule authored by either scope can be
// evaluated identically.
type Rule = types.PermissionRuleSnapshot

// Context carries the information a single Check call matches against.
type Context struct {
	Tool     string
	Path     string
	Metadata map[string]any
}

// DefaultRules returns the rule set a project starts with before any
// decision has been recorded: read/search are allowed outright, the
// mutating tools (write/edit/shell/bash) ask.
func DefaultRules() []Rule {
	return []Rule{
		{Tool: "read", Level: string(Allow)},
		{Tool: "search", Level: string(Allow)},
		{Tool: "write", Level: string(Ask)},
		{Tool: "edit", Level: string(Ask)},
		{Tool: "shell", Level: string(Ask)},
		{Tool: "bash", Level: string(Ask)},
	}
}

// evaluate walks rules in reverse order of addition — the most recently
// added rule wins — and returns the first match's level. A rule matches
// when its tool equals the request's, its expiry (if any) is in the future,
// and its glob pattern (if any) matches reqCtx.Path. An unmatched request
// defaults to ask.
func evaluate(rules []Rule, now int64, reqCtx Context) (Level, bool) {
	for i := len(rules) - 1; i >= 0; i-- {
		r := rules[i]
		if r.Tool != reqCtx.Tool {
			continue
		}
		if r.ExpiresAt != nil && *r.ExpiresAt <= now {
			continue
		}
		if r.Pattern != "" {
			matched, err := doublestar.Match(r.Pattern, reqCtx.Path)
			if err != nil || !matched {
				continue
			}
		}
		return Level(r.Level), true
	}
	return Ask, false
}

// Deprecated: superseded by Rule/Level, the open {tool, level, pattern,
// expiry} model. Kept because internal/agent, internal/session,
// internal/headless and internal/tool/bash.go still construct the fixed
// edit/bash/webfetch/external_dir/doom_loop enum this describes; each will
// move onto Rule/Engine as it is rebuilt.
type PermissionAction string

const (
	ActionAllow PermissionAction = "allow"
	ActionDeny  PermissionAction = "deny"
	ActionAsk   PermissionAction = "ask"
)

// Deprecated: see PermissionAction.
type PermissionType string

const (
	PermBash        PermissionType = "bash"
	PermEdit        PermissionType = "edit"
	PermWebFetch    PermissionType = "webfetch"
	PermExternalDir PermissionType = "external_directory"
	PermDoomLoop    PermissionType = "doom_loop"
)

// RejectedError is returned when permission is denied.
type RejectedError struct {
	SessionID string
	Type      PermissionType
	CallID    string
	Metadata  map[string]any
	Message   string
}

func (e *RejectedError) Error() string {
	return e.Message
}

// IsRejectedError checks if an error is a permission rejection.
func IsRejectedError(err error) bool {
	_, ok := err.(*RejectedError)
	return ok
}
