package headless

import "github.com/coderunner-ai/coderunner/internal/permission"

// autoApproveTools lists the tool names seeded as session-scoped allow rules
// when --auto-approve is set: a headless run has no surface to answer an
// ask, so these mutating tools are pre-approved the same way
// cmd/opencode run does for a one-shot invocation.
var autoApproveTools = []string{"write", "edit", "patch", "shell", "bash"}

// seedAutoApprove adds an allow rule for every mutating tool to sessionID,
// so Engine.Check resolves them without blocking on a question nobody can
// answer.
func seedAutoApprove(engine *permission.Engine, sessionID string) {
	for _, t := range autoApproveTools {
		engine.AddSessionRule(sessionID, permission.Rule{Tool: t, Level: string(permission.Allow)})
	}
}
