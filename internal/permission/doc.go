// Package permission provides a comprehensive permission control system for tool execution
// in the coderunner AI assistant. It manages user consent for potentially dangerous operations
// like file editing, web fetching, external directory access, and bash command execution.
//
// The entry point is Engine.Check, which evaluates an open
// {tool, level, pattern, expiry} Rule set (session-scoped rules before
// persistent ones, most recently added rule wins). internal/agent and
// internal/tool/bash.go separately describe their static agent config with
// the fixed edit/bash/webfetch/external_dir/doom_loop enum (PermissionAction,
// PermissionType) — a distinct concern from rule evaluation, not a
// predecessor of it.
//
// # Overview
//
// The permission system operates on a session-based model where each user interaction
// session can have different permission levels. It supports three main permission actions:
//   - Allow: Automatically approve the operation
//   - Deny: Automatically reject the operation
//   - Ask: Prompt the user for consent
//
// # Permission Types
//
// The system handles several types of operations:
//
//   - Bash: Command execution with pattern-based matching
//   - Edit: File modification operations
//   - WebFetch: External web resource access
//   - ExternalDir: Operations outside the working directory
//   - DoomLoop: Detection and prevention of infinite tool call loops
//
// # Core Components
//
// ## Engine
//
// The Engine is the central component that evaluates rules and manages
// pending questions. It checks doom-loop state first, then session-scoped
// rules, then the project's persistent rules, falling back to Ask when
// nothing matches.
//
//	engine := NewEngine(store, bus)
//	engine.AddSessionRule(sessionID, Rule{Tool: "bash", Level: string(Allow)})
//	err := engine.Check(ctx, sessionID, projectID, Context{
//		Tool: "bash",
//		Path: "git commit -m 'fix bug'",
//	}, time.Now().UnixMilli())
//
// ## Bash Command Parsing
//
// The system includes sophisticated bash command parsing that extracts command names,
// arguments, and subcommands for fine-grained permission control:
//
//	commands, err := ParseBashCommand("git commit -m 'fix bug'")
//	// Returns: []BashCommand{{Name: "git", Subcommand: "commit", Args: ["commit", "-m", "fix bug"]}}
//
// ## Pattern Matching
//
// Bash permissions support wildcard patterns with hierarchical matching:
//   - "git commit *" - Matches git commit with any arguments
//   - "git *" - Matches any git subcommand
//   - "git" - Matches git command exactly
//   - "*" - Matches any command
//
// ## Doom Loop Detection
//
// The DoomLoopDetector prevents infinite loops by tracking tool call patterns:
//
//	detector := NewDoomLoopDetector()
//	isLoop := detector.Check(sessionID, "bash", commandInput)
//	if isLoop {
//		// Handle potential infinite loop
//	}
//
// # Session Management
//
// Session-scoped rules added via Engine.AddSessionRule take priority over a
// project's persistent rules and are forgotten when the session ends:
//
//	// Allow writes for the remainder of this session
//	engine.AddSessionRule(sessionID, Rule{Tool: "write", Level: string(Allow)})
//
//	// Answer a pending question raised by Engine.Check
//	engine.Reply(requestID, Allow, "")
//
// # Error Handling
//
// Permission denials are represented by RejectedError, which includes context
// about the denied operation:
//
//	if err != nil && IsRejectedError(err) {
//		rejErr := err.(*RejectedError)
//		log.Printf("Permission denied for %s: %s", rejErr.Type, rejErr.Message)
//	}
//
// # Event Integration
//
// The permission system integrates with the event system to notify UI components
// about permission requests and responses. This enables real-time user interaction
// through web interfaces or other UI systems.
//
// # Security Considerations
//
// The permission system is designed with security in mind:
//   - All bash commands are parsed and validated
//   - Pattern matching prevents bypass through command variations
//   - Doom loop detection prevents resource exhaustion
//   - Session isolation prevents permission escalation across sessions
//   - External directory access is explicitly controlled
//
// # Thread Safety
//
// All components in this package are thread-safe and can be used concurrently
// across multiple goroutines handling different user sessions.
package permission