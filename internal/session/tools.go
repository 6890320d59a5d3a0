package session

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sergi/go-diff/diffmatchpatch"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/coderunner-ai/coderunner/internal/event"
	"github.com/coderunner-ai/coderunner/internal/permission"
	"github.com/coderunner-ai/coderunner/internal/tool"
	"github.com/coderunner-ai/coderunner/pkg/types"
)

// defaultToolConcurrency bounds how many pending tool calls from one
// assistant step execute at once (spec.md §4.6 state 4).
const defaultToolConcurrency = 4

// executeToolCalls runs every pending tool call from the last assistant step
// concurrently, bounded by defaultToolConcurrency workers.
func (p *Processor) executeToolCalls(
	ctx context.Context,
	state *sessionState,
	agent *Agent,
	callback ProcessCallback,
) error {
	var pending []*types.ToolPart
	for _, part := range state.parts {
		if tp, ok := part.(*types.ToolPart); ok && tp.State == "pending" {
			pending = append(pending, tp)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	sem := make(chan struct{}, defaultToolConcurrency)
	var wg sync.WaitGroup
	for _, tp := range pending {
		tp := tp
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			// A single tool's failure is recorded on its own part and
			// doesn't stop its siblings or the loop.
			_ = p.executeSingleTool(ctx, state, agent, tp, callback)
		}()
	}
	wg.Wait()

	return nil
}

// executeSingleTool executes a single tool call.
func (p *Processor) executeSingleTool(
	ctx context.Context,
	state *sessionState,
	agent *Agent,
	toolPart *types.ToolPart,
	callback ProcessCallback,
) error {
	now := time.Now().UnixMilli()
	toolPart.State = "running"
	toolPart.Time.Start = &now

	ctx, span := tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("tool", toolPart.ToolName),
	))
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.ToolCallDuration.WithLabelValues(toolPart.ToolName).Observe(time.Since(start).Seconds())
			p.metrics.ToolCalls.WithLabelValues(toolPart.ToolName, toolPart.State).Inc()
			if toolPart.State == "error" {
				p.metrics.ToolErrors.WithLabelValues(toolPart.ToolName).Inc()
			}
		}
		span.End()
	}()

	t, ok := p.toolRegistry.Get(toolPart.ToolName)
	if !ok {
		return p.failTool(ctx, state, toolPart, callback, fmt.Sprintf("tool not found: %s", toolPart.ToolName))
	}

	if err := p.checkToolPermission(ctx, state, toolPart); err != nil {
		return p.failTool(ctx, state, toolPart, callback, err.Error())
	}

	inputJSON, err := json.Marshal(toolPart.Input)
	if err != nil {
		return p.failTool(ctx, state, toolPart, callback, fmt.Sprintf("failed to marshal input: %v", err))
	}

	if err := p.toolRegistry.Validate(toolPart.ToolName, inputJSON); err != nil {
		return p.failTool(ctx, state, toolPart, callback, err.Error())
	}

	abortCh := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(abortCh)
	}()

	var metaMu sync.Mutex
	toolCtx := &tool.Context{
		SessionID: state.message.SessionID,
		MessageID: state.message.ID,
		CallID:    toolPart.ToolCallID,
		Agent:     agent.Name,
		WorkDir:   state.directory,
		AbortCh:   abortCh,
		Extra: map[string]any{
			"model": state.message.ModelID,
		},
	}
	toolCtx.OnMetadata = func(title string, meta map[string]any) {
		metaMu.Lock()
		defer metaMu.Unlock()
		toolPart.Title = &title
		if toolPart.Metadata == nil {
			toolPart.Metadata = make(map[string]any)
		}
		for k, v := range meta {
			toolPart.Metadata[k] = v
		}

		event.PublishSync(event.Event{
			Type: event.MessagePartUpdated,
			Data: event.MessagePartUpdatedData{Part: toolPart},
		})
		callback(state.message, state.parts)
	}

	result, err := t.Execute(ctx, inputJSON, toolCtx)
	if err != nil {
		return p.failTool(ctx, state, toolPart, callback, err.Error())
	}

	endTime := time.Now().UnixMilli()
	toolPart.State = "completed"
	toolPart.Output = &result.Output
	if result.Title != "" {
		toolPart.Title = &result.Title
	}
	toolPart.Time.End = &endTime

	if result.Metadata != nil {
		if toolPart.Metadata == nil {
			toolPart.Metadata = make(map[string]any)
		}
		for k, v := range result.Metadata {
			toolPart.Metadata[k] = v
		}
	}

	if len(result.Attachments) > 0 {
		toolPart.Attachments = make([]types.Attachment, len(result.Attachments))
		for i, att := range result.Attachments {
			toolPart.Attachments[i] = types.Attachment{
				Filename:  att.Filename,
				MediaType: att.MediaType,
				URL:       att.URL,
			}
		}
	}

	// recordDiff is best-effort: failing to capture a diff doesn't fail the
	// tool call that produced it.
	_ = p.recordDiff(ctx, state, toolPart)

	// savePart (store.UpsertPart) publishes message.part.updated itself.
	if err := p.savePart(ctx, state.message.ID, toolPart); err != nil {
		return err
	}

	callback(state.message, state.parts)
	return nil
}

// handleStructuredOutputCall looks for a pending call to
// StructuredOutputToolName among state.parts and, if found, validates its
// input against state.format.Schema. A valid call marks the part completed
// and returns (true, nil), ending the turn. An invalid call is recorded as a
// tool error and the loop is left to retry, up to StructuredOutputMaxRetries
// (tracked on state, incremented here); once exhausted it returns the
// validation error so the caller can terminate the turn.
func (p *Processor) handleStructuredOutputCall(
	ctx context.Context,
	state *sessionState,
	callback ProcessCallback,
) (bool, error) {
	if state.format == nil {
		return false, nil
	}

	for _, part := range state.parts {
		tp, ok := part.(*types.ToolPart)
		if !ok || tp.ToolName != StructuredOutputToolName || tp.State != "pending" {
			continue
		}

		now := time.Now().UnixMilli()
		tp.Time.Start = &now

		inputJSON, err := json.Marshal(tp.Input)
		if err != nil {
			return false, fmt.Errorf("failed to marshal structured output: %w", err)
		}

		if verr := validateStructuredOutput(inputJSON, state.format.Schema); verr != nil {
			state.structuredOutputRetries++
			if state.structuredOutputRetries > StructuredOutputMaxRetries {
				return false, verr
			}
			errMsg := verr.Error()
			tp.State = "error"
			tp.Error = &errMsg
			tp.Time.End = &now
			p.savePart(ctx, state.message.ID, tp)
			callback(state.message, state.parts)
			return false, nil
		}

		output := string(inputJSON)
		tp.State = "completed"
		tp.Output = &output
		tp.Time.End = &now
		if err := p.savePart(ctx, state.message.ID, tp); err != nil {
			return false, err
		}
		callback(state.message, state.parts)
		return true, nil
	}

	return false, nil
}

// validateStructuredOutput checks data against schemaJSON using
// santhosh-tekuri/jsonschema/v6. An empty schema accepts anything.
func validateStructuredOutput(data json.RawMessage, schemaJSON json.RawMessage) error {
	if len(schemaJSON) == 0 {
		return nil
	}

	var schemaDoc any
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return fmt.Errorf("invalid output schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(StructuredOutputToolName+".json", schemaDoc); err != nil {
		return fmt.Errorf("invalid output schema: %w", err)
	}
	sch, err := c.Compile(StructuredOutputToolName + ".json")
	if err != nil {
		return fmt.Errorf("invalid output schema: %w", err)
	}

	var outputDoc any
	if err := json.Unmarshal(data, &outputDoc); err != nil {
		return fmt.Errorf("invalid structured output: %w", err)
	}

	if err := sch.Validate(outputDoc); err != nil {
		return fmt.Errorf("structured output failed schema validation: %w", err)
	}
	return nil
}

// failTool marks a tool call as failed.
func (p *Processor) failTool(
	ctx context.Context,
	state *sessionState,
	toolPart *types.ToolPart,
	callback ProcessCallback,
	errMsg string,
) error {
	now := time.Now().UnixMilli()
	toolPart.State = "error"
	toolPart.Error = &errMsg
	toolPart.Time.End = &now

	// savePart (store.UpsertPart) publishes message.part.updated itself.
	_ = p.savePart(ctx, state.message.ID, toolPart)

	callback(state.message, state.parts)
	return fmt.Errorf("%s", errMsg)
}

// checkToolPermission evaluates a tool call against the permission engine.
// Tools outside the edit/bash/read/search surface (webfetch, todo*, batch,
// task) carry no inherent risk and skip the check.
func (p *Processor) checkToolPermission(ctx context.Context, state *sessionState, toolPart *types.ToolPart) error {
	if p.permEngine == nil {
		return nil
	}

	reqCtx, ok := permissionContextFor(toolPart)
	if !ok {
		return nil
	}

	sess, err := p.store.Get(ctx, state.message.SessionID)
	if err != nil {
		return err
	}

	return p.permEngine.Check(ctx, state.message.SessionID, sess.ProjectID, reqCtx, time.Now().UnixMilli())
}

// permissionContextFor maps a tool call onto the {tool, path} shape
// permission.Engine evaluates rules against.
func permissionContextFor(toolPart *types.ToolPart) (permission.Context, bool) {
	switch toolPart.ToolName {
	case "bash":
		cmd, _ := toolPart.Input["command"].(string)
		return permission.Context{Tool: "bash", Path: cmd, Metadata: toolPart.Input}, true
	case "Write", "edit":
		path, _ := toolPart.Input["filePath"].(string)
		return permission.Context{Tool: "edit", Path: path, Metadata: toolPart.Input}, true
	case "read":
		return permission.Context{Tool: "read", Metadata: toolPart.Input}, true
	case "glob", "grep", "list":
		return permission.Context{Tool: "search", Metadata: toolPart.Input}, true
	default:
		return permission.Context{}, false
	}
}

// seedAgentPermissionRules translates an agent's static bash/write policy
// into session-scoped permission rules ahead of the first tool call, so the
// engine's rule evaluation is the only thing governing a check.
func seedAgentPermissionRules(engine *permission.Engine, sessionID string, agent *Agent) {
	if lvl, ok := agentActionLevel(agent.Permission.Bash); ok {
		engine.AddSessionRule(sessionID, permission.Rule{Tool: "bash", Level: lvl})
	}
	if lvl, ok := agentActionLevel(agent.Permission.Write); ok {
		engine.AddSessionRule(sessionID, permission.Rule{Tool: "edit", Level: lvl})
	}
}

func agentActionLevel(action string) (string, bool) {
	switch action {
	case "allow":
		return string(permission.Allow), true
	case "deny":
		return string(permission.Deny), true
	default:
		return "", false
	}
}

// recordDiff captures a before/after file diff from tool metadata and folds
// it into the session's running change summary.
func (p *Processor) recordDiff(ctx context.Context, state *sessionState, toolPart *types.ToolPart) error {
	if toolPart.Metadata == nil {
		return nil
	}

	pathVal, ok := toolPart.Metadata["file"].(string)
	if !ok || pathVal == "" {
		return nil
	}

	before, okBefore := toolPart.Metadata["before"].(string)
	after, okAfter := toolPart.Metadata["after"].(string)
	if !okBefore || !okAfter {
		return nil
	}

	relPath := pathVal
	if state.directory != "" {
		if rp, err := filepath.Rel(state.directory, pathVal); err == nil {
			relPath = rp
		}
	}

	diffText, additions, deletions, err := computeDiff(before, after, relPath)
	if err != nil {
		return err
	}

	fileDiff := types.FileDiff{
		File:      relPath,
		Additions: additions,
		Deletions: deletions,
		Before:    before,
		After:     after,
	}

	err = p.store.UpdateSummary(ctx, state.message.SessionID, func(summary *types.SessionSummary) {
		filtered := summary.Diffs[:0]
		for _, d := range summary.Diffs {
			if d.File != relPath {
				filtered = append(filtered, d)
			}
		}
		summary.Diffs = append(filtered, fileDiff)

		adds, dels := 0, 0
		for _, d := range summary.Diffs {
			adds += d.Additions
			dels += d.Deletions
		}
		summary.Additions = adds
		summary.Deletions = dels
		summary.Files = len(summary.Diffs)
	})
	if err != nil {
		return err
	}

	toolPart.Metadata["diff"] = diffText
	return nil
}

func computeDiff(before, after, path string) (string, int, int, error) {
	dmp := diffmatchpatch.New()

	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	additions, deletions := 0, 0
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			additions += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			deletions += countLines(d.Text)
		}
	}

	return generateUnifiedDiff(diffs, path), additions, deletions, nil
}

// countLines counts the number of lines in text.
func countLines(text string) int {
	if text == "" {
		return 0
	}
	lines := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		lines++
	}
	return lines
}

// generateUnifiedDiff renders diffs as a unified-diff-style patch with
// surrounding context lines, for display in the client.
func generateUnifiedDiff(diffs []diffmatchpatch.Diff, path string) string {
	if len(diffs) == 0 {
		return ""
	}

	hasChanges := false
	for _, d := range diffs {
		if d.Type != diffmatchpatch.DiffEqual {
			hasChanges = true
			break
		}
	}
	if !hasChanges {
		return ""
	}

	type diffLine struct {
		text     string
		diffType diffmatchpatch.Operation
	}
	var allLines []diffLine

	for _, d := range diffs {
		lines := strings.Split(d.Text, "\n")
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
		for _, line := range lines {
			allLines = append(allLines, diffLine{text: line, diffType: d.Type})
		}
	}

	const contextLines = 3
	type hunk struct {
		startOld, countOld int
		startNew, countNew int
		lines              []diffLine
	}

	var hunks []hunk
	var currentHunk *hunk

	for i, line := range allLines {
		isChange := line.diffType != diffmatchpatch.DiffEqual

		if isChange {
			if currentHunk == nil {
				contextStart := i - contextLines
				if contextStart < 0 {
					contextStart = 0
				}

				startOld, startNew := 1, 1
				for j := 0; j < contextStart; j++ {
					switch allLines[j].diffType {
					case diffmatchpatch.DiffEqual:
						startOld++
						startNew++
					case diffmatchpatch.DiffDelete:
						startOld++
					case diffmatchpatch.DiffInsert:
						startNew++
					}
				}

				currentHunk = &hunk{startOld: startOld, startNew: startNew}
				for j := contextStart; j < i; j++ {
					currentHunk.lines = append(currentHunk.lines, allLines[j])
				}
			}
			currentHunk.lines = append(currentHunk.lines, line)
		} else if currentHunk != nil {
			nextChangeIdx := -1
			for j := i + 1; j < len(allLines) && j <= i+contextLines*2; j++ {
				if allLines[j].diffType != diffmatchpatch.DiffEqual {
					nextChangeIdx = j
					break
				}
			}

			if nextChangeIdx != -1 && nextChangeIdx <= i+contextLines*2 {
				currentHunk.lines = append(currentHunk.lines, line)
			} else {
				for j := i; j < len(allLines) && j < i+contextLines; j++ {
					if allLines[j].diffType == diffmatchpatch.DiffEqual {
						currentHunk.lines = append(currentHunk.lines, allLines[j])
					} else {
						break
					}
				}

				for _, l := range currentHunk.lines {
					switch l.diffType {
					case diffmatchpatch.DiffEqual:
						currentHunk.countOld++
						currentHunk.countNew++
					case diffmatchpatch.DiffDelete:
						currentHunk.countOld++
					case diffmatchpatch.DiffInsert:
						currentHunk.countNew++
					}
				}

				hunks = append(hunks, *currentHunk)
				currentHunk = nil
			}
		}
	}

	if currentHunk != nil {
		for _, l := range currentHunk.lines {
			switch l.diffType {
			case diffmatchpatch.DiffEqual:
				currentHunk.countOld++
				currentHunk.countNew++
			case diffmatchpatch.DiffDelete:
				currentHunk.countOld++
			case diffmatchpatch.DiffInsert:
				currentHunk.countNew++
			}
		}
		hunks = append(hunks, *currentHunk)
	}

	var buf strings.Builder
	buf.WriteString("Index: ")
	buf.WriteString(path)
	buf.WriteString("\n===================================================================\n--- ")
	buf.WriteString(path)
	buf.WriteString("\n+++ ")
	buf.WriteString(path)
	buf.WriteString("\n")

	for _, h := range hunks {
		buf.WriteString(fmt.Sprintf("@@ -%d,%d +%d,%d @@\n", h.startOld, h.countOld, h.startNew, h.countNew))
		for _, line := range h.lines {
			switch line.diffType {
			case diffmatchpatch.DiffEqual:
				buf.WriteString(" ")
			case diffmatchpatch.DiffDelete:
				buf.WriteString("-")
			case diffmatchpatch.DiffInsert:
				buf.WriteString("+")
			}
			buf.WriteString(line.text)
			buf.WriteString("\n")
		}
	}

	return buf.String()
}

// ToolState names the lifecycle stages a ToolPart.State value moves through.
type ToolState string

const (
	ToolStatePending   ToolState = "pending"
	ToolStateRunning   ToolState = "running"
	ToolStateCompleted ToolState = "completed"
	ToolStateError     ToolState = "error"
)
