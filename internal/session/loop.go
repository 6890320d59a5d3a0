package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/coderunner-ai/coderunner/internal/id"
	"github.com/coderunner-ai/coderunner/internal/provider"
	"github.com/coderunner-ai/coderunner/internal/telemetry"
	"github.com/coderunner-ai/coderunner/pkg/types"
)

// tracer is resolved lazily against whatever TracerProvider is globally
// installed (telemetry.NewTracerProvider at startup, or the otel no-op
// default when tracing isn't configured) rather than threaded through
// every call site.
var tracer = telemetry.Tracer("coderunner/session")

const (
	// MaxSteps is the maximum number of agentic loop iterations.
	MaxSteps = 50
	// MaxRetries is the maximum number of retries for API errors.
	MaxRetries = 3
	// RetryInitialInterval is the initial interval for exponential backoff.
	RetryInitialInterval = time.Second
	// RetryMaxInterval is the maximum interval for exponential backoff.
	RetryMaxInterval = 30 * time.Second
	// RetryMaxElapsedTime is the maximum total time for retries.
	RetryMaxElapsedTime = 2 * time.Minute
	// MaxContextTokens is the threshold for triggering context compaction.
	MaxContextTokens = 150000
	// StructuredOutputToolName is the synthetic tool attached to the tool set
	// when a turn requests a structured output format; calling it is the
	// only way such a turn can finish.
	StructuredOutputToolName = "StructuredOutput"
	// StructuredOutputMaxRetries is how many extra steps the loop allows a
	// model to take before giving up on calling StructuredOutputToolName.
	StructuredOutputMaxRetries = 2
)

// newRetryBackoff creates a new exponential backoff with jitter for API retries.
// Uses cenkalti/backoff for better retry behavior including jitter to prevent
// thundering herd problems and context-aware cancellation.
func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.MaxElapsedTime = RetryMaxElapsedTime
	b.RandomizationFactor = 0.5 // Add jitter
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, MaxRetries), ctx)
}

func abortError(msg string) *types.MessageError {
	return &types.MessageError{Name: "abort", Data: types.MessageErrorData{Message: msg}}
}

func maxStepsError(msg string) *types.MessageError {
	return &types.MessageError{Name: "max_steps", Data: types.MessageErrorData{Message: msg}}
}

func apiError(msg string) *types.MessageError {
	return &types.MessageError{Name: "api", Data: types.MessageErrorData{Message: msg}}
}

func outputLengthError(msg string) *types.MessageError {
	return &types.MessageError{Name: "output_length", Data: types.MessageErrorData{Message: msg}}
}

func structuredOutputError(msg string) *types.MessageError {
	return &types.MessageError{Name: "structured_output", Data: types.MessageErrorData{Message: msg}}
}

// runLoop executes the agentic loop.
func (p *Processor) runLoop(
	ctx context.Context,
	sessionID string,
	state *sessionState,
	agent *Agent,
	callback ProcessCallback,
) error {
	sess, err := p.store.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session not found: %w", err)
	}
	state.directory = sess.Directory

	messages, err := p.loadMessages(ctx, sessionID)
	if err != nil {
		return err
	}

	if len(messages) == 0 {
		return fmt.Errorf("no messages in session")
	}

	lastMsg := messages[len(messages)-1]
	if lastMsg.Role != "user" {
		return fmt.Errorf("expected user message, got %s", lastMsg.Role)
	}

	providerID := p.defaultProviderID
	modelID := p.defaultModelID

	if lastMsg.Model != nil {
		providerID = lastMsg.Model.ProviderID
		modelID = lastMsg.Model.ModelID
	}
	state.format = lastMsg.Format

	prov, err := p.providerRegistry.Get(providerID)
	if err != nil {
		return fmt.Errorf("provider not found: %w", err)
	}

	model, err := p.providerRegistry.GetModel(providerID, modelID)
	if err != nil {
		return fmt.Errorf("model not found: %w", err)
	}

	now := time.Now().UnixMilli()
	assistantMsg := &types.Message{
		ID:         id.Message(),
		SessionID:  sessionID,
		Role:       "assistant",
		ParentID:   lastMsg.ID,
		ProviderID: providerID,
		ModelID:    modelID,
		Time: types.MessageTime{
			Created: now,
		},
	}
	state.message = assistantMsg

	if err := p.saveMessage(ctx, sessionID, assistantMsg); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	callback(assistantMsg, nil)

	maxSteps := agent.MaxSteps
	if maxSteps <= 0 {
		maxSteps = MaxSteps
	}

	step := 0
	retryBackoff := newRetryBackoff(ctx)

	for {
		select {
		case <-ctx.Done():
			assistantMsg.Error = abortError("Processing aborted")
			p.saveMessage(ctx, sessionID, assistantMsg)
			return ctx.Err()
		default:
		}

		if step >= maxSteps {
			assistantMsg.Error = maxStepsError("Maximum steps reached")
			p.saveMessage(ctx, sessionID, assistantMsg)
			return fmt.Errorf("max steps exceeded")
		}

		stepCtx, span := tracer.Start(ctx, "agent.step", trace.WithAttributes(
			attribute.String("agent", agent.Name),
			attribute.Int("step", step),
		))
		if p.metrics != nil {
			p.metrics.AgentSteps.WithLabelValues(agent.Name).Inc()
		}

		if p.shouldCompact(messages) {
			if err := p.compactMessages(stepCtx, sessionID, messages); err != nil {
				// Compaction failing doesn't abort the turn; the next
				// provider call just runs over a larger context.
			}
			messages, _ = p.loadMessages(stepCtx, sessionID)
		}

		req, err := p.buildCompletionRequest(stepCtx, sess, messages, assistantMsg, agent, model, state.format)
		if err != nil {
			span.End()
			return fmt.Errorf("failed to build request: %w", err)
		}

		stream, err := prov.CreateCompletion(stepCtx, req)
		if err != nil {
			span.End()
			nextInterval := retryBackoff.NextBackOff()
			if nextInterval == backoff.Stop {
				assistantMsg.Error = apiError(err.Error())
				p.saveMessage(ctx, sessionID, assistantMsg)
				return err
			}
			time.Sleep(nextInterval)
			continue
		}

		finishReason, err := p.processStream(stepCtx, stream, state, callback)
		span.End()
		stream.Close()

		if err != nil {
			nextInterval := retryBackoff.NextBackOff()
			if nextInterval == backoff.Stop {
				assistantMsg.Error = apiError(err.Error())
				p.saveMessage(ctx, sessionID, assistantMsg)
				return err
			}
			time.Sleep(nextInterval)
			continue
		}

		retryBackoff.Reset()

		switch finishReason {
		case "stop", "end_turn":
			if state.format != nil {
				// The model ended its turn without calling StructuredOutput.
				// Give it a bounded number of extra steps before giving up.
				state.structuredOutputRetries++
				if state.structuredOutputRetries > StructuredOutputMaxRetries {
					assistantMsg.Error = structuredOutputError("structured output tool not called after retries")
					p.saveMessage(ctx, sessionID, assistantMsg)
					return nil
				}
				step++
				continue
			}
			finish := "stop"
			assistantMsg.Finish = &finish
			p.saveMessage(ctx, sessionID, assistantMsg)
			return nil

		case "tool_use", "tool_calls", "tool-calls":
			called, err := p.handleStructuredOutputCall(ctx, state, callback)
			if err != nil {
				assistantMsg.Error = structuredOutputError(err.Error())
				p.saveMessage(ctx, sessionID, assistantMsg)
				return nil
			}
			if called {
				finish := "stop"
				assistantMsg.Finish = &finish
				p.saveMessage(ctx, sessionID, assistantMsg)
				return nil
			}
			if err := p.executeToolCalls(ctx, state, agent, callback); err != nil {
				// Individual tool failures are captured on their own parts;
				// the loop keeps going so the model can react to them.
			}
			step++
			continue

		case "max_tokens", "length":
			finish := "max_tokens"
			assistantMsg.Finish = &finish
			assistantMsg.Error = outputLengthError("Output length limit reached")
			p.saveMessage(ctx, sessionID, assistantMsg)
			return nil

		case "error":
			nextInterval := retryBackoff.NextBackOff()
			if nextInterval == backoff.Stop {
				return fmt.Errorf("stream error: max retries exceeded")
			}
			time.Sleep(nextInterval)
			continue

		default:
			assistantMsg.Finish = &finishReason
			p.saveMessage(ctx, sessionID, assistantMsg)
			return nil
		}
	}
}

// loadMessages loads all messages for a session.
func (p *Processor) loadMessages(ctx context.Context, sessionID string) ([]*types.Message, error) {
	return p.store.ListMessages(ctx, sessionID, 0)
}

// saveMessage persists an assistant message. store.UpsertMessage publishes
// message.updated itself.
func (p *Processor) saveMessage(ctx context.Context, sessionID string, msg *types.Message) error {
	now := time.Now().UnixMilli()
	msg.Time.Updated = &now
	return p.store.UpsertMessage(ctx, msg)
}

// savePart persists a part. store.UpsertPart publishes message.part.updated
// itself.
func (p *Processor) savePart(ctx context.Context, messageID string, part types.Part) error {
	return p.store.UpsertPart(ctx, part)
}

// shouldCompact checks if messages should be compacted.
func (p *Processor) shouldCompact(messages []*types.Message) bool {
	totalTokens := 0
	for _, msg := range messages {
		if msg.Tokens != nil {
			totalTokens += msg.Tokens.Input + msg.Tokens.Output
		}
	}
	return totalTokens > MaxContextTokens
}

// buildCompletionRequest builds an LLM completion request.
func (p *Processor) buildCompletionRequest(
	ctx context.Context,
	sess *types.Session,
	messages []*types.Message,
	currentMsg *types.Message,
	agent *Agent,
	model *types.Model,
	format *types.OutputFormat,
) (*provider.CompletionRequest, error) {
	systemPrompt := NewSystemPrompt(sess, agent, currentMsg.ProviderID, currentMsg.ModelID)

	var einoMessages []*schema.Message
	einoMessages = append(einoMessages, &schema.Message{
		Role:    schema.System,
		Content: systemPrompt.Build(),
	})

	for _, msg := range messages {
		if msg.Error != nil && !p.hasUsableContent(ctx, msg) {
			continue
		}

		parts, err := p.loadParts(ctx, msg.SessionID, msg.ID)
		if err != nil {
			continue
		}

		einoMsg := p.convertMessage(msg, parts)
		einoMessages = append(einoMessages, einoMsg)
	}

	tools, err := p.resolveTools(agent, model, format)
	if err != nil {
		return nil, err
	}

	maxTokens := model.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	req := &provider.CompletionRequest{
		Model:       model.ID,
		Messages:    einoMessages,
		Tools:       tools,
		MaxTokens:   maxTokens,
		Temperature: agent.Temperature,
		TopP:        agent.TopP,
	}

	return req, nil
}

// loadParts loads all parts for a message.
func (p *Processor) loadParts(ctx context.Context, sessionID, messageID string) ([]types.Part, error) {
	withParts, err := p.store.GetMessageWithParts(ctx, sessionID, messageID)
	if err != nil {
		return nil, err
	}
	return withParts.Parts, nil
}

// hasUsableContent checks if a message has content worth including.
func (p *Processor) hasUsableContent(ctx context.Context, msg *types.Message) bool {
	parts, err := p.loadParts(ctx, msg.SessionID, msg.ID)
	if err != nil {
		return false
	}
	return len(parts) > 0
}

// convertMessage converts a types.Message to schema.Message.
func (p *Processor) convertMessage(msg *types.Message, parts []types.Part) *schema.Message {
	role := schema.Assistant
	switch msg.Role {
	case "user":
		role = schema.User
	case "system":
		role = schema.System
	case "tool":
		role = schema.Tool
	}

	var content string
	var toolCalls []schema.ToolCall
	var toolCallID string

	for _, part := range parts {
		switch pt := part.(type) {
		case *types.TextPart:
			content += pt.Text
		case *types.ToolPart:
			if msg.Role == "assistant" {
				inputJSON, _ := json.Marshal(pt.Input)
				toolCalls = append(toolCalls, schema.ToolCall{
					ID: pt.ToolCallID,
					Function: schema.FunctionCall{
						Name:      pt.ToolName,
						Arguments: string(inputJSON),
					},
				})
			} else {
				toolCallID = pt.ToolCallID
				if pt.Output != nil {
					content = *pt.Output
				} else if pt.Error != nil {
					content = "Error: " + *pt.Error
				}
			}
		}
	}

	einoMsg := &schema.Message{
		Role:      role,
		Content:   content,
		ToolCalls: toolCalls,
	}

	if toolCallID != "" {
		einoMsg.ToolCallID = toolCallID
	}

	return einoMsg
}

// resolveTools returns tools enabled for the agent, plus the synthetic
// StructuredOutput tool when format requests one.
func (p *Processor) resolveTools(agent *Agent, model *types.Model, format *types.OutputFormat) ([]*schema.ToolInfo, error) {
	if !model.SupportsTools {
		return nil, nil
	}

	allTools := p.toolRegistry.List()

	var result []*schema.ToolInfo

	for _, t := range allTools {
		if !agent.ToolEnabled(t.ID()) {
			continue
		}

		params := parseJSONSchemaToParams(t.Parameters())
		result = append(result, &schema.ToolInfo{
			Name:        t.ID(),
			Desc:        t.Description(),
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}

	if format != nil && format.Type == "json_schema" {
		params := parseJSONSchemaToParams(format.Schema)
		result = append(result, &schema.ToolInfo{
			Name:        StructuredOutputToolName,
			Desc:        "Call this tool exactly once with the final answer matching the requested schema to end the turn.",
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}

	return result, nil
}

// parseJSONSchemaToParams converts JSON Schema to Eino ParameterInfo.
func parseJSONSchemaToParams(schemaJSON json.RawMessage) map[string]*schema.ParameterInfo {
	var jsonSchema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}

	if err := json.Unmarshal(schemaJSON, &jsonSchema); err != nil {
		return nil
	}

	requiredSet := make(map[string]bool)
	for _, r := range jsonSchema.Required {
		requiredSet[r] = true
	}

	params := make(map[string]*schema.ParameterInfo)
	for name, prop := range jsonSchema.Properties {
		paramType := schema.String
		switch prop.Type {
		case "integer":
			paramType = schema.Integer
		case "number":
			paramType = schema.Number
		case "boolean":
			paramType = schema.Boolean
		case "array":
			paramType = schema.Array
		case "object":
			paramType = schema.Object
		}

		params[name] = &schema.ParameterInfo{
			Type:     paramType,
			Desc:     prop.Description,
			Required: requiredSet[name],
		}
	}

	return params
}

// ptr returns a pointer to the given value.
func ptr[T any](v T) *T {
	return &v
}
