package session

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/coderunner-ai/coderunner/internal/cost"
	"github.com/coderunner-ai/coderunner/internal/id"
	"github.com/coderunner-ai/coderunner/internal/provider"
	"github.com/coderunner-ai/coderunner/pkg/types"
)

// CompactionConfig controls message compaction behavior.
type CompactionConfig struct {
	// MinMessagesToKeep is the minimum number of recent messages to keep.
	MinMessagesToKeep int

	// SummaryMaxTokens is the maximum tokens for the summary.
	SummaryMaxTokens int

	// ContextThreshold is the percentage of context usage that triggers compaction.
	ContextThreshold float64
}

// DefaultCompactionConfig returns the default compaction configuration.
var DefaultCompactionConfig = CompactionConfig{
	MinMessagesToKeep: 4,
	SummaryMaxTokens:  2000,
	ContextThreshold:  0.75,
}

// compactMessages summarizes old messages to free context.
func (p *Processor) compactMessages(
	ctx context.Context,
	sessionID string,
	messages []*types.Message,
) error {
	if len(messages) <= DefaultCompactionConfig.MinMessagesToKeep {
		return nil
	}

	now := time.Now().UnixMilli()
	if err := p.store.SetCompacting(ctx, sessionID, &now); err != nil {
		return err
	}
	defer p.store.SetCompacting(ctx, sessionID, nil)

	compactEnd := len(messages) - DefaultCompactionConfig.MinMessagesToKeep
	toCompact := messages[:compactEnd]

	summaryPrompt := buildSummaryPrompt(ctx, p, toCompact)

	model, err := p.providerRegistry.DefaultModel()
	if err != nil {
		return err
	}

	prov, err := p.providerRegistry.Get(model.ProviderID)
	if err != nil {
		return err
	}

	systemMsg := &schema.Message{
		Role:    schema.System,
		Content: "You are a conversation summarizer. Create a concise summary of the conversation that preserves key context for continuing the discussion.",
	}
	userMsg := &schema.Message{
		Role:    schema.User,
		Content: summaryPrompt,
	}

	stream, err := prov.CreateCompletion(ctx, &provider.CompletionRequest{
		Model:     model.ID,
		Messages:  []*schema.Message{systemMsg, userMsg},
		MaxTokens: DefaultCompactionConfig.SummaryMaxTokens,
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	var summary strings.Builder
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		summary.WriteString(msg.Content)
	}

	return p.store.UpdateSummary(ctx, sessionID, func(s *types.SessionSummary) {
		s.Diffs = append(s.Diffs, types.FileDiff{
			File:   "__compaction__",
			Before: "",
			After:  summary.String(),
		})
	})
}

// buildSummaryPrompt creates a prompt for summarizing messages.
func buildSummaryPrompt(ctx context.Context, p *Processor, messages []*types.Message) string {
	var prompt strings.Builder

	prompt.WriteString("Please summarize the following conversation, focusing on:\n")
	prompt.WriteString("1. Key decisions and outcomes\n")
	prompt.WriteString("2. Files that were modified\n")
	prompt.WriteString("3. Important context for continuing the work\n\n")
	prompt.WriteString("---\n\n")

	for _, msg := range messages {
		if msg.Role == "user" {
			prompt.WriteString("USER:\n")
		} else {
			prompt.WriteString("ASSISTANT:\n")
		}

		parts, err := p.loadParts(ctx, msg.SessionID, msg.ID)
		if err != nil {
			continue
		}

		for _, part := range parts {
			switch pt := part.(type) {
			case *types.TextPart:
				prompt.WriteString(pt.Text)
				prompt.WriteString("\n")
			case *types.ToolPart:
				prompt.WriteString(fmt.Sprintf("[Tool: %s]\n", pt.ToolName))
				if pt.Output != nil && *pt.Output != "" {
					output := *pt.Output
					if len(output) > 500 {
						output = output[:500] + "..."
					}
					prompt.WriteString(output)
					prompt.WriteString("\n")
				}
			}
		}

		prompt.WriteString("\n")
	}

	return prompt.String()
}

// compactionSystemPrompt is the system prompt for generating summaries.
const compactionSystemPrompt = `You are a conversation summarizer. Create a concise summary of the conversation that preserves key context for continuing the discussion.

Focus on:
1. What was accomplished
2. Current work in progress
3. Files involved
4. Next steps
5. Any key user requests or constraints

Be concise but detailed enough that work can continue seamlessly.`

// processCompaction handles a compaction request by summarizing the conversation.
func (p *Processor) processCompaction(
	ctx context.Context,
	sessionID string,
	messages []*types.Message,
	compactionPart *types.CompactionPart,
	callback ProcessCallback,
) error {
	sess, err := p.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	lastMsg := messages[len(messages)-1]

	providerID := p.defaultProviderID
	modelID := p.defaultModelID
	if lastMsg.Model != nil {
		providerID = lastMsg.Model.ProviderID
		modelID = lastMsg.Model.ModelID
	}

	prov, err := p.providerRegistry.Get(providerID)
	if err != nil {
		return fmt.Errorf("provider not found: %w", err)
	}

	model, err := p.providerRegistry.GetModel(providerID, modelID)
	if err != nil {
		return fmt.Errorf("model not found: %w", err)
	}

	now := time.Now().UnixMilli()
	if err := p.store.SetCompacting(ctx, sessionID, &now); err != nil {
		return err
	}
	defer p.store.SetCompacting(ctx, sessionID, nil)

	summaryPrompt := buildSummaryPrompt(ctx, p, messages[:len(messages)-1])
	summaryPrompt += "\n\nSummarize our conversation above. This summary will be the only context available when the conversation continues, so preserve critical information including: what was accomplished, current work in progress, files involved, next steps, and any key user requests or constraints. Be concise but detailed enough that work can continue seamlessly."

	assistantMsg := &types.Message{
		ID:         id.Message(),
		SessionID:  sessionID,
		Role:       "assistant",
		ParentID:   lastMsg.ID,
		ProviderID: providerID,
		ModelID:    modelID,
		IsSummary:  true,
		Time: types.MessageTime{
			Created: now,
		},
	}

	if err := p.saveMessage(ctx, sessionID, assistantMsg); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	callback(assistantMsg, nil)

	textPart := &types.TextPart{
		ID:        id.Part(),
		SessionID: sessionID,
		MessageID: assistantMsg.ID,
		Type:      "text",
	}
	if err := p.savePart(ctx, assistantMsg.ID, textPart); err != nil {
		return fmt.Errorf("failed to save part: %w", err)
	}

	systemMsg := &schema.Message{
		Role:    schema.System,
		Content: compactionSystemPrompt,
	}
	userMsg := &schema.Message{
		Role:    schema.User,
		Content: summaryPrompt,
	}

	stream, err := prov.CreateCompletion(ctx, &provider.CompletionRequest{
		Model:     model.ID,
		Messages:  []*schema.Message{systemMsg, userMsg},
		MaxTokens: DefaultCompactionConfig.SummaryMaxTokens,
	})
	if err != nil {
		return fmt.Errorf("failed to create completion: %w", err)
	}
	defer stream.Close()

	var fullText strings.Builder
	var usage cost.Usage
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("stream error: %w", err)
		}

		fullText.WriteString(msg.Content)
		textPart.Text = fullText.String()
		p.savePart(ctx, assistantMsg.ID, textPart)

		if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
			usage.Input = msg.ResponseMeta.Usage.PromptTokens
			usage.Output = msg.ResponseMeta.Usage.CompletionTokens
		}
	}

	tokens, dollarCost := cost.Normalize(usage, *model, cost.Capabilities(prov.Capabilities()))
	assistantMsg.Tokens = tokens
	assistantMsg.Cost = dollarCost
	p.saveMessage(ctx, sessionID, assistantMsg)

	if compactionPart.Auto {
		continueMsg := &types.Message{
			ID:        id.Message(),
			SessionID: sessionID,
			Role:      "user",
			Agent:     lastMsg.Agent,
			Model:     lastMsg.Model,
			Time: types.MessageTime{
				Created: time.Now().UnixMilli(),
			},
		}
		p.saveMessage(ctx, sessionID, continueMsg)

		continuePart := &types.TextPart{
			ID:        id.Part(),
			SessionID: sessionID,
			MessageID: continueMsg.ID,
			Type:      "text",
			Text:      "Continue if you have next steps",
		}
		p.savePart(ctx, continueMsg.ID, continuePart)
	}

	_ = sess
	return nil
}
