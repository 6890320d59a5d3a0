package types

import "encoding/json"

// Part represents one typed unit of content attached to a message.
// SDK compatible: all parts must have sessionID and messageID fields.
type Part interface {
	PartType() string
	PartID() string
	PartSessionID() string
	PartMessageID() string
}

// PartTime contains timing information for a message part.
type PartTime struct {
	Start *int64 `json:"start,omitempty"`
	End   *int64 `json:"end,omitempty"`
}

// TextPart represents a text content part.
type TextPart struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"`
	MessageID string         `json:"messageID"`
	Type      string         `json:"type"` // always "text"
	Text      string         `json:"text"`
	Synthetic bool           `json:"synthetic,omitempty"`
	Ignored   bool           `json:"ignored,omitempty"`
	Time      PartTime       `json:"time,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (p *TextPart) PartType() string      { return "text" }
func (p *TextPart) PartID() string        { return p.ID }
func (p *TextPart) PartSessionID() string { return p.SessionID }
func (p *TextPart) PartMessageID() string { return p.MessageID }

// ReasoningPart represents extended thinking/reasoning content.
type ReasoningPart struct {
	ID        string   `json:"id"`
	SessionID string   `json:"sessionID"`
	MessageID string   `json:"messageID"`
	Type      string   `json:"type"` // always "reasoning"
	Text      string   `json:"text"`
	Time      PartTime `json:"time,omitempty"`
}

func (p *ReasoningPart) PartType() string      { return "reasoning" }
func (p *ReasoningPart) PartID() string        { return p.ID }
func (p *ReasoningPart) PartSessionID() string { return p.SessionID }
func (p *ReasoningPart) PartMessageID() string { return p.MessageID }

// Attachment represents a file produced alongside a tool result.
type Attachment struct {
	Filename  string `json:"filename"`
	MediaType string `json:"mediaType"`
	URL       string `json:"url"`
}

// ToolPart records one tool invocation from description through result.
// State is monotonic: pending -> running -> (completed | error).
type ToolPart struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"sessionID"`
	MessageID   string         `json:"messageID"`
	Type        string         `json:"type"` // always "tool"
	ToolCallID  string         `json:"toolCallID"`
	ToolName    string         `json:"toolName"`
	Input       map[string]any `json:"input"`
	State       string         `json:"state"` // "pending"|"running"|"completed"|"error"
	Output      *string        `json:"output,omitempty"`
	Error       *string        `json:"error,omitempty"`
	Title       *string        `json:"title,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Time        PartTime       `json:"time,omitempty"`
}

func (p *ToolPart) PartType() string      { return "tool" }
func (p *ToolPart) PartID() string        { return p.ID }
func (p *ToolPart) PartSessionID() string { return p.SessionID }
func (p *ToolPart) PartMessageID() string { return p.MessageID }

// FilePart represents a file attachment.
type FilePart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "file"
	Filename  string `json:"filename,omitempty"`
	MediaType string `json:"mediaType"`
	URL       string `json:"url"`
	Source    string `json:"source,omitempty"` // originating tool call id, if any
}

func (p *FilePart) PartType() string      { return "file" }
func (p *FilePart) PartID() string        { return p.ID }
func (p *FilePart) PartSessionID() string { return p.SessionID }
func (p *FilePart) PartMessageID() string { return p.MessageID }

// StepStartPart marks the beginning of one agent-loop step.
type StepStartPart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "step-start"
}

func (p *StepStartPart) PartType() string      { return "step-start" }
func (p *StepStartPart) PartID() string        { return p.ID }
func (p *StepStartPart) PartSessionID() string { return p.SessionID }
func (p *StepStartPart) PartMessageID() string { return p.MessageID }

// StepFinishPart marks the end of one agent-loop step.
type StepFinishPart struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionID"`
	MessageID string      `json:"messageID"`
	Type      string      `json:"type"` // always "step-finish"
	Reason    string      `json:"reason"`
	Cost      float64     `json:"cost"`
	Tokens    *TokenUsage `json:"tokens,omitempty"`
}

func (p *StepFinishPart) PartType() string      { return "step-finish" }
func (p *StepFinishPart) PartID() string        { return p.ID }
func (p *StepFinishPart) PartSessionID() string { return p.SessionID }
func (p *StepFinishPart) PartMessageID() string { return p.MessageID }

// SnapshotPart references a filesystem snapshot taken before a step.
type SnapshotPart struct {
	ID         string `json:"id"`
	SessionID  string `json:"sessionID"`
	MessageID  string `json:"messageID"`
	Type       string `json:"type"` // always "snapshot"
	SnapshotID string `json:"snapshotID"`
}

func (p *SnapshotPart) PartType() string      { return "snapshot" }
func (p *SnapshotPart) PartID() string        { return p.ID }
func (p *SnapshotPart) PartSessionID() string { return p.SessionID }
func (p *SnapshotPart) PartMessageID() string { return p.MessageID }

// PatchPart records the set of files a step touched, keyed by content hash.
type PatchPart struct {
	ID        string   `json:"id"`
	SessionID string   `json:"sessionID"`
	MessageID string   `json:"messageID"`
	Type      string   `json:"type"` // always "patch"
	Hash      string   `json:"hash"`
	Files     []string `json:"files"`
}

func (p *PatchPart) PartType() string      { return "patch" }
func (p *PatchPart) PartID() string        { return p.ID }
func (p *PatchPart) PartSessionID() string { return p.SessionID }
func (p *PatchPart) PartMessageID() string { return p.MessageID }

// AgentPart names the agent configuration a message was produced under.
type AgentPart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "agent"
	Name      string `json:"name"`
}

func (p *AgentPart) PartType() string      { return "agent" }
func (p *AgentPart) PartID() string        { return p.ID }
func (p *AgentPart) PartSessionID() string { return p.SessionID }
func (p *AgentPart) PartMessageID() string { return p.MessageID }

// SubtaskPart directs the loop to delegate work to a named subagent via the
// task tool.
type SubtaskPart struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionID"`
	MessageID   string    `json:"messageID"`
	Type        string    `json:"type"` // always "subtask"
	Prompt      string    `json:"prompt"`
	Description string    `json:"description,omitempty"`
	Agent       string    `json:"agent"`
	Model       *ModelRef `json:"model,omitempty"`
}

func (p *SubtaskPart) PartType() string      { return "subtask" }
func (p *SubtaskPart) PartID() string        { return p.ID }
func (p *SubtaskPart) PartSessionID() string { return p.SessionID }
func (p *SubtaskPart) PartMessageID() string { return p.MessageID }

// CompactionPart marks a synthetic user message as the output of a
// summarisation step; subsequent steps skip history before it.
type CompactionPart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "compaction"
	Auto      bool   `json:"auto"`
}

func (p *CompactionPart) PartType() string      { return "compaction" }
func (p *CompactionPart) PartID() string        { return p.ID }
func (p *CompactionPart) PartSessionID() string { return p.SessionID }
func (p *CompactionPart) PartMessageID() string { return p.MessageID }

// RetryPart records one retried provider call within a step.
type RetryPart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "retry"
	Attempt   int    `json:"attempt"`
	Error     string `json:"error"`
}

func (p *RetryPart) PartType() string      { return "retry" }
func (p *RetryPart) PartID() string        { return p.ID }
func (p *RetryPart) PartSessionID() string { return p.SessionID }
func (p *RetryPart) PartMessageID() string { return p.MessageID }

// RawPart is used for JSON unmarshaling of parts before dispatch on type.
type RawPart struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"-"`
}

// UnmarshalPart unmarshals a JSON part into its concrete variant, dispatching
// exhaustively on the "type" discriminator.
func UnmarshalPart(data []byte) (Part, error) {
	var raw RawPart
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	switch raw.Type {
	case "text":
		var p TextPart
		return &p, json.Unmarshal(data, &p)
	case "reasoning":
		var p ReasoningPart
		return &p, json.Unmarshal(data, &p)
	case "tool":
		var p ToolPart
		return &p, json.Unmarshal(data, &p)
	case "file":
		var p FilePart
		return &p, json.Unmarshal(data, &p)
	case "step-start":
		var p StepStartPart
		return &p, json.Unmarshal(data, &p)
	case "step-finish":
		var p StepFinishPart
		return &p, json.Unmarshal(data, &p)
	case "snapshot":
		var p SnapshotPart
		return &p, json.Unmarshal(data, &p)
	case "patch":
		var p PatchPart
		return &p, json.Unmarshal(data, &p)
	case "agent":
		var p AgentPart
		return &p, json.Unmarshal(data, &p)
	case "subtask":
		var p SubtaskPart
		return &p, json.Unmarshal(data, &p)
	case "compaction":
		var p CompactionPart
		return &p, json.Unmarshal(data, &p)
	case "retry":
		var p RetryPart
		return &p, json.Unmarshal(data, &p)
	default:
		var p TextPart
		return &p, json.Unmarshal(data, &p)
	}
}
