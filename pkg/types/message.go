package types

import "encoding/json"

// Message represents either a User or Assistant turn in a conversation.
//
// Role-specific fields are left zero-valued for the other role, matching the
// discriminated-union shape the store persists as one JSON blob per row.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionID"`
	Role      string      `json:"role"` // "user" | "assistant"
	Time      MessageTime `json:"time"`

	// User-specific fields.
	Agent  string          `json:"agent,omitempty"`
	Model  *ModelRef       `json:"model,omitempty"`
	System *string         `json:"system,omitempty"`
	Tools  map[string]bool `json:"tools,omitempty"`
	Format *OutputFormat   `json:"format,omitempty"`

	// Assistant-specific fields. ParentID must reference a user message in
	// the same session (invariant 2).
	ParentID   string        `json:"parentID,omitempty"`
	ProviderID string        `json:"providerID,omitempty"`
	ModelID    string        `json:"modelID,omitempty"`
	Finish     *string       `json:"finish,omitempty"` // "stop"|"length"|"content-filter"|"tool-calls"|"unknown"
	Cost       float64       `json:"cost,omitempty"`
	Tokens     *TokenUsage   `json:"tokens,omitempty"`
	Error      *MessageError `json:"error,omitempty"`

	// IsSummary marks an assistant message as the output of a compaction
	// step (the synthetic user message it answers carries a compaction part).
	// Serializes as summary:true; never both IsSummary and Summary are set on
	// the same message, since the two fields belong to different roles.
	IsSummary bool `json:"-"`

	// Summary is the per-message change summary surfaced to clients on user
	// messages. Populated by the session layer, not persisted as its own
	// column.
	Summary *UserMessageSummary `json:"-"`
}

// messageAlias avoids infinite recursion through Message's custom
// MarshalJSON/UnmarshalJSON.
type messageAlias Message

// MarshalJSON renders the summary field as a union: the change-summary
// object for a user message, a bare boolean for an assistant compaction
// message, or omitted entirely otherwise.
func (m Message) MarshalJSON() ([]byte, error) {
	type withSummary struct {
		messageAlias
		Summary json.RawMessage `json:"summary,omitempty"`
	}
	out := withSummary{messageAlias: messageAlias(m)}

	switch {
	case m.Role == "user" && m.Summary != nil:
		raw, err := json.Marshal(m.Summary)
		if err != nil {
			return nil, err
		}
		out.Summary = raw
	case m.Role == "assistant" && m.IsSummary:
		out.Summary = json.RawMessage("true")
	}

	return json.Marshal(out)
}

// UnmarshalJSON restores Summary or IsSummary from the union "summary" field
// depending on whether it decodes as an object or a boolean.
func (m *Message) UnmarshalJSON(data []byte) error {
	type withSummary struct {
		messageAlias
		Summary json.RawMessage `json:"summary,omitempty"`
	}
	var in withSummary
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*m = Message(in.messageAlias)

	if len(in.Summary) == 0 {
		return nil
	}
	if in.Summary[0] == 't' || in.Summary[0] == 'f' {
		var b bool
		if err := json.Unmarshal(in.Summary, &b); err != nil {
			return err
		}
		m.IsSummary = b
		return nil
	}
	var s UserMessageSummary
	if err := json.Unmarshal(in.Summary, &s); err != nil {
		return err
	}
	m.Summary = &s
	return nil
}

// UserMessageSummary mirrors Session.Summary but scoped to one message.
type UserMessageSummary struct {
	Title string     `json:"title"`
	Body  string     `json:"body,omitempty"`
	Diffs []FileDiff `json:"diffs,omitempty"`
}

// MessageTime contains timestamps for a message.
type MessageTime struct {
	Created int64  `json:"created"`
	Updated *int64 `json:"updated,omitempty"`
}

// OutputFormat requests that a user message's turn terminate by calling a
// synthetic structured-output tool against Schema rather than by a plain
// text/tool-call finish. Type is always "json_schema" for now.
type OutputFormat struct {
	Type   string          `json:"type"`
	Schema json.RawMessage `json:"schema"`
}

// ModelRef references a specific model from a provider.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// TokenUsage contains normalized token usage for one assistant message.
// Total always equals the sum of the other fields (invariant 6 / P4);
// internal/cost is the only place that should construct one.
type TokenUsage struct {
	Input     int        `json:"input"`
	Output    int        `json:"output"`
	Reasoning int        `json:"reasoning,omitempty"`
	Cache     CacheUsage `json:"cache,omitempty"`
	Total     int        `json:"total"`
}

// CacheUsage contains cache hit/write statistics.
type CacheUsage struct {
	Read  int `json:"read"`
	Write int `json:"write"`
}

// MessageError represents an error surfaced onto an assistant message,
// following the Kind taxonomy (OutputLength, Aborted, Auth, API,
// ContextOverflow, StructuredOutput, ...).
type MessageError struct {
	Name string           `json:"name"`
	Data MessageErrorData `json:"data"`
}

// MessageErrorData is the payload carried by a MessageError.
type MessageErrorData struct {
	Message string `json:"message"`
}
