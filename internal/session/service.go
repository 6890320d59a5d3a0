// Package session provides session management functionality.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/coderunner-ai/coderunner/internal/id"
	"github.com/coderunner-ai/coderunner/internal/permission"
	"github.com/coderunner-ai/coderunner/internal/provider"
	"github.com/coderunner-ai/coderunner/internal/store"
	"github.com/coderunner-ai/coderunner/internal/tool"
	"github.com/coderunner-ai/coderunner/pkg/types"
)

// Service manages session operations on top of internal/store.
type Service struct {
	store *store.Store

	// Active session processing
	mu       sync.RWMutex
	active   map[string]*ActiveSession
	abortChs map[string]chan struct{}

	// Processor for agentic loop
	processor *Processor
}

// ActiveSession tracks an active processing session.
type ActiveSession struct {
	SessionID string
	AbortCh   chan struct{}
	StartTime time.Time
}

// NewService creates a new session service with no processor attached
// (read/write session management only, no agentic loop).
func NewService(st *store.Store) *Service {
	return &Service{
		store:    st,
		active:   make(map[string]*ActiveSession),
		abortChs: make(map[string]chan struct{}),
	}
}

// NewServiceWithProcessor creates a new session service with processor dependencies.
func NewServiceWithProcessor(
	st *store.Store,
	providerReg *provider.Registry,
	toolReg *tool.Registry,
	permEngine *permission.Engine,
	defaultProviderID string,
	defaultModelID string,
) *Service {
	s := &Service{
		store:    st,
		active:   make(map[string]*ActiveSession),
		abortChs: make(map[string]chan struct{}),
	}
	s.processor = NewProcessor(providerReg, toolReg, st, permEngine, defaultProviderID, defaultModelID)
	return s
}

// GetProcessor returns the session processor.
func (s *Service) GetProcessor() *Processor {
	return s.processor
}

// Create creates a new session.
func (s *Service) Create(ctx context.Context, directory string, title string) (*types.Session, error) {
	projectID := hashDirectory(directory)
	sess, err := s.store.CreateSession(ctx, projectID, directory)
	if err != nil {
		return nil, err
	}
	if title == "" {
		title = "New Session"
	}
	if err := s.store.SetTitle(ctx, sess.ID, title); err != nil {
		return nil, err
	}
	sess.Title = title
	return sess, nil
}

// Get retrieves a session by ID.
func (s *Service) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	return s.store.Get(ctx, sessionID)
}

// Update updates a session with the given updates.
func (s *Service) Update(ctx context.Context, sessionID string, updates map[string]any) (*types.Session, error) {
	if title, ok := updates["title"].(string); ok {
		if err := s.store.SetTitle(ctx, sessionID, title); err != nil {
			return nil, err
		}
	}
	return s.store.Get(ctx, sessionID)
}

// Delete deletes a session. Messages and parts cascade via foreign keys.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	return s.store.Delete(ctx, sessionID)
}

// List lists sessions for a directory.
// If directory is empty, lists all sessions across all projects.
func (s *Service) List(ctx context.Context, directory string) ([]*types.Session, error) {
	filters := store.ListFilters{}
	if directory != "" {
		filters.ProjectID = hashDirectory(directory)
	}
	return s.store.List(ctx, filters)
}

// GetChildren returns child sessions (forks).
func (s *Service) GetChildren(ctx context.Context, sessionID string) ([]*types.Session, error) {
	return s.store.Children(ctx, sessionID)
}

// Fork creates a fork of a session at a specific message, cloning every
// message/part up to and including messageID (internal/store.ForkSession).
func (s *Service) Fork(ctx context.Context, sessionID, messageID string) (*types.Session, error) {
	return s.store.ForkSession(ctx, sessionID, messageID)
}

// Abort aborts an active session by closing its abort channel. The
// processor additionally cancels its own per-step context when Process
// returns; this channel is for callers tracking activity outside the
// processor (e.g. the server's SSE layer).
func (s *Service) Abort(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.abortChs[sessionID]; ok {
		close(ch)
		delete(s.abortChs, sessionID)
	}
	if s.processor != nil {
		s.processor.Abort(sessionID)
	}

	return nil
}

// Share shares a session and returns a share URL.
func (s *Service) Share(ctx context.Context, sessionID string) (string, error) {
	share, err := s.store.Share(ctx, sessionID, "https://opencode.ai")
	if err != nil {
		return "", err
	}
	return share.URL, nil
}

// Unshare removes sharing from a session.
func (s *Service) Unshare(ctx context.Context, sessionID string) error {
	return s.store.Unshare(ctx, sessionID)
}

// Summarize generates a summary of the session.
func (s *Service) Summarize(ctx context.Context, sessionID string) (*types.SessionSummary, error) {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &sess.Summary, nil
}

// GetDiffs returns diffs for a session.
func (s *Service) GetDiffs(ctx context.Context, sessionID string) ([]types.FileDiff, error) {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Summary.Diffs, nil
}

// GetTodos returns the session's structured task list.
func (s *Service) GetTodos(ctx context.Context, sessionID string) ([]types.TodoInfo, error) {
	return s.store.GetTodos(ctx, sessionID)
}

// Revert reverts a session to a specific message.
func (s *Service) Revert(ctx context.Context, sessionID, messageID string, partID *string) error {
	return s.store.SetRevert(ctx, sessionID, &types.SessionRevert{
		MessageID: messageID,
		PartID:    partID,
	})
}

// Unrevert removes the revert state from a session.
func (s *Service) Unrevert(ctx context.Context, sessionID string) error {
	return s.store.ClearRevert(ctx, sessionID)
}

// ExecuteCommand executes a slash command.
// TODO: wire to internal/command once the session-scoped command surface exists.
func (s *Service) ExecuteCommand(ctx context.Context, sessionID, command string) (map[string]any, error) {
	return map[string]any{"result": "command executed"}, nil
}

// RunShell runs a shell command in the session context.
// TODO: route through internal/tool's bash tool with a session-scoped permission check.
func (s *Service) RunShell(ctx context.Context, sessionID, command string, timeout int) (map[string]any, error) {
	return map[string]any{"output": ""}, nil
}

// RespondPermission responds to a permission request raised by the
// session's permission.Engine.
func (s *Service) RespondPermission(ctx context.Context, sessionID, permissionID string, granted bool) error {
	if s.processor == nil || s.processor.permEngine == nil {
		return nil
	}
	level := permission.Deny
	if granted {
		level = permission.Allow
	}
	s.processor.permEngine.Reply(permissionID, level, "")
	return nil
}

// AddMessage adds a message to a session.
func (s *Service) AddMessage(ctx context.Context, sessionID string, msg *types.Message) error {
	return s.store.UpsertMessage(ctx, msg)
}

// GetMessages returns all messages for a session, oldest first.
func (s *Service) GetMessages(ctx context.Context, sessionID string) ([]*types.Message, error) {
	return s.store.ListMessages(ctx, sessionID, 0)
}

// GetParts returns all parts for a message.
func (s *Service) GetParts(ctx context.Context, sessionID, messageID string) ([]types.Part, error) {
	withParts, err := s.store.GetMessageWithParts(ctx, sessionID, messageID)
	if err != nil {
		return nil, err
	}
	return withParts.Parts, nil
}

// ProcessMessage processes a user message and generates an assistant response.
// This is the main agentic loop entry point used by callers that don't talk
// to the processor directly (the HTTP and headless surfaces).
func (s *Service) ProcessMessage(
	ctx context.Context,
	sess *types.Session,
	content string,
	model *types.ModelRef,
	onUpdate func(msg *types.Message, parts []types.Part),
) (*types.Message, []types.Part, error) {
	userMsg := &types.Message{
		ID:        id.Message(),
		SessionID: sess.ID,
		Role:      "user",
		Time: types.MessageTime{
			Created: time.Now().UnixMilli(),
		},
	}
	if model != nil {
		userMsg.Model = model
	}

	if err := s.AddMessage(ctx, sess.ID, userMsg); err != nil {
		return nil, nil, err
	}

	userPart := &types.TextPart{
		ID:        id.Part(),
		SessionID: sess.ID,
		MessageID: userMsg.ID,
		Type:      "text",
		Text:      content,
	}
	if err := s.store.UpsertPart(ctx, userPart); err != nil {
		return nil, nil, err
	}

	if s.processor != nil {
		var finalMsg *types.Message
		var finalParts []types.Part

		err := s.processor.Process(ctx, sess.ID, DefaultAgent(), func(msg *types.Message, parts []types.Part) {
			finalMsg = msg
			finalParts = parts
			if onUpdate != nil {
				onUpdate(msg, parts)
			}
		})

		// ErrSessionBusy is returned as-is so callers (e.g. the HTTP layer)
		// can map it onto a 409 response instead of a generic 500.
		return finalMsg, finalParts, err
	}

	// Fallback: no processor configured (providers unavailable).
	assistantMsg := &types.Message{
		ID:        id.Message(),
		SessionID: sess.ID,
		Role:      "assistant",
		Time: types.MessageTime{
			Created: time.Now().UnixMilli(),
		},
	}
	if model != nil {
		assistantMsg.ProviderID = model.ProviderID
		assistantMsg.ModelID = model.ModelID
	}

	parts := []types.Part{
		&types.TextPart{
			ID:        id.Part(),
			SessionID: sess.ID,
			MessageID: assistantMsg.ID,
			Type:      "text",
			Text:      "Processor not initialized. Please configure providers.",
		},
	}

	if err := s.AddMessage(ctx, sess.ID, assistantMsg); err != nil {
		return nil, nil, err
	}
	if err := s.store.UpsertPart(ctx, parts[0]); err != nil {
		return nil, nil, err
	}

	if onUpdate != nil {
		onUpdate(assistantMsg, parts)
	}

	return assistantMsg, parts, nil
}

// hashDirectory creates a project ID from a directory path.
func hashDirectory(directory string) string {
	h := sha256.New()
	h.Write([]byte(directory))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
