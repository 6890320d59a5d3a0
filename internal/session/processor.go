package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coderunner-ai/coderunner/internal/permission"
	"github.com/coderunner-ai/coderunner/internal/provider"
	"github.com/coderunner-ai/coderunner/internal/store"
	"github.com/coderunner-ai/coderunner/internal/telemetry"
	"github.com/coderunner-ai/coderunner/internal/tool"
	"github.com/coderunner-ai/coderunner/pkg/types"
)

// ErrSessionBusy is returned by Process when sessionID already has a message
// in flight. spec.md §5/§8-P5 requires a concurrent prompt against a busy
// session to fail fast rather than queue behind the one already running.
var ErrSessionBusy = errors.New("session is already processing a message")

// Processor handles message processing and the agentic loop.
type Processor struct {
	mu sync.Mutex

	providerRegistry *provider.Registry
	toolRegistry     *tool.Registry
	store            *store.Store
	permEngine       *permission.Engine

	// metrics is nil unless SetMetrics was called; every recording site
	// guards on that so metrics stay optional for callers (tests, the
	// subagent executor) that never stand up a registry.
	metrics *telemetry.Metrics

	// Default provider and model to use when not specified
	defaultProviderID string
	defaultModelID     string

	// Active sessions being processed
	sessions map[string]*sessionState
}

// sessionState tracks the state of an active session being processed.
type sessionState struct {
	ctx       context.Context
	cancel    context.CancelFunc
	message   *types.Message
	parts     []types.Part
	directory string
	step      int
	retries   int

	// format and structuredOutputRetries implement the structured-output
	// termination guard (spec.md §4.6): format, when set, is the requesting
	// user message's OutputFormat, and a turn isn't allowed to finish as
	// plain text until the synthetic StructuredOutput tool has been called
	// or StructuredOutputMaxRetries is exhausted.
	format                  *types.OutputFormat
	structuredOutputRetries int
}

// ProcessCallback is called with message updates during processing.
type ProcessCallback func(msg *types.Message, parts []types.Part)

// NewProcessor creates a new session processor.
func NewProcessor(
	providerReg *provider.Registry,
	toolReg *tool.Registry,
	st *store.Store,
	permEngine *permission.Engine,
	defaultProviderID string,
	defaultModelID string,
) *Processor {
	// Use reasonable defaults if not specified
	if defaultProviderID == "" {
		defaultProviderID = "anthropic"
	}
	if defaultModelID == "" {
		defaultModelID = "claude-sonnet-4-20250514"
	}
	return &Processor{
		providerRegistry:  providerReg,
		toolRegistry:      toolReg,
		store:             st,
		permEngine:        permEngine,
		defaultProviderID: defaultProviderID,
		defaultModelID:    defaultModelID,
		sessions:          make(map[string]*sessionState),
	}
}

// Process handles a new user message and generates an assistant response.
// This is the main entry point for the agentic loop. A session already
// processing a message rejects the call immediately with ErrSessionBusy
// instead of queuing behind it.
func (p *Processor) Process(ctx context.Context, sessionID string, agent *Agent, callback ProcessCallback) error {
	if agent == nil {
		agent = DefaultAgent()
	}

	p.mu.Lock()
	if _, ok := p.sessions[sessionID]; ok {
		p.mu.Unlock()
		return ErrSessionBusy
	}

	loopCtx, cancel := context.WithCancel(ctx)
	state := &sessionState{
		ctx:    loopCtx,
		cancel: cancel,
	}
	p.sessions[sessionID] = state
	p.mu.Unlock()

	if p.permEngine != nil {
		seedAgentPermissionRules(p.permEngine, sessionID, agent)
	}

	if p.metrics != nil {
		p.metrics.SessionsActive.Inc()
	}

	defer func() {
		p.mu.Lock()
		delete(p.sessions, sessionID)
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.SessionsActive.Dec()
		}
	}()

	// Run the agentic loop
	return p.runLoop(loopCtx, sessionID, state, agent, callback)
}

// SetMetrics attaches a Prometheus/OpenTelemetry sink. Called once by the
// server at startup; nil is a valid value and disables recording.
func (p *Processor) SetMetrics(m *telemetry.Metrics) {
	p.metrics = m
}

// Abort cancels processing for a session.
func (p *Processor) Abort(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not processing: %s", sessionID)
	}

	state.cancel()
	return nil
}

// IsProcessing returns whether a session is currently processing.
func (p *Processor) IsProcessing(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[sessionID]
	return ok
}

// GetActiveState returns the current state for a processing session.
func (p *Processor) GetActiveState(sessionID string) (*types.Message, []types.Part, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.sessions[sessionID]
	if !ok {
		return nil, nil, false
	}

	return state.message, state.parts, true
}
